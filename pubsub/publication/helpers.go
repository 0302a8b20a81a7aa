package publication

import (
	"net"
	"syscall"
	"time"

	"go.psa.dev/core/largeudp"
)

func sleep(d time.Duration) { time.Sleep(d) }

func udpDest(addr *net.UDPAddr) syscall.Sockaddr {
	return largeudp.ToSockaddrInet4(addr)
}
