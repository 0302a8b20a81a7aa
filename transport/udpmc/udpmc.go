// Package udpmc implements the UDP-multicast socket plumbing shared by
// TopicPublication and TopicSubscription (spec §4.2, §4.3): bind/connect,
// IP_MULTICAST_IF / IP_ADD_MEMBERSHIP, SO_REUSEADDR, and port rejection
// sampling. Raw syscalls follow the golang.org/x/sys/unix idiom used
// elsewhere in the pack for socket-option level work (other_examples'
// momentics-hioload-ws and ehrlich-b-go-ublk).
package udpmc

import (
	"math/rand"
	"net"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// PortRange is the [Base, Max] range from which a bind port is chosen by
// rejection sampling (spec §4.2; PSA_ZMQ_BASE_PORT/PSA_ZMQ_MAX_PORT
// defaults reused here per spec §6, since the udpmc transport does not
// define its own distinct env vars in spec.md).
type PortRange struct {
	Base, Max int
}

// DefaultPortRange is [49152, 65000] per spec §4.2.
var DefaultPortRange = PortRange{Base: 49152, Max: 65000}

// MaxBindAttempts bounds the rejection-sampling retry loop.
const MaxBindAttempts = 64

// BindResult describes a bound send or receive socket.
type BindResult struct {
	Fd   int
	Addr *net.UDPAddr
}

// OpenSend opens an AF_INET/SOCK_DGRAM socket, enables IP_MULTICAST_LOOP,
// sets IP_MULTICAST_IF to ifaceIP, and binds to a port chosen by rejection
// sampling from pr on the given bindIP (spec §4.2).
func OpenSend(bindIP net.IP, ifaceIP net.IP, pr PortRange) (*BindResult, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM, 0)
	if err != nil {
		return nil, errors.WithMessage(err, "socket")
	}

	if err := unix.SetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_MULTICAST_LOOP, 1); err != nil {
		_ = unix.Close(fd)
		return nil, errors.WithMessage(err, "setsockopt IP_MULTICAST_LOOP")
	}
	if ifaceIP != nil {
		var mreq [4]byte
		copy(mreq[:], ifaceIP.To4())
		if err := unix.SetsockoptInet4Addr(fd, unix.IPPROTO_IP, unix.IP_MULTICAST_IF, mreq); err != nil {
			_ = unix.Close(fd)
			return nil, errors.WithMessage(err, "setsockopt IP_MULTICAST_IF")
		}
	}

	port, err := bindRejectionSample(fd, bindIP, pr)
	if err != nil {
		_ = unix.Close(fd)
		return nil, err
	}
	return &BindResult{Fd: fd, Addr: &net.UDPAddr{IP: bindIP, Port: port}}, nil
}

// OpenReceive opens a receive socket, sets SO_REUSEADDR, joins the
// multicast group at groupIP via IP_ADD_MEMBERSHIP on the given local
// interface, and binds to port (spec §4.3 Connect).
func OpenReceive(groupIP net.IP, port int, ifaceIP net.IP) (*BindResult, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM, 0)
	if err != nil {
		return nil, errors.WithMessage(err, "socket")
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		_ = unix.Close(fd)
		return nil, errors.WithMessage(err, "setsockopt SO_REUSEADDR")
	}

	var bindAddr = &unix.SockaddrInet4{Port: port}
	// Bind to INADDR_ANY; the multicast membership (not the bind address)
	// determines which group's datagrams are received.
	if err := unix.Bind(fd, bindAddr); err != nil {
		_ = unix.Close(fd)
		return nil, errors.WithMessage(err, "bind")
	}

	var mreq = unix.IPMreq{}
	copy(mreq.Multiaddr[:], groupIP.To4())
	if ifaceIP != nil {
		copy(mreq.Interface[:], ifaceIP.To4())
	}
	if err := unix.SetsockoptIPMreq(fd, unix.IPPROTO_IP, unix.IP_ADD_MEMBERSHIP, &mreq); err != nil {
		_ = unix.Close(fd)
		return nil, errors.WithMessage(err, "setsockopt IP_ADD_MEMBERSHIP")
	}

	if err := unix.SetNonblock(fd, true); err != nil {
		_ = unix.Close(fd)
		return nil, errors.WithMessage(err, "set non-blocking")
	}

	return &BindResult{Fd: fd, Addr: &net.UDPAddr{IP: groupIP, Port: port}}, nil
}

// bindRejectionSample repeatedly tries a random port in [pr.Base, pr.Max]
// until bind succeeds or MaxBindAttempts is exhausted (spec §4.2).
func bindRejectionSample(fd int, bindIP net.IP, pr PortRange) (int, error) {
	if pr.Max <= pr.Base {
		pr = DefaultPortRange
	}
	var span = pr.Max - pr.Base + 1

	for attempt := 0; attempt < MaxBindAttempts; attempt++ {
		var port = pr.Base + rand.Intn(span)
		var sa = &unix.SockaddrInet4{Port: port}
		copy(sa.Addr[:], bindIP.To4())

		if err := unix.Bind(fd, sa); err == nil {
			return port, nil
		}
	}
	return 0, errors.Errorf("udpmc: failed to bind a port in [%d, %d] after %d attempts", pr.Base, pr.Max, MaxBindAttempts)
}

// Close closes the socket.
func Close(fd int) error { return unix.Close(fd) }
