package subscription

import (
	"net"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// dial opens a receive socket for peerURL and returns its file descriptor,
// registered by the caller into the epoll set (spec §4.3 Connect). Only
// the UDP-MC transport is modeled here via raw sockets; the ZMQ transport
// uses a ZMQ SUB socket (see zmq_receive.go) whose underlying fd is
// obtained via zmq4's GetFd for epoll registration, matching ZMQ's
// documented edge-triggered fd-readiness contract.
func (ts *TopicSubscription) dial(peerURL string) (int, error) {
	switch ts.cfg.Transport {
	case TransportUDPMC:
		return ts.dialUDPMC(peerURL)
	case TransportZMQ:
		return ts.dialZMQ(peerURL)
	default:
		return 0, errors.Errorf("subscription: unknown transport for peer %s", peerURL)
	}
}

// dialUDPMC opens a UDP-MC receive socket joined to the peer's multicast
// group (spec §4.3 Connect: SO_REUSEADDR + IP_ADD_MEMBERSHIP + bind).
func (ts *TopicSubscription) dialUDPMC(peerURL string) (int, error) {
	var host, portStr, ok = strings.Cut(strings.TrimPrefix(peerURL, "udp://"), ":")
	if !ok {
		return 0, errors.Errorf("subscription: malformed udp peer URL %q", peerURL)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return 0, errors.WithMessage(err, "parsing peer port")
	}
	var groupIP = net.ParseIP(host)
	if groupIP == nil {
		return 0, errors.Errorf("subscription: invalid peer IP %q", host)
	}

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM, 0)
	if err != nil {
		return 0, errors.WithMessage(err, "socket")
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		_ = unix.Close(fd)
		return 0, errors.WithMessage(err, "setsockopt SO_REUSEADDR")
	}
	if err := unix.Bind(fd, &unix.SockaddrInet4{Port: port}); err != nil {
		_ = unix.Close(fd)
		return 0, errors.WithMessage(err, "bind")
	}

	var mreq = unix.IPMreq{}
	copy(mreq.Multiaddr[:], groupIP.To4())
	if len(ts.cfg.InterfaceIP) == 4 {
		copy(mreq.Interface[:], ts.cfg.InterfaceIP)
	}
	if err := unix.SetsockoptIPMreq(fd, unix.IPPROTO_IP, unix.IP_ADD_MEMBERSHIP, &mreq); err != nil {
		_ = unix.Close(fd)
		return 0, errors.WithMessage(err, "setsockopt IP_ADD_MEMBERSHIP")
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		_ = unix.Close(fd)
		return 0, errors.WithMessage(err, "set non-blocking")
	}
	return fd, nil
}
