package subscription

import (
	"sync"

	"github.com/pebbe/zmq4"
	"github.com/pkg/errors"

	"go.psa.dev/core/transport/zmq"
	"go.psa.dev/core/wire"
)

// zmqPeerSockets tracks the ZMQ SUB socket object backing each peer connection's
// file descriptor, since epoll only ever sees the fd, not the zmq4.Socket
// it belongs to. Per spec §9(b), getMultipart (and thus any
// accumulate-then-dispatch behavior) is exposed only on this transport,
// since only ZMQ guarantees intra-message part ordering.
var zmqPeerSockets sync.Map // fd (int) -> *zmq4.Socket

// dialZMQ opens a ZMQ SUB socket connected to peerURL and returns its
// underlying file descriptor for epoll registration (spec §4.3 Connect).
func (ts *TopicSubscription) dialZMQ(peerURL string) (int, error) {
	sock, err := zmq.OpenSubscriberSocket(peerURL, nil)
	if err != nil {
		return 0, errors.WithMessage(err, "opening zmq sub socket")
	}
	fd, err := sock.GetFd()
	if err != nil {
		_ = sock.Close()
		return 0, errors.WithMessage(err, "GetFd")
	}
	zmqPeerSockets.Store(fd, sock)
	return fd, nil
}

// handleReadableZMQ accumulates consecutive ZMQ parts with the "more" flag
// into a list, then dispatches it as one logical message whose primary
// part drives type resolution (spec §4.3 Multipart receive). It replaces
// handleReadable's LargeUdp path when ts.cfg.Transport == TransportZMQ.
func (ts *TopicSubscription) handleReadableZMQ(fd int) {
	v, ok := zmqPeerSockets.Load(fd)
	if !ok {
		return
	}
	var sock = v.(*zmq4.Socket)

	var parts [][]byte
	for {
		part, err := sock.RecvBytes(zmq4.DONTWAIT)
		if err != nil {
			if len(parts) == 0 {
				return // Spurious wakeup or EAGAIN; nothing to dispatch.
			}
			break
		}
		parts = append(parts, part)

		more, err := sock.GetRcvmore()
		if err != nil || !more {
			break
		}
	}
	if len(parts) == 0 {
		return
	}
	ts.dispatchMultipart(parts)
}

// dispatchMultipart resolves the primary part exactly like dispatch, then
// offers each additional part to the matched subscriber's GetMultipart
// callback (spec §4.3 Multipart receive: "the first part is resolved to a
// type the usual way; subsequent parts are handed to the subscriber
// unparsed").
func (ts *TopicSubscription) dispatchMultipart(parts [][]byte) {
	if len(parts) == 0 {
		return
	}
	ts.dispatch(parts[0])
	if len(parts) == 1 {
		return
	}

	hdr, err := wire.ParseFrameHeader(parts[0])
	if err != nil {
		return
	}

	ts.tsLock.Lock()
	var subs = append([]*Subscriber(nil), ts.subscribers...)
	ts.tsLock.Unlock()

	for _, s := range subs {
		if s.GetMultipart == nil || s.Map == nil {
			continue
		}
		if _, ok := s.Map.Lookup(hdr.MsgTypeID); !ok {
			continue
		}
		for i := 1; i < len(parts); i++ {
			s.GetMultipart(hdr.MsgTypeID, i, true)
		}
	}
}
