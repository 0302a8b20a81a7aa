package publication

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/pebbe/zmq4"

	"go.psa.dev/core/wire"
)

var delayOnce sync.Once

// maybeDelayFirstSend blocks the calling goroutine for firstSendDelay,
// exactly once per process (spec §4.2 "Delay-first-send", §9 "Global/
// process-wide state"). If the owning PSA supplied its own DelayFirstSend
// closure (so the guard is shared across every TopicPublication in the
// process rather than scoped to this package), that closure is used
// instead of this package-local sync.Once.
func (tp *TopicPublication) maybeDelayFirstSend() {
	if tp.cfg.DelayFirstSend != nil {
		tp.cfg.DelayFirstSend()
		return
	}
	delayOnce.Do(func() { sleep(firstSendDelay) })
}

// transmitFrame builds the wire frame {FrameHeader}{payload_size}{payload}
// and emits it over the bound transport (spec §4.2, §6).
func (tp *TopicPublication) transmitFrame(topic string, msgTypeID uint32, ver wire.MsgVersion, payload []byte) error {
	var header = make([]byte, wire.FrameHeaderSize+4)
	if err := wire.PutFrameHeader(wire.FrameHeader{Topic: topic, MsgTypeID: msgTypeID, MsgVersion: ver}, header); err != nil {
		return errors.WithMessage(err, "encode frame header")
	}
	if err := wire.PutPayloadSize(uint32(len(payload)), header[wire.FrameHeaderSize:]); err != nil {
		return errors.WithMessage(err, "encode payload size")
	}

	switch tp.cfg.Transport {
	case TransportUDPMC:
		return tp.largeUDP.Sendmsg(tp.udpFd, [][]byte{header, payload}, udpDest(tp.udpAddr))
	case TransportZMQ:
		var frame = append(header, payload...)
		_, err := tp.zmqPub.Socket.SendBytes(frame, 0)
		return err
	default:
		return errors.New("publication: unknown transport")
	}
}

// transmitMultipart sends a ZMQ multipart message: the first part carries
// the frame header, subsequent parts are raw payload chunks with the ZMQ
// "more" flag set on all but the last (spec §4.2).
func (tp *TopicPublication) transmitMultipart(topic string, msgTypeID uint32, ver wire.MsgVersion, parts [][]byte) error {
	if tp.cfg.Transport != TransportZMQ {
		return errors.New("publication: multipart send requires the ZMQ transport")
	}
	var header = make([]byte, wire.FrameHeaderSize+4)
	if err := wire.PutFrameHeader(wire.FrameHeader{Topic: topic, MsgTypeID: msgTypeID, MsgVersion: ver}, header); err != nil {
		return errors.WithMessage(err, "encode frame header")
	}
	if len(parts) == 0 {
		return errors.New("publication: multipart send with no parts")
	}
	if err := wire.PutPayloadSize(uint32(len(parts[0])), header[wire.FrameHeaderSize:]); err != nil {
		return errors.WithMessage(err, "encode payload size")
	}

	var first = append(header, parts[0]...)
	var flag = zmq4.SNDMORE
	if len(parts) == 1 {
		flag = 0
	}
	if _, err := tp.zmqPub.Socket.SendBytes(first, flag); err != nil {
		return errors.WithMessage(err, "send first part")
	}
	for i := 1; i < len(parts); i++ {
		var f = zmq4.SNDMORE
		if i == len(parts)-1 {
			f = 0
		}
		if _, err := tp.zmqPub.Socket.SendBytes(parts[i], f); err != nil {
			return errors.WithMessage(err, "send part")
		}
	}
	return nil
}
