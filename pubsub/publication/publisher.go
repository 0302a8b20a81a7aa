package publication

import (
	"sync"

	"github.com/pkg/errors"

	"go.psa.dev/core/serializer"
	"go.psa.dev/core/transport/zmq"
	"go.psa.dev/core/wire"
)

// Publisher is the bundle-scoped capability exposed to application code
// (spec §6's Publisher collaborator / §9's service-factory pattern). Each
// consuming bundle obtains its own Publisher via
// TopicPublication.HandleFor, backed by a strong refcount rather than a
// framework getService call.
type Publisher struct {
	tp       *TopicPublication
	bundleID string
	refs     int

	// mp_lock guards multipart send state for this bundle (spec §5 lock
	// order #8).
	mpLock   sync.Mutex
	mpState  multipartState
	mpParts  [][]byte
	mpTopic  string
	mpMsgID  uint32
	mpVer    wire.MsgVersion
}

type multipartState int

const (
	mpIdle multipartState = iota
	mpOpen
)

// LocalMsgTypeIdForMsgType returns the stable hash of msgName, the same
// function the serializer uses for key derivation (spec §4.2).
func (p *Publisher) LocalMsgTypeIdForMsgType(msgName string) uint32 {
	return serializer.MsgTypeID(msgName)
}

// Release drops this bundle's reference to the underlying
// TopicPublication (spec §9).
func (p *Publisher) Release() { p.tp.release(p.bundleID) }

// Send performs a single-part send of msg under msgTypeId (spec §4.2).
func (p *Publisher) Send(topic string, msgTypeID uint32, msg interface{}) error {
	p.tp.maybeDelayFirstSend()

	entry, ok := p.lookup(msgTypeID)
	if !ok {
		return errors.Errorf("publication: no serializer entry for msgTypeId %d", msgTypeID)
	}
	payload, err := entry.Serialize(msg)
	if err != nil {
		return errors.WithMessage(err, "serialize")
	}
	if entry.FreeMsg != nil {
		defer entry.FreeMsg(msg)
	}
	return p.tp.transmitFrame(topic, msgTypeID, entry.MsgVersion, payload)
}

// SendMultipart buffers or commits one part of a ZMQ multipart message
// (spec §4.2). The caller must issue exactly one First, zero-or-more
// Parts, and one Last (or a single FirstLast) before another First on the
// same bundle; violations return zmq.ErrMultipartState.
func (p *Publisher) SendMultipart(topic string, msgTypeID uint32, msg interface{}, flag zmq.MultipartFlag) error {
	if p.tp.cfg.Transport != TransportZMQ {
		return errors.New("publication: SendMultipart is only valid for the ZMQ transport")
	}
	p.tp.maybeDelayFirstSend()

	entry, ok := p.lookup(msgTypeID)
	if !ok {
		return errors.Errorf("publication: no serializer entry for msgTypeId %d", msgTypeID)
	}
	payload, err := entry.Serialize(msg)
	if err != nil {
		return errors.WithMessage(err, "serialize")
	}
	if entry.FreeMsg != nil {
		defer entry.FreeMsg(msg)
	}

	p.mpLock.Lock()
	defer p.mpLock.Unlock()

	switch flag {
	case zmq.First:
		if p.mpState != mpIdle {
			return errors.WithStack(zmq.ErrMultipartState)
		}
		p.mpState = mpOpen
		p.mpParts = [][]byte{payload}
		p.mpTopic, p.mpMsgID, p.mpVer = topic, msgTypeID, entry.MsgVersion
		return nil

	case zmq.Part:
		if p.mpState != mpOpen {
			return errors.WithStack(zmq.ErrMultipartState)
		}
		p.mpParts = append(p.mpParts, payload)
		return nil

	case zmq.Last:
		if p.mpState != mpOpen {
			return errors.WithStack(zmq.ErrMultipartState)
		}
		p.mpParts = append(p.mpParts, payload)
		var parts = p.mpParts
		var mpTopic, mpMsgID, mpVer = p.mpTopic, p.mpMsgID, p.mpVer
		p.mpState, p.mpParts = mpIdle, nil
		return p.tp.transmitMultipart(mpTopic, mpMsgID, mpVer, parts)

	case zmq.FirstLast:
		if p.mpState != mpIdle {
			return errors.WithStack(zmq.ErrMultipartState)
		}
		return p.tp.transmitMultipart(topic, msgTypeID, entry.MsgVersion, [][]byte{payload})

	default:
		return errors.WithStack(zmq.ErrMultipartState)
	}
}

func (p *Publisher) lookup(msgTypeID uint32) (serializer.Entry, bool) {
	if p.tp.serializer == nil {
		return serializer.Entry{}, false
	}
	return p.tp.serializer.Lookup(msgTypeID)
}
