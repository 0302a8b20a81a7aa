// Package zmq implements the ZeroMQ PUB/SUB socket plumbing shared by
// TopicPublication and TopicSubscription (spec §4.2, §4.3), grounded on
// other_examples' zetxqx-llm-d-kv-cache-manager zmq_subscriber.go use of
// github.com/pebbe/zmq4.
package zmq

import (
	"fmt"
	"math/rand"

	"github.com/pebbe/zmq4"
	"github.com/pkg/errors"
)

// PortRange mirrors udpmc.PortRange; ZMQ binds tcp://0.0.0.0:port with the
// same rejection-sampling retry strategy (spec §4.2).
type PortRange struct{ Base, Max int }

// DefaultPortRange matches PSA_ZMQ_BASE_PORT/PSA_ZMQ_MAX_PORT defaults
// (spec §6): [49152, 65000].
var DefaultPortRange = PortRange{Base: 49152, Max: 65000}

// MaxBindAttempts bounds the rejection-sampling retry loop.
const MaxBindAttempts = 64

// CurveCert is an optional CurveZMQ certificate applied to a socket.
// Loading/parsing certificate files is an external collaborator per spec
// §1 ("the ZMQ/CurveZMQ key-loading utilities" are out of core scope);
// callers supply already-decoded key material.
type CurveCert struct {
	PublicKey, SecretKey string
	ServerKey            string // peer's public key, for SUB sockets connecting to a secured PUB
}

// Publisher owns a bound ZMQ PUB socket.
type Publisher struct {
	Socket *zmq4.Socket
	Port   int
}

// OpenPublisher opens a PUB socket, optionally applies cert, and binds
// tcp://0.0.0.0:port with retry (spec §4.2).
func OpenPublisher(cert *CurveCert, pr PortRange) (*Publisher, error) {
	sock, err := zmq4.NewSocket(zmq4.PUB)
	if err != nil {
		return nil, errors.WithMessage(err, "zmq.NewSocket(PUB)")
	}
	if cert != nil {
		if err := applyServerCert(sock, cert); err != nil {
			_ = sock.Close()
			return nil, err
		}
	}

	if pr.Max <= pr.Base {
		pr = DefaultPortRange
	}
	var span = pr.Max - pr.Base + 1
	for attempt := 0; attempt < MaxBindAttempts; attempt++ {
		var port = pr.Base + rand.Intn(span)
		if err := sock.Bind(fmt.Sprintf("tcp://0.0.0.0:%d", port)); err == nil {
			return &Publisher{Socket: sock, Port: port}, nil
		}
	}
	_ = sock.Close()
	return nil, errors.Errorf("zmq: failed to bind a port in [%d, %d] after %d attempts", pr.Base, pr.Max, MaxBindAttempts)
}

// Close closes the publisher socket.
func (p *Publisher) Close() error { return p.Socket.Close() }

// OpenSubscriberSocket opens a SUB socket, optionally applies a client
// CurveZMQ cert, connects to peerURL, and subscribes to all messages
// (topic filtering happens at the frame-header level, per spec §4.2's wire
// frame format, not at the ZMQ subscription-filter level).
func OpenSubscriberSocket(peerURL string, cert *CurveCert) (*zmq4.Socket, error) {
	sock, err := zmq4.NewSocket(zmq4.SUB)
	if err != nil {
		return nil, errors.WithMessage(err, "zmq.NewSocket(SUB)")
	}
	if cert != nil {
		if err := applyClientCert(sock, cert); err != nil {
			_ = sock.Close()
			return nil, err
		}
	}
	if err := sock.SetSubscribe(""); err != nil {
		_ = sock.Close()
		return nil, errors.WithMessage(err, "SetSubscribe")
	}
	if err := sock.Connect(peerURL); err != nil {
		_ = sock.Close()
		return nil, errors.WithMessage(err, "connect")
	}
	return sock, nil
}

func applyServerCert(sock *zmq4.Socket, cert *CurveCert) error {
	if err := sock.SetCurveServer(1); err != nil {
		return errors.WithMessage(err, "SetCurveServer")
	}
	if err := sock.SetCurveSecretkey(cert.SecretKey); err != nil {
		return errors.WithMessage(err, "SetCurveSecretkey")
	}
	return nil
}

func applyClientCert(sock *zmq4.Socket, cert *CurveCert) error {
	if err := sock.SetCurveServerkey(cert.ServerKey); err != nil {
		return errors.WithMessage(err, "SetCurveServerkey")
	}
	if err := sock.SetCurvePublickey(cert.PublicKey); err != nil {
		return errors.WithMessage(err, "SetCurvePublickey")
	}
	if err := sock.SetCurveSecretkey(cert.SecretKey); err != nil {
		return errors.WithMessage(err, "SetCurveSecretkey")
	}
	return nil
}

// MultipartFlag encodes a ZMQ multipart send state (spec §4.2).
type MultipartFlag int

const (
	First MultipartFlag = iota
	Part
	Last
	FirstLast
)

// ErrMultipartState is returned when a caller violates the FIRST/PART/LAST
// protocol (spec §4.2, §7, §9): an unexpected PART or LAST without a
// preceding FIRST.
var ErrMultipartState = errors.New("zmq: multipart protocol violation")
