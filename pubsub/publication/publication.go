// Package publication implements TopicPublication (spec §4.2): it owns a
// bound send socket for one ScopeTopic and a service-factory-backed
// per-bundle Publisher object. Lifecycle and lock-discipline follow the
// teacher's consumer.Service/Resolver composition; the per-bundle handle
// pattern follows spec §9's "service-factory pattern" design note
// (bundle-scoped handles with refcounted cleanup).
package publication

import (
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"go.psa.dev/core/endpoint"
	"go.psa.dev/core/largeudp"
	"go.psa.dev/core/serializer"
	"go.psa.dev/core/transport/udpmc"
	"go.psa.dev/core/transport/zmq"
)

// Transport identifies which wire transport a TopicPublication binds.
type Transport int

const (
	TransportUDPMC Transport = iota
	TransportZMQ
)

// Config parametrizes construction of a TopicPublication (spec §4.2).
type Config struct {
	Transport    Transport
	BindIP       net.IP
	InterfaceIP  net.IP // UDP-MC only: IP_MULTICAST_IF target
	UDPPortRange udpmc.PortRange
	ZMQPortRange zmq.PortRange
	ZMQCert      *zmq.CurveCert

	// DelayFirstSend, if set, is invoked at the start of every Send and
	// SendMultipart call (spec §4.2 "Delay-first-send", §9 "Global/
	// process-wide state"). TopicPublication does not guard it itself; the
	// PSA owns the once-per-process guard inside the closure it passes in,
	// so two publications created back-to-back do not both delay.
	DelayFirstSend func()
}

// TopicPublication owns one send socket and the list of endpoints
// announcing this publication for one ScopeTopicKey (spec §3). At most one
// TopicPublication exists per ScopeTopicKey per PSA; that invariant is
// enforced by the owning PSA, not by this type.
type TopicPublication struct {
	key        endpoint.ScopeTopicKey
	cfg        Config
	serializer serializer.Map

	udpFd    int
	udpAddr  *net.UDPAddr
	zmqPub   *zmq.Publisher
	largeUDP *largeudp.Handle

	url string

	// tp_lock guards endpoints and the bundle-scoped publisher table, per
	// the lock order of spec §5 (#7 TopicPublication tp_lock).
	tpLock    sync.Mutex
	endpoints []endpoint.Endpoint
	bundles   map[string]*Publisher

	closed bool
}

// New constructs and binds a TopicPublication for key, per spec §4.2
// Construction. The resolved url is not yet assigned into any Endpoint;
// the caller (psa) is responsible for stamping it back per spec §4.4.
func New(key endpoint.ScopeTopicKey, ser serializer.Map, cfg Config) (*TopicPublication, error) {
	var tp = &TopicPublication{
		key:        key,
		cfg:        cfg,
		serializer: ser,
		bundles:    make(map[string]*Publisher),
		largeUDP:   largeudp.Create(1, 0),
	}

	switch cfg.Transport {
	case TransportUDPMC:
		var bindIP = cfg.BindIP
		if bindIP == nil {
			bindIP = net.IPv4zero
		}
		bind, err := udpmc.OpenSend(bindIP, cfg.InterfaceIP, cfg.UDPPortRange)
		if err != nil {
			return nil, errors.WithMessage(err, "opening udpmc send socket")
		}
		tp.udpFd = bind.Fd
		tp.udpAddr = bind.Addr
		tp.url = "udp://" + bind.Addr.String()

	case TransportZMQ:
		pub, err := zmq.OpenPublisher(cfg.ZMQCert, cfg.ZMQPortRange)
		if err != nil {
			return nil, errors.WithMessage(err, "opening zmq pub socket")
		}
		tp.zmqPub = pub
		tp.url = "tcp://0.0.0.0:" + itoa(pub.Port)

	default:
		return nil, errors.Errorf("publication: unknown transport %v", cfg.Transport)
	}

	log.WithFields(log.Fields{"key": key, "url": tp.url}).Info("topic publication bound")
	return tp, nil
}

// URL returns the bound socket's wire URL.
func (tp *TopicPublication) URL() string { return tp.url }

// AddEndpoint records an endpoint announcing this publication.
func (tp *TopicPublication) AddEndpoint(ep endpoint.Endpoint) {
	tp.tpLock.Lock()
	defer tp.tpLock.Unlock()
	for _, e := range tp.endpoints {
		if e.Equivalent(ep) {
			return // Idempotent (spec §8).
		}
	}
	tp.endpoints = append(tp.endpoints, ep)
}

// RemoveEndpoint removes a previously added endpoint. It returns the
// number of endpoints remaining.
func (tp *TopicPublication) RemoveEndpoint(id string) int {
	tp.tpLock.Lock()
	defer tp.tpLock.Unlock()
	for i, e := range tp.endpoints {
		if e.ID() == id {
			tp.endpoints = append(tp.endpoints[:i], tp.endpoints[i+1:]...)
			break
		}
	}
	return len(tp.endpoints)
}

// EndpointCount returns the current number of announcing endpoints.
func (tp *TopicPublication) EndpointCount() int {
	tp.tpLock.Lock()
	defer tp.tpLock.Unlock()
	return len(tp.endpoints)
}

// HandleFor returns the bundle-scoped Publisher for bundleID, creating it
// on first use (spec §9's service-factory pattern: "getCount becomes a
// strong refcount").
func (tp *TopicPublication) HandleFor(bundleID string) *Publisher {
	tp.tpLock.Lock()
	defer tp.tpLock.Unlock()

	if tp.closed {
		log.WithField("key", tp.key).Panic("publication: HandleFor called after Stop")
	}
	if p, ok := tp.bundles[bundleID]; ok {
		p.refs++
		return p
	}
	var p = &Publisher{tp: tp, bundleID: bundleID, refs: 1}
	tp.bundles[bundleID] = p
	return p
}

// release drops a bundle's reference to its Publisher handle; once the
// refcount reaches zero the handle is forgotten (spec §9).
func (tp *TopicPublication) release(bundleID string) {
	tp.tpLock.Lock()
	defer tp.tpLock.Unlock()
	if p, ok := tp.bundles[bundleID]; ok {
		p.refs--
		if p.refs <= 0 {
			delete(tp.bundles, bundleID)
		}
	}
}

// Stop unregisters new getService calls and closes the send socket (spec
// §4.2 Teardown). Outstanding Publisher handles remain valid for any
// in-flight Send call but HandleFor will panic if called after Stop; the
// PSA is responsible for sequencing bundle teardown before Stop.
func (tp *TopicPublication) Stop() {
	tp.tpLock.Lock()
	defer tp.tpLock.Unlock()
	if tp.closed {
		return
	}
	tp.closed = true
	tp.largeUDP.Destroy()
	switch tp.cfg.Transport {
	case TransportUDPMC:
		_ = udpmc.Close(tp.udpFd)
	case TransportZMQ:
		_ = tp.zmqPub.Close()
	}
	if tp.serializer != nil {
		tp.serializer.Close()
	}
	log.WithField("key", tp.key).Info("topic publication stopped")
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var neg = n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	var i = len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// firstSendDelay is how long the very first transmit on a process blocks,
// per spec §4.2 "Delay-first-send".
const firstSendDelay = 2 * time.Second
