// Package subscription implements TopicSubscription (spec §4.3): a
// per-topic receiver that owns an epoll set over peer sockets, demuxes
// datagrams back into per-bundle subscriber callbacks via LargeUdp
// reassembly, and runs a dedicated receive thread whose pending
// connect/disconnect queues are drained between epoll_wait calls.
//
// The receive loop's retry/read idiom is adapted from the teacher's
// broker/client/reader.go streaming-read pattern; the pending-queue
// drain-before-resolve idiom is adapted from consumer/resolver.go's
// updateResolutions.
package subscription

import (
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"go.psa.dev/core/endpoint"
	"go.psa.dev/core/largeudp"
	"go.psa.dev/core/serializer"
	"go.psa.dev/core/wire"
)

// Transport identifies which wire transport a TopicSubscription connects
// over.
type Transport int

const (
	TransportUDPMC Transport = iota
	TransportZMQ
)

// MaxEpollEvents bounds one epoll_wait batch (spec §4.3).
const MaxEpollEvents = 10

// PollTimeout is the epoll_wait ceiling (spec §4.3, §5).
const PollTimeout = 250 * time.Millisecond

// Subscriber is a locally-tracked subscriber capability (spec §3, §6): the
// external collaborator interface a consuming bundle implements.
type Subscriber struct {
	Endpoint endpoint.Endpoint
	Map      serializer.Map

	// Init is invoked once, on the receive thread, before the first
	// dispatch to this subscriber (spec §4.3: "deferred to the receive
	// thread so that init runs on a stable thread with known epoll
	// state"). Optional.
	Init func() error

	// Receive delivers one deserialized message. release, returned by the
	// callback, instructs the caller whether FreeMsg should be invoked
	// (spec §4.3 step 5, §6).
	Receive func(msgName string, msgTypeID uint32, msgInst interface{}) (release bool, err error)

	// GetMultipart is invoked for each additional part of a ZMQ multipart
	// message after the primary part has driven type resolution (spec
	// §4.3 Multipart receive). Only ever invoked when Transport ==
	// TransportZMQ (spec §9(b)).
	GetMultipart func(msgTypeID uint32, partIndex int, retain bool) (deserialize bool)

	initDone bool
}

type connState int

const (
	stateRequested connState = iota
	stateConnected
	stateClosed
)

type peerConn struct {
	url   string
	fd    int
	state connState
}

// Config parametrizes TopicSubscription's connect behavior.
type Config struct {
	Transport   Transport
	InterfaceIP []byte // UDP-MC: local interface for IP_ADD_MEMBERSHIP
}

// TopicSubscription owns one epoll set, a map of peer connections, the set
// of locally-tracked Subscribers, and a reference to a resolved
// serializer, per spec §3. At most one TopicSubscription exists per
// ScopeTopicKey per PSA (enforced by the owning PSA).
type TopicSubscription struct {
	key endpoint.ScopeTopicKey
	cfg Config

	epollFd  int
	largeUDP *largeudp.Handle

	// ts_lock guards peers, subscribers, and the pending queues (spec §5
	// lock order #7).
	tsLock      sync.Mutex
	peers       map[string]*peerConn // peerURL -> conn
	subscribers []*Subscriber

	pendingConnects    []string // peer URLs to connect
	pendingDisconnects []string // peer URLs to disconnect

	running   bool
	runningMu sync.Mutex
	stopCh    chan struct{}
	doneCh    chan struct{}

	// selfPipe unblocks epoll_wait promptly on Stop, per spec §9's
	// preference for a self-pipe/eventfd over asynchronous thread
	// cancellation.
	selfPipeR, selfPipeW int
}

// New constructs a TopicSubscription for key and starts its receive
// thread (spec §4.4 "start the receive thread").
func New(key endpoint.ScopeTopicKey, cfg Config) (*TopicSubscription, error) {
	epollFd, err := unix.EpollCreate1(0)
	if err != nil {
		return nil, errors.WithMessage(err, "epoll_create1")
	}

	var pr, pw, perr = selfPipe()
	if perr != nil {
		_ = unix.Close(epollFd)
		return nil, errors.WithMessage(perr, "self-pipe")
	}
	if err := unix.EpollCtl(epollFd, unix.EPOLL_CTL_ADD, pr, &unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(pr)}); err != nil {
		_ = unix.Close(epollFd)
		_ = unix.Close(pr)
		_ = unix.Close(pw)
		return nil, errors.WithMessage(err, "epoll_ctl self-pipe")
	}

	var ts = &TopicSubscription{
		key:       key,
		cfg:       cfg,
		epollFd:   epollFd,
		largeUDP:  largeudp.Create(16, 0),
		peers:     make(map[string]*peerConn),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
		selfPipeR: pr,
		selfPipeW: pw,
	}

	ts.runningMu.Lock()
	ts.running = true
	ts.runningMu.Unlock()

	go ts.receiveLoop()

	log.WithField("key", key).Info("topic subscription started")
	return ts, nil
}

// AddSubscriber records a locally-tracked subscriber capability (spec
// §4.3 "Subscriber tracking").
func (ts *TopicSubscription) AddSubscriber(s *Subscriber) {
	ts.tsLock.Lock()
	defer ts.tsLock.Unlock()
	ts.subscribers = append(ts.subscribers, s)
}

// RemoveSubscriber releases the serializer map and removes the subscriber
// matching endpoint id. Returns the number of subscribers remaining.
func (ts *TopicSubscription) RemoveSubscriber(id string) int {
	ts.tsLock.Lock()
	defer ts.tsLock.Unlock()
	for i, s := range ts.subscribers {
		if s.Endpoint.ID() == id {
			if s.Map != nil {
				s.Map.Close()
			}
			ts.subscribers = append(ts.subscribers[:i], ts.subscribers[i+1:]...)
			break
		}
	}
	return len(ts.subscribers)
}

// SubscriberCount returns the number of locally-tracked subscribers.
func (ts *TopicSubscription) SubscriberCount() int {
	ts.tsLock.Lock()
	defer ts.tsLock.Unlock()
	return len(ts.subscribers)
}

// EnqueueConnect enqueues a pending connect to peerURL, drained by the
// receive thread between poll iterations (spec §4.3 state machine:
// Requested -> Connected).
func (ts *TopicSubscription) EnqueueConnect(peerURL string) {
	ts.tsLock.Lock()
	defer ts.tsLock.Unlock()
	ts.pendingConnects = append(ts.pendingConnects, peerURL)
}

// EnqueueDisconnect enqueues a pending disconnect from peerURL.
func (ts *TopicSubscription) EnqueueDisconnect(peerURL string) {
	ts.tsLock.Lock()
	defer ts.tsLock.Unlock()
	ts.pendingDisconnects = append(ts.pendingDisconnects, peerURL)
}

// Stop signals the receive thread to exit and waits for it to finish.
// Implementations MUST NOT cancel the thread asynchronously while it
// holds internal locks (spec §4.3 "Subscriber signal handling", §5
// Cancellation); we instead flip |running| and wake epoll_wait via the
// self-pipe.
func (ts *TopicSubscription) Stop() {
	ts.runningMu.Lock()
	if !ts.running {
		ts.runningMu.Unlock()
		return
	}
	ts.running = false
	ts.runningMu.Unlock()

	close(ts.stopCh)
	var one = []byte{1}
	_, _ = unix.Write(ts.selfPipeW, one)

	<-ts.doneCh

	ts.tsLock.Lock()
	for _, s := range ts.subscribers {
		if s.Map != nil {
			s.Map.Close()
		}
	}
	ts.subscribers = nil
	for _, p := range ts.peers {
		_ = unix.Close(p.fd)
	}
	ts.peers = nil
	ts.tsLock.Unlock()

	ts.largeUDP.Destroy()
	_ = unix.Close(ts.epollFd)
	_ = unix.Close(ts.selfPipeR)
	_ = unix.Close(ts.selfPipeW)

	log.WithField("key", ts.key).Info("topic subscription stopped")
}

func selfPipe() (r, w int, err error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_NONBLOCK); err != nil {
		return 0, 0, err
	}
	return fds[0], fds[1], nil
}

// checkVersion implements spec §7/§9(a): receiver major must equal
// sender's, and sender's minor must be >= receiver's minor.
func checkVersion(sender, receiver wire.MsgVersion) bool {
	return wire.CompatibleVersion(sender, receiver)
}
