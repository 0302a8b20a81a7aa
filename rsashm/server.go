package rsashm

import (
	"context"
	"net"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"go.psa.dev/core/shm"
)

// ReceiveFunc is the user callback invoked per request (spec §4.6 step 4):
// given the request bytes and the metadata the client attached, it returns
// a status and the response bytes to copy back.
type ReceiveFunc func(metadata, request []byte) (Status, []byte)

// Config parametrizes one RsaShmServer (spec §6
// CELIX_RSA_SHM_MAX_CONCURRENT_INVOCATIONS_NUM).
type Config struct {
	ServerName string // abstract socket name, e.g. "shm_test_server"
	Workers    int    // worker pool size; default 32 if <= 0

	Cache *shm.ShmCache // maps client arenas by name; caller owns its lifecycle
}

// RsaShmServer accepts control datagrams on an abstract Unix-domain socket
// and dispatches each to a bounded worker pool (spec §4.6).
type RsaShmServer struct {
	cfg    Config
	conn   *net.UnixConn
	recv   ReceiveFunc
	tasks  chan task
	wg     sync.WaitGroup
	stopCh chan struct{}
}

type task struct {
	descriptorOff uint32
	clientArena   *shm.Arena
	replyTo       net.Addr
}

// metadataLenPrefix is the size of the length prefix within a request
// payload (spec §4.6's "map the client's arena... read the descriptor" treats
// metadata and request as two logical parts of the same copied-in bytes;
// here the first 4 bytes record the metadata length, the rest splits
// metadata/request).
const metadataLenPrefix = 4

// NewServer binds an abstract Unix-domain datagram socket named
// cfg.ServerName and starts cfg.Workers worker goroutines invoking recv for
// each request. Call Serve to begin accepting datagrams.
func NewServer(cfg Config, recv ReceiveFunc) (*RsaShmServer, error) {
	if cfg.Workers <= 0 {
		cfg.Workers = 32
	}
	addr, err := abstractAddr(cfg.ServerName)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUnixgram("unixgram", addr)
	if err != nil {
		return nil, errors.WithMessagef(err, "rsashm: bind server socket %q", cfg.ServerName)
	}

	var s = &RsaShmServer{
		cfg:    cfg,
		conn:   conn,
		recv:   recv,
		tasks:  make(chan task, cfg.Workers),
		stopCh: make(chan struct{}),
	}
	for i := 0; i < cfg.Workers; i++ {
		s.wg.Add(1)
		go s.worker()
	}
	return s, nil
}

// Serve blocks reading control datagrams until ctx is cancelled or Close is
// called. Each datagram is {clientShmID-implicit via reply address,
// descriptor_offset}; this implementation additionally expects the first
// 84 bytes of the datagram payload to name the client's arena, which the
// server opens through cfg.Cache, followed by the 8-byte offset, since a bare descriptor offset alone can't name which arena it
// lives in once more than one client is in play.
func (s *RsaShmServer) Serve(ctx context.Context) error {
	var buf = make([]byte, MaxServerNameLen+controlDatagramSize)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.stopCh:
			return nil
		default:
		}

		n, addr, err := s.conn.ReadFrom(buf)
		if err != nil {
			select {
			case <-s.stopCh:
				return nil
			default:
			}
			return errors.WithMessage(err, "rsashm: read control datagram")
		}

		shmID, off, err := decodeRequestDatagram(buf[:n])
		if err != nil {
			log.WithError(err).Warn("rsashm: dropping malformed control datagram")
			continue
		}
		arena, err := s.cfg.Cache.OpenArena(shmID, shm.ReadWrite)
		if err != nil {
			log.WithError(err).WithField("shm_id", shmID).Warn("rsashm: cannot map client arena")
			continue
		}

		select {
		case s.tasks <- task{descriptorOff: off, clientArena: arena, replyTo: addr}:
		default:
			// Backpressure: worker pool saturated, drop and reply
			// ILLEGAL_STATE inline rather than queueing (spec §4.6
			// "Backpressure").
			s.respondIllegalState(addr)
		}
	}
}

func (s *RsaShmServer) worker() {
	defer s.wg.Done()
	for {
		select {
		case <-s.stopCh:
			return
		case t, ok := <-s.tasks:
			if !ok {
				return
			}
			s.handle(t)
		}
	}
}

func (s *RsaShmServer) handle(t task) {
	var d = OpenDescriptor(t.clientArena, t.descriptorOff)
	var payload = d.Request()
	if len(payload) < metadataLenPrefix {
		d.PutResponse(nil, StatusIllegalState)
		s.conn.WriteTo(encodeOffset(t.descriptorOff), t.replyTo)
		return
	}
	var metaLen = int(payload[0]) | int(payload[1])<<8 | int(payload[2])<<16 | int(payload[3])<<24
	if metaLen > len(payload)-metadataLenPrefix {
		d.PutResponse(nil, StatusIllegalState)
		s.conn.WriteTo(encodeOffset(t.descriptorOff), t.replyTo)
		return
	}
	var metadata = payload[metadataLenPrefix : metadataLenPrefix+metaLen]
	var request = payload[metadataLenPrefix+metaLen:]

	status, response := s.recv(metadata, request)
	d.PutResponse(response, status)
	s.conn.WriteTo(encodeOffset(t.descriptorOff), t.replyTo)
}

func (s *RsaShmServer) respondIllegalState(addr net.Addr) {
	// No descriptor to annotate (the pool may be full, or the arena may be
	// unreachable) -- reply with an all-ones sentinel offset the client
	// recognizes as "no descriptor, request dropped".
	s.conn.WriteTo(encodeOffset(droppedSentinel), addr)
}

const droppedSentinel uint32 = 0xFFFFFFFF

func decodeRequestDatagram(buf []byte) (shmID string, off uint32, err error) {
	if len(buf) < MaxServerNameLen+controlDatagramSize {
		return "", 0, errors.Errorf("rsashm: request datagram too short (%d bytes)", len(buf))
	}
	var nameEnd = 0
	for nameEnd < MaxServerNameLen && buf[nameEnd] != 0 {
		nameEnd++
	}
	off, err = decodeOffset(buf[MaxServerNameLen:])
	if err != nil {
		return "", 0, err
	}
	return string(buf[:nameEnd]), off, nil
}

// Close stops Serve and its worker pool and closes the listening socket.
func (s *RsaShmServer) Close() error {
	close(s.stopCh)
	var err = s.conn.Close()
	s.wg.Wait()
	return err
}
