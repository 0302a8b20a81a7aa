// Package largeudp implements the chunking protocol that lets application
// messages exceed a single UDP datagram (spec §4.1), including reassembly
// across arbitrary interleaving of concurrent message streams. It is the
// leaf dependency of both TopicPublication and TopicSubscription.
package largeudp

import (
	"crypto/rand"
	"encoding/binary"
	"net"
	"sync"
	"syscall"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"go.psa.dev/core/wire"
)

// Sizing constants from spec §4.1.
const (
	maxUDPMsgSize = 65535
	ipHeaderSize  = 20
	udpHeaderSize = 8
)

// MaxPartSize returns MAX_PART_SIZE for the given MTU (or 0 to use the
// maximum UDP message size): min(MTU_OR_65535 - IP_HDR(20) - UDP_HDR(8) -
// HEADER(16)).
func MaxPartSize(mtu int) int {
	if mtu <= 0 || mtu > maxUDPMsgSize {
		mtu = maxUDPMsgSize
	}
	return mtu - ipHeaderSize - udpHeaderSize - wire.ChunkHeaderSize
}

// errCorrupt is returned by DataAvailable when a chunk's total_msg_size
// disagrees with the in-flight entry of the same msg_ident; that entry is
// discarded.
var errCorrupt = errors.New("largeudp: total_msg_size disagreement, message corrupted")

// entry is one in-flight reassembly buffer (spec §3's LargeUdp state).
type entry struct {
	msgIdent       uint32
	msgSize        uint32
	partsRemaining uint32
	buffer         []byte
}

// Handle is a LargeUdp chunking/reassembly engine. One Handle exists per
// TopicSubscription (maxNrLists = 16) and one per publisher send path
// (maxNrLists = 1), per spec §3.
//
// All state transitions are serialized by a single internal mutex; senders
// and receivers may call concurrently (spec §4.1 Concurrency).
type Handle struct {
	maxNrLists int
	maxPart    int

	mu      sync.Mutex
	entries []*entry // ordered oldest-first; capacity maxNrLists
}

// Create returns a new Handle with the given maxNrLists capacity and MTU
// (0 selects the maximum UDP message size).
func Create(maxNrLists, mtu int) *Handle {
	if maxNrLists <= 0 {
		maxNrLists = 1
	}
	return &Handle{
		maxNrLists: maxNrLists,
		maxPart:    MaxPartSize(mtu),
		entries:    make([]*entry, 0, maxNrLists),
	}
}

// Destroy releases the Handle's in-flight buffers.
func (h *Handle) Destroy() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = nil
}

// randIdent picks a msg_ident uniformly at random, as required by spec §4.1.
func randIdent() uint32 {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand failure is effectively impossible on supported
		// platforms; fall back to a fixed but non-zero ident rather than
		// panicking a send path.
		return 0x9e3779b9
	}
	return binary.LittleEndian.Uint32(b[:])
}

// Sendmsg writes an application message, which may exceed the transport
// MTU, to fd as one or more UDP datagrams (spec §4.1 Send algorithm).
// iovecs is walked as a single logical byte stream; destAddr is the UDP
// destination.
func (h *Handle) Sendmsg(fd int, iovecs [][]byte, destAddr syscall.Sockaddr) error {
	var total = 0
	for _, v := range iovecs {
		total += len(v)
	}
	var ident = randIdent()
	var nParts = 1
	if h.maxPart > 0 {
		nParts = (total + h.maxPart - 1) / h.maxPart
		if nParts == 0 {
			nParts = 1
		}
	}

	var header = make([]byte, wire.ChunkHeaderSize)
	for n := 0; n < nParts; n++ {
		var offset = n * h.maxPart
		var partSize = h.maxPart
		if offset+partSize > total {
			partSize = total - offset
		}

		if err := (wire.ChunkHeader{
			MsgIdent:     ident,
			TotalMsgSize: uint32(total),
			PartMsgSize:  uint32(partSize),
			Offset:       uint32(offset),
		}).Put(header); err != nil {
			return errors.WithMessage(err, "encoding chunk header")
		}

		var outIov = make([][]byte, 0, 2)
		outIov = append(outIov, header)
		outIov = append(outIov, sliceIovecs(iovecs, offset, partSize)...)

		if err := writevto(fd, outIov, destAddr); err != nil {
			return errors.WithMessage(err, "sendmsg")
		}
	}
	return nil
}

// Sendto is a convenience wrapper of Sendmsg over a flat buffer.
func (h *Handle) Sendto(fd int, buf []byte, destAddr syscall.Sockaddr) error {
	return h.Sendmsg(fd, [][]byte{buf}, destAddr)
}

// sliceIovecs extracts [offset, offset+size) bytes from the logical
// concatenation of iovecs, returning a list of slices referencing the
// original backing arrays (no copy).
func sliceIovecs(iovecs [][]byte, offset, size int) [][]byte {
	var out [][]byte
	var pos = 0
	var remaining = size
	for _, v := range iovecs {
		if remaining == 0 {
			break
		}
		var vLen = len(v)
		if pos+vLen <= offset {
			pos += vLen
			continue
		}
		var start = 0
		if pos < offset {
			start = offset - pos
		}
		var end = vLen
		if pos+vLen > offset+size {
			end = offset + size - pos
		}
		if start < end {
			out = append(out, v[start:end])
			remaining -= end - start
		}
		pos += vLen
	}
	return out
}

// DataAvailable performs a non-blocking assembly step on a single fd known
// to be readable (spec §4.1 Receive algorithm). It returns the index and
// total size of a fully-assembled message, or ok=false if the message is
// still incomplete (or was discarded as corrupt).
func (h *Handle) DataAvailable(fd int) (index int, size int, ok bool, err error) {
	var header = make([]byte, wire.ChunkHeaderSize)
	var n, _, peekErr = syscall.Recvfrom(fd, header, syscall.MSG_PEEK)
	if peekErr != nil {
		return 0, 0, false, errors.WithMessage(peekErr, "peek chunk header")
	}
	if n < wire.ChunkHeaderSize {
		// Drain the short/malformed datagram so it doesn't wedge the socket.
		_, _, _ = syscall.Recvfrom(fd, make([]byte, n), 0)
		return 0, 0, false, errors.New("largeudp: short datagram")
	}
	var hdr, _ = wire.ParseChunkHeader(header)

	var full = make([]byte, wire.ChunkHeaderSize+int(hdr.PartMsgSize))
	n, _, err = syscall.Recvfrom(fd, full, 0)
	if err != nil {
		return 0, 0, false, errors.WithMessage(err, "recvfrom")
	}
	var part = full[wire.ChunkHeaderSize:n]

	h.mu.Lock()
	defer h.mu.Unlock()

	for i, e := range h.entries {
		if e == nil || e.msgIdent != hdr.MsgIdent {
			continue
		}
		if e.msgSize != hdr.TotalMsgSize {
			log.WithFields(log.Fields{
				"msgIdent": hdr.MsgIdent,
				"expected": e.msgSize,
				"got":      hdr.TotalMsgSize,
			}).Warn("largeudp: total_msg_size disagreement, discarding buffer")
			h.entries = append(h.entries[:i], h.entries[i+1:]...)
			return 0, 0, false, errCorrupt
		}
		copy(e.buffer[hdr.Offset:], part)
		if e.partsRemaining > 0 {
			e.partsRemaining--
		}
		if e.partsRemaining == 0 {
			return i, int(e.msgSize), true, nil
		}
		return 0, 0, false, nil
	}

	// New message. See newEntry doc comment for the partsRemaining
	// off-by-one rationale (spec §9(c)).
	var e = newEntry(hdr, h.maxPart)
	copy(e.buffer[hdr.Offset:], part)

	if len(h.entries) >= h.maxNrLists {
		log.Warn("largeudp: in-flight list at capacity, evicting oldest incomplete message")
		h.entries = h.entries[1:]
	}
	h.entries = append(h.entries, e)

	if e.partsRemaining == 0 {
		return len(h.entries) - 1, int(e.msgSize), true, nil
	}
	return 0, 0, false, nil
}

// newEntry allocates a fresh reassembly buffer for the chunk just read.
// maxPart is the Handle's fixed MAX_PART_SIZE (spec §4.1), the same
// constant the sender used to compute hdr.Offset and nr_buffers; the
// chunk that triggered this allocation may be any part of the message
// (UDP datagrams can arrive out of order), so the part size must never
// be derived from that chunk's own PartMsgSize, which is only a full
// MAX_PART_SIZE for non-final parts and is smaller for whichever part
// happens to be last.
//
// partsRemaining is computed as ceil(total/MAX_PART_SIZE) - 1: the chunk
// that triggered this allocation is one of the total parts, and is
// already applied to the buffer by the caller before checking
// partsRemaining == 0. Computing it as plain total/MAX_PART_SIZE would
// double count when total is an exact multiple of MAX_PART_SIZE (spec
// §9(c)): e.g. total == MAX_PART_SIZE gives total/MAX_PART_SIZE == 1, but
// there is only one part overall, so partsRemaining must be 0, not 1.
func newEntry(hdr wire.ChunkHeader, maxPart int) *entry {
	var nParts = 1
	if maxPart > 0 {
		nParts = int((uint64(hdr.TotalMsgSize) + uint64(maxPart) - 1) / uint64(maxPart))
		if nParts == 0 {
			nParts = 1
		}
	}
	return &entry{
		msgIdent:       hdr.MsgIdent,
		msgSize:        hdr.TotalMsgSize,
		partsRemaining: uint32(nParts - 1),
		buffer:         make([]byte, hdr.TotalMsgSize),
	}
}

// Read takes ownership of a fully-assembled message previously reported by
// DataAvailable, removing it from the in-flight list.
func (h *Handle) Read(index int) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if index < 0 || index >= len(h.entries) || h.entries[index] == nil {
		return nil, errors.New("largeudp: invalid read index")
	}
	var buf = h.entries[index].buffer
	h.entries = append(h.entries[:index], h.entries[index+1:]...)
	return buf, nil
}

// writevto issues a single sendmsg(2)-equivalent call writing iov to fd,
// addressed to destAddr. Abort on first short/failed write; successful
// partial bytes are not rolled back, per spec §4.1.
func writevto(fd int, iov [][]byte, destAddr syscall.Sockaddr) error {
	var buf = make([]byte, 0, wire.ChunkHeaderSize+1500)
	for _, v := range iov {
		buf = append(buf, v...)
	}
	return syscall.Sendto(fd, buf, 0, destAddr)
}

// ToSockaddrInet4 converts a *net.UDPAddr into a syscall.Sockaddr suitable
// for Sendmsg/Sendto.
func ToSockaddrInet4(addr *net.UDPAddr) syscall.Sockaddr {
	var sa = &syscall.SockaddrInet4{Port: addr.Port}
	copy(sa.Addr[:], addr.IP.To4())
	return sa
}
