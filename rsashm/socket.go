package rsashm

import (
	"encoding/binary"
	"net"
	"time"

	"github.com/pkg/errors"
)

// MaxServerNameLen is the longest abstract socket name accepted (spec §4.6:
// "arbitrary string ≤ 84 bytes").
const MaxServerNameLen = 84

// controlDatagramSize is the 8-byte {descriptor_offset u64} wire shape of
// the shm control datagram (spec §6).
const controlDatagramSize = 8

// abstractAddr returns the net.UnixAddr for Linux's abstract socket
// namespace: a name prefixed with a NUL byte, invisible in the filesystem,
// automatically reclaimed when every referencing socket closes. Go's
// net.ListenUnixgram/DialUnix both support this by virtue of accepting the
// leading NUL verbatim in the Name field.
func abstractAddr(name string) (*net.UnixAddr, error) {
	if len(name) == 0 || len(name) > MaxServerNameLen {
		return nil, errors.Errorf("rsashm: server name length %d exceeds %d", len(name), MaxServerNameLen)
	}
	return &net.UnixAddr{Name: "\x00" + name, Net: "unixgram"}, nil
}

func encodeOffset(off uint32) []byte {
	var buf = make([]byte, controlDatagramSize)
	binary.LittleEndian.PutUint64(buf, uint64(off))
	return buf
}

func decodeOffset(buf []byte) (uint32, error) {
	if len(buf) < controlDatagramSize {
		return 0, errors.Errorf("rsashm: control datagram too short (%d bytes)", len(buf))
	}
	return uint32(binary.LittleEndian.Uint64(buf)), nil
}

// dialWithDeadline opens an ephemeral abstract unixgram socket for a client
// awaiting exactly one reply datagram, bound so the server's reply (sent to
// our recvfrom-derived return address) reaches us.
func dialWithDeadline(localName string, deadline time.Time) (*net.UnixConn, error) {
	addr, err := abstractAddr(localName)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUnixgram("unixgram", addr)
	if err != nil {
		return nil, errors.WithMessage(err, "rsashm: bind client control socket")
	}
	if err := conn.SetDeadline(deadline); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}
