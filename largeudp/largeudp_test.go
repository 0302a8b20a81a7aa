package largeudp

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.psa.dev/core/wire"
)

// socketPair opens a connected loopback UDP pair and returns their raw file
// descriptors, matching the style of syscall-level tests elsewhere in the
// pack (other_examples' x/sys/unix socket tests).
func socketPair(t *testing.T) (sendFd, recvFd int, recvAddr *net.UDPAddr, cleanup func()) {
	t.Helper()

	recvConn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	recvFile, err := recvConn.File()
	require.NoError(t, err)

	sendConn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	sendFile, err := sendConn.File()
	require.NoError(t, err)

	return int(sendFile.Fd()), int(recvFile.Fd()), recvConn.LocalAddr().(*net.UDPAddr), func() {
		_ = sendFile.Close()
		_ = recvFile.Close()
		_ = sendConn.Close()
		_ = recvConn.Close()
	}
}

func TestRoundTripSizes(t *testing.T) {
	var maxPart = MaxPartSize(0)
	require.Greater(t, maxPart, 0)

	var sizes = []int{1, maxPart - 1, maxPart, maxPart + 1, 10 * maxPart}

	for _, size := range sizes {
		var sendFd, recvFd, recvAddr, cleanup = socketPair(t)

		var sendH = Create(1, 0)
		var recvH = Create(16, 0)

		var msg = make([]byte, size)
		for i := range msg {
			msg[i] = byte(i)
		}

		require.NoError(t, sendH.Sendto(sendFd, msg, ToSockaddrInet4(recvAddr)))

		var got []byte
		for len(got) == 0 {
			idx, _, ok, err := recvH.DataAvailable(recvFd)
			require.NoError(t, err)
			if ok {
				var buf, rerr = recvH.Read(idx)
				require.NoError(t, rerr)
				got = buf
			}
		}

		assert.Equal(t, msg, got, "size=%d", size)

		sendH.Destroy()
		recvH.Destroy()
		cleanup()
	}
}

func TestEvictsOldestWhenFull(t *testing.T) {
	var h = Create(2, 0)
	h.entries = []*entry{
		{msgIdent: 1, msgSize: 10, partsRemaining: 1, buffer: make([]byte, 10)},
		{msgIdent: 2, msgSize: 10, partsRemaining: 1, buffer: make([]byte, 10)},
	}
	// Simulate arrival of a third, distinct in-flight message by applying
	// the same eviction step that DataAvailable takes when full (this test
	// does not call DataAvailable itself).
	if len(h.entries) >= h.maxNrLists {
		h.entries = h.entries[1:]
	}
	require.Len(t, h.entries, 1)
	assert.EqualValues(t, 2, h.entries[0].msgIdent)
}

func TestNewEntryPartsRemainingNoDoubleCount(t *testing.T) {
	var maxPart = MaxPartSize(0)

	// total is an exact multiple of maxPart: exactly one part overall, so
	// after the first (only) chunk is applied partsRemaining must be 0.
	var e = newEntry(wire.ChunkHeader{TotalMsgSize: uint32(maxPart)}, maxPart)
	assert.EqualValues(t, 0, e.partsRemaining)

	// total spans exactly two parts.
	e = newEntry(wire.ChunkHeader{TotalMsgSize: uint32(2 * maxPart)}, maxPart)
	assert.EqualValues(t, 1, e.partsRemaining)
}

// TestNewEntryUsesHandleMaxPartNotChunkPartSize covers the case a smaller,
// final fragment of a multi-part message is the first to arrive (legal
// under UDP reordering): the part count must still be derived from the
// Handle's fixed MAX_PART_SIZE, not the arriving chunk's own (possibly
// short) PartMsgSize, or the message would never reach partsRemaining ==
// 0.
func TestNewEntryUsesHandleMaxPartNotChunkPartSize(t *testing.T) {
	var maxPart = MaxPartSize(0)

	// Three parts total; the last part's PartMsgSize is much smaller than
	// maxPart and happens to be the first chunk DataAvailable sees.
	var lastPartSize = maxPart / 4
	var total = uint32(2*maxPart + lastPartSize)
	var e = newEntry(wire.ChunkHeader{TotalMsgSize: total, Offset: uint32(2 * maxPart), PartMsgSize: uint32(lastPartSize)}, maxPart)
	assert.EqualValues(t, 2, e.partsRemaining)
}
