package rsashm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.psa.dev/core/shm"
)

func newTestArena(t *testing.T) *shm.Arena {
	t.Helper()
	var pool, err = shm.NewAt(t.TempDir(), "rsashm-test", shm.MinPoolSize)
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })
	return pool.Arena
}

func TestDescriptorRequestRoundTrips(t *testing.T) {
	var arena = newTestArena(t)
	d, ok := NewDescriptor(arena, []byte("hello request"))
	require.True(t, ok)

	assert.Equal(t, []byte("hello request"), d.Request())
	assert.Equal(t, StatusOK, d.Status())
}

func TestDescriptorPutResponseRoundTrips(t *testing.T) {
	var arena = newTestArena(t)
	d, ok := NewDescriptor(arena, []byte("req"))
	require.True(t, ok)

	assert.True(t, d.PutResponse([]byte("resp"), StatusOK))
	assert.Equal(t, StatusOK, d.Status())
	assert.Equal(t, []byte("resp"), d.Response())
}

func TestDescriptorPutResponseNonOKStatusSkipsAllocation(t *testing.T) {
	var arena = newTestArena(t)
	d, ok := NewDescriptor(arena, []byte("req"))
	require.True(t, ok)

	assert.True(t, d.PutResponse(nil, StatusIllegalState))
	assert.Equal(t, StatusIllegalState, d.Status())
}

func TestDescriptorReleaseFreesBlocks(t *testing.T) {
	var arena = newTestArena(t)
	d, ok := NewDescriptor(arena, []byte("req"))
	require.True(t, ok)
	require.True(t, d.PutResponse([]byte("resp"), StatusOK))

	d.Release()

	// Free does not merge adjacent blocks, so this large allocation is
	// served from the arena's untouched tail.
	_, ok = arena.Malloc(shm.MinPoolSize - 200)
	assert.True(t, ok)

	// The descriptor's own header block is back on the free list: a
	// header-sized request is served from it again.
	off, ok := arena.Malloc(descriptorHeaderSize)
	require.True(t, ok)
	assert.Equal(t, d.Offset(), off)
}

func TestOpenDescriptorReadsExistingBlock(t *testing.T) {
	var arena = newTestArena(t)
	d, ok := NewDescriptor(arena, []byte("payload"))
	require.True(t, ok)

	var reopened = OpenDescriptor(arena, d.Offset())
	assert.Equal(t, []byte("payload"), reopened.Request())
}
