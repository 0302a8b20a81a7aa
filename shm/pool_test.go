package shm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPool(t *testing.T) *ShmPool {
	t.Helper()
	var p, err = NewAt(t.TempDir(), "test-arena", MinPoolSize)
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	return p
}

func TestMallocReturnsDistinctOffsets(t *testing.T) {
	var p = newTestPool(t)

	off1, ok := p.Malloc(64)
	require.True(t, ok)
	off2, ok := p.Malloc(64)
	require.True(t, ok)

	assert.NotEqual(t, off1, off2)
}

func TestMallocWriteReadRoundTrips(t *testing.T) {
	var p = newTestPool(t)

	off, ok := p.Malloc(16)
	require.True(t, ok)
	copy(p.At(off, 16), []byte("0123456789abcdef"))
	assert.Equal(t, []byte("0123456789abcdef"), p.At(off, 16))
}

func TestFreeAllowsReuse(t *testing.T) {
	var p = newTestPool(t)

	off, ok := p.Malloc(128)
	require.True(t, ok)
	p.Free(off)

	off2, ok := p.Malloc(128)
	require.True(t, ok)
	assert.Equal(t, off, off2)
}

func TestMallocFailsWhenArenaExhausted(t *testing.T) {
	var p = newTestPool(t)

	var gotFailure bool
	for i := 0; i < 1000; i++ {
		if _, ok := p.Malloc(MinPoolSize); !ok {
			gotFailure = true
			break
		}
	}
	assert.True(t, gotFailure)
}

func TestNewRoundsUpToMinPoolSize(t *testing.T) {
	var p, err = NewAt(t.TempDir(), "tiny", 1)
	require.NoError(t, err)
	defer p.Close()
	assert.Equal(t, MinPoolSize, p.Size())
}
