package shm

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCacheOpenReadsOwnerWrites(t *testing.T) {
	var dir = t.TempDir()
	var pool, err = NewAt(dir, "owner-arena", MinPoolSize)
	require.NoError(t, err)
	defer pool.Close()

	off, ok := pool.Malloc(8)
	require.True(t, ok)
	copy(pool.At(off, 8), []byte("deadbeef"))

	var cache = NewCache(dir, nil)
	defer cache.Close()

	data, err := cache.Open("owner-arena", ReadWrite)
	require.NoError(t, err)
	assert.Equal(t, []byte("deadbeef"), data[off:off+8])
}

func TestCacheFiresPeerClosedOnUnlink(t *testing.T) {
	var dir = t.TempDir()
	var pool, err = NewAt(dir, "going-away", MinPoolSize)
	require.NoError(t, err)

	var closed = make(chan string, 1)
	var cache = NewCache(dir, func(id string) { closed <- id })
	defer cache.Close()

	_, err = cache.Open("going-away", ReadWrite)
	require.NoError(t, err)

	require.NoError(t, pool.Close())

	select {
	case id := <-closed:
		assert.Equal(t, "going-away", id)
	case <-time.After(2 * time.Second):
		t.Fatal("peerClosedCB was not invoked")
	}
}
