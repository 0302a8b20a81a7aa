package rsashm

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.psa.dev/core/shm"
)

func newTestPool(t *testing.T, name string) *shm.ShmPool {
	t.Helper()
	var pool, err = shm.NewAt(t.TempDir(), name, shm.MinPoolSize)
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })
	return pool
}

func TestSendMsgToRoundTripsThroughServer(t *testing.T) {
	var dir = t.TempDir()
	var clientPool, err = shm.NewAt(dir, "rsashm-it-client", shm.MinPoolSize)
	require.NoError(t, err)
	defer clientPool.Close()

	var cache = shm.NewCache(dir, nil)
	defer cache.Close()

	var echoed chan []byte = make(chan []byte, 1)
	var server, serr = NewServer(Config{ServerName: "rsashm-it-server", Workers: 4, Cache: cache}, func(metadata, request []byte) (Status, []byte) {
		echoed <- append([]byte(nil), request...)
		return StatusOK, append([]byte("echo:"), request...)
	})
	require.NoError(t, serr)
	defer server.Close()

	var ctx, cancel = context.WithCancel(context.Background())
	defer cancel()
	go server.Serve(ctx)

	var mgr = NewClientManager(ClientConfig{
		LocalShmName: "rsashm-it-client",
		LocalName:    "rsashm-it-client-reply",
		Pool:         clientPool,
		Timeout:      2 * time.Second,
	})

	resp, status, err := mgr.SendMsgTo(PeerConfig{ServerName: "rsashm-it-server"}, nil, []byte("ping"))
	require.NoError(t, err)
	assert.Equal(t, StatusOK, status)
	assert.Equal(t, []byte("echo:ping"), resp)

	select {
	case got := <-echoed:
		assert.Equal(t, []byte("ping"), got)
	case <-time.After(time.Second):
		t.Fatal("server callback was never invoked")
	}
}

// TestSendMsgToCollapsesServerFailureToIllegalState mirrors the
// ground-truth ManyFailuresTriggerBreakRpc gtest: a callback that returns
// a server-side failure status must still surface to the caller as
// StatusIllegalState, not the raw server status.
func TestSendMsgToCollapsesServerFailureToIllegalState(t *testing.T) {
	var dir = t.TempDir()
	var clientPool, err = shm.NewAt(dir, "rsashm-it-client-3", shm.MinPoolSize)
	require.NoError(t, err)
	defer clientPool.Close()

	var cache = shm.NewCache(dir, nil)
	defer cache.Close()

	var server, serr = NewServer(Config{ServerName: "rsashm-it-server-3", Workers: 4, Cache: cache}, func(metadata, request []byte) (Status, []byte) {
		return StatusServiceException, nil
	})
	require.NoError(t, serr)
	defer server.Close()

	var ctx, cancel = context.WithCancel(context.Background())
	defer cancel()
	go server.Serve(ctx)

	var mgr = NewClientManager(ClientConfig{
		LocalShmName: "rsashm-it-client-3",
		LocalName:    "rsashm-it-client-3-reply",
		Pool:         clientPool,
		Timeout:      2 * time.Second,
	})

	_, status, err := mgr.SendMsgTo(PeerConfig{ServerName: "rsashm-it-server-3"}, nil, []byte("ping"))
	require.NoError(t, err)
	assert.Equal(t, StatusIllegalState, status)
}

func TestSendMsgToFailsFastWithoutServer(t *testing.T) {
	var dir = t.TempDir()
	var clientPool, err = shm.NewAt(dir, "rsashm-it-client-2", shm.MinPoolSize)
	require.NoError(t, err)
	defer clientPool.Close()

	var mgr = NewClientManager(ClientConfig{
		LocalShmName: "rsashm-it-client-2",
		LocalName:    "rsashm-it-client-2-reply",
		Pool:         clientPool,
		Timeout:      100 * time.Millisecond,
	})

	// No server bound at this abstract address: sendto fails immediately
	// with ECONNREFUSED (spec §4.7 step 3), so the call fails fast rather
	// than waiting out the full reply deadline.
	_, status, err := mgr.SendMsgTo(PeerConfig{ServerName: "no-such-server"}, nil, []byte("ping"))
	require.Error(t, err)
	assert.Equal(t, StatusConnectionRefused, status)
}
