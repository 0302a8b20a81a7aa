package subscription

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.psa.dev/core/endpoint"
	"go.psa.dev/core/wire"
)

func newTestSubscription(t *testing.T) *TopicSubscription {
	t.Helper()
	var ts, err = New(endpoint.NewKey("scope", "topic"), Config{Transport: TransportUDPMC})
	require.NoError(t, err)
	t.Cleanup(ts.Stop)
	return ts
}

func TestAddRemoveSubscriber(t *testing.T) {
	var ts = newTestSubscription(t)
	var ep = endpoint.New("fw", "scope", "topic", endpoint.TypeSubscriber, nil)

	ts.AddSubscriber(&Subscriber{Endpoint: ep})
	assert.Equal(t, 1, ts.SubscriberCount())

	var remaining = ts.RemoveSubscriber(ep.ID())
	assert.Equal(t, 0, remaining)
}

func TestCheckVersionPinnedDirection(t *testing.T) {
	assert.True(t, checkVersion(wire.MsgVersion{Major: 1, Minor: 2}, wire.MsgVersion{Major: 1, Minor: 1}))
	assert.False(t, checkVersion(wire.MsgVersion{Major: 1, Minor: 1}, wire.MsgVersion{Major: 1, Minor: 2}))
	assert.False(t, checkVersion(wire.MsgVersion{Major: 2, Minor: 0}, wire.MsgVersion{Major: 1, Minor: 0}))
}

func TestEnqueueConnectQueuesPeer(t *testing.T) {
	var ts = newTestSubscription(t)
	ts.EnqueueConnect("udp://239.0.0.1:40000")
	ts.tsLock.Lock()
	var pending = len(ts.pendingConnects)
	ts.tsLock.Unlock()
	assert.Equal(t, 1, pending)
}
