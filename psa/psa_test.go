package psa

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.psa.dev/core/endpoint"
	"go.psa.dev/core/pubsub/publication"
	"go.psa.dev/core/pubsub/subscription"
	"go.psa.dev/core/serializer/jsonserializer"
	"go.psa.dev/core/wire"
)

type greeting struct{ Text string }

func testPSA(t *testing.T) *PSA {
	t.Helper()
	var p = New(Config{
		FrameworkUUID:   "fw-local",
		AdminType:       "udp_mc",
		QoSSampleScore:  70,
		QoSControlScore: 30,
		DefaultScore:    50,
		Publication:     publication.Config{Transport: publication.TransportUDPMC},
		Subscription:    subscription.Config{Transport: subscription.TransportUDPMC},
	})
	t.Cleanup(p.Stop)
	p.SerializerAdded(context.Background(), jsonserializer.NewFactory(jsonserializer.MsgType{
		Name:    "Greeting",
		Version: wire.MsgVersion{Major: 1, Minor: 0},
		New:     func() interface{} { return &greeting{} },
	}))
	return p
}

func TestAddSubscriptionParksWithoutPublisher(t *testing.T) {
	var p = testPSA(t)
	var sub = endpoint.New("fw-local", "s", "t", endpoint.TypeSubscriber, nil)

	require.NoError(t, p.AddSubscription(context.Background(), sub))
	assert.Len(t, p.pendingSubscriptions[sub.Key()], 1)
	assert.Empty(t, p.subscriptions)
}

func TestAddPublicationDrainsPendingSubscription(t *testing.T) {
	var p = testPSA(t)
	var sub = endpoint.New("fw-local", "s", "t", endpoint.TypeSubscriber, nil)
	require.NoError(t, p.AddSubscription(context.Background(), sub))

	var pub = endpoint.New("fw-local", "s", "t", endpoint.TypePublisher, nil)
	stamped, err := p.AddPublication(context.Background(), pub)
	require.NoError(t, err)
	assert.NotEmpty(t, stamped.URL())
	assert.Equal(t, "json", stamped.Serializer())

	assert.Empty(t, p.pendingSubscriptions[sub.Key()])
	assert.Contains(t, p.subscriptions, sub.Key())
}

func TestMatchEndpointScoring(t *testing.T) {
	var p = testPSA(t)

	var fullMatch = endpoint.New("fw", "s", "t", endpoint.TypeSubscriber,
		map[string]string{endpoint.PropConfig: "udp_mc", endpoint.PropSerializer: "json", endpoint.PropQoS: "sample"})
	assert.Equal(t, FullMatchAdmin+FullMatchSerializer+70, p.MatchEndpoint(fullMatch))

	var wrongAdmin = endpoint.New("fw", "s", "t", endpoint.TypeSubscriber,
		map[string]string{endpoint.PropConfig: "zmq", endpoint.PropSerializer: "json"})
	assert.Equal(t, 50, p.MatchEndpoint(wrongAdmin))
}

func TestSerializerRemovedParksLiveWork(t *testing.T) {
	var p = testPSA(t)
	var pub = endpoint.New("fw-local", "s", "t", endpoint.TypePublisher, nil)
	_, err := p.AddPublication(context.Background(), pub)
	require.NoError(t, err)
	assert.Len(t, p.localPublications, 1)

	p.SerializerRemoved(context.Background(), "json")
	assert.Empty(t, p.localPublications)
	assert.Len(t, p.noSerializerPublications, 1)
}

func TestAddSubscriptionWildcardSharesOneSubscription(t *testing.T) {
	var p = testPSA(t)
	var s1 = endpoint.New("fw-local", "s1", endpoint.WildcardTopic, endpoint.TypeSubscriber, nil)
	var s2 = endpoint.New("fw-local", "s2", endpoint.WildcardTopic, endpoint.TypeSubscriber, nil)

	require.NoError(t, p.AddSubscription(context.Background(), s1))
	require.NoError(t, p.AddSubscription(context.Background(), s2))

	require.NotNil(t, p.wildcard)
	assert.Equal(t, 2, p.wildcard.ts.SubscriberCount())
}
