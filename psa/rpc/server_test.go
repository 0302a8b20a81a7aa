package rpc

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"go.psa.dev/core/endpoint"
)

type fakeAdmin struct {
	subscribed []endpoint.Endpoint
	published  []endpoint.Endpoint
	resolveURL string
}

func (f *fakeAdmin) AddSubscription(_ context.Context, ep endpoint.Endpoint) error {
	f.subscribed = append(f.subscribed, ep)
	return nil
}

func (f *fakeAdmin) RemoveSubscription(_ context.Context, ep endpoint.Endpoint) error {
	for i, e := range f.subscribed {
		if e.ID() == ep.ID() {
			f.subscribed = append(f.subscribed[:i], f.subscribed[i+1:]...)
			break
		}
	}
	return nil
}

func (f *fakeAdmin) AddPublication(_ context.Context, ep endpoint.Endpoint) (endpoint.Endpoint, error) {
	ep = ep.WithProperty(endpoint.PropURL, f.resolveURL)
	f.published = append(f.published, ep)
	return ep, nil
}

func (f *fakeAdmin) RemovePublication(_ context.Context, ep endpoint.Endpoint) error {
	for i, e := range f.published {
		if e.ID() == ep.ID() {
			f.published = append(f.published[:i], f.published[i+1:]...)
			break
		}
	}
	return nil
}

func (f *fakeAdmin) ListEndpoints() []endpoint.Endpoint {
	return append(append([]endpoint.Endpoint{}, f.subscribed...), f.published...)
}

func TestAddEndpointDispatchesBySubscriberType(t *testing.T) {
	var admin = &fakeAdmin{}
	var srv = NewDiscoveryServer(admin)
	var sub = endpoint.New("fw", "s", "t", endpoint.TypeSubscriber, nil)

	ack, err := srv.addEndpoint(context.Background(), &AddEndpointRequest{
		Endpoint: EndpointMessage{Properties: sub.Properties()},
	})
	require.NoError(t, err)
	assert.Empty(t, ack.ResolvedURL)
	assert.Len(t, admin.subscribed, 1)
}

func TestAddEndpointDispatchesByPublisherTypeAndReturnsResolvedURL(t *testing.T) {
	var admin = &fakeAdmin{resolveURL: "udp://239.0.0.1:9000"}
	var srv = NewDiscoveryServer(admin)
	var pub = endpoint.New("fw", "s", "t", endpoint.TypePublisher, nil)

	ack, err := srv.addEndpoint(context.Background(), &AddEndpointRequest{
		Endpoint: EndpointMessage{Properties: pub.Properties()},
	})
	require.NoError(t, err)
	assert.Equal(t, "udp://239.0.0.1:9000", ack.ResolvedURL)
}

func TestAddEndpointRejectsUnknownType(t *testing.T) {
	var admin = &fakeAdmin{}
	var srv = NewDiscoveryServer(admin)
	var bogus = endpoint.New("fw", "s", "t", endpoint.Type("bogus"), nil)

	_, err := srv.addEndpoint(context.Background(), &AddEndpointRequest{
		Endpoint: EndpointMessage{Properties: bogus.Properties()},
	})
	require.Error(t, err)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestListEndpointsReturnsAllTracked(t *testing.T) {
	var admin = &fakeAdmin{}
	var srv = NewDiscoveryServer(admin)
	var sub = endpoint.New("fw", "s", "t", endpoint.TypeSubscriber, nil)
	admin.subscribed = append(admin.subscribed, sub)

	resp, err := srv.listEndpoints(context.Background(), &ListEndpointsRequest{})
	require.NoError(t, err)
	require.Len(t, resp.Endpoints, 1)
	assert.Equal(t, sub.ID(), resp.Endpoints[0].Properties[endpoint.PropID])
}
