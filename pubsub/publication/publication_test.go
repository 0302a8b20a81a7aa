package publication

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"go.psa.dev/core/endpoint"
	"go.psa.dev/core/transport/zmq"
)

func TestHandleForRefcounting(t *testing.T) {
	var tp = &TopicPublication{
		key:     endpoint.NewKey("s", "t"),
		bundles: make(map[string]*Publisher),
	}
	var p1 = tp.HandleFor("bundleA")
	var p2 = tp.HandleFor("bundleA")
	assert.Same(t, p1, p2)
	assert.Equal(t, 2, p1.refs)

	p2.Release()
	assert.Equal(t, 1, p1.refs)

	p1.Release()
	tp.tpLock.Lock()
	_, stillPresent := tp.bundles["bundleA"]
	tp.tpLock.Unlock()
	assert.False(t, stillPresent)
}

func TestAddEndpointIdempotent(t *testing.T) {
	var tp = &TopicPublication{bundles: make(map[string]*Publisher)}
	var ep = endpoint.New("fw", "s", "t", endpoint.TypePublisher, nil)

	tp.AddEndpoint(ep)
	tp.AddEndpoint(ep)
	assert.Equal(t, 1, tp.EndpointCount())
}

type chirp struct{ Text string }

func TestMultipartRequiresZMQTransport(t *testing.T) {
	var tp = &TopicPublication{cfg: Config{Transport: TransportUDPMC}, bundles: make(map[string]*Publisher)}
	var p = tp.HandleFor("b")

	err := p.SendMultipart("t", 1, &chirp{}, zmq.First)
	assert.Error(t, err)
}
