package local

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"go.psa.dev/core/endpoint"
)

func TestRegisterNotifiesObservers(t *testing.T) {
	var r = New()
	var added []string
	r.OnAdd(func(ep endpoint.Endpoint) { added = append(added, ep.ID()) })

	var ep = endpoint.New("fw", "s", "t", endpoint.TypePublisher, nil)
	r.Register(ep)

	assert.Equal(t, []string{ep.ID()}, added)
	assert.Len(t, r.List(), 1)
}

func TestUnregisterNotifiesObservers(t *testing.T) {
	var r = New()
	var removed []string
	r.OnRemove(func(ep endpoint.Endpoint) { removed = append(removed, ep.ID()) })

	var ep = endpoint.New("fw", "s", "t", endpoint.TypePublisher, nil)
	r.Register(ep)
	r.Unregister(ep.ID())

	assert.Equal(t, []string{ep.ID()}, removed)
	assert.Empty(t, r.List())
}

func TestUnregisterUnknownIsNoop(t *testing.T) {
	var r = New()
	var called bool
	r.OnRemove(func(endpoint.Endpoint) { called = true })
	r.Unregister("missing")
	assert.False(t, called)
}
