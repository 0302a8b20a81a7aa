package jsonserializer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.psa.dev/core/serializer"
	"go.psa.dev/core/wire"
)

type greeting struct {
	Text string `json:"text"`
}

func TestRoundTrip(t *testing.T) {
	var f = NewFactory(MsgType{
		Name:    "Greeting",
		Version: wire.MsgVersion{Major: 1, Minor: 0},
		New:     func() interface{} { return new(greeting) },
	})
	require.Equal(t, "json", f.Type())

	m, err := f.CreateMap()
	require.NoError(t, err)
	defer m.Close()

	entry, ok := m.Lookup(serializer.MsgTypeID("Greeting"))
	require.True(t, ok)
	assert.Equal(t, "Greeting", entry.MsgName)

	data, err := entry.Serialize(&greeting{Text: "hello"})
	require.NoError(t, err)

	out, err := entry.Deserialize(data)
	require.NoError(t, err)
	assert.Equal(t, &greeting{Text: "hello"}, out)
}

func TestUnknownTypeMisses(t *testing.T) {
	var f = NewFactory()
	m, err := f.CreateMap()
	require.NoError(t, err)
	_, ok := m.Lookup(12345)
	assert.False(t, ok)
}
