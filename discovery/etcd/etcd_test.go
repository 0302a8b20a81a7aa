package etcd

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.psa.dev/core/endpoint"
)

func TestDecodeEndpointRoundTrips(t *testing.T) {
	var ep = endpoint.New("fw", "s", "t", endpoint.TypePublisher, map[string]string{
		endpoint.PropURL: "udp://239.0.0.1:9000",
	})
	data, err := json.Marshal(ep.Properties())
	require.NoError(t, err)

	got, err := decodeEndpoint(data)
	require.NoError(t, err)
	assert.True(t, ep.Equivalent(got))
	assert.Equal(t, "udp://239.0.0.1:9000", got.URL())
}

func TestDecodeEndpointRejectsMalformedJSON(t *testing.T) {
	_, err := decodeEndpoint([]byte("not json"))
	assert.Error(t, err)
}

func TestEndpointIDFromKey(t *testing.T) {
	assert.Equal(t, "abc-123", endpointIDFromKey("/psa/discovery/abc-123", "/psa/discovery/"))
	assert.Equal(t, "/too/short", endpointIDFromKey("/too/short", "/this/prefix/is/longer/"))
}
