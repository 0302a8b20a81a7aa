package rpc

import (
	"context"

	"google.golang.org/grpc"

	"go.psa.dev/core/endpoint"
)

// DiscoveryClient calls a remote DiscoveryServer over a grpc.ClientConn
// dialed with grpc.WithDefaultCallOptions(grpc.ForceCodec(jsonCodec{})), so
// every Invoke on conn uses the "json" content-subtype this package
// registers without the caller needing to pass the option per-call.
type DiscoveryClient struct {
	conn *grpc.ClientConn
}

// NewDiscoveryClient wraps conn. conn must have been dialed with
// grpc.WithDefaultCallOptions(grpc.ForceCodec(jsonCodec{})) (DialOptions
// returns the option to pass).
func NewDiscoveryClient(conn *grpc.ClientConn) *DiscoveryClient {
	return &DiscoveryClient{conn: conn}
}

// DialOptions returns the grpc.DialOption a caller must pass to grpc.Dial
// so RPCs on the resulting connection use this package's json codec.
func DialOptions() []grpc.DialOption {
	return []grpc.DialOption{grpc.WithDefaultCallOptions(grpc.ForceCodec(jsonCodec{}))}
}

// AddEndpoint registers ep with the remote PSA and returns the Ack, whose
// ResolvedURL is set for publications.
func (c *DiscoveryClient) AddEndpoint(ctx context.Context, ep endpoint.Endpoint) (*Ack, error) {
	var req = AddEndpointRequest{Endpoint: EndpointMessage{Properties: ep.Properties()}}
	var ack Ack
	if err := c.conn.Invoke(ctx, "/"+serviceName+"/AddEndpoint", &req, &ack); err != nil {
		return nil, err
	}
	return &ack, nil
}

// RemoveEndpoint unregisters ep from the remote PSA.
func (c *DiscoveryClient) RemoveEndpoint(ctx context.Context, ep endpoint.Endpoint) error {
	var req = RemoveEndpointRequest{Endpoint: EndpointMessage{Properties: ep.Properties()}}
	var ack Ack
	return c.conn.Invoke(ctx, "/"+serviceName+"/RemoveEndpoint", &req, &ack)
}

// ListEndpoints lists the remote PSA's currently-known endpoints.
func (c *DiscoveryClient) ListEndpoints(ctx context.Context) ([]endpoint.Endpoint, error) {
	var req ListEndpointsRequest
	var resp ListEndpointsResponse
	if err := c.conn.Invoke(ctx, "/"+serviceName+"/ListEndpoints", &req, &resp); err != nil {
		return nil, err
	}
	var out = make([]endpoint.Endpoint, 0, len(resp.Endpoints))
	for _, m := range resp.Endpoints {
		ep, err := endpoint.FromProperties(m.Properties)
		if err != nil {
			return nil, err
		}
		out = append(out, ep)
	}
	return out, nil
}
