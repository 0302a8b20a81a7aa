package rpc

import (
	"context"

	"github.com/pkg/errors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"go.psa.dev/core/endpoint"
)

// Admin is the subset of psa.PSA's surface the DiscoveryServer dispatches
// onto, kept as an interface so tests can supply a fake without standing up
// a full PSA.
type Admin interface {
	AddSubscription(ctx context.Context, ep endpoint.Endpoint) error
	RemoveSubscription(ctx context.Context, ep endpoint.Endpoint) error
	AddPublication(ctx context.Context, ep endpoint.Endpoint) (endpoint.Endpoint, error)
	RemovePublication(ctx context.Context, ep endpoint.Endpoint) error
	ListEndpoints() []endpoint.Endpoint
}

// DiscoveryServer implements the gRPC registration surface for bundles that
// cannot reach this PSA through discovery/local or discovery/etcd: a remote
// process registers and deregisters Endpoints directly, the way the
// teacher's ShardServer lets a client mutate shard assignment over RPC
// instead of writing to Etcd itself.
type DiscoveryServer struct {
	admin Admin
}

// NewDiscoveryServer wraps admin for RPC dispatch.
func NewDiscoveryServer(admin Admin) *DiscoveryServer {
	return &DiscoveryServer{admin: admin}
}

// Register attaches the service to s under the "json" content-subtype.
func Register(s *grpc.Server, srv *DiscoveryServer) {
	s.RegisterService(&serviceDesc, srv)
}

func toEndpoint(m EndpointMessage) (endpoint.Endpoint, error) {
	ep, err := endpoint.FromProperties(m.Properties)
	if err != nil {
		return endpoint.Endpoint{}, status.Error(codes.InvalidArgument, err.Error())
	}
	return ep, nil
}

func (d *DiscoveryServer) addEndpoint(ctx context.Context, req *AddEndpointRequest) (*Ack, error) {
	ep, err := toEndpoint(req.Endpoint)
	if err != nil {
		return nil, err
	}
	switch ep.Type() {
	case endpoint.TypeSubscriber:
		if err := d.admin.AddSubscription(ctx, ep); err != nil {
			return nil, status.Error(codes.Internal, errors.WithMessage(err, "add subscription").Error())
		}
		return &Ack{}, nil
	case endpoint.TypePublisher:
		stamped, err := d.admin.AddPublication(ctx, ep)
		if err != nil {
			return nil, status.Error(codes.Internal, errors.WithMessage(err, "add publication").Error())
		}
		return &Ack{ResolvedURL: stamped.URL()}, nil
	default:
		return nil, status.Errorf(codes.InvalidArgument, "unknown endpoint type %q", ep.Type())
	}
}

func (d *DiscoveryServer) removeEndpoint(ctx context.Context, req *RemoveEndpointRequest) (*Ack, error) {
	ep, err := toEndpoint(req.Endpoint)
	if err != nil {
		return nil, err
	}
	switch ep.Type() {
	case endpoint.TypeSubscriber:
		if err := d.admin.RemoveSubscription(ctx, ep); err != nil {
			return nil, status.Error(codes.Internal, errors.WithMessage(err, "remove subscription").Error())
		}
	case endpoint.TypePublisher:
		if err := d.admin.RemovePublication(ctx, ep); err != nil {
			return nil, status.Error(codes.Internal, errors.WithMessage(err, "remove publication").Error())
		}
	default:
		return nil, status.Errorf(codes.InvalidArgument, "unknown endpoint type %q", ep.Type())
	}
	return &Ack{}, nil
}

func (d *DiscoveryServer) listEndpoints(context.Context, *ListEndpointsRequest) (*ListEndpointsResponse, error) {
	var eps = d.admin.ListEndpoints()
	var resp = ListEndpointsResponse{Endpoints: make([]EndpointMessage, len(eps))}
	for i, ep := range eps {
		resp.Endpoints[i] = EndpointMessage{Properties: ep.Properties()}
	}
	return &resp, nil
}

const serviceName = "psa.rpc.Discovery"

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*Admin)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "AddEndpoint", Handler: addEndpointHandler},
		{MethodName: "RemoveEndpoint", Handler: removeEndpointHandler},
		{MethodName: "ListEndpoints", Handler: listEndpointsHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "psa/rpc/discovery.proto",
}

func addEndpointHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	var req AddEndpointRequest
	if err := dec(&req); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(*DiscoveryServer).addEndpoint(ctx, &req)
	}
	var info = &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/AddEndpoint"}
	var handler = func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(*DiscoveryServer).addEndpoint(ctx, req.(*AddEndpointRequest))
	}
	return interceptor(ctx, &req, info, handler)
}

func removeEndpointHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	var req RemoveEndpointRequest
	if err := dec(&req); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(*DiscoveryServer).removeEndpoint(ctx, &req)
	}
	var info = &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/RemoveEndpoint"}
	var handler = func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(*DiscoveryServer).removeEndpoint(ctx, req.(*RemoveEndpointRequest))
	}
	return interceptor(ctx, &req, info, handler)
}

func listEndpointsHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	var req ListEndpointsRequest
	if err := dec(&req); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(*DiscoveryServer).listEndpoints(ctx, &req)
	}
	var info = &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/ListEndpoints"}
	var handler = func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(*DiscoveryServer).listEndpoints(ctx, req.(*ListEndpointsRequest))
	}
	return interceptor(ctx, &req, info, handler)
}
