// Command psad runs one Publish/Subscribe Admin control plane instance
// (spec §4.4): it wires discovery (discovery/local always, discovery/etcd
// when --etcd-endpoints is set), the RPC registration surface (psa/rpc),
// and a shared-memory RPC server (rsashm) into a long-running process,
// the way the teacher's own daemons compose mainboilerplate config structs
// into a running server rather than a one-shot CLI tool like
// wordcountctl.
package main

import (
	"context"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jessevdk/go-flags"
	log "github.com/sirupsen/logrus"
	clientv3 "go.etcd.io/etcd/client/v3"
	"google.golang.org/grpc"

	"go.psa.dev/core/discovery/etcd"
	"go.psa.dev/core/discovery/local"
	"go.psa.dev/core/endpoint"
	mbp "go.psa.dev/core/mainboilerplate"
	"go.psa.dev/core/psa"
	"go.psa.dev/core/psa/rpc"
	"go.psa.dev/core/rsashm"
	"go.psa.dev/core/serializer/jsonserializer"
	"go.psa.dev/core/shm"
)

var Config = new(struct {
	UDPMC  mbp.UDPMCConfig  `group:"UDP-MC" namespace:"udpmc" env-namespace:"PSA_UDPMC"`
	ZMQ    mbp.ZMQConfig    `group:"ZMQ" namespace:"zmq" env-namespace:"PSA_ZMQ"`
	RsaShm mbp.RsaShmConfig `group:"RSA-SHM" namespace:"shm" env-namespace:"CELIX_RSA_SHM"`
	Log    mbp.LogConfig    `group:"Logging" namespace:"log" env-namespace:"LOG"`

	FrameworkUUID  string `long:"framework-uuid" env:"PSA_FRAMEWORK_UUID" description:"Identity stamped onto endpoints this instance publishes or subscribes (default: a generated uuid)"`
	EtcdEndpoints  string `long:"etcd-endpoints" env:"PSA_ETCD_ENDPOINTS" description:"Comma-separated etcd endpoints; discovery/etcd is disabled when empty"`
	EtcdPrefix     string `long:"etcd-prefix" env:"PSA_ETCD_PREFIX" default:"/psa/endpoints/" description:"Etcd key prefix discovery/etcd watches"`
	RPCBindAddress string `long:"rpc-bind" env:"PSA_RPC_BIND" default:":0" description:"psa/rpc.DiscoveryServer listen address; empty disables the gRPC surface"`
	ShmServerName  string `long:"shm-server-name" env:"CELIX_RSA_SHM_SERVER_NAME" description:"rsashm.RsaShmServer abstract socket name; empty disables the shared-memory RPC surface"`
})

func main() {
	var parser = flags.NewParser(Config, flags.Default)
	mbp.MustParseArgs(parser)
	Config.Log.Configure()

	if Config.FrameworkUUID == "" {
		Config.FrameworkUUID = uuid.New().String()
	}

	var ctx, cancel = context.WithCancel(context.Background())
	defer cancel()

	var p = psa.New(Config.UDPMC.ToPSAConfig(Config.FrameworkUUID))
	p.SerializerAdded(ctx, jsonserializer.NewFactory())

	// discovery/local always runs: it is how this process's own
	// in-process publishers/subscribers (registered via Register/
	// Unregister) reach the PSA, mirroring a Celix service tracker
	// driving AddSubscription/AddPublication off bundle lifecycle events.
	var registry = local.New()
	registry.OnAdd(dispatchAdd(ctx, p))
	registry.OnRemove(dispatchRemove(ctx, p))

	var etcdDiscovery *etcd.Discovery
	if Config.EtcdEndpoints != "" {
		etcdDiscovery = mustStartEtcdDiscovery(ctx, p)
	}

	var grpcServer *grpc.Server
	if Config.RPCBindAddress != "" {
		grpcServer = mustStartRPCServer(p)
	}

	var shmServer *rsashm.RsaShmServer
	if Config.ShmServerName != "" {
		shmServer = mustStartShmServer(ctx, p)
		defer shmServer.Close()
	}

	log.WithFields(log.Fields{
		"frameworkUUID": Config.FrameworkUUID,
		"etcd":          Config.EtcdEndpoints != "",
		"rpc":           Config.RPCBindAddress != "",
		"shm":           Config.ShmServerName != "",
	}).Info("psad started")

	var sig = make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Info("psad shutting down")
	cancel()
	if grpcServer != nil {
		grpcServer.GracefulStop()
	}
	_ = etcdDiscovery
	p.Stop()
}

func mustStartEtcdDiscovery(ctx context.Context, p *psa.PSA) *etcd.Discovery {
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   splitEndpoints(Config.EtcdEndpoints),
		DialTimeout: 5 * time.Second,
	})
	mbp.Must(err, "failed to dial etcd")

	var d = etcd.New(client, Config.EtcdPrefix, dispatchAdd(ctx, p), dispatchRemoveByID(ctx, p))
	mbp.Must(d.Bootstrap(ctx), "etcd discovery: bootstrap failed")
	go func() {
		if err := d.Watch(ctx); err != nil {
			log.WithError(err).Error("etcd discovery: watch loop exited")
		}
	}()
	return d
}

func mustStartRPCServer(p *psa.PSA) *grpc.Server {
	var lis, err = net.Listen("tcp", Config.RPCBindAddress)
	mbp.Must(err, "failed to bind psa/rpc listener")

	var s = grpc.NewServer()
	rpc.Register(s, rpc.NewDiscoveryServer(p))
	go func() {
		if err := s.Serve(lis); err != nil {
			log.WithError(err).Error("psa/rpc server exited")
		}
	}()
	log.WithField("address", lis.Addr().String()).Info("psa/rpc listening")
	return s
}

func mustStartShmServer(ctx context.Context, p *psa.PSA) *rsashm.RsaShmServer {
	var cache = shm.NewCache("/dev/shm", func(shmID string) {
		log.WithField("shmID", shmID).Warn("rsashm: peer detached")
	})

	var cfg = Config.RsaShm.ToRsaShmServerConfig()
	cfg.ServerName = Config.ShmServerName
	cfg.Cache = cache

	// The shared-memory RPC surface round-trips an RSA invocation payload
	// without interpreting it: decoding the invoked method and dispatching
	// onto p is a marshalling concern outside this package's scope (spec
	// §1 names the RSA marshalling format as an external collaborator).
	var server, err = rsashm.NewServer(cfg, func(metadata, request []byte) (rsashm.Status, []byte) {
		return rsashm.StatusOK, request
	})
	mbp.Must(err, "failed to start rsashm server")
	go server.Serve(ctx)
	log.WithField("name", Config.ShmServerName).Info("rsashm server listening")
	return server
}

func splitEndpoints(s string) []string {
	var out []string
	var start = 0
	for i := 0; i < len(s); i++ {
		if s[i] == ',' {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	out = append(out, s[start:])
	return out
}

// dispatchAdd routes a discovered endpoint onto p's AddSubscription or
// AddPublication, the way a Celix service tracker callback would.
func dispatchAdd(ctx context.Context, p *psa.PSA) func(endpoint.Endpoint) {
	return func(ep endpoint.Endpoint) {
		switch ep.Type() {
		case endpoint.TypeSubscriber:
			if err := p.AddSubscription(ctx, ep); err != nil {
				log.WithError(err).WithField("endpoint", ep.String()).Warn("AddSubscription failed")
			}
		case endpoint.TypePublisher:
			if _, err := p.AddPublication(ctx, ep); err != nil {
				log.WithError(err).WithField("endpoint", ep.String()).Warn("AddPublication failed")
			}
		}
	}
}

// dispatchRemove mirrors dispatchAdd for discovery/local's
// OnRemove, which still hands back the full endpoint.Endpoint.
func dispatchRemove(ctx context.Context, p *psa.PSA) func(endpoint.Endpoint) {
	return func(ep endpoint.Endpoint) {
		switch ep.Type() {
		case endpoint.TypeSubscriber:
			if err := p.RemoveSubscription(ctx, ep); err != nil {
				log.WithError(err).WithField("endpoint", ep.String()).Warn("RemoveSubscription failed")
			}
		case endpoint.TypePublisher:
			if err := p.RemovePublication(ctx, ep); err != nil {
				log.WithError(err).WithField("endpoint", ep.String()).Warn("RemovePublication failed")
			}
		}
	}
}

// dispatchRemoveByID adapts discovery/etcd's onDelete(id string) shape: the
// PSA's RemoveSubscription/RemovePublication need the full Endpoint to
// know which map to remove from, so an id-only delete is looked up against
// the PSA's own tracked endpoints before dispatch.
func dispatchRemoveByID(ctx context.Context, p *psa.PSA) func(string) {
	return func(id string) {
		for _, ep := range p.ListEndpoints() {
			if ep.ID() == id {
				dispatchRemove(ctx, p)(ep)
				return
			}
		}
	}
}
