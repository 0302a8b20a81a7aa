package mainboilerplate

import (
	"go.psa.dev/core/psa"
	"go.psa.dev/core/pubsub/publication"
	"go.psa.dev/core/pubsub/subscription"
	"go.psa.dev/core/rsashm"
	"go.psa.dev/core/transport/zmq"
)

// UDPMCConfig carries the PSA_IP/PSA_INTERFACE/PSA_MC_PREFIX/
// PSA_UDPMC_VERBOSE/PSA_UDPMC_QOS_*_SCORE environment keys (spec §6).
// ToPSAConfig applies only the QoS and default scores; IP, Interface,
// McPrefix and Verbose are parsed but no code in this module applies them.
type UDPMCConfig struct {
	IP           string `long:"ip" env:"IP" description:"Local IP address UDP-MC sockets bind to"`
	Interface    string `long:"interface" env:"INTERFACE" description:"Network interface for multicast group membership"`
	McPrefix     string `long:"mc-prefix" env:"MC_PREFIX" default:"224.100" description:"Multicast address prefix new publications are allocated from"`
	Verbose      bool   `long:"verbose" env:"VERBOSE" description:"Log every UDP-MC chunk send/receive"`
	QoSSample    int    `long:"qos-sample-score" env:"QOS_SAMPLE_SCORE" default:"70" description:"matchEndpoint score bonus for pubsub.qos=sample"`
	QoSControl   int    `long:"qos-control-score" env:"QOS_CONTROL_SCORE" default:"30" description:"matchEndpoint score bonus for pubsub.qos=control"`
	DefaultScore int    `long:"default-score" env:"DEFAULT_SCORE" default:"50" description:"matchEndpoint score when admin type or serializer don't fully match"`
}

// ZMQConfig carries the PSA_ZMQ_* environment keys (spec §6).
type ZMQConfig struct {
	BasePort         int `long:"base-port" env:"BASE_PORT" default:"49152" description:"Lowest port ZMQ publications are allocated from"`
	MaxPort          int `long:"max-port" env:"MAX_PORT" default:"65000" description:"Highest port ZMQ publications are allocated from"`
	ReceiveTimeoutUs int `long:"receive-timeout-microsec" env:"RECEIVE_TIMEOUT_MICROSEC" default:"1000" description:"ZMQ SUB socket non-blocking receive timeout"`
	NrThreads        int `long:"nr-threads" env:"NR_THREADS" default:"1" description:"ZMQ context IO thread count (1..49, else default)"`
}

// RsaShmConfig carries the CELIX_RSA_SHM_* environment keys (spec §6).
type RsaShmConfig struct {
	PoolSize                 int `long:"pool-size" env:"POOL_SIZE" default:"262144" description:"ShmPool arena size in bytes (min 8192)"`
	MsgTimeoutSeconds        int `long:"msg-timeout" env:"MSG_TIMEOUT" default:"30" description:"RsaShmClientManager reply deadline in seconds"`
	MaxConcurrentInvocations int `long:"max-concurrent-invocations" env:"MAX_CONCURRENT_INVOCATIONS_NUM" default:"32" description:"RsaShmServer worker pool size"`
}

// Validate clamps out-of-range values to their spec-mandated defaults
// rather than erroring, matching spec §6's "(1..49, else default)" and
// "(default ..., min ...)" phrasing for these specific keys.
func (c *ZMQConfig) Validate() {
	if c.NrThreads < 1 || c.NrThreads > 49 {
		c.NrThreads = 1
	}
}

// Validate clamps PoolSize to the spec-mandated minimum.
func (c *RsaShmConfig) Validate() {
	if c.PoolSize < 8192 {
		c.PoolSize = 8192
	}
}

// ToPSAConfig builds a psa.Config wired for the UDP-MC admin type from
// these environment-sourced values.
func (c UDPMCConfig) ToPSAConfig(frameworkUUID string) psa.Config {
	return psa.Config{
		FrameworkUUID:   frameworkUUID,
		AdminType:       "udp_mc",
		QoSSampleScore:  c.QoSSample,
		QoSControlScore: c.QoSControl,
		DefaultScore:    c.DefaultScore,
		Publication:     publication.Config{Transport: publication.TransportUDPMC},
		Subscription:    subscription.Config{Transport: subscription.TransportUDPMC},
	}
}

// ToPortRange builds a zmq.PortRange from these environment-sourced
// values. ReceiveTimeoutUs and NrThreads are not read by this helper, and
// no other code in this module reads them either.
func (c ZMQConfig) ToPortRange() zmq.PortRange {
	c.Validate()
	return zmq.PortRange{Base: c.BasePort, Max: c.MaxPort}
}

// ToRsaShmServerConfig builds an rsashm.Config from these
// environment-sourced values; ServerName and Cache are filled in by the
// daemon since they depend on runtime identity, not flags.
func (c RsaShmConfig) ToRsaShmServerConfig() rsashm.Config {
	c.Validate()
	return rsashm.Config{Workers: c.MaxConcurrentInvocations}
}
