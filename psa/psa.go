// Package psa implements the Publish/Subscribe Admin control plane (spec
// §4.4): the bookkeeping that binds discovered endpoints, chosen
// serializers, and live TopicPublications/TopicSubscriptions together,
// including the pending-work queues for late-arriving serializers and
// publishers. The bookkeeping maps mirror consumer.Resolver's
// state-plus-observer composition; matchEndpoint's scoring is new but
// follows the same "return a status, let the caller decide" style as
// consumer.Resolver.Resolve.
package psa

import (
	"sync"

	"go.psa.dev/core/endpoint"
	"go.psa.dev/core/pubsub/publication"
	"go.psa.dev/core/pubsub/subscription"
	"go.psa.dev/core/serializer"
)

// Score components used by MatchEndpoint (spec §4.4 matchEndpoint).
const (
	FullMatchAdmin      = 200 // PSA_FULL_MATCH
	FullMatchSerializer = 100 // SER_FULL_MATCH
)

// Config parametrizes one PSA instance (spec §6 environment keys
// PSA_UDPMC_QOS_SAMPLE_SCORE / _CONTROL_SCORE / _DEFAULT_SCORE, and the
// admin type this PSA answers to, e.g. "udp_mc" or "zmq").
type Config struct {
	FrameworkUUID string
	AdminType     string

	QoSSampleScore  int
	QoSControlScore int
	DefaultScore    int

	Publication  publication.Config
	Subscription subscription.Config
}

// pubEntry pairs a live TopicPublication with the serializer type it
// resolved against, so serializerRemoved can find every publication using a
// departing serializer without re-resolving it.
type pubEntry struct {
	tp  *publication.TopicPublication
	ser string
	// eps mirrors the endpoints announcing tp, so serializerRemoved can
	// push them back onto noSerializerPublications without TopicPublication
	// exposing its internal endpoint list.
	eps []endpoint.Endpoint
}

type subEntry struct {
	ts  *subscription.TopicSubscription
	ser string
	// eps mirrors the locally-tracked subscriber endpoints, so
	// serializerRemoved can push them back onto noSerializerSubscriptions.
	eps []endpoint.Endpoint
}

// PSA is one Publish/Subscribe Admin control plane instance (spec §4.4).
// All bookkeeping maps are guarded by a single mutex: the spec's six
// separately-ordered PSA-level locks collapse to one, since none of the
// operations below block on I/O while holding it (every blocking call
// -- epoll_wait, sendmsg, the 2s delay-first-send sleep -- happens inside
// TopicPublication/TopicSubscription, after mu has already been released
// or before it is next acquired). The remaining lock levels (tp_lock,
// ts_lock, mp_lock, socket_lock, the LargeUdp mutex) are owned by those
// types themselves and are never reentered from here, honoring the "a
// thread holding a socket lock MUST NOT call back into the PSA" rule.
type PSA struct {
	cfg Config

	registry *serializer.Registry

	mu sync.Mutex

	localPublications    map[endpoint.ScopeTopicKey]pubEntry
	externalPublications map[endpoint.ScopeTopicKey][]endpoint.Endpoint
	subscriptions        map[endpoint.ScopeTopicKey]subEntry
	pendingSubscriptions map[endpoint.ScopeTopicKey][]endpoint.Endpoint

	topicPublicationsPerSerializer  map[string][]*publication.TopicPublication
	topicSubscriptionsPerSerializer map[string][]*subscription.TopicSubscription

	noSerializerSubscriptions []endpoint.Endpoint
	noSerializerPublications  []endpoint.Endpoint

	wildcard *subEntry
}

// New constructs an empty PSA bound to cfg. If cfg.Publication.DelayFirstSend
// is unset, the PSA installs its own process-wide Once-guarded delay so
// that ownership of the "first ever publish blocks 2s" guard sits here
// rather than in any one TopicPublication (spec §9 "Global/process-wide
// state").
func New(cfg Config) *PSA {
	if cfg.Publication.DelayFirstSend == nil {
		cfg.Publication.DelayFirstSend = delayFirstSend()
	}
	return &PSA{
		cfg:                             cfg,
		registry:                        serializer.NewRegistry(),
		localPublications:               make(map[endpoint.ScopeTopicKey]pubEntry),
		externalPublications:            make(map[endpoint.ScopeTopicKey][]endpoint.Endpoint),
		subscriptions:                   make(map[endpoint.ScopeTopicKey]subEntry),
		pendingSubscriptions:            make(map[endpoint.ScopeTopicKey][]endpoint.Endpoint),
		topicPublicationsPerSerializer:  make(map[string][]*publication.TopicPublication),
		topicSubscriptionsPerSerializer: make(map[string][]*subscription.TopicSubscription),
	}
}

// allKnownPublisherURLs returns every publisher URL (local and external)
// currently known for key, used both by addSubscription's pre-enqueue and
// by the wildcard subscription's union-of-all-topics connect set.
func (p *PSA) allKnownPublisherURLs(key endpoint.ScopeTopicKey) []string {
	var urls []string
	if e, ok := p.localPublications[key]; ok {
		urls = append(urls, e.tp.URL())
	}
	for _, ep := range p.externalPublications[key] {
		if u := ep.URL(); u != "" {
			urls = append(urls, u)
		}
	}
	return urls
}

func (p *PSA) allKnownPublisherURLsAnyTopic() []string {
	var urls []string
	for _, e := range p.localPublications {
		urls = append(urls, e.tp.URL())
	}
	for _, eps := range p.externalPublications {
		for _, ep := range eps {
			if u := ep.URL(); u != "" {
				urls = append(urls, u)
			}
		}
	}
	return urls
}

// Stop tears down every live TopicPublication and TopicSubscription owned
// by this PSA, for use during process shutdown (cmd/psad).
func (p *PSA) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for key, entry := range p.localPublications {
		entry.tp.Stop()
		delete(p.localPublications, key)
	}
	for key, entry := range p.subscriptions {
		entry.ts.Stop()
		delete(p.subscriptions, key)
	}
	if p.wildcard != nil {
		p.wildcard.ts.Stop()
		p.wildcard = nil
	}
}

// removeEndpoint returns eps with the entry matching id dropped.
func removeEndpoint(eps []endpoint.Endpoint, id string) []endpoint.Endpoint {
	for i, e := range eps {
		if e.ID() == id {
			return append(eps[:i], eps[i+1:]...)
		}
	}
	return eps
}
