package psa

import (
	"context"

	log "github.com/sirupsen/logrus"

	"go.psa.dev/core/endpoint"
	"go.psa.dev/core/pubsub/subscription"
)

// addWildcardSubscriptionLocked implements spec §4.4.1: the wildcard topic
// "any" connects to the union of every currently-known publisher URL
// (local + external) across all topics. At most one wildcard
// TopicSubscription exists per PSA; requires p.mu held.
func (p *PSA) addWildcardSubscriptionLocked(ctx context.Context, ep endpoint.Endpoint) error {
	if p.wildcard != nil {
		p.wildcard.ts.AddSubscriber(&subscription.Subscriber{Endpoint: ep})
		p.wildcard.eps = append(p.wildcard.eps, ep)
		addTrace(ctx, "wildcard subscription: joined existing, now %d subscribers", p.wildcard.ts.SubscriberCount())
		return nil
	}

	factory, err := p.registry.Resolve(ep.Serializer())
	if err != nil {
		p.noSerializerSubscriptions = append(p.noSerializerSubscriptions, ep)
		addTrace(ctx, "wildcard subscription: no matching serializer, parked")
		return nil
	}

	smap, err := factory.CreateMap()
	if err != nil {
		return err
	}
	ts, err := subscription.New(endpoint.WildcardKey, p.cfg.Subscription)
	if err != nil {
		return err
	}
	for _, url := range p.allKnownPublisherURLsAnyTopic() {
		ts.EnqueueConnect(url)
	}
	ts.AddSubscriber(&subscription.Subscriber{Endpoint: ep, Map: smap})

	p.wildcard = &subEntry{ts: ts, ser: factory.Type(), eps: []endpoint.Endpoint{ep}}
	p.topicSubscriptionsPerSerializer[factory.Type()] = append(p.topicSubscriptionsPerSerializer[factory.Type()], ts)

	log.Info("psa: wildcard topic subscription created")
	return nil
}

// removeWildcardSubscriptionLocked decrements the wildcard subscription's
// subscriber count, destroying it once the last subscriber leaves; requires
// p.mu held.
func (p *PSA) removeWildcardSubscriptionLocked(ctx context.Context, ep endpoint.Endpoint) error {
	if p.wildcard == nil {
		return nil
	}
	var remaining = p.wildcard.ts.RemoveSubscriber(ep.ID())
	p.wildcard.eps = removeEndpoint(p.wildcard.eps, ep.ID())
	if remaining == 0 {
		p.wildcard.ts.Stop()
		p.detachSubscriptionFromSerializer(p.wildcard.ser, p.wildcard.ts)
		p.wildcard = nil
		addTrace(ctx, "wildcard subscription: last subscriber left, destroyed")
	}
	return nil
}
