package psa

import (
	"context"

	log "github.com/sirupsen/logrus"

	"go.psa.dev/core/endpoint"
	"go.psa.dev/core/pubsub/subscription"
)

// AddSubscription implements spec §4.4 addSubscription. Wildcard topics are
// delegated to addWildcardSubscription (§4.4.1).
func (p *PSA) AddSubscription(ctx context.Context, ep endpoint.Endpoint) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.addSubscriptionLocked(ctx, ep)
}

// addSubscriptionLocked requires p.mu held. Split out so addPublication can
// drain pendingSubscriptions without recursively locking p.mu.
func (p *PSA) addSubscriptionLocked(ctx context.Context, ep endpoint.Endpoint) error {
	if ep.IsWildcard() {
		return p.addWildcardSubscriptionLocked(ctx, ep)
	}

	var key = ep.Key()
	addTrace(ctx, "addSubscription(%s)", key)

	var _, hasLocal = p.localPublications[key]
	if !hasLocal && len(p.externalPublications[key]) == 0 {
		p.pendingSubscriptions[key] = append(p.pendingSubscriptions[key], ep)
		addTrace(ctx, "... no known publisher yet, parked in pendingSubscriptions")
		return nil
	}

	if existing, ok := p.subscriptions[key]; ok {
		existing.ts.AddSubscriber(&subscription.Subscriber{Endpoint: ep})
		existing.eps = append(existing.eps, ep)
		p.subscriptions[key] = existing
		addTrace(ctx, "... joined existing TopicSubscription, now %d subscribers", existing.ts.SubscriberCount())
		return nil
	}

	factory, err := p.registry.Resolve(ep.Serializer())
	if err != nil {
		p.noSerializerSubscriptions = append(p.noSerializerSubscriptions, ep)
		addTrace(ctx, "... no matching serializer, parked in noSerializerSubscriptions")
		return nil
	}

	smap, err := factory.CreateMap()
	if err != nil {
		return err
	}
	ts, err := subscription.New(key, p.cfg.Subscription)
	if err != nil {
		return err
	}
	for _, url := range p.allKnownPublisherURLs(key) {
		ts.EnqueueConnect(url)
	}
	ts.AddSubscriber(&subscription.Subscriber{Endpoint: ep, Map: smap})

	p.subscriptions[key] = subEntry{ts: ts, ser: factory.Type(), eps: []endpoint.Endpoint{ep}}
	p.topicSubscriptionsPerSerializer[factory.Type()] = append(p.topicSubscriptionsPerSerializer[factory.Type()], ts)

	log.WithField("key", key).Info("psa: topic subscription created")
	return nil
}

// RemoveSubscription implements spec §4.4 removeSubscription: decrement the
// subscriber count; on zero, stop the TopicSubscription, disconnect it from
// the serializer-usage set, and destroy it.
func (p *PSA) RemoveSubscription(ctx context.Context, ep endpoint.Endpoint) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if ep.IsWildcard() {
		return p.removeWildcardSubscriptionLocked(ctx, ep)
	}

	var key = ep.Key()
	if entry, ok := p.subscriptions[key]; ok {
		var remaining = entry.ts.RemoveSubscriber(ep.ID())
		entry.eps = removeEndpoint(entry.eps, ep.ID())
		if remaining == 0 {
			entry.ts.Stop()
			delete(p.subscriptions, key)
			p.detachSubscriptionFromSerializer(entry.ser, entry.ts)
			addTrace(ctx, "removeSubscription(%s): last subscriber left, destroyed", key)
		} else {
			p.subscriptions[key] = entry
		}
		return nil
	}

	p.removeFromPendingSubscriptions(key, ep.ID())
	p.removeFromNoSerializerSubscriptions(ep.ID())
	return nil
}

func (p *PSA) detachSubscriptionFromSerializer(ser string, ts *subscription.TopicSubscription) {
	var list = p.topicSubscriptionsPerSerializer[ser]
	for i, t := range list {
		if t == ts {
			p.topicSubscriptionsPerSerializer[ser] = append(list[:i], list[i+1:]...)
			break
		}
	}
}

func (p *PSA) removeFromPendingSubscriptions(key endpoint.ScopeTopicKey, id string) {
	var list = p.pendingSubscriptions[key]
	for i, e := range list {
		if e.ID() == id {
			p.pendingSubscriptions[key] = append(list[:i], list[i+1:]...)
			return
		}
	}
}

func (p *PSA) removeFromNoSerializerSubscriptions(id string) {
	for i, e := range p.noSerializerSubscriptions {
		if e.ID() == id {
			p.noSerializerSubscriptions = append(p.noSerializerSubscriptions[:i], p.noSerializerSubscriptions[i+1:]...)
			return
		}
	}
}
