package psa

import (
	"context"

	log "github.com/sirupsen/logrus"

	"go.psa.dev/core/serializer"
)

// SerializerAdded implements spec §4.4 serializerAdded(ref): record the
// factory, then walk both no-serializer pending lists and retry anything
// that is now resolvable. Entries that remain unresolvable (a different
// serializer type) are re-parked by addSubscriptionLocked/
// addPublicationLocked themselves.
func (p *PSA) SerializerAdded(ctx context.Context, f serializer.Factory) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.registry.Add(f)
	addTrace(ctx, "serializerAdded(%s)", f.Type())

	var pendingSubs = p.noSerializerSubscriptions
	p.noSerializerSubscriptions = nil
	for _, ep := range pendingSubs {
		if err := p.addSubscriptionLocked(ctx, ep); err != nil {
			log.WithError(err).WithField("endpoint", ep.ID()).Warn("psa: retrying parked subscription failed")
		}
	}

	var pendingPubs = p.noSerializerPublications
	p.noSerializerPublications = nil
	for _, ep := range pendingPubs {
		if _, err := p.addPublicationLocked(ctx, ep); err != nil {
			log.WithError(err).WithField("endpoint", ep.ID()).Warn("psa: retrying parked publication failed")
		}
	}
}

// SerializerRemoved implements spec §4.4 serializerRemoved(ref): every live
// TopicPublication/TopicSubscription using this serializer type is stopped,
// its endpoints are pushed back onto the matching noSerializerPending*
// list, and it is removed from the live maps.
func (p *PSA) SerializerRemoved(ctx context.Context, serType string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.registry.Remove(serType)
	addTrace(ctx, "serializerRemoved(%s)", serType)

	for key, entry := range p.localPublications {
		if entry.ser != serType {
			continue
		}
		entry.tp.Stop()
		delete(p.localPublications, key)
		p.noSerializerPublications = append(p.noSerializerPublications, entry.eps...)
	}
	delete(p.topicPublicationsPerSerializer, serType)

	for key, entry := range p.subscriptions {
		if entry.ser != serType {
			continue
		}
		entry.ts.Stop()
		delete(p.subscriptions, key)
		p.noSerializerSubscriptions = append(p.noSerializerSubscriptions, entry.eps...)
	}
	if p.wildcard != nil && p.wildcard.ser == serType {
		p.wildcard.ts.Stop()
		p.noSerializerSubscriptions = append(p.noSerializerSubscriptions, p.wildcard.eps...)
		p.wildcard = nil
	}
	delete(p.topicSubscriptionsPerSerializer, serType)
}
