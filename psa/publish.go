package psa

import (
	"context"

	log "github.com/sirupsen/logrus"

	"go.psa.dev/core/endpoint"
	"go.psa.dev/core/pubsub/publication"
)

// AddPublication implements spec §4.4 addPublication. For an endpoint
// originating from this PSA's own framework, it resolves a serializer,
// creates (or reuses) the TopicPublication, and stamps the returned
// endpoint with the chosen URL and serializer type. For a foreign-framework
// endpoint it is simply recorded as an external publisher. Either way, any
// pendingSubscriptions for this key are drained, and every live
// subscription for this key (including the wildcard) is told to connect.
func (p *PSA) AddPublication(ctx context.Context, ep endpoint.Endpoint) (endpoint.Endpoint, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.addPublicationLocked(ctx, ep)
}

// addPublicationLocked requires p.mu held. Split out so serializerAdded can
// drain noSerializerPublications without recursively locking p.mu.
func (p *PSA) addPublicationLocked(ctx context.Context, ep endpoint.Endpoint) (endpoint.Endpoint, error) {
	var key = ep.Key()
	addTrace(ctx, "addPublication(%s)", key)

	var isOwn = ep.FrameworkUUID() == p.cfg.FrameworkUUID
	var publisherURL string

	if isOwn {
		if existing, ok := p.localPublications[key]; ok {
			ep = ep.WithProperty(endpoint.PropURL, existing.tp.URL()).
				WithProperty(endpoint.PropSerializer, existing.ser)
			existing.tp.AddEndpoint(ep)
			existing.eps = append(existing.eps, ep)
			p.localPublications[key] = existing
			publisherURL = existing.tp.URL()
		} else {
			factory, err := p.registry.Resolve(ep.Serializer())
			if err != nil {
				p.noSerializerPublications = append(p.noSerializerPublications, ep)
				addTrace(ctx, "... no matching serializer, parked in noSerializerPublications")
				return ep, nil
			}
			smap, err := factory.CreateMap()
			if err != nil {
				return ep, err
			}
			tp, err := publication.New(key, smap, p.cfg.Publication)
			if err != nil {
				return ep, err
			}
			ep = ep.WithProperty(endpoint.PropURL, tp.URL()).
				WithProperty(endpoint.PropSerializer, factory.Type())
			tp.AddEndpoint(ep)

			p.localPublications[key] = pubEntry{tp: tp, ser: factory.Type(), eps: []endpoint.Endpoint{ep}}
			p.topicPublicationsPerSerializer[factory.Type()] = append(p.topicPublicationsPerSerializer[factory.Type()], tp)
			publisherURL = tp.URL()

			log.WithFields(log.Fields{"key": key, "url": publisherURL}).Info("psa: topic publication created")
		}
	} else {
		p.externalPublications[key] = append(p.externalPublications[key], ep)
		publisherURL = ep.URL()
	}

	if pending, ok := p.pendingSubscriptions[key]; ok {
		delete(p.pendingSubscriptions, key)
		for _, pep := range pending {
			if err := p.addSubscriptionLocked(ctx, pep); err != nil {
				log.WithError(err).WithField("endpoint", pep.ID()).Warn("psa: draining pendingSubscriptions failed")
			}
		}
	}

	if publisherURL != "" {
		if sub, ok := p.subscriptions[key]; ok {
			sub.ts.EnqueueConnect(publisherURL)
		}
		if p.wildcard != nil {
			p.wildcard.ts.EnqueueConnect(publisherURL)
		}
	}

	return ep, nil
}

// RemovePublication implements spec §4.4 removePublication: remove the
// endpoint from the local or external list, and if its URL has no other
// referrers on this key, enqueue a pending disconnect on the key's
// subscription and on the wildcard subscription.
func (p *PSA) RemovePublication(ctx context.Context, ep endpoint.Endpoint) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var key = ep.Key()
	var isOwn = ep.FrameworkUUID() == p.cfg.FrameworkUUID
	var removedURL string

	if isOwn {
		if entry, ok := p.localPublications[key]; ok {
			removedURL = ep.URL()
			var remaining = entry.tp.RemoveEndpoint(ep.ID())
			entry.eps = removeEndpoint(entry.eps, ep.ID())
			if remaining == 0 {
				entry.tp.Stop()
				delete(p.localPublications, key)
				p.detachPublicationFromSerializer(entry.ser, entry.tp)
			} else {
				p.localPublications[key] = entry
			}
		}
	} else {
		var list = p.externalPublications[key]
		for i, e := range list {
			if e.ID() == ep.ID() {
				removedURL = e.URL()
				p.externalPublications[key] = append(list[:i], list[i+1:]...)
				break
			}
		}
	}

	if removedURL == "" {
		return nil
	}
	if p.urlStillReferenced(key, removedURL) {
		return nil
	}

	if sub, ok := p.subscriptions[key]; ok {
		sub.ts.EnqueueDisconnect(removedURL)
	}
	if p.wildcard != nil {
		p.wildcard.ts.EnqueueDisconnect(removedURL)
	}
	addTrace(ctx, "removePublication(%s): %s has no remaining referrers, disconnecting", key, removedURL)
	return nil
}

func (p *PSA) urlStillReferenced(key endpoint.ScopeTopicKey, url string) bool {
	if entry, ok := p.localPublications[key]; ok && entry.tp.URL() == url {
		return true
	}
	for _, e := range p.externalPublications[key] {
		if e.URL() == url {
			return true
		}
	}
	return false
}

func (p *PSA) detachPublicationFromSerializer(ser string, tp *publication.TopicPublication) {
	var list = p.topicPublicationsPerSerializer[ser]
	for i, t := range list {
		if t == tp {
			p.topicPublicationsPerSerializer[ser] = append(list[:i], list[i+1:]...)
			break
		}
	}
}
