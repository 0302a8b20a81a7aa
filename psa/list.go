package psa

import "go.psa.dev/core/endpoint"

// ListEndpoints returns every endpoint this PSA currently tracks, live or
// pending: local and external publications, live and pending subscriptions,
// the no-serializer parking lists, and the wildcard subscription. Used by
// rpc.DiscoveryServer's ListEndpoints RPC and by diagnostics.
func (p *PSA) ListEndpoints() []endpoint.Endpoint {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []endpoint.Endpoint
	for _, entry := range p.localPublications {
		out = append(out, entry.eps...)
	}
	for _, eps := range p.externalPublications {
		out = append(out, eps...)
	}
	for _, entry := range p.subscriptions {
		out = append(out, entry.eps...)
	}
	for _, eps := range p.pendingSubscriptions {
		out = append(out, eps...)
	}
	out = append(out, p.noSerializerSubscriptions...)
	out = append(out, p.noSerializerPublications...)
	if p.wildcard != nil {
		out = append(out, p.wildcard.eps...)
	}
	return out
}
