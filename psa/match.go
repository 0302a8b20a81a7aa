package psa

import "go.psa.dev/core/endpoint"

// MatchEndpoint implements spec §4.4 matchEndpoint: the framework asks
// every known PSA instance to score an Endpoint and picks the highest
// score. A full match requires both the PSA's admin type (or no preference)
// and at least one available serializer matching the endpoint's requested
// type; the QoS attribute then tiebreaks between PSAs that both fully
// match.
func (p *PSA) MatchEndpoint(ep endpoint.Endpoint) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	var adminMatch = ep.AdminType() == "" || ep.AdminType() == p.cfg.AdminType
	var serializerMatch = p.hasMatchingSerializerLocked(ep.Serializer())

	if !adminMatch || !serializerMatch {
		return p.cfg.DefaultScore
	}

	var score = FullMatchAdmin + FullMatchSerializer
	switch ep.QoS() {
	case "sample":
		score += p.cfg.QoSSampleScore
	case "control":
		score += p.cfg.QoSControlScore
	}
	return score
}

func (p *PSA) hasMatchingSerializerLocked(requested string) bool {
	if requested == "" {
		return len(p.registry.Types()) > 0
	}
	for _, t := range p.registry.Types() {
		if t == requested {
			return true
		}
	}
	return false
}
