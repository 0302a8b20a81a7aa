// Package endpoint defines the Endpoint data model shared by every pubsub
// admin: a property bag describing one side (publisher or subscriber) of a
// topic stream, together with the ScopeTopicKey used to hash and match
// endpoints against each other.
package endpoint

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Type distinguishes a publisher Endpoint from a subscriber Endpoint.
type Type string

// Endpoint types, matching the `endpoint.type` property values of spec §6.
const (
	TypePublisher  Type = "pubsub.publisher"
	TypeSubscriber Type = "pubsub.subscriber"
)

// Well-known property keys consumed by the core (spec §6).
const (
	PropFrameworkUUID = "endpoint.framework.uuid"
	PropScope         = "endpoint.scope"
	PropTopic         = "endpoint.topic"
	PropID            = "endpoint.id"
	PropType          = "endpoint.type"
	PropConfig        = "pubsub.config"     // admin type, e.g. "udp_mc"
	PropSerializer    = "pubsub.serializer" // serializer type, e.g. "json"
	PropURL           = "endpoint.url"
	PropSocketAddress = "udpmc.socket_address"
	PropSocketPort    = "udpmc.socket_port"
	PropShmServerName = "celix.remote.admin.shm.server_name"
	PropShmRPCType    = "celix.remote.admin.shm.rpc_type"
	PropQoS           = "pubsub.qos" // "sample" or "control"; see psa.MatchEndpoint

	// WildcardTopic is the reserved topic name denoting a subscriber that
	// wants every topic known to the PSA (spec §4.4.1).
	WildcardTopic = "any"
)

// ErrMissingProperty is returned by FromProperties when a mandatory property
// key is absent. It corresponds to spec §7's BundleException.
type ErrMissingProperty struct{ Key string }

func (e ErrMissingProperty) Error() string {
	return fmt.Sprintf("endpoint: missing mandatory property %q", e.Key)
}

// Endpoint is an immutable bag of string properties describing one end of a
// topic stream, per spec §3. Endpoints are value types: mutating one
// returns a new Endpoint via WithProperty, never modifies in place, so that
// they may be safely cloned into PSA structures and compared by value.
type Endpoint struct {
	props map[string]string
}

// New constructs an Endpoint from a set of required fields and optional
// extra properties. ID, if empty, is generated as a fresh UUID.
func New(frameworkUUID, scope, topic string, typ Type, extra map[string]string) Endpoint {
	var props = make(map[string]string, len(extra)+6)
	for k, v := range extra {
		props[k] = v
	}
	props[PropFrameworkUUID] = frameworkUUID
	props[PropScope] = scope
	props[PropTopic] = topic
	props[PropType] = string(typ)
	if _, ok := props[PropID]; !ok {
		props[PropID] = uuid.NewString()
	}
	return Endpoint{props: props}
}

// FromProperties builds an Endpoint from a raw property map, validating that
// all mandatory keys are present. properties(FromProperties(p)) == p is
// required by spec §8's round-trip property; to preserve that, we retain
// the map verbatim (defensively copied) rather than normalizing it.
func FromProperties(props map[string]string) (Endpoint, error) {
	for _, required := range []string{PropFrameworkUUID, PropScope, PropTopic, PropID, PropType} {
		if _, ok := props[required]; !ok {
			return Endpoint{}, errors.WithStack(ErrMissingProperty{Key: required})
		}
	}
	var cp = make(map[string]string, len(props))
	for k, v := range props {
		cp[k] = v
	}
	return Endpoint{props: cp}, nil
}

// Properties returns a defensive copy of the Endpoint's property bag.
func (e Endpoint) Properties() map[string]string {
	var cp = make(map[string]string, len(e.props))
	for k, v := range e.props {
		cp[k] = v
	}
	return cp
}

// Get returns the value of |key|, and whether it was present.
func (e Endpoint) Get(key string) (string, bool) {
	v, ok := e.props[key]
	return v, ok
}

// GetDefault returns the value of |key|, or |def| if absent.
func (e Endpoint) GetDefault(key, def string) string {
	if v, ok := e.props[key]; ok {
		return v
	}
	return def
}

// WithProperty returns a copy of the Endpoint with |key| set to |value|.
func (e Endpoint) WithProperty(key, value string) Endpoint {
	var cp = e.Properties()
	cp[key] = value
	return Endpoint{props: cp}
}

func (e Endpoint) FrameworkUUID() string { return e.props[PropFrameworkUUID] }
func (e Endpoint) Scope() string         { return e.props[PropScope] }
func (e Endpoint) Topic() string         { return e.props[PropTopic] }
func (e Endpoint) ID() string            { return e.props[PropID] }
func (e Endpoint) Type() Type            { return Type(e.props[PropType]) }
func (e Endpoint) AdminType() string     { return e.props[PropConfig] }
func (e Endpoint) Serializer() string    { return e.props[PropSerializer] }
func (e Endpoint) URL() string           { return e.props[PropURL] }
func (e Endpoint) QoS() string           { return e.props[PropQoS] }

// IsWildcard reports whether this Endpoint subscribes to every topic
// (spec §4.4.1).
func (e Endpoint) IsWildcard() bool { return e.Topic() == WildcardTopic }

// Key returns the ScopeTopicKey for this Endpoint.
func (e Endpoint) Key() ScopeTopicKey { return NewKey(e.Scope(), e.Topic()) }

// Equivalent reports whether two endpoints are equal for wiring purposes:
// same ScopeTopicKey and same endpoint UUID (spec §3).
func (e Endpoint) Equivalent(o Endpoint) bool {
	return e.Key() == o.Key() && e.ID() == o.ID()
}

func (e Endpoint) String() string {
	return fmt.Sprintf("Endpoint{id: %s, key: %s, type: %s, url: %s}",
		e.ID(), e.Key(), e.Type(), e.URL())
}

// ScopeTopicKey is the composite string "scope:topic" used as the hashing
// key throughout the PSA (spec §3).
type ScopeTopicKey string

// NewKey builds a ScopeTopicKey from a scope and topic.
func NewKey(scope, topic string) ScopeTopicKey {
	return ScopeTopicKey(scope + ":" + topic)
}

// WildcardKey is the ScopeTopicKey of the wildcard subscription, which has
// no fixed scope and matches every topic (spec §4.4.1).
const WildcardKey ScopeTopicKey = "*:" + WildcardTopic

func (k ScopeTopicKey) String() string { return string(k) }
