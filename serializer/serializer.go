// Package serializer defines the Serializer collaborator contract (spec §3,
// §4.4, §6): the PSA looks up, by msgTypeId, encode/decode callbacks it does
// not itself implement. It mirrors the teacher's message.Framing /
// message.NewMessageFunc split: a small set of interfaces the application
// (or a bundled concrete implementation, see jsonserializer) must satisfy.
package serializer

import (
	"hash/fnv"

	"github.com/pkg/errors"

	"go.psa.dev/core/wire"
)

// MsgTypeID computes the stable 32-bit hash of a message type name used as
// the SerializerMap key (spec §3). Both the serializer and
// TopicPublication's localMsgTypeIdForMsgType must derive this the same
// way (spec §4.2).
func MsgTypeID(msgName string) uint32 {
	var h = fnv.New32a()
	_, _ = h.Write([]byte(msgName))
	return h.Sum32()
}

// Entry is a per-message-type table entry of a SerializerMap (spec §3).
type Entry struct {
	MsgID      uint32
	MsgName    string
	MsgVersion wire.MsgVersion

	// Serialize encodes a message instance to bytes.
	Serialize func(msg interface{}) ([]byte, error)
	// Deserialize decodes bytes into a new message instance.
	Deserialize func(data []byte) (interface{}, error)
	// FreeMsg releases resources held by a message instance returned from
	// Deserialize. Many Go serializers need no explicit free and may leave
	// this nil.
	FreeMsg func(msg interface{})
}

// Map is a per-(serializer,bundle) table of Entries keyed by msgTypeId
// (spec §3's SerializerMap). It is the interface a concrete serializer
// collaborator implements; jsonserializer provides one such
// implementation.
type Map interface {
	// Lookup returns the Entry for msgTypeId, or ok=false if this map has
	// no knowledge of that message type.
	Lookup(msgTypeID uint32) (Entry, bool)
	// Close releases the map; called on bundle unload (spec §3).
	Close()
}

// Factory builds a bundle-scoped Map. It corresponds to the external
// Serializer collaborator's createSerializerMap/destroySerializerMap pair
// (spec §6).
type Factory interface {
	// Type is the serializer type string matched against
	// endpoint.PropSerializer (e.g. "json").
	Type() string
	// CreateMap returns a new Map, e.g. scoped to one bundle/subscriber.
	CreateMap() (Map, error)
}

// ErrNoSerializer is returned by a Registry when no Factory matches a
// requested serializer type (spec §4.4: "resolve best serializer; on
// failure, append to noSerializer* and return").
var ErrNoSerializer = errors.New("serializer: no matching serializer registered")

// Registry tracks the set of available serializer Factories (spec §4.4's
// serializerList); the PSA adds and removes Factories itself and does its
// own bookkeeping on those changes. It is owned by
// the PSA control plane, not by individual TopicPublications/
// TopicSubscriptions, which only hold a resolved Map.
type Registry struct {
	byType map[string]Factory
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{byType: make(map[string]Factory)}
}

// Add registers a Factory, replacing any existing Factory of the same Type.
func (r *Registry) Add(f Factory) { r.byType[f.Type()] = f }

// Remove unregisters the Factory of the given type, if any.
func (r *Registry) Remove(typ string) { delete(r.byType, typ) }

// Resolve returns the best Factory for the requested serializer type. An
// empty requested type matches any single available serializer
// deterministically by preferring "json" when present, else an arbitrary
// registered Factory; callers needing QoS-aware PSA-level scoring should
// use psa.PSA.MatchEndpoint instead (this Resolve is the leaf lookup).
func (r *Registry) Resolve(requestedType string) (Factory, error) {
	if requestedType != "" {
		if f, ok := r.byType[requestedType]; ok {
			return f, nil
		}
		return nil, errors.WithStack(ErrNoSerializer)
	}
	if f, ok := r.byType["json"]; ok {
		return f, nil
	}
	for _, f := range r.byType {
		return f, nil
	}
	return nil, errors.WithStack(ErrNoSerializer)
}

// Types returns the set of currently-registered serializer type strings.
func (r *Registry) Types() []string {
	var out = make([]string, 0, len(r.byType))
	for t := range r.byType {
		out = append(out, t)
	}
	return out
}
