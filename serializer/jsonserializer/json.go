// Package jsonserializer provides a concrete JSON serializer.Factory,
// adapted from the teacher's message.JSONFraming (message/json_framing.go)
// but keyed by msgTypeId rather than being a stream Framing: each message
// type is registered with a constructor, a version, and plain
// encoding/json marshal/unmarshal.
package jsonserializer

import (
	"encoding/json"
	"fmt"

	"github.com/pkg/errors"

	"go.psa.dev/core/serializer"
	"go.psa.dev/core/wire"
)

// ContentType matches the teacher's labels.ContentType_JSONLines naming
// convention for a human-readable content type string.
const ContentType = "application/json"

// MsgType describes one JSON-encodable message type registered with a
// Factory: its name, schema version, and a constructor for Deserialize.
type MsgType struct {
	Name    string
	Version wire.MsgVersion
	New     func() interface{} // returns a pointer the decoder will Unmarshal into
}

// factory implements serializer.Factory for a fixed set of MsgTypes known
// at construction time, analogous to how the teacher's NewMessageFunc is
// supplied once per consumer application.
type factory struct {
	entries map[uint32]serializer.Entry
}

// NewFactory returns a serializer.Factory serializing the given message
// types as JSON (one json.Marshal document, no line delimiter), matching JSONFraming's use of encoding/json.
func NewFactory(types ...MsgType) serializer.Factory {
	var entries = make(map[uint32]serializer.Entry, len(types))
	for _, t := range types {
		var t = t // capture
		var id = serializer.MsgTypeID(t.Name)
		entries[id] = serializer.Entry{
			MsgID:      id,
			MsgName:    t.Name,
			MsgVersion: t.Version,
			Serialize: func(msg interface{}) ([]byte, error) {
				return json.Marshal(msg)
			},
			Deserialize: func(data []byte) (interface{}, error) {
				var inst = t.New()
				if err := json.Unmarshal(data, inst); err != nil {
					return nil, errors.WithMessage(err, fmt.Sprintf("unmarshal %s", t.Name))
				}
				return inst, nil
			},
		}
	}
	return &factory{entries: entries}
}

func (f *factory) Type() string { return "json" }

func (f *factory) CreateMap() (serializer.Map, error) {
	return &jsonMap{entries: f.entries}, nil
}

// jsonMap is a bundle-scoped serializer.Map. JSON entries carry no
// per-bundle state, so each CreateMap call may safely share the same
// underlying entries table; Close is a no-op.
type jsonMap struct {
	entries map[uint32]serializer.Entry
}

func (m *jsonMap) Lookup(msgTypeID uint32) (serializer.Entry, bool) {
	e, ok := m.entries[msgTypeID]
	return e, ok
}

func (m *jsonMap) Close() {}
