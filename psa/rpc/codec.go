// Package rpc exposes the PSA's control plane over gRPC, for bundles
// running in a different process with no shared Etcd, as supplements to
// discovery/local and discovery/etcd (SPEC_FULL.md's "psa.DiscoveryServer").
//
// The teacher's own gRPC services (ShardServer, JournalServer) are generated
// from protobuf, but no .proto toolchain is available here and the PSA has
// no protobuf schema of its own. Rather than inventing hand-rolled protobuf
// message types, the service is wired over grpc's pluggable codec: messages
// are plain Go structs marshaled with encoding/json, registered under the
// "json" content-subtype the way protoc-gen-go-grpc would register the
// "proto" codec. grpc.ServiceDesc, the method handlers, and the client
// stub are all hand-written in the same shape generated code takes, so the
// transport (HTTP/2 framing, streaming, deadlines, status codes) is exactly
// what the teacher's grpc-based services get for free.
package rpc

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

const codecName = "json"

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error) { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}
func (jsonCodec) Name() string { return codecName }
