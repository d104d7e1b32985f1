// Package rpc exposes the dispatch core and admin plane over gRPC. No
// .proto stubs exist for this domain, so request/response bodies are
// carried by a hand-registered grpc-go codec backed by msgpack/v5 —
// grpc-go's encoding.Codec is a supported extension point for
// non-protobuf payloads, not a workaround — keeping the external wire
// format identical to the parent<->child frame codec.
package rpc

import (
	"github.com/vmihailenco/msgpack/v5"
	"google.golang.org/grpc/encoding"
)

// CodecName is the gRPC content-subtype clients must request (e.g. via
// grpc.CallContentSubtype("msgpack")) to get msgpack-encoded bodies
// instead of the proto default.
const CodecName = "msgpack"

type msgpackCodec struct{}

func (msgpackCodec) Marshal(v interface{}) ([]byte, error) { return msgpack.Marshal(v) }

func (msgpackCodec) Unmarshal(data []byte, v interface{}) error { return msgpack.Unmarshal(data, v) }

func (msgpackCodec) Name() string { return CodecName }

func init() {
	encoding.RegisterCodec(msgpackCodec{})
}
