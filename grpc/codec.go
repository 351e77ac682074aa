// Package grpc is the shard command transport: a msgpack-coded gRPC service
// multiplexed with the node's HTTP surface on one listener, plus the pooled
// client the router fans out through.
package grpc

import (
	grpcencoding "google.golang.org/grpc/encoding"

	"github.com/civetdb/civet/encoding"
)

// CodecName is the content-subtype clients request
const CodecName = "msgpack"

func init() {
	grpcencoding.RegisterCodec(msgpackCodec{})
}

// msgpackCodec routes gRPC message serialization through the shared msgpack
// chokepoint, so wire frames match the durable record encoding.
type msgpackCodec struct{}

func (msgpackCodec) Marshal(v interface{}) ([]byte, error) {
	return encoding.Marshal(v)
}

func (msgpackCodec) Unmarshal(data []byte, v interface{}) error {
	return encoding.Unmarshal(data, v)
}

func (msgpackCodec) Name() string {
	return CodecName
}
