// Package grpctransport implements the remote leg of the Envelope Router
// (§4.6) over a gRPC bidirectional stream, using a registered raw-bytes
// encoding.Codec so the already-self-describing wire envelope travels
// without a second, protobuf-generated schema layer. This mirrors the
// transparent byte-level proxying shape of a passthrough gRPC proxy: no
// .proto file, no generated stubs, just the envelope's JSON bytes
// (envelope.EncodeBytes, no length prefix; gRPC frames each message) moving
// through a manually-declared grpc.ServiceDesc.
package grpctransport

import (
	"fmt"

	"google.golang.org/grpc/encoding"
)

const codecName = "orbit-raw"

// frameMsg wraps one envelope's encoded bytes (envelope.EncodeBytes) as the
// gRPC message payload.
type frameMsg []byte

// rawCodec is a grpc encoding.Codec that passes *frameMsg through verbatim,
// standing in for the protobuf codec grpc-go uses by default.
type rawCodec struct{}

func (rawCodec) Marshal(v interface{}) ([]byte, error) {
	msg, ok := v.(*frameMsg)
	if !ok {
		return nil, fmt.Errorf("grpctransport: codec expects *frameMsg, got %T", v)
	}
	return *msg, nil
}

func (rawCodec) Unmarshal(data []byte, v interface{}) error {
	msg, ok := v.(*frameMsg)
	if !ok {
		return fmt.Errorf("grpctransport: codec expects *frameMsg, got %T", v)
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	*msg = buf
	return nil
}

func (rawCodec) Name() string { return codecName }

func init() {
	encoding.RegisterCodec(rawCodec{})
}
