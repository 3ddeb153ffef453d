package grpc

import (
	"bytes"
	"encoding/gob"

	"google.golang.org/grpc/encoding"
)

// codecName is registered as a gRPC content-subtype so this transport's
// clients and servers agree to exchange gob-encoded envelopes instead of
// protobuf wire messages; grpc itself (framing, multiplexing, flow
// control, TLS) is unaffected by the payload encoding chosen here.
const codecName = "raftgob"

// gobCodec implements google.golang.org/grpc/encoding.Codec. The pack's
// Raft examples generate real protobuf messages for this job; this
// module's raftpb types are plain structs (no .proto sources were
// retrieved alongside the generated *_grpc.pb.go service stubs), so gob
// stands in as the wire codec while grpc itself remains the transport.
type gobCodec struct{}

func (gobCodec) Marshal(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (gobCodec) Unmarshal(data []byte, v interface{}) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(v)
}

func (gobCodec) Name() string { return codecName }

func init() {
	encoding.RegisterCodec(gobCodec{})
}
