package wire

import (
	"bytes"
	"encoding/gob"
	"fmt"

	"google.golang.org/grpc/encoding"
)

// CodecName is the content-subtype negotiated for every RPC in this package.
// Registering it globally via encoding.RegisterCodec (in init, below) is what
// lets both client and server exchange the plain structs in this package
// over a standard *grpc.Server / *grpc.ClientConn without a protoc-generated
// protobuf codec. It is selected with grpc.CallContentSubtype: the client
// methods in service.go add it to every call, and grpcutil.Dial also sets it
// as a default call option.
const CodecName = "gob"

func init() {
	encoding.RegisterCodec(gobCodec{})
}

type gobCodec struct{}

func (gobCodec) Name() string { return CodecName }

func (gobCodec) Marshal(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, fmt.Errorf("wire: gob encode: %w", err)
	}
	return buf.Bytes(), nil
}

func (gobCodec) Unmarshal(data []byte, v interface{}) error {
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(v); err != nil {
		return fmt.Errorf("wire: gob decode: %w", err)
	}
	return nil
}
