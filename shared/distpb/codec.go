package distpb

import (
	jsoniter "github.com/json-iterator/go"
	"google.golang.org/grpc/encoding"
)

// wireJSON is the jsoniter configuration used for marshaling distpb
// messages. ConfigCompatibleWithStandardLibrary keeps field tag semantics
// identical to encoding/json so struct definitions stay ordinary.
var wireJSON = jsoniter.ConfigCompatibleWithStandardLibrary

// codec implements google.golang.org/grpc/encoding.Codec. It stands in for
// the protoc-generated protobuf codec — see the package doc comment for why.
// Registering it under the name "proto" makes grpc's default Invoke/NewStream
// path use it transparently for every call in this module, since nothing in
// this module's two processes talks to a foreign (real protobuf) peer.
type codec struct{}

func (codec) Marshal(v any) ([]byte, error) {
	return wireJSON.Marshal(v)
}

func (codec) Unmarshal(data []byte, v any) error {
	return wireJSON.Unmarshal(data, v)
}

func (codec) Name() string {
	return "proto"
}

func init() {
	encoding.RegisterCodec(codec{})
}
