package grpcserver

import (
	"github.com/bytedance/sonic"
	"google.golang.org/grpc/encoding"
)

// JSONCodecName is the content-subtype that selects JSON messages. Protobuf,
// the grpc default, stays available under "proto".
const JSONCodecName = "json"

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) {
	return sonic.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	return sonic.Unmarshal(data, v)
}

func (jsonCodec) Name() string {
	return JSONCodecName
}

func init() {
	encoding.RegisterCodec(jsonCodec{})
}
