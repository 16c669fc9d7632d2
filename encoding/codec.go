package encoding

// CodecName is the content-subtype negotiated by gRPC for msgpack frames
const CodecName = "msgpack"

// Codec implements google.golang.org/grpc/encoding.Codec on top of msgpack so
// transfer messages need no generated protobuf types.
type Codec struct{}

func (Codec) Marshal(v any) ([]byte, error) {
	return Marshal(v)
}

func (Codec) Unmarshal(data []byte, v any) error {
	return Unmarshal(data, v)
}

func (Codec) Name() string {
	return CodecName
}
