package api

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// msgpackCodec marshals gRPC messages with msgpack instead of protobuf. The
// agent's RPC surface is a single generic envelope (CallRequest/CallReply),
// so there is no .proto to generate a codec from; msgpack is the same
// wire format the orchestrator already speaks to aiozmq.rpc-style runners
// (see pkg/orchestrator/background.go), reused here for the control-plane
// transport too.
type msgpackCodec struct{}

// Name is registered as the gRPC content-subtype, advertised to clients via
// grpc.CallContentSubtype so they encode with the matching codec.
func (msgpackCodec) Name() string { return "msgpack" }

func (msgpackCodec) Marshal(v interface{}) ([]byte, error) {
	b, err := msgpack.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("msgpack codec: marshal: %w", err)
	}
	return b, nil
}

func (msgpackCodec) Unmarshal(data []byte, v interface{}) error {
	if err := msgpack.Unmarshal(data, v); err != nil {
		return fmt.Errorf("msgpack codec: unmarshal: %w", err)
	}
	return nil
}
