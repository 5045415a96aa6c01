package checkpoints

import (
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// marshalProto encodes a checkpoint as a protobuf Struct. The JSON field
// names become the Struct keys, so both formats share one schema.
func marshalProto(checkpoint *Checkpoint) ([]byte, error) {
	raw, err := json.Marshal(checkpoint)
	if err != nil {
		return nil, err
	}

	var fields map[string]interface{}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}

	msg, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("failed to build protobuf struct: %v", err)
	}

	return proto.MarshalOptions{Deterministic: true}.Marshal(msg)
}

// unmarshalProto decodes what marshalProto wrote
func unmarshalProto(data []byte, checkpoint *Checkpoint) error {
	var msg structpb.Struct
	if err := proto.Unmarshal(data, &msg); err != nil {
		return fmt.Errorf("failed to unmarshal protobuf: %v", err)
	}

	raw, err := json.Marshal(msg.AsMap())
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, checkpoint)
}
