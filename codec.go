package flowmq

import "encoding/json"

// Codec converts application values to and from the opaque byte payloads
// carried by Message.Data. Implementations must be lossless and binary-safe
// for the value domain the caller uses. Length-prefixed framing is not
// required: the broker preserves message boundaries.
type Codec interface {
	Encode(value any) ([]byte, error)
	Decode(data []byte) (any, error)
}

// JSONCodec is the default Codec. It round-trips any value JSON can
// represent (maps, slices, strings, float64-backed numbers, bools, nil),
// which is lossless for the value domain flowmq is used with: application
// objects handed to Send/received from Recv, not arbitrary Go types that
// need custom marshaling. Callers with stricter type-fidelity needs inject
// their own Codec via WithCodec.
type JSONCodec struct{}

var _ Codec = JSONCodec{}

func (JSONCodec) Encode(value any) ([]byte, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return nil, &EncodeError{Err: err}
	}
	return data, nil
}

func (JSONCodec) Decode(data []byte) (any, error) {
	var value any
	if err := json.Unmarshal(data, &value); err != nil {
		return nil, &DecodeError{Err: err}
	}
	return value, nil
}
