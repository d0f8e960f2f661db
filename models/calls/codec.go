package calls

import (
	"encoding/json"

	"github.com/golang/snappy"
	"github.com/pkg/errors"
)

// Codec converts between a call and its compact staged payload
type Codec interface {
	Encode(call *Call) ([]byte, error)
	Decode(payload []byte) (*Call, error)
}

// SnappyCodec stores calls as snappy-compressed json
type SnappyCodec struct{}

func NewSnappyCodec() *SnappyCodec {
	return &SnappyCodec{}
}

func (SnappyCodec) Encode(call *Call) ([]byte, error) {
	raw, err := json.Marshal(call)
	if err != nil {
		return nil, errors.Wrapf(err, "encoding call %s", call.Key())
	}
	return snappy.Encode(nil, raw), nil
}

func (SnappyCodec) Decode(payload []byte) (*Call, error) {
	raw, err := snappy.Decode(nil, payload)
	if err != nil {
		return nil, errors.Wrap(err, "decompressing call payload")
	}

	var call Call
	if err := json.Unmarshal(raw, &call); err != nil {
		return nil, errors.Wrap(err, "decoding call payload")
	}
	return &call, nil
}
