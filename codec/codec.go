package codec

import (
	"encoding/json"
	"fmt"

	"mini-binder/binder"
)

type CodecType byte

const (
	CodecTypeJSON   CodecType = 0
	CodecTypeBinary CodecType = 1
)

// Codec encodes the transaction envelope. Argument payloads inside the
// envelope are always JSON (see Marshal).
type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
	Type() CodecType // 0=JSON, 1=Binary
}

func GetCodec(codecType CodecType) Codec {
	if codecType == CodecTypeJSON {
		return &JSONCodec{}
	}

	return &BinaryCodec{}
}

// ParseCodecType maps a config name ("json", "binary") to a CodecType.
func ParseCodecType(name string) (CodecType, error) {
	switch name {
	case "", "json":
		return CodecTypeJSON, nil
	case "binary":
		return CodecTypeBinary, nil
	}
	return 0, fmt.Errorf("unknown codec %q", name)
}

// Marshal serializes call arguments or replies into a payload.
// A nil value produces an empty payload.
func Marshal(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

// Unmarshal decodes a payload into v. Malformed payloads are protocol errors.
// An empty payload leaves v untouched.
func Unmarshal(data []byte, v any) error {
	if len(data) == 0 || v == nil {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return &binder.ProtocolError{Reason: "malformed payload: " + err.Error()}
	}
	return nil
}
