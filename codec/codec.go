// Package codec serializes message.RPCMessage for the framed TCP transport.
//
// All codecs share the same limited wire value space: nil, bool, string,
// 32-bit signed integers, finite doubles, arrays and string-keyed structs.
// Anything else fails to encode. Values that need more go through the
// typed-value tunnel (package value) first.
package codec

import "fmt"

type CodecType byte

const (
	CodecTypeJSON   CodecType = 0
	CodecTypeBinary CodecType = 1
	CodecTypeSnappy CodecType = 2
)

func (t CodecType) String() string {
	switch t {
	case CodecTypeJSON:
		return "json"
	case CodecTypeBinary:
		return "binary"
	case CodecTypeSnappy:
		return "snappy"
	}
	return fmt.Sprintf("codec(%d)", byte(t))
}

// Valid reports whether t names a known codec.
func (t CodecType) Valid() bool {
	return t <= CodecTypeSnappy
}

type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
	Type() CodecType // 0=JSON, 1=Binary, 2=Snappy
}

// GetCodec returns the codec for codecType. Unknown types fall back to JSON.
func GetCodec(codecType CodecType) Codec {
	switch codecType {
	case CodecTypeBinary:
		return &BinaryCodec{}
	case CodecTypeSnappy:
		return &SnappyCodec{}
	}
	return &JSONCodec{}
}

// ParseCodecType maps a config name ("json", "binary", "snappy") to its type.
func ParseCodecType(name string) (CodecType, error) {
	switch name {
	case "", "json":
		return CodecTypeJSON, nil
	case "binary":
		return CodecTypeBinary, nil
	case "snappy":
		return CodecTypeSnappy, nil
	}
	return 0, fmt.Errorf("codec: unknown codec %q", name)
}
