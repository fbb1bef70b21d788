package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sort"

	"tunnel-rpc/message"
)

// Value type tags, one uint32 ahead of every value.
const (
	nilType     uint32 = 0x00
	integerType uint32 = 0x01 // int32
	booleanType uint32 = 0x02 // 1 byte
	stringType  uint32 = 0x03 // uint32 length + bytes
	doubleType  uint32 = 0x04 // IEEE 754 bits, uint64
	arrayType   uint32 = 0x100
	structType  uint32 = 0x101
)

const maxDepth = 64

var errTooDeep = errors.New("codec: value nested too deeply")

// BinaryCodec writes RPCMessage in a compact tagged layout:
//
//	uint16 method length | method | params value | result value | uint32 error length | error
//
// Params is an array value (or nil); result is any value.
type BinaryCodec struct{}

func (c *BinaryCodec) Encode(v any) ([]byte, error) {
	// v must be *RPCMessage
	msg, ok := v.(*message.RPCMessage)
	if !ok {
		return nil, ErrNotMessage
	}
	if len(msg.ServiceMethod) > math.MaxUint16 {
		return nil, fmt.Errorf("codec: method name too long (%d bytes)", len(msg.ServiceMethod))
	}
	norm, err := normalizeMessage(msg)
	if err != nil {
		return nil, err
	}

	buf := make([]byte, 0, 64)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(norm.ServiceMethod)))
	buf = append(buf, norm.ServiceMethod...)

	var params any
	if norm.Params != nil {
		params = norm.Params
	}
	if buf, err = appendValue(buf, params, 0); err != nil {
		return nil, err
	}
	if buf, err = appendValue(buf, norm.Result, 0); err != nil {
		return nil, err
	}

	buf = binary.BigEndian.AppendUint32(buf, uint32(len(norm.Error)))
	buf = append(buf, norm.Error...)
	return buf, nil
}

// appendValue writes a normalized value.
func appendValue(buf []byte, v any, depth int) ([]byte, error) {
	if depth > maxDepth {
		return nil, errTooDeep
	}
	var err error
	switch x := v.(type) {
	case nil:
		buf = binary.BigEndian.AppendUint32(buf, nilType)
	case int:
		buf = binary.BigEndian.AppendUint32(buf, integerType)
		buf = binary.BigEndian.AppendUint32(buf, uint32(int32(x)))
	case bool:
		buf = binary.BigEndian.AppendUint32(buf, booleanType)
		if x {
			buf = append(buf, 1)
		} else {
			buf = append(buf, 0)
		}
	case string:
		buf = binary.BigEndian.AppendUint32(buf, stringType)
		buf = appendString(buf, x)
	case float64:
		buf = binary.BigEndian.AppendUint32(buf, doubleType)
		buf = binary.BigEndian.AppendUint64(buf, math.Float64bits(x))
	case []any:
		buf = binary.BigEndian.AppendUint32(buf, arrayType)
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(x)))
		for _, e := range x {
			if buf, err = appendValue(buf, e, depth+1); err != nil {
				return nil, err
			}
		}
	case map[string]any:
		buf = binary.BigEndian.AppendUint32(buf, structType)
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(x)))
		// Sorted keys keep the encoding deterministic.
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			buf = appendString(buf, k)
			if buf, err = appendValue(buf, x[k], depth+1); err != nil {
				return nil, err
			}
		}
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedValue, v)
	}
	return buf, nil
}

func appendString(buf []byte, s string) []byte {
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(s)))
	return append(buf, s...)
}

func (c *BinaryCodec) Decode(data []byte, v any) error {
	// v must be *RPCMessage
	msg, ok := v.(*message.RPCMessage)
	if !ok {
		return ErrNotMessage
	}

	r := &reader{data: data}

	// Read ServiceMethod
	methodLen, err := r.uint16()
	if err != nil {
		return err
	}
	method, err := r.bytes(int(methodLen))
	if err != nil {
		return err
	}

	// Read Params
	params, err := r.value(0)
	if err != nil {
		return fmt.Errorf("params: %w", err)
	}
	var list []any
	if params != nil {
		if list, ok = params.([]any); !ok {
			return fmt.Errorf("codec: params must be an array, got %T", params)
		}
	}

	// Read Result
	result, err := r.value(0)
	if err != nil {
		return fmt.Errorf("result: %w", err)
	}

	// Read Error
	errMsg, err := r.string()
	if err != nil {
		return err
	}

	msg.ServiceMethod = string(method)
	msg.Params = list
	msg.Result = result
	msg.Error = errMsg
	return nil
}

func (c *BinaryCodec) Type() CodecType {
	return CodecTypeBinary
}

type reader struct {
	data []byte
	off  int
}

func (r *reader) bytes(n int) ([]byte, error) {
	if n < 0 || len(r.data)-r.off < n {
		return nil, ErrShortBuffer
	}
	b := r.data[r.off : r.off+n]
	r.off += n
	return b, nil
}

func (r *reader) uint16() (uint16, error) {
	b, err := r.bytes(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

func (r *reader) uint32() (uint32, error) {
	b, err := r.bytes(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

func (r *reader) string() (string, error) {
	n, err := r.uint32()
	if err != nil {
		return "", err
	}
	b, err := r.bytes(int(n))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// count reads an element count and rejects counts the remaining bytes cannot
// possibly hold (every element needs at least a 4-byte tag).
func (r *reader) count() (int, error) {
	n, err := r.uint32()
	if err != nil {
		return 0, err
	}
	if int(n) > (len(r.data)-r.off)/4 {
		return 0, ErrShortBuffer
	}
	return int(n), nil
}

func (r *reader) value(depth int) (any, error) {
	if depth > maxDepth {
		return nil, errTooDeep
	}
	tag, err := r.uint32()
	if err != nil {
		return nil, err
	}
	switch tag {
	case nilType:
		return nil, nil
	case integerType:
		n, err := r.uint32()
		if err != nil {
			return nil, err
		}
		return int(int32(n)), nil
	case booleanType:
		b, err := r.bytes(1)
		if err != nil {
			return nil, err
		}
		return b[0] != 0, nil
	case stringType:
		return r.string()
	case doubleType:
		b, err := r.bytes(8)
		if err != nil {
			return nil, err
		}
		return math.Float64frombits(binary.BigEndian.Uint64(b)), nil
	case arrayType:
		n, err := r.count()
		if err != nil {
			return nil, err
		}
		out := make([]any, n)
		for i := range out {
			if out[i], err = r.value(depth + 1); err != nil {
				return nil, err
			}
		}
		return out, nil
	case structType:
		n, err := r.count()
		if err != nil {
			return nil, err
		}
		out := make(map[string]any, n)
		for i := 0; i < n; i++ {
			k, err := r.string()
			if err != nil {
				return nil, err
			}
			if out[k], err = r.value(depth + 1); err != nil {
				return nil, err
			}
		}
		return out, nil
	}
	return nil, fmt.Errorf("codec: unknown value tag 0x%x", tag)
}
