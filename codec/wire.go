package codec

import (
	"errors"
	"fmt"
	"math"
	"reflect"

	"tunnel-rpc/message"
	"tunnel-rpc/value"
)

var (
	ErrUnsupportedValue = errors.New("codec: value not representable on the wire")
	ErrIntOverflow      = errors.New("codec: integer exceeds 32-bit wire range")
	ErrNonFiniteFloat   = errors.New("codec: non-finite float")
	ErrNotMessage       = errors.New("codec: v must be *RPCMessage")
	ErrShortBuffer      = errors.New("codec: truncated message")
)

// Normalize checks v against the wire value space and returns the canonical
// form every codec writes: ints as int, floats as float64, sequences as []any,
// structs as map[string]any. Envelopes are replaced by their wire mapping.
func Normalize(v any) (any, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case bool, string:
		return x, nil
	case int:
		return normInt(int64(x))
	case int8:
		return int(x), nil
	case int16:
		return int(x), nil
	case int32:
		return int(x), nil
	case int64:
		return normInt(x)
	case uint8:
		return int(x), nil
	case uint16:
		return int(x), nil
	case uint:
		return normUint(uint64(x))
	case uint32:
		return normUint(uint64(x))
	case uint64:
		return normUint(x)
	case float32:
		return normFloat(float64(x))
	case float64:
		return normFloat(x)
	case *message.Envelope:
		if x == nil {
			return nil, nil
		}
		return Normalize(x.Wire())
	case message.Envelope:
		return Normalize(x.Wire())
	case value.Tuple:
		return normSeq([]any(x))
	case []any:
		return normSeq(x)
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			n, err := Normalize(e)
			if err != nil {
				return nil, fmt.Errorf("%q: %w", k, err)
			}
			out[k] = n
		}
		return out, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedValue, reflect.TypeOf(v))
}

func normInt(n int64) (any, error) {
	if n < math.MinInt32 || n > math.MaxInt32 {
		return nil, fmt.Errorf("%w: %d", ErrIntOverflow, n)
	}
	return int(n), nil
}

func normUint(n uint64) (any, error) {
	if n > math.MaxInt32 {
		return nil, fmt.Errorf("%w: %d", ErrIntOverflow, n)
	}
	return int(n), nil
}

func normFloat(f float64) (any, error) {
	if math.IsInf(f, 0) || math.IsNaN(f) {
		return nil, fmt.Errorf("%w: %v", ErrNonFiniteFloat, f)
	}
	return f, nil
}

func normSeq(s []any) (any, error) {
	out := make([]any, len(s))
	for i, e := range s {
		n, err := Normalize(e)
		if err != nil {
			return nil, fmt.Errorf("[%d]: %w", i, err)
		}
		out[i] = n
	}
	return out, nil
}

// normalizeMessage returns a copy of msg whose Params and Result are in the
// wire value space.
func normalizeMessage(msg *message.RPCMessage) (*message.RPCMessage, error) {
	out := &message.RPCMessage{ServiceMethod: msg.ServiceMethod, Error: msg.Error}
	if msg.Params != nil {
		params, err := normSeq(msg.Params)
		if err != nil {
			return nil, fmt.Errorf("params%w", err)
		}
		out.Params = params.([]any)
	}
	result, err := Normalize(msg.Result)
	if err != nil {
		return nil, fmt.Errorf("result: %w", err)
	}
	out.Result = result
	return out, nil
}

