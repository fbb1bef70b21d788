package codec

import (
	"bytes"
	"encoding/json"
	"math"

	"tunnel-rpc/message"
)

// JSONCodec uses Go's standard library encoding/json for serialization.
// Pros: human-readable, cross-language, easy to debug.
// Cons: slower due to reflection + string parsing, larger payload (field names repeated).
//
// Numbers are decoded with UseNumber so integers come back as int and only
// non-integral literals as float64.
type JSONCodec struct{}

func (c *JSONCodec) Encode(v any) ([]byte, error) {
	if msg, ok := v.(*message.RPCMessage); ok {
		norm, err := normalizeMessage(msg)
		if err != nil {
			return nil, err
		}
		return json.Marshal(norm)
	}
	norm, err := Normalize(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(norm)
}

func (c *JSONCodec) Decode(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return err
	}
	switch x := v.(type) {
	case *message.RPCMessage:
		for i, p := range x.Params {
			x.Params[i] = fromJSON(p)
		}
		x.Result = fromJSON(x.Result)
	case *any:
		*x = fromJSON(*x)
	}
	return nil
}

func (c *JSONCodec) Type() CodecType {
	return CodecTypeJSON
}

// fromJSON replaces json.Number with int (32-bit range) or float64.
func fromJSON(v any) any {
	switch x := v.(type) {
	case json.Number:
		if n, err := x.Int64(); err == nil && n >= math.MinInt32 && n <= math.MaxInt32 {
			return int(n)
		}
		f, _ := x.Float64()
		return f
	case []any:
		for i, e := range x {
			x[i] = fromJSON(e)
		}
		return x
	case map[string]any:
		for k, e := range x {
			x[k] = fromJSON(e)
		}
		return x
	}
	return v
}
