// Package value implements the typed-value tunnel used by every call that
// crosses the wire.
//
// The wire only knows 32-bit integers and finite doubles. Encode renders every
// native integer and float as a marker-tagged string ("__INT__42",
// "__FLOAT__3.14", "__FLOAT__+Inf") so arbitrary precision and the special
// float values survive the trip; Decode restores them on the other side.
// Containers are walked recursively and keep their shape.
package value

import (
	"math"
	"math/big"
	"reflect"
	"strconv"
	"strings"
)

// Marker prefixes for tagged scalars.
const (
	IntTag   = "__INT__"
	FloatTag = "__FLOAT__"
)

// Tuple is a tuple-like ordered sequence. Encode and Decode keep a Tuple a
// Tuple, and a plain []any a plain []any.
type Tuple []any

// Encode converts v into its transport-safe form.
//
//   - bool is returned unchanged. It is matched before any numeric rule.
//   - every integer kind, *big.Int included, becomes "__INT__<decimal>".
//   - every float kind, ±Inf and NaN included, becomes "__FLOAT__<text>".
//   - strings are never tagged, even when they already look like a marker.
//   - Tuple, []any and other slices/arrays are encoded per element.
//   - string-keyed maps are encoded per value.
//   - anything else (nil, []byte, structs) is returned unchanged.
func Encode(v any) any {
	switch x := v.(type) {
	case nil:
		return nil
	case bool:
		return x
	case string:
		return x
	case int:
		return IntTag + strconv.FormatInt(int64(x), 10)
	case int8:
		return IntTag + strconv.FormatInt(int64(x), 10)
	case int16:
		return IntTag + strconv.FormatInt(int64(x), 10)
	case int32:
		return IntTag + strconv.FormatInt(int64(x), 10)
	case int64:
		return IntTag + strconv.FormatInt(x, 10)
	case uint:
		return IntTag + strconv.FormatUint(uint64(x), 10)
	case uint8:
		return IntTag + strconv.FormatUint(uint64(x), 10)
	case uint16:
		return IntTag + strconv.FormatUint(uint64(x), 10)
	case uint32:
		return IntTag + strconv.FormatUint(uint64(x), 10)
	case uint64:
		return IntTag + strconv.FormatUint(x, 10)
	case *big.Int:
		if x == nil {
			return v
		}
		return IntTag + x.String()
	case big.Int:
		return IntTag + x.String()
	case float32:
		return FloatTag + FormatFloat(float64(x), 32)
	case float64:
		return FloatTag + FormatFloat(x, 64)
	case []byte:
		return x
	case Tuple:
		if x == nil {
			return x
		}
		out := make(Tuple, len(x))
		for i, e := range x {
			out[i] = Encode(e)
		}
		return out
	case []any:
		if x == nil {
			return x
		}
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = Encode(e)
		}
		return out
	case map[string]any:
		if x == nil {
			return x
		}
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[k] = Encode(e)
		}
		return out
	}
	return encodeReflect(v)
}

// encodeReflect covers named scalar types, typed slices and typed maps.
func encodeReflect(v any) any {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return IntTag + strconv.FormatInt(rv.Int(), 10)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return IntTag + strconv.FormatUint(rv.Uint(), 10)
	case reflect.Float32:
		return FloatTag + FormatFloat(rv.Float(), 32)
	case reflect.Float64:
		return FloatTag + FormatFloat(rv.Float(), 64)
	case reflect.Slice:
		if rv.IsNil() || rv.Type().Elem().Kind() == reflect.Uint8 {
			return v
		}
		return encodeSeq(rv)
	case reflect.Array:
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			return v
		}
		return encodeSeq(rv)
	case reflect.Map:
		if rv.IsNil() || rv.Type().Key().Kind() != reflect.String {
			return v
		}
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			out[iter.Key().String()] = Encode(iter.Value().Interface())
		}
		return out
	}
	return v
}

func encodeSeq(rv reflect.Value) []any {
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = Encode(rv.Index(i).Interface())
	}
	return out
}

// Decode is the inverse of Encode. Tagged strings whose payload does not
// parse are returned unchanged; Decode never fails.
//
// "__INT__" payloads decode to int64 when they fit and to *big.Int otherwise.
// "__FLOAT__" payloads decode to float64 from a decimal literal or any
// inf/nan spelling ("inf", "-Inf", "NaN", "infinity"). Hex floats are not
// markers.
func Decode(v any) any {
	switch x := v.(type) {
	case string:
		return decodeString(x)
	case Tuple:
		if x == nil {
			return x
		}
		out := make(Tuple, len(x))
		for i, e := range x {
			out[i] = Decode(e)
		}
		return out
	case []any:
		if x == nil {
			return x
		}
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = Decode(e)
		}
		return out
	case map[string]any:
		if x == nil {
			return x
		}
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[k] = Decode(e)
		}
		return out
	}
	return v
}

func decodeString(s string) any {
	switch {
	case strings.HasPrefix(s, IntTag):
		if n, ok := parseInt(s[len(IntTag):]); ok {
			return n
		}
	case strings.HasPrefix(s, FloatTag):
		if f, ok := parseFloat(s[len(FloatTag):]); ok {
			return f
		}
	}
	return s
}

func parseInt(s string) (any, bool) {
	digits := strings.TrimPrefix(strings.TrimPrefix(s, "-"), "+")
	if len(digits) == 0 || len(s)-len(digits) > 1 {
		return nil, false
	}
	for i := 0; i < len(digits); i++ {
		if digits[i] < '0' || digits[i] > '9' {
			return nil, false
		}
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n, true
	}
	n, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, false
	}
	return n, true
}

func parseFloat(s string) (float64, bool) {
	// Decimal literals and inf/nan only. ParseFloat would also take hex.
	if s == "" || strings.ContainsAny(s, "xXpP_") {
		return 0, false
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		// Overflowing literals still mean ±Inf.
		if ne, ok := err.(*strconv.NumError); ok && ne.Err == strconv.ErrRange {
			return f, true
		}
		return 0, false
	}
	return f, true
}

// FormatFloat renders f with the shortest text that parses back to the same
// bits, using plain notation for 1e-6 <= |f| < 1e21 and exponent notation
// elsewhere (the encoding/json rule). ±Inf and NaN render as "+Inf", "-Inf"
// and "NaN".
func FormatFloat(f float64, bits int) string {
	if math.IsInf(f, 0) || math.IsNaN(f) {
		return strconv.FormatFloat(f, 'g', -1, bits)
	}
	abs := math.Abs(f)
	format := byte('f')
	if abs != 0 {
		if bits == 64 && (abs < 1e-6 || abs >= 1e21) || bits == 32 && (float32(abs) < 1e-6 || float32(abs) >= 1e21) {
			format = 'e'
		}
	}
	return strconv.FormatFloat(f, format, -1, bits)
}

// IsTagged reports whether s starts with one of the marker prefixes. It does
// not check that the payload parses.
func IsTagged(s string) bool {
	return strings.HasPrefix(s, IntTag) || strings.HasPrefix(s, FloatTag)
}
