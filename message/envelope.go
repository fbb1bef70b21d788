package message

import (
	"encoding/json"
	"strings"
	"time"

	"tunnel-rpc/value"
)

// Status codes carried in a response Envelope.
const (
	StatusUnset            = 0
	StatusOK               = 200
	StatusApplicationError = 400
	StatusNotFound         = 404
)

// Wire keys.
const (
	KeyMarker    = "_is_data_object"
	KeyArgs      = "args"
	KeyKwargs    = "kwargs"
	KeyTimestamp = "timestamp"
	KeyCode      = "response_code"
	KeyError     = "error"
	KeyResult    = "result"
)

// IntrospectionPrefix marks the transport's built-in methods. Calls to them
// are never wrapped and their results never unwrapped.
const IntrospectionPrefix = "system."

// IsIntrospection reports whether method is one of the transport's built-ins.
func IsIntrospection(method string) bool {
	return strings.HasPrefix(method, IntrospectionPrefix)
}

// Envelope is the self-describing call/response record. Every value it holds
// is stored in tunneled form; accessors decode on the way out.
//
// An Envelope is immutable once built.
type Envelope struct {
	args      []any
	kwargs    map[string]any
	timestamp string
	code      int
	err       string
	result    any
	hasResult bool
	response  bool
}

// NewRequest builds a request Envelope from native positional and keyword
// arguments.
func NewRequest(args []any, kwargs map[string]any) *Envelope {
	e := &Envelope{
		args:      make([]any, len(args)),
		kwargs:    make(map[string]any, len(kwargs)),
		timestamp: now(),
	}
	for i, a := range args {
		e.args[i] = value.Encode(a)
	}
	for k, v := range kwargs {
		e.kwargs[k] = value.Encode(v)
	}
	return e
}

// NewResponse builds a response Envelope. An empty errMsg means no error; a
// nil result is not put on the wire.
func NewResponse(code int, result any, errMsg string) *Envelope {
	e := &Envelope{
		timestamp: now(),
		code:      code,
		err:       errMsg,
		response:  true,
	}
	if result != nil {
		e.result = value.Encode(result)
		e.hasResult = true
	}
	return e
}

func now() string {
	return time.Now().Format(time.RFC3339Nano)
}

// Args returns the decoded positional arguments. The slice is a fresh copy.
func (e *Envelope) Args() []any {
	out := make([]any, len(e.args))
	for i, a := range e.args {
		out[i] = value.Decode(a)
	}
	return out
}

// Kwargs returns the decoded keyword arguments. The map is a fresh copy.
func (e *Envelope) Kwargs() map[string]any {
	out := make(map[string]any, len(e.kwargs))
	for k, v := range e.kwargs {
		out[k] = value.Decode(v)
	}
	return out
}

// Result returns the decoded result, nil when there is none.
func (e *Envelope) Result() any {
	if !e.hasResult {
		return nil
	}
	return value.Decode(e.result)
}

func (e *Envelope) Code() int         { return e.code }
func (e *Envelope) Err() string       { return e.err }
func (e *Envelope) Timestamp() string { return e.timestamp }

// IsResponse reports whether e was built as (or parsed from) a response.
func (e *Envelope) IsResponse() bool { return e.response }

// Failed reports whether a response Envelope signals a failed call: an error
// message is present or the status is 400/404.
func (e *Envelope) Failed() bool {
	return e.err != "" || e.code == StatusApplicationError || e.code == StatusNotFound
}

// Wire returns the transport-facing mapping. Only populated fields are
// present, plus the discriminator.
func (e *Envelope) Wire() map[string]any {
	m := map[string]any{KeyMarker: true, KeyTimestamp: e.timestamp}
	if !e.response {
		m[KeyArgs] = append([]any{}, e.args...)
		kwargs := make(map[string]any, len(e.kwargs))
		for k, v := range e.kwargs {
			kwargs[k] = v
		}
		m[KeyKwargs] = kwargs
		return m
	}
	m[KeyCode] = e.code
	if e.err != "" {
		m[KeyError] = e.err
	}
	if e.hasResult {
		m[KeyResult] = e.result
	}
	return m
}

// MarshalJSON renders the wire mapping.
func (e *Envelope) MarshalJSON() ([]byte, error) {
	return json.Marshal(e.Wire())
}

// IsEnvelope reports whether v is an Envelope or a wire mapping carrying the
// discriminator.
func IsEnvelope(v any) bool {
	switch x := v.(type) {
	case *Envelope:
		return x != nil
	case Envelope:
		return true
	case map[string]any:
		marker, _ := x[KeyMarker].(bool)
		return marker
	}
	return false
}

// ParseEnvelope recognizes an Envelope in v. It accepts *Envelope, Envelope
// and wire mappings whose discriminator is true; anything else reports false.
//
// Missing or mistyped fields are tolerated: args default to empty, kwargs to
// empty, the status code to StatusUnset.
func ParseEnvelope(v any) (*Envelope, bool) {
	switch x := v.(type) {
	case *Envelope:
		return x, x != nil
	case Envelope:
		return &x, true
	case map[string]any:
		if !IsEnvelope(x) {
			return nil, false
		}
		return fromWire(x), true
	}
	return nil, false
}

func fromWire(m map[string]any) *Envelope {
	e := &Envelope{kwargs: map[string]any{}}
	e.timestamp, _ = m[KeyTimestamp].(string)

	if args, ok := m[KeyArgs].([]any); ok {
		e.args = append([]any{}, args...)
	}
	if kwargs, ok := m[KeyKwargs].(map[string]any); ok {
		for k, v := range kwargs {
			e.kwargs[k] = v
		}
	}

	code, hasCode := toInt(m[KeyCode])
	e.code = code
	e.err, _ = m[KeyError].(string)
	e.result, e.hasResult = m[KeyResult]
	e.response = hasCode || e.err != "" || e.hasResult
	return e
}

// toInt accepts the numeric shapes the codecs produce for a status code.
func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	case json.Number:
		i, err := n.Int64()
		return int(i), err == nil
	case string:
		// A peer that tunnels the status code too.
		if d, ok := value.Decode(n).(int64); ok {
			return int(d), true
		}
	}
	return 0, false
}
