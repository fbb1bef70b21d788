package client

import "tunnel-rpc/message"

// BuildParams turns a call's native arguments into the flat parameter list
// sent on the wire.
//
// system.* calls and calls whose first argument already is an Envelope are
// forwarded as given. Anything else is packed into a single request Envelope
// carrying args and kwargs, so integers beyond 32 bits, special floats and
// keyword arguments survive the transport.
func BuildParams(name string, args []any, kwargs map[string]any) []any {
	if message.IsIntrospection(name) {
		return args
	}
	if len(args) > 0 && message.IsEnvelope(args[0]) {
		return args
	}
	return []any{message.NewRequest(args, kwargs)}
}
