package server

import (
	"fmt"
	"sort"

	"tunnel-rpc/message"
)

// Introspection method names.
const (
	MethodListMethods     = "system.listMethods"
	MethodMethodHelp      = "system.methodHelp"
	MethodMethodSignature = "system.methodSignature"
)

var introspectionHelp = map[string]string{
	MethodListMethods:     "Return the names of all methods served, sorted.",
	MethodMethodHelp:      "Return the help text of the named method.",
	MethodMethodSignature: "Return the signature of the named method. Signatures are not published.",
}

// introspect answers system.* calls. Parameters and results are plain wire
// values; nothing here goes through the tunnel.
func (svr *Server) introspect(req *message.RPCMessage) *message.RPCMessage {
	switch req.ServiceMethod {
	case MethodListMethods:
		names := append(svr.methods.List(), MethodListMethods, MethodMethodHelp, MethodMethodSignature)
		sort.Strings(names)
		out := make([]any, len(names))
		for i, n := range names {
			out[i] = n
		}
		return &message.RPCMessage{ServiceMethod: req.ServiceMethod, Result: out}

	case MethodMethodHelp:
		name, err := methodNameParam(req)
		if err != nil {
			return message.Fault(req, err.Error())
		}
		help := introspectionHelp[name]
		if d, ok := svr.methods.Describe(name); ok {
			help = splitHelp(d.Help)
		}
		return &message.RPCMessage{ServiceMethod: req.ServiceMethod, Result: help}

	case MethodMethodSignature:
		if _, err := methodNameParam(req); err != nil {
			return message.Fault(req, err.Error())
		}
		return &message.RPCMessage{ServiceMethod: req.ServiceMethod, Result: "signatures not supported"}
	}
	return message.Fault(req, fmt.Sprintf("method %q is not supported", req.ServiceMethod))
}

func methodNameParam(req *message.RPCMessage) (string, error) {
	if len(req.Params) != 1 {
		return "", fmt.Errorf("%s takes exactly one parameter, got %d", req.ServiceMethod, len(req.Params))
	}
	name, ok := req.Params[0].(string)
	if !ok {
		return "", fmt.Errorf("%s: method name must be a string, got %T", req.ServiceMethod, req.Params[0])
	}
	return name, nil
}
