package client

import (
	"errors"
	"fmt"

	"tunnel-rpc/message"
)

var (
	// ErrMethodNotFound matches a CallError with status 404.
	ErrMethodNotFound = errors.New("method not found")
	// ErrApplication matches a CallError raised by the remote handler.
	ErrApplication = errors.New("application error")
)

// CallError is a call that reached the server and failed there. Code is the
// response Envelope's status, Message its error text.
type CallError struct {
	Method  string
	Code    int
	Message string
}

func (e *CallError) Error() string {
	return fmt.Sprintf("%s: code %d: %s", e.Method, e.Code, e.Message)
}

func (e *CallError) Is(target error) bool {
	switch target {
	case ErrMethodNotFound:
		return e.Code == message.StatusNotFound
	case ErrApplication:
		return e.Code != message.StatusNotFound
	}
	return false
}
