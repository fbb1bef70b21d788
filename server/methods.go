package server

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"
	"unicode"
	"unicode/utf8"

	"tunnel-rpc/message"
)

// Handler is the calling convention for every registered method: decoded
// positional and keyword arguments in, a native result or an error out.
type Handler func(ctx context.Context, args []any, kwargs map[string]any) (any, error)

// MethodDesc describes one registered method.
type MethodDesc struct {
	Name    string
	Help    string
	Handler Handler
}

var (
	ErrDuplicateMethod = errors.New("server: method already registered")
	ErrReservedName    = errors.New("server: system.* names are reserved")
)

// Methods is the method table. It is filled before serving and only read
// afterwards; the lock keeps late registration race-free anyway.
type Methods struct {
	mu     sync.RWMutex
	byName map[string]*MethodDesc
}

func NewMethods() *Methods {
	return &Methods{byName: make(map[string]*MethodDesc)}
}

// Register adds a method under name.
func (m *Methods) Register(name, help string, h Handler) error {
	if name == "" || h == nil {
		return fmt.Errorf("server: method needs a name and a handler")
	}
	if message.IsIntrospection(name) {
		return fmt.Errorf("%w: %q", ErrReservedName, name)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byName[name]; ok {
		return fmt.Errorf("%w: %q", ErrDuplicateMethod, name)
	}
	m.byName[name] = &MethodDesc{Name: name, Help: help, Handler: h}
	return nil
}

// Lookup returns the handler registered under name.
func (m *Methods) Lookup(name string) (Handler, bool) {
	d, ok := m.Describe(name)
	if !ok {
		return nil, false
	}
	return d.Handler, true
}

// Describe returns the full descriptor registered under name.
func (m *Methods) Describe(name string) (*MethodDesc, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.byName[name]
	return d, ok
}

// List returns the registered method names, sorted.
func (m *Methods) List() []string {
	m.mu.RLock()
	names := make([]string, 0, len(m.byName))
	for name := range m.byName {
		names = append(names, name)
	}
	m.mu.RUnlock()
	sort.Strings(names)
	return names
}

// Helper is implemented by receivers that document their methods for
// system.methodHelp. method is the registered (lower camel) name.
type Helper interface {
	Help(method string) string
}

var (
	ctxType    = reflect.TypeOf((*context.Context)(nil)).Elem()
	argsType   = reflect.TypeOf([]any(nil))
	kwargsType = reflect.TypeOf(map[string]any(nil))
	anyType    = reflect.TypeOf((*any)(nil)).Elem()
	errorType  = reflect.TypeOf((*error)(nil)).Elem()
)

// RegisterInstance registers every exported method of rcvr whose signature is
// exactly Handler's, under its lower camel name ("Add" → "add"). Other
// methods are skipped. It returns the names registered.
func (m *Methods) RegisterInstance(rcvr any) ([]string, error) {
	val := reflect.ValueOf(rcvr)
	typ := val.Type()
	helper, _ := rcvr.(Helper)

	var names []string
	for i := 0; i < typ.NumMethod(); i++ {
		method := typ.Method(i)
		if !isHandlerSignature(method.Type) {
			continue
		}

		name := lowerFirst(method.Name)
		help := ""
		if helper != nil {
			help = helper.Help(name)
		}

		fn := val.Method(i).Interface().(func(context.Context, []any, map[string]any) (any, error))
		if err := m.Register(name, help, fn); err != nil {
			return names, err
		}
		names = append(names, name)
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("server: %s has no methods with the handler signature", typ)
	}
	return names, nil
}

// isHandlerSignature checks a method type including its receiver.
func isHandlerSignature(t reflect.Type) bool {
	return t.NumIn() == 4 && t.NumOut() == 2 &&
		t.In(1) == ctxType && t.In(2) == argsType && t.In(3) == kwargsType &&
		t.Out(0) == anyType && t.Out(1) == errorType
}

func lowerFirst(s string) string {
	r, size := utf8.DecodeRuneInString(s)
	return string(unicode.ToLower(r)) + s[size:]
}

// splitHelp trims the indentation of a multi-line help text.
func splitHelp(help string) string {
	lines := strings.Split(strings.TrimSpace(help), "\n")
	for i, l := range lines {
		lines[i] = strings.TrimSpace(l)
	}
	return strings.Join(lines, "\n")
}
