// Package mathsvc is the demo service: add, subtract, multiply and divide over
// two named parameters x and y.
//
// Integer arithmetic is arbitrary precision. If either operand is a float the
// result is a float. divide is true division and always yields a float.
package mathsvc

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"math"
	"math/big"
	"slices"
	"strings"

	"go.uber.org/zap"
)

// ErrDivideByZero is returned by Divide when y is zero.
var ErrDivideByZero = errors.New("Cannot divide by zero")

// Service implements the math methods with the server's handler signature.
type Service struct {
	logger *zap.Logger
}

func New(logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{logger: logger}
}

var help = map[string]string{
	"add":      "add(x, y) returns x + y.",
	"subtract": "subtract(x, y) returns x - y.",
	"multiply": "multiply(x, y) returns x * y.",
	"divide":   "divide(x, y) returns x / y as a float. Fails when y is zero.",
}

// Help documents each method for system.methodHelp.
func (s *Service) Help(method string) string {
	return help[method]
}

func (s *Service) Add(_ context.Context, args []any, kwargs map[string]any) (any, error) {
	return s.apply("add", "+", args, kwargs)
}

func (s *Service) Subtract(_ context.Context, args []any, kwargs map[string]any) (any, error) {
	return s.apply("subtract", "-", args, kwargs)
}

func (s *Service) Multiply(_ context.Context, args []any, kwargs map[string]any) (any, error) {
	return s.apply("multiply", "*", args, kwargs)
}

func (s *Service) Divide(_ context.Context, args []any, kwargs map[string]any) (any, error) {
	return s.apply("divide", "/", args, kwargs)
}

func (s *Service) apply(name, op string, args []any, kwargs map[string]any) (any, error) {
	bound, err := bind(name, []string{"x", "y"}, args, kwargs)
	if err != nil {
		return nil, err
	}
	x, err := toNumber(bound[0], op, bound[1])
	if err != nil {
		return nil, err
	}
	y, err := toNumber(bound[1], op, bound[0])
	if err != nil {
		return nil, err
	}

	var result any
	switch op {
	case "+", "-", "*":
		result = arith(op, x, y)
	case "/":
		if y.isZero() {
			s.logger.Warn("division by zero attempted", zap.Any("x", bound[0]), zap.Any("y", bound[1]))
			return nil, ErrDivideByZero
		}
		if result, err = divide(x, y); err != nil {
			return nil, err
		}
	}
	s.logger.Debug(name, zap.Any("x", bound[0]), zap.Any("y", bound[1]), zap.Any("result", result))
	return result, nil
}

// number is an int (arbitrary precision) or a float.
type number struct {
	i *big.Int
	f float64
}

func (n number) isFloat() bool { return n.i == nil }

func (n number) isZero() bool {
	if n.isFloat() {
		return n.f == 0
	}
	return n.i.Sign() == 0
}

func (n number) float() float64 {
	if n.isFloat() {
		return n.f
	}
	f, _ := new(big.Float).SetInt(n.i).Float64()
	return f
}

func toNumber(v any, op string, other any) (number, error) {
	switch x := v.(type) {
	case int:
		return number{i: big.NewInt(int64(x))}, nil
	case int32:
		return number{i: big.NewInt(int64(x))}, nil
	case int64:
		return number{i: big.NewInt(x)}, nil
	case uint64:
		return number{i: new(big.Int).SetUint64(x)}, nil
	case *big.Int:
		if x != nil {
			return number{i: x}, nil
		}
	case float32:
		return number{f: float64(x)}, nil
	case float64:
		return number{f: x}, nil
	}
	return number{}, fmt.Errorf("unsupported operand type(s) for %s: %s and %s", op, typeName(v), typeName(other))
}

func typeName(v any) string {
	if v == nil {
		return "nil"
	}
	return fmt.Sprintf("%T", v)
}

func arith(op string, x, y number) any {
	if x.isFloat() || y.isFloat() {
		a, b := x.float(), y.float()
		switch op {
		case "+":
			return a + b
		case "-":
			return a - b
		}
		return a * b
	}

	r := new(big.Int)
	switch op {
	case "+":
		r.Add(x.i, y.i)
	case "-":
		r.Sub(x.i, y.i)
	default:
		r.Mul(x.i, y.i)
	}
	if r.IsInt64() {
		return r.Int64()
	}
	return r
}

func divide(x, y number) (any, error) {
	if x.isFloat() || y.isFloat() {
		return x.float() / y.float(), nil
	}
	f, _ := new(big.Rat).SetFrac(x.i, y.i).Float64()
	if math.IsInf(f, 0) {
		return nil, errors.New("integer division result too large for a float")
	}
	return f, nil
}

// bind assigns positional then keyword arguments to params the way a call
// with named parameters does.
func bind(name string, params []string, args []any, kwargs map[string]any) ([]any, error) {
	if len(args) > len(params) {
		return nil, fmt.Errorf("%s() takes %d positional arguments but %d were given", name, len(params), len(args))
	}

	bound := make([]any, len(params))
	set := make([]bool, len(params))
	for i, a := range args {
		bound[i], set[i] = a, true
	}

	for _, k := range slices.Sorted(maps.Keys(kwargs)) {
		v := kwargs[k]
		idx := -1
		for i, p := range params {
			if p == k {
				idx = i
				break
			}
		}
		if idx < 0 {
			return nil, fmt.Errorf("%s() got an unexpected keyword argument '%s'", name, k)
		}
		if set[idx] {
			return nil, fmt.Errorf("%s() got multiple values for argument '%s'", name, k)
		}
		bound[idx], set[idx] = v, true
	}

	var missing []string
	for i, p := range params {
		if !set[i] {
			missing = append(missing, "'"+p+"'")
		}
	}
	switch len(missing) {
	case 0:
		return bound, nil
	case 1:
		return nil, fmt.Errorf("%s() missing 1 required positional argument: %s", name, missing[0])
	}
	return nil, fmt.Errorf("%s() missing %d required positional arguments: %s and %s",
		name, len(missing), strings.Join(missing[:len(missing)-1], ", "), missing[len(missing)-1])
}
