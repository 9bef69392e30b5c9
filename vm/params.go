package vm

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/chazu/nwvm/pkg/ncs"
)

// ConvertParameters converts textual arguments for the entry point of p.
// When debug symbols describe the entry point, each argument is parsed as
// the declared parameter type. Otherwise an argument is an int if it
// parses as one, else a float if it parses as one, else a string.
func ConvertParameters(p *ncs.Program, args []string) ([]Value, error) {
	out := make([]Value, len(args))

	if sub := p.EntrySubroutine(); sub != nil && sub.Name != "" {
		if len(args) != len(sub.Params) {
			return nil, fmt.Errorf("%s: %s takes %d parameters, got %d", p.Name, sub.Name, len(sub.Params), len(args))
		}
		for i, a := range args {
			tc, ok := sub.Params[i].Scalar()
			if !ok {
				return nil, fmt.Errorf("%s: parameter %d has unsupported type %q", p.Name, i, sub.Params[i])
			}
			v, err := ParseValue(baseTypeOf(tc), a)
			if err != nil {
				return nil, fmt.Errorf("%s: parameter %d: %w", p.Name, i, err)
			}
			out[i] = v
		}
		return out, nil
	}

	for i, a := range args {
		out[i] = inferValue(a)
	}
	return out, nil
}

// ParseValue parses s as a value of type t. Objects accept decimal or
// 0x-prefixed hex ids.
func ParseValue(t BaseType, s string) (Value, error) {
	switch t {
	case TypeInt:
		n, err := strconv.ParseInt(strings.TrimSpace(s), 0, 32)
		if err != nil {
			return Value{}, fmt.Errorf("%w: %q is not an int", ErrStackTypeMismatch, s)
		}
		return IntValue(int32(n)), nil
	case TypeFloat:
		f, err := strconv.ParseFloat(strings.TrimSpace(s), 32)
		if err != nil {
			return Value{}, fmt.Errorf("%w: %q is not a float", ErrStackTypeMismatch, s)
		}
		return FloatValue(float32(f)), nil
	case TypeString:
		return StringValue(s), nil
	case TypeObject:
		n, err := strconv.ParseUint(strings.TrimSpace(s), 0, 32)
		if err != nil {
			return Value{}, fmt.Errorf("%w: %q is not an object id", ErrStackTypeMismatch, s)
		}
		return ObjectValue(ObjectID(n)), nil
	}
	return Value{}, fmt.Errorf("%w: cannot parse %s parameters", ErrStackTypeMismatch, t)
}

func inferValue(s string) Value {
	if n, err := strconv.ParseInt(s, 10, 32); err == nil {
		return IntValue(int32(n))
	}
	if f, err := strconv.ParseFloat(s, 32); err == nil {
		return FloatValue(float32(f))
	}
	return StringValue(s)
}
