package server

import (
	"encoding/base64"
	"fmt"
	"math"
	"strconv"

	"connectrpc.com/connect"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/chazu/nwvm/vm"
)

// Requests and responses of the script service are structpb.Struct
// messages. These helpers read typed fields out of them.

func stringArg(m *structpb.Struct, key string) string {
	return m.GetFields()[key].GetStringValue()
}

func boolArg(m *structpb.Struct, key string) bool {
	return m.GetFields()[key].GetBoolValue()
}

func numberArg(m *structpb.Struct, key string) (float64, bool) {
	v, ok := m.GetFields()[key]
	if !ok {
		return 0, false
	}
	n, ok := v.GetKind().(*structpb.Value_NumberValue)
	if !ok {
		return 0, false
	}
	return n.NumberValue, true
}

func int32Arg(m *structpb.Struct, key string, def int32) (int32, error) {
	n, ok := numberArg(m, key)
	if !ok {
		if _, present := m.GetFields()[key]; present {
			return 0, invalidArgument("%s must be a number", key)
		}
		return def, nil
	}
	if n != math.Trunc(n) || n < math.MinInt32 || n > math.MaxInt32 {
		return 0, invalidArgument("%s is not a 32-bit integer: %v", key, n)
	}
	return int32(n), nil
}

// objectArg reads an object id given as a number or as a string such as
// "0x7f000000".
func objectArg(m *structpb.Struct, key string, def vm.ObjectID) (vm.ObjectID, error) {
	v, ok := m.GetFields()[key]
	if !ok {
		return def, nil
	}
	switch k := v.GetKind().(type) {
	case *structpb.Value_NumberValue:
		n := k.NumberValue
		if n != math.Trunc(n) || n < 0 || n > math.MaxUint32 {
			return 0, invalidArgument("%s is not an object id: %v", key, n)
		}
		return vm.ObjectID(uint32(n)), nil
	case *structpb.Value_StringValue:
		n, err := strconv.ParseUint(k.StringValue, 0, 32)
		if err != nil {
			return 0, invalidArgument("%s is not an object id: %q", key, k.StringValue)
		}
		return vm.ObjectID(n), nil
	}
	return 0, invalidArgument("%s is not an object id", key)
}

func stringsArg(m *structpb.Struct, key string) ([]string, error) {
	v, ok := m.GetFields()[key]
	if !ok {
		return nil, nil
	}
	list := v.GetListValue()
	if list == nil {
		return nil, invalidArgument("%s must be a list", key)
	}
	out := make([]string, len(list.GetValues()))
	for i, item := range list.GetValues() {
		switch k := item.GetKind().(type) {
		case *structpb.Value_StringValue:
			out[i] = k.StringValue
		case *structpb.Value_NumberValue:
			out[i] = strconv.FormatFloat(k.NumberValue, 'g', -1, 64)
		default:
			return nil, invalidArgument("%s[%d] must be a string or number", key, i)
		}
	}
	return out, nil
}

// bytesArg reads a base64 field, the encoding structpb gives []byte.
func bytesArg(m *structpb.Struct, key string) ([]byte, error) {
	s := stringArg(m, key)
	if s == "" {
		return nil, nil
	}
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, invalidArgument("%s is not base64: %v", key, err)
	}
	return data, nil
}

func invalidArgument(format string, args ...any) error {
	return connect.NewError(connect.CodeInvalidArgument, fmt.Errorf(format, args...))
}

// reply builds a response from plain Go values, as accepted by
// structpb.NewStruct.
func reply(fields map[string]any) (*connect.Response[structpb.Struct], error) {
	msg, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, err)
	}
	return connect.NewResponse(msg), nil
}
