package document

import (
	"fmt"
	"math"

	"github.com/sushant-115/gojolite/core/dberror"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

var marshalOptions = proto.MarshalOptions{Deterministic: true}

// Marshal encodes a normalized document as a deterministic protobuf Struct.
// Equal documents always produce equal bytes.
func Marshal(d Document) ([]byte, error) {
	s, err := structpb.NewStruct(d)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", dberror.ErrInvalidArgument, err)
	}
	return marshalOptions.Marshal(s)
}

// Unmarshal decodes bytes produced by Marshal. Integral numbers within
// ±2^53 come back as int64.
func Unmarshal(b []byte) (Document, error) {
	var s structpb.Struct
	if err := proto.Unmarshal(b, &s); err != nil {
		return nil, fmt.Errorf("%w: document decode: %w", dberror.ErrCorruptPage, err)
	}
	return fromStruct(&s), nil
}

// ParseJSON reads a document from a JSON object.
func ParseJSON(text []byte) (Document, error) {
	var s structpb.Struct
	if err := protojson.Unmarshal(text, &s); err != nil {
		return nil, fmt.Errorf("%w: %w", dberror.ErrInvalidArgument, err)
	}
	return fromStruct(&s), nil
}

// FormatJSON renders a normalized document as compact JSON.
func FormatJSON(d Document) (string, error) {
	s, err := structpb.NewStruct(d)
	if err != nil {
		return "", fmt.Errorf("%w: %w", dberror.ErrInvalidArgument, err)
	}
	b, err := protojson.MarshalOptions{}.Marshal(s)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func fromStruct(s *structpb.Struct) Document {
	out := make(Document, len(s.GetFields()))
	for k, v := range s.GetFields() {
		out[k] = fromValue(v)
	}
	return out
}

func fromValue(v *structpb.Value) any {
	switch k := v.GetKind().(type) {
	case *structpb.Value_NullValue:
		return nil
	case *structpb.Value_BoolValue:
		return k.BoolValue
	case *structpb.Value_StringValue:
		return k.StringValue
	case *structpb.Value_NumberValue:
		return normalizeNumber(k.NumberValue)
	case *structpb.Value_StructValue:
		m := make(map[string]any, len(k.StructValue.GetFields()))
		for name, fv := range k.StructValue.GetFields() {
			m[name] = fromValue(fv)
		}
		return m
	case *structpb.Value_ListValue:
		vals := k.ListValue.GetValues()
		out := make([]any, len(vals))
		for i, lv := range vals {
			out[i] = fromValue(lv)
		}
		return out
	default:
		return nil
	}
}

func normalizeNumber(f float64) any {
	if f == math.Trunc(f) && math.Abs(f) <= MaxSafeInteger {
		return int64(f)
	}
	return f
}
