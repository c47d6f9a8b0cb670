// Package document is the value model of gojolite: schema-less documents,
// the total order of index keys, the key and document codecs and the field
// path expressions used by indexes.
package document

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/sushant-115/gojolite/core/dberror"
)

// IDField is the primary key field of every document.
const IDField = "_id"

// MaxSafeInteger is the largest integer magnitude a document can carry
// without loss through the number encoding.
const MaxSafeInteger = 1 << 53

// Document is a schema-less record. Values are nil, bool, int64, float64,
// string, []any or map[string]any after Normalize.
type Document map[string]any

// ID returns the _id value and whether it is present.
func (d Document) ID() (any, bool) {
	v, ok := d[IDField]
	return v, ok
}

// Clone returns a deep copy.
func (d Document) Clone() Document {
	if d == nil {
		return nil
	}
	return Document(cloneMap(d))
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case Document:
		return cloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i := range t {
			out[i] = cloneValue(t[i])
		}
		return out
	default:
		return v
	}
}

// Fields returns the top level field names, sorted.
func (d Document) Fields() []string {
	keys := make([]string, 0, len(d))
	for k := range d {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Normalizer converts caller values into the canonical value kinds.
// Times become RFC 3339 strings, in UTC when UTC is set.
type Normalizer struct {
	UTC bool
}

// Document normalizes every field of d into a new document.
func (n Normalizer) Document(d Document) (Document, error) {
	out := make(Document, len(d))
	for k, v := range d {
		nv, err := n.Value(v)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", k, err)
		}
		out[k] = nv
	}
	return out, nil
}

// Value normalizes a single value.
func (n Normalizer) Value(v any) (any, error) {
	switch t := v.(type) {
	case nil, bool, string:
		return t, nil
	case int64:
		return checkSafe(t)
	case int:
		return checkSafe(int64(t))
	case int8:
		return int64(t), nil
	case int16:
		return int64(t), nil
	case int32:
		return int64(t), nil
	case uint8:
		return int64(t), nil
	case uint16:
		return int64(t), nil
	case uint32:
		return int64(t), nil
	case uint:
		if uint64(t) > MaxSafeInteger {
			return nil, unsafeInteger(t)
		}
		return int64(t), nil
	case uint64:
		if t > MaxSafeInteger {
			return nil, unsafeInteger(t)
		}
		return int64(t), nil
	case float32:
		return float64(t), nil
	case float64:
		return t, nil
	case time.Time:
		if n.UTC {
			t = t.UTC()
		} else {
			t = t.Local()
		}
		return t.Format(time.RFC3339Nano), nil
	case Document:
		return n.mapValue(t)
	case map[string]any:
		return n.mapValue(t)
	case []any:
		out := make([]any, len(t))
		for i := range t {
			nv, err := n.Value(t[i])
			if err != nil {
				return nil, err
			}
			out[i] = nv
		}
		return out, nil
	case []string:
		out := make([]any, len(t))
		for i := range t {
			out[i] = t[i]
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: unsupported value type %T", dberror.ErrInvalidArgument, v)
	}
}

func (n Normalizer) mapValue(m map[string]any) (any, error) {
	d, err := n.Document(Document(m))
	if err != nil {
		return nil, err
	}
	return map[string]any(d), nil
}

func checkSafe(v int64) (any, error) {
	if v > MaxSafeInteger || v < -MaxSafeInteger {
		return nil, unsafeInteger(v)
	}
	return v, nil
}

func unsafeInteger(v any) error {
	return fmt.Errorf("%w: integer %v exceeds ±2^53", dberror.ErrInvalidArgument, v)
}

// Kind orders the scalar key kinds.
type Kind uint8

const (
	KindMin Kind = iota
	KindNull
	KindNumber
	KindString
	KindBool
	KindMax
)

func (k Kind) String() string {
	switch k {
	case KindMin:
		return "MinValue"
	case KindNull:
		return "Null"
	case KindNumber:
		return "Number"
	case KindString:
		return "String"
	case KindBool:
		return "Bool"
	case KindMax:
		return "MaxValue"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

type minValue struct{}
type maxValue struct{}

func (minValue) String() string { return "MinValue" }
func (maxValue) String() string { return "MaxValue" }

// MinValue sorts before every key, MaxValue after every key. They are only
// valid as range bounds.
var (
	MinValue any = minValue{}
	MaxValue any = maxValue{}
)

// KindOf returns the key kind of v, or an error when v cannot be a key.
func KindOf(v any) (Kind, error) {
	switch v.(type) {
	case minValue:
		return KindMin, nil
	case nil:
		return KindNull, nil
	case int64, float64:
		return KindNumber, nil
	case string:
		return KindString, nil
	case bool:
		return KindBool, nil
	case maxValue:
		return KindMax, nil
	default:
		return 0, fmt.Errorf("%w: %T cannot be an index key", dberror.ErrInvalidArgument, v)
	}
}

// IsScalar reports whether v can be used as an index key.
func IsScalar(v any) bool {
	k, err := KindOf(v)
	return err == nil && k != KindMin && k != KindMax
}

// Compare orders two keys: MinValue < Null < Number < String < Bool <
// MaxValue. Numbers compare by value across int64 and float64; NaN sorts
// below every other number. Values of unsupported types compare as Null.
func Compare(a, b any) int {
	ka, err := KindOf(a)
	if err != nil {
		ka = KindNull
	}
	kb, err := KindOf(b)
	if err != nil {
		kb = KindNull
	}
	if ka != kb {
		return cmpOrdered(ka, kb)
	}
	switch ka {
	case KindNumber:
		return compareNumbers(a, b)
	case KindString:
		return strings.Compare(a.(string), b.(string))
	case KindBool:
		ab, bb := a.(bool), b.(bool)
		switch {
		case ab == bb:
			return 0
		case !ab:
			return -1
		default:
			return 1
		}
	default:
		return 0
	}
}

func compareNumbers(a, b any) int {
	ai, aInt := a.(int64)
	bi, bInt := b.(int64)
	if aInt && bInt {
		return cmpOrdered(ai, bi)
	}
	af, bf := toFloat(a), toFloat(b)
	aNaN, bNaN := math.IsNaN(af), math.IsNaN(bf)
	switch {
	case aNaN && bNaN:
		return 0
	case aNaN:
		return -1
	case bNaN:
		return 1
	}
	if c := cmpOrdered(af, bf); c != 0 {
		return c
	}
	// Equal as floats; an int64 beyond 2^53 may still differ.
	if aInt {
		return cmpOrdered(ai, int64(bf))
	}
	if bInt {
		return cmpOrdered(int64(af), bi)
	}
	return 0
}

func toFloat(v any) float64 {
	switch t := v.(type) {
	case int64:
		return float64(t)
	case float64:
		return t
	}
	return 0
}

func cmpOrdered[T int64 | float64 | Kind](a, b T) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}
