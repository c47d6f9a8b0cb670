package document

import (
	"fmt"
	"strings"

	"github.com/sushant-115/gojolite/core/dberror"
)

// Path is a compiled field path expression such as "$.address.city".
type Path struct {
	expr  string
	parts []string
}

// ParsePath compiles "$.a.b", "a.b" or "$" style expressions.
func ParsePath(expr string) (Path, error) {
	e := strings.TrimSpace(expr)
	switch {
	case e == "$":
		return Path{expr: "$"}, nil
	case strings.HasPrefix(e, "$."):
		e = e[2:]
	case strings.HasPrefix(e, "$"):
		return Path{}, fmt.Errorf("%w: path %q", dberror.ErrInvalidArgument, expr)
	}
	if e == "" {
		return Path{}, fmt.Errorf("%w: empty path", dberror.ErrInvalidArgument)
	}
	parts := strings.Split(e, ".")
	for _, p := range parts {
		if p == "" {
			return Path{}, fmt.Errorf("%w: path %q has an empty segment", dberror.ErrInvalidArgument, expr)
		}
	}
	return Path{expr: "$." + strings.Join(parts, "."), parts: parts}, nil
}

// MustParsePath is ParsePath for constant expressions.
func MustParsePath(expr string) Path {
	p, err := ParsePath(expr)
	if err != nil {
		panic(err)
	}
	return p
}

// String returns the canonical "$." form.
func (p Path) String() string { return p.expr }

// IsID reports whether the path selects the _id field.
func (p Path) IsID() bool { return len(p.parts) == 1 && p.parts[0] == IDField }

// Eval returns the value at the path. A missing field yields nil.
func (p Path) Eval(d Document) any {
	if len(p.parts) == 0 {
		return map[string]any(d)
	}
	var cur any = map[string]any(d)
	for _, part := range p.parts {
		m, ok := cur.(map[string]any)
		if !ok {
			if doc, isDoc := cur.(Document); isDoc {
				m = doc
			} else {
				return nil
			}
		}
		cur, ok = m[part]
		if !ok {
			return nil
		}
	}
	return cur
}

// Key evaluates the path and checks the result can be an index key.
func (p Path) Key(d Document) (any, error) {
	v := p.Eval(d)
	if !IsScalar(v) {
		return nil, fmt.Errorf("%w: %s evaluates to %T, which cannot be an index key", dberror.ErrInvalidArgument, p.expr, v)
	}
	return v, nil
}
