// internal/live/resource.go
package live

import (
	"fmt"
	"strings"

	"github.com/markb/livefeed/internal/filter"
)

// DefaultSchema is used when a resource does not name one.
const DefaultSchema = "public"

// Spec is a parsed resource: what a channel should watch.
type Spec struct {
	Schema string
	Table  string
	Filter string // PostgREST-style, empty for every row
}

// String returns the canonical "schema.table[:filter]" form.
func (s Spec) String() string {
	out := s.Schema + "." + s.Table
	if s.Filter != "" {
		out += ":" + s.Filter
	}
	return out
}

// ParseResource parses "[schema.]table[:filter]", e.g. "tasks",
// "public.tasks" or "tasks:assignee_id=eq.42".
func ParseResource(resource string) (Spec, error) {
	name, expr, hasFilter := strings.Cut(resource, ":")

	spec := Spec{Schema: DefaultSchema}
	if schema, table, ok := strings.Cut(name, "."); ok {
		spec.Schema, spec.Table = schema, table
	} else {
		spec.Table = name
	}

	if !validIdent(spec.Schema) || !validIdent(spec.Table) {
		return Spec{}, fmt.Errorf("%w: %q", ErrInvalidResource, resource)
	}

	if hasFilter {
		f, err := filter.Parse(expr)
		if err != nil {
			return Spec{}, fmt.Errorf("%w: %q: %v", ErrInvalidResource, resource, err)
		}
		spec.Filter = f.String()
	}

	return spec, nil
}

func validIdent(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
		default:
			return false
		}
	}
	return true
}
