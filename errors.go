package quarry

import (
	"fmt"
	"strings"
)

// PropertyNotFoundError is returned when a dotted path cannot be resolved
// against the metadata of its root type. Segment names the first segment
// that failed.
type PropertyNotFoundError struct {
	TypeName string
	Path     string
	Segment  string
}

func (e *PropertyNotFoundError) Error() string {
	if e.Path == "" || e.Path == e.Segment {
		return fmt.Sprintf("quarry: property %q not found on %s", e.Segment, e.TypeName)
	}
	return fmt.Sprintf("quarry: property %q not found on %s (path %q)", e.Segment, e.TypeName, e.Path)
}

// TypeMismatchError is returned at compile time when an operator is applied
// to a property whose type cannot support it.
type TypeMismatchError struct {
	Op       Operation
	Path     string
	Expected string
	Actual   string
}

func (e *TypeMismatchError) Error() string {
	return fmt.Sprintf("quarry: %s on %q requires a %s property, got %s", e.Op, e.Path, e.Expected, e.Actual)
}

// ConfigurationError reports an invalid search setting. It is raised on
// assignment, or at compile time for result-mode/field combinations that can
// never be satisfied.
type ConfigurationError struct {
	Setting string
	Value   any
	Reason  string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("quarry: invalid %s %v: %s", e.Setting, e.Value, e.Reason)
}

// CustomExpressionBindingError is returned when a CUSTOM filter binds a
// different number of values than its template has placeholders.
type CustomExpressionBindingError struct {
	Expression   string
	Placeholders int
	Values       int
}

func (e *CustomExpressionBindingError) Error() string {
	return fmt.Sprintf("quarry: custom expression %q has %d placeholders but %d values",
		e.Expression, e.Placeholders, e.Values)
}

// UnsupportedError is returned by a backend that cannot express part of a plan.
type UnsupportedError struct {
	Backend string
	Feature string
}

func (e *UnsupportedError) Error() string {
	return fmt.Sprintf("quarry: %s backend does not support %s", e.Backend, e.Feature)
}

// NonUniqueResultError is returned by SearchUnique when more than one row matches.
type NonUniqueResultError struct {
	TypeName string
	Count    int
}

func (e *NonUniqueResultError) Error() string {
	return fmt.Sprintf("quarry: expected at most one %s, found %d", e.TypeName, e.Count)
}

// NotRegisteredError is returned when metadata is requested for a type the
// provider does not know.
type NotRegisteredError struct {
	TypeName string
}

func (e *NotRegisteredError) Error() string {
	return fmt.Sprintf("quarry: type %q is not registered", e.TypeName)
}

// InvalidFilterError reports a structurally malformed filter (wrong arity,
// missing property, missing children).
type InvalidFilterError struct {
	Op     Operation
	Reason string
}

func (e *InvalidFilterError) Error() string {
	return fmt.Sprintf("quarry: invalid %s filter: %s", e.Op, e.Reason)
}

func joinPath(parts ...string) string {
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, ".")
}

func typeName(v any) string {
	if v == nil {
		return "nil"
	}
	return fmt.Sprintf("%T", v)
}
