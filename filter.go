package quarry

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"
)

type Operation string

const (
	OperationEqual          Operation = "EQUAL"
	OperationNotEqual       Operation = "NOT_EQUAL"
	OperationGreaterThan    Operation = "GREATER_THAN"
	OperationGreaterOrEqual Operation = "GREATER_OR_EQUAL"
	OperationLessThan       Operation = "LESS_THAN"
	OperationLessOrEqual    Operation = "LESS_OR_EQUAL"
	OperationLike           Operation = "LIKE"
	OperationILike          Operation = "ILIKE"
	OperationIn             Operation = "IN"
	OperationNotIn          Operation = "NOT_IN"
	OperationIsNull         Operation = "IS_NULL"
	OperationIsNotNull      Operation = "IS_NOT_NULL"
	OperationIsEmpty        Operation = "IS_EMPTY"
	OperationIsNotEmpty     Operation = "IS_NOT_EMPTY"
	OperationAnd            Operation = "AND"
	OperationOr             Operation = "OR"
	OperationNot            Operation = "NOT"
	OperationSome           Operation = "SOME"
	OperationAll            Operation = "ALL"
	OperationNone           Operation = "NONE"
	OperationCustom         Operation = "CUSTOM"
)

// Wildcard is the any-run marker in LIKE and ILIKE patterns.
const Wildcard = "*"

// IsJunction reports AND, OR and NOT.
func (o Operation) IsJunction() bool {
	return o == OperationAnd || o == OperationOr || o == OperationNot
}

// IsQuantifier reports SOME, ALL and NONE.
func (o Operation) IsQuantifier() bool {
	return o == OperationSome || o == OperationAll || o == OperationNone
}

func (o Operation) takesValue() bool {
	switch o {
	case OperationEqual, OperationNotEqual, OperationGreaterThan, OperationGreaterOrEqual,
		OperationLessThan, OperationLessOrEqual, OperationLike, OperationILike:
		return true
	}
	return false
}

func (o Operation) takesValues() bool {
	return o == OperationIn || o == OperationNotIn
}

func (o Operation) takesNothing() bool {
	switch o {
	case OperationIsNull, OperationIsNotNull, OperationIsEmpty, OperationIsNotEmpty:
		return true
	}
	return false
}

// Filter is one node of a predicate tree. Leaves test Property against Value
// or Values; junctions and quantifiers carry children in Filters; CUSTOM
// carries a raw Expression whose `?` placeholders bind Values in order.
//
// Inside a quantifier over a collection of plain values an empty Property
// refers to the element itself.
type Filter struct {
	Op         Operation `json:"op" yaml:"op" msgpack:"op"`
	Property   string    `json:"property,omitempty" yaml:"property,omitempty" msgpack:"property,omitempty"`
	Value      any       `json:"value,omitempty" yaml:"value,omitempty" msgpack:"value,omitempty"`
	Values     []any     `json:"values,omitempty" yaml:"values,omitempty" msgpack:"values,omitempty"`
	Filters    []Filter  `json:"filters,omitempty" yaml:"filters,omitempty" msgpack:"filters,omitempty"`
	Expression string    `json:"expression,omitempty" yaml:"expression,omitempty" msgpack:"expression,omitempty"`
}

func leaf(op Operation, property string, value any) Filter {
	return Filter{Op: op, Property: property, Value: value}
}

func Equal(property string, value any) Filter    { return leaf(OperationEqual, property, value) }
func NotEqual(property string, value any) Filter { return leaf(OperationNotEqual, property, value) }
func GreaterThan(property string, value any) Filter {
	return leaf(OperationGreaterThan, property, value)
}
func GreaterOrEqual(property string, value any) Filter {
	return leaf(OperationGreaterOrEqual, property, value)
}
func LessThan(property string, value any) Filter { return leaf(OperationLessThan, property, value) }
func LessOrEqual(property string, value any) Filter {
	return leaf(OperationLessOrEqual, property, value)
}

// Like matches pattern with Wildcard as the any-run marker.
func Like(property string, pattern string) Filter  { return leaf(OperationLike, property, pattern) }
func ILike(property string, pattern string) Filter { return leaf(OperationILike, property, pattern) }

// In accepts values variadically or as a single slice.
func In(property string, values ...any) Filter {
	return Filter{Op: OperationIn, Property: property, Values: flattenValues(values)}
}

func NotIn(property string, values ...any) Filter {
	return Filter{Op: OperationNotIn, Property: property, Values: flattenValues(values)}
}

func IsNull(property string) Filter     { return Filter{Op: OperationIsNull, Property: property} }
func IsNotNull(property string) Filter  { return Filter{Op: OperationIsNotNull, Property: property} }
func IsEmpty(property string) Filter    { return Filter{Op: OperationIsEmpty, Property: property} }
func IsNotEmpty(property string) Filter { return Filter{Op: OperationIsNotEmpty, Property: property} }

func And(filters ...Filter) Filter { return Filter{Op: OperationAnd, Filters: filters} }
func Or(filters ...Filter) Filter  { return Filter{Op: OperationOr, Filters: filters} }
func Not(filter Filter) Filter     { return Filter{Op: OperationNot, Filters: []Filter{filter}} }

// Some matches when at least one element of the collection satisfies filter.
func Some(property string, filter Filter) Filter {
	return Filter{Op: OperationSome, Property: property, Filters: []Filter{filter}}
}

// All matches when every element satisfies filter, including an empty collection.
func All(property string, filter Filter) Filter {
	return Filter{Op: OperationAll, Property: property, Filters: []Filter{filter}}
}

// None matches when no element satisfies filter.
func None(property string, filter Filter) Filter {
	return Filter{Op: OperationNone, Property: property, Filters: []Filter{filter}}
}

// Custom embeds a raw backend expression. Paths inside expression are not
// resolved or checked; the caller owns its safety.
func Custom(expression string, values ...any) Filter {
	return Filter{Op: OperationCustom, Expression: expression, Values: values}
}

// Empty is the filter that constrains nothing.
func Empty() Filter { return Filter{Op: OperationAnd} }

// IsEmpty reports whether f constrains nothing: the zero Filter, or a
// junction whose children are all empty.
func (f Filter) IsEmpty() bool {
	switch f.Op {
	case "":
		return true
	case OperationAnd, OperationOr, OperationNot:
		for _, c := range f.Filters {
			if !c.IsEmpty() {
				return false
			}
		}
		return true
	}
	return false
}

// Validate checks operator arity. Type checks need metadata and happen at
// compile time.
func (f Filter) Validate() error {
	switch {
	case f.Op == "":
		return &InvalidFilterError{Op: f.Op, Reason: "missing operator"}
	case f.Op.takesValue():
		if f.Values != nil {
			return &InvalidFilterError{Op: f.Op, Reason: "takes a single value"}
		}
	case f.Op.takesValues():
		if f.Value != nil {
			return &InvalidFilterError{Op: f.Op, Reason: "takes a value set"}
		}
	case f.Op.takesNothing():
		if f.Value != nil || len(f.Values) > 0 {
			return &InvalidFilterError{Op: f.Op, Reason: "takes no value"}
		}
	case f.Op == OperationAnd || f.Op == OperationOr:
		if f.Property != "" {
			return &InvalidFilterError{Op: f.Op, Reason: "carries no property"}
		}
	case f.Op == OperationNot:
		if len(f.Filters) != 1 {
			return &InvalidFilterError{Op: f.Op, Reason: fmt.Sprintf("needs exactly one child, has %d", len(f.Filters))}
		}
	case f.Op.IsQuantifier():
		if f.Property == "" {
			return &InvalidFilterError{Op: f.Op, Reason: "needs a collection property"}
		}
		if len(f.Filters) != 1 {
			return &InvalidFilterError{Op: f.Op, Reason: fmt.Sprintf("needs exactly one nested filter, has %d", len(f.Filters))}
		}
	case f.Op == OperationCustom:
		if strings.TrimSpace(f.Expression) == "" {
			return &InvalidFilterError{Op: f.Op, Reason: "empty expression"}
		}
		return nil
	default:
		return &InvalidFilterError{Op: f.Op, Reason: "unknown operator"}
	}
	for _, c := range f.Filters {
		if err := c.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Clone returns a deep copy of the tree. Values are copied shallowly.
func (f Filter) Clone() Filter {
	out := f
	if f.Values != nil {
		out.Values = append([]any(nil), f.Values...)
	}
	if f.Filters != nil {
		out.Filters = make([]Filter, len(f.Filters))
		for i, c := range f.Filters {
			out.Filters[i] = c.Clone()
		}
	}
	return out
}

// Properties lists every property path the tree references, quantifier
// children prefixed with their collection path. CUSTOM contributes nothing.
func (f Filter) Properties() []string {
	var out []string
	var visit func(Filter, string)
	visit = func(x Filter, prefix string) {
		switch {
		case x.Op == OperationCustom:
		case x.Op.IsJunction():
			for _, c := range x.Filters {
				visit(c, prefix)
			}
		case x.Op.IsQuantifier():
			p := joinPath(prefix, x.Property)
			out = append(out, p)
			for _, c := range x.Filters {
				visit(c, p)
			}
		default:
			if x.Property != "" {
				out = append(out, joinPath(prefix, x.Property))
			}
		}
	}
	visit(f, "")
	return out
}

var symbols = map[Operation]string{
	OperationEqual:          "=",
	OperationNotEqual:       "!=",
	OperationGreaterThan:    ">",
	OperationGreaterOrEqual: ">=",
	OperationLessThan:       "<",
	OperationLessOrEqual:    "<=",
	OperationLike:           "like",
	OperationILike:          "ilike",
	OperationIn:             "in",
	OperationNotIn:          "not in",
	OperationIsNull:         "is null",
	OperationIsNotNull:      "is not null",
	OperationIsEmpty:        "is empty",
	OperationIsNotEmpty:     "is not empty",
}

// String renders f in the filter language read by ParseFilter.
func (f Filter) String() string {
	switch {
	case f.Op == "":
		return ""
	case f.Op == OperationAnd || f.Op == OperationOr:
		parts := make([]string, 0, len(f.Filters))
		for _, c := range f.Filters {
			if c.IsEmpty() {
				continue
			}
			parts = append(parts, c.String())
		}
		if len(parts) == 0 {
			return ""
		}
		if len(parts) == 1 {
			return parts[0]
		}
		return "(" + strings.Join(parts, " "+strings.ToLower(string(f.Op))+" ") + ")"
	case f.Op == OperationNot:
		if len(f.Filters) == 0 {
			return ""
		}
		return "not (" + f.Filters[0].String() + ")"
	case f.Op.IsQuantifier():
		inner := ""
		if len(f.Filters) > 0 {
			inner = f.Filters[0].String()
		}
		return fmt.Sprintf("%s %s (%s)", strings.ToLower(string(f.Op)), f.Property, inner)
	case f.Op == OperationCustom:
		vals := make([]string, len(f.Values))
		for i, v := range f.Values {
			vals[i] = literal(v)
		}
		return fmt.Sprintf("custom(%s, [%s])", strconv.Quote(f.Expression), strings.Join(vals, ", "))
	case f.Op.takesValues():
		vals := make([]string, len(f.Values))
		for i, v := range f.Values {
			vals[i] = literal(v)
		}
		return fmt.Sprintf("%s %s [%s]", subject(f.Property), symbols[f.Op], strings.Join(vals, ", "))
	case f.Op.takesNothing():
		return fmt.Sprintf("%s %s", subject(f.Property), symbols[f.Op])
	default:
		return fmt.Sprintf("%s %s %s", subject(f.Property), symbols[f.Op], literal(f.Value))
	}
}

func subject(property string) string {
	if property == "" {
		return "_"
	}
	return property
}

func literal(v any) string {
	switch x := v.(type) {
	case nil:
		return "null"
	case string:
		return strconv.Quote(x)
	case bool:
		return strconv.FormatBool(x)
	case time.Time:
		return strconv.Quote(x.Format(time.RFC3339Nano))
	case fmt.Stringer:
		return strconv.Quote(x.String())
	default:
		return fmt.Sprintf("%v", x)
	}
}

// flattenValues expands a lone slice argument: In("id", []int{1, 2}).
func flattenValues(values []any) []any {
	if len(values) != 1 {
		return values
	}
	rv := reflect.ValueOf(values[0])
	if !rv.IsValid() || (rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array) {
		return values
	}
	if rv.Type().Elem().Kind() == reflect.Uint8 {
		return values
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out
}
