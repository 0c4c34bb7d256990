package quarry

import (
	"fmt"
	"strings"
)

// Shape is the row layout a plan's results are delivered in.
type Shape int

const (
	// ShapeEntity delivers the materialized entity.
	ShapeEntity Shape = iota
	// ShapeEntityList delivers []any{entity}.
	ShapeEntityList
	// ShapeValue delivers the single projected value.
	ShapeValue
	// ShapeMap delivers map[string]any keyed by field output keys.
	ShapeMap
	// ShapeList delivers []any in field order.
	ShapeList
	// ShapeFirst delivers the first projected value.
	ShapeFirst
)

func (s Shape) String() string {
	return [...]string{"entity", "entity-list", "value", "map", "list", "first"}[s]
}

// Plan is a compiled search. It carries everything an Executor needs and is
// not modified after Compile returns.
type Plan struct {
	Type     string
	Root     *Scope
	Where    *Predicate
	Sorts    []SortRef
	Fields   []Projection
	Fetches  []FetchRef
	Distinct bool
	Offset   int
	Limit    int
	Mode     ResultMode
	Shape    Shape
}

// Scope is a traversal root: the searched entity, or the element of a
// collection inside a quantifier.
type Scope struct {
	Alias  string
	Meta   Metadata
	Parent *Scope
	// Via is the collection property, resolved in Parent, that this scope ranges over.
	Via   *ColumnRef
	Joins []*Join

	joins map[string]*Join
}

// Join is one traversal of a relation, shared by every path with the same prefix.
type Join struct {
	Path   string
	Alias  string
	Parent *Join
	// Owner holds Property, which may cross embeddables.
	Owner      Metadata
	Property   string
	Target     Metadata
	Collection bool
}

// OwnerAlias is the alias of the table the join starts from.
func (j *Join) OwnerAlias(s *Scope) string {
	if j.Parent != nil {
		return j.Parent.Alias
	}
	return s.Alias
}

// ColumnRef is a resolved property path.
type ColumnRef struct {
	Path  string
	Scope *Scope
	Join  *Join
	// Owner is the entity, or scope element, whose storage holds Property.
	// Property is empty when the reference is the scope element itself.
	Owner    Metadata
	Property string
	Meta     Metadata
}

// Alias of the table or scope the column lives in.
func (c *ColumnRef) Alias() string {
	if c.Join != nil {
		return c.Join.Alias
	}
	return c.Scope.Alias
}

// DocumentPath renders the dotted key path of c inside a stored document,
// relative to its scope, using the given struct tag.
func (c *ColumnRef) DocumentPath(tag string) string {
	var parts []string
	if c.Join != nil {
		parts = append(parts, joinDocumentPath(c.Join, tag))
	}
	if c.Property != "" {
		parts = append(parts, documentKeys(c.Owner, c.Property, tag))
	}
	return strings.Join(parts, ".")
}

// AbsoluteDocumentPath prefixes DocumentPath with the paths of enclosing scopes.
func (c *ColumnRef) AbsoluteDocumentPath(tag string) string {
	return joinPath(c.Scope.DocumentPath(tag), c.DocumentPath(tag))
}

// DocumentPath is the absolute document path of the collection the scope
// ranges over; empty for the root.
func (s *Scope) DocumentPath(tag string) string {
	if s.Via == nil {
		return ""
	}
	return s.Via.AbsoluteDocumentPath(tag)
}

func joinDocumentPath(j *Join, tag string) string {
	own := documentKeys(j.Owner, j.Property, tag)
	if j.Parent == nil {
		return own
	}
	return joinDocumentPath(j.Parent, tag) + "." + own
}

func documentKeys(owner Metadata, property, tag string) string {
	segs := strings.Split(property, ".")
	out := make([]string, 0, len(segs))
	cur := owner
	for _, seg := range segs {
		key := seg
		if dm, ok := cur.Element().(DocumentMapping); ok {
			if k, ok := dm.DocumentKey(seg, tag); ok {
				key = k
			}
		}
		out = append(out, key)
		next, err := cur.PropertyType(seg)
		if err != nil {
			break
		}
		cur = next.Element()
	}
	return strings.Join(out, ".")
}

// Predicate is a bound filter node.
type Predicate struct {
	Op Operation
	// Column is the tested property for leaves and the collection for quantifiers.
	Column *ColumnRef
	Value  any
	Values []any
	// Children holds junction operands, or the one element predicate of a
	// quantifier (none when the element test is unconstrained).
	Children   []*Predicate
	Scope      *Scope
	Expression string
}

// SortRef is a resolved sort.
type SortRef struct {
	Column     *ColumnRef
	Desc       bool
	IgnoreCase bool
}

// Projection is a resolved field. Column is nil for COUNT(*).
type Projection struct {
	Column    *ColumnRef
	Aggregate Aggregate
	Key       string
}

// FetchRef is an eager-fetch path broken into relation hops.
type FetchRef struct {
	Path string
	Hops []FetchHop
}

// FetchHop loads Property of Owner. Path is the hop's prefix from the root.
type FetchHop struct {
	Path       string
	Owner      Metadata
	Property   string
	Target     Metadata
	Collection bool
}

// HasAggregates reports whether any field aggregates.
func (p *Plan) HasAggregates() bool {
	for _, f := range p.Fields {
		if f.Aggregate != AggregateNone {
			return true
		}
	}
	return false
}

// GroupBy lists the non-aggregated fields when the plan aggregates.
func (p *Plan) GroupBy() []*ColumnRef {
	if !p.HasAggregates() {
		return nil
	}
	var out []*ColumnRef
	for _, f := range p.Fields {
		if f.Aggregate == AggregateNone {
			out = append(out, f.Column)
		}
	}
	return out
}

// Keys lists field output keys in order.
func (p *Plan) Keys() []string {
	out := make([]string, len(p.Fields))
	for i, f := range p.Fields {
		out[i] = f.Key
	}
	return out
}

// Joins returns every join of the root scope, in creation order.
func (p *Plan) Joins() []*Join {
	return p.Root.Joins
}

// Reshape turns executor rows into result values according to the plan shape.
func (p *Plan) Reshape(rows [][]any) ([]any, error) {
	out := make([]any, 0, len(rows))
	for i, row := range rows {
		if len(row) == 0 {
			return nil, fmt.Errorf("quarry: row %d is empty", i)
		}
		switch p.Shape {
		case ShapeEntity, ShapeValue, ShapeFirst:
			out = append(out, row[0])
		case ShapeEntityList:
			out = append(out, []any{row[0]})
		case ShapeMap:
			if len(row) < len(p.Fields) {
				return nil, fmt.Errorf("quarry: row %d has %d values for %d fields", i, len(row), len(p.Fields))
			}
			m := make(map[string]any, len(p.Fields))
			for j, f := range p.Fields {
				m[f.Key] = row[j]
			}
			out = append(out, m)
		case ShapeList:
			out = append(out, append([]any(nil), row...))
		}
	}
	return out, nil
}

// String renders the plan for logs and the explain command.
func (p *Plan) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s AS %s", p.Type, p.Root.Alias)
	writeJoins(&b, p.Root)
	if p.Where != nil {
		b.WriteString(" WHERE ")
		b.WriteString(p.Where.String())
	}
	if len(p.Fields) > 0 {
		keys := make([]string, len(p.Fields))
		for i, f := range p.Fields {
			keys[i] = f.Key
		}
		fmt.Fprintf(&b, " FIELDS [%s]", strings.Join(keys, ", "))
	}
	if len(p.Sorts) > 0 {
		parts := make([]string, len(p.Sorts))
		for i, s := range p.Sorts {
			dir := "ASC"
			if s.Desc {
				dir = "DESC"
			}
			parts[i] = s.Column.Alias() + "." + s.Column.Path + " " + dir
		}
		fmt.Fprintf(&b, " ORDER BY %s", strings.Join(parts, ", "))
	}
	if p.Distinct {
		b.WriteString(" DISTINCT")
	}
	fmt.Fprintf(&b, " OFFSET %d LIMIT %d SHAPE %s", p.Offset, p.Limit, p.Shape)
	return b.String()
}

func writeJoins(b *strings.Builder, s *Scope) {
	for _, j := range s.Joins {
		fmt.Fprintf(b, " JOIN %s.%s AS %s", j.OwnerAlias(s), j.Property, j.Alias)
	}
}

func (p *Predicate) String() string {
	switch {
	case p.Op == OperationAnd || p.Op == OperationOr:
		parts := make([]string, len(p.Children))
		for i, c := range p.Children {
			parts[i] = c.String()
		}
		return "(" + strings.Join(parts, " "+string(p.Op)+" ") + ")"
	case p.Op == OperationNot:
		return "NOT " + p.Children[0].String()
	case p.Op.IsQuantifier():
		var b strings.Builder
		fmt.Fprintf(&b, "%s(%s.%s AS %s", p.Op, p.Column.Alias(), p.Column.Path, p.Scope.Alias)
		writeJoins(&b, p.Scope)
		if len(p.Children) > 0 {
			b.WriteString(": ")
			b.WriteString(p.Children[0].String())
		}
		b.WriteString(")")
		return b.String()
	case p.Op == OperationCustom:
		return fmt.Sprintf("CUSTOM(%q, %v)", p.Expression, p.Values)
	case p.Op.takesValues():
		return fmt.Sprintf("%s.%s %s %v", p.Column.Alias(), p.Column.Path, p.Op, p.Values)
	case p.Op.takesNothing():
		return fmt.Sprintf("%s.%s %s", p.Column.Alias(), p.Column.Path, p.Op)
	default:
		return fmt.Sprintf("%s.%s %s %v", p.Column.Alias(), p.Column.Path, p.Op, p.Value)
	}
}
