package quarry

import (
	"fmt"
	"reflect"
	"strings"
)

// ResultMode controls the shape of each result row.
type ResultMode int

const (
	ResultAuto ResultMode = iota
	ResultEntity
	ResultMap
	ResultArray
	ResultSingle
)

func (m ResultMode) Valid() bool { return m >= ResultAuto && m <= ResultSingle }

func (m ResultMode) String() string {
	switch m {
	case ResultAuto:
		return "auto"
	case ResultEntity:
		return "entity"
	case ResultMap:
		return "map"
	case ResultArray:
		return "array"
	case ResultSingle:
		return "single"
	}
	return fmt.Sprintf("ResultMode(%d)", int(m))
}

// ParseResultMode accepts the lower-case names and the legacy integers 0-4.
func ParseResultMode(s string) (ResultMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "auto", "0":
		return ResultAuto, nil
	case "entity", "1":
		return ResultEntity, nil
	case "map", "2":
		return ResultMap, nil
	case "array", "3":
		return ResultArray, nil
	case "single", "4":
		return ResultSingle, nil
	}
	return 0, &ConfigurationError{Setting: "result mode", Value: s, Reason: "expected auto, entity, map, array or single"}
}

// Sort orders results by one property.
type Sort struct {
	Property   string `json:"property" yaml:"property" msgpack:"property"`
	Desc       bool   `json:"desc,omitempty" yaml:"desc,omitempty" msgpack:"desc,omitempty"`
	IgnoreCase bool   `json:"ignoreCase,omitempty" yaml:"ignoreCase,omitempty" msgpack:"ignoreCase,omitempty"`
}

func Asc(property string) Sort  { return Sort{Property: property} }
func Desc(property string) Sort { return Sort{Property: property, Desc: true} }

type Aggregate string

const (
	AggregateNone          Aggregate = ""
	AggregateCount         Aggregate = "count"
	AggregateCountDistinct Aggregate = "countDistinct"
	AggregateMax           Aggregate = "max"
	AggregateMin           Aggregate = "min"
	AggregateSum           Aggregate = "sum"
	AggregateAvg           Aggregate = "avg"
)

func (a Aggregate) valid() bool {
	switch a {
	case AggregateNone, AggregateCount, AggregateCountDistinct, AggregateMax, AggregateMin, AggregateSum, AggregateAvg:
		return true
	}
	return false
}

// Field is one projected column. An empty Property under AggregateCount
// counts rows.
type Field struct {
	Property  string    `json:"property" yaml:"property" msgpack:"property"`
	Aggregate Aggregate `json:"aggregate,omitempty" yaml:"aggregate,omitempty" msgpack:"aggregate,omitempty"`
	Key       string    `json:"key,omitempty" yaml:"key,omitempty" msgpack:"key,omitempty"`
}

// OutputKey is Key, or the property path, or "agg(path)" for aggregates.
func (f Field) OutputKey() string {
	if f.Key != "" {
		return f.Key
	}
	if f.Aggregate == AggregateNone {
		return f.Property
	}
	p := f.Property
	if p == "" {
		p = "*"
	}
	return fmt.Sprintf("%s(%s)", f.Aggregate, p)
}

// Search is a frozen query description produced by Builder.Build. Its
// accessors return copies, so a Search can be shared freely.
type Search struct {
	typeName    string
	filters     []Filter
	disjunction bool
	sorts       []Sort
	fields      []Field
	fetches     []string
	distinct    bool
	firstResult int
	maxResults  int
	page        int
	resultMode  ResultMode
}

func (s Search) Type() string           { return s.typeName }
func (s Search) Disjunction() bool      { return s.disjunction }
func (s Search) Distinct() bool         { return s.distinct }
func (s Search) FirstResult() int       { return s.firstResult }
func (s Search) MaxResults() int        { return s.maxResults }
func (s Search) Page() int              { return s.page }
func (s Search) ResultMode() ResultMode { return s.resultMode }
func (s Search) Sorts() []Sort          { return append([]Sort(nil), s.sorts...) }
func (s Search) Fields() []Field        { return append([]Field(nil), s.fields...) }
func (s Search) Fetches() []string      { return append([]string(nil), s.fetches...) }

func (s Search) Filters() []Filter {
	out := make([]Filter, len(s.filters))
	for i, f := range s.filters {
		out[i] = f.Clone()
	}
	return out
}

// Filter returns the top-level filters combined into one AND, or OR when the
// search is a disjunction.
func (s Search) Filter() Filter {
	if s.disjunction {
		return Or(s.Filters()...)
	}
	return And(s.Filters()...)
}

// Offset is the effective number of rows skipped. A set page is
// authoritative: page*maxResults. Otherwise firstResult.
func (s Search) Offset() int {
	if s.page >= 0 {
		if s.maxResults > 0 {
			return s.page * s.maxResults
		}
		return 0
	}
	if s.firstResult > 0 {
		return s.firstResult
	}
	return 0
}

// Limit is maxResults, or 0 for no limit.
func (s Search) Limit() int {
	if s.maxResults > 0 {
		return s.maxResults
	}
	return 0
}

// Builder returns a builder seeded with a copy of s.
func (s Search) Builder() *Builder {
	b := &Builder{s: s.clone()}
	return b
}

func (s Search) clone() Search {
	out := s
	out.filters = s.Filters()
	out.sorts = s.Sorts()
	out.fields = s.Fields()
	out.fetches = s.Fetches()
	return out
}

func (s Search) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "search %s", s.typeName)
	if f := s.Filter(); !f.IsEmpty() {
		fmt.Fprintf(&b, " where %s", f)
	}
	if len(s.fields) > 0 {
		keys := make([]string, len(s.fields))
		for i, f := range s.fields {
			keys[i] = f.OutputKey()
		}
		fmt.Fprintf(&b, " fields [%s]", strings.Join(keys, ", "))
	}
	if len(s.sorts) > 0 {
		parts := make([]string, len(s.sorts))
		for i, so := range s.sorts {
			dir := "asc"
			if so.Desc {
				dir = "desc"
			}
			parts[i] = so.Property + ":" + dir
		}
		fmt.Fprintf(&b, " sort=%s", strings.Join(parts, ","))
	}
	if s.distinct {
		b.WriteString(" distinct")
	}
	if lim := s.Limit(); lim > 0 || s.Offset() > 0 {
		fmt.Fprintf(&b, " page=skip:%d,take:%d", s.Offset(), lim)
	}
	return b.String()
}

// Builder assembles a Search. It is not safe for concurrent use; call Build
// to obtain an immutable snapshot for the compiler.
type Builder struct {
	s Search
}

// NewSearch starts a search over the entity type registered as typeName.
func NewSearch(typeName string) *Builder {
	return &Builder{s: Search{typeName: typeName, firstResult: -1, maxResults: -1, page: -1}}
}

func (b *Builder) SetType(typeName string) *Builder {
	b.s.typeName = typeName
	return b
}

func (b *Builder) AddFilter(filters ...Filter) *Builder {
	for _, f := range filters {
		b.s.filters = append(b.s.filters, f.Clone())
	}
	return b
}

func (b *Builder) AddFilterEqual(property string, value any) *Builder {
	return b.AddFilter(Equal(property, value))
}

func (b *Builder) AddFilterIn(property string, values ...any) *Builder {
	return b.AddFilter(In(property, values...))
}

func (b *Builder) AddFilterLike(property, pattern string) *Builder {
	return b.AddFilter(Like(property, pattern))
}

func (b *Builder) SetFilters(filters ...Filter) *Builder {
	b.s.filters = nil
	return b.AddFilter(filters...)
}

// RemoveFilter drops every top-level filter equal to f.
func (b *Builder) RemoveFilter(f Filter) *Builder {
	kept := b.s.filters[:0]
	for _, x := range b.s.filters {
		if !reflect.DeepEqual(x, f) {
			kept = append(kept, x)
		}
	}
	b.s.filters = kept
	return b
}

// RemoveFiltersOnProperty drops leaves testing property anywhere in the
// tree, pruning junctions left empty.
func (b *Builder) RemoveFiltersOnProperty(property string) *Builder {
	kept := b.s.filters[:0]
	for _, f := range b.s.filters {
		if g, ok := pruneProperty(f, property); ok {
			kept = append(kept, g)
		}
	}
	b.s.filters = kept
	return b
}

func pruneProperty(f Filter, property string) (Filter, bool) {
	switch {
	case f.Op == OperationCustom:
		return f, true
	case f.Op.IsJunction():
		out := f
		out.Filters = nil
		for _, c := range f.Filters {
			if g, ok := pruneProperty(c, property); ok {
				out.Filters = append(out.Filters, g)
			}
		}
		return out, len(out.Filters) > 0
	default:
		return f, f.Property != property
	}
}

func (b *Builder) ClearFilters() *Builder {
	b.s.filters = nil
	return b
}

func (b *Builder) SetDisjunction(disjunction bool) *Builder {
	b.s.disjunction = disjunction
	return b
}

func (b *Builder) AddSort(property string, desc bool) *Builder {
	b.s.sorts = append(b.s.sorts, Sort{Property: property, Desc: desc})
	return b
}

func (b *Builder) AddSortAsc(property string) *Builder  { return b.AddSort(property, false) }
func (b *Builder) AddSortDesc(property string) *Builder { return b.AddSort(property, true) }

func (b *Builder) AddSorts(sorts ...Sort) *Builder {
	b.s.sorts = append(b.s.sorts, sorts...)
	return b
}

func (b *Builder) RemoveSort(property string) *Builder {
	kept := b.s.sorts[:0]
	for _, so := range b.s.sorts {
		if so.Property != property {
			kept = append(kept, so)
		}
	}
	b.s.sorts = kept
	return b
}

func (b *Builder) ClearSorts() *Builder {
	b.s.sorts = nil
	return b
}

// AddField projects property under key; an empty key defaults to the path.
func (b *Builder) AddField(property string, key ...string) *Builder {
	f := Field{Property: property}
	if len(key) > 0 {
		f.Key = key[0]
	}
	b.s.fields = append(b.s.fields, f)
	return b
}

func (b *Builder) AddAggregate(aggregate Aggregate, property, key string) *Builder {
	b.s.fields = append(b.s.fields, Field{Property: property, Aggregate: aggregate, Key: key})
	return b
}

func (b *Builder) AddFields(fields ...Field) *Builder {
	b.s.fields = append(b.s.fields, fields...)
	return b
}

func (b *Builder) RemoveField(property string) *Builder {
	kept := b.s.fields[:0]
	for _, f := range b.s.fields {
		if f.Property != property {
			kept = append(kept, f)
		}
	}
	b.s.fields = kept
	return b
}

func (b *Builder) ClearFields() *Builder {
	b.s.fields = nil
	return b
}

func (b *Builder) AddFetch(paths ...string) *Builder {
	for _, p := range paths {
		if !contains(b.s.fetches, p) {
			b.s.fetches = append(b.s.fetches, p)
		}
	}
	return b
}

func (b *Builder) RemoveFetch(path string) *Builder {
	kept := b.s.fetches[:0]
	for _, p := range b.s.fetches {
		if p != path {
			kept = append(kept, p)
		}
	}
	b.s.fetches = kept
	return b
}

func (b *Builder) ClearFetches() *Builder {
	b.s.fetches = nil
	return b
}

func (b *Builder) SetDistinct(distinct bool) *Builder {
	b.s.distinct = distinct
	return b
}

// SetResultMode rejects modes outside auto..single immediately.
func (b *Builder) SetResultMode(mode ResultMode) error {
	if !mode.Valid() {
		return &ConfigurationError{Setting: "result mode", Value: int(mode), Reason: "must be between 0 and 4"}
	}
	b.s.resultMode = mode
	return nil
}

// SetPage sets the zero-based page; -1 clears it.
func (b *Builder) SetPage(page int) error {
	if page < -1 {
		return &ConfigurationError{Setting: "page", Value: page, Reason: "must be -1 (unset) or at least 0"}
	}
	b.s.page = page
	return nil
}

// SetMaxResults sets the page size; -1 or 0 clears it.
func (b *Builder) SetMaxResults(max int) error {
	if max < -1 {
		return &ConfigurationError{Setting: "max results", Value: max, Reason: "must be -1 (unset) or at least 0"}
	}
	b.s.maxResults = max
	return nil
}

// SetFirstResult sets a row offset used when no page is set; -1 clears it.
func (b *Builder) SetFirstResult(first int) error {
	if first < -1 {
		return &ConfigurationError{Setting: "first result", Value: first, Reason: "must be -1 (unset) or at least 0"}
	}
	b.s.firstResult = first
	return nil
}

// SetPaging assigns page and maxResults together.
func (b *Builder) SetPaging(page, maxResults int) error {
	if err := b.SetMaxResults(maxResults); err != nil {
		return err
	}
	return b.SetPage(page)
}

func (b *Builder) ClearPaging() *Builder {
	b.s.firstResult, b.s.maxResults, b.s.page = -1, -1, -1
	return b
}

// Clear resets everything except the type.
func (b *Builder) Clear() *Builder {
	*b = *NewSearch(b.s.typeName)
	return b
}

// Copy returns an independent builder with the same contents.
func (b *Builder) Copy() *Builder {
	return &Builder{s: b.s.clone()}
}

// Build freezes the current state. Later builder calls do not affect the
// returned Search.
func (b *Builder) Build() Search {
	return b.s.clone()
}

func contains(list []string, s string) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}
