package quarry

import (
	"context"
	"errors"
	"io"
	"log/slog"
)

// Executor runs compiled plans against a backend. Run returns one row per
// result: the materialized entity as the only value for entity plans, or
// the projected values in field order. Distinct is applied by the executor.
type Executor interface {
	Run(ctx context.Context, plan *Plan) ([][]any, error)
	RunCount(ctx context.Context, plan *Plan) (int64, error)
}

// Result pairs a page of results with the unpaged count.
type Result struct {
	Results []any `json:"results" yaml:"results"`
	Total   int64 `json:"total" yaml:"total"`
}

var ErrNoExecutor = errors.New("quarry: compiler has no executor")

// Compiler turns searches into plans and runs them. It holds only
// configuration and is safe for concurrent use.
type Compiler struct {
	provider MetadataProvider
	executor Executor
	logger   *slog.Logger
	maxCap   int
}

type CompilerOption func(*Compiler)

func WithExecutor(executor Executor) CompilerOption {
	return func(c *Compiler) { c.executor = executor }
}

func WithLogger(logger *slog.Logger) CompilerOption {
	return func(c *Compiler) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMaxResultsCap clamps every plan's limit to n, including searches that
// set none. A page number is then counted in pages of n rows, so page 2 of
// 25 under a cap of 10 reads rows 20-29. An explicit first result is kept.
func WithMaxResultsCap(n int) CompilerOption {
	return func(c *Compiler) { c.maxCap = n }
}

func NewCompiler(provider MetadataProvider, opts ...CompilerOption) *Compiler {
	c := &Compiler{
		provider: provider,
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Provider returns the metadata provider the compiler resolves against.
func (c *Compiler) Provider() MetadataProvider { return c.provider }

// Compile resolves every path of s and fixes the result shape. Errors are
// returned before any backend work happens; no partial plan is returned.
func (c *Compiler) Compile(s Search) (*Plan, error) {
	s = s.clone()

	meta, err := c.provider.Metadata(s.Type())
	if err != nil {
		return nil, err
	}
	if !meta.IsEntity() {
		return nil, &ConfigurationError{Setting: "search type", Value: s.Type(), Reason: "not an entity"}
	}
	if !s.ResultMode().Valid() {
		return nil, &ConfigurationError{Setting: "result mode", Value: int(s.ResultMode()), Reason: "must be between 0 and 4"}
	}
	shape, err := resolveShape(s.ResultMode(), len(s.fields))
	if err != nil {
		return nil, err
	}

	r := newResolver(s.Type())
	plan := &Plan{
		Type:     s.Type(),
		Root:     r.newScope(meta, nil, nil),
		Distinct: s.Distinct(),
		Offset:   s.Offset(),
		Limit:    s.Limit(),
		Mode:     s.ResultMode(),
		Shape:    shape,
	}
	if c.maxCap > 0 && (plan.Limit == 0 || plan.Limit > c.maxCap) {
		plan.Limit = c.maxCap
		if s.Page() >= 0 {
			plan.Offset = s.Page() * c.maxCap
		}
	}

	where := normalize(s.Filter())
	if !where.IsEmpty() {
		if err := where.Validate(); err != nil {
			return nil, err
		}
		if plan.Where, err = c.bind(r, plan.Root, where); err != nil {
			return nil, err
		}
	}

	for _, so := range s.sorts {
		col, err := r.resolve(plan.Root, so.Property)
		if err != nil {
			return nil, err
		}
		if !isScalar(col.Meta) {
			return nil, &TypeMismatchError{Op: "SORT", Path: so.Property, Expected: "scalar", Actual: describe(col.Meta)}
		}
		if so.IgnoreCase && !col.Meta.IsString() {
			so.IgnoreCase = false
		}
		plan.Sorts = append(plan.Sorts, SortRef{Column: col, Desc: so.Desc, IgnoreCase: so.IgnoreCase})
	}

	for _, f := range s.fields {
		p, err := c.project(r, plan.Root, f)
		if err != nil {
			return nil, err
		}
		plan.Fields = append(plan.Fields, p)
	}

	for _, path := range s.fetches {
		ref, err := r.resolveFetch(meta, path)
		if err != nil {
			return nil, err
		}
		plan.Fetches = append(plan.Fetches, ref)
	}

	c.logger.Debug("quarry: compiled plan",
		slog.String("type", plan.Type),
		slog.Int("joins", len(plan.Root.Joins)),
		slog.Int("sorts", len(plan.Sorts)),
		slog.Int("fields", len(plan.Fields)),
		slog.Int("offset", plan.Offset),
		slog.Int("limit", plan.Limit),
		slog.String("shape", plan.Shape.String()),
	)
	return plan, nil
}

func resolveShape(mode ResultMode, fields int) (Shape, error) {
	switch {
	case fields == 0:
		switch mode {
		case ResultMap:
			return 0, &ConfigurationError{Setting: "result mode", Value: mode.String(), Reason: "map results need fields"}
		case ResultArray:
			return ShapeEntityList, nil
		}
		return ShapeEntity, nil
	case mode == ResultEntity:
		return 0, &ConfigurationError{Setting: "result mode", Value: mode.String(), Reason: "entity results cannot have fields"}
	case fields == 1:
		if mode == ResultMap {
			return ShapeMap, nil
		}
		return ShapeValue, nil
	}
	switch mode {
	case ResultArray:
		return ShapeList, nil
	case ResultSingle:
		return ShapeFirst, nil
	}
	return ShapeMap, nil
}

func (c *Compiler) project(r *resolver, root *Scope, f Field) (Projection, error) {
	if !f.Aggregate.valid() {
		return Projection{}, &ConfigurationError{Setting: "aggregate", Value: string(f.Aggregate), Reason: "unknown aggregate"}
	}
	p := Projection{Aggregate: f.Aggregate, Key: f.OutputKey()}
	if f.Property == "" {
		if f.Aggregate != AggregateCount {
			return Projection{}, &ConfigurationError{Setting: "field", Value: f.OutputKey(), Reason: "property required"}
		}
		return p, nil
	}
	col, err := r.resolve(root, f.Property)
	if err != nil {
		return Projection{}, err
	}
	if !isScalar(col.Meta) {
		return Projection{}, &TypeMismatchError{Op: "FIELD", Path: f.Property, Expected: "scalar", Actual: describe(col.Meta)}
	}
	if (f.Aggregate == AggregateSum || f.Aggregate == AggregateAvg) && !col.Meta.IsNumeric() {
		return Projection{}, &TypeMismatchError{Op: Operation(f.Aggregate), Path: f.Property, Expected: "numeric", Actual: describe(col.Meta)}
	}
	p.Column = col
	return p, nil
}

// normalize drops empty junctions, flattens nested AND/OR of the same kind
// and collapses double negation. EQUAL and NOT_EQUAL against nil become null
// checks.
func normalize(f Filter) Filter {
	switch {
	case f.Op == OperationAnd || f.Op == OperationOr:
		var kids []Filter
		for _, c := range f.Filters {
			n := normalize(c)
			if n.IsEmpty() {
				continue
			}
			if n.Op == f.Op {
				kids = append(kids, n.Filters...)
				continue
			}
			kids = append(kids, n)
		}
		if len(kids) == 1 {
			return kids[0]
		}
		return Filter{Op: f.Op, Filters: kids}
	case f.Op == OperationNot:
		if len(f.Filters) != 1 {
			if f.IsEmpty() {
				return Empty()
			}
			return f
		}
		inner := normalize(f.Filters[0])
		if inner.IsEmpty() {
			return Empty()
		}
		if inner.Op == OperationNot && len(inner.Filters) == 1 {
			return inner.Filters[0]
		}
		return Not(inner)
	case f.Op.IsQuantifier():
		out := f
		if len(f.Filters) == 1 {
			out.Filters = []Filter{normalize(f.Filters[0])}
		}
		return out
	case f.Op == OperationEqual && f.Value == nil:
		return IsNull(f.Property)
	case f.Op == OperationNotEqual && f.Value == nil:
		return IsNotNull(f.Property)
	}
	return f
}

func (c *Compiler) bind(r *resolver, scope *Scope, f Filter) (*Predicate, error) {
	switch {
	case f.Op == OperationAnd || f.Op == OperationOr || f.Op == OperationNot:
		p := &Predicate{Op: f.Op}
		for _, child := range f.Filters {
			bp, err := c.bind(r, scope, child)
			if err != nil {
				return nil, err
			}
			p.Children = append(p.Children, bp)
		}
		return p, nil

	case f.Op.IsQuantifier():
		col, err := r.resolve(scope, f.Property)
		if err != nil {
			return nil, err
		}
		if !col.Meta.IsCollection() {
			return nil, &TypeMismatchError{Op: f.Op, Path: fullPath(scope, f.Property), Expected: "collection", Actual: describe(col.Meta)}
		}
		inner := r.newScope(col.Meta.Element(), scope, col)
		p := &Predicate{Op: f.Op, Column: col, Scope: inner}
		if nested := f.Filters[0]; !nested.IsEmpty() {
			bp, err := c.bind(r, inner, nested)
			if err != nil {
				return nil, err
			}
			p.Children = []*Predicate{bp}
		}
		return p, nil

	case f.Op == OperationCustom:
		if n := countPlaceholders(f.Expression); n != len(f.Values) {
			return nil, &CustomExpressionBindingError{Expression: f.Expression, Placeholders: n, Values: len(f.Values)}
		}
		return &Predicate{Op: f.Op, Expression: f.Expression, Values: append([]any(nil), f.Values...)}, nil
	}

	if f.Property == "" && scope.Parent == nil {
		return nil, &InvalidFilterError{Op: f.Op, Reason: "property required outside a collection quantifier"}
	}
	col, err := r.resolve(scope, f.Property)
	if err != nil {
		return nil, err
	}
	path := fullPath(scope, f.Property)
	mismatch := func(expected string) error {
		return &TypeMismatchError{Op: f.Op, Path: path, Expected: expected, Actual: describe(col.Meta)}
	}

	switch f.Op {
	case OperationLike, OperationILike:
		if !col.Meta.IsString() || col.Meta.IsCollection() {
			return nil, mismatch("string")
		}
		if _, ok := f.Value.(string); !ok {
			return nil, &TypeMismatchError{Op: f.Op, Path: path, Expected: "string pattern", Actual: typeName(f.Value)}
		}
		return &Predicate{Op: f.Op, Column: col, Value: f.Value}, nil

	case OperationIsNull, OperationIsNotNull:
		if col.Meta.IsCollection() || col.Meta.IsEmbeddable() {
			return nil, mismatch("scalar or to-one")
		}
		return &Predicate{Op: f.Op, Column: col}, nil

	case OperationIsEmpty, OperationIsNotEmpty:
		if !col.Meta.IsCollection() && !col.Meta.IsString() {
			return nil, mismatch("collection or string")
		}
		return &Predicate{Op: f.Op, Column: col}, nil
	}

	if col.Meta.IsEntity() && !col.Meta.IsCollection() {
		switch f.Op {
		case OperationEqual, OperationNotEqual, OperationIn, OperationNotIn:
			return c.bindByID(r, scope, col, f)
		}
	}
	if !isScalar(col.Meta) {
		return nil, mismatch("scalar")
	}
	if f.Op.takesValues() {
		return &Predicate{Op: f.Op, Column: col, Values: append([]any(nil), f.Values...)}, nil
	}
	return &Predicate{Op: f.Op, Column: col, Value: f.Value}, nil
}

// bindByID rewrites a comparison against a to-one entity into a comparison
// of its id, accepting ids or entity instances as values.
func (c *Compiler) bindByID(r *resolver, scope *Scope, col *ColumnRef, f Filter) (*Predicate, error) {
	idName, ok := col.Meta.IDProperty()
	if !ok {
		return nil, &TypeMismatchError{Op: f.Op, Path: f.Property, Expected: "entity with id", Actual: describe(col.Meta)}
	}
	idCol, err := r.resolve(scope, joinPath(f.Property, idName))
	if err != nil {
		return nil, err
	}
	toID := func(v any) any {
		if id, ok := col.Meta.IDValue(v); ok {
			return id
		}
		return v
	}
	p := &Predicate{Op: f.Op, Column: idCol}
	if f.Op.takesValues() {
		for _, v := range f.Values {
			p.Values = append(p.Values, toID(v))
		}
		return p, nil
	}
	p.Value = toID(f.Value)
	return p, nil
}

// countPlaceholders counts `?` outside quoted literals.
func countPlaceholders(expr string) int {
	n := 0
	var quote byte
	for i := 0; i < len(expr); i++ {
		ch := expr[i]
		switch {
		case quote != 0:
			if ch == quote {
				quote = 0
			}
		case ch == '\'' || ch == '"':
			quote = ch
		case ch == '?':
			n++
		}
	}
	return n
}

func (c *Compiler) exec() (Executor, error) {
	if c.executor == nil {
		return nil, ErrNoExecutor
	}
	return c.executor, nil
}

// Execute runs plan and shapes its rows. Executor errors are returned as is.
func (c *Compiler) Execute(ctx context.Context, plan *Plan) ([]any, error) {
	ex, err := c.exec()
	if err != nil {
		return nil, err
	}
	rows, err := ex.Run(ctx, plan)
	if err != nil {
		return nil, err
	}
	return plan.Reshape(rows)
}

// ExecuteCount counts the rows plan matches, ignoring sorts and paging.
func (c *Compiler) ExecuteCount(ctx context.Context, plan *Plan) (int64, error) {
	ex, err := c.exec()
	if err != nil {
		return 0, err
	}
	return ex.RunCount(ctx, plan)
}

// ExecuteBoth issues the search and the count as two separate calls; they
// share no snapshot unless the caller's transaction provides one.
func (c *Compiler) ExecuteBoth(ctx context.Context, plan *Plan) (Result, error) {
	results, err := c.Execute(ctx, plan)
	if err != nil {
		return Result{}, err
	}
	total, err := c.ExecuteCount(ctx, plan)
	if err != nil {
		return Result{}, err
	}
	return Result{Results: results, Total: total}, nil
}

func (c *Compiler) Search(ctx context.Context, s Search) ([]any, error) {
	plan, err := c.Compile(s)
	if err != nil {
		return nil, err
	}
	return c.Execute(ctx, plan)
}

func (c *Compiler) Count(ctx context.Context, s Search) (int64, error) {
	plan, err := c.Compile(s)
	if err != nil {
		return 0, err
	}
	return c.ExecuteCount(ctx, plan)
}

func (c *Compiler) SearchAndCount(ctx context.Context, s Search) (Result, error) {
	plan, err := c.Compile(s)
	if err != nil {
		return Result{}, err
	}
	return c.ExecuteBoth(ctx, plan)
}

// SearchUnique returns the only result, nil when nothing matches, and
// *NonUniqueResultError when several rows match.
func (c *Compiler) SearchUnique(ctx context.Context, s Search) (any, error) {
	results, err := c.Search(ctx, s)
	if err != nil {
		return nil, err
	}
	switch len(results) {
	case 0:
		return nil, nil
	case 1:
		return results[0], nil
	}
	return nil, &NonUniqueResultError{TypeName: s.Type(), Count: len(results)}
}

// FilterFromExample derives a filter with the compiler's metadata provider.
func (c *Compiler) FilterFromExample(example any, opts ExampleOptions) (Filter, error) {
	return FilterFromExample(c.provider, example, opts)
}
