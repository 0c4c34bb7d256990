package quarry

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"reflect"
	"strings"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// gormLowering converts bound predicates into gorm clause expressions.
type gormLowering struct {
	dialect string
	elems   map[*Scope]Relation
	subs    int
}

func newGormLowering(db *gorm.DB) *gormLowering {
	name := ""
	if db != nil && db.Dialector != nil {
		name = db.Dialector.Name()
	}
	return &gormLowering{dialect: name, elems: make(map[*Scope]Relation)}
}

func (l *gormLowering) column(c *ColumnRef) (clause.Column, error) {
	alias, col, err := sqlColumn(c, l.elems)
	if err != nil {
		return clause.Column{}, err
	}
	return clause.Column{Table: alias, Name: col}, nil
}

func (l *gormLowering) likeExpr(col clause.Column, pattern string, ignoreCase bool) clause.Expression {
	switch {
	case ignoreCase && l.dialect == "postgres":
		return clause.Expr{SQL: "? ILIKE ?", Vars: []any{col, pattern}}
	case ignoreCase:
		// GORM has no portable ILIKE; fall back to LOWER(col) LIKE LOWER(?)
		sql := "LOWER(?) LIKE LOWER(?)"
		if l.dialect == "sqlite" {
			sql += ` ESCAPE '\'`
		}
		return clause.Expr{SQL: sql, Vars: []any{col, pattern}}
	case l.dialect == "sqlite":
		return clause.Expr{SQL: `? LIKE ? ESCAPE '\'`, Vars: []any{col, pattern}}
	}
	return clause.Like{Column: col, Value: pattern}
}

func (l *gormLowering) predicate(p *Predicate) (clause.Expression, error) {
	switch {
	case p.Op == OperationAnd || p.Op == OperationOr:
		parts := make([]clause.Expression, 0, len(p.Children))
		for _, c := range p.Children {
			e, err := l.predicate(c)
			if err != nil {
				return nil, err
			}
			parts = append(parts, e)
		}
		if p.Op == OperationAnd {
			return clause.And(parts...), nil
		}
		return clause.Or(parts...), nil
	case p.Op == OperationNot:
		inner, err := l.predicate(p.Children[0])
		if err != nil {
			return nil, err
		}
		return clause.Not(inner), nil
	case p.Op.IsQuantifier():
		return l.quantifier(p)
	case p.Op == OperationCustom:
		return clause.Expr{SQL: "(" + p.Expression + ")", Vars: append([]any(nil), p.Values...)}, nil
	case p.Op == OperationIsEmpty || p.Op == OperationIsNotEmpty:
		return l.emptiness(p)
	}

	col, err := l.column(p.Column)
	if err != nil {
		return nil, err
	}
	switch p.Op {
	case OperationEqual:
		return clause.Eq{Column: col, Value: p.Value}, nil
	case OperationNotEqual:
		return clause.Neq{Column: col, Value: p.Value}, nil
	case OperationGreaterThan:
		return clause.Gt{Column: col, Value: p.Value}, nil
	case OperationGreaterOrEqual:
		return clause.Gte{Column: col, Value: p.Value}, nil
	case OperationLessThan:
		return clause.Lt{Column: col, Value: p.Value}, nil
	case OperationLessOrEqual:
		return clause.Lte{Column: col, Value: p.Value}, nil
	case OperationLike:
		return l.likeExpr(col, likePattern(p.Value), false), nil
	case OperationILike:
		return l.likeExpr(col, likePattern(p.Value), true), nil
	case OperationIn:
		if len(p.Values) == 0 {
			return clause.Expr{SQL: "1=0"}, nil
		}
		return clause.IN{Column: col, Values: p.Values}, nil
	case OperationNotIn:
		if len(p.Values) == 0 {
			return clause.Expr{SQL: "1=1"}, nil
		}
		return clause.Not(clause.IN{Column: col, Values: p.Values}), nil
	case OperationIsNull:
		return clause.Eq{Column: col, Value: nil}, nil
	case OperationIsNotNull:
		return clause.Neq{Column: col, Value: nil}, nil
	}
	return nil, &UnsupportedError{Backend: "gorm", Feature: string(p.Op)}
}

// joinSQL renders scope joins as SQL text with quoted identifiers passed as vars.
func (l *gormLowering) joinSQL(scope *Scope) (string, []any, error) {
	var b strings.Builder
	var vars []any
	for i, j := range scope.Joins {
		sm, err := storageOf(j.Owner)
		if err != nil {
			return "", nil, err
		}
		rel, ok := sm.Relation(j.Property)
		if !ok || rel.Kind == RelationElements {
			return "", nil, &UnsupportedError{Backend: "gorm", Feature: "join on " + j.Path}
		}
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString("LEFT JOIN ? ON ? = ?")
		vars = append(vars,
			clause.Table{Name: rel.Table, Alias: j.Alias},
			clause.Column{Table: j.Alias, Name: rel.ForeignKey},
			clause.Column{Table: j.OwnerAlias(scope), Name: rel.LocalKey})
	}
	return b.String(), vars, nil
}

func (l *gormLowering) quantifier(p *Predicate) (clause.Expression, error) {
	rel, err := sqlCollection(p.Column)
	if err != nil {
		return nil, err
	}
	scope := p.Scope
	if rel.Kind == RelationElements {
		l.elems[scope] = rel
	}
	sql := "SELECT 1 FROM ?"
	vars := []any{clause.Table{Name: rel.Table, Alias: scope.Alias}}
	joins, joinVars, err := l.joinSQL(scope)
	if err != nil {
		return nil, err
	}
	if joins != "" {
		sql += " " + joins
		vars = append(vars, joinVars...)
	}
	sql += " WHERE ? = ?"
	vars = append(vars, clause.Column{Table: scope.Alias, Name: rel.ForeignKey}, clause.Column{Table: p.Column.Alias(), Name: rel.LocalKey})

	var inner clause.Expression
	if len(p.Children) > 0 {
		if inner, err = l.predicate(p.Children[0]); err != nil {
			return nil, err
		}
	}
	switch p.Op {
	case OperationAll:
		if inner == nil {
			return clause.Expr{SQL: "1=1"}, nil
		}
		// NULL tests count as failures, as in the raw SQL lowering
		return clause.Expr{SQL: "NOT EXISTS (" + sql + " AND (?) IS NOT TRUE)", Vars: append(vars, inner)}, nil
	case OperationNone:
		if inner != nil {
			return clause.Expr{SQL: "NOT EXISTS (" + sql + " AND (?))", Vars: append(vars, inner)}, nil
		}
		return clause.Expr{SQL: "NOT EXISTS (" + sql + ")", Vars: vars}, nil
	}
	if inner != nil {
		return clause.Expr{SQL: "EXISTS (" + sql + " AND (?))", Vars: append(vars, inner)}, nil
	}
	return clause.Expr{SQL: "EXISTS (" + sql + ")", Vars: vars}, nil
}

func (l *gormLowering) emptiness(p *Predicate) (clause.Expression, error) {
	if !p.Column.Meta.IsCollection() {
		col, err := l.column(p.Column)
		if err != nil {
			return nil, err
		}
		if p.Op == OperationIsEmpty {
			return clause.Expr{SQL: "(? IS NULL OR ? = '')", Vars: []any{col, col}}, nil
		}
		return clause.Expr{SQL: "(? IS NOT NULL AND ? <> '')", Vars: []any{col, col}}, nil
	}
	rel, err := sqlCollection(p.Column)
	if err != nil {
		return nil, err
	}
	alias := fmt.Sprintf("x%d", l.subs)
	l.subs++
	sql := "EXISTS (SELECT 1 FROM ? WHERE ? = ?)"
	if p.Op == OperationIsEmpty {
		sql = "NOT " + sql
	}
	return clause.Expr{SQL: sql, Vars: []any{
		clause.Table{Name: rel.Table, Alias: alias},
		clause.Column{Table: alias, Name: rel.ForeignKey},
		clause.Column{Table: p.Column.Alias(), Name: rel.LocalKey},
	}}, nil
}

func (l *gormLowering) selectExprs(trx *gorm.DB, plan *Plan) (string, error) {
	if len(plan.Fields) == 0 {
		return trx.Statement.Quote(clause.Table{Name: plan.Root.Alias}) + ".*", nil
	}
	exprs := make([]string, len(plan.Fields))
	for i, f := range plan.Fields {
		if f.Column == nil {
			exprs[i] = "COUNT(*)"
			continue
		}
		col, err := l.column(f.Column)
		if err != nil {
			return "", err
		}
		q := trx.Statement.Quote(col)
		switch f.Aggregate {
		case AggregateNone:
			exprs[i] = q
		case AggregateCountDistinct:
			exprs[i] = "COUNT(DISTINCT " + q + ")"
		default:
			exprs[i] = strings.ToUpper(string(f.Aggregate)) + "(" + q + ")"
		}
	}
	return strings.Join(exprs, ", "), nil
}

// ApplyGorm scopes trx to plan's table, joins and predicate. Projection,
// ordering, paging and preloads are left to the caller.
func ApplyGorm(plan *Plan, trx *gorm.DB) (*gorm.DB, error) {
	l := newGormLowering(trx)
	return l.apply(plan, trx)
}

func (l *gormLowering) apply(plan *Plan, trx *gorm.DB) (*gorm.DB, error) {
	sm, err := storageOf(plan.Root.Meta)
	if err != nil {
		return nil, err
	}
	if gt, ok := plan.Root.Meta.(GoTyped); ok {
		trx = trx.Model(reflect.New(gt.GoType()).Interface())
	}
	trx = trx.Table("? AS ?", clause.Table{Name: sm.Table()}, clause.Table{Name: plan.Root.Alias})

	joins, vars, err := l.joinSQL(plan.Root)
	if err != nil {
		return nil, err
	}
	if joins != "" {
		trx = trx.Joins(joins, vars...)
	}
	if plan.Where != nil {
		where, err := l.predicate(plan.Where)
		if err != nil {
			return nil, err
		}
		trx = trx.Where(where)
	}
	if group := plan.GroupBy(); len(group) > 0 {
		for _, c := range group {
			col, err := l.column(c)
			if err != nil {
				return nil, err
			}
			trx = trx.Group(trx.Statement.Quote(col))
		}
	}
	return trx, nil
}

func (l *gormLowering) order(plan *Plan) (clause.Expression, error) {
	if len(plan.Sorts) == 0 {
		return nil, nil
	}
	parts := make([]string, 0, len(plan.Sorts))
	vars := make([]any, 0, len(plan.Sorts))
	for _, s := range plan.Sorts {
		col, err := l.column(s.Column)
		if err != nil {
			return nil, err
		}
		part := "?"
		if s.IgnoreCase {
			part = "LOWER(?)"
		}
		if s.Desc {
			part += " DESC"
		} else {
			part += " ASC"
		}
		parts = append(parts, part)
		vars = append(vars, col)
	}
	return clause.OrderBy{Expression: clause.Expr{SQL: strings.Join(parts, ", "), Vars: vars, WithoutParentheses: true}}, nil
}

// BuildGormSearch returns trx prepared for the search: joins, predicate,
// projection, ordering, paging and preloads.
func BuildGormSearch(plan *Plan, trx *gorm.DB) (*gorm.DB, error) {
	l := newGormLowering(trx)
	return l.search(plan, trx)
}

func (l *gormLowering) search(plan *Plan, trx *gorm.DB) (*gorm.DB, error) {
	q, err := l.apply(plan, trx)
	if err != nil {
		return nil, err
	}
	sel, err := l.selectExprs(q, plan)
	if err != nil {
		return nil, err
	}
	q = q.Select(sel)
	if plan.Distinct {
		q = q.Distinct()
	}
	order, err := l.order(plan)
	if err != nil {
		return nil, err
	}
	if order != nil {
		q = q.Order(order)
	}
	if plan.Limit > 0 {
		q = q.Limit(plan.Limit)
	}
	if plan.Offset > 0 {
		q = q.Offset(plan.Offset)
	}
	if len(plan.Fields) == 0 {
		for _, f := range plan.Fetches {
			path, err := gormPreloadPath(plan, f)
			if err != nil {
				return nil, err
			}
			q = q.Preload(path)
		}
	}
	return q, nil
}

func gormPreloadPath(plan *Plan, f FetchRef) (string, error) {
	gt, ok := plan.Root.Meta.(GoTyped)
	if !ok {
		return "", &UnsupportedError{Backend: "gorm", Feature: "preload without Go type"}
	}
	last := f.Hops[len(f.Hops)-1]
	if !last.Target.IsEntity() {
		return "", &UnsupportedError{Backend: "gorm", Feature: "preload of value collection " + f.Path}
	}
	path, ok := gt.GoFieldPath(f.Path)
	if !ok {
		return "", &UnsupportedError{Backend: "gorm", Feature: "preload " + f.Path}
	}
	return path, nil
}

// GormAdapter renders plans with GORM's DryRun mode.
type GormAdapter struct {
	DB *gorm.DB
}

// GormQuery is a prepared GORM statement; Find or Count runs it.
type GormQuery struct {
	DB *gorm.DB
}

func (GormQuery) isQuery() {}

func (GormAdapter) Name() string { return "gorm" }

func (a GormAdapter) BuildQuery(plan *Plan) (Query, error) {
	q, err := BuildGormSearch(plan, a.DB.Session(&gorm.Session{NewDB: true}))
	if err != nil {
		return nil, err
	}
	return GormQuery{DB: q}, nil
}

func (a GormAdapter) BuildCountQuery(plan *Plan) (Query, error) {
	q, err := buildGormCount(plan, a.DB.Session(&gorm.Session{NewDB: true}))
	if err != nil {
		return nil, err
	}
	return GormQuery{DB: q}, nil
}

func (a GormAdapter) Explain(plan *Plan) (string, error) {
	trx := a.DB.Session(&gorm.Session{DryRun: true, NewDB: true, Logger: logger.Default.LogMode(logger.Silent)})
	q, err := BuildGormSearch(plan, trx)
	if err != nil {
		return "", err
	}
	stmt := q.Find(newGormDest(plan)).Statement
	return a.DB.Dialector.Explain(stmt.SQL.String(), stmt.Vars...), nil
}

func buildGormCount(plan *Plan, trx *gorm.DB) (*gorm.DB, error) {
	l := newGormLowering(trx)
	if !plan.Distinct && !plan.HasAggregates() {
		return l.apply(plan, trx)
	}
	inner, err := l.apply(plan, trx.Session(&gorm.Session{NewDB: true}))
	if err != nil {
		return nil, err
	}
	sel, err := l.selectExprs(inner, plan)
	if err != nil {
		return nil, err
	}
	inner = inner.Select(sel)
	if plan.Distinct {
		inner = inner.Distinct()
	}
	return trx.Table("(?) AS ?", inner, clause.Table{Name: "q"}), nil
}

func newGormDest(plan *Plan) any {
	if gt, ok := plan.Root.Meta.(GoTyped); ok && len(plan.Fields) == 0 {
		return reflect.New(reflect.SliceOf(reflect.PointerTo(gt.GoType()))).Interface()
	}
	return &[]map[string]any{}
}

// GormExecutor runs plans through a *gorm.DB.
type GormExecutor struct {
	db     *gorm.DB
	logger *slog.Logger
}

type GormExecutorOption func(*GormExecutor)

func WithGormLogger(logger *slog.Logger) GormExecutorOption {
	return func(e *GormExecutor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

func NewGormExecutor(db *gorm.DB, opts ...GormExecutorOption) *GormExecutor {
	e := &GormExecutor{db: db, logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *GormExecutor) session(ctx context.Context) *gorm.DB {
	return e.db.Session(&gorm.Session{NewDB: true}).WithContext(ctx)
}

func (e *GormExecutor) Run(ctx context.Context, plan *Plan) ([][]any, error) {
	q, err := BuildGormSearch(plan, e.session(ctx))
	if err != nil {
		return nil, err
	}
	e.logger.DebugContext(ctx, "quarry: gorm search", slog.String("type", plan.Type))

	if len(plan.Fields) == 0 {
		if _, ok := plan.Root.Meta.(GoTyped); !ok {
			return nil, &UnsupportedError{Backend: "gorm", Feature: "materializing " + plan.Type}
		}
		dest := newGormDest(plan)
		if err := q.Find(dest).Error; err != nil {
			return nil, fmt.Errorf("quarry: gorm find: %w", err)
		}
		slice := reflect.ValueOf(dest).Elem()
		out := make([][]any, slice.Len())
		for i := range out {
			out[i] = []any{slice.Index(i).Interface()}
		}
		return out, nil
	}

	rows, err := q.Rows()
	if err != nil {
		return nil, fmt.Errorf("quarry: gorm rows: %w", err)
	}
	defer rows.Close()
	var out [][]any
	for rows.Next() {
		vals := make([]any, len(plan.Fields))
		ptrs := make([]any, len(vals))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("quarry: gorm scan: %w", err)
		}
		for i, f := range plan.Fields {
			if b, ok := vals[i].([]byte); ok && f.Column != nil && f.Column.Meta.IsString() {
				vals[i] = string(b)
			}
		}
		out = append(out, vals)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("quarry: gorm rows: %w", err)
	}
	return out, nil
}

func (e *GormExecutor) RunCount(ctx context.Context, plan *Plan) (int64, error) {
	q, err := buildGormCount(plan, e.session(ctx))
	if err != nil {
		return 0, err
	}
	var n int64
	if err := q.Count(&n).Error; err != nil {
		return 0, fmt.Errorf("quarry: gorm count: %w", err)
	}
	return n, nil
}
