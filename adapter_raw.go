package quarry

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"
)

// Dialect selects identifier quoting, placeholder style and operator
// spelling for generated SQL.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectMySQL    Dialect = "mysql"
	DialectPostgres Dialect = "postgres"
)

// ParseDialect accepts the dialect names and common driver names.
func ParseDialect(s string) (Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "sqlite", "sqlite3":
		return DialectSQLite, nil
	case "mysql", "mariadb":
		return DialectMySQL, nil
	case "postgres", "postgresql", "pgx":
		return DialectPostgres, nil
	}
	return "", &ConfigurationError{Setting: "dialect", Value: s, Reason: "expected sqlite, mysql or postgres"}
}

func (d Dialect) quoteIdent(ident string) string {
	if d == DialectPostgres {
		return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
	}
	return "`" + strings.ReplaceAll(ident, "`", "``") + "`"
}

// SQLQuery is a statement with its positional arguments.
type SQLQuery struct {
	SQL  string
	Args []any
}

func (SQLQuery) isQuery() {}

// RawAdapter renders plans as SQL text without any ORM.
type RawAdapter struct {
	Dialect Dialect
}

func (RawAdapter) Name() string { return "sql" }

func (a RawAdapter) BuildQuery(plan *Plan) (Query, error) {
	q, err := BuildRawSelect(plan, a.Dialect)
	if err != nil {
		return nil, err
	}
	return q, nil
}

func (a RawAdapter) BuildCountQuery(plan *Plan) (Query, error) {
	q, err := BuildRawCount(plan, a.Dialect)
	if err != nil {
		return nil, err
	}
	return q, nil
}

func (a RawAdapter) Explain(plan *Plan) (string, error) {
	q, err := BuildRawSelect(plan, a.Dialect)
	if err != nil {
		return "", err
	}
	return expandPlaceholders(q.SQL, q.Args), nil
}

// BuildRawSelect renders the search statement of plan.
func BuildRawSelect(plan *Plan, d Dialect) (SQLQuery, error) {
	b := newSQLBuilder(d)
	sel, err := b.selectList(plan)
	if err != nil {
		return SQLQuery{}, err
	}
	body, err := b.body(plan)
	if err != nil {
		return SQLQuery{}, err
	}
	query := "SELECT "
	if plan.Distinct {
		query += "DISTINCT "
	}
	query += sel + " " + body

	orderBy, err := b.orderBy(plan)
	if err != nil {
		return SQLQuery{}, err
	}
	if orderBy != "" {
		query += " " + orderBy
	}
	if lo := b.limitOffset(plan.Offset, plan.Limit); lo != "" {
		query += " " + lo
	}
	return SQLQuery{SQL: query, Args: b.args}, nil
}

// BuildRawCount renders the count statement of plan: the same joins and
// predicate, no ordering or paging. Distinct and aggregated plans are counted
// over their projected rows so the count matches the unpaged search.
func BuildRawCount(plan *Plan, d Dialect) (SQLQuery, error) {
	b := newSQLBuilder(d)
	if !plan.Distinct && !plan.HasAggregates() {
		body, err := b.body(plan)
		if err != nil {
			return SQLQuery{}, err
		}
		return SQLQuery{SQL: "SELECT COUNT(*) " + body, Args: b.args}, nil
	}
	sel, err := b.selectList(plan)
	if err != nil {
		return SQLQuery{}, err
	}
	body, err := b.body(plan)
	if err != nil {
		return SQLQuery{}, err
	}
	inner := "SELECT "
	if plan.Distinct {
		inner += "DISTINCT "
	}
	inner += sel + " " + body
	return SQLQuery{SQL: "SELECT COUNT(*) FROM (" + inner + ") AS " + d.quoteIdent("q"), Args: b.args}, nil
}

// -- internals --

type sqlBuilder struct {
	d     Dialect
	args  []any
	subs  int
	elems map[*Scope]Relation
}

func newSQLBuilder(d Dialect) *sqlBuilder {
	if d == "" {
		d = DialectSQLite
	}
	return &sqlBuilder{d: d, elems: make(map[*Scope]Relation)}
}

func (b *sqlBuilder) bind(v any) string {
	b.args = append(b.args, v)
	if b.d == DialectPostgres {
		return "$" + strconv.Itoa(len(b.args))
	}
	return "?"
}

func (b *sqlBuilder) ident(alias, column string) string {
	return b.d.quoteIdent(alias) + "." + b.d.quoteIdent(column)
}

func (b *sqlBuilder) table(name, alias string) string {
	return b.d.quoteIdent(name) + " AS " + b.d.quoteIdent(alias)
}

func unsupportedSQL(feature string) error {
	return &UnsupportedError{Backend: "sql", Feature: feature}
}

func storageOf(m Metadata) (StorageMapping, error) {
	sm, ok := m.Element().(StorageMapping)
	if !ok {
		return nil, unsupportedSQL("type " + m.TypeName() + " without storage mapping")
	}
	return sm, nil
}

// body renders FROM, joins, WHERE and GROUP BY.
func (b *sqlBuilder) body(plan *Plan) (string, error) {
	sm, err := storageOf(plan.Root.Meta)
	if err != nil {
		return "", err
	}
	parts := []string{"FROM " + b.table(sm.Table(), plan.Root.Alias)}
	joins, err := b.joins(plan.Root)
	if err != nil {
		return "", err
	}
	if joins != "" {
		parts = append(parts, joins)
	}
	if plan.Where != nil {
		where, err := b.predicate(plan.Where)
		if err != nil {
			return "", err
		}
		if where != "" {
			parts = append(parts, "WHERE "+where)
		}
	}
	if group := plan.GroupBy(); len(group) > 0 {
		cols := make([]string, len(group))
		for i, c := range group {
			if cols[i], err = b.column(c); err != nil {
				return "", err
			}
		}
		parts = append(parts, "GROUP BY "+strings.Join(cols, ", "))
	}
	return strings.Join(parts, " "), nil
}

func (b *sqlBuilder) joins(scope *Scope) (string, error) {
	parts := make([]string, 0, len(scope.Joins))
	for _, j := range scope.Joins {
		sm, err := storageOf(j.Owner)
		if err != nil {
			return "", err
		}
		rel, ok := sm.Relation(j.Property)
		if !ok || rel.Kind == RelationElements {
			return "", unsupportedSQL("join on " + j.Path)
		}
		parts = append(parts, fmt.Sprintf("LEFT JOIN %s ON %s = %s",
			b.table(rel.Table, j.Alias),
			b.ident(j.Alias, rel.ForeignKey),
			b.ident(j.OwnerAlias(scope), rel.LocalKey)))
	}
	return strings.Join(parts, " "), nil
}

func (b *sqlBuilder) selectList(plan *Plan) (string, error) {
	if len(plan.Fields) == 0 {
		sc, ok := plan.Root.Meta.(ColumnScanner)
		if !ok {
			return b.d.quoteIdent(plan.Root.Alias) + ".*", nil
		}
		cols := sc.ScanColumns()
		quoted := make([]string, len(cols))
		for i, c := range cols {
			quoted[i] = b.ident(plan.Root.Alias, c)
		}
		return strings.Join(quoted, ", "), nil
	}
	exprs := make([]string, len(plan.Fields))
	for i, f := range plan.Fields {
		if f.Column == nil {
			exprs[i] = "COUNT(*)"
			continue
		}
		col, err := b.column(f.Column)
		if err != nil {
			return "", err
		}
		switch f.Aggregate {
		case AggregateNone:
			exprs[i] = col
		case AggregateCount:
			exprs[i] = "COUNT(" + col + ")"
		case AggregateCountDistinct:
			exprs[i] = "COUNT(DISTINCT " + col + ")"
		default:
			exprs[i] = strings.ToUpper(string(f.Aggregate)) + "(" + col + ")"
		}
	}
	return strings.Join(exprs, ", "), nil
}

func (b *sqlBuilder) column(c *ColumnRef) (string, error) {
	alias, col, err := sqlColumn(c, b.elems)
	if err != nil {
		return "", err
	}
	return b.ident(alias, col), nil
}

// sqlColumn maps a resolved path to its table alias and column. A to-one
// entity maps to its foreign key; a value collection element to the value
// column of the scope's element table.
func sqlColumn(c *ColumnRef, elems map[*Scope]Relation) (string, string, error) {
	if c.Property == "" {
		if rel, ok := elems[c.Scope]; ok {
			return c.Scope.Alias, rel.ValueColumn, nil
		}
		return "", "", unsupportedSQL("element reference outside a value collection")
	}
	sm, err := storageOf(c.Owner)
	if err != nil {
		return "", "", err
	}
	if col, ok := sm.Column(c.Property); ok {
		return c.Alias(), col, nil
	}
	if rel, ok := sm.Relation(c.Property); ok && rel.Kind == RelationToOne {
		return c.Alias(), rel.LocalKey, nil
	}
	return "", "", unsupportedSQL("column for " + c.Path)
}

func (b *sqlBuilder) collection(c *ColumnRef) (Relation, error) {
	return sqlCollection(c)
}

func sqlCollection(c *ColumnRef) (Relation, error) {
	sm, err := storageOf(c.Owner)
	if err != nil {
		return Relation{}, err
	}
	rel, ok := sm.Relation(c.Property)
	if !ok || rel.Kind == RelationToOne {
		return Relation{}, unsupportedSQL("collection " + c.Path)
	}
	return rel, nil
}

var sqlOperators = map[Operation]string{
	OperationEqual:          "=",
	OperationNotEqual:       "<>",
	OperationGreaterThan:    ">",
	OperationGreaterOrEqual: ">=",
	OperationLessThan:       "<",
	OperationLessOrEqual:    "<=",
}

func (b *sqlBuilder) predicate(p *Predicate) (string, error) {
	switch {
	case p.Op == OperationAnd || p.Op == OperationOr:
		return b.joinGroup(string(p.Op), p.Children)
	case p.Op == OperationNot:
		inner, err := b.predicate(p.Children[0])
		if err != nil || inner == "" {
			return "", err
		}
		return "NOT (" + inner + ")", nil
	case p.Op.IsQuantifier():
		return b.quantifier(p)
	case p.Op == OperationCustom:
		return b.custom(p.Expression, p.Values), nil
	case p.Op == OperationIsEmpty || p.Op == OperationIsNotEmpty:
		return b.emptiness(p)
	}

	col, err := b.column(p.Column)
	if err != nil {
		return "", err
	}
	switch p.Op {
	case OperationLike:
		return fmt.Sprintf("%s LIKE %s%s", col, b.bind(likePattern(p.Value)), b.escape()), nil
	case OperationILike:
		if b.d == DialectPostgres {
			return fmt.Sprintf("%s ILIKE %s", col, b.bind(likePattern(p.Value))), nil
		}
		return fmt.Sprintf("LOWER(%s) LIKE LOWER(%s)%s", col, b.bind(likePattern(p.Value)), b.escape()), nil
	case OperationIn, OperationNotIn:
		if len(p.Values) == 0 {
			if p.Op == OperationIn {
				return "1=0", nil
			}
			return "1=1", nil
		}
		ph := make([]string, len(p.Values))
		for i, v := range p.Values {
			ph[i] = b.bind(v)
		}
		op := "IN"
		if p.Op == OperationNotIn {
			op = "NOT IN"
		}
		return fmt.Sprintf("%s %s (%s)", col, op, strings.Join(ph, ", ")), nil
	case OperationIsNull:
		return col + " IS NULL", nil
	case OperationIsNotNull:
		return col + " IS NOT NULL", nil
	}
	op, ok := sqlOperators[p.Op]
	if !ok {
		return "", unsupportedSQL(string(p.Op))
	}
	return fmt.Sprintf("%s %s %s", col, op, b.bind(p.Value)), nil
}

func (b *sqlBuilder) joinGroup(op string, children []*Predicate) (string, error) {
	parts := make([]string, 0, len(children))
	for _, c := range children {
		s, err := b.predicate(c)
		if err != nil {
			return "", err
		}
		if s != "" {
			parts = append(parts, s)
		}
	}
	if len(parts) == 0 {
		return "", nil
	}
	if len(parts) == 1 {
		return parts[0], nil
	}
	return "(" + strings.Join(parts, " "+op+" ") + ")", nil
}

// quantifier renders SOME as EXISTS, NONE as NOT EXISTS and ALL as the
// absence of a counterexample.
func (b *sqlBuilder) quantifier(p *Predicate) (string, error) {
	rel, err := b.collection(p.Column)
	if err != nil {
		return "", err
	}
	scope := p.Scope
	if rel.Kind == RelationElements {
		b.elems[scope] = rel
	}
	from := b.table(rel.Table, scope.Alias)
	joins, err := b.joins(scope)
	if err != nil {
		return "", err
	}
	if joins != "" {
		from += " " + joins
	}
	where := b.ident(scope.Alias, rel.ForeignKey) + " = " + b.ident(p.Column.Alias(), rel.LocalKey)

	inner := ""
	if len(p.Children) > 0 {
		if inner, err = b.predicate(p.Children[0]); err != nil {
			return "", err
		}
	}
	switch p.Op {
	case OperationAll:
		if inner == "" {
			return "1=1", nil
		}
		// an element whose test is NULL is a counterexample too
		return fmt.Sprintf("NOT EXISTS (SELECT 1 FROM %s WHERE %s AND (%s) IS NOT TRUE)", from, where, inner), nil
	case OperationNone:
		if inner != "" {
			where += " AND (" + inner + ")"
		}
		return fmt.Sprintf("NOT EXISTS (SELECT 1 FROM %s WHERE %s)", from, where), nil
	}
	if inner != "" {
		where += " AND (" + inner + ")"
	}
	return fmt.Sprintf("EXISTS (SELECT 1 FROM %s WHERE %s)", from, where), nil
}

func (b *sqlBuilder) emptiness(p *Predicate) (string, error) {
	if !p.Column.Meta.IsCollection() {
		col, err := b.column(p.Column)
		if err != nil {
			return "", err
		}
		if p.Op == OperationIsEmpty {
			return fmt.Sprintf("(%s IS NULL OR %s = '')", col, col), nil
		}
		return fmt.Sprintf("(%s IS NOT NULL AND %s <> '')", col, col), nil
	}
	rel, err := b.collection(p.Column)
	if err != nil {
		return "", err
	}
	alias := "x" + strconv.Itoa(b.subs)
	b.subs++
	exists := fmt.Sprintf("EXISTS (SELECT 1 FROM %s WHERE %s = %s)",
		b.table(rel.Table, alias), b.ident(alias, rel.ForeignKey), b.ident(p.Column.Alias(), rel.LocalKey))
	if p.Op == OperationIsEmpty {
		return "NOT " + exists, nil
	}
	return exists, nil
}

// custom binds values to the `?` placeholders of a raw expression, leaving
// quoted text alone.
func (b *sqlBuilder) custom(expr string, values []any) string {
	var out strings.Builder
	idx := 0
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
		case ch == '?' && idx < len(values):
			out.WriteString(b.bind(values[idx]))
			idx++
			continue
		}
		out.WriteByte(ch)
	}
	return "(" + out.String() + ")"
}

func (b *sqlBuilder) escape() string {
	if b.d == DialectSQLite {
		return ` ESCAPE '\'`
	}
	return ""
}

// likePattern turns a Wildcard pattern into SQL LIKE syntax, escaping the
// SQL metacharacters already present.
func likePattern(v any) string {
	s := fmt.Sprint(v)
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, "%", `\%`)
	s = strings.ReplaceAll(s, "_", `\_`)
	return strings.ReplaceAll(s, Wildcard, "%")
}

func (b *sqlBuilder) orderBy(plan *Plan) (string, error) {
	if len(plan.Sorts) == 0 {
		return "", nil
	}
	cols := make([]string, 0, len(plan.Sorts))
	for _, s := range plan.Sorts {
		col, err := b.column(s.Column)
		if err != nil {
			return "", err
		}
		if s.IgnoreCase {
			col = "LOWER(" + col + ")"
		}
		dir := "ASC"
		if s.Desc {
			dir = "DESC"
		}
		cols = append(cols, col+" "+dir)
	}
	return "ORDER BY " + strings.Join(cols, ", "), nil
}

func (b *sqlBuilder) limitOffset(offset, limit int) string {
	// Embed numbers directly for broad driver compatibility
	switch {
	case limit <= 0 && offset <= 0:
		return ""
	case limit > 0 && offset > 0:
		return fmt.Sprintf("LIMIT %d OFFSET %d", limit, offset)
	case limit > 0:
		return fmt.Sprintf("LIMIT %d", limit)
	}
	switch b.d {
	case DialectSQLite:
		return fmt.Sprintf("LIMIT -1 OFFSET %d", offset)
	case DialectMySQL:
		return fmt.Sprintf("LIMIT 18446744073709551615 OFFSET %d", offset)
	}
	return fmt.Sprintf("OFFSET %d", offset)
}

// expandPlaceholders replaces `?` and `$n` placeholders with SQL literals.
// Intended for logs and explain output only.
func expandPlaceholders(sql string, args []any) string {
	if len(args) == 0 {
		return sql
	}
	var b strings.Builder
	b.Grow(len(sql) + len(args)*4)

	idx := 0
	inSingle := false
	inDouble := false
	for i := 0; i < len(sql); i++ {
		ch := sql[i]
		if ch == '\'' && !inDouble {
			inSingle = !inSingle
			b.WriteByte(ch)
			continue
		}
		if ch == '"' && !inSingle {
			inDouble = !inDouble
			b.WriteByte(ch)
			continue
		}
		if inSingle || inDouble {
			b.WriteByte(ch)
			continue
		}
		if ch == '?' && idx < len(args) {
			b.WriteString(toSQLLiteral(args[idx]))
			idx++
			continue
		}
		if ch == '$' {
			j := i + 1
			for j < len(sql) && sql[j] >= '0' && sql[j] <= '9' {
				j++
			}
			if n, err := strconv.Atoi(sql[i+1 : j]); err == nil && n >= 1 && n <= len(args) {
				b.WriteString(toSQLLiteral(args[n-1]))
				i = j - 1
				continue
			}
		}
		b.WriteByte(ch)
	}
	return b.String()
}

func toSQLLiteral(v any) string {
	switch x := v.(type) {
	case nil:
		return "NULL"
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
		return fmt.Sprintf("%v", x)
	case bool:
		if x {
			return "TRUE"
		}
		return "FALSE"
	case time.Time:
		return "'" + x.Format("2006-01-02 15:04:05.999999999-07:00") + "'"
	case string:
		return "'" + escapeSQLString(x) + "'"
	default:
		return "'" + escapeSQLString(fmt.Sprintf("%v", x)) + "'"
	}
}

func escapeSQLString(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}

// SQLExecutor runs plans through database/sql. Entities are materialized
// with the root metadata's ColumnScanner and fetch paths are loaded with one
// IN query per relation hop.
type SQLExecutor struct {
	db      *sql.DB
	dialect Dialect
	logger  *slog.Logger
}

type SQLExecutorOption func(*SQLExecutor)

func WithSQLLogger(logger *slog.Logger) SQLExecutorOption {
	return func(e *SQLExecutor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

func NewSQLExecutor(db *sql.DB, dialect Dialect, opts ...SQLExecutorOption) *SQLExecutor {
	e := &SQLExecutor{
		db:      db,
		dialect: dialect,
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *SQLExecutor) Run(ctx context.Context, plan *Plan) ([][]any, error) {
	q, err := BuildRawSelect(plan, e.dialect)
	if err != nil {
		return nil, err
	}
	rows, err := e.query(ctx, q)
	if err != nil {
		return nil, err
	}
	if len(plan.Fields) > 0 {
		for _, row := range rows {
			for i, f := range plan.Fields {
				if b, ok := row[i].([]byte); ok && f.Column != nil && f.Column.Meta.IsString() {
					row[i] = string(b)
				}
			}
		}
		return rows, nil
	}

	sc, ok := plan.Root.Meta.(ColumnScanner)
	if !ok {
		return nil, unsupportedSQL("materializing " + plan.Type)
	}
	out := make([][]any, len(rows))
	entities := make([]any, len(rows))
	for i, row := range rows {
		ent, err := sc.Materialize(row)
		if err != nil {
			return nil, err
		}
		entities[i] = ent
		out[i] = []any{ent}
	}
	for _, f := range plan.Fetches {
		if err := e.load(ctx, entities, f.Hops); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (e *SQLExecutor) RunCount(ctx context.Context, plan *Plan) (int64, error) {
	q, err := BuildRawCount(plan, e.dialect)
	if err != nil {
		return 0, err
	}
	e.logger.DebugContext(ctx, "quarry: sql count", slog.String("sql", q.SQL), slog.Int("args", len(q.Args)))
	var n int64
	if err := e.db.QueryRowContext(ctx, q.SQL, q.Args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("quarry: sql count: %w", err)
	}
	return n, nil
}

func (e *SQLExecutor) query(ctx context.Context, q SQLQuery) ([][]any, error) {
	e.logger.DebugContext(ctx, "quarry: sql query", slog.String("sql", q.SQL), slog.Int("args", len(q.Args)))
	rows, err := e.db.QueryContext(ctx, q.SQL, q.Args...)
	if err != nil {
		return nil, fmt.Errorf("quarry: sql query: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("quarry: sql columns: %w", err)
	}
	var out [][]any
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("quarry: sql scan: %w", err)
		}
		out = append(out, vals)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("quarry: sql rows: %w", err)
	}
	return out, nil
}

// load attaches the first hop's relation to owners. Deeper hops are loaded
// into the targets before they are attached, so value-typed fields receive
// complete copies.
func (e *SQLExecutor) load(ctx context.Context, owners []any, hops []FetchHop) error {
	if len(owners) == 0 || len(hops) == 0 {
		return nil
	}
	h := hops[0]
	if strings.Contains(h.Property, ".") {
		return unsupportedSQL("fetch through embeddable " + h.Path)
	}
	osm, err := storageOf(h.Owner)
	if err != nil {
		return err
	}
	rel, ok := osm.Relation(h.Property)
	if !ok {
		return unsupportedSQL("fetch " + h.Path)
	}
	setter, ok := h.Owner.Element().(PropertySetter)
	if !ok {
		return unsupportedSQL("fetch into " + h.Owner.TypeName())
	}
	ownerKey, ok := propertyForColumn(h.Owner, osm, rel.LocalKey)
	if !ok {
		return unsupportedSQL(fmt.Sprintf("fetch %s: no property for column %s", h.Path, rel.LocalKey))
	}

	byKey := make(map[string][]any)
	var keys []any
	for _, o := range owners {
		v, err := h.Owner.Element().PropertyValue(o, ownerKey)
		if err != nil {
			return err
		}
		if v == nil {
			continue
		}
		k := fmt.Sprint(v)
		if _, seen := byKey[k]; !seen {
			keys = append(keys, v)
		}
		byKey[k] = append(byKey[k], o)
	}
	if len(keys) == 0 {
		return nil
	}

	b := newSQLBuilder(e.dialect)
	ph := make([]string, len(keys))
	for i, k := range keys {
		ph[i] = b.bind(k)
	}

	if rel.Kind == RelationElements {
		q := SQLQuery{
			SQL: fmt.Sprintf("SELECT %s, %s FROM %s WHERE %s IN (%s)",
				e.dialect.quoteIdent(rel.ForeignKey), e.dialect.quoteIdent(rel.ValueColumn),
				e.dialect.quoteIdent(rel.Table), e.dialect.quoteIdent(rel.ForeignKey), strings.Join(ph, ", ")),
			Args: b.args,
		}
		rows, err := e.query(ctx, q)
		if err != nil {
			return err
		}
		for _, row := range rows {
			for _, o := range byKey[fmt.Sprint(normalizeKey(row[0]))] {
				if err := setter.AppendProperty(o, h.Property, row[1]); err != nil {
					return err
				}
			}
		}
		return nil
	}

	target := h.Target.Element()
	tsc, ok := target.(ColumnScanner)
	if !ok {
		return unsupportedSQL("materializing " + target.TypeName())
	}
	tsm, err := storageOf(target)
	if err != nil {
		return err
	}
	targetKey, ok := propertyForColumn(target, tsm, rel.ForeignKey)
	if !ok {
		return unsupportedSQL(fmt.Sprintf("fetch %s: no property for column %s", h.Path, rel.ForeignKey))
	}
	cols := tsc.ScanColumns()
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = e.dialect.quoteIdent(c)
	}
	q := SQLQuery{
		SQL: fmt.Sprintf("SELECT %s FROM %s WHERE %s IN (%s)",
			strings.Join(quoted, ", "), e.dialect.quoteIdent(rel.Table),
			e.dialect.quoteIdent(rel.ForeignKey), strings.Join(ph, ", ")),
		Args: b.args,
	}
	rows, err := e.query(ctx, q)
	if err != nil {
		return err
	}
	targets := make([]any, len(rows))
	for i, row := range rows {
		if targets[i], err = tsc.Materialize(row); err != nil {
			return err
		}
	}
	if err := e.load(ctx, targets, hops[1:]); err != nil {
		return err
	}
	for _, t := range targets {
		v, err := target.PropertyValue(t, targetKey)
		if err != nil {
			return err
		}
		for _, o := range byKey[fmt.Sprint(v)] {
			if rel.Kind == RelationToOne {
				err = setter.SetProperty(o, h.Property, t)
			} else {
				err = setter.AppendProperty(o, h.Property, t)
			}
			if err != nil {
				return err
			}
		}
	}
	return nil
}

func propertyForColumn(m Metadata, sm StorageMapping, column string) (string, bool) {
	for _, p := range m.Element().Properties() {
		if c, ok := sm.Column(p); ok && c == column {
			return p, true
		}
	}
	return "", false
}

func normalizeKey(v any) any {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return v
}
