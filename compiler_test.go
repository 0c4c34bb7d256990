package quarry

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeExecutor struct {
	rows   [][]any
	count  int64
	err    error
	runs   int
	counts int
	last   *Plan
}

func (f *fakeExecutor) Run(_ context.Context, plan *Plan) ([][]any, error) {
	f.runs++
	f.last = plan
	return f.rows, f.err
}

func (f *fakeExecutor) RunCount(_ context.Context, plan *Plan) (int64, error) {
	f.counts++
	f.last = plan
	return f.count, f.err
}

func TestCompileErrors(t *testing.T) {
	c := NewCompiler(newTestRegistry(t))

	var (
		notFound   *PropertyNotFoundError
		mismatch   *TypeMismatchError
		invalid    *InvalidFilterError
		config     *ConfigurationError
		binding    *CustomExpressionBindingError
		unknownTyp *NotRegisteredError
	)
	tests := []struct {
		name   string
		search *Builder
		target any
	}{
		{"unknown type", NewSearch("Invoice"), &unknownTyp},
		{"embeddable type", NewSearch("Address"), &unknownTyp},
		{"unknown property", NewSearch("Customer").AddFilterEqual("nickname", "b"), &notFound},
		{"unknown nested property", NewSearch("Customer").AddFilterEqual("address.zip", "1"), &notFound},
		{"path through scalar", NewSearch("Customer").AddFilterEqual("name.first", "b"), &notFound},
		{"unknown property in quantifier", NewSearch("Customer").AddFilter(Some("orders", Equal("sku", 1))), &notFound},
		{"unknown sort", NewSearch("Customer").AddSortAsc("rank"), &notFound},
		{"like on number", NewSearch("Customer").AddFilterLike("age", "1*"), &mismatch},
		{"like with non string pattern", NewSearch("Customer").AddFilter(Filter{Op: OperationLike, Property: "name", Value: 5}), &mismatch},
		{"compare collection", NewSearch("Customer").AddFilter(GreaterThan("orders", 1)), &mismatch},
		{"compare embeddable", NewSearch("Customer").AddFilterEqual("address", "x"), &mismatch},
		{"quantifier on scalar", NewSearch("Customer").AddFilter(Some("name", Equal("", "x"))), &mismatch},
		{"null test on collection", NewSearch("Customer").AddFilter(IsNull("tags")), &mismatch},
		{"empty test on number", NewSearch("Customer").AddFilter(IsEmpty("age")), &mismatch},
		{"sort on collection", NewSearch("Customer").AddSortAsc("orders"), &mismatch},
		{"sum of string", NewSearch("Customer").AddAggregate(AggregateSum, "name", ""), &mismatch},
		{"field on embeddable", NewSearch("Customer").AddField("address"), &mismatch},
		{"fetch scalar", NewSearch("Customer").AddFetch("name"), &mismatch},
		{"element outside quantifier", NewSearch("Customer").AddFilterEqual("", 1), &invalid},
		{"not with two children", NewSearch("Customer").AddFilter(Filter{Op: OperationNot, Filters: []Filter{Equal("age", 1), Equal("name", "a")}}), &invalid},
		{"custom arity", NewSearch("Customer").AddFilter(Custom("age > ? and age < ?", 1)), &binding},
		{"unknown aggregate", NewSearch("Customer").AddAggregate("median", "age", ""), &config},
		{"aggregate without property", NewSearch("Customer").AddAggregate(AggregateMax, "", ""), &config},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan, err := c.Compile(tt.search.Build())
			assert.Nil(t, plan)
			assert.ErrorAs(t, err, tt.target)
		})
	}
}

func TestCompileErrorDetails(t *testing.T) {
	c := NewCompiler(newTestRegistry(t))

	_, err := c.Compile(NewSearch("Customer").AddFilter(Some("orders", Equal("sku", 1))).Build())
	var nf *PropertyNotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "Customer", nf.TypeName)
	assert.Equal(t, "orders.sku", nf.Path)
	assert.Equal(t, "sku", nf.Segment)

	_, err = c.Compile(NewSearch("Customer").AddFilterLike("age", "1*").Build())
	var tm *TypeMismatchError
	require.ErrorAs(t, err, &tm)
	assert.Equal(t, OperationLike, tm.Op)
	assert.Equal(t, "age", tm.Path)
	assert.Equal(t, "string", tm.Expected)

	_, err = c.Compile(NewSearch("Customer").AddFilter(Custom("age > ? and name = '?'", 1, 2)).Build())
	var cb *CustomExpressionBindingError
	require.ErrorAs(t, err, &cb)
	assert.Equal(t, 1, cb.Placeholders)
	assert.Equal(t, 2, cb.Values)
}

func TestCompileResultShapes(t *testing.T) {
	c := NewCompiler(newTestRegistry(t))

	tests := []struct {
		name   string
		mode   ResultMode
		fields []string
		shape  Shape
		err    bool
	}{
		{"auto entity", ResultAuto, nil, ShapeEntity, false},
		{"entity", ResultEntity, nil, ShapeEntity, false},
		{"array of entity", ResultArray, nil, ShapeEntityList, false},
		{"single entity", ResultSingle, nil, ShapeEntity, false},
		{"map needs fields", ResultMap, nil, 0, true},
		{"entity with fields", ResultEntity, []string{"name"}, 0, true},
		{"auto one field", ResultAuto, []string{"name"}, ShapeValue, false},
		{"single one field", ResultSingle, []string{"name"}, ShapeValue, false},
		{"array one field", ResultArray, []string{"name"}, ShapeValue, false},
		{"map one field", ResultMap, []string{"name"}, ShapeMap, false},
		{"auto many fields", ResultAuto, []string{"name", "age"}, ShapeMap, false},
		{"array many fields", ResultArray, []string{"name", "age"}, ShapeList, false},
		{"single many fields", ResultSingle, []string{"name", "age"}, ShapeFirst, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := NewSearch("Customer")
			require.NoError(t, b.SetResultMode(tt.mode))
			for _, f := range tt.fields {
				b.AddField(f)
			}
			plan, err := c.Compile(b.Build())
			if tt.err {
				var ce *ConfigurationError
				assert.ErrorAs(t, err, &ce)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.shape, plan.Shape)
		})
	}
}

func TestCompileNormalizesFilters(t *testing.T) {
	c := NewCompiler(newTestRegistry(t))

	plan := mustCompile(t, c, NewSearch("Customer").AddFilter(And(Or(), Not(And()))).Build())
	assert.Nil(t, plan.Where)

	plan = mustCompile(t, c, NewSearch("Customer").AddFilter(And(Or(), Equal("name", "Bob"))).Build())
	require.NotNil(t, plan.Where)
	assert.Equal(t, OperationEqual, plan.Where.Op)

	plan = mustCompile(t, c, NewSearch("Customer").AddFilter(Equal("email", nil), NotEqual("name", nil)).Build())
	require.Len(t, plan.Where.Children, 2)
	assert.Equal(t, OperationIsNull, plan.Where.Children[0].Op)
	assert.Equal(t, OperationIsNotNull, plan.Where.Children[1].Op)

	plan = mustCompile(t, c, NewSearch("Customer").AddFilter(Not(Not(Equal("age", 3)))).Build())
	assert.Equal(t, OperationEqual, plan.Where.Op)

	plan = mustCompile(t, c, NewSearch("Customer").AddFilter(And(Equal("age", 1), And(Equal("age", 2), Equal("age", 3)))).Build())
	assert.Len(t, plan.Where.Children, 3)
}

func TestCompileSharesJoins(t *testing.T) {
	c := NewCompiler(newTestRegistry(t))
	plan := mustCompile(t, c, NewSearch("Order").
		AddFilterEqual("customer.name", "Alice").
		AddFilter(GreaterThan("customer.age", 30)).
		AddSortAsc("customer.address.city").
		Build())

	require.Len(t, plan.Joins(), 1)
	j := plan.Joins()[0]
	assert.Equal(t, "customer", j.Path)
	assert.Equal(t, "t0", plan.Root.Alias)
	assert.Equal(t, "t1", j.Alias)
	for _, p := range plan.Where.Children {
		assert.Same(t, j, p.Column.Join)
	}
	assert.Same(t, j, plan.Sorts[0].Column.Join)
	assert.Equal(t, "address.city", plan.Sorts[0].Column.Property)
}

type Employee struct {
	ID         int64
	Name       string
	Department *Department
}

type Department struct {
	ID      int64
	Name    string
	Manager *Employee
}

func TestCompileSharesNestedJoins(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(Employee{}, Department{}))
	c := NewCompiler(r)

	plan := mustCompile(t, c, NewSearch("Employee").
		AddFilterEqual("department.manager.name", "Grace").
		AddFilterEqual("department.name", "Research").
		AddSortAsc("department.manager.name").
		Build())

	joins := plan.Joins()
	require.Len(t, joins, 2)
	dept, manager := joins[0], joins[1]
	assert.Equal(t, "department", dept.Path)
	assert.Equal(t, "department.manager", manager.Path)
	assert.Same(t, dept, manager.Parent)
	assert.Same(t, manager, plan.Where.Children[0].Column.Join)
	assert.Same(t, dept, plan.Where.Children[1].Column.Join)
	assert.Same(t, manager, plan.Sorts[0].Column.Join)

	q, err := BuildRawSelect(plan, DialectSQLite)
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(q.SQL, "JOIN"))
}

func TestCompileComparesEntitiesByID(t *testing.T) {
	c := NewCompiler(newTestRegistry(t))

	plan := mustCompile(t, c, NewSearch("Order").AddFilterEqual("customer", &Customer{ID: 3}).Build())
	assert.Equal(t, "customer.id", plan.Where.Column.Path)
	assert.Equal(t, int64(3), plan.Where.Value)

	plan = mustCompile(t, c, NewSearch("Order").AddFilterIn("customer", int64(1), Customer{ID: 2}).Build())
	assert.Equal(t, []any{int64(1), int64(2)}, plan.Where.Values)
}

func TestCompileQuantifierScopes(t *testing.T) {
	c := NewCompiler(newTestRegistry(t))
	plan := mustCompile(t, c, NewSearch("Customer").
		AddFilter(Some("orders", Equal("status", "paid"))).
		AddFilter(All("tags", Like("", "v*"))).
		Build())

	assert.Equal(t, `Customer AS t0 WHERE (SOME(t0.orders AS t1: t1.status EQUAL paid) AND ALL(t0.tags AS t2: t2. LIKE v*)) OFFSET 0 LIMIT 0 SHAPE entity`, plan.String())

	some := plan.Where.Children[0]
	assert.Same(t, plan.Root, some.Scope.Parent)
	assert.Same(t, some.Scope, some.Children[0].Column.Scope)
}

func TestCompilePagingAndSorts(t *testing.T) {
	r := newTestRegistry(t)
	b := NewSearch("Customer").AddSorts(Sort{Property: "age", IgnoreCase: true}, Sort{Property: "name", IgnoreCase: true, Desc: true})
	require.NoError(t, b.SetPaging(2, 25))

	plan := mustCompile(t, NewCompiler(r), b.Build())
	assert.Equal(t, 50, plan.Offset)
	assert.Equal(t, 25, plan.Limit)
	assert.False(t, plan.Sorts[0].IgnoreCase)
	assert.True(t, plan.Sorts[1].IgnoreCase)
	assert.True(t, plan.Sorts[1].Desc)

	capped := mustCompile(t, NewCompiler(r, WithMaxResultsCap(10)), b.Build())
	assert.Equal(t, 10, capped.Limit)
	assert.Equal(t, 20, capped.Offset)

	skipped := NewSearch("Customer")
	require.NoError(t, skipped.SetFirstResult(35))
	require.NoError(t, skipped.SetMaxResults(25))
	capped = mustCompile(t, NewCompiler(r, WithMaxResultsCap(10)), skipped.Build())
	assert.Equal(t, 35, capped.Offset)
	assert.Equal(t, 10, capped.Limit)

	small := NewSearch("Customer")
	require.NoError(t, small.SetPaging(3, 5))
	capped = mustCompile(t, NewCompiler(r, WithMaxResultsCap(10)), small.Build())
	assert.Equal(t, 15, capped.Offset)
	assert.Equal(t, 5, capped.Limit)
	unbounded := mustCompile(t, NewCompiler(r, WithMaxResultsCap(10)), NewSearch("Customer").Build())
	assert.Equal(t, 10, unbounded.Limit)
}

func TestCompileFetches(t *testing.T) {
	c := NewCompiler(newTestRegistry(t))
	plan := mustCompile(t, c, NewSearch("Order").AddFetch("customer.orders", "customer.tags").Build())

	require.Len(t, plan.Fetches, 2)
	hops := plan.Fetches[0].Hops
	require.Len(t, hops, 2)
	assert.Equal(t, "customer", hops[0].Path)
	assert.False(t, hops[0].Collection)
	assert.Equal(t, "customer.orders", hops[1].Path)
	assert.True(t, hops[1].Collection)
	assert.Equal(t, "Order", hops[1].Target.TypeName())
	assert.Empty(t, plan.Joins())

	last := plan.Fetches[1].Hops[1]
	assert.True(t, last.Collection)
	assert.False(t, last.Target.IsEntity())
}

func TestCompileAggregates(t *testing.T) {
	c := NewCompiler(newTestRegistry(t))
	plan := mustCompile(t, c, NewSearch("Customer").
		AddField("address.city", "city").
		AddAggregate(AggregateCount, "", "n").
		AddAggregate(AggregateAvg, "score", "").
		Build())

	assert.True(t, plan.HasAggregates())
	assert.Equal(t, []string{"city", "n", "avg(score)"}, plan.Keys())
	require.Len(t, plan.GroupBy(), 1)
	assert.Equal(t, "address.city", plan.GroupBy()[0].Path)
	assert.Nil(t, plan.Fields[1].Column)
	assert.Equal(t, ShapeMap, plan.Shape)
}

func TestCompileDoesNotMutateSearch(t *testing.T) {
	c := NewCompiler(newTestRegistry(t))
	s := NewSearch("Customer").AddFilter(And(Or(), Equal("email", nil))).AddSorts(Sort{Property: "age", IgnoreCase: true}).Build()
	before := s.Document()

	mustCompile(t, c, s)
	assert.Equal(t, before, s.Document())
}

func TestPlanReshape(t *testing.T) {
	p := &Plan{Shape: ShapeMap, Fields: []Projection{{Key: "a"}, {Key: "b"}}}
	out, err := p.Reshape([][]any{{1, "x"}})
	require.NoError(t, err)
	assert.Equal(t, []any{map[string]any{"a": 1, "b": "x"}}, out)

	p.Shape = ShapeList
	out, err = p.Reshape([][]any{{1, "x"}})
	require.NoError(t, err)
	assert.Equal(t, []any{[]any{1, "x"}}, out)

	p.Shape = ShapeFirst
	out, err = p.Reshape([][]any{{1, "x"}, {2, "y"}})
	require.NoError(t, err)
	assert.Equal(t, []any{1, 2}, out)

	p.Shape = ShapeEntityList
	out, err = p.Reshape([][]any{{"e"}})
	require.NoError(t, err)
	assert.Equal(t, []any{[]any{"e"}}, out)

	_, err = p.Reshape([][]any{{}})
	assert.Error(t, err)
}

func TestCompilerSearchOperations(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)
	alice := &Customer{ID: 1, Name: "Alice"}
	exec := &fakeExecutor{rows: [][]any{{alice}}, count: 7}
	c := NewCompiler(r, WithExecutor(exec))
	s := NewSearch("Customer").AddFilterEqual("name", "Alice").Build()

	results, err := c.Search(ctx, s)
	require.NoError(t, err)
	assert.Equal(t, []any{alice}, results)

	n, err := c.Count(ctx, s)
	require.NoError(t, err)
	assert.Equal(t, int64(7), n)

	res, err := c.SearchAndCount(ctx, s)
	require.NoError(t, err)
	assert.Equal(t, Result{Results: []any{alice}, Total: 7}, res)

	one, err := c.SearchUnique(ctx, s)
	require.NoError(t, err)
	assert.Same(t, alice, one)

	exec.rows = nil
	one, err = c.SearchUnique(ctx, s)
	require.NoError(t, err)
	assert.Nil(t, one)

	exec.rows = [][]any{{alice}, {&Customer{ID: 2}}}
	_, err = c.SearchUnique(ctx, s)
	var nu *NonUniqueResultError
	require.ErrorAs(t, err, &nu)
	assert.Equal(t, 2, nu.Count)
}

func TestCompilerFailsBeforeExecuting(t *testing.T) {
	ctx := context.Background()
	exec := &fakeExecutor{}
	c := NewCompiler(newTestRegistry(t), WithExecutor(exec))
	bad := NewSearch("Customer").AddFilterEqual("nickname", "x").Build()

	_, err := c.Search(ctx, bad)
	assert.Error(t, err)
	_, err = c.Count(ctx, bad)
	assert.Error(t, err)
	_, err = c.SearchAndCount(ctx, bad)
	assert.Error(t, err)
	assert.Zero(t, exec.runs)
	assert.Zero(t, exec.counts)
}

func TestCompilerPropagatesExecutorErrors(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("boom")
	c := NewCompiler(newTestRegistry(t), WithExecutor(&fakeExecutor{err: boom}))
	s := NewSearch("Customer").Build()

	_, err := c.Search(ctx, s)
	assert.ErrorIs(t, err, boom)
	_, err = c.Count(ctx, s)
	assert.ErrorIs(t, err, boom)

	_, err = NewCompiler(newTestRegistry(t)).Search(ctx, s)
	assert.ErrorIs(t, err, ErrNoExecutor)
}
