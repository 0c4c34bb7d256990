package quarry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatcherRoutesByType(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)
	customers := &fakeExecutor{rows: [][]any{{&Customer{ID: 1}}}, count: 1}
	fallback := &fakeExecutor{rows: [][]any{{&Order{ID: 10}}, {&Order{ID: 11}}}, count: 2}

	d := NewDispatcher(r, NewCompiler(r, WithExecutor(fallback)))
	d.Handle("Customer", NewCompiler(r, WithExecutor(customers)))

	results, err := d.Search(ctx, NewSearch("Customer").Build())
	require.NoError(t, err)
	assert.Len(t, results, 1)
	assert.Equal(t, 1, customers.runs)
	assert.Zero(t, fallback.runs)

	res, err := d.SearchAndCount(ctx, NewSearch("Order").Build())
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.Total)
	assert.Equal(t, 1, fallback.runs)
	assert.Equal(t, 1, fallback.counts)

	n, err := d.Count(ctx, NewSearch("Customer").Build())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = d.SearchUnique(ctx, NewSearch("Order").Build())
	var nu *NonUniqueResultError
	assert.ErrorAs(t, err, &nu)
}

func TestDispatcherWithoutFallback(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)
	d := NewDispatcher(r, nil)
	d.Handle("Customer", NewCompiler(r, WithExecutor(&fakeExecutor{})))

	_, err := d.Search(ctx, NewSearch("Customer").Build())
	require.NoError(t, err)

	var nr *NotRegisteredError
	_, err = d.Search(ctx, NewSearch("Order").Build())
	require.ErrorAs(t, err, &nr)
	assert.Equal(t, "Order", nr.TypeName)

	_, err = d.Count(ctx, NewSearch("Order").Build())
	assert.ErrorAs(t, err, &nr)
	_, err = d.SearchAndCount(ctx, NewSearch("Order").Build())
	assert.ErrorAs(t, err, &nr)
	_, err = d.SearchUnique(ctx, NewSearch("Order").Build())
	assert.ErrorAs(t, err, &nr)

	_, err = d.FilterFromExample(&Order{Status: "paid"}, ExampleOptions{})
	assert.ErrorAs(t, err, &nr)

	f, err := d.FilterFromExample(&Customer{Name: "Bob"}, ExampleOptions{})
	require.NoError(t, err)
	assert.Equal(t, Equal("name", "Bob"), f)

	_, err = d.FilterFromExample(&Address{City: "Oslo"}, ExampleOptions{})
	assert.Error(t, err)
}

func TestRepository(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)
	d := NewDispatcher(r, NewCompiler(r, WithExecutor(NewGormExecutor(newGormTestDB(t)))))
	repo := NewRepository[Customer](d, "Customer")
	assert.Equal(t, "Customer", repo.TypeName())

	found, err := repo.Find(ctx, repo.NewSearch().AddFilterEqual("address.city", "Berlin").AddSortAsc("id").Build())
	require.NoError(t, err)
	require.Len(t, found, 2)
	assert.Equal(t, "Alice", found[0].Name)
	assert.Equal(t, "Carol", found[1].Name)

	n, err := repo.Count(ctx, repo.NewSearch().AddFilterEqual("active", true).Build())
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	res, err := repo.SearchAndCount(ctx, repo.NewSearch().AddFilterEqual("name", "bob").Build())
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Total)

	bob, err := repo.Unique(ctx, repo.NewSearch().AddFilterEqual("id", 2).Build())
	require.NoError(t, err)
	require.NotNil(t, bob)
	assert.Equal(t, "Paris", bob.Address.City)

	nobody, err := repo.Unique(ctx, repo.NewSearch().AddFilterEqual("id", 99).Build())
	require.NoError(t, err)
	assert.Nil(t, nobody)

	_, err = repo.Unique(ctx, repo.NewSearch().AddFilterEqual("active", true).Build())
	var nu *NonUniqueResultError
	assert.ErrorAs(t, err, &nu)
}

func TestRepositoryRejectsOtherTypes(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)
	exec := &fakeExecutor{}
	repo := NewRepository[Customer](NewDispatcher(r, NewCompiler(r, WithExecutor(exec))), "Customer")
	orders := NewSearch("Order").Build()

	var ce *ConfigurationError
	_, err := repo.Search(ctx, orders)
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "type", ce.Setting)
	_, err = repo.Find(ctx, orders)
	assert.ErrorAs(t, err, &ce)
	_, err = repo.Count(ctx, orders)
	assert.ErrorAs(t, err, &ce)
	_, err = repo.SearchAndCount(ctx, orders)
	assert.ErrorAs(t, err, &ce)
	_, err = repo.Unique(ctx, orders)
	assert.ErrorAs(t, err, &ce)
	assert.Zero(t, exec.runs)
	assert.Zero(t, exec.counts)
}

func TestRepositoryFindTypeMismatch(t *testing.T) {
	r := newTestRegistry(t)
	exec := &fakeExecutor{rows: [][]any{{Customer{ID: 1}}, {&Order{ID: 2}}}}
	repo := NewRepository[Customer](NewDispatcher(r, NewCompiler(r, WithExecutor(exec))), "Customer")

	_, err := repo.Find(context.Background(), repo.NewSearch().Build())
	var tm *TypeMismatchError
	require.ErrorAs(t, err, &tm)
	assert.Equal(t, Operation("FIND"), tm.Op)

	exec.rows = exec.rows[:1]
	found, err := repo.Find(context.Background(), repo.NewSearch().Build())
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, int64(1), found[0].ID)
}

func TestRepositoryFiltersFromExamples(t *testing.T) {
	r := newTestRegistry(t)
	repo := NewRepository[Customer](NewDispatcher(r, NewCompiler(r)), "Customer")

	f, err := repo.FilterFromExample(&Customer{Name: "Bob", Age: 30}, ExampleOptions{})
	require.NoError(t, err)
	assert.Equal(t, And(Equal("name", "Bob"), Equal("age", 30)), f)

	filters, err := repo.FiltersFromExamples([]*Customer{{Name: "Bob"}, {Email: "x@example.com"}, {}}, ExampleOptions{})
	require.NoError(t, err)
	require.Len(t, filters, 3)
	assert.Equal(t, Equal("name", "Bob"), filters[0])
	assert.Equal(t, Equal("email", "x@example.com"), filters[1])
	assert.True(t, filters[2].IsEmpty())

	unrouted := NewRepository[Customer](NewDispatcher(r, nil), "Customer")
	_, err = unrouted.FiltersFromExamples([]*Customer{{Name: "Bob"}}, ExampleOptions{})
	var nr *NotRegisteredError
	assert.ErrorAs(t, err, &nr)
}
