package quarry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSearchDefaults(t *testing.T) {
	s := NewSearch("Customer").Build()
	assert.Equal(t, "Customer", s.Type())
	assert.Equal(t, -1, s.FirstResult())
	assert.Equal(t, -1, s.MaxResults())
	assert.Equal(t, -1, s.Page())
	assert.Equal(t, ResultAuto, s.ResultMode())
	assert.Equal(t, 0, s.Offset())
	assert.Equal(t, 0, s.Limit())
	assert.True(t, s.Filter().IsEmpty())
}

func TestSearchPaging(t *testing.T) {
	tests := []struct {
		name          string
		first, max    int
		page          int
		offset, limit int
	}{
		{"unset", -1, -1, -1, 0, 0},
		{"first result only", 15, -1, -1, 15, 0},
		{"max only", -1, 10, -1, 0, 10},
		{"first and max", 5, 10, -1, 5, 10},
		{"page wins over first result", 5, 10, 2, 20, 10},
		{"page without max", -1, -1, 3, 0, 0},
		{"zero max clears limit", -1, 0, 1, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := NewSearch("Customer")
			require.NoError(t, b.SetFirstResult(tt.first))
			require.NoError(t, b.SetMaxResults(tt.max))
			require.NoError(t, b.SetPage(tt.page))
			s := b.Build()
			assert.Equal(t, tt.offset, s.Offset())
			assert.Equal(t, tt.limit, s.Limit())
		})
	}
}

func TestSearchPagingRejectsNegative(t *testing.T) {
	b := NewSearch("Customer")
	var ce *ConfigurationError
	assert.ErrorAs(t, b.SetPage(-2), &ce)
	assert.Equal(t, "page", ce.Setting)
	assert.ErrorAs(t, b.SetMaxResults(-5), &ce)
	assert.ErrorAs(t, b.SetFirstResult(-2), &ce)
	assert.ErrorAs(t, b.SetResultMode(ResultMode(9)), &ce)

	s := b.Build()
	assert.Equal(t, -1, s.Page())
	assert.Equal(t, -1, s.MaxResults())
	assert.Equal(t, ResultAuto, s.ResultMode())
}

func TestBuildSnapshotIsImmutable(t *testing.T) {
	b := NewSearch("Customer").
		AddFilterEqual("name", "Bob").
		AddSortAsc("name").
		AddField("name").
		AddFetch("orders")
	s := b.Build()

	b.AddFilterEqual("age", 30).AddSortDesc("age").AddField("age").AddFetch("tags").SetDistinct(true)
	assert.Len(t, s.Filters(), 1)
	assert.Len(t, s.Sorts(), 1)
	assert.Len(t, s.Fields(), 1)
	assert.Equal(t, []string{"orders"}, s.Fetches())
	assert.False(t, s.Distinct())

	filters := s.Filters()
	filters[0].Value = "Eve"
	assert.Equal(t, "Bob", s.Filters()[0].Value)

	sorts := s.Sorts()
	sorts[0].Desc = true
	assert.False(t, s.Sorts()[0].Desc)
}

func TestBuilderCopyAndClear(t *testing.T) {
	b := NewSearch("Customer").AddFilterEqual("name", "Bob").SetDisjunction(true)
	require.NoError(t, b.SetPaging(1, 20))

	cp := b.Copy().AddFilterEqual("age", 3)
	assert.Len(t, b.Build().Filters(), 1)
	assert.Len(t, cp.Build().Filters(), 2)

	s := b.Clear().Build()
	assert.Equal(t, "Customer", s.Type())
	assert.Empty(t, s.Filters())
	assert.False(t, s.Disjunction())
	assert.Equal(t, -1, s.Page())
}

func TestBuilderRemove(t *testing.T) {
	b := NewSearch("Customer").
		AddFilter(Equal("name", "Bob"), Or(Equal("age", 1), Equal("name", "Eve")), Custom("1=1")).
		AddSorts(Asc("name"), Desc("age")).
		AddFields(Field{Property: "name"}, Field{Property: "age"}).
		AddFetch("orders", "orders", "tags")

	assert.Equal(t, []string{"orders", "tags"}, b.Build().Fetches())

	s := b.RemoveFiltersOnProperty("name").RemoveSort("name").RemoveField("age").RemoveFetch("tags").Build()
	require.Len(t, s.Filters(), 2)
	assert.Equal(t, Or(Equal("age", 1)), s.Filters()[0])
	assert.Equal(t, OperationCustom, s.Filters()[1].Op)
	assert.Equal(t, []Sort{Desc("age")}, s.Sorts())
	assert.Equal(t, []Field{{Property: "name"}}, s.Fields())
	assert.Equal(t, []string{"orders"}, s.Fetches())

	s = b.RemoveFilter(Custom("1=1")).Build()
	assert.Len(t, s.Filters(), 1)
}

func TestSearchFilterCombinesTopLevel(t *testing.T) {
	b := NewSearch("Customer").AddFilterEqual("a", 1).AddFilterEqual("b", 2)
	assert.Equal(t, OperationAnd, b.Build().Filter().Op)
	assert.Equal(t, OperationOr, b.SetDisjunction(true).Build().Filter().Op)
}

func TestFieldOutputKey(t *testing.T) {
	assert.Equal(t, "name", Field{Property: "name"}.OutputKey())
	assert.Equal(t, "n", Field{Property: "name", Key: "n"}.OutputKey())
	assert.Equal(t, "count(*)", Field{Aggregate: AggregateCount}.OutputKey())
	assert.Equal(t, "max(age)", Field{Property: "age", Aggregate: AggregateMax}.OutputKey())
}

func TestParseResultMode(t *testing.T) {
	for in, want := range map[string]ResultMode{"": ResultAuto, "map": ResultMap, "3": ResultArray, "Single": ResultSingle} {
		got, err := ParseResultMode(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseResultMode("rows")
	var ce *ConfigurationError
	assert.ErrorAs(t, err, &ce)
}

func TestSearchString(t *testing.T) {
	b := NewSearch("Customer").AddFilterEqual("name", "Bob").AddSortDesc("age").SetDistinct(true)
	require.NoError(t, b.SetPaging(2, 10))
	assert.Equal(t, `search Customer where name = "Bob" sort=age:desc distinct page=skip:20,take:10`, b.Build().String())
}
