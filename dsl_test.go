package quarry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFilter(t *testing.T) {
	tests := []struct {
		input string
		want  Filter
	}{
		{`name = "Bob"`, Equal("name", "Bob")},
		{`age >= 18`, GreaterOrEqual("age", int64(18))},
		{`score < 2.5`, LessThan("score", 2.5)},
		{`active != false`, NotEqual("active", false)},
		{`email = null`, Equal("email", nil)},
		{`name like "B*"`, Like("name", "B*")},
		{`name ilike "*ob"`, ILike("name", "*ob")},
		{`id in [1, 2, 3]`, In("id", int64(1), int64(2), int64(3))},
		{`status not in ["x"]`, NotIn("status", "x")},
		{`id in []`, Filter{Op: OperationIn, Property: "id", Values: []any{}}},
		{`email is null`, IsNull("email")},
		{`email is not null`, IsNotNull("email")},
		{`tags is empty`, IsEmpty("tags")},
		{`tags is not empty`, IsNotEmpty("tags")},
		{`address.city = "Berlin"`, Equal("address.city", "Berlin")},
		{
			`name = "a" or age > 1 and active = true`,
			Or(Equal("name", "a"), And(GreaterThan("age", int64(1)), Equal("active", true))),
		},
		{
			`(name = "a" or age > 1) and not active = true`,
			And(Or(Equal("name", "a"), GreaterThan("age", int64(1))), Not(Equal("active", true))),
		},
		{
			`some orders (total > 100 and status = "paid")`,
			Some("orders", And(GreaterThan("total", int64(100)), Equal("status", "paid"))),
		},
		{`all tags (_ like "v*")`, All("tags", Like("", "v*"))},
		{`none orders ()`, None("orders", Empty())},
		{`custom("LENGTH(name) > ?", [3])`, Custom("LENGTH(name) > ?", int64(3))},
		{`custom("1=1")`, Custom("1=1")},
		{`name = "say \"hi\""`, Equal("name", `say "hi"`)},
		{``, Empty()},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseFilter(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseFilterErrors(t *testing.T) {
	for _, input := range []string{
		`name =`,
		`= "Bob"`,
		`name = "Bob" and`,
		`some orders total > 1`,
		`id in [1, 2`,
		`name == "x"`,
	} {
		_, err := ParseFilter(input)
		assert.Error(t, err, input)
	}
}

func TestFilterStringRoundTrip(t *testing.T) {
	filters := []Filter{
		And(Equal("name", "Bob"), Or(GreaterThan("age", int64(30)), IsNull("email"))),
		Not(In("status", "a", "b")),
		Some("orders", And(GreaterOrEqual("total", 10.5), NotIn("status", "cancelled"))),
		None("tags", Equal("", "legacy")),
		All("orders", IsNotEmpty("product")),
		Custom("LENGTH(name) > ?", int64(3)),
		ILike("address.city", "*ber*"),
	}
	for _, f := range filters {
		parsed, err := ParseFilter(f.String())
		require.NoError(t, err, f.String())
		assert.Equal(t, f, parsed, f.String())
	}
}

func TestParseSearch(t *testing.T) {
	s, err := ParseSearch("Customer", `age > 30 sort=name:iasc,age:desc page=skip:5,take:10 fetch=[orders, tags]`)
	require.NoError(t, err)

	assert.Equal(t, "Customer", s.Type())
	assert.Equal(t, []Filter{GreaterThan("age", int64(30))}, s.Filters())
	assert.Equal(t, []Sort{{Property: "name", IgnoreCase: true}, {Property: "age", Desc: true}}, s.Sorts())
	assert.Equal(t, 5, s.Offset())
	assert.Equal(t, 10, s.Limit())
	assert.Equal(t, []string{"orders", "tags"}, s.Fetches())
}

func TestParseSearchPageClause(t *testing.T) {
	s, err := ParseSearch("Customer", `page=take:20,page:3`)
	require.NoError(t, err)
	assert.Empty(t, s.Filters())
	assert.Equal(t, 60, s.Offset())
	assert.Equal(t, 20, s.Limit())

	_, err = ParseSearch("Customer", `page=page:-4`)
	var ce *ConfigurationError
	assert.ErrorAs(t, err, &ce)
}
