package quarry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFilterConstructors(t *testing.T) {
	assert.Equal(t, Filter{Op: OperationEqual, Property: "name", Value: "Bob"}, Equal("name", "Bob"))
	assert.Equal(t, Filter{Op: OperationIsNull, Property: "email"}, IsNull("email"))
	assert.Equal(t, []any{1, 2, 3}, In("id", []int{1, 2, 3}).Values)
	assert.Equal(t, []any{1, 2}, In("id", 1, 2).Values)
	assert.Equal(t, []any{[]byte("ab")}, In("blob", []byte("ab")).Values)

	some := Some("orders", Equal("status", "paid"))
	assert.Equal(t, OperationSome, some.Op)
	assert.Equal(t, "orders", some.Property)
	require.Len(t, some.Filters, 1)
	assert.Equal(t, "status", some.Filters[0].Property)
}

func TestFilterIsEmpty(t *testing.T) {
	assert.True(t, Filter{}.IsEmpty())
	assert.True(t, Empty().IsEmpty())
	assert.True(t, And(Or(), Not(And())).IsEmpty())
	assert.False(t, And(Or(), Equal("a", 1)).IsEmpty())
	assert.False(t, Some("orders", Empty()).IsEmpty())
	assert.False(t, Custom("1=1").IsEmpty())
}

func TestFilterValidate(t *testing.T) {
	tests := []struct {
		name   string
		filter Filter
		ok     bool
	}{
		{"leaf", Equal("a", 1), true},
		{"missing op", Filter{Property: "a"}, false},
		{"value on in", Filter{Op: OperationIn, Property: "a", Value: 1}, false},
		{"values on equal", Filter{Op: OperationEqual, Property: "a", Values: []any{1}}, false},
		{"value on is null", Filter{Op: OperationIsNull, Property: "a", Value: 1}, false},
		{"property on and", Filter{Op: OperationAnd, Property: "a"}, false},
		{"not with two children", Filter{Op: OperationNot, Filters: []Filter{Equal("a", 1), Equal("b", 2)}}, false},
		{"quantifier without property", Some("", Equal("a", 1)), false},
		{"quantifier without child", Filter{Op: OperationAll, Property: "orders"}, false},
		{"blank custom", Custom("  "), false},
		{"unknown op", Filter{Op: "BETWEEN", Property: "a"}, false},
		{"nested error", And(Equal("a", 1), Filter{Op: OperationIn, Property: "b", Value: 2}), false},
		{"nested quantifier", Some("orders", And(Equal("status", "paid"), GreaterThan("total", 10))), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.filter.Validate()
			if tt.ok {
				assert.NoError(t, err)
				return
			}
			var ife *InvalidFilterError
			assert.ErrorAs(t, err, &ife)
		})
	}
}

func TestFilterCloneIsDeep(t *testing.T) {
	orig := And(In("id", 1, 2), Some("orders", Equal("status", "paid")))
	cp := orig.Clone()
	cp.Filters[0].Values[0] = 99
	cp.Filters[1].Filters[0].Value = "open"

	assert.Equal(t, 1, orig.Filters[0].Values[0])
	assert.Equal(t, "paid", orig.Filters[1].Filters[0].Value)
}

func TestFilterProperties(t *testing.T) {
	f := And(
		Equal("name", "Bob"),
		Or(IsNull("email"), Custom("LENGTH(name) > ?", 3)),
		Some("orders", Equal("status", "paid")),
		Some("tags", Equal("", "vip")),
	)
	assert.Equal(t, []string{"name", "email", "orders", "orders.status", "tags"}, f.Properties())
}

func TestFilterString(t *testing.T) {
	tests := []struct {
		filter Filter
		want   string
	}{
		{Equal("name", "Bob"), `name = "Bob"`},
		{NotEqual("age", 30), `age != 30`},
		{In("id", 1, 2), `id in [1, 2]`},
		{NotIn("status", "a"), `status not in ["a"]`},
		{IsNotEmpty("tags"), `tags is not empty`},
		{ILike("name", "b*"), `name ilike "b*"`},
		{Not(Equal("active", true)), `not (active = true)`},
		{And(Equal("a", 1), Or(Equal("b", 2), Equal("c", 3))), `(a = 1 and (b = 2 or c = 3))`},
		{And(Empty(), Equal("a", 1)), `a = 1`},
		{Some("tags", Equal("", "vip")), `some tags (_ = "vip")`},
		{Custom("LENGTH(name) > ?", 3), `custom("LENGTH(name) > ?", [3])`},
		{Empty(), ``},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.filter.String())
	}
}
