package quarry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryDescribesEntities(t *testing.T) {
	r := newTestRegistry(t)
	assert.Equal(t, []string{"Customer", "Order"}, r.Types())

	m, err := r.Metadata("Customer")
	require.NoError(t, err)
	assert.True(t, m.IsEntity())
	assert.False(t, m.IsEmbeddable())
	assert.Equal(t, []string{"id", "name", "email", "age", "active", "score", "address", "tags", "orders"}, m.Properties())

	id, ok := m.IDProperty()
	require.True(t, ok)
	assert.Equal(t, "id", id)

	name, err := m.PropertyType("name")
	require.NoError(t, err)
	assert.True(t, name.IsString())
	assert.False(t, name.IsCollection())

	age, err := m.PropertyType("age")
	require.NoError(t, err)
	assert.True(t, age.IsNumeric())

	addr, err := m.PropertyType("address")
	require.NoError(t, err)
	assert.True(t, addr.IsEmbeddable())
	assert.Equal(t, []string{"street", "city"}, addr.Properties())

	tags, err := m.PropertyType("tags")
	require.NoError(t, err)
	assert.True(t, tags.IsCollection())
	assert.True(t, tags.IsString())
	assert.Equal(t, CollectionList, tags.CollectionKind())

	orders, err := m.PropertyType("orders")
	require.NoError(t, err)
	assert.True(t, orders.IsCollection())
	assert.True(t, orders.IsEntity())
	assert.Equal(t, "Order", orders.Element().TypeName())

	_, err = m.PropertyType("missing")
	var nf *PropertyNotFoundError
	assert.ErrorAs(t, err, &nf)

	_, err = r.Metadata("Invoice")
	var nr *NotRegisteredError
	assert.ErrorAs(t, err, &nr)
}

func TestRegistryStorageMapping(t *testing.T) {
	r := newTestRegistry(t)
	m, err := r.Metadata("Customer")
	require.NoError(t, err)
	sm := m.(StorageMapping)

	assert.Equal(t, "customers", sm.Table())
	col, ok := sm.Column("address.city")
	require.True(t, ok)
	assert.Equal(t, "address_city", col)
	_, ok = sm.Column("orders")
	assert.False(t, ok)

	rel, ok := sm.Relation("orders")
	require.True(t, ok)
	assert.Equal(t, Relation{Kind: RelationToMany, Table: "orders", LocalKey: "id", ForeignKey: "customer_id"}, rel)

	rel, ok = sm.Relation("tags")
	require.True(t, ok)
	assert.Equal(t, Relation{Kind: RelationElements, Table: "customer_tags", LocalKey: "id", ForeignKey: "customer_id", ValueColumn: "tag"}, rel)

	om, err := r.Metadata("Order")
	require.NoError(t, err)
	rel, ok = om.(StorageMapping).Relation("customer")
	require.True(t, ok)
	assert.Equal(t, Relation{Kind: RelationToOne, Table: "customers", LocalKey: "customer_id", ForeignKey: "id"}, rel)

	assert.Equal(t, []string{"id", "name", "email", "age", "active", "score", "address_street", "address_city"}, m.(ColumnScanner).ScanColumns())
}

type taggedModel struct {
	Key     string     `quarry:"id;column=pk"`
	Label   string     `quarry:"name=title"`
	Secret  string     `quarry:"-"`
	Labels  []string   `quarry:"set;table=model_labels;value=label"`
	Visited *time.Time `json:"visited"`
	hidden  bool
}

func (taggedModel) TableName() string { return "tagged" }

func TestRegistryTags(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, Register[taggedModel](r, "Tagged"))

	m, err := r.Metadata("Tagged")
	require.NoError(t, err)
	assert.Equal(t, []string{"key", "title", "labels", "visited"}, m.Properties())

	id, ok := m.IDProperty()
	require.True(t, ok)
	assert.Equal(t, "key", id)

	sm := m.(StorageMapping)
	assert.Equal(t, "tagged", sm.Table())
	col, _ := sm.Column("key")
	assert.Equal(t, "pk", col)

	labels, err := m.PropertyType("labels")
	require.NoError(t, err)
	assert.Equal(t, CollectionSet, labels.CollectionKind())
	rel, ok := sm.Relation("labels")
	require.True(t, ok)
	assert.Equal(t, "model_labels", rel.Table)
	assert.Equal(t, "label", rel.ValueColumn)

	visited, err := m.PropertyType("visited")
	require.NoError(t, err)
	assert.False(t, visited.IsEmbeddable())
	assert.Equal(t, "time.Time", visited.TypeName())
}

func TestRegistryNamingStrategy(t *testing.T) {
	r := NewRegistry(WithNamingStrategy(NAMING_STRATEGY_NO_CHANGE))
	MustRegister[Customer](r)
	m, err := r.Metadata("Customer")
	require.NoError(t, err)
	col, ok := m.(StorageMapping).Column("address.city")
	require.True(t, ok)
	assert.Equal(t, "Address_City", col)
}

func TestRegistryRejectsConflicts(t *testing.T) {
	r := newTestRegistry(t)
	assert.Error(t, Register[Order](r, "Customer"))
	assert.Error(t, r.Register(42))
	assert.Error(t, r.Register(nil))
}

func TestPropertyValueAndID(t *testing.T) {
	r := newTestRegistry(t)
	m, err := r.Metadata("Customer")
	require.NoError(t, err)
	c := &Customer{ID: 7, Name: "Eve", Address: Address{City: "Oslo"}}

	v, err := m.PropertyValue(c, "name")
	require.NoError(t, err)
	assert.Equal(t, "Eve", v)

	v, err = m.PropertyValue(*c, "tags")
	require.NoError(t, err)
	assert.Nil(t, v)

	id, ok := m.IDValue(c)
	require.True(t, ok)
	assert.Equal(t, int64(7), id)

	_, ok = m.IDValue(&Customer{})
	assert.False(t, ok)

	_, err = m.PropertyValue(c, "nope")
	var nf *PropertyNotFoundError
	assert.ErrorAs(t, err, &nf)
}

func TestMaterializeAndSetters(t *testing.T) {
	r := newTestRegistry(t)
	m, err := r.Metadata("Customer")
	require.NoError(t, err)

	v, err := m.(ColumnScanner).Materialize([]any{int64(5), []byte("Zed"), "z@example.com", int64(40), int64(1), 12.5, nil, "Rome"})
	require.NoError(t, err)
	c, ok := v.(*Customer)
	require.True(t, ok)
	assert.Equal(t, Customer{ID: 5, Name: "Zed", Email: "z@example.com", Age: 40, Active: true, Score: 12.5, Address: Address{City: "Rome"}}, *c)

	_, err = m.(ColumnScanner).Materialize([]any{int64(1)})
	assert.Error(t, err)

	setter := m.(PropertySetter)
	require.NoError(t, setter.AppendProperty(c, "tags", []byte("vip")))
	require.NoError(t, setter.AppendProperty(c, "orders", &Order{ID: 1}))
	require.NoError(t, setter.SetProperty(c, "age", int32(41)))
	assert.Equal(t, []string{"vip"}, c.Tags)
	assert.Equal(t, []Order{{ID: 1}}, c.Orders)
	assert.Equal(t, 41, c.Age)
	assert.Error(t, setter.AppendProperty(c, "name", "x"))
}

func TestLowerCamel(t *testing.T) {
	assert.Equal(t, "id", lowerCamel("ID"))
	assert.Equal(t, "urlPath", lowerCamel("URLPath"))
	assert.Equal(t, "departmentID", lowerCamel("DepartmentID"))
	assert.Equal(t, "name", lowerCamel("Name"))
}
