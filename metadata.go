package quarry

import "reflect"

// CollectionKind reports the container shape of a collection-valued
// property. It says nothing about the element type.
type CollectionKind int

const (
	CollectionNone CollectionKind = iota
	CollectionList
	CollectionSet
	CollectionArray
)

func (k CollectionKind) String() string {
	switch k {
	case CollectionList:
		return "list"
	case CollectionSet:
		return "set"
	case CollectionArray:
		return "array"
	default:
		return "none"
	}
}

// Metadata describes the persistence shape of a type. Implementations are
// read-only; everything the engine needs is answered through this interface so
// the compiler never inspects concrete model types itself.
//
// PropertyType of a collection-valued property returns metadata for the
// element with IsCollection reporting true; CollectionKind reports the
// container and Element returns the bare element metadata.
type Metadata interface {
	TypeName() string

	IsEntity() bool
	IsEmbeddable() bool
	IsCollection() bool
	IsString() bool
	IsNumeric() bool

	// Properties lists property names in declaration order, id included.
	// Scalars have none.
	Properties() []string
	PropertyType(name string) (Metadata, error)
	CollectionKind() CollectionKind
	Element() Metadata

	IDProperty() (string, bool)
	IDType() (Metadata, bool)
	IDValue(instance any) (any, bool)

	// PropertyValue fails with *PropertyNotFoundError when name is not one
	// of Properties.
	PropertyValue(instance any, name string) (any, error)
}

// MetadataProvider hands out metadata per root type.
type MetadataProvider interface {
	Metadata(typeName string) (Metadata, error)
	MetadataFor(instance any) (Metadata, error)
}

// RelationKind classifies how an entity reaches a related entity or value
// collection in relational storage.
type RelationKind int

const (
	RelationToOne RelationKind = iota + 1
	RelationToMany
	RelationElements
)

// Relation carries the keys needed to join a property in relational storage.
//
// ToOne: LocalKey is the foreign key column on the owner, ForeignKey the
// referenced column on Table. ToMany: LocalKey is the owner key and
// ForeignKey the back reference on Table. Elements: Table holds one row per
// value keyed by ForeignKey, the value itself in ValueColumn.
type Relation struct {
	Kind        RelationKind
	Table       string
	LocalKey    string
	ForeignKey  string
	ValueColumn string
}

// StorageMapping is implemented by entity metadata backed by tables.
// property may cross embeddables ("address.city").
type StorageMapping interface {
	Table() string
	Column(property string) (string, bool)
	Relation(property string) (Relation, bool)
}

// GoTyped exposes the Go type behind metadata, used by backends that decode
// into structs (GORM, MongoDB, Elasticsearch).
type GoTyped interface {
	GoType() reflect.Type
	// GoFieldPath maps a dotted property path to the dotted Go field path.
	GoFieldPath(path string) (string, bool)
}

// DocumentMapping maps a property to its key inside a stored document, for
// the given struct tag ("bson", "json").
type DocumentMapping interface {
	DocumentKey(property, tag string) (string, bool)
}

// ColumnScanner materializes entities from relational rows.
type ColumnScanner interface {
	// ScanColumns lists the columns read for a whole entity, in scan order.
	ScanColumns() []string
	// Materialize builds a new instance from values read in ScanColumns order.
	Materialize(values []any) (any, error)
}

// PropertySetter writes properties on instances returned by Materialize.
// Executors use it to attach eagerly fetched relations.
type PropertySetter interface {
	SetProperty(ptr any, name string, value any) error
	AppendProperty(ptr any, name string, elem any) error
}

// isScalar reports whether m is a leaf value usable in comparisons.
func isScalar(m Metadata) bool {
	return !m.IsCollection() && !m.IsEntity() && !m.IsEmbeddable()
}

func describe(m Metadata) string {
	switch {
	case m.IsCollection():
		return "collection of " + m.TypeName()
	case m.IsEntity():
		return "entity " + m.TypeName()
	case m.IsEmbeddable():
		return "embeddable " + m.TypeName()
	case m.IsString():
		return "string"
	case m.IsNumeric():
		return "numeric " + m.TypeName()
	default:
		return m.TypeName()
	}
}
