package quarry

import (
	"database/sql"
	"database/sql/driver"
	"encoding"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gobeam/stringy"
	"github.com/jinzhu/inflection"
)

type NamingStrategy string

const NAMING_STRATEGY_NO_CHANGE NamingStrategy = "no_change"
const NAMING_STRATEGY_SNAKE_CASE NamingStrategy = "snake_case"

const tagName = "quarry"

var (
	valuerType        = reflect.TypeOf((*driver.Valuer)(nil)).Elem()
	textMarshalerType = reflect.TypeOf((*encoding.TextMarshaler)(nil)).Elem()
	scannerType       = reflect.TypeOf((*sql.Scanner)(nil)).Elem()
	tablerType        = reflect.TypeOf((*interface{ TableName() string })(nil)).Elem()
)

// Registry is a MetadataProvider over plain Go structs. Registered structs are
// entities; any other struct reachable from them is an embeddable. Field
// layout is computed once at registration and served from index paths.
//
// Tags: `quarry:"name=n;column=c;id;fk=k;ref=r;table=t;value=v;prefix=p;set"`,
// `quarry:"-"` skips a field.
type Registry struct {
	mu     sync.RWMutex
	byName map[string]*structMeta
	byType map[reflect.Type]*structMeta
	naming NamingStrategy
}

type RegistryOption func(*Registry)

// WithNamingStrategy selects how Go names become column and table names.
func WithNamingStrategy(strategy NamingStrategy) RegistryOption {
	return func(r *Registry) { r.naming = strategy }
}

func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		byName: make(map[string]*structMeta),
		byType: make(map[reflect.Type]*structMeta),
		naming: NAMING_STRATEGY_SNAKE_CASE,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds entity models, given as struct values or pointers.
func (r *Registry) Register(models ...any) error {
	for _, m := range models {
		t := reflect.TypeOf(m)
		if t == nil {
			return fmt.Errorf("quarry: cannot register nil model")
		}
		if err := r.registerType(t, ""); err != nil {
			return err
		}
	}
	return nil
}

// Register adds T to r as an entity. typeName overrides the Go type name.
func Register[T any](r *Registry, typeName ...string) error {
	name := ""
	if len(typeName) > 0 {
		name = typeName[0]
	}
	return r.registerType(reflect.TypeOf((*T)(nil)).Elem(), name)
}

// MustRegister is Register for program initialization.
func MustRegister[T any](r *Registry, typeName ...string) {
	if err := Register[T](r, typeName...); err != nil {
		panic(err)
	}
}

func (r *Registry) registerType(t reflect.Type, name string) error {
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct || isValueType(t) {
		return fmt.Errorf("quarry: register %s: expected struct, got %s", t, t.Kind())
	}
	if name == "" {
		name = t.Name()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.byName[name]; ok && existing.typ != t {
		return fmt.Errorf("quarry: type name %q already registered to %s", name, existing.typ)
	}
	m := r.buildLocked(t)
	m.name = name
	m.entity = true
	m.table = r.tableName(t)
	r.byName[name] = m
	return nil
}

// buildLocked returns the struct metadata for t, creating it and every struct
// reachable from it on first sight.
func (r *Registry) buildLocked(t reflect.Type) *structMeta {
	if m, ok := r.byType[t]; ok {
		return m
	}
	m := &structMeta{reg: r, typ: t, name: t.Name(), byName: make(map[string]*fieldInfo)}
	r.byType[t] = m
	r.collectFields(m, t, nil)
	for _, f := range m.fields {
		if f.isStruct {
			r.buildLocked(f.base)
		}
	}
	return m
}

func (r *Registry) collectFields(m *structMeta, t reflect.Type, index []int) {
	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		if !sf.IsExported() {
			continue
		}
		tag := parseFieldTag(sf.Tag.Get(tagName))
		if tag.skip {
			continue
		}
		idx := append(append([]int{}, index...), i)
		// Anonymous structs without a tag are promoted, as in encoding/json and GORM.
		if sf.Anonymous && sf.Tag.Get(tagName) == "" {
			at := sf.Type
			if at.Kind() == reflect.Ptr {
				at = at.Elem()
			}
			if at.Kind() == reflect.Struct && !isValueType(at) {
				r.collectFields(m, at, idx)
				continue
			}
		}
		f := r.buildField(sf, idx, tag)
		if _, dup := m.byName[f.name]; dup {
			continue
		}
		m.fields = append(m.fields, f)
		m.byName[f.name] = f
		if f.id || (m.id == nil && sf.Name == "ID" && f.kind == CollectionNone && !f.isStruct) {
			m.id = f
		}
	}
}

func (r *Registry) buildField(sf reflect.StructField, index []int, tag fieldTag) *fieldInfo {
	f := &fieldInfo{
		name:     tag.name,
		goName:   sf.Name,
		index:    index,
		typ:      sf.Type,
		tag:      sf.Tag,
		id:       tag.id,
		column:   tag.column,
		fk:       tag.fk,
		ref:      tag.ref,
		table:    tag.table,
		valueCol: tag.value,
		prefix:   tag.prefix,
	}
	if f.name == "" {
		f.name = jsonName(sf)
	}
	if f.name == "" {
		f.name = lowerCamel(sf.Name)
	}
	if f.column == "" {
		f.column = r.columnName(sf.Name)
	}
	if f.prefix == "" {
		f.prefix = r.columnName(sf.Name) + "_"
	}

	base := sf.Type
	for base.Kind() == reflect.Ptr {
		base = base.Elem()
	}
	switch {
	case base.Kind() == reflect.Slice && base.Elem().Kind() != reflect.Uint8 && !isValueType(base):
		f.kind = CollectionList
		if tag.set {
			f.kind = CollectionSet
		}
		base = base.Elem()
	case base.Kind() == reflect.Array && base.Elem().Kind() != reflect.Uint8 && !isValueType(base):
		f.kind = CollectionArray
		base = base.Elem()
	case base.Kind() == reflect.Map:
		// map keys become element values; only the "set" idiom map[T]struct{} or map[T]bool is meaningful
		f.kind = CollectionSet
		base = base.Key()
	}
	for base.Kind() == reflect.Ptr {
		base = base.Elem()
	}
	f.base = base
	f.isStruct = base.Kind() == reflect.Struct && !isValueType(base)
	return f
}

func (r *Registry) columnName(name string) string {
	switch r.naming {
	case NAMING_STRATEGY_SNAKE_CASE:
		return stringy.New(name).SnakeCase("?", "").ToLower()
	case NAMING_STRATEGY_NO_CHANGE:
		fallthrough
	default:
		return name
	}
}

func (r *Registry) tableName(t reflect.Type) string {
	if t.Implements(tablerType) {
		return reflect.Zero(t).Interface().(interface{ TableName() string }).TableName()
	}
	if reflect.PointerTo(t).Implements(tablerType) {
		return reflect.New(t).Interface().(interface{ TableName() string }).TableName()
	}
	return inflection.Plural(r.columnName(t.Name()))
}

func (r *Registry) structFor(t reflect.Type) *structMeta {
	r.mu.RLock()
	m, ok := r.byType[t]
	r.mu.RUnlock()
	if ok {
		return m
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.buildLocked(t)
}

// Metadata implements MetadataProvider.
func (r *Registry) Metadata(typeName string) (Metadata, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.byName[typeName]
	if !ok {
		return nil, &NotRegisteredError{TypeName: typeName}
	}
	return m, nil
}

// MetadataFor implements MetadataProvider. Unregistered structs are described
// as embeddables, everything else as a scalar.
func (r *Registry) MetadataFor(instance any) (Metadata, error) {
	t := reflect.TypeOf(instance)
	if t == nil {
		return nil, &NotRegisteredError{TypeName: "<nil>"}
	}
	return r.metadataForType(t), nil
}

func (r *Registry) metadataForType(t reflect.Type) Metadata {
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if t.Kind() == reflect.Struct && !isValueType(t) {
		return r.structFor(t)
	}
	return scalarMeta{typ: t}
}

// Types lists registered entity type names, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.byName))
	for n := range r.byName {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

type fieldTag struct {
	name, column, fk, ref, table, value, prefix string
	id, set, skip                               bool
}

func parseFieldTag(s string) fieldTag {
	var t fieldTag
	if s == "-" {
		t.skip = true
		return t
	}
	for _, part := range strings.Split(s, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, val, _ := strings.Cut(part, "=")
		switch strings.ToLower(key) {
		case "name":
			t.name = val
		case "column":
			t.column = val
		case "fk":
			t.fk = val
		case "ref":
			t.ref = val
		case "table":
			t.table = val
		case "value":
			t.value = val
		case "prefix":
			t.prefix = val
		case "id":
			t.id = true
		case "set":
			t.set = true
		case "-":
			t.skip = true
		}
	}
	return t
}

type fieldInfo struct {
	name     string
	goName   string
	index    []int
	typ      reflect.Type
	base     reflect.Type
	kind     CollectionKind
	isStruct bool
	tag      reflect.StructTag

	id       bool
	column   string
	fk       string
	ref      string
	table    string
	valueCol string
	prefix   string
}

type structMeta struct {
	reg    *Registry
	typ    reflect.Type
	name   string
	entity bool
	table  string
	fields []*fieldInfo
	byName map[string]*fieldInfo
	id     *fieldInfo
}

func (m *structMeta) TypeName() string { return m.name }

func (m *structMeta) IsEntity() bool {
	m.reg.mu.RLock()
	defer m.reg.mu.RUnlock()
	return m.entity
}

func (m *structMeta) IsEmbeddable() bool             { return !m.IsEntity() }
func (m *structMeta) IsCollection() bool             { return false }
func (m *structMeta) IsString() bool                 { return false }
func (m *structMeta) IsNumeric() bool                { return false }
func (m *structMeta) CollectionKind() CollectionKind { return CollectionNone }
func (m *structMeta) Element() Metadata              { return m }
func (m *structMeta) GoType() reflect.Type           { return m.typ }

func (m *structMeta) Properties() []string {
	out := make([]string, len(m.fields))
	for i, f := range m.fields {
		out[i] = f.name
	}
	return out
}

func (m *structMeta) PropertyType(name string) (Metadata, error) {
	f, ok := m.byName[name]
	if !ok {
		return nil, &PropertyNotFoundError{TypeName: m.name, Path: name, Segment: name}
	}
	return m.fieldMeta(f), nil
}

func (m *structMeta) fieldMeta(f *fieldInfo) Metadata {
	elem := m.reg.metadataForType(f.base)
	if f.kind != CollectionNone {
		return collectionMeta{elem: elem, kind: f.kind}
	}
	return elem
}

func (m *structMeta) IDProperty() (string, bool) {
	if m.id == nil {
		return "", false
	}
	return m.id.name, true
}

func (m *structMeta) IDType() (Metadata, bool) {
	if m.id == nil {
		return nil, false
	}
	return m.fieldMeta(m.id), true
}

// IDValue reports false when the instance has no id property or the id is
// still the zero value.
func (m *structMeta) IDValue(instance any) (any, bool) {
	if m.id == nil {
		return nil, false
	}
	v, ok := m.fieldValue(instance, m.id)
	if !ok || !v.IsValid() || v.IsZero() {
		return nil, false
	}
	return plainValue(v), true
}

func (m *structMeta) PropertyValue(instance any, name string) (any, error) {
	f, ok := m.byName[name]
	if !ok {
		return nil, &PropertyNotFoundError{TypeName: m.name, Path: name, Segment: name}
	}
	v, ok := m.fieldValue(instance, f)
	if !ok {
		return nil, nil
	}
	return plainValue(v), nil
}

// fieldValue walks f.index on instance. ok is false when an embedded pointer
// on the way is nil.
func (m *structMeta) fieldValue(instance any, f *fieldInfo) (reflect.Value, bool) {
	v := reflect.ValueOf(instance)
	for v.Kind() == reflect.Ptr || v.Kind() == reflect.Interface {
		if v.IsNil() {
			return reflect.Value{}, false
		}
		v = v.Elem()
	}
	if v.Type() != m.typ {
		return reflect.Value{}, false
	}
	for i, x := range f.index {
		if i > 0 {
			for v.Kind() == reflect.Ptr {
				if v.IsNil() {
					return reflect.Value{}, false
				}
				v = v.Elem()
			}
		}
		v = v.Field(x)
	}
	return v, true
}

// plainValue dereferences pointers to scalars; nil pointers become nil.
func plainValue(v reflect.Value) any {
	if v.Kind() == reflect.Ptr {
		if v.IsNil() {
			return nil
		}
		if e := v.Elem(); e.Kind() != reflect.Struct || isValueType(e.Type()) {
			return e.Interface()
		}
	}
	if (v.Kind() == reflect.Slice || v.Kind() == reflect.Map) && v.IsNil() {
		return nil
	}
	return v.Interface()
}

// walk follows a dotted property path from m through embeddables, returning
// the final field, the struct that owns it and the accumulated column prefix.
// Entities are not crossed.
func (m *structMeta) walk(path string) (*fieldInfo, *structMeta, string, bool) {
	cur := m
	prefix := ""
	segs := strings.Split(path, ".")
	for i, seg := range segs {
		f, ok := cur.byName[seg]
		if !ok {
			return nil, nil, "", false
		}
		if i == len(segs)-1 {
			return f, cur, prefix, true
		}
		if !f.isStruct || f.kind != CollectionNone {
			return nil, nil, "", false
		}
		next := m.reg.structFor(f.base)
		if next.IsEntity() {
			return nil, nil, "", false
		}
		prefix += f.prefix
		cur = next
	}
	return nil, nil, "", false
}

func (m *structMeta) Table() string {
	m.reg.mu.RLock()
	defer m.reg.mu.RUnlock()
	return m.table
}

func (m *structMeta) Column(property string) (string, bool) {
	f, _, prefix, ok := m.walk(property)
	if !ok || f.kind != CollectionNone || f.isStruct {
		return "", false
	}
	return prefix + f.column, true
}

func (m *structMeta) idColumn() string {
	if m.id == nil {
		return "id"
	}
	return m.id.column
}

func (m *structMeta) Relation(property string) (Relation, bool) {
	f, _, prefix, ok := m.walk(property)
	if !ok {
		return Relation{}, false
	}
	if f.kind == CollectionNone {
		if !f.isStruct {
			return Relation{}, false
		}
		target := m.reg.structFor(f.base)
		if !target.IsEntity() {
			return Relation{}, false
		}
		fk := f.fk
		if fk == "" {
			fk = prefix + m.reg.columnName(f.goName) + "_id"
		}
		ref := f.ref
		if ref == "" {
			ref = target.idColumn()
		}
		return Relation{Kind: RelationToOne, Table: target.Table(), LocalKey: fk, ForeignKey: ref}, true
	}

	local := f.ref
	if local == "" {
		local = m.idColumn()
	}
	fk := f.fk
	if fk == "" {
		fk = m.reg.columnName(m.typ.Name()) + "_id"
	}
	if f.isStruct {
		target := m.reg.structFor(f.base)
		if target.IsEntity() {
			return Relation{Kind: RelationToMany, Table: target.Table(), LocalKey: local, ForeignKey: fk}, true
		}
		return Relation{}, false
	}
	table := f.table
	if table == "" {
		table = m.reg.columnName(m.typ.Name()) + "_" + m.reg.columnName(f.goName)
	}
	value := f.valueCol
	if value == "" {
		value = inflection.Singular(m.reg.columnName(f.goName))
	}
	return Relation{Kind: RelationElements, Table: table, LocalKey: local, ForeignKey: fk, ValueColumn: value}, true
}

func (m *structMeta) GoFieldPath(path string) (string, bool) {
	cur := m
	segs := strings.Split(path, ".")
	out := make([]string, 0, len(segs))
	for i, seg := range segs {
		f, ok := cur.byName[seg]
		if !ok {
			return "", false
		}
		out = append(out, f.goName)
		if i == len(segs)-1 {
			break
		}
		if !f.isStruct {
			return "", false
		}
		cur = m.reg.structFor(f.base)
	}
	return strings.Join(out, "."), true
}

func (m *structMeta) DocumentKey(property, tag string) (string, bool) {
	f, ok := m.byName[property]
	if !ok {
		return "", false
	}
	if name, _, _ := strings.Cut(f.tag.Get(tag), ","); name != "" && name != "-" {
		return name, true
	}
	if tag == "bson" {
		return strings.ToLower(f.goName), true
	}
	return f.goName, true
}

type scanColumn struct {
	column string
	index  []int
}

func (m *structMeta) scanLayout() []scanColumn {
	var out []scanColumn
	var visit func(s *structMeta, prefix string, index []int)
	visit = func(s *structMeta, prefix string, index []int) {
		for _, f := range s.fields {
			if f.kind != CollectionNone {
				continue
			}
			idx := append(append([]int{}, index...), f.index...)
			if f.isStruct {
				next := m.reg.structFor(f.base)
				if next.IsEntity() {
					continue
				}
				visit(next, prefix+f.prefix, idx)
				continue
			}
			out = append(out, scanColumn{column: prefix + f.column, index: idx})
		}
	}
	visit(m, "", nil)
	return out
}

func (m *structMeta) ScanColumns() []string {
	layout := m.scanLayout()
	cols := make([]string, len(layout))
	for i, c := range layout {
		cols[i] = c.column
	}
	return cols
}

func (m *structMeta) Materialize(values []any) (any, error) {
	layout := m.scanLayout()
	if len(values) != len(layout) {
		return nil, fmt.Errorf("quarry: materialize %s: %d values for %d columns", m.name, len(values), len(layout))
	}
	ptr := reflect.New(m.typ)
	for i, c := range layout {
		dst := fieldByIndexAlloc(ptr.Elem(), c.index)
		if err := assignValue(dst, values[i]); err != nil {
			return nil, fmt.Errorf("quarry: materialize %s.%s: %w", m.name, c.column, err)
		}
	}
	return ptr.Interface(), nil
}

// SetProperty assigns value to a single property of the instance pointed to by ptr.
func (m *structMeta) SetProperty(ptr any, name string, value any) error {
	f, ok := m.byName[name]
	if !ok {
		return &PropertyNotFoundError{TypeName: m.name, Path: name, Segment: name}
	}
	v := reflect.ValueOf(ptr)
	if v.Kind() != reflect.Ptr || v.IsNil() {
		return fmt.Errorf("quarry: set %s.%s: need non-nil pointer", m.name, name)
	}
	return assignValue(fieldByIndexAlloc(v.Elem(), f.index), value)
}

// AppendProperty appends elem to a collection property of the instance
// pointed to by ptr, converting elem to the declared element type.
func (m *structMeta) AppendProperty(ptr any, name string, elem any) error {
	f, ok := m.byName[name]
	if !ok {
		return &PropertyNotFoundError{TypeName: m.name, Path: name, Segment: name}
	}
	if f.kind != CollectionList && f.kind != CollectionSet {
		return fmt.Errorf("quarry: append %s.%s: not a slice property", m.name, name)
	}
	v := reflect.ValueOf(ptr)
	if v.Kind() != reflect.Ptr || v.IsNil() {
		return fmt.Errorf("quarry: append %s.%s: need non-nil pointer", m.name, name)
	}
	field := fieldByIndexAlloc(v.Elem(), f.index)
	for field.Kind() == reflect.Ptr {
		if field.IsNil() {
			field.Set(reflect.New(field.Type().Elem()))
		}
		field = field.Elem()
	}
	switch field.Kind() {
	case reflect.Slice:
		item := reflect.New(field.Type().Elem()).Elem()
		if err := assignValue(item, elem); err != nil {
			return fmt.Errorf("quarry: append %s.%s: %w", m.name, name, err)
		}
		field.Set(reflect.Append(field, item))
	case reflect.Map:
		if field.IsNil() {
			field.Set(reflect.MakeMap(field.Type()))
		}
		key := reflect.New(field.Type().Key()).Elem()
		if err := assignValue(key, elem); err != nil {
			return fmt.Errorf("quarry: append %s.%s: %w", m.name, name, err)
		}
		val := reflect.New(field.Type().Elem()).Elem()
		if val.Kind() == reflect.Bool {
			val.SetBool(true)
		}
		field.SetMapIndex(key, val)
	default:
		return fmt.Errorf("quarry: append %s.%s: not a slice property", m.name, name)
	}
	return nil
}

func fieldByIndexAlloc(v reflect.Value, index []int) reflect.Value {
	for i, x := range index {
		if i > 0 {
			for v.Kind() == reflect.Ptr {
				if v.IsNil() {
					v.Set(reflect.New(v.Type().Elem()))
				}
				v = v.Elem()
			}
		}
		v = v.Field(x)
	}
	return v
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// assignValue stores a driver or caller value into dst, converting between
// the loose types SQL drivers return and the field's declared type.
func assignValue(dst reflect.Value, v any) error {
	if v == nil {
		dst.Set(reflect.Zero(dst.Type()))
		return nil
	}
	if dst.CanAddr() && dst.Addr().Type().Implements(scannerType) {
		return dst.Addr().Interface().(sql.Scanner).Scan(v)
	}
	if dst.Kind() == reflect.Ptr {
		if rv := reflect.ValueOf(v); rv.Type().AssignableTo(dst.Type()) {
			dst.Set(rv)
			return nil
		}
		elem := reflect.New(dst.Type().Elem())
		if err := assignValue(elem.Elem(), v); err != nil {
			return err
		}
		dst.Set(elem)
		return nil
	}

	src := reflect.ValueOf(v)
	for src.Kind() == reflect.Ptr {
		if src.IsNil() {
			dst.Set(reflect.Zero(dst.Type()))
			return nil
		}
		src = src.Elem()
	}
	switch {
	case src.Type().AssignableTo(dst.Type()):
		dst.Set(src)
		return nil
	case dst.Kind() == reflect.String && src.Kind() == reflect.Slice && src.Type().Elem().Kind() == reflect.Uint8:
		dst.SetString(string(src.Bytes()))
		return nil
	case dst.Kind() == reflect.Bool && src.CanInt():
		dst.SetBool(src.Int() != 0)
		return nil
	case dst.Type() == reflect.TypeOf(time.Time{}):
		s := ""
		switch x := v.(type) {
		case string:
			s = x
		case []byte:
			s = string(x)
		default:
			return fmt.Errorf("cannot assign %T to time.Time", v)
		}
		for _, layout := range timeLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				dst.Set(reflect.ValueOf(t))
				return nil
			}
		}
		return fmt.Errorf("cannot parse %q as time", s)
	case isNumberKind(dst.Kind()) && isNumberKind(src.Kind()):
		dst.Set(src.Convert(dst.Type()))
		return nil
	case src.Type().ConvertibleTo(dst.Type()) && src.Kind() == dst.Kind():
		dst.Set(src.Convert(dst.Type()))
		return nil
	}
	return fmt.Errorf("cannot assign %T to %s", v, dst.Type())
}

func isNumberKind(k reflect.Kind) bool {
	switch k {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return true
	}
	return false
}

// isValueType reports struct and array types that persist as one value
// (time.Time, uuid.UUID, sql.NullString).
func isValueType(t reflect.Type) bool {
	if t.Kind() != reflect.Struct && t.Kind() != reflect.Array {
		return false
	}
	pt := reflect.PointerTo(t)
	return t.Implements(valuerType) || pt.Implements(valuerType) ||
		t.Implements(textMarshalerType) || pt.Implements(textMarshalerType)
}

func jsonName(sf reflect.StructField) string {
	name, _, _ := strings.Cut(sf.Tag.Get("json"), ",")
	if name == "-" {
		return ""
	}
	return name
}

// lowerCamel lowers the leading upper-case run: "ID" -> "id",
// "URLPath" -> "urlPath", "DepartmentID" -> "departmentID".
func lowerCamel(s string) string {
	r := []rune(s)
	n := 0
	for n < len(r) && r[n] >= 'A' && r[n] <= 'Z' {
		n++
	}
	if n == 0 {
		return s
	}
	if n > 1 && n < len(r) {
		n--
	}
	for i := 0; i < n; i++ {
		r[i] = r[i] + ('a' - 'A')
	}
	return string(r)
}

type scalarMeta struct {
	typ reflect.Type
}

func (m scalarMeta) TypeName() string               { return m.typ.String() }
func (m scalarMeta) IsEntity() bool                 { return false }
func (m scalarMeta) IsEmbeddable() bool             { return false }
func (m scalarMeta) IsCollection() bool             { return false }
func (m scalarMeta) IsString() bool                 { return m.typ.Kind() == reflect.String }
func (m scalarMeta) IsNumeric() bool                { return isNumberKind(m.typ.Kind()) }
func (m scalarMeta) Properties() []string           { return nil }
func (m scalarMeta) CollectionKind() CollectionKind { return CollectionNone }
func (m scalarMeta) Element() Metadata              { return m }
func (m scalarMeta) IDProperty() (string, bool)     { return "", false }
func (m scalarMeta) IDType() (Metadata, bool)       { return nil, false }
func (m scalarMeta) IDValue(any) (any, bool)        { return nil, false }
func (m scalarMeta) GoType() reflect.Type           { return m.typ }

func (m scalarMeta) GoFieldPath(path string) (string, bool) { return "", path == "" }

func (m scalarMeta) PropertyType(name string) (Metadata, error) {
	return nil, &PropertyNotFoundError{TypeName: m.TypeName(), Path: name, Segment: name}
}

func (m scalarMeta) PropertyValue(_ any, name string) (any, error) {
	return nil, &PropertyNotFoundError{TypeName: m.TypeName(), Path: name, Segment: name}
}

// collectionMeta answers for the element type while reporting the container.
type collectionMeta struct {
	elem Metadata
	kind CollectionKind
}

func (m collectionMeta) TypeName() string               { return m.elem.TypeName() }
func (m collectionMeta) IsEntity() bool                 { return m.elem.IsEntity() }
func (m collectionMeta) IsEmbeddable() bool             { return m.elem.IsEmbeddable() }
func (m collectionMeta) IsCollection() bool             { return true }
func (m collectionMeta) IsString() bool                 { return m.elem.IsString() }
func (m collectionMeta) IsNumeric() bool                { return m.elem.IsNumeric() }
func (m collectionMeta) Properties() []string           { return m.elem.Properties() }
func (m collectionMeta) CollectionKind() CollectionKind { return m.kind }
func (m collectionMeta) Element() Metadata              { return m.elem }
func (m collectionMeta) IDProperty() (string, bool)     { return m.elem.IDProperty() }
func (m collectionMeta) IDType() (Metadata, bool)       { return m.elem.IDType() }
func (m collectionMeta) IDValue(v any) (any, bool)      { return m.elem.IDValue(v) }

func (m collectionMeta) PropertyType(name string) (Metadata, error) {
	return m.elem.PropertyType(name)
}

func (m collectionMeta) PropertyValue(instance any, name string) (any, error) {
	return m.elem.PropertyValue(instance, name)
}
