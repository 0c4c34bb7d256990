package quarry

import (
	"fmt"
	"reflect"
)

// LikeMode selects how string properties of an example are matched.
type LikeMode int

const (
	LikeExact LikeMode = iota
	LikeAnywhere
	LikeStart
	LikeEnd
)

func (m LikeMode) wrap(s string) string {
	switch m {
	case LikeAnywhere:
		return Wildcard + s + Wildcard
	case LikeStart:
		return s + Wildcard
	case LikeEnd:
		return Wildcard + s
	}
	return s
}

// ExampleOptions controls FilterFromExample. The zero value matches strings
// exactly and skips nil, zero and empty values, nested objects and
// collections.
type ExampleOptions struct {
	// Excluded lists property paths to leave out; nested paths use dots.
	Excluded           []string
	IncludeNull        bool
	IncludeZero        bool
	LikeMode           LikeMode
	IgnoreCase         bool
	RecurseNested      bool
	IncludeCollections bool
}

// FilterFromExample derives a conjunction of property tests from the
// populated properties of example. A result for which IsEmpty is true means
// no property qualified and must be read as "no constraint".
func FilterFromExample(provider MetadataProvider, example any, opts ExampleOptions) (Filter, error) {
	if example == nil {
		return Empty(), nil
	}
	meta, err := provider.MetadataFor(example)
	if err != nil {
		return Filter{}, err
	}
	d := &deriver{
		provider: provider,
		opts:     opts,
		excluded: make(map[string]bool, len(opts.Excluded)),
		visiting: make(map[uintptr]bool),
	}
	for _, p := range opts.Excluded {
		d.excluded[p] = true
	}
	parts, err := d.derive(meta, example, "")
	if err != nil {
		return Filter{}, err
	}
	if len(parts) == 1 {
		return parts[0], nil
	}
	return And(parts...), nil
}

type deriver struct {
	provider MetadataProvider
	opts     ExampleOptions
	excluded map[string]bool
	visiting map[uintptr]bool
}

func (d *deriver) derive(meta Metadata, instance any, prefix string) ([]Filter, error) {
	if ptr := pointerOf(instance); ptr != 0 {
		if d.visiting[ptr] {
			return nil, nil
		}
		d.visiting[ptr] = true
		defer delete(d.visiting, ptr)
	}

	var out []Filter
	for _, name := range meta.Properties() {
		path := joinPath(prefix, name)
		if d.excluded[path] {
			continue
		}
		value, err := meta.PropertyValue(instance, name)
		if err != nil {
			return nil, err
		}
		pmeta, err := meta.PropertyType(name)
		if err != nil {
			return nil, err
		}

		if value == nil {
			if d.opts.IncludeNull && !pmeta.IsCollection() {
				out = append(out, IsNull(path))
			}
			continue
		}

		switch {
		case pmeta.IsCollection():
			if !d.opts.IncludeCollections {
				continue
			}
			fs, err := d.collection(pmeta.Element(), value, path)
			if err != nil {
				return nil, err
			}
			out = append(out, fs...)

		case pmeta.IsEntity() || pmeta.IsEmbeddable():
			fs, err := d.nested(pmeta, value, path)
			if err != nil {
				return nil, err
			}
			out = append(out, fs...)

		default:
			if isZero(value) && !d.opts.IncludeZero {
				continue
			}
			out = append(out, d.scalar(pmeta, path, value))
		}
	}
	return out, nil
}

func (d *deriver) scalar(meta Metadata, path string, value any) Filter {
	rv := reflect.ValueOf(value)
	if !meta.IsString() || rv.Kind() != reflect.String {
		return Equal(path, value)
	}
	s := rv.String()
	switch {
	case d.opts.LikeMode != LikeExact && d.opts.IgnoreCase:
		return ILike(path, d.opts.LikeMode.wrap(s))
	case d.opts.LikeMode != LikeExact:
		return Like(path, d.opts.LikeMode.wrap(s))
	case d.opts.IgnoreCase:
		return ILike(path, s)
	}
	return Equal(path, value)
}

// nested recurses into an entity or embeddable value, or falls back to
// matching a referenced entity by id.
func (d *deriver) nested(meta Metadata, value any, path string) ([]Filter, error) {
	if d.opts.RecurseNested {
		return d.derive(meta, value, path)
	}
	if !meta.IsEntity() {
		return nil, nil
	}
	idName, ok := meta.IDProperty()
	if !ok || d.excluded[joinPath(path, idName)] {
		return nil, nil
	}
	id, ok := meta.IDValue(value)
	if !ok {
		return nil, nil
	}
	return []Filter{Equal(joinPath(path, idName), id)}, nil
}

// collection emits one SOME per element that derives a non-empty filter.
func (d *deriver) collection(elem Metadata, value any, path string) ([]Filter, error) {
	rv := reflect.ValueOf(value)
	var elems []reflect.Value
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		for i := 0; i < rv.Len(); i++ {
			elems = append(elems, rv.Index(i))
		}
	case reflect.Map:
		for _, k := range rv.MapKeys() {
			elems = append(elems, k)
		}
	default:
		return nil, fmt.Errorf("quarry: example property %q: expected collection, got %T", path, value)
	}

	var out []Filter
	for _, ev := range elems {
		v := plainValue(ev)
		if v == nil {
			continue
		}
		var inner []Filter
		if isScalar(elem) {
			if isZero(v) && !d.opts.IncludeZero {
				continue
			}
			inner = []Filter{d.scalar(elem, "", v)}
		} else {
			fs, err := d.derive(elem, v, "")
			if err != nil {
				return nil, err
			}
			inner = fs
		}
		switch len(inner) {
		case 0:
		case 1:
			out = append(out, Some(path, inner[0]))
		default:
			out = append(out, Some(path, And(inner...)))
		}
	}
	return out, nil
}

func isZero(v any) bool {
	rv := reflect.ValueOf(v)
	if !rv.IsValid() {
		return true
	}
	switch rv.Kind() {
	case reflect.Slice, reflect.Map, reflect.String, reflect.Array:
		return rv.Len() == 0
	}
	return rv.IsZero()
}

func pointerOf(v any) uintptr {
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Ptr && !rv.IsNil() {
		return rv.Pointer()
	}
	return 0
}
