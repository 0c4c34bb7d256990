package quarry

import (
	"errors"
	"strconv"
	"strings"
)

// resolver binds dotted paths to metadata and records the joins they need.
// Aliases are unique across the whole plan: t0 is the root.
type resolver struct {
	root    string
	aliases int
}

func newResolver(root string) *resolver {
	return &resolver{root: root}
}

func (r *resolver) nextAlias() string {
	a := "t" + strconv.Itoa(r.aliases)
	r.aliases++
	return a
}

func (r *resolver) newScope(meta Metadata, parent *Scope, via *ColumnRef) *Scope {
	return &Scope{
		Alias:  r.nextAlias(),
		Meta:   meta,
		Parent: parent,
		Via:    via,
		joins:  make(map[string]*Join),
	}
}

// fullPath prefixes path with the collection paths of enclosing scopes, for
// error messages.
func fullPath(s *Scope, path string) string {
	if s == nil || s.Via == nil {
		return path
	}
	return fullPath(s.Via.Scope, joinPath(s.Via.Path, path))
}

// resolve walks path left to right from the scope element. Entity and
// collection segments before the last one are traversed by a join, reused for
// every path sharing the prefix; embeddable segments stay in the owner.
func (r *resolver) resolve(scope *Scope, path string) (*ColumnRef, error) {
	if path == "" {
		return &ColumnRef{Scope: scope, Owner: scope.Meta, Meta: scope.Meta}, nil
	}

	segs := strings.Split(path, ".")
	cur := scope.Meta
	owner := scope.Meta
	var ownerProp []string
	var join *Join
	for i, seg := range segs {
		pm, err := cur.PropertyType(seg)
		if err != nil {
			var nf *PropertyNotFoundError
			if errors.As(err, &nf) || seg == "" {
				return nil, &PropertyNotFoundError{TypeName: r.root, Path: fullPath(scope, path), Segment: seg}
			}
			return nil, err
		}
		ownerProp = append(ownerProp, seg)
		if i == len(segs)-1 {
			return &ColumnRef{
				Path:     path,
				Scope:    scope,
				Join:     join,
				Owner:    owner,
				Property: strings.Join(ownerProp, "."),
				Meta:     pm,
			}, nil
		}

		elem := pm.Element()
		switch {
		case elem.IsEntity() || pm.IsCollection():
			join = r.join(scope, strings.Join(segs[:i+1], "."), join, owner, strings.Join(ownerProp, "."), elem, pm.IsCollection())
			owner = elem
			ownerProp = nil
			cur = elem
		case elem.IsEmbeddable():
			cur = elem
		default:
			return nil, &PropertyNotFoundError{TypeName: r.root, Path: fullPath(scope, path), Segment: segs[i+1]}
		}
	}
	return nil, &PropertyNotFoundError{TypeName: r.root, Path: fullPath(scope, path), Segment: path}
}

func (r *resolver) join(scope *Scope, prefix string, parent *Join, owner Metadata, property string, target Metadata, collection bool) *Join {
	if j, ok := scope.joins[prefix]; ok {
		return j
	}
	j := &Join{
		Path:       prefix,
		Alias:      r.nextAlias(),
		Parent:     parent,
		Owner:      owner,
		Property:   property,
		Target:     target,
		Collection: collection,
	}
	scope.joins[prefix] = j
	scope.Joins = append(scope.Joins, j)
	return j
}

// resolveFetch splits a fetch path into relation hops without adding joins.
func (r *resolver) resolveFetch(meta Metadata, path string) (FetchRef, error) {
	ref := FetchRef{Path: path}
	segs := strings.Split(path, ".")
	cur := meta
	owner := meta
	var ownerProp []string
	for i, seg := range segs {
		pm, err := cur.PropertyType(seg)
		if err != nil {
			return FetchRef{}, &PropertyNotFoundError{TypeName: r.root, Path: path, Segment: seg}
		}
		ownerProp = append(ownerProp, seg)
		elem := pm.Element()
		switch {
		case elem.IsEntity() || (pm.IsCollection() && i == len(segs)-1):
			ref.Hops = append(ref.Hops, FetchHop{
				Path:       strings.Join(segs[:i+1], "."),
				Owner:      owner,
				Property:   strings.Join(ownerProp, "."),
				Target:     elem,
				Collection: pm.IsCollection(),
			})
			owner = elem
			ownerProp = nil
			cur = elem
		case elem.IsEmbeddable() && !pm.IsCollection() && i < len(segs)-1:
			cur = elem
		default:
			return FetchRef{}, &TypeMismatchError{Op: "FETCH", Path: path, Expected: "relation", Actual: describe(pm)}
		}
	}
	return ref, nil
}
