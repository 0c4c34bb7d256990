package quarry

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/alecthomas/participle/v2"
	"github.com/alecthomas/participle/v2/lexer"
)

// Filter language, as rendered by Filter.String:
//
//	name = "Bob" and (age >= 18 or not (tags is empty))
//	some orders (total > 100 and status in ["open", "paid"])
//	custom("LENGTH(name) > ?", [3])
//
// ParseSearch additionally accepts trailing clauses:
//
//	sort=name:asc,age:desc page=skip:20,take:10 fetch=[owner,orders]

var dslLexer = lexer.MustSimple([]lexer.SimpleRule{
	{Name: "Whitespace", Pattern: `\s+`},
	{Name: "String", Pattern: `"(?:[^"\\]|\\.)*"`},
	{Name: "Number", Pattern: `-?\d+(?:\.\d+)?(?:[eE][+-]?\d+)?`},
	{Name: "Keyword", Pattern: `\b(and|or|not|in|like|ilike|is|null|empty|some|all|none|true|false|custom|sort|page|fetch)\b`},
	{Name: "Ident", Pattern: `[a-zA-Z_][a-zA-Z0-9_]*(?:\.[a-zA-Z_][a-zA-Z0-9_]*)*`},
	{Name: "Op", Pattern: `!=|>=|<=|=|>|<`},
	{Name: "Punct", Pattern: `[()\[\],:]`},
})

type dslFilter struct {
	Expr *dslOr `parser:"@@?"`
}

type dslSearch struct {
	Expr    *dslOr       `parser:"@@?"`
	Clauses []*dslClause `parser:"@@*"`
}

type dslOr struct {
	Terms []*dslAnd `parser:"@@ ( 'or' @@ )*"`
}

type dslAnd struct {
	Terms []*dslUnary `parser:"@@ ( 'and' @@ )*"`
}

type dslUnary struct {
	Not  *dslUnary `parser:"  'not' @@"`
	Term *dslTerm  `parser:"| @@"`
}

type dslTerm struct {
	Group      *dslOr         `parser:"  '(' @@ ')'"`
	Quantifier *dslQuantifier `parser:"| @@"`
	Custom     *dslCustom     `parser:"| @@"`
	Compare    *dslCompare    `parser:"| @@"`
}

type dslQuantifier struct {
	Op    string `parser:"@( 'some' | 'all' | 'none' )"`
	Path  string `parser:"@Ident"`
	Inner *dslOr `parser:"'(' @@? ')'"`
}

type dslCustom struct {
	Expression string   `parser:"'custom' '(' @String"`
	Values     *dslList `parser:"( ',' @@ )? ')'"`
}

type dslCompare struct {
	Path   string     `parser:"@Ident"`
	Binary *dslBinary `parser:"(   @@"`
	NotIn  *dslList   `parser:"  | 'not' 'in' @@"`
	In     *dslList   `parser:"  | 'in' @@"`
	Is     *dslIs     `parser:"  | 'is' @@ )"`
}

type dslBinary struct {
	Op    string    `parser:"@( Op | 'like' | 'ilike' )"`
	Value *dslValue `parser:"@@"`
}

type dslIs struct {
	Not  bool   `parser:"@'not'?"`
	What string `parser:"@( 'null' | 'empty' )"`
}

type dslList struct {
	Open   string      `parser:"@'['"`
	Values []*dslValue `parser:"( @@ ( ',' @@ )* )? ']'"`
}

type dslValue struct {
	String *string `parser:"  @String"`
	Number *string `parser:"| @Number"`
	Bool   *string `parser:"| @( 'true' | 'false' )"`
	Null   bool    `parser:"| @'null'"`
}

type dslClause struct {
	Sort  []*dslSortKey `parser:"  'sort' '=' @@ ( ',' @@ )*"`
	Page  []*dslPageKey `parser:"| 'page' '=' @@ ( ',' @@ )*"`
	Fetch *dslPaths     `parser:"| 'fetch' '=' @@"`
}

type dslSortKey struct {
	Path string `parser:"@Ident"`
	Dir  string `parser:"( ':' @( 'asc' | 'desc' | 'iasc' | 'idesc' ) )?"`
}

type dslPageKey struct {
	Key   string `parser:"@( 'skip' | 'take' | 'page' )"`
	Value int    `parser:"':' @Number"`
}

type dslPaths struct {
	Open  string   `parser:"@'['"`
	Paths []string `parser:"( @Ident ( ',' @Ident )* )? ']'"`
}

var (
	filterParser = participle.MustBuild[dslFilter](
		participle.Lexer(dslLexer),
		participle.Elide("Whitespace"),
		participle.Unquote("String"),
		participle.UseLookahead(3),
	)
	searchParser = participle.MustBuild[dslSearch](
		participle.Lexer(dslLexer),
		participle.Elide("Whitespace"),
		participle.Unquote("String"),
		participle.UseLookahead(3),
	)
)

// ParseFilter reads a filter written in the filter language. An empty input
// yields the empty filter.
func ParseFilter(input string) (Filter, error) {
	ast, err := filterParser.ParseString("filter", input)
	if err != nil {
		return Filter{}, fmt.Errorf("quarry: parse filter: %w", err)
	}
	if ast.Expr == nil {
		return Empty(), nil
	}
	return ast.Expr.filter()
}

// ParseSearch reads a filter followed by sort, page and fetch clauses into
// a search over typeName. skip and take set the first result and the page
// size; page selects a zero based page.
func ParseSearch(typeName, input string) (Search, error) {
	ast, err := searchParser.ParseString("search", input)
	if err != nil {
		return Search{}, fmt.Errorf("quarry: parse search: %w", err)
	}
	b := NewSearch(typeName)
	if ast.Expr != nil {
		f, err := ast.Expr.filter()
		if err != nil {
			return Search{}, err
		}
		b.AddFilter(f)
	}
	for _, c := range ast.Clauses {
		switch {
		case c.Sort != nil:
			for _, k := range c.Sort {
				b.AddSorts(Sort{
					Property:   k.Path,
					Desc:       strings.HasSuffix(k.Dir, "desc"),
					IgnoreCase: strings.HasPrefix(k.Dir, "i"),
				})
			}
		case c.Page != nil:
			for _, k := range c.Page {
				var err error
				switch k.Key {
				case "skip":
					err = b.SetFirstResult(k.Value)
				case "take":
					err = b.SetMaxResults(k.Value)
				case "page":
					err = b.SetPage(k.Value)
				}
				if err != nil {
					return Search{}, err
				}
			}
		case c.Fetch != nil:
			b.AddFetch(c.Fetch.Paths...)
		}
	}
	return b.Build(), nil
}

func (o *dslOr) filter() (Filter, error) {
	parts := make([]Filter, 0, len(o.Terms))
	for _, t := range o.Terms {
		f, err := t.filter()
		if err != nil {
			return Filter{}, err
		}
		parts = append(parts, f)
	}
	if len(parts) == 1 {
		return parts[0], nil
	}
	return Or(parts...), nil
}

func (a *dslAnd) filter() (Filter, error) {
	parts := make([]Filter, 0, len(a.Terms))
	for _, t := range a.Terms {
		f, err := t.filter()
		if err != nil {
			return Filter{}, err
		}
		parts = append(parts, f)
	}
	if len(parts) == 1 {
		return parts[0], nil
	}
	return And(parts...), nil
}

func (u *dslUnary) filter() (Filter, error) {
	if u.Not != nil {
		f, err := u.Not.filter()
		if err != nil {
			return Filter{}, err
		}
		return Not(f), nil
	}
	return u.Term.filter()
}

func (t *dslTerm) filter() (Filter, error) {
	switch {
	case t.Group != nil:
		return t.Group.filter()
	case t.Quantifier != nil:
		inner := Empty()
		if t.Quantifier.Inner != nil {
			f, err := t.Quantifier.Inner.filter()
			if err != nil {
				return Filter{}, err
			}
			inner = f
		}
		return Filter{
			Op:       Operation(strings.ToUpper(t.Quantifier.Op)),
			Property: t.Quantifier.Path,
			Filters:  []Filter{inner},
		}, nil
	case t.Custom != nil:
		var values []any
		if t.Custom.Values != nil {
			var err error
			if values, err = t.Custom.Values.values(); err != nil {
				return Filter{}, err
			}
		}
		return Custom(t.Custom.Expression, values...), nil
	}
	return t.Compare.filter()
}

var dslOperations = map[string]Operation{
	"=":     OperationEqual,
	"!=":    OperationNotEqual,
	">":     OperationGreaterThan,
	">=":    OperationGreaterOrEqual,
	"<":     OperationLessThan,
	"<=":    OperationLessOrEqual,
	"like":  OperationLike,
	"ilike": OperationILike,
}

func (c *dslCompare) filter() (Filter, error) {
	property := c.Path
	if property == "_" {
		property = ""
	}
	switch {
	case c.Binary != nil:
		v, err := c.Binary.Value.value()
		if err != nil {
			return Filter{}, err
		}
		return Filter{Op: dslOperations[c.Binary.Op], Property: property, Value: v}, nil
	case c.In != nil, c.NotIn != nil:
		op, list := OperationIn, c.In
		if c.NotIn != nil {
			op, list = OperationNotIn, c.NotIn
		}
		values, err := list.values()
		if err != nil {
			return Filter{}, err
		}
		return Filter{Op: op, Property: property, Values: values}, nil
	}
	switch {
	case c.Is.What == "null" && c.Is.Not:
		return IsNotNull(property), nil
	case c.Is.What == "null":
		return IsNull(property), nil
	case c.Is.Not:
		return IsNotEmpty(property), nil
	}
	return IsEmpty(property), nil
}

func (l *dslList) values() ([]any, error) {
	out := make([]any, 0, len(l.Values))
	for _, v := range l.Values {
		x, err := v.value()
		if err != nil {
			return nil, err
		}
		out = append(out, x)
	}
	return out, nil
}

// value decodes a literal; integers become int64, other numbers float64.
func (v *dslValue) value() (any, error) {
	switch {
	case v.String != nil:
		return *v.String, nil
	case v.Bool != nil:
		return *v.Bool == "true", nil
	case v.Number != nil:
		if !strings.ContainsAny(*v.Number, ".eE") {
			n, err := strconv.ParseInt(*v.Number, 10, 64)
			if err == nil {
				return n, nil
			}
		}
		f, err := strconv.ParseFloat(*v.Number, 64)
		if err != nil {
			return nil, fmt.Errorf("quarry: parse filter: number %q: %w", *v.Number, err)
		}
		return f, nil
	}
	return nil, nil
}
