package quarry

import (
	"context"
	"sync"
)

// Handler serves searches for one or more entity types. *Compiler is a Handler.
type Handler interface {
	Search(ctx context.Context, s Search) ([]any, error)
	Count(ctx context.Context, s Search) (int64, error)
	SearchAndCount(ctx context.Context, s Search) (Result, error)
	SearchUnique(ctx context.Context, s Search) (any, error)
	FilterFromExample(example any, opts ExampleOptions) (Filter, error)
}

var _ Handler = (*Compiler)(nil)

// Dispatcher routes calls to the handler registered for the search type, or
// to the fallback when none is.
type Dispatcher struct {
	provider MetadataProvider
	fallback Handler

	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewDispatcher creates a dispatcher. provider resolves example instances to
// type names; fallback may be nil, in which case unknown types fail with
// *NotRegisteredError.
func NewDispatcher(provider MetadataProvider, fallback Handler) *Dispatcher {
	return &Dispatcher{provider: provider, fallback: fallback, handlers: make(map[string]Handler)}
}

// Handle registers h for typeName, replacing any previous handler.
func (d *Dispatcher) Handle(typeName string, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[typeName] = h
}

// Handler returns the handler serving typeName.
func (d *Dispatcher) Handler(typeName string) (Handler, error) {
	d.mu.RLock()
	h, ok := d.handlers[typeName]
	d.mu.RUnlock()
	if ok {
		return h, nil
	}
	if d.fallback != nil {
		return d.fallback, nil
	}
	return nil, &NotRegisteredError{TypeName: typeName}
}

func (d *Dispatcher) Search(ctx context.Context, s Search) ([]any, error) {
	h, err := d.Handler(s.Type())
	if err != nil {
		return nil, err
	}
	return h.Search(ctx, s)
}

func (d *Dispatcher) Count(ctx context.Context, s Search) (int64, error) {
	h, err := d.Handler(s.Type())
	if err != nil {
		return 0, err
	}
	return h.Count(ctx, s)
}

func (d *Dispatcher) SearchAndCount(ctx context.Context, s Search) (Result, error) {
	h, err := d.Handler(s.Type())
	if err != nil {
		return Result{}, err
	}
	return h.SearchAndCount(ctx, s)
}

func (d *Dispatcher) SearchUnique(ctx context.Context, s Search) (any, error) {
	h, err := d.Handler(s.Type())
	if err != nil {
		return nil, err
	}
	return h.SearchUnique(ctx, s)
}

// FilterFromExample routes by the runtime type of example. Mixed batches
// are the caller's loop over this method.
func (d *Dispatcher) FilterFromExample(example any, opts ExampleOptions) (Filter, error) {
	meta, err := d.provider.MetadataFor(example)
	if err != nil {
		return Filter{}, err
	}
	h, err := d.Handler(meta.TypeName())
	if err != nil {
		return Filter{}, err
	}
	return h.FilterFromExample(example, opts)
}

// Repository is the typed facade over one entity type. The type name is
// given explicitly and every search passed in must target it.
type Repository[T any] struct {
	typeName string
	d        *Dispatcher
}

func NewRepository[T any](d *Dispatcher, typeName string) *Repository[T] {
	return &Repository[T]{typeName: typeName, d: d}
}

func (r *Repository[T]) TypeName() string { return r.typeName }

// NewSearch starts a search over the repository's type.
func (r *Repository[T]) NewSearch() *Builder { return NewSearch(r.typeName) }

func (r *Repository[T]) check(s Search) error {
	if s.Type() != r.typeName {
		return &ConfigurationError{Setting: "type", Value: s.Type(), Reason: "repository serves " + r.typeName}
	}
	return nil
}

func (r *Repository[T]) Search(ctx context.Context, s Search) ([]any, error) {
	if err := r.check(s); err != nil {
		return nil, err
	}
	return r.d.Search(ctx, s)
}

// Find runs an entity search and returns typed results.
func (r *Repository[T]) Find(ctx context.Context, s Search) ([]*T, error) {
	results, err := r.Search(ctx, s)
	if err != nil {
		return nil, err
	}
	out := make([]*T, 0, len(results))
	for _, v := range results {
		e, err := r.entity(v)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func (r *Repository[T]) entity(v any) (*T, error) {
	switch x := v.(type) {
	case *T:
		return x, nil
	case T:
		return &x, nil
	}
	return nil, &TypeMismatchError{Op: "FIND", Path: r.typeName, Expected: typeName(new(T)), Actual: typeName(v)}
}

func (r *Repository[T]) Count(ctx context.Context, s Search) (int64, error) {
	if err := r.check(s); err != nil {
		return 0, err
	}
	return r.d.Count(ctx, s)
}

func (r *Repository[T]) SearchAndCount(ctx context.Context, s Search) (Result, error) {
	if err := r.check(s); err != nil {
		return Result{}, err
	}
	return r.d.SearchAndCount(ctx, s)
}

// Unique returns the single matching entity, or nil.
func (r *Repository[T]) Unique(ctx context.Context, s Search) (*T, error) {
	if err := r.check(s); err != nil {
		return nil, err
	}
	v, err := r.d.SearchUnique(ctx, s)
	if err != nil || v == nil {
		return nil, err
	}
	return r.entity(v)
}

func (r *Repository[T]) FilterFromExample(example *T, opts ExampleOptions) (Filter, error) {
	h, err := r.d.Handler(r.typeName)
	if err != nil {
		return Filter{}, err
	}
	return h.FilterFromExample(example, opts)
}

// FiltersFromExamples derives one filter per example, all of type T.
func (r *Repository[T]) FiltersFromExamples(examples []*T, opts ExampleOptions) ([]Filter, error) {
	h, err := r.d.Handler(r.typeName)
	if err != nil {
		return nil, err
	}
	out := make([]Filter, 0, len(examples))
	for _, e := range examples {
		f, err := h.FilterFromExample(e, opts)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, nil
}
