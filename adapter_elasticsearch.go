package quarry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"reflect"
	"strings"
)

// Documents are indexed with encoding/json, so keys follow json tags. String
// properties are expected to be mapped as keyword and collections of
// entities as nested.
const esTag = "json"

// ElasticsearchQuery is a search request body.
type ElasticsearchQuery struct {
	Index  string           `json:"-"`
	Query  map[string]any   `json:"query"`
	Sort   []map[string]any `json:"sort,omitempty"`
	From   int              `json:"from,omitempty"`
	Size   *int             `json:"size,omitempty"`
	Source []string         `json:"_source,omitempty"`
}

// ElasticsearchCountQuery is a _count request body.
type ElasticsearchCountQuery struct {
	Index string         `json:"-"`
	Query map[string]any `json:"query"`
}

func (ElasticsearchQuery) isQuery()      {}
func (ElasticsearchCountQuery) isQuery() {}

// ElasticsearchAdapter renders plans as Elasticsearch query DSL.
type ElasticsearchAdapter struct{}

func (ElasticsearchAdapter) Name() string { return "elasticsearch" }

func (ElasticsearchAdapter) BuildQuery(plan *Plan) (Query, error) {
	return BuildElasticsearchQuery(plan)
}

func (ElasticsearchAdapter) BuildCountQuery(plan *Plan) (Query, error) {
	return BuildElasticsearchCount(plan)
}

func (ElasticsearchAdapter) Explain(plan *Plan) (string, error) {
	q, err := BuildElasticsearchQuery(plan)
	if err != nil {
		return "", err
	}
	body, err := json.MarshalIndent(q, "", "  ")
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("POST /%s/_search\n%s", q.Index, body), nil
}

func esUnsupported(feature string) error {
	return &UnsupportedError{Backend: "elasticsearch", Feature: feature}
}

func esCheck(plan *Plan) error {
	if plan.Distinct {
		return esUnsupported("distinct")
	}
	if plan.HasAggregates() {
		return esUnsupported("aggregate fields")
	}
	return nil
}

// BuildElasticsearchQuery converts plan into a search body.
func BuildElasticsearchQuery(plan *Plan) (ElasticsearchQuery, error) {
	if err := esCheck(plan); err != nil {
		return ElasticsearchQuery{}, err
	}
	sm, err := storageOf(plan.Root.Meta)
	if err != nil {
		return ElasticsearchQuery{}, err
	}
	query, err := esRoot(plan)
	if err != nil {
		return ElasticsearchQuery{}, err
	}
	q := ElasticsearchQuery{Index: sm.Table(), Query: query, From: plan.Offset}
	if plan.Limit > 0 {
		size := plan.Limit
		q.Size = &size
	}
	for _, s := range plan.Sorts {
		if s.IgnoreCase {
			return ElasticsearchQuery{}, esUnsupported("case insensitive sort on " + s.Column.Path)
		}
		order := "asc"
		if s.Desc {
			order = "desc"
		}
		q.Sort = append(q.Sort, map[string]any{
			s.Column.AbsoluteDocumentPath(esTag): map[string]any{"order": order},
		})
	}
	for _, f := range plan.Fields {
		q.Source = append(q.Source, f.Column.AbsoluteDocumentPath(esTag))
	}
	return q, nil
}

// BuildElasticsearchCount converts plan into a _count body.
func BuildElasticsearchCount(plan *Plan) (ElasticsearchCountQuery, error) {
	if err := esCheck(plan); err != nil {
		return ElasticsearchCountQuery{}, err
	}
	sm, err := storageOf(plan.Root.Meta)
	if err != nil {
		return ElasticsearchCountQuery{}, err
	}
	query, err := esRoot(plan)
	if err != nil {
		return ElasticsearchCountQuery{}, err
	}
	return ElasticsearchCountQuery{Index: sm.Table(), Query: query}, nil
}

func esRoot(plan *Plan) (map[string]any, error) {
	if plan.Where == nil {
		return map[string]any{"match_all": map[string]any{}}, nil
	}
	return esPredicate(plan.Where)
}

func esBool(kind string, clauses ...map[string]any) map[string]any {
	return map[string]any{"bool": map[string]any{kind: clauses}}
}

func esNot(q map[string]any) map[string]any { return esBool("must_not", q) }

// esWildcard escapes the wildcard syntax except '*'.
func esWildcard(v any) string {
	s := fmt.Sprint(v)
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, "?", `\?`)
}

func esPredicate(p *Predicate) (map[string]any, error) {
	switch {
	case p.Op == OperationAnd || p.Op == OperationOr:
		clauses := make([]map[string]any, 0, len(p.Children))
		for _, c := range p.Children {
			q, err := esPredicate(c)
			if err != nil {
				return nil, err
			}
			clauses = append(clauses, q)
		}
		if p.Op == OperationAnd {
			return esBool("filter", clauses...), nil
		}
		return map[string]any{"bool": map[string]any{"should": clauses, "minimum_should_match": 1}}, nil
	case p.Op == OperationNot:
		q, err := esPredicate(p.Children[0])
		if err != nil {
			return nil, err
		}
		return esNot(q), nil
	case p.Op.IsQuantifier():
		return esQuantifier(p)
	case p.Op == OperationCustom:
		return nil, esUnsupported("custom expression")
	}

	field := p.Column.AbsoluteDocumentPath(esTag)
	switch p.Op {
	case OperationEqual:
		return map[string]any{"term": map[string]any{field: p.Value}}, nil
	case OperationNotEqual:
		return esNot(map[string]any{"term": map[string]any{field: p.Value}}), nil
	case OperationGreaterThan:
		return map[string]any{"range": map[string]any{field: map[string]any{"gt": p.Value}}}, nil
	case OperationGreaterOrEqual:
		return map[string]any{"range": map[string]any{field: map[string]any{"gte": p.Value}}}, nil
	case OperationLessThan:
		return map[string]any{"range": map[string]any{field: map[string]any{"lt": p.Value}}}, nil
	case OperationLessOrEqual:
		return map[string]any{"range": map[string]any{field: map[string]any{"lte": p.Value}}}, nil
	case OperationLike, OperationILike:
		w := map[string]any{"value": esWildcard(p.Value)}
		if p.Op == OperationILike {
			w["case_insensitive"] = true
		}
		return map[string]any{"wildcard": map[string]any{field: w}}, nil
	case OperationIn:
		if len(p.Values) == 0 {
			return map[string]any{"match_none": map[string]any{}}, nil
		}
		return map[string]any{"terms": map[string]any{field: p.Values}}, nil
	case OperationNotIn:
		if len(p.Values) == 0 {
			return map[string]any{"match_all": map[string]any{}}, nil
		}
		return esNot(map[string]any{"terms": map[string]any{field: p.Values}}), nil
	case OperationIsNull:
		return esNot(map[string]any{"exists": map[string]any{"field": field}}), nil
	case OperationIsNotNull:
		return map[string]any{"exists": map[string]any{"field": field}}, nil
	case OperationIsEmpty, OperationIsNotEmpty:
		exists := map[string]any{"exists": map[string]any{"field": field}}
		var empty map[string]any
		if p.Column.Meta.IsCollection() {
			// empty arrays are not indexed
			empty = esNot(exists)
		} else {
			empty = map[string]any{"bool": map[string]any{
				"should": []map[string]any{
					esNot(exists),
					{"term": map[string]any{field: ""}},
				},
				"minimum_should_match": 1,
			}}
		}
		if p.Op == OperationIsEmpty {
			return empty, nil
		}
		return esNot(empty), nil
	}
	return nil, esUnsupported(string(p.Op))
}

func esQuantifier(p *Predicate) (map[string]any, error) {
	path := p.Column.AbsoluteDocumentPath(esTag)
	if len(p.Children) == 0 {
		exists := map[string]any{"exists": map[string]any{"field": path}}
		switch p.Op {
		case OperationSome:
			return exists, nil
		case OperationNone:
			return esNot(exists), nil
		}
		return map[string]any{"match_all": map[string]any{}}, nil
	}
	inner, err := esPredicate(p.Children[0])
	if err != nil {
		return nil, err
	}
	if !p.Scope.Meta.IsEntity() && !p.Scope.Meta.IsEmbeddable() {
		// scalar arrays: a term on the field matches any element
		switch p.Op {
		case OperationSome:
			return inner, nil
		case OperationNone:
			return esNot(inner), nil
		}
		return nil, esUnsupported("all on scalar collection " + p.Column.Path)
	}
	nested := func(q map[string]any) map[string]any {
		return map[string]any{"nested": map[string]any{"path": path, "query": q}}
	}
	switch p.Op {
	case OperationSome:
		return nested(inner), nil
	case OperationNone:
		return esNot(nested(inner)), nil
	}
	return esNot(nested(esNot(inner))), nil
}

// ElasticsearchExecutor runs plans over the REST API.
type ElasticsearchExecutor struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

type ElasticsearchExecutorOption func(*ElasticsearchExecutor)

func WithHTTPClient(client *http.Client) ElasticsearchExecutorOption {
	return func(e *ElasticsearchExecutor) {
		if client != nil {
			e.client = client
		}
	}
}

func WithElasticsearchLogger(logger *slog.Logger) ElasticsearchExecutorOption {
	return func(e *ElasticsearchExecutor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

func NewElasticsearchExecutor(baseURL string, opts ...ElasticsearchExecutorOption) *ElasticsearchExecutor {
	e := &ElasticsearchExecutor{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  http.DefaultClient,
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

type esSearchResponse struct {
	Hits struct {
		Hits []struct {
			Source json.RawMessage `json:"_source"`
		} `json:"hits"`
	} `json:"hits"`
}

type esCountResponse struct {
	Count int64 `json:"count"`
}

func (e *ElasticsearchExecutor) post(ctx context.Context, path string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	e.logger.DebugContext(ctx, "quarry: elasticsearch request", slog.String("path", path), slog.String("body", string(payload)))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := e.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%s: %s", resp.Status, bytes.TrimSpace(msg))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (e *ElasticsearchExecutor) Run(ctx context.Context, plan *Plan) ([][]any, error) {
	q, err := BuildElasticsearchQuery(plan)
	if err != nil {
		return nil, err
	}
	var resp esSearchResponse
	if err := e.post(ctx, "/"+q.Index+"/_search", q, &resp); err != nil {
		return nil, fmt.Errorf("quarry: elasticsearch search: %w", err)
	}
	out := make([][]any, 0, len(resp.Hits.Hits))
	for _, h := range resp.Hits.Hits {
		row, err := esRow(plan, h.Source)
		if err != nil {
			return nil, fmt.Errorf("quarry: elasticsearch decode: %w", err)
		}
		out = append(out, row)
	}
	return out, nil
}

func (e *ElasticsearchExecutor) RunCount(ctx context.Context, plan *Plan) (int64, error) {
	q, err := BuildElasticsearchCount(plan)
	if err != nil {
		return 0, err
	}
	var resp esCountResponse
	if err := e.post(ctx, "/"+q.Index+"/_count", q, &resp); err != nil {
		return 0, fmt.Errorf("quarry: elasticsearch count: %w", err)
	}
	return resp.Count, nil
}

func esRow(plan *Plan, source json.RawMessage) ([]any, error) {
	if len(plan.Fields) == 0 {
		if gt, ok := plan.Root.Meta.(GoTyped); ok {
			ptr := reflect.New(gt.GoType())
			if err := json.Unmarshal(source, ptr.Interface()); err != nil {
				return nil, err
			}
			return []any{ptr.Interface()}, nil
		}
		var m map[string]any
		if err := json.Unmarshal(source, &m); err != nil {
			return nil, err
		}
		return []any{m}, nil
	}
	var doc map[string]any
	if err := json.Unmarshal(source, &doc); err != nil {
		return nil, err
	}
	row := make([]any, len(plan.Fields))
	for i, f := range plan.Fields {
		row[i] = esLookup(doc, strings.Split(f.Column.AbsoluteDocumentPath(esTag), "."))
	}
	return row, nil
}

// esLookup walks a dotted path; arrays on the way yield one value per element.
func esLookup(v any, path []string) any {
	if len(path) == 0 {
		return v
	}
	switch x := v.(type) {
	case map[string]any:
		return esLookup(x[path[0]], path[1:])
	case []any:
		out := make([]any, 0, len(x))
		for _, e := range x {
			out = append(out, esLookup(e, path))
		}
		return out
	}
	return nil
}
