package quarry

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"reflect"
	"regexp"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Relations are stored embedded in MongoDB: a to-one join is a nested
// document and a to-many join an array of documents, both addressed through
// their document path. Keys follow the bson struct tags.
const mongoTag = "bson"

// MongoFindQuery is a plain find.
type MongoFindQuery struct {
	Collection string
	Filter     bson.M
	Options    *options.FindOptions
}

// MongoAggregateQuery is used for projections, distinct and aggregates.
type MongoAggregateQuery struct {
	Collection string
	Pipeline   mongo.Pipeline
	Options    *options.AggregateOptions
}

// MongoCountQuery counts documents matching Filter.
type MongoCountQuery struct {
	Collection string
	Filter     bson.M
}

func (MongoFindQuery) isQuery()      {}
func (MongoAggregateQuery) isQuery() {}
func (MongoCountQuery) isQuery()     {}

// MongoAdapter renders plans as MongoDB queries.
type MongoAdapter struct{}

func (MongoAdapter) Name() string { return "mongo" }

func (MongoAdapter) BuildQuery(plan *Plan) (Query, error) {
	return BuildMongoQuery(plan)
}

func (MongoAdapter) BuildCountQuery(plan *Plan) (Query, error) {
	return BuildMongoCount(plan)
}

func (MongoAdapter) Explain(plan *Plan) (string, error) {
	q, err := BuildMongoQuery(plan)
	if err != nil {
		return "", err
	}
	switch x := q.(type) {
	case MongoFindQuery:
		filter, err := bson.MarshalExtJSON(x.Filter, false, false)
		if err != nil {
			return "", err
		}
		out := fmt.Sprintf("db.%s.find(%s)", x.Collection, filter)
		if x.Options.Sort != nil {
			sort, err := bson.MarshalExtJSON(x.Options.Sort, false, false)
			if err != nil {
				return "", err
			}
			out += fmt.Sprintf(".sort(%s)", sort)
		}
		if x.Options.Skip != nil {
			out += fmt.Sprintf(".skip(%d)", *x.Options.Skip)
		}
		if x.Options.Limit != nil {
			out += fmt.Sprintf(".limit(%d)", *x.Options.Limit)
		}
		return out, nil
	case MongoAggregateQuery:
		stages := make([]string, len(x.Pipeline))
		for i, st := range x.Pipeline {
			b, err := bson.MarshalExtJSON(st, false, false)
			if err != nil {
				return "", err
			}
			stages[i] = string(b)
		}
		return fmt.Sprintf("db.%s.aggregate([%s])", x.Collection, strings.Join(stages, ", ")), nil
	}
	return "", nil
}

func mongoCollection(plan *Plan) (string, error) {
	sm, err := storageOf(plan.Root.Meta)
	if err != nil {
		return "", err
	}
	return sm.Table(), nil
}

// BuildMongoFilter converts the plan predicate into a MongoDB filter.
func BuildMongoFilter(plan *Plan) (bson.M, error) {
	if plan.Where == nil {
		return bson.M{}, nil
	}
	return mongoPredicate(plan.Where)
}

// BuildMongoQuery picks a find for entity searches and an aggregation
// pipeline when the plan projects fields or asks for distinct rows.
func BuildMongoQuery(plan *Plan) (Query, error) {
	coll, err := mongoCollection(plan)
	if err != nil {
		return nil, err
	}
	filter, err := BuildMongoFilter(plan)
	if err != nil {
		return nil, err
	}
	sort := mongoSort(plan)

	if len(plan.Fields) == 0 && !plan.Distinct {
		opts := options.Find()
		if len(sort) > 0 {
			opts.SetSort(sort)
		}
		if plan.Offset > 0 {
			opts.SetSkip(int64(plan.Offset))
		}
		if plan.Limit > 0 {
			opts.SetLimit(int64(plan.Limit))
		}
		if mongoIgnoreCase(plan) {
			opts.SetCollation(mongoCaseInsensitive)
		}
		return MongoFindQuery{Collection: coll, Filter: filter, Options: opts}, nil
	}

	pipeline, err := mongoPipeline(plan, filter)
	if err != nil {
		return nil, err
	}
	if len(sort) > 0 {
		pipeline = append(pipeline, bson.D{{Key: "$sort", Value: mongoProjectedSort(plan, sort)}})
	}
	if plan.Offset > 0 {
		pipeline = append(pipeline, bson.D{{Key: "$skip", Value: int64(plan.Offset)}})
	}
	if plan.Limit > 0 {
		pipeline = append(pipeline, bson.D{{Key: "$limit", Value: int64(plan.Limit)}})
	}
	opts := options.Aggregate()
	if mongoIgnoreCase(plan) {
		opts.SetCollation(mongoCaseInsensitive)
	}
	return MongoAggregateQuery{Collection: coll, Pipeline: pipeline, Options: opts}, nil
}

// BuildMongoCount counts matching documents, or the rows of the pipeline
// when distinct or aggregates change the row count.
func BuildMongoCount(plan *Plan) (Query, error) {
	coll, err := mongoCollection(plan)
	if err != nil {
		return nil, err
	}
	filter, err := BuildMongoFilter(plan)
	if err != nil {
		return nil, err
	}
	if !plan.Distinct && !plan.HasAggregates() {
		return MongoCountQuery{Collection: coll, Filter: filter}, nil
	}
	pipeline, err := mongoPipeline(plan, filter)
	if err != nil {
		return nil, err
	}
	pipeline = append(pipeline, bson.D{{Key: "$count", Value: "n"}})
	return MongoAggregateQuery{Collection: coll, Pipeline: pipeline, Options: options.Aggregate()}, nil
}

var mongoCaseInsensitive = &options.Collation{Locale: "en", Strength: 2}

func mongoIgnoreCase(plan *Plan) bool {
	for _, s := range plan.Sorts {
		if s.IgnoreCase {
			return true
		}
	}
	return false
}

func mongoSort(plan *Plan) bson.D {
	var sd bson.D
	for _, s := range plan.Sorts {
		order := 1
		if s.Desc {
			order = -1
		}
		sd = append(sd, bson.E{Key: s.Column.AbsoluteDocumentPath(mongoTag), Value: order})
	}
	return sd
}

// mongoProjectedSort rewrites sort keys onto projected field names, since
// $project and $group drop the original document shape.
func mongoProjectedSort(plan *Plan, sort bson.D) bson.D {
	if len(plan.Fields) == 0 {
		if plan.Distinct {
			out := make(bson.D, len(sort))
			for i, e := range sort {
				out[i] = bson.E{Key: "doc." + e.Key, Value: e.Value}
			}
			return out
		}
		return sort
	}
	out := make(bson.D, 0, len(sort))
	for _, e := range sort {
		key := e.Key
		for i, f := range plan.Fields {
			if f.Aggregate == AggregateNone && f.Column.AbsoluteDocumentPath(mongoTag) == e.Key {
				key = mongoFieldKey(i)
				break
			}
		}
		out = append(out, bson.E{Key: key, Value: e.Value})
	}
	return out
}

func mongoFieldKey(i int) string { return fmt.Sprintf("f%d", i) }

func mongoPipeline(plan *Plan, filter bson.M) (mongo.Pipeline, error) {
	pipeline := mongo.Pipeline{bson.D{{Key: "$match", Value: filter}}}

	if len(plan.Fields) == 0 {
		// distinct entities: collapse identical documents
		return append(pipeline,
			bson.D{{Key: "$group", Value: bson.M{"_id": "$$ROOT"}}},
			bson.D{{Key: "$project", Value: bson.M{"_id": 0, "doc": "$_id"}}},
		), nil
	}

	if plan.HasAggregates() || plan.Distinct {
		id := bson.M{}
		group := bson.M{}
		project := bson.M{"_id": 0}
		for i, f := range plan.Fields {
			key := mongoFieldKey(i)
			if f.Aggregate == AggregateNone {
				id[key] = "$" + f.Column.AbsoluteDocumentPath(mongoTag)
				project[key] = "$_id." + key
				continue
			}
			acc, err := mongoAccumulator(f)
			if err != nil {
				return nil, err
			}
			group[key] = acc
			if f.Aggregate == AggregateCountDistinct {
				project[key] = bson.M{"$size": "$" + key}
			} else {
				project[key] = "$" + key
			}
		}
		if len(id) == 0 {
			group["_id"] = nil
		} else {
			group["_id"] = id
		}
		return append(pipeline,
			bson.D{{Key: "$group", Value: group}},
			bson.D{{Key: "$project", Value: project}},
		), nil
	}

	project := bson.M{"_id": 0}
	for i, f := range plan.Fields {
		project[mongoFieldKey(i)] = "$" + f.Column.AbsoluteDocumentPath(mongoTag)
	}
	return append(pipeline, bson.D{{Key: "$project", Value: project}}), nil
}

func mongoAccumulator(f Projection) (bson.M, error) {
	if f.Column == nil {
		return bson.M{"$sum": 1}, nil
	}
	path := "$" + f.Column.AbsoluteDocumentPath(mongoTag)
	switch f.Aggregate {
	case AggregateCount:
		return bson.M{"$sum": bson.M{"$cond": bson.A{bson.M{"$ifNull": bson.A{path, false}}, 1, 0}}}, nil
	case AggregateCountDistinct:
		return bson.M{"$addToSet": path}, nil
	case AggregateMax:
		return bson.M{"$max": path}, nil
	case AggregateMin:
		return bson.M{"$min": path}, nil
	case AggregateSum:
		return bson.M{"$sum": path}, nil
	case AggregateAvg:
		return bson.M{"$avg": path}, nil
	}
	return nil, &UnsupportedError{Backend: "mongo", Feature: "aggregate " + string(f.Aggregate)}
}

// likeToRegex turns a '*' wildcard pattern into an anchored regex.
func likeToRegex(v any) string {
	parts := strings.Split(fmt.Sprint(v), Wildcard)
	for i, p := range parts {
		parts[i] = regexp.QuoteMeta(p)
	}
	return "^" + strings.Join(parts, ".*") + "$"
}

// mongoPredicate renders p relative to its scope: top level for the root,
// inside $elemMatch for quantifier scopes.
func mongoPredicate(p *Predicate) (bson.M, error) {
	switch {
	case p.Op == OperationAnd || p.Op == OperationOr:
		return mongoJunction(p)
	case p.Op == OperationNot:
		inner, err := mongoPredicate(p.Children[0])
		if err != nil {
			return nil, err
		}
		if mongoElementSelf(p.Children[0]) {
			return bson.M{"$not": inner}, nil
		}
		return bson.M{"$nor": bson.A{inner}}, nil
	case p.Op.IsQuantifier():
		return mongoQuantifier(p)
	case p.Op == OperationCustom:
		return nil, &UnsupportedError{Backend: "mongo", Feature: "custom expression"}
	}

	path := p.Column.DocumentPath(mongoTag)
	var cond bson.M
	switch p.Op {
	case OperationEqual:
		cond = bson.M{"$eq": p.Value}
	case OperationNotEqual:
		cond = bson.M{"$ne": p.Value}
	case OperationGreaterThan:
		cond = bson.M{"$gt": p.Value}
	case OperationGreaterOrEqual:
		cond = bson.M{"$gte": p.Value}
	case OperationLessThan:
		cond = bson.M{"$lt": p.Value}
	case OperationLessOrEqual:
		cond = bson.M{"$lte": p.Value}
	case OperationLike:
		cond = bson.M{"$regex": primitive.Regex{Pattern: likeToRegex(p.Value)}}
	case OperationILike:
		cond = bson.M{"$regex": primitive.Regex{Pattern: likeToRegex(p.Value), Options: "i"}}
	case OperationIn:
		cond = bson.M{"$in": mongoValues(p.Values)}
	case OperationNotIn:
		cond = bson.M{"$nin": mongoValues(p.Values)}
	case OperationIsNull:
		cond = bson.M{"$eq": nil}
	case OperationIsNotNull:
		cond = bson.M{"$ne": nil}
	case OperationIsEmpty, OperationIsNotEmpty:
		return mongoEmptiness(p, path)
	default:
		return nil, &UnsupportedError{Backend: "mongo", Feature: string(p.Op)}
	}
	if path == "" {
		return cond, nil
	}
	return bson.M{path: cond}, nil
}

func mongoValues(vs []any) bson.A {
	if vs == nil {
		return bson.A{}
	}
	return bson.A(vs)
}

// mongoElementSelf reports whether p tests a scalar collection element
// directly, where only operator documents are valid.
func mongoElementSelf(p *Predicate) bool {
	if p.Column == nil || p.Op.IsQuantifier() {
		return false
	}
	return p.Column.Join == nil && p.Column.Property == ""
}

func mongoJunction(p *Predicate) (bson.M, error) {
	parts := make(bson.A, 0, len(p.Children))
	self := true
	for _, c := range p.Children {
		m, err := mongoPredicate(c)
		if err != nil {
			return nil, err
		}
		if !mongoElementSelf(c) {
			self = false
		}
		parts = append(parts, m)
	}
	if !self {
		if p.Op == OperationAnd {
			return bson.M{"$and": parts}, nil
		}
		return bson.M{"$or": parts}, nil
	}
	// operator documents on a scalar element can only be merged
	if p.Op == OperationOr {
		return nil, &UnsupportedError{Backend: "mongo", Feature: "or on scalar collection elements"}
	}
	merged := bson.M{}
	for _, part := range parts {
		for k, v := range part.(bson.M) {
			if _, dup := merged[k]; dup {
				return nil, &UnsupportedError{Backend: "mongo", Feature: "repeated " + k + " on scalar collection elements"}
			}
			merged[k] = v
		}
	}
	return merged, nil
}

func mongoQuantifier(p *Predicate) (bson.M, error) {
	path := p.Column.DocumentPath(mongoTag)
	if len(p.Children) == 0 {
		nonEmpty := bson.M{path + ".0": bson.M{"$exists": true}}
		switch p.Op {
		case OperationSome:
			return nonEmpty, nil
		case OperationNone:
			return bson.M{"$nor": bson.A{nonEmpty}}, nil
		}
		return bson.M{}, nil
	}
	child := p.Children[0]
	inner, err := mongoPredicate(child)
	if err != nil {
		return nil, err
	}
	switch p.Op {
	case OperationSome:
		return bson.M{path: bson.M{"$elemMatch": inner}}, nil
	case OperationNone:
		return bson.M{path: bson.M{"$not": bson.M{"$elemMatch": inner}}}, nil
	}
	// ALL: no element fails the test
	var negated bson.M
	if mongoElementSelf(child) {
		negated = bson.M{"$not": inner}
	} else {
		negated = bson.M{"$nor": bson.A{inner}}
	}
	return bson.M{path: bson.M{"$not": bson.M{"$elemMatch": negated}}}, nil
}

func mongoEmptiness(p *Predicate, path string) (bson.M, error) {
	if path == "" {
		return nil, &UnsupportedError{Backend: "mongo", Feature: "emptiness of a collection element"}
	}
	if p.Column.Meta.IsCollection() {
		if p.Op == OperationIsEmpty {
			return bson.M{path + ".0": bson.M{"$exists": false}}, nil
		}
		return bson.M{path + ".0": bson.M{"$exists": true}}, nil
	}
	if p.Op == OperationIsEmpty {
		return bson.M{path: bson.M{"$in": bson.A{nil, ""}}}, nil
	}
	return bson.M{path: bson.M{"$nin": bson.A{nil, ""}}}, nil
}

// MongoExecutor runs plans against a MongoDB database. Each entity type
// lives in the collection named by its table.
type MongoExecutor struct {
	db     *mongo.Database
	logger *slog.Logger
}

type MongoExecutorOption func(*MongoExecutor)

func WithMongoLogger(logger *slog.Logger) MongoExecutorOption {
	return func(e *MongoExecutor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

func NewMongoExecutor(db *mongo.Database, opts ...MongoExecutorOption) *MongoExecutor {
	e := &MongoExecutor{db: db, logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *MongoExecutor) Run(ctx context.Context, plan *Plan) ([][]any, error) {
	q, err := BuildMongoQuery(plan)
	if err != nil {
		return nil, err
	}
	switch x := q.(type) {
	case MongoFindQuery:
		e.logger.DebugContext(ctx, "quarry: mongo find", slog.String("collection", x.Collection), slog.Any("filter", x.Filter))
		cur, err := e.db.Collection(x.Collection).Find(ctx, x.Filter, x.Options)
		if err != nil {
			return nil, fmt.Errorf("quarry: mongo find: %w", err)
		}
		return decodeMongoEntities(ctx, plan, cur, "")
	case MongoAggregateQuery:
		e.logger.DebugContext(ctx, "quarry: mongo aggregate", slog.String("collection", x.Collection), slog.Int("stages", len(x.Pipeline)))
		cur, err := e.db.Collection(x.Collection).Aggregate(ctx, x.Pipeline, x.Options)
		if err != nil {
			return nil, fmt.Errorf("quarry: mongo aggregate: %w", err)
		}
		if len(plan.Fields) == 0 {
			return decodeMongoEntities(ctx, plan, cur, "doc")
		}
		return decodeMongoFields(ctx, plan, cur)
	}
	return nil, &UnsupportedError{Backend: "mongo", Feature: fmt.Sprintf("query %T", q)}
}

func (e *MongoExecutor) RunCount(ctx context.Context, plan *Plan) (int64, error) {
	q, err := BuildMongoCount(plan)
	if err != nil {
		return 0, err
	}
	switch x := q.(type) {
	case MongoCountQuery:
		n, err := e.db.Collection(x.Collection).CountDocuments(ctx, x.Filter)
		if err != nil {
			return 0, fmt.Errorf("quarry: mongo count: %w", err)
		}
		return n, nil
	case MongoAggregateQuery:
		cur, err := e.db.Collection(x.Collection).Aggregate(ctx, x.Pipeline, x.Options)
		if err != nil {
			return 0, fmt.Errorf("quarry: mongo count: %w", err)
		}
		defer cur.Close(ctx)
		var out []struct {
			N int64 `bson:"n"`
		}
		if err := cur.All(ctx, &out); err != nil {
			return 0, fmt.Errorf("quarry: mongo count: %w", err)
		}
		if len(out) == 0 {
			return 0, nil
		}
		return out[0].N, nil
	}
	return 0, &UnsupportedError{Backend: "mongo", Feature: fmt.Sprintf("count query %T", q)}
}

// decodeMongoEntities decodes each document, or its wrapped sub document
// under key, into the Go type behind the plan's metadata.
func decodeMongoEntities(ctx context.Context, plan *Plan, cur *mongo.Cursor, key string) ([][]any, error) {
	defer cur.Close(ctx)
	gt, ok := plan.Root.Meta.(GoTyped)
	var out [][]any
	for cur.Next(ctx) {
		raw := cur.Current
		if key != "" {
			v, err := raw.LookupErr(key)
			if err != nil {
				return nil, fmt.Errorf("quarry: mongo decode: %w", err)
			}
			raw = v.Document()
		}
		if !ok {
			var m bson.M
			if err := bson.Unmarshal(raw, &m); err != nil {
				return nil, fmt.Errorf("quarry: mongo decode: %w", err)
			}
			out = append(out, []any{m})
			continue
		}
		ptr := reflect.New(gt.GoType())
		if err := bson.Unmarshal(raw, ptr.Interface()); err != nil {
			return nil, fmt.Errorf("quarry: mongo decode: %w", err)
		}
		out = append(out, []any{ptr.Interface()})
	}
	if err := cur.Err(); err != nil {
		return nil, fmt.Errorf("quarry: mongo cursor: %w", err)
	}
	return out, nil
}

func decodeMongoFields(ctx context.Context, plan *Plan, cur *mongo.Cursor) ([][]any, error) {
	defer cur.Close(ctx)
	var docs []bson.M
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("quarry: mongo decode: %w", err)
	}
	out := make([][]any, len(docs))
	for i, d := range docs {
		row := make([]any, len(plan.Fields))
		for j := range plan.Fields {
			row[j] = normalizeMongo(d[mongoFieldKey(j)])
		}
		out[i] = row
	}
	return out, nil
}

func normalizeMongo(v any) any {
	switch x := v.(type) {
	case primitive.DateTime:
		return x.Time().UTC()
	case primitive.A:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = normalizeMongo(e)
		}
		return out
	case int32:
		return int64(x)
	}
	return v
}
