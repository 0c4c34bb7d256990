package quarry

// Query is a backend-native rendering of a plan: SQLQuery, MongoFindQuery,
// MongoAggregateQuery or ElasticsearchQuery.
type Query interface {
	isQuery()
}

// Adapter renders plans for one backend without running them.
type Adapter interface {
	// Name identifies the backend in errors and logs.
	Name() string
	BuildQuery(plan *Plan) (Query, error)
	BuildCountQuery(plan *Plan) (Query, error)
	// Explain renders the search query in a human readable form with values inlined.
	Explain(plan *Plan) (string, error)
}
