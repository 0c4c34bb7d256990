package quarry

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecutorMetrics(t *testing.T) {
	ctx := context.Background()
	reg := prometheus.NewRegistry()
	m := NewExecutorMetrics(reg)
	exec := &fakeExecutor{rows: [][]any{{&Customer{ID: 1}}, {&Customer{ID: 2}}}, count: 2}
	c := NewCompiler(newTestRegistry(t), WithExecutor(m.Instrument("fake", exec)))
	s := NewSearch("Customer").Build()

	_, err := c.SearchAndCount(ctx, s)
	require.NoError(t, err)
	_, err = c.Search(ctx, s)
	require.NoError(t, err)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.calls.WithLabelValues("fake", "Customer", "search", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.calls.WithLabelValues("fake", "Customer", "count", "ok")))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.rows.WithLabelValues("fake", "Customer")))
	assert.Equal(t, 2, testutil.CollectAndCount(m.duration))

	exec.err = errors.New("boom")
	_, err = c.Count(ctx, s)
	assert.EqualError(t, err, "boom")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.calls.WithLabelValues("fake", "Customer", "count", "error")))

	// compile errors never reach the executor
	_, err = c.Search(ctx, NewSearch("Customer").AddFilterEqual("nickname", "x").Build())
	assert.Error(t, err)
	assert.Equal(t, 2, exec.runs)
	assert.Equal(t, 2, exec.counts)
}
