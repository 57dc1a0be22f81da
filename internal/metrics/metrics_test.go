package metrics_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veiloq/savekit/internal/metrics"
)

func TestNewRegistersOnRegisterer(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	m.SavepointsCreated.WithLabelValues("default", "module").Inc()
	m.ItemsDeferred.Add(2)

	n, err := testutil.GatherAndCount(reg, "savekit_savepoints_created_total", "savekit_items_deferred_total")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.ItemsDeferred))

	assert.Panics(t, func() { metrics.New(reg) }, "a registerer takes one set of counters")
}

func TestNewWithoutRegistererIsPrivate(t *testing.T) {
	a, b := metrics.New(nil), metrics.New(nil)
	a.ItemsDeferred.Inc()
	assert.Equal(t, 0.0, testutil.ToFloat64(b.ItemsDeferred))
}
