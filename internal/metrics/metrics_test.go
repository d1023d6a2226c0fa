package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetricsRegistersOnGivenRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg, "shop")

	m.OutboxDispatched.WithLabelValues("order.created").Inc()
	m.OutboxPending.Set(4)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.OutboxDispatched.WithLabelValues("order.created")))

	families, err := reg.Gather()
	require.NoError(t, err)

	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "shop_outbox_dispatched_total")
	assert.Contains(t, names, "shop_outbox_pending_messages")
}

func TestNewNopCanBeCreatedTwice(t *testing.T) {
	assert.NotPanics(t, func() {
		NewNop()
		NewNop()
	})
}
