package jobmetrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestTrackerRecordsOutcome(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	require.NoError(t, m.Track("order:notify").End(nil))
	err := m.Track("order:notify").End(errors.New("boom"))
	require.EqualError(t, err, "boom")

	require.Equal(t, 1.0, testutil.ToFloat64(m.runs.WithLabelValues("order:notify", "success")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.runs.WithLabelValues("order:notify", "failure")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.failures.WithLabelValues("order:notify")))
}

func TestDriftAndNotifications(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	m.SetStockDrift(3)
	m.NotificationDelivered("order.created")

	require.Equal(t, 3.0, testutil.ToFloat64(m.drift))
	require.Equal(t, 1.0, testutil.ToFloat64(m.notifications.WithLabelValues("order.created")))

	var nilMetrics *Metrics
	nilMetrics.SetStockDrift(1)
	require.NoError(t, nilMetrics.Track("x").End(nil))
}
