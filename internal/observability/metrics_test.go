package observability

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func TestNewMetricsRegistersWithoutCollision(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	require.NotNil(t, m)

	m.QueueDepth.WithLabelValues("default").Set(3)
	m.RelayPoolInFlight.WithLabelValues("mx").Inc()
	m.SMTPCommandsTotal.WithLabelValues("RCPT", "2xx").Inc()

	families, err := reg.Gather()
	require.NoError(t, err)
	require.NotEmpty(t, families)
}
