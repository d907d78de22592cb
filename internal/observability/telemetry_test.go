package observability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lvonguyen/bastionguard/internal/config"
)

// =============================================================================
// Logger Tests
// =============================================================================

func TestNewLogger_Levels(t *testing.T) {
	tests := []struct {
		level string
		want  zap.AtomicLevel
	}{
		{"debug", zap.NewAtomicLevelAt(zap.DebugLevel)},
		{"warn", zap.NewAtomicLevelAt(zap.WarnLevel)},
		{"error", zap.NewAtomicLevelAt(zap.ErrorLevel)},
		{"bogus", zap.NewAtomicLevelAt(zap.InfoLevel)},
	}
	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			logger, err := NewLogger(Config{ServiceName: "bastionguard", LogLevel: tt.level})
			require.NoError(t, err)
			assert.True(t, logger.Core().Enabled(tt.want.Level()))
			assert.False(t, logger.Core().Enabled(tt.want.Level()-1))
		})
	}
}

// =============================================================================
// Metrics Tests
// =============================================================================

// TestNewMetrics_IsolatedRegistry verifies metrics register on the injected
// registry, so separate instances do not collide.
func TestNewMetrics_IsolatedRegistry(t *testing.T) {
	first := NewMetrics(prometheus.NewRegistry())
	second := NewMetrics(prometheus.NewRegistry())

	first.ActionsTotal.WithLabelValues("create_bastion", "success").Inc()

	assert.Equal(t, 1.0, testutil.ToFloat64(first.ActionsTotal.WithLabelValues("create_bastion", "success")))
	assert.Equal(t, 0.0, testutil.ToFloat64(second.ActionsTotal.WithLabelValues("create_bastion", "success")))
}

// TestTelemetry_MetricsHandler verifies the exposition endpoint serves the
// service metrics.
func TestTelemetry_MetricsHandler(t *testing.T) {
	cfg := config.DefaultConfig()
	tel, err := New(ConfigFrom(cfg, "test"))
	require.NoError(t, err)
	defer func() { _ = tel.Shutdown(context.Background()) }()

	tel.Metrics().EventsTotal.WithLabelValues("completed").Inc()

	rec := httptest.NewRecorder()
	tel.MetricsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `bastionguard_events_total{result="completed"} 1`)
	assert.NotNil(t, tel.Tracer())
}
