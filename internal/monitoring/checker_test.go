package monitoring

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/eml-intake/internal/config"
	"github.com/sells-group/eml-intake/internal/model"
)

func TestChecker_RunStopsOnCancel(t *testing.T) {
	cfg := config.MonitoringConfig{CheckIntervalSecs: 1, LookbackHours: 24}
	checker := NewChecker(NewCollector(&mockRecords{}, nil, 0), NewAlerter(cfg), cfg)

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		checker.Run(ctx)
		close(done)
	}()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Checker.Run did not stop after context cancellation")
	}
}

func TestChecker_DefaultInterval(t *testing.T) {
	checker := NewChecker(NewCollector(&mockRecords{}, nil, 0), NewAlerter(config.MonitoringConfig{}), config.MonitoringConfig{})
	require.NotNil(t, checker)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	checker.Run(ctx)
}

func TestChecker_CheckSendsAlerts(t *testing.T) {
	var received atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		received.Add(1)
	}))
	defer ts.Close()

	cfg := testMonitoringConfig()
	cfg.WebhookURL = ts.URL
	cfg.LookbackHours = 24
	recs := &mockRecords{stale: []model.Record{{ID: "stuck"}}}
	checker := NewChecker(NewCollector(recs, &mockQueue{}, time.Minute), NewAlerter(cfg), cfg)

	alerts, sent, err := checker.Check(context.Background())
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertStuckProcessing, alerts[0].Type)
	assert.Equal(t, 1, sent)
	assert.Equal(t, int32(1), received.Load())
}

func TestChecker_CheckNoAlerts(t *testing.T) {
	cfg := testMonitoringConfig()
	checker := NewChecker(NewCollector(&mockRecords{}, &mockQueue{}, 0), NewAlerter(cfg), cfg)

	alerts, sent, err := checker.Check(context.Background())
	require.NoError(t, err)
	assert.Empty(t, alerts)
	assert.Zero(t, sent)
}
