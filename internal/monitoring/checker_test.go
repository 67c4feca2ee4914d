package monitoring

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/hmo-register/internal/config"
	"github.com/sells-group/hmo-register/internal/model"
)

func failingRuns() *fakeRunLister {
	return &fakeRunLister{runs: []model.Run{
		{Status: model.RunStatusFailed},
		{Status: model.RunStatusFailed},
		{Status: model.RunStatusFailed},
		{Status: model.RunStatusComplete, CompletedAt: ptrTime(collectedAt)},
	}}
}

func TestChecker_Interval(t *testing.T) {
	assert.Equal(t, time.Hour, NewChecker(nil, nil, config.MonitoringConfig{}, nil).Interval())
	assert.Equal(t, 5*time.Minute, NewChecker(nil, nil, config.MonitoringConfig{CheckIntervalSecs: 300}, nil).Interval())
}

func TestChecker_Check(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := config.MonitoringConfig{WebhookURL: srv.URL, FailureRateThreshold: 0.5, LookbackRuns: 10}
	clock := clockwork.NewFakeClockAt(collectedAt)
	c := NewChecker(NewCollector(failingRuns(), clock), newTestAlerter(cfg), cfg, clock)

	assert.Equal(t, 1, c.Check(context.Background()))
	assert.Equal(t, int32(1), calls.Load())
}

func TestChecker_RunTicksAndStops(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := config.MonitoringConfig{WebhookURL: srv.URL, FailureRateThreshold: 0.5, LookbackRuns: 10, CheckIntervalSecs: 60}
	clock := clockwork.NewFakeClockAt(collectedAt)
	c := NewChecker(NewCollector(failingRuns(), clock), newTestAlerter(cfg), cfg, clock)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()

	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(time.Minute)
	assert.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("checker did not stop after cancel")
	}
}
