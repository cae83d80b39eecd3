package metrics

import (
	"context"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectors(t *testing.T) {
	before := testutil.ToFloat64(ValuesClamped.WithLabelValues("metrics-test", "amount"))
	ValuesClamped.WithLabelValues("metrics-test", "amount").Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(ValuesClamped.WithLabelValues("metrics-test", "amount")))

	Flushes.WithLabelValues("metrics-test", "upsert", Status(nil)).Inc()
	assert.Equal(t, float64(1), testutil.ToFloat64(Flushes.WithLabelValues("metrics-test", "upsert", "success")))
}

func TestTimer(t *testing.T) {
	timer := NewTimer()
	time.Sleep(time.Millisecond)
	assert.GreaterOrEqual(t, timer.Stop(), time.Millisecond)
}

func TestServe(t *testing.T) {
	srv, err := Serve("127.0.0.1:0")
	require.NoError(t, err)
	defer func() { _ = srv.Shutdown(context.Background()) }()

	CheckpointsEmitted.Inc()

	resp, err := http.Get("http://" + srv.Addr() + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "nebula_target_checkpoints_emitted_total")
}
