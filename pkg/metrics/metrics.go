// Package metrics exposes the target's Prometheus collectors.
//
// All collectors are registered with the default registry on package load
// and served by Serve on /metrics:
//
//	metrics.RecordsBuffered.WithLabelValues("public-users").Inc()
//
//	timer := metrics.NewTimer()
//	commit()
//	metrics.FlushDuration.WithLabelValues("public-users").Observe(timer.Stop().Seconds())
package metrics

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "nebula_target"

var (
	// RecordsBuffered counts records appended to stream buffers.
	// Labels: stream
	RecordsBuffered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_buffered_total",
			Help:      "Total number of records appended to stream buffers",
		},
		[]string{"stream"},
	)

	// Flushes counts finished flush jobs.
	// Labels: stream, mode (append/upsert/version/schema), status (success/error)
	Flushes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flushes_total",
			Help:      "Total number of finished flush jobs",
		},
		[]string{"stream", "mode", "status"},
	)

	// FlushDuration tracks how long a flush job takes end to end.
	FlushDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "flush_duration_seconds",
			Help:      "Flush job duration in seconds",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
		[]string{"stream"},
	)

	// RowsCommitted counts rows committed into target tables.
	RowsCommitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rows_committed_total",
			Help:      "Total number of rows committed into target tables",
		},
		[]string{"stream"},
	)

	// StructuralChanges counts applied structural changes.
	// Labels: stream, kind (create_table/add_column)
	StructuralChanges = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "structural_changes_total",
			Help:      "Total number of structural changes applied to target tables",
		},
		[]string{"stream", "kind"},
	)

	// VersionedColumns counts columns created by a field type change.
	VersionedColumns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "versioned_columns_total",
			Help:      "Total number of versioned columns created by type changes",
		},
		[]string{"stream"},
	)

	// ValuesClamped counts values clamped to a column's range.
	ValuesClamped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "values_clamped_total",
			Help:      "Total number of values clamped to a column's representable range",
		},
		[]string{"stream", "column"},
	)

	// CheckpointsEmitted counts checkpoint tokens written to stdout.
	CheckpointsEmitted = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkpoints_emitted_total",
			Help:      "Total number of checkpoints emitted",
		},
	)

	// InflightJobs is the number of flush jobs queued or executing.
	InflightJobs = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "inflight_jobs",
			Help:      "Number of flush jobs queued or executing",
		},
	)
)

// Status returns the status label for err.
func Status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// Timer measures an operation's duration.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Stop returns the elapsed time since the timer started. It can be called
// more than once.
func (t *Timer) Stop() time.Duration {
	return time.Since(t.start)
}

// Server serves /metrics.
type Server struct {
	srv *http.Server
	ln  net.Listener
}

// Serve starts serving the default registry on addr in the background.
func Serve(addr string) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	s := &Server{
		srv: &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second},
		ln:  ln,
	}
	go func() {
		// Serve returns http.ErrServerClosed after Shutdown.
		_ = s.srv.Serve(ln)
	}()
	return s, nil
}

// Addr returns the address the server listens on.
func (s *Server) Addr() string {
	return s.ln.Addr().String()
}

// Shutdown stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
