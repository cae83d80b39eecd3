package logger

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestNew_WritesJSONWithTimestampKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "target.log")
	log, err := New(Config{Level: "debug", OutputPaths: []string{path}})
	require.NoError(t, err)

	log.Info("flush enqueued", zap.String("stream", "users"))
	require.NoError(t, log.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"timestamp":`)
	assert.Contains(t, string(data), `"message":"flush enqueued"`)
	assert.Contains(t, string(data), `"stream":"users"`)
}

func TestNew_RejectsUnknownLevel(t *testing.T) {
	_, err := New(Config{Level: "loud"})
	assert.Error(t, err)
}

func TestWithContext(t *testing.T) {
	obs, logs := observer.New(zap.InfoLevel)
	ctx := context.WithValue(context.Background(), StreamKey, "users")
	ctx = context.WithValue(ctx, JobIDKey, "abc")

	WithContext(ctx, zap.New(obs)).Info("batch committed")
	require.Equal(t, 1, logs.Len())
	fields := logs.All()[0].ContextMap()
	assert.Equal(t, "users", fields["stream"])
	assert.Equal(t, "abc", fields["job_id"])
	assert.NotContains(t, fields, "table")

	assert.NotNil(t, WithContext(context.Background(), nil), "falls back to the global logger")
}
