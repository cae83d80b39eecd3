package registry

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/ajitpratap0/nebula-target/pkg/config"
	"github.com/ajitpratap0/nebula-target/pkg/connector/core"
	"github.com/ajitpratap0/nebula-target/pkg/nebulaerrors"
)

func TestRegistry(t *testing.T) {
	log := zaptest.NewLogger(t)
	r := NewRegistry()

	require.NoError(t, r.Register("fake", func(context.Context, *config.TargetConfig, *zap.Logger) (core.Warehouse, error) {
		return nil, errors.New("dial failed")
	}))
	err := r.Register("fake", nil)
	assert.True(t, nebulaerrors.IsType(err, nebulaerrors.ErrorTypeConfig))

	assert.True(t, r.Has("fake"))
	assert.Equal(t, []string{"fake"}, r.List())

	cfg := config.NewTargetConfig()
	cfg.Warehouse = "missing"
	_, err = r.Create(context.Background(), cfg, log)
	assert.True(t, nebulaerrors.IsType(err, nebulaerrors.ErrorTypeConfig))

	cfg.Warehouse = "fake"
	_, err = r.Create(context.Background(), cfg, log)
	assert.True(t, nebulaerrors.IsType(err, nebulaerrors.ErrorTypeConnection))
}
