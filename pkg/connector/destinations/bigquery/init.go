package bigquery

import (
	"context"

	"go.uber.org/zap"

	"github.com/ajitpratap0/nebula-target/pkg/config"
	"github.com/ajitpratap0/nebula-target/pkg/connector/core"
	"github.com/ajitpratap0/nebula-target/pkg/connector/registry"
)

func init() {
	_ = registry.Register(config.WarehouseBigQuery, func(ctx context.Context, cfg *config.TargetConfig, log *zap.Logger) (core.Warehouse, error) {
		return New(ctx, ConfigFrom(cfg), log)
	})
}
