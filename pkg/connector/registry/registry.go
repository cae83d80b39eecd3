// Package registry maps warehouse kinds to factories. Destination packages
// register themselves from init; the command imports them for effect.
package registry

import (
	"context"
	"errors"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/ajitpratap0/nebula-target/pkg/config"
	"github.com/ajitpratap0/nebula-target/pkg/connector/core"
	"github.com/ajitpratap0/nebula-target/pkg/nebulaerrors"
)

// WarehouseFactory creates a warehouse from the target configuration.
type WarehouseFactory func(ctx context.Context, cfg *config.TargetConfig, log *zap.Logger) (core.Warehouse, error)

// Registry manages warehouse registration and instantiation
type Registry struct {
	warehouses map[string]WarehouseFactory
	mu         sync.RWMutex
}

// Global registry instance
var globalRegistry = NewRegistry()

// NewRegistry creates a new warehouse registry
func NewRegistry() *Registry {
	return &Registry{warehouses: make(map[string]WarehouseFactory)}
}

// Register registers a warehouse factory
func (r *Registry) Register(kind string, factory WarehouseFactory) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.warehouses[kind]; exists {
		return nebulaerrors.New(nebulaerrors.ErrorTypeConfig, "warehouse already registered").WithDetail("warehouse", kind)
	}
	r.warehouses[kind] = factory
	return nil
}

// Create creates the warehouse selected by cfg.Warehouse.
func (r *Registry) Create(ctx context.Context, cfg *config.TargetConfig, log *zap.Logger) (core.Warehouse, error) {
	r.mu.RLock()
	factory, exists := r.warehouses[cfg.Warehouse]
	r.mu.RUnlock()

	if !exists {
		return nil, nebulaerrors.New(nebulaerrors.ErrorTypeConfig, "warehouse not registered").
			WithDetail("warehouse", cfg.Warehouse).
			WithDetail("available", r.List())
	}

	wh, err := factory(ctx, cfg, log.With(zap.String("warehouse", cfg.Warehouse)))
	if err != nil {
		var structured *nebulaerrors.Error
		if errors.As(err, &structured) {
			return nil, err
		}
		return nil, nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeConnection, "failed to create warehouse").
			WithDetail("warehouse", cfg.Warehouse)
	}
	return wh, nil
}

// List returns the registered kinds, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]string, 0, len(r.warehouses))
	for kind := range r.warehouses {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	return kinds
}

// Has checks if a warehouse kind is registered
func (r *Registry) Has(kind string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.warehouses[kind]
	return exists
}

// Register registers a warehouse in the global registry
func Register(kind string, factory WarehouseFactory) error {
	return globalRegistry.Register(kind, factory)
}

// Create creates a warehouse from the global registry
func Create(ctx context.Context, cfg *config.TargetConfig, log *zap.Logger) (core.Warehouse, error) {
	return globalRegistry.Create(ctx, cfg, log)
}

// List returns the kinds registered in the global registry
func List() []string {
	return globalRegistry.List()
}

// Has checks if a kind is registered in the global registry
func Has(kind string) bool {
	return globalRegistry.Has(kind)
}
