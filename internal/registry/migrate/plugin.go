package migrate

import (
	"cmp"
	"context"
	"fmt"
	"slices"
)

// Migrator prepares the schema (tables, collections, indexes) of one backend.
// Implementations read config.FromContext and return nil when their backend is not selected.
type Migrator interface {
	Name() string
	Migrate(ctx context.Context) error
}

// Plugin orders a migrator relative to the others.
type Plugin struct {
	Order    int
	Migrator Migrator
}

var plugins []Plugin

// Register adds a migration plugin. Called from init() in plugin packages.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// Names returns the registered migrator names in execution order.
func Names() []string {
	sorted := ordered()
	names := make([]string, len(sorted))
	for i, p := range sorted {
		names[i] = p.Migrator.Name()
	}
	return names
}

// RunAll executes all registered migrators sorted by Order and stops at the first failure.
func RunAll(ctx context.Context) error {
	for _, p := range ordered() {
		if err := p.Migrator.Migrate(ctx); err != nil {
			return fmt.Errorf("migration %s failed: %w", p.Migrator.Name(), err)
		}
	}
	return nil
}

func ordered() []Plugin {
	sorted := slices.Clone(plugins)
	slices.SortStableFunc(sorted, func(a, b Plugin) int { return cmp.Compare(a.Order, b.Order) })
	return sorted
}
