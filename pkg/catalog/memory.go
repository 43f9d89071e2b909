package catalog

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Memory implements Resolver using an in-memory map. It backs single-node
// deployments and tests; durable deployments use the postgres store.
type Memory struct {
	mu          sync.RWMutex
	datasources map[string]*Datasource
}

// NewMemory creates an empty in-memory catalog.
func NewMemory() *Memory {
	return &Memory{
		datasources: make(map[string]*Datasource),
	}
}

// Put adds or replaces a datasource definition.
func (m *Memory) Put(ds *Datasource) error {
	if ds.ID == "" {
		return fmt.Errorf("catalog: datasource ID is required")
	}
	if !ds.Provider.Valid() {
		return fmt.Errorf("catalog: unknown provider %q", ds.Provider)
	}
	if err := ValidateLogicalName(ds.LogicalName); err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidLogicalName, ds.LogicalName)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *ds
	m.datasources[ds.ID] = &cp
	return nil
}

// Delete removes a datasource definition. Deleting an unknown ID is a no-op.
func (m *Memory) Delete(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.datasources, id)
}

// Resolve returns the datasource definition for id.
func (m *Memory) Resolve(_ context.Context, id string) (*Datasource, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ds, ok := m.datasources[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	cp := *ds
	return &cp, nil
}

// List returns all datasource definitions ordered by ID.
func (m *Memory) List(_ context.Context) ([]*Datasource, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*Datasource, 0, len(m.datasources))
	for _, ds := range m.datasources {
		cp := *ds
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}
