// Package catalog is the static registry of resource specs.
package catalog

import (
	"fmt"
	"sort"
	"sync"

	"github.com/gftdcojp/model-tiers/internal/types"
)

// Catalog maps resource names to their immutable specs.
type Catalog struct {
	mu    sync.RWMutex
	specs map[string]types.ResourceSpec
}

func New() *Catalog {
	return &Catalog{specs: make(map[string]types.ResourceSpec)}
}

// Register validates and stores spec. It fails with types.ErrAlreadyExists
// if the name is taken.
func (c *Catalog) Register(spec types.ResourceSpec) error {
	if err := spec.Validate(); err != nil {
		return fmt.Errorf("%w: %w", types.ErrInvalidConfig, err)
	}
	caps, err := spec.Capabilities.Normalize()
	if err != nil {
		return fmt.Errorf("%w: resource %s: %w", types.ErrInvalidConfig, spec.Name, err)
	}
	spec.Capabilities = caps

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.specs[spec.Name]; ok {
		return fmt.Errorf("%w: resource %s", types.ErrAlreadyExists, spec.Name)
	}
	c.specs[spec.Name] = spec.Clone()
	return nil
}

func (c *Catalog) Get(name string) (types.ResourceSpec, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	spec, ok := c.specs[name]
	if !ok {
		return types.ResourceSpec{}, fmt.Errorf("%w: resource %s", types.ErrNotFound, name)
	}
	return spec.Clone(), nil
}

// Has reports whether name is registered.
func (c *Catalog) Has(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.specs[name]
	return ok
}

// List returns every spec sorted by name.
func (c *Catalog) List() []types.ResourceSpec {
	c.mu.RLock()
	out := make([]types.ResourceSpec, 0, len(c.specs))
	for _, s := range c.specs {
		out = append(out, s.Clone())
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.specs)
}
