package host

import (
	"context"
	"slices"
	"sync"
)

// Cache probes once and serves the same facts until Refresh. A failed probe is not cached.
type Cache struct {
	Prober interface {
		Probe(ctx context.Context) (HostFacts, error)
	}

	mu    sync.Mutex
	facts *HostFacts
}

// Probe returns the cached facts, probing on first use.
func (c *Cache) Probe(ctx context.Context) (HostFacts, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.facts != nil {
		return c.facts.clone(), nil
	}
	facts, err := c.Prober.Probe(ctx)
	if err != nil {
		return HostFacts{}, err
	}
	cached := facts.clone()
	c.facts = &cached
	return cached.clone(), nil
}

// Refresh discards the cached facts and probes again.
func (c *Cache) Refresh(ctx context.Context) (HostFacts, error) {
	c.mu.Lock()
	c.facts = nil
	c.mu.Unlock()
	return c.Probe(ctx)
}

// clone copies f so callers cannot reach the cached slices.
func (f HostFacts) clone() HostFacts {
	f.GPUVendors = slices.Clone(f.GPUVendors)
	return f
}
