package worker

import (
	"context"
	"sync"
)

// researcherCache keeps one researcher per provider/model pair.
type researcherCache struct {
	mu      sync.Mutex
	entries map[string]Researcher
}

func newResearcherCache() *researcherCache {
	return &researcherCache{entries: make(map[string]Researcher)}
}

// get returns the researcher for provider/model. Uncached requests are built
// fresh every time.
func (c *researcherCache) get(ctx context.Context, provider, model string, cached bool, build func(ctx context.Context) (Researcher, error)) (Researcher, error) {
	if !cached {
		return build(ctx)
	}
	key := provider + "/" + model
	c.mu.Lock()
	defer c.mu.Unlock()
	if r, ok := c.entries[key]; ok {
		return r, nil
	}
	r, err := build(ctx)
	if err != nil {
		return nil, err
	}
	c.entries[key] = r
	return r, nil
}

func (c *researcherCache) reset() {
	c.mu.Lock()
	c.entries = make(map[string]Researcher)
	c.mu.Unlock()
}
