package mongo

import (
	"sync"
	"time"

	"github.com/workflowmanager/engine/eventstore"
)

// generatorCache hands out one eventstore.IDGenerator per run id, matching
// the store's single-writer-per-run discipline: concurrent Append calls for
// the same run share a generator and are serialized by its internal mutex,
// while different runs never contend with each other.
type generatorCache struct {
	mu   sync.Mutex
	gens map[string]*eventstore.IDGenerator
}

func newGeneratorCache() *generatorCache {
	return &generatorCache{gens: make(map[string]*eventstore.IDGenerator)}
}

func (c *generatorCache) forRun(runID string) *eventstore.IDGenerator {
	c.mu.Lock()
	defer c.mu.Unlock()
	g, ok := c.gens[runID]
	if !ok {
		g = eventstore.NewIDGenerator()
		c.gens[runID] = g
	}
	return g
}

func (c *generatorCache) drop(runID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.gens, runID)
}

func timestampFromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
