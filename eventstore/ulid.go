package eventstore

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// IDGenerator produces time-sortable, monotonically increasing event IDs.
//
// A single IDGenerator must be used per run (the store's single-writer-per-run
// discipline, not this type, enforces that no two producers generate IDs for
// the same run concurrently). ulid.Monotonic guarantees strictly increasing
// values for calls within the same millisecond from one entropy source; two
// separate runs use independent generators and their ID spaces are never
// compared against each other.
type IDGenerator struct {
	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
}

// NewIDGenerator returns a generator seeded from crypto/rand.
func NewIDGenerator() *IDGenerator {
	return &IDGenerator{entropy: ulid.Monotonic(rand.Reader, 0)}
}

// Next returns the next event ID, lexically greater than every ID this
// generator has previously produced.
func (g *IDGenerator) Next() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	id := ulid.MustNew(ulid.Timestamp(time.Now()), g.entropy)
	return id.String()
}
