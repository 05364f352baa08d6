package kernel

import (
	"sync"

	"github.com/google/uuid"

	"github.com/roach88/fmsync/internal/ir"
)

// SiteGenerator produces site identities. Implemented by UUIDv7Generator
// (production) and FixedGenerator (tests).
type SiteGenerator interface {
	Generate() ir.SiteID
}

// UUIDv7Generator generates time-sortable UUIDv7 site identities.
//
// Thread-safety: stateless and safe for concurrent use.
type UUIDv7Generator struct{}

// Generate returns a new hyphenated UUIDv7.
// Panics if the system random source fails.
func (UUIDv7Generator) Generate() ir.SiteID {
	return ir.SiteID(uuid.Must(uuid.NewV7()).String())
}

// FixedGenerator returns predetermined site ids in order.
//
// Thread-safety: safe for concurrent use via internal mutex.
type FixedGenerator struct {
	mu  sync.Mutex
	ids []ir.SiteID
	idx int
}

// NewFixedGenerator creates a generator that returns ids in order.
func NewFixedGenerator(ids ...ir.SiteID) *FixedGenerator {
	return &FixedGenerator{ids: ids}
}

// Generate returns the next id. Panics once all ids are consumed, which
// catches a test creating more participants than it declared.
func (g *FixedGenerator) Generate() ir.SiteID {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.idx >= len(g.ids) {
		panic("FixedGenerator: all site ids exhausted")
	}
	id := g.ids[g.idx]
	g.idx++
	return id
}
