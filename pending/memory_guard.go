package pending

import (
	"context"
	"sync"
	"time"
)

// MemoryGuard is an in-process ReplayGuard. It only protects a single
// replica.
type MemoryGuard struct {
	mu   sync.Mutex
	seen map[string]time.Time
	now  func() time.Time
}

var _ ReplayGuard = (*MemoryGuard)(nil)

// NewMemoryGuard creates an empty MemoryGuard. now defaults to time.Now.
func NewMemoryGuard(now func() time.Time) *MemoryGuard {
	if now == nil {
		now = time.Now
	}
	return &MemoryGuard{seen: make(map[string]time.Time), now: now}
}

// Consume implements ReplayGuard.
func (g *MemoryGuard) Consume(_ context.Context, digest string, expiresAt time.Time) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	for d, exp := range g.seen {
		if !exp.After(now) {
			delete(g.seen, d)
		}
	}

	if _, ok := g.seen[digest]; ok {
		return false, nil
	}
	g.seen[digest] = expiresAt
	return true, nil
}

// Len returns the number of remembered digests.
func (g *MemoryGuard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.seen)
}
