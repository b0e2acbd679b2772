// Package replayguard rejects mandate nonces and webhook delivery ids
// that have been seen within a bounded trailing window.
//
// Both implementations make check-and-record a single atomic operation:
// under concurrent submissions of the same nonce exactly one caller gets
// true and all others get false. Guards are explicitly owned, injectable
// instances with a defined lifecycle, never process-global singletons.
package replayguard

import (
	"context"
	"sync"
	"time"
)

// MemoryGuard is an in-process nonce guard for single-node deployments
// and tests. Records expire after the configured window.
type MemoryGuard struct {
	mu     sync.Mutex
	seen   map[string]time.Time // nonce -> expiry
	window time.Duration
	now    func() time.Time

	stop chan struct{}
	done chan struct{}
}

// NewMemoryGuard creates a guard whose records live for the given window.
// The window must cover the maximum mandate TTL plus clock-skew tolerance.
// Call Close on shutdown.
func NewMemoryGuard(window time.Duration) *MemoryGuard {
	g := &MemoryGuard{
		seen:   make(map[string]time.Time),
		window: window,
		now:    time.Now,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go g.sweep()
	return g
}

// CheckAndRecord atomically records the nonce if unseen. It returns false
// and records nothing when the nonce is already present. A nonce reused
// after its record expired is accepted again; mandate expiry is bounded
// by the same window, so such a mandate is already unusable.
func (g *MemoryGuard) CheckAndRecord(_ context.Context, nonce string, _ time.Time) (bool, error) {
	now := g.now()
	g.mu.Lock()
	defer g.mu.Unlock()

	if exp, ok := g.seen[nonce]; ok && now.Before(exp) {
		return false, nil
	}
	g.seen[nonce] = now.Add(g.window)
	return true, nil
}

// Close stops the background sweeper.
func (g *MemoryGuard) Close() {
	close(g.stop)
	<-g.done
}

func (g *MemoryGuard) sweep() {
	defer close(g.done)
	interval := g.window / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-g.stop:
			return
		case <-ticker.C:
			now := g.now()
			g.mu.Lock()
			for nonce, exp := range g.seen {
				if !now.Before(exp) {
					delete(g.seen, nonce)
				}
			}
			g.mu.Unlock()
		}
	}
}
