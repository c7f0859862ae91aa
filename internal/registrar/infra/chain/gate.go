// Package chain holds the signer account, its transaction submitter and the
// chain clock.
package chain

import (
	"context"
	"sync"
)

// Gate admits one holder at a time in arrival order. The submitter holds it
// from nonce lookup until the receipt is observed, so a signing account never
// has two unconfirmed transactions in flight.
type Gate struct {
	mu      sync.Mutex
	busy    bool
	waiters []chan struct{}
}

func NewGate() *Gate {
	return &Gate{}
}

func (g *Gate) Acquire(ctx context.Context) error {
	g.mu.Lock()
	if !g.busy {
		g.busy = true
		g.mu.Unlock()
		return nil
	}
	ready := make(chan struct{})
	g.waiters = append(g.waiters, ready)
	g.mu.Unlock()

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		g.mu.Lock()
		for i, w := range g.waiters {
			if w == ready {
				g.waiters = append(g.waiters[:i], g.waiters[i+1:]...)
				g.mu.Unlock()
				return ctx.Err()
			}
		}
		g.mu.Unlock()
		// ownership was handed over while we were giving up
		g.Release()
		return ctx.Err()
	}
}

// Release hands the gate to the oldest waiter, or frees it.
func (g *Gate) Release() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if len(g.waiters) == 0 {
		g.busy = false
		return
	}
	next := g.waiters[0]
	g.waiters = g.waiters[1:]
	close(next)
}

// Waiting reports how many callers are queued behind the current holder.
func (g *Gate) Waiting() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.waiters)
}
