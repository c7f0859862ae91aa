package chain

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/core/types"
)

type (
	// Clock reads chain time and provides timers for polling. Reveal-window
	// checks compare against Now, never against the local wall clock. Local
	// bounds how long a caller waits, so a stalled chain still times out.
	Clock interface {
		Now(ctx context.Context) (time.Time, error)
		Local() time.Time
		After(d time.Duration) <-chan time.Time
	}

	headerReader interface {
		HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	}

	// BlockClock reports the timestamp of the latest block.
	BlockClock struct {
		headers headerReader
	}

	// SimulatedClock is a manually driven clock. After advances simulated time
	// by d and fires immediately, so waits of minutes complete instantly.
	SimulatedClock struct {
		mu  sync.Mutex
		now time.Time
	}
)

func NewBlockClock(headers headerReader) *BlockClock {
	return &BlockClock{headers: headers}
}

func (c *BlockClock) Now(ctx context.Context) (time.Time, error) {
	header, err := c.headers.HeaderByNumber(ctx, nil)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to fetch latest header: %w", err)
	}
	return time.Unix(int64(header.Time), 0).UTC(), nil
}

// Local returns the wall clock with its monotonic reading.
func (c *BlockClock) Local() time.Time {
	return time.Now()
}

func (c *BlockClock) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}

func NewSimulatedClock(start time.Time) *SimulatedClock {
	return &SimulatedClock{now: start}
}

func (c *SimulatedClock) Now(context.Context) (time.Time, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now, nil
}

// Local follows simulated time, which only After and Advance move.
func (c *SimulatedClock) Local() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *SimulatedClock) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	ch <- c.Advance(d)
	return ch
}

// Advance moves simulated time forward and returns the new time.
func (c *SimulatedClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}
