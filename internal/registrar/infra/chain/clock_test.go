package chain

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSimulatedClockAfterMovesBothReadings(t *testing.T) {
	start := time.Unix(1_700_000_000, 0).UTC()
	clock := NewSimulatedClock(start)

	fired := <-clock.After(5 * time.Second)
	assert.Equal(t, start.Add(5*time.Second), fired)
	assert.Equal(t, fired, clock.Local())

	now, err := clock.Now(context.Background())
	require.NoError(t, err)
	assert.Equal(t, fired, now)
}
