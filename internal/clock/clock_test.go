package clock_test

import (
	"testing"
	"time"

	"github.com/jrsteele09/go-oauth-flows/internal/clock"
	"github.com/stretchr/testify/require"
)

func TestFake_AdvanceFiresDueTimers(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := clock.NewFake(start)

	var fired []string
	c.AfterFunc(2*time.Second, func() { fired = append(fired, "late") })
	c.AfterFunc(time.Second, func() { fired = append(fired, "early") })
	stopped := c.AfterFunc(time.Second, func() { fired = append(fired, "stopped") })
	require.True(t, stopped.Stop())
	require.False(t, stopped.Stop())

	c.Advance(500 * time.Millisecond)
	require.Empty(t, fired)
	require.Equal(t, 2, c.Pending())

	c.Advance(2 * time.Second)
	require.Equal(t, []string{"early", "late"}, fired)
	require.Equal(t, start.Add(2500*time.Millisecond), c.Now())
	require.Zero(t, c.Pending())
}
