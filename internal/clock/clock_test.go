package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSystemNowUTC(t *testing.T) {
	t.Parallel()

	before := time.Now().UTC().Add(-time.Second)
	got := System{}.Now()
	require.Equal(t, time.UTC, got.Location())
	require.True(t, got.After(before))
}

func TestFixedAdvance(t *testing.T) {
	t.Parallel()

	start := time.Date(2024, 3, 20, 12, 0, 0, 0, time.UTC)
	c := NewFixed(start)
	require.Equal(t, start, c.Now())
	c.Advance(90 * time.Second)
	require.Equal(t, start.Add(90*time.Second), c.Now())
}
