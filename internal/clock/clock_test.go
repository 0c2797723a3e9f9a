package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/procurement-harvester/internal/harvest"
)

var (
	_ harvest.Clock = System{}
	_ harvest.Clock = (*Stepping)(nil)
)

func TestSystemNowUTC(t *testing.T) {
	t.Parallel()

	before := time.Now().Add(-time.Second)
	got := System{}.Now()
	after := time.Now().Add(time.Second)

	require.Equal(t, time.UTC, got.Location())
	require.True(t, got.After(before) && got.Before(after), "got %v", got)
}

func TestSteppingAdvancesEachReading(t *testing.T) {
	t.Parallel()

	start := time.Date(2024, 3, 1, 12, 0, 0, 0, time.FixedZone("CET", 3600))
	c := NewStepping(start, time.Minute)

	first := c.Now()
	second := c.Now()
	require.Equal(t, time.UTC, first.Location())
	require.Equal(t, start.Add(time.Minute).UTC(), first)
	require.Equal(t, time.Minute, second.Sub(first))
}

func TestSteppingDefaultsToOneSecond(t *testing.T) {
	t.Parallel()

	c := NewStepping(time.Unix(0, 0), 0)
	require.Equal(t, time.Unix(1, 0).UTC(), c.Now())
}
