package consumer

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestVolumeAccumulatesWithinTheMinute(t *testing.T) {
	c := NewVolume(zerolog.Nop())
	base := time.Date(2026, 3, 14, 10, 30, 0, 0, time.UTC)
	c.now = func() time.Time { return base }

	c.Process(tick(t, "BTC-USD", "100", "2", 0, 0))
	c.Process(tick(t, "BTC-USD", "50", "1", 0, 0))

	notional, trades, ok := c.Minute("BTC-USD", base)
	require.True(t, ok)
	require.Equal(t, "250.00", notional.StringFixed(2))
	require.Equal(t, 2, trades)
}

func TestVolumeRollsIntoNewMinuteBuckets(t *testing.T) {
	c := NewVolume(zerolog.Nop())
	base := time.Date(2026, 3, 14, 10, 30, 0, 0, time.UTC)
	clock := base
	c.now = func() time.Time { return clock }

	c.Process(tick(t, "BTC-USD", "100", "1", 0, 0))
	clock = base.Add(time.Minute)
	c.Process(tick(t, "BTC-USD", "200", "1", 0, 0))

	require.Equal(t, 2, c.Retained("BTC-USD"))

	notional, trades, ok := c.Minute("BTC-USD", base)
	require.True(t, ok)
	require.Equal(t, "100.00", notional.StringFixed(2))
	require.Equal(t, 1, trades)

	notional, _, ok = c.Minute("BTC-USD", clock)
	require.True(t, ok)
	require.Equal(t, "200.00", notional.StringFixed(2))
}

func TestVolumeRetainsOneHourOfBuckets(t *testing.T) {
	c := NewVolume(zerolog.Nop())
	base := time.Date(2026, 3, 14, 10, 30, 0, 0, time.UTC)
	clock := base
	c.now = func() time.Time { return clock }

	c.Process(tick(t, "BTC-USD", "100", "1", 0, 0))
	clock = base.Add(retainMinutes * time.Minute)
	c.Process(tick(t, "BTC-USD", "200", "1", 0, 0))

	require.Equal(t, 1, c.Retained("BTC-USD"))
	_, _, ok := c.Minute("BTC-USD", base)
	require.False(t, ok)
	_, _, ok = c.Minute("BTC-USD", clock)
	require.True(t, ok)
}

func TestVolumeSkipsEventsWithoutTradedSize(t *testing.T) {
	c := NewVolume(zerolog.Nop())
	base := time.Date(2026, 3, 14, 10, 30, 0, 0, time.UTC)
	c.now = func() time.Time { return base }

	c.Process(tick(t, "BTC-USD", "100", "0", 0, 0))
	c.Process(tick(t, "BTC-USD", "0", "2", 0, 0))

	require.Zero(t, c.Retained("BTC-USD"))
}

func TestVolumeSymbolsAreIndependent(t *testing.T) {
	c := NewVolume(zerolog.Nop())
	base := time.Date(2026, 3, 14, 10, 30, 0, 0, time.UTC)
	c.now = func() time.Time { return base }

	c.Process(tick(t, "BTC-USD", "100", "1", 0, 0))
	c.Process(tick(t, "ETH-USD", "10", "3", 0, 0))

	notional, _, ok := c.Minute("BTC-USD", base)
	require.True(t, ok)
	require.Equal(t, "100.00", notional.StringFixed(2))

	notional, trades, ok := c.Minute("ETH-USD", base)
	require.True(t, ok)
	require.Equal(t, "30.00", notional.StringFixed(2))
	require.Equal(t, 1, trades)
}
