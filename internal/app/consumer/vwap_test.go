package consumer

import (
	"context"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/mercurylabs/mercurystream/internal/domain/schema"
	"github.com/mercurylabs/mercurystream/internal/infra/bus"
)

// tick builds a decoded market event. Zero ingest or recv leaves the
// corresponding stamp absent.
func tick(t *testing.T, symbol, price, size string, ingestMS, recvMS int64) *schema.Event {
	t.Helper()

	fields := map[string]any{
		"type":       "ticker",
		"product_id": symbol,
		"price":      price,
		"last_size":  size,
	}
	if ingestMS > 0 {
		fields["ingest_ts_ms"] = ingestMS
	}
	payload, err := json.Marshal(fields)
	require.NoError(t, err)

	evt, err := schema.Decode(payload, recvMS)
	require.NoError(t, err)
	return evt
}

func TestVWAPIsRatioOfRunningSums(t *testing.T) {
	c := NewVWAP(zerolog.Nop())

	c.Process(tick(t, "BTC-USD", "100", "2", 0, 0))
	c.Process(tick(t, "BTC-USD", "200", "1", 0, 0))

	v, ok := c.Value("BTC-USD")
	require.True(t, ok)
	require.Equal(t, "133.33", v.StringFixed(2))

	_, ok = c.Value("ETH-USD")
	require.False(t, ok)
}

func TestVWAPSkipsUnpricedEvents(t *testing.T) {
	c := NewVWAP(zerolog.Nop())

	c.Process(tick(t, "BTC-USD", "0", "2", 0, 0))
	c.Process(tick(t, "BTC-USD", "-5", "2", 0, 0))
	c.Process(tick(t, "BTC-USD", "not-a-price", "2", 0, 0))

	_, ok := c.Value("BTC-USD")
	require.False(t, ok)
}

func TestVWAPZeroTradedSizeHasNoValue(t *testing.T) {
	c := NewVWAP(zerolog.Nop())

	c.Process(tick(t, "BTC-USD", "100", "0", 0, 0))

	_, ok := c.Value("BTC-USD")
	require.False(t, ok)
}

func TestVWAPLatencyWindows(t *testing.T) {
	c := NewVWAP(zerolog.Nop())
	c.now = func() int64 { return 5000 }

	c.Process(tick(t, "BTC-USD", "100", "1", 1000, 3000))
	require.Equal(t, 1, c.ages.Len())
	require.Equal(t, float64(2000), c.ages.Percentile(50))
	require.Equal(t, 1, c.procs.Len())
	require.Equal(t, float64(2000), c.procs.Percentile(50))

	// No ingest stamp: age is unknown but processing lag still counts.
	c.Process(tick(t, "BTC-USD", "100", "1", 0, 4000))
	require.Equal(t, 1, c.ages.Len())
	require.Equal(t, 2, c.procs.Len())
}

func TestVWAPSummaryCadenceWithoutSubscription(t *testing.T) {
	c := NewVWAP(zerolog.Nop())

	for i := 0; i < vwapLogEvery; i++ {
		c.Process(tick(t, "BTC-USD", "100", "1", 0, 0))
	}

	v, ok := c.Value("BTC-USD")
	require.True(t, ok)
	require.Equal(t, "100.00", v.StringFixed(2))
}

func TestVWAPRunDrainsClosedSubscription(t *testing.T) {
	logger := zerolog.Nop()
	b := bus.New(4, logger)
	sub := b.Subscribe("vwap")

	for i := 0; i < 3; i++ {
		b.Publish(tick(t, "BTC-USD", "100", "1", 0, 0))
	}
	b.Close()

	c := NewVWAP(logger)
	c.Run(context.Background(), sub)

	v, ok := c.Value("BTC-USD")
	require.True(t, ok)
	require.Equal(t, "100.00", v.StringFixed(2))
}

func TestVWAPRunStopsOnContextCancel(t *testing.T) {
	logger := zerolog.Nop()
	b := bus.New(4, logger)
	defer b.Close()
	sub := b.Subscribe("vwap")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan struct{})
	go func() {
		NewVWAP(logger).Run(ctx, sub)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("run did not stop on context cancel")
	}
}
