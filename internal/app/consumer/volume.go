package consumer

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/mercurylabs/mercurystream/internal/domain/schema"
	"github.com/mercurylabs/mercurystream/internal/infra/bus"
)

const (
	volumeLogEvery = 2000
	retainMinutes  = 60
)

// Volume accumulates USD notional and trade counts into per-symbol minute
// buckets, retaining the most recent hour.
type Volume struct {
	log     zerolog.Logger
	now     func() time.Time
	symbols map[string]*minuteBuckets
	count   uint64
}

type minuteBuckets struct {
	buckets map[int64]*minuteBucket
}

type minuteBucket struct {
	notional decimal.Decimal
	trades   int
}

// NewVolume constructs the consumer.
func NewVolume(log zerolog.Logger) *Volume {
	return &Volume{
		log:     log.With().Str("component", "volume").Logger(),
		now:     time.Now,
		symbols: make(map[string]*minuteBuckets),
	}
}

// Run consumes the subscription until it closes or the context is cancelled.
func (c *Volume) Run(ctx context.Context, sub *bus.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-sub.Events():
			if !ok {
				return
			}
			c.Process(evt)
		}
	}
}

// Process adds one trade's notional to the symbol's current minute bucket.
// Events without a positive price and size carry no volume and are skipped.
func (c *Volume) Process(evt *schema.Event) {
	c.count++

	price, okP := evt.Decimal("price")
	size, okS := evt.Decimal("last_size")
	if evt.ProductID != "" && okP && okS && price.IsPositive() && size.IsPositive() {
		minute := c.now().Unix() / 60

		sym, ok := c.symbols[evt.ProductID]
		if !ok {
			sym = &minuteBuckets{buckets: make(map[int64]*minuteBucket)}
			c.symbols[evt.ProductID] = sym
		}
		b, ok := sym.buckets[minute]
		if !ok {
			b = &minuteBucket{}
			sym.buckets[minute] = b
		}
		b.notional = b.notional.Add(price.Mul(size))
		b.trades++

		for m := range sym.buckets {
			if m <= minute-retainMinutes {
				delete(sym.buckets, m)
			}
		}
	}

	if c.count%volumeLogEvery == 0 {
		c.summarize()
	}
}

// Minute reports the accumulated notional and trade count for the symbol's
// bucket containing t.
func (c *Volume) Minute(symbol string, t time.Time) (decimal.Decimal, int, bool) {
	sym, ok := c.symbols[symbol]
	if !ok {
		return decimal.Decimal{}, 0, false
	}
	b, ok := sym.buckets[t.Unix()/60]
	if !ok {
		return decimal.Decimal{}, 0, false
	}
	return b.notional, b.trades, true
}

// Retained reports how many minute buckets the symbol currently holds.
func (c *Volume) Retained(symbol string) int {
	sym, ok := c.symbols[symbol]
	if !ok {
		return 0
	}
	return len(sym.buckets)
}

func (c *Volume) summarize() {
	minute := c.now().Unix() / 60
	dict := zerolog.Dict()
	reported := 0
	for _, sym := range sortedKeys(c.symbols) {
		b, ok := c.symbols[sym].buckets[minute]
		if !ok {
			continue
		}
		dict.Dict(sym, zerolog.Dict().
			Str("notional_usd", b.notional.StringFixed(2)).
			Int("trades", b.trades))
		reported++
	}
	if reported == 0 {
		return
	}
	c.log.Info().Dict("minute", dict).Uint64("events", c.count).Msg("volume summary")
}
