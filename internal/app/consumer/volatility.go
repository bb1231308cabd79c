package consumer

import (
	"context"
	"math"

	"github.com/rs/zerolog"

	"github.com/mercurylabs/mercurystream/internal/domain/schema"
	"github.com/mercurylabs/mercurystream/internal/infra/bus"
	"github.com/mercurylabs/mercurystream/internal/stats"
)

const (
	returnsWindowSize    = 300
	volatilityLogEvery   = 500
	volatilityMinSamples = 30

	// ticksPerYear annualizes per-tick volatility assuming roughly one
	// tick per second.
	ticksPerYear = 86400 * 365
)

// Volatility tracks a rolling window of log-returns per symbol and reports
// the annualized standard deviation as a percentage.
type Volatility struct {
	log     zerolog.Logger
	symbols map[string]*returnSeries
	count   uint64
}

type returnSeries struct {
	lastPrice float64
	returns   *stats.Window
}

// NewVolatility constructs the consumer.
func NewVolatility(log zerolog.Logger) *Volatility {
	return &Volatility{
		log:     log.With().Str("component", "volatility").Logger(),
		symbols: make(map[string]*returnSeries),
	}
}

// Run consumes the subscription until it closes or the context is cancelled.
func (c *Volatility) Run(ctx context.Context, sub *bus.Subscription) {
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

// Process folds one event's price into the symbol's return series.
func (c *Volatility) Process(evt *schema.Event) {
	c.count++

	if price, ok := evt.Float("price"); ok && price > 0 && evt.ProductID != "" {
		series, ok := c.symbols[evt.ProductID]
		if !ok {
			series = &returnSeries{returns: stats.NewWindow(returnsWindowSize)}
			c.symbols[evt.ProductID] = series
		}
		if series.lastPrice > 0 {
			series.returns.Push(math.Log(price / series.lastPrice))
		}
		series.lastPrice = price
	}

	if c.count%volatilityLogEvery == 0 {
		c.summarize()
	}
}

// Annualized returns the annualized volatility percentage for a symbol,
// false until the symbol has accumulated thirty return samples.
func (c *Volatility) Annualized(symbol string) (float64, bool) {
	series, ok := c.symbols[symbol]
	if !ok || series.returns.Len() < volatilityMinSamples {
		return 0, false
	}
	return series.returns.Std() * math.Sqrt(ticksPerYear) * 100, true
}

func (c *Volatility) summarize() {
	dict := zerolog.Dict()
	reported := 0
	for _, sym := range sortedKeys(c.symbols) {
		if v, ok := c.Annualized(sym); ok {
			dict.Float64(sym, v)
			reported++
		}
	}
	if reported == 0 {
		return
	}
	c.log.Info().Dict("annualized_pct", dict).Uint64("events", c.count).Msg("volatility summary")
}
