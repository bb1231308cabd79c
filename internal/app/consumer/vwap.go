// Package consumer holds the analytic subscribers fed by the bus: VWAP,
// volatility, per-minute volume, and the health monitor. Each consumer owns
// its state and runs as a single goroutine reading one subscription, so a
// lagging consumer shows up as drops on its own queue and never stalls the
// decode loop.
package consumer

import (
	"context"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/mercurylabs/mercurystream/internal/domain/schema"
	"github.com/mercurylabs/mercurystream/internal/infra/bus"
	"github.com/mercurylabs/mercurystream/internal/infra/metrics"
	"github.com/mercurylabs/mercurystream/internal/stats"
)

const (
	vwapLogEvery      = 1000
	latencyWindowSize = 1000
)

// VWAP is the reference consumer: per-symbol volume weighted average price
// over running notional and size sums, plus the two pipeline latency
// windows. Age observations (recv minus ingest) also feed the Prometheus
// latency histogram.
type VWAP struct {
	log zerolog.Logger
	now func() int64

	symbols map[string]*vwapSums
	ages    *stats.Window
	procs   *stats.Window
	count   uint64
	sub     *bus.Subscription
}

type vwapSums struct {
	notional decimal.Decimal
	volume   decimal.Decimal
}

// NewVWAP constructs the consumer. Prices and sizes accumulate as decimals
// so long-running sums never lose precision to float rounding.
func NewVWAP(log zerolog.Logger) *VWAP {
	return &VWAP{
		log:     log.With().Str("component", "vwap").Logger(),
		now:     func() int64 { return time.Now().UnixMilli() },
		symbols: make(map[string]*vwapSums),
		ages:    stats.NewWindow(latencyWindowSize),
		procs:   stats.NewWindow(latencyWindowSize),
	}
}

// Run consumes the subscription until it closes or the context is cancelled.
func (c *VWAP) Run(ctx context.Context, sub *bus.Subscription) {
	c.sub = sub
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

// Process folds one event into the running sums and latency windows.
func (c *VWAP) Process(evt *schema.Event) {
	c.count++

	price, okP := evt.Decimal("price")
	size, okS := evt.Decimal("last_size")
	if evt.ProductID != "" && okP && okS && price.IsPositive() && !size.IsNegative() {
		sums, ok := c.symbols[evt.ProductID]
		if !ok {
			sums = &vwapSums{}
			c.symbols[evt.ProductID] = sums
		}
		sums.notional = sums.notional.Add(price.Mul(size))
		sums.volume = sums.volume.Add(size)
	}

	if age, ok := evt.Age(); ok {
		c.ages.Push(float64(age))
		metrics.LatencyMS.Observe(float64(age))
	}
	if evt.RecvMS > 0 {
		proc := c.now() - evt.RecvMS
		if proc < 0 {
			proc = 0
		}
		c.procs.Push(float64(proc))
	}

	if c.count%vwapLogEvery == 0 {
		c.summarize()
	}
}

// Value returns the current VWAP for a symbol, false until the symbol has
// traded any size.
func (c *VWAP) Value(symbol string) (decimal.Decimal, bool) {
	sums, ok := c.symbols[symbol]
	if !ok || !sums.volume.IsPositive() {
		return decimal.Decimal{}, false
	}
	return sums.notional.Div(sums.volume), true
}

func (c *VWAP) summarize() {
	dict := zerolog.Dict()
	for _, sym := range sortedKeys(c.symbols) {
		if v, ok := c.Value(sym); ok {
			dict.Str(sym, v.StringFixed(2))
		}
	}

	agePs := c.ages.Percentiles(50, 95, 99)
	procPs := c.procs.Percentiles(50, 95, 99)

	e := c.log.Info().
		Dict("vwap", dict).
		Float64("age_p50_ms", agePs[0]).
		Float64("age_p95_ms", agePs[1]).
		Float64("age_p99_ms", agePs[2]).
		Float64("proc_p50_ms", procPs[0]).
		Float64("proc_p95_ms", procPs[1]).
		Float64("proc_p99_ms", procPs[2]).
		Uint64("events", c.count)
	if c.sub != nil {
		e = e.Uint64("drops", c.sub.Drops()).Int("depth", c.sub.Depth())
	}
	e.Msg("vwap summary")
}

func sortedKeys[M ~map[string]V, V any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
