// Command stress floods the processor with synthetic ticker events and
// reports throughput plus send-latency percentiles.
package main

import (
	"context"
	"flag"
	"math/rand"
	"net"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"
	"golang.org/x/time/rate"

	"github.com/mercurylabs/mercurystream/internal/infra/config"
	"github.com/mercurylabs/mercurystream/internal/infra/framing"
	"github.com/mercurylabs/mercurystream/internal/stats"
)

const (
	dialTimeout      = 5 * time.Second
	reportInterval   = 2 * time.Second
	latencyCap       = 100000
	maxLimiterBurst  = 10
	tradeIDBase      = 900000000
	defaultDuration  = 10 * time.Second
	priceNoiseStdDev = 0.001
)

var defaultSymbols = []string{"BTC-USD", "ETH-USD", "SOL-USD"}

var basePrices = map[string]float64{
	"BTC-USD": 95000,
	"ETH-USD": 3500,
	"SOL-USD": 200,
}

const (
	exitOK      = 0
	exitFailure = 1
	exitUsage   = 2
)

func main() { os.Exit(run()) }

func run() int {
	var (
		eventRate   = flag.Float64("rate", 1000, "Events per second across all connections (0 = unlimited)")
		duration    = flag.Duration("duration", 0, "Test duration (default 10s when no -count)")
		count       = flag.Int("count", 0, "Total events to send (0 = duration-bound)")
		connections = flag.Int("connections", 1, "Number of parallel connections")
		symbol      = flag.String("symbol", "", "Fix all events to one symbol (default: random mix)")
		host        = flag.String("host", "localhost", "Processor host")
		port        = flag.Int("port", 9001, "Processor port")
	)
	flag.Parse()

	logger := config.NewLogger("stress", "info", "console")

	if *connections < 1 {
		logger.Error().Msg("-connections must be at least 1")
		return exitUsage
	}
	if *duration == 0 && *count == 0 {
		*duration = defaultDuration
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	addr := net.JoinHostPort(*host, strconv.Itoa(*port))
	logger.Info().
		Str("addr", addr).
		Float64("rate", *eventRate).
		Dur("duration", *duration).
		Int("count", *count).
		Int("connections", *connections).
		Msg("stress test starting")

	st := newStressStats()
	gen := newGenerator(*symbol)

	perConnRate := 0.0
	if *eventRate > 0 {
		perConnRate = *eventRate / float64(*connections)
	}

	var wg conc.WaitGroup
	for i := 0; i < *connections; i++ {
		budget := 0
		if *count > 0 {
			budget = *count / *connections
			if i == 0 {
				budget += *count % *connections
			}
		}
		w := &worker{
			addr:   addr,
			rate:   perConnRate,
			stopAt: stopTime(*duration),
			budget: budget,
			gen:    gen,
			stats:  st,
			log:    logger.With().Int("conn", i).Logger(),
			seed:   time.Now().UnixNano() + int64(i),
		}
		wg.Go(func() { w.run(ctx) })
	}

	reportCtx, stopReports := context.WithCancel(ctx)
	var reports conc.WaitGroup
	reports.Go(func() { reportLoop(reportCtx, logger, st) })

	wg.Wait()
	stopReports()
	reports.Wait()

	sent, errors, p50, p95, p99 := st.snapshot()
	elapsed := time.Since(st.start)
	logger.Info().
		Int("connections", *connections).
		Uint64("sent", sent).
		Uint64("errors", errors).
		Str("elapsed", elapsed.Truncate(time.Millisecond).String()).
		Float64("throughput", throughput(sent, elapsed)).
		Float64("p50_ms", p50).
		Float64("p95_ms", p95).
		Float64("p99_ms", p99).
		Msg("stress test complete")

	if errors > 0 && sent == 0 {
		return exitFailure
	}
	return exitOK
}

func stopTime(d time.Duration) time.Time {
	if d <= 0 {
		return time.Time{}
	}
	return time.Now().Add(d)
}

func throughput(sent uint64, elapsed time.Duration) float64 {
	if elapsed <= 0 {
		return 0
	}
	return float64(sent) / elapsed.Seconds()
}

// stressStats aggregates counters across workers. Latency keeps the most
// recent samples in a fixed window so long runs stay bounded.
type stressStats struct {
	mu        sync.Mutex
	sent      uint64
	errors    uint64
	latencies *stats.Window
	start     time.Time
}

func newStressStats() *stressStats {
	return &stressStats{latencies: stats.NewWindow(latencyCap), start: time.Now()}
}

func (s *stressStats) recordSend(d time.Duration) {
	s.mu.Lock()
	s.sent++
	s.latencies.Push(float64(d.Nanoseconds()) / 1e6)
	s.mu.Unlock()
}

func (s *stressStats) recordError() {
	s.mu.Lock()
	s.errors++
	s.mu.Unlock()
}

func (s *stressStats) snapshot() (sent, errors uint64, p50, p95, p99 float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ps := s.latencies.Percentiles(50, 95, 99)
	return s.sent, s.errors, ps[0], ps[1], ps[2]
}

func reportLoop(ctx context.Context, logger zerolog.Logger, st *stressStats) {
	ticker := time.NewTicker(reportInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sent, errors, p50, p95, p99 := st.snapshot()
			logger.Info().
				Uint64("sent", sent).
				Uint64("errors", errors).
				Float64("throughput", throughput(sent, time.Since(st.start))).
				Float64("p50_ms", p50).
				Float64("p95_ms", p95).
				Float64("p99_ms", p99).
				Msg("progress")
		}
	}
}

type worker struct {
	addr   string
	rate   float64
	stopAt time.Time
	budget int
	gen    *generator
	stats  *stressStats
	log    zerolog.Logger
	seed   int64
}

func (w *worker) run(ctx context.Context) {
	conn, err := net.DialTimeout("tcp", w.addr, dialTimeout)
	if err != nil {
		w.stats.recordError()
		w.log.Error().Err(err).Msg("connection failed")
		return
	}
	defer conn.Close()

	rng := rand.New(rand.NewSource(w.seed))

	var limiter *rate.Limiter
	if w.rate > 0 {
		burst := int(w.rate)
		if burst < 1 {
			burst = 1
		}
		if burst > maxLimiterBurst {
			burst = maxLimiterBurst
		}
		limiter = rate.NewLimiter(rate.Limit(w.rate), burst)
	}

	for sent := 0; ; sent++ {
		if ctx.Err() != nil {
			return
		}
		if !w.stopAt.IsZero() && !time.Now().Before(w.stopAt) {
			return
		}
		if w.budget > 0 && sent >= w.budget {
			return
		}

		payload, err := w.gen.next(rng)
		if err != nil {
			w.stats.recordError()
			continue
		}

		sendStart := time.Now()
		if err := framing.WriteFrame(conn, payload); err != nil {
			w.stats.recordError()
			w.log.Error().Err(err).Msg("connection lost")
			return
		}
		w.stats.recordSend(time.Since(sendStart))

		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return
			}
		}
	}
}

// tickerEvent mirrors the exchange ticker contract so synthetic load does
// not register as schema drift.
type tickerEvent struct {
	Type        string `json:"type"`
	Sequence    int64  `json:"sequence"`
	ProductID   string `json:"product_id"`
	Price       string `json:"price"`
	Open24H     string `json:"open_24h"`
	Volume24H   string `json:"volume_24h"`
	Low24H      string `json:"low_24h"`
	High24H     string `json:"high_24h"`
	Volume30D   string `json:"volume_30d"`
	BestBid     string `json:"best_bid"`
	BestBidSize string `json:"best_bid_size"`
	BestAsk     string `json:"best_ask"`
	BestAskSize string `json:"best_ask_size"`
	Side        string `json:"side"`
	Time        string `json:"time"`
	TradeID     int64  `json:"trade_id"`
	LastSize    string `json:"last_size"`
	IngestTSMS  int64  `json:"ingest_ts_ms"`
}

// generator produces conformant synthetic tickers. Sequences advance per
// symbol and trade ids globally, so concurrent connections never fabricate
// gaps or duplicates.
type generator struct {
	fixed   string
	tradeID atomic.Int64
	seqs    map[string]*atomic.Int64
}

func newGenerator(fixedSymbol string) *generator {
	g := &generator{fixed: fixedSymbol, seqs: make(map[string]*atomic.Int64)}
	for _, sym := range defaultSymbols {
		g.seqs[sym] = &atomic.Int64{}
	}
	if fixedSymbol != "" {
		if _, ok := g.seqs[fixedSymbol]; !ok {
			g.seqs[fixedSymbol] = &atomic.Int64{}
		}
	}
	return g
}

func (g *generator) next(rng *rand.Rand) ([]byte, error) {
	sym := g.fixed
	if sym == "" {
		sym = defaultSymbols[rng.Intn(len(defaultSymbols))]
	}

	base, ok := basePrices[sym]
	if !ok {
		base = 100
	}
	price := base * (1 + rng.NormFloat64()*priceNoiseStdDev)
	size := rng.ExpFloat64() * 0.1
	side := "buy"
	if rng.Intn(2) == 1 {
		side = "sell"
	}

	now := time.Now().UTC()
	evt := tickerEvent{
		Type:        "ticker",
		Sequence:    g.seqs[sym].Add(1),
		ProductID:   sym,
		Price:       formatPrice(price),
		Open24H:     formatPrice(base),
		Volume24H:   formatSize(10000 + rng.Float64()*1000),
		Low24H:      formatPrice(base * 0.99),
		High24H:     formatPrice(base * 1.01),
		Volume30D:   formatSize(300000 + rng.Float64()*10000),
		BestBid:     formatPrice(price - 0.01),
		BestBidSize: formatSize(rng.ExpFloat64() * 0.5),
		BestAsk:     formatPrice(price + 0.01),
		BestAskSize: formatSize(rng.ExpFloat64() * 0.5),
		Side:        side,
		Time:        now.Format("2006-01-02T15:04:05.000000Z"),
		TradeID:     tradeIDBase + g.tradeID.Add(1),
		LastSize:    formatSize(size),
		IngestTSMS:  now.UnixMilli(),
	}
	return json.Marshal(evt)
}

func formatPrice(v float64) string {
	return strconv.FormatFloat(v, 'f', 2, 64)
}

func formatSize(v float64) string {
	return strconv.FormatFloat(v, 'f', 8, 64)
}
