package consumer

import (
	"context"
	"os"
	"runtime"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v4/process"

	"github.com/mercurylabs/mercurystream/internal/domain/schema"
	"github.com/mercurylabs/mercurystream/internal/infra/bus"
	"github.com/mercurylabs/mercurystream/internal/infra/metrics"
)

const healthInterval = 10 * time.Second

// Health reports pipeline liveness on a fixed cadence: event throughput,
// per-subscription queue pressure, and process resource usage.
type Health struct {
	log      zerolog.Logger
	bus      *bus.Bus
	interval time.Duration
	proc     *process.Process

	lastCount uint64
	lastAt    time.Time
	lastPrice string
}

// NewHealth constructs the monitor. Resource probes degrade to absent log
// fields when the process handle is unavailable.
func NewHealth(b *bus.Bus, log zerolog.Logger) *Health {
	h := &Health{
		log:      log.With().Str("component", "health").Logger(),
		bus:      b,
		interval: healthInterval,
	}
	if p, err := process.NewProcess(int32(os.Getpid())); err == nil {
		h.proc = p
	}
	return h
}

// Run consumes the subscription until it closes or the context is
// cancelled, reporting on every interval tick.
func (h *Health) Run(ctx context.Context, sub *bus.Subscription) {
	h.lastCount = metrics.EventCount()
	h.lastAt = time.Now()

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-sub.Events():
			if !ok {
				return
			}
			h.Process(evt)
		case <-ticker.C:
			h.report()
		}
	}
}

// Process keeps the most recent traded price for the liveness line.
func (h *Health) Process(evt *schema.Event) {
	if price, ok := evt.Str("price"); ok {
		h.lastPrice = price
	}
}

// rate computes events per second since the previous call and advances the
// delta window.
func (h *Health) rate(now time.Time) float64 {
	total := metrics.EventCount()
	elapsed := now.Sub(h.lastAt).Seconds()
	var eps float64
	if elapsed > 0 {
		eps = float64(total-h.lastCount) / elapsed
	}
	h.lastCount = total
	h.lastAt = now
	return eps
}

func (h *Health) report() {
	eps := h.rate(time.Now())

	subs := h.bus.Subscriptions()
	sort.Slice(subs, func(i, j int) bool { return subs[i].Name() < subs[j].Name() })
	queues := zerolog.Dict()
	for _, sub := range subs {
		queues.Dict(sub.Name(), zerolog.Dict().
			Int("depth", sub.Depth()).
			Int("capacity", sub.Capacity()).
			Uint64("drops", sub.Drops()))
	}

	e := h.log.Info().
		Float64("eps", eps).
		Str("last_price", h.lastPrice).
		Dict("queues", queues).
		Int("goroutines", runtime.NumGoroutine())

	if h.proc != nil {
		if mem, err := h.proc.MemoryInfo(); err == nil {
			e = e.Float64("rss_mb", float64(mem.RSS)/(1<<20))
		}
		if cpu, err := h.proc.CPUPercent(); err == nil {
			e = e.Float64("cpu_pct", cpu)
		}
	}
	e.Msg("health")
}
