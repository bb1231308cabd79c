// Command replay feeds a recorded JSONL capture back into the processor,
// optionally reordering events and injecting duplicates or schema drift to
// exercise the detectors.
package main

import (
	"bufio"
	"bytes"
	"context"
	"flag"
	"math/rand"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/mercurylabs/mercurystream/internal/infra/config"
	"github.com/mercurylabs/mercurystream/internal/infra/framing"
)

const (
	progressEvery = 1000
	dialTimeout   = 5 * time.Second
	// driftKey is deliberately outside the reference schema so replayed
	// events trip the drift detector at the configured rate.
	driftKey = "replay_chaos"
)

const (
	exitOK      = 0
	exitFailure = 1
	exitUsage   = 2
)

func main() { os.Exit(run()) }

func run() int {
	var (
		file          = flag.String("file", "", "Path to JSONL file to replay (required)")
		eventRate     = flag.Float64("rate", 0, "Events per second (0 = unlimited)")
		shuffleWindow = flag.Int("shuffle-window", 0, "Shuffle events within windows of this size")
		duplicateRate = flag.Float64("duplicate-rate", 0, "Probability of duplicating each event (0.0-1.0)")
		driftRate     = flag.Float64("drift-rate", 0, "Probability of tagging an event with an unknown key (0.0-1.0)")
		keepStamps    = flag.Bool("no-update-timestamps", false, "Keep recorded ingest_ts_ms instead of refreshing")
		host          = flag.String("host", "localhost", "Processor host")
		port          = flag.Int("port", 9001, "Processor port")
	)
	flag.Parse()

	logger := config.NewLogger("replay", "info", "console")

	if *file == "" {
		logger.Error().Msg("-file is required")
		flag.Usage()
		return exitUsage
	}
	if *duplicateRate < 0 || *duplicateRate > 1 || *driftRate < 0 || *driftRate > 1 {
		logger.Error().Msg("duplicate and drift rates must be within [0.0, 1.0]")
		return exitUsage
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	events, err := loadEvents(*file, logger)
	if err != nil {
		logger.Error().Err(err).Str("file", *file).Msg("load capture")
		return exitFailure
	}
	if len(events) == 0 {
		logger.Error().Str("file", *file).Msg("no events to replay")
		return exitFailure
	}
	logger.Info().Int("events", len(events)).Str("file", *file).Msg("capture loaded")

	if *shuffleWindow > 1 {
		shuffleWindows(events, *shuffleWindow)
		logger.Info().Int("window", *shuffleWindow).Msg("events shuffled")
	}
	if *duplicateRate > 0 {
		before := len(events)
		events = injectDuplicates(events, *duplicateRate)
		logger.Info().Int("before", before).Int("after", len(events)).Msg("duplicates injected")
	}
	if *driftRate > 0 {
		tagged := injectDrift(events, *driftRate)
		logger.Info().Int("tagged", tagged).Msg("drift keys injected")
	}

	addr := net.JoinHostPort(*host, strconv.Itoa(*port))
	conn, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		logger.Error().Err(err).Str("addr", addr).Msg("connect to processor")
		return exitFailure
	}
	defer conn.Close()
	logger.Info().Str("addr", addr).Msg("connected")

	var limiter *rate.Limiter
	if *eventRate > 0 {
		burst := int(*eventRate)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(*eventRate), burst)
	}

	sent, start := 0, time.Now()
	for _, evt := range events {
		if ctx.Err() != nil {
			logger.Warn().Msg("replay interrupted")
			break
		}
		if !*keepStamps {
			evt["ingest_ts_ms"] = time.Now().UnixMilli()
		}

		payload, err := json.Marshal(evt)
		if err != nil {
			logger.Warn().Err(err).Msg("skipping unencodable event")
			continue
		}
		if err := framing.WriteFrame(conn, payload); err != nil {
			logger.Error().Err(err).Msg("connection lost")
			return exitFailure
		}
		sent++

		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				logger.Warn().Msg("replay interrupted")
				break
			}
		}
		if sent%progressEvery == 0 {
			logProgress(logger, sent, len(events), start)
		}
	}

	elapsed := time.Since(start)
	logger.Info().
		Int("sent", sent).
		Str("elapsed", elapsed.Truncate(time.Millisecond).String()).
		Float64("rate", actualRate(sent, elapsed)).
		Msg("replay complete")
	return exitOK
}

func loadEvents(path string, logger zerolog.Logger) ([]map[string]any, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var events []map[string]any
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), framing.MaxFrame+1024)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}

		dec := json.NewDecoder(bytes.NewReader(line))
		dec.UseNumber()
		var evt map[string]any
		if err := dec.Decode(&evt); err != nil {
			logger.Warn().Err(err).Msg("skipping invalid JSON line")
			continue
		}
		events = append(events, evt)
	}
	return events, sc.Err()
}

func shuffleWindows(events []map[string]any, window int) {
	for start := 0; start < len(events); start += window {
		end := min(start+window, len(events))
		win := events[start:end]
		rand.Shuffle(len(win), func(i, j int) { win[i], win[j] = win[j], win[i] })
	}
}

func injectDuplicates(events []map[string]any, p float64) []map[string]any {
	out := make([]map[string]any, 0, len(events))
	for _, evt := range events {
		out = append(out, evt)
		if rand.Float64() < p {
			dup := make(map[string]any, len(evt))
			for k, v := range evt {
				dup[k] = v
			}
			out = append(out, dup)
		}
	}
	return out
}

func injectDrift(events []map[string]any, p float64) int {
	tagged := 0
	for _, evt := range events {
		if rand.Float64() < p {
			evt[driftKey] = true
			tagged++
		}
	}
	return tagged
}

func logProgress(logger zerolog.Logger, sent, total int, start time.Time) {
	logger.Info().
		Int("sent", sent).
		Int("total", total).
		Float64("rate", actualRate(sent, time.Since(start))).
		Msg("replaying")
}

func actualRate(sent int, elapsed time.Duration) float64 {
	if elapsed <= 0 {
		return 0
	}
	return float64(sent) / elapsed.Seconds()
}
