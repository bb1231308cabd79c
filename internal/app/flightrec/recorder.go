// Package flightrec captures incident bundles around anomaly triggers.
//
// The recorder keeps a ring of recent events as pre-incident context. A
// trigger snapshots the ring, collects a fixed number of post-trigger
// events, writes the bundle atomically, then enters a cooldown that
// suppresses further captures. The forensics task is the only caller; no
// recorder state is shared.
package flightrec

import (
	"bufio"
	"os"
	"path/filepath"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mercurylabs/mercurystream/errs"
	"github.com/mercurylabs/mercurystream/internal/domain/schema"
	"github.com/mercurylabs/mercurystream/internal/infra/metrics"
)

// Capture defaults. All are configurable through the processor config.
const (
	DefaultPreEvents  = 5000
	DefaultPostEvents = 3000
	DefaultCooldown   = 60 * time.Second
)

// Incident trigger types recorded in bundle metadata.
const (
	TriggerDuplicate    = "duplicate_detected"
	TriggerSequenceGap  = "sequence_gap"
	TriggerLatencySpike = "latency_spike"
)

// State enumerates the capture state machine.
type State uint8

const (
	StateIdle State = iota
	StateCapturing
	StateCooldown
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCapturing:
		return "capturing"
	case StateCooldown:
		return "cooldown"
	default:
		return "unknown"
	}
}

// Stats is the forensics counter snapshot embedded in bundle metadata.
type Stats struct {
	Processed uint64 `json:"processed"`
	Drift     uint64 `json:"drift"`
	Dup       uint64 `json:"dup"`
	OOO       uint64 `json:"ooo"`
	Gaps      uint64 `json:"gaps"`
	Spikes    uint64 `json:"spikes"`
	Incidents uint64 `json:"incidents"`
}

// Meta describes a finalized incident bundle. It is written as meta.json
// inside the bundle directory, after events.jsonl.
type Meta struct {
	Type         string          `json:"type"`
	TriggeredAt  string          `json:"triggered_at"`
	TriggerEvent json.RawMessage `json:"trigger_event"`
	PreCount     int             `json:"pre_count"`
	PostCount    int             `json:"post_count"`
	Symbol       string          `json:"symbol"`
	Stats        Stats           `json:"stats"`
}

// Recorder owns the pre-incident ring and the capture state machine.
type Recorder struct {
	dir      string
	post     int
	cooldown time.Duration
	log      zerolog.Logger

	ring  *ring
	state State

	pre         []*schema.Event
	postBuf     []*schema.Event
	triggerType string
	triggerEvt  *schema.Event
	triggeredAt time.Time
	idleAt      time.Time

	stats func() Stats
	now   func() time.Time

	incidents uint64
	failures  uint64
}

// New builds a recorder writing bundles under dir. The directory is created
// on first capture.
func New(dir string, preEvents, postEvents int, cooldown time.Duration, log zerolog.Logger) *Recorder {
	return &Recorder{
		dir:      dir,
		post:     postEvents,
		cooldown: cooldown,
		log:      log.With().Str("component", "flightrec").Logger(),
		ring:     newRing(preEvents),
		state:    StateIdle,
		now:      time.Now,
	}
}

// SetStatsFunc installs the counter snapshot source for bundle metadata.
func (r *Recorder) SetStatsFunc(fn func() Stats) { r.stats = fn }

// Record feeds one event through the state machine. Every event lands in
// the ring regardless of state, so the next capture always has context.
func (r *Recorder) Record(evt *schema.Event) {
	r.ring.Push(evt)

	switch r.state {
	case StateCapturing:
		r.postBuf = append(r.postBuf, evt)
		if len(r.postBuf) >= r.post {
			r.finalize()
		}
	case StateCooldown:
		if !r.now().Before(r.idleAt) {
			r.state = StateIdle
		}
	}
}

// Trigger starts an incident capture for the given trigger type and event.
// Returns false while a capture is in flight or the cooldown has not
// elapsed.
func (r *Recorder) Trigger(triggerType string, evt *schema.Event) bool {
	if r.state == StateCooldown && !r.now().Before(r.idleAt) {
		r.state = StateIdle
	}
	if r.state != StateIdle {
		return false
	}

	r.state = StateCapturing
	r.pre = r.ring.Snapshot()
	r.postBuf = make([]*schema.Event, 0, r.post)
	r.triggerType = triggerType
	r.triggerEvt = evt
	r.triggeredAt = r.now()

	symbol := ""
	if evt != nil {
		symbol = evt.ProductID
	}
	r.log.Warn().Str("trigger", triggerType).Str("symbol", symbol).Int("pre", len(r.pre)).Msg("incident capture started")
	return true
}

// State reports the current capture state.
func (r *Recorder) State() State { return r.state }

// Incidents reports the number of committed bundles.
func (r *Recorder) Incidents() uint64 { return r.incidents }

// Failures reports the number of abandoned captures.
func (r *Recorder) Failures() uint64 { return r.failures }

// Close finalizes a partial capture so shutdown does not lose evidence
// already collected. The written post_count reflects what was captured.
func (r *Recorder) Close() error {
	if r.state == StateCapturing {
		r.log.Info().Int("post", len(r.postBuf)).Msg("finalizing truncated capture on shutdown")
		r.finalize()
	}
	return nil
}

// finalize writes the bundle into a .tmp directory and renames it into
// place; the final directory name is the commit point. Failures abandon the
// bundle and still enter cooldown.
func (r *Recorder) finalize() {
	id := r.bundleID()
	final := filepath.Join(r.dir, id)
	tmp := final + ".tmp"

	meta := Meta{
		Type:        r.triggerType,
		TriggeredAt: r.triggeredAt.UTC().Format(time.RFC3339Nano),
		PreCount:    len(r.pre),
		PostCount:   len(r.postBuf),
	}
	if r.triggerEvt != nil {
		meta.TriggerEvent = json.RawMessage(r.triggerEvt.Raw())
		meta.Symbol = r.triggerEvt.ProductID
	}
	if r.stats != nil {
		meta.Stats = r.stats()
	}

	err := r.writeBundle(tmp, meta)
	if err == nil {
		err = os.Rename(tmp, final)
	}
	if err != nil {
		r.failures++
		metrics.CaptureFailures.Inc()
		_ = os.RemoveAll(tmp)
		r.log.Warn().Err(err).Str("bundle", id).Msg("incident capture abandoned")
	} else {
		r.incidents++
		metrics.IncidentsTotal.Inc()
		r.log.Info().Str("bundle", final).Int("pre", meta.PreCount).Int("post", meta.PostCount).Msg("incident bundle committed")
	}

	r.pre = nil
	r.postBuf = nil
	r.triggerType = ""
	r.triggerEvt = nil
	r.state = StateCooldown
	r.idleAt = r.now().Add(r.cooldown)
}

func (r *Recorder) bundleID() string {
	stamp := r.now().UTC().Format("20060102_150405")
	return stamp + "_" + uuid.New().String()[:8]
}

func (r *Recorder) writeBundle(dir string, meta Meta) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errs.New(errs.StageFlight, errs.CodeIO, errs.WithMessage("create bundle directory"), errs.WithCause(err))
	}
	if err := writeEvents(filepath.Join(dir, "events.jsonl"), r.pre, r.postBuf); err != nil {
		return errs.New(errs.StageFlight, errs.CodeIO, errs.WithMessage("write bundle events"), errs.WithCause(err))
	}

	raw, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return errs.New(errs.StageFlight, errs.CodeInvalid, errs.WithMessage("encode bundle metadata"), errs.WithCause(err))
	}
	if err := os.WriteFile(filepath.Join(dir, "meta.json"), append(raw, '\n'), 0o644); err != nil {
		return errs.New(errs.StageFlight, errs.CodeIO, errs.WithMessage("write bundle metadata"), errs.WithCause(err))
	}
	return nil
}

func writeEvents(path string, batches ...[]*schema.Event) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	w := bufio.NewWriterSize(f, 64*1024)
	for _, batch := range batches {
		for _, evt := range batch {
			if _, err := w.Write(evt.EncodeLine()); err != nil {
				_ = f.Close()
				return err
			}
			if err := w.WriteByte('\n'); err != nil {
				_ = f.Close()
				return err
			}
		}
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
