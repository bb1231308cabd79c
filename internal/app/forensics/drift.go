package forensics

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/mercurylabs/mercurystream/internal/domain/schema"
)

// fieldKind classifies the JSON type a reference field must carry.
type fieldKind uint8

const (
	kindString fieldKind = iota
	kindNumber
)

func (k fieldKind) matches(v any) bool {
	switch k {
	case kindString:
		_, ok := v.(string)
		return ok
	case kindNumber:
		_, ok := v.(json.Number)
		return ok
	default:
		return false
	}
}

// referenceFields is the exchange ticker contract. Every key must be
// present with a matching JSON type; prices and sizes travel as decimal
// strings, identifiers as numbers. Keys the pipeline stamps itself
// (ingest_ts_ms, recv_ts_ms, dup) and unknown extra keys never count as
// drift.
var referenceFields = []struct {
	key  string
	kind fieldKind
}{
	{"type", kindString},
	{"sequence", kindNumber},
	{"product_id", kindString},
	{"price", kindString},
	{"open_24h", kindString},
	{"volume_24h", kindString},
	{"low_24h", kindString},
	{"high_24h", kindString},
	{"volume_30d", kindString},
	{"best_bid", kindString},
	{"best_bid_size", kindString},
	{"best_ask", kindString},
	{"best_ask_size", kindString},
	{"side", kindString},
	{"time", kindString},
	{"trade_id", kindNumber},
	{"last_size", kindString},
}

// checkDrift validates a decoded event against the reference schema. The
// returned reason is stable and compact, suitable for an evidence line.
func checkDrift(fields map[string]any) (string, bool) {
	var missing, mismatched []string
	for _, ref := range referenceFields {
		v, ok := fields[ref.key]
		if !ok {
			missing = append(missing, ref.key)
			continue
		}
		if !ref.kind.matches(v) {
			mismatched = append(mismatched, ref.key)
		}
	}
	if len(missing) == 0 && len(mismatched) == 0 {
		return "", false
	}

	var b strings.Builder
	if len(missing) > 0 {
		b.WriteString("missing=")
		b.WriteString(strings.Join(missing, ","))
	}
	if len(mismatched) > 0 {
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		b.WriteString("type_mismatch=")
		b.WriteString(strings.Join(mismatched, ","))
	}
	return b.String(), true
}

// driftSample is one evidence line in the drift sample file.
type driftSample struct {
	TS     string          `json:"ts"`
	Reason string          `json:"reason"`
	Raw    json.RawMessage `json:"raw"`
}

// sampler appends drift evidence lines, capped at one write per limiter
// token. Each sample is one whole-line write.
type sampler struct {
	path    string
	limiter *rate.Limiter
	log     zerolog.Logger

	f       *os.File
	broken  bool
	written uint64
}

func newSampler(path string, log zerolog.Logger) *sampler {
	return &sampler{
		path:    path,
		limiter: rate.NewLimiter(rate.Every(100*time.Millisecond), 1),
		log:     log,
	}
}

// Write appends one sample when the rate limiter allows it.
func (s *sampler) Write(evt *schema.Event, reason string) {
	if s.broken || !s.limiter.Allow() {
		return
	}
	if s.f == nil {
		if err := s.open(); err != nil {
			s.broken = true
			s.log.Warn().Err(err).Str("path", s.path).Msg("drift sample file unavailable")
			return
		}
	}

	line, err := json.Marshal(driftSample{
		TS:     time.Now().UTC().Format(time.RFC3339Nano),
		Reason: reason,
		Raw:    json.RawMessage(evt.Raw()),
	})
	if err != nil {
		return
	}
	if _, err := s.f.Write(append(line, '\n')); err != nil {
		s.log.Warn().Err(err).Msg("drift sample write failed")
		return
	}
	s.written++
}

func (s *sampler) open() error {
	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	s.f = f
	return nil
}

// Written reports how many samples reached the file.
func (s *sampler) Written() uint64 { return s.written }

func (s *sampler) Close() error {
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}
