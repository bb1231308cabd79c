// Package report renders incident bundles into human-readable markdown.
// It reads the meta.json and events.jsonl written by the flight recorder,
// re-derives evidence from the captured events, and emits a report.md next
// to them.
package report

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	json "github.com/goccy/go-json"

	"github.com/mercurylabs/mercurystream/errs"
	"github.com/mercurylabs/mercurystream/internal/app/flightrec"
	"github.com/mercurylabs/mercurystream/internal/domain/schema"
	"github.com/mercurylabs/mercurystream/internal/infra/framing"
	"github.com/mercurylabs/mercurystream/internal/stats"
)

const (
	maxGaps       = 10
	maxDupIDs     = 10
	maxDupSamples = 4
	maxSamples    = 5
)

// Bundle is one incident capture loaded back from disk.
type Bundle struct {
	Dir    string
	ID     string
	Meta   flightrec.Meta
	Events []*schema.Event
}

// Gap is a hole in a per-symbol sequence stream.
type Gap struct {
	From int64
	To   int64
}

// Missing reports how many sequence numbers the gap swallowed.
func (g Gap) Missing() int64 { return g.To - g.From - 1 }

// Analysis holds the evidence re-derived from captured events.
type Analysis struct {
	Symbols []string

	LatencySamples int
	LatencyMinMS   int64
	LatencyMaxMS   int64
	LatencyAvgMS   float64
	LatencyP99MS   int64

	DuplicateTradeIDs []int64
	DuplicateSamples  []*schema.Event
	OutOfOrder        int
	Gaps              []Gap

	FirstTime  string
	LastTime   string
	DurationMS int64
}

// Load reads an incident bundle directory. Undecodable event lines are
// skipped; a bundle with no readable metadata is an error.
func Load(dir string) (*Bundle, error) {
	raw, err := os.ReadFile(filepath.Join(dir, "meta.json"))
	if err != nil {
		return nil, errs.New(errs.StageReport, errs.CodeIO,
			errs.WithMessage("read bundle metadata"),
			errs.WithField("dir", dir),
			errs.WithCause(err))
	}

	b := &Bundle{Dir: dir, ID: filepath.Base(dir)}
	if err := json.Unmarshal(raw, &b.Meta); err != nil {
		return nil, errs.New(errs.StageReport, errs.CodeInvalid,
			errs.WithMessage("parse bundle metadata"),
			errs.WithField("dir", dir),
			errs.WithCause(err))
	}

	f, err := os.Open(filepath.Join(dir, "events.jsonl"))
	if err != nil {
		return nil, errs.New(errs.StageReport, errs.CodeIO,
			errs.WithMessage("open bundle events"),
			errs.WithField("dir", dir),
			errs.WithCause(err))
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), framing.MaxFrame+1024)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		evt, err := schema.Decode(append([]byte(nil), line...), 0)
		if err != nil {
			continue
		}
		b.Events = append(b.Events, evt)
	}
	if err := sc.Err(); err != nil {
		return nil, errs.New(errs.StageReport, errs.CodeIO,
			errs.WithMessage("scan bundle events"),
			errs.WithField("dir", dir),
			errs.WithCause(err))
	}
	return b, nil
}

// Analyze walks the captured events once and re-derives the anomalies the
// detectors saw live: duplicate trade ids, out-of-order exchange times,
// per-symbol sequence gaps, and the latency distribution.
func Analyze(events []*schema.Event) Analysis {
	var a Analysis
	if len(events) == 0 {
		return a
	}

	symbols := make(map[string]struct{})
	byTradeID := make(map[int64][]*schema.Event)
	timesBySymbol := make(map[string][]int64)
	seqsBySymbol := make(map[string][]int64)

	ages := stats.NewWindow(len(events))
	var minTimeMS, maxTimeMS int64
	first, last := "", ""

	for _, evt := range events {
		symbol := evt.ProductID
		if symbol == "" {
			symbol = "unknown"
		}
		symbols[symbol] = struct{}{}

		if age, ok := evt.Age(); ok {
			if a.LatencySamples == 0 || age < a.LatencyMinMS {
				a.LatencyMinMS = age
			}
			if age > a.LatencyMaxMS {
				a.LatencyMaxMS = age
			}
			a.LatencySamples++
			ages.Push(float64(age))
		}

		if evt.HasTradeID {
			byTradeID[evt.TradeID] = append(byTradeID[evt.TradeID], evt)
		}
		if evt.HasSequence {
			seqsBySymbol[symbol] = append(seqsBySymbol[symbol], evt.Sequence)
		}
		if evt.TimeMS > 0 {
			timesBySymbol[symbol] = append(timesBySymbol[symbol], evt.TimeMS)
			if minTimeMS == 0 || evt.TimeMS < minTimeMS {
				minTimeMS = evt.TimeMS
			}
			if evt.TimeMS > maxTimeMS {
				maxTimeMS = evt.TimeMS
			}
		}
		if ts, ok := evt.Str("time"); ok && ts != "" {
			if first == "" || ts < first {
				first = ts
			}
			if ts > last {
				last = ts
			}
		}
	}

	a.Symbols = sortedKeys(symbols)
	if a.LatencySamples > 0 {
		a.LatencyAvgMS = ages.Mean()
		a.LatencyP99MS = int64(ages.Percentile(99))
	}

	for id, evts := range byTradeID {
		if len(evts) > 1 {
			a.DuplicateTradeIDs = append(a.DuplicateTradeIDs, id)
		}
	}
	sort.Slice(a.DuplicateTradeIDs, func(i, j int) bool { return a.DuplicateTradeIDs[i] < a.DuplicateTradeIDs[j] })
	for _, id := range a.DuplicateTradeIDs {
		if len(a.DuplicateSamples) >= maxDupSamples {
			break
		}
		evts := byTradeID[id]
		if len(evts) > 2 {
			evts = evts[:2]
		}
		a.DuplicateSamples = append(a.DuplicateSamples, evts...)
	}
	if len(a.DuplicateTradeIDs) > maxDupIDs {
		a.DuplicateTradeIDs = a.DuplicateTradeIDs[:maxDupIDs]
	}

	for _, symbol := range sortedKeys(timesBySymbol) {
		times := timesBySymbol[symbol]
		for i := 1; i < len(times); i++ {
			if times[i] < times[i-1] {
				a.OutOfOrder++
			}
		}
	}

	for _, symbol := range sortedKeys(seqsBySymbol) {
		seqs := dedupeSorted(seqsBySymbol[symbol])
		for i := 1; i < len(seqs); i++ {
			if seqs[i] > seqs[i-1]+1 {
				a.Gaps = append(a.Gaps, Gap{From: seqs[i-1], To: seqs[i]})
				if len(a.Gaps) >= maxGaps {
					return finishTimes(a, first, last, minTimeMS, maxTimeMS)
				}
			}
		}
	}
	return finishTimes(a, first, last, minTimeMS, maxTimeMS)
}

func finishTimes(a Analysis, first, last string, minTimeMS, maxTimeMS int64) Analysis {
	a.FirstTime = first
	a.LastTime = last
	if maxTimeMS > minTimeMS {
		a.DurationMS = maxTimeMS - minTimeMS
	}
	return a
}

// Render produces the markdown report for a loaded bundle.
func Render(b *Bundle, a Analysis) []byte {
	var buf bytes.Buffer

	fmt.Fprintf(&buf, "# Incident Report: %s\n\n", b.ID)

	buf.WriteString("## Summary\n\n")
	buf.WriteString("| Field | Value |\n")
	buf.WriteString("|-------|-------|\n")
	fmt.Fprintf(&buf, "| **Type** | `%s` |\n", b.Meta.Type)
	fmt.Fprintf(&buf, "| **Triggered** | %s |\n", formatTriggerTime(b.Meta.TriggeredAt))
	fmt.Fprintf(&buf, "| **Duration** | %dms |\n", a.DurationMS)
	fmt.Fprintf(&buf, "| **Affected Symbols** | %s |\n", joinOrNA(a.Symbols))
	fmt.Fprintf(&buf, "| **Total Events** | %d (%d pre + %d post) |\n\n",
		len(b.Events), b.Meta.PreCount, b.Meta.PostCount)

	buf.WriteString("## Latency Stats\n\n")
	buf.WriteString("| Metric | Value |\n")
	buf.WriteString("|--------|-------|\n")
	fmt.Fprintf(&buf, "| Min | %dms |\n", a.LatencyMinMS)
	fmt.Fprintf(&buf, "| Max | %dms |\n", a.LatencyMaxMS)
	fmt.Fprintf(&buf, "| Avg | %.1fms |\n", a.LatencyAvgMS)
	fmt.Fprintf(&buf, "| p99 | %dms |\n\n", a.LatencyP99MS)

	buf.WriteString("## Trigger Context\n\n")
	switch b.Meta.Type {
	case flightrec.TriggerDuplicate:
		if len(a.DuplicateTradeIDs) > 0 {
			fmt.Fprintf(&buf, "- **Cause:** Duplicate trade_id detected: `%d`\n", a.DuplicateTradeIDs[0])
		} else {
			buf.WriteString("- **Cause:** Duplicate event detected\n")
		}
		fmt.Fprintf(&buf, "- **Total duplicates found:** %d\n", len(a.DuplicateTradeIDs))
	case flightrec.TriggerSequenceGap:
		if len(a.Gaps) > 0 {
			fmt.Fprintf(&buf, "- **Cause:** Sequence gap detected between `%d` and `%d`\n", a.Gaps[0].From, a.Gaps[0].To)
		} else {
			buf.WriteString("- **Cause:** Sequence gap detected\n")
		}
		fmt.Fprintf(&buf, "- **Total gaps found:** %d\n", len(a.Gaps))
	case flightrec.TriggerLatencySpike:
		fmt.Fprintf(&buf, "- **Cause:** Latency spike detected (p99 = %dms)\n", a.LatencyP99MS)
	default:
		fmt.Fprintf(&buf, "- **Cause:** %s\n", b.Meta.Type)
	}
	fmt.Fprintf(&buf, "- **Latency p99 at trigger:** %dms\n", a.LatencyP99MS)
	if a.OutOfOrder > 0 {
		fmt.Fprintf(&buf, "- **Out-of-order events:** %d\n", a.OutOfOrder)
	}
	buf.WriteString("\n")

	buf.WriteString("## Evidence Samples\n\n")
	if len(a.DuplicateSamples) > 0 {
		buf.WriteString("### Duplicate Events\n```json\n")
		for _, evt := range a.DuplicateSamples {
			buf.Write(evt.EncodeLine())
			buf.WriteByte('\n')
		}
		buf.WriteString("```\n\n")
	}
	if len(a.Gaps) > 0 {
		buf.WriteString("### Sequence Gaps\n")
		for i, gap := range a.Gaps {
			if i >= 5 {
				break
			}
			fmt.Fprintf(&buf, "- Gap between sequence `%d` and `%d` (missing %d events)\n", gap.From, gap.To, gap.Missing())
		}
		buf.WriteString("\n")
	}

	buf.WriteString("### Sample Events (first 5)\n```json\n")
	for i, evt := range b.Events {
		if i >= maxSamples {
			break
		}
		buf.Write(evt.EncodeLine())
		buf.WriteByte('\n')
	}
	buf.WriteString("```\n\n")

	buf.WriteString("## Reproduce\n\n```bash\n")
	fmt.Fprintf(&buf, "replay -file %s -rate 500\n", filepath.Join(b.Dir, "events.jsonl"))
	buf.WriteString("```\n")

	return buf.Bytes()
}

// Generate loads a bundle, renders its report, and writes report.md inside
// the bundle directory. It returns the report path.
func Generate(dir string) (string, error) {
	b, err := Load(dir)
	if err != nil {
		return "", err
	}
	md := Render(b, Analyze(b.Events))

	path := filepath.Join(dir, "report.md")
	if err := os.WriteFile(path, md, 0o644); err != nil {
		return "", errs.New(errs.StageReport, errs.CodeIO,
			errs.WithMessage("write report"),
			errs.WithField("path", path),
			errs.WithCause(err))
	}
	return path, nil
}

// IsBundle reports whether dir looks like a single incident bundle.
func IsBundle(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, "meta.json"))
	return err == nil
}

func formatTriggerTime(raw string) string {
	ts, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return raw
	}
	return ts.UTC().Format("2006-01-02 15:04:05 UTC")
}

func joinOrNA(symbols []string) string {
	if len(symbols) == 0 {
		return "N/A"
	}
	out := symbols[0]
	for _, s := range symbols[1:] {
		out += ", " + s
	}
	return out
}

func dedupeSorted(seqs []int64) []int64 {
	sorted := append([]int64(nil), seqs...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	out := sorted[:0]
	for i, s := range sorted {
		if i == 0 || s != out[len(out)-1] {
			out = append(out, s)
		}
	}
	return out
}

func sortedKeys[M ~map[string]V, V any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
