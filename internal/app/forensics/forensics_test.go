package forensics

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/mercurylabs/mercurystream/internal/app/flightrec"
	"github.com/mercurylabs/mercurystream/internal/domain/schema"
)

type harness struct {
	detector  *Detector
	incidents string
	driftFile string
}

func newHarness(t *testing.T, pre, post int, cooldown time.Duration) *harness {
	t.Helper()
	dataDir := t.TempDir()
	incidents := filepath.Join(dataDir, "incidents")
	driftFile := filepath.Join(dataDir, "drift_samples.jsonl")

	flight := flightrec.New(incidents, pre, post, cooldown, zerolog.Nop())
	det := New(Config{
		SpikeThresholdMS: 100,
		DuplicateLRUMax:  10000,
		DriftSampleFile:  driftFile,
	}, flight, zerolog.Nop())

	return &harness{detector: det, incidents: incidents, driftFile: driftFile}
}

func (h *harness) bundles(t *testing.T) []string {
	t.Helper()
	entries, err := os.ReadDir(h.incidents)
	if os.IsNotExist(err) {
		return nil
	}
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func (h *harness) meta(t *testing.T, name string) flightrec.Meta {
	t.Helper()
	raw, err := os.ReadFile(filepath.Join(h.incidents, name, "meta.json"))
	require.NoError(t, err)
	var meta flightrec.Meta
	require.NoError(t, json.Unmarshal(raw, &meta))
	return meta
}

func (h *harness) eventLines(t *testing.T, name string) []string {
	t.Helper()
	raw, err := os.ReadFile(filepath.Join(h.incidents, name, "events.jsonl"))
	require.NoError(t, err)
	return strings.Split(strings.TrimSpace(string(raw)), "\n")
}

// steady feeds n conformant events with increasing sequence and trade id
// starting at from.
func (h *harness) steady(t *testing.T, from int64, n int) {
	t.Helper()
	for i := int64(0); i < int64(n); i++ {
		seq := from + i
		h.detector.Process(decodeTicker(t, baseTicker("BTC-USD", seq, seq), 1000, 1005))
	}
}

func TestDuplicateTriggersIncidentEndingWithTheDuplicate(t *testing.T) {
	h := newHarness(t, 600, 3000, time.Minute)

	h.steady(t, 1, 1000)
	h.detector.Process(decodeTicker(t, baseTicker("BTC-USD", 1001, 500), 1000, 1005))
	h.detector.close()

	c := h.detector.Counters()
	require.EqualValues(t, 1, c.Dup)
	require.EqualValues(t, 1001, c.Processed)

	names := h.bundles(t)
	require.Len(t, names, 1)

	meta := h.meta(t, names[0])
	require.Equal(t, "duplicate_detected", meta.Type)
	require.Equal(t, "BTC-USD", meta.Symbol)
	require.Equal(t, 600, meta.PreCount)
	require.Equal(t, 0, meta.PostCount, "shutdown finalized before post window filled")
	require.EqualValues(t, 1, meta.Stats.Dup)

	lines := h.eventLines(t, names[0])
	require.GreaterOrEqual(t, len(lines), 500)
	require.Contains(t, lines[len(lines)-1], `"dup":true`, "bundle ends with the duplicate")
}

func TestSequenceGapCountsSkippedNumbers(t *testing.T) {
	h := newHarness(t, 10, 2, time.Minute)

	for _, seq := range []int64{100, 101, 102, 106} {
		h.detector.Process(decodeTicker(t, baseTicker("BTC-USD", seq, seq), 1000, 1005))
	}
	h.steady(t, 107, 2)
	h.detector.close()

	c := h.detector.Counters()
	require.EqualValues(t, 3, c.Gaps)
	require.EqualValues(t, 1, c.Incidents)

	names := h.bundles(t)
	require.Len(t, names, 1)
	require.Equal(t, "sequence_gap", h.meta(t, names[0]).Type)
}

func TestLatencySpikeScenarioTriggersOnce(t *testing.T) {
	h := newHarness(t, 50, 5, time.Minute)

	base := int64(1_750_000_000_000)
	for i := int64(0); i < 200; i++ {
		h.detector.Process(decodeTicker(t, baseTicker("BTC-USD", i+1, i+1), base, base+10))
	}
	require.Zero(t, h.detector.Counters().Spikes)

	for i := int64(200); i < 300; i++ {
		h.detector.Process(decodeTicker(t, baseTicker("BTC-USD", i+1, i+1), base, base+500))
	}
	require.Zero(t, h.detector.Counters().Spikes, "first hot evaluation arms only")

	for i := int64(300); i < 400; i++ {
		h.detector.Process(decodeTicker(t, baseTicker("BTC-USD", i+1, i+1), base, base+500))
	}
	require.EqualValues(t, 1, h.detector.Counters().Spikes, "second hot evaluation triggers")

	h.detector.close()
	names := h.bundles(t)
	require.Len(t, names, 1)
	require.Equal(t, "latency_spike", h.meta(t, names[0]).Type)
}

func TestCooldownSuppressesBackToBackIncidents(t *testing.T) {
	h := newHarness(t, 10, 1, 150*time.Millisecond)

	h.steady(t, 1, 5)
	h.detector.Process(decodeTicker(t, baseTicker("BTC-USD", 6, 3), 1000, 1005))
	h.steady(t, 7, 1)
	require.Len(t, h.bundles(t), 1, "first duplicate captured")

	h.detector.Process(decodeTicker(t, baseTicker("BTC-USD", 8, 4), 1000, 1005))
	h.steady(t, 9, 1)
	require.Len(t, h.bundles(t), 1, "second duplicate suppressed by cooldown")

	time.Sleep(200 * time.Millisecond)

	h.detector.Process(decodeTicker(t, baseTicker("BTC-USD", 10, 5), 1000, 1005))
	h.steady(t, 11, 1)
	require.Len(t, h.bundles(t), 2, "cooldown elapsed, third duplicate captured")

	c := h.detector.Counters()
	require.EqualValues(t, 3, c.Dup)
	require.EqualValues(t, 2, c.Incidents)
}

func TestSchemaDriftNeverTriggersIncidents(t *testing.T) {
	h := newHarness(t, 10, 2, time.Minute)

	for i := int64(0); i < 50; i++ {
		fields := baseTicker("BTC-USD", 100+i, 100+i)
		delete(fields, "price")
		h.detector.Process(decodeTicker(t, fields, 1000, 1005))
	}
	h.detector.close()

	c := h.detector.Counters()
	require.EqualValues(t, 50, c.Drift)
	require.Zero(t, c.Incidents)
	require.Empty(t, h.bundles(t))

	raw, err := os.ReadFile(h.driftFile)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	require.GreaterOrEqual(t, len(lines), 1)
	require.LessOrEqual(t, len(lines), 50)
}

func TestDuplicateEventGetsTagged(t *testing.T) {
	h := newHarness(t, 10, 2, time.Minute)

	h.detector.Process(decodeTicker(t, baseTicker("BTC-USD", 1, 7), 1000, 1005))
	dup := decodeTicker(t, baseTicker("BTC-USD", 2, 7), 1000, 1005)
	h.detector.Process(dup)

	require.True(t, dup.Dup)
	require.Contains(t, string(dup.EncodeLine()), `"dup":true`)
}

func TestOutOfOrderIsCountedButNeverTriggers(t *testing.T) {
	h := newHarness(t, 10, 2, time.Minute)

	h.detector.Process(decodeTicker(t, baseTicker("BTC-USD", 1, 1), 1000, 1005))
	late := baseTicker("BTC-USD", 2, 2)
	late["time"] = "2020-01-01T00:00:00.000000Z"
	h.detector.Process(decodeTicker(t, late, 1000, 1005))
	h.detector.close()

	c := h.detector.Counters()
	require.EqualValues(t, 1, c.OOO)
	require.Zero(t, c.Incidents)
	require.Empty(t, h.bundles(t))
}

func TestEventsWithoutStampsSkipSpikeDetection(t *testing.T) {
	h := newHarness(t, 10, 2, time.Minute)

	for i := int64(0); i < 400; i++ {
		fields := baseTicker("BTC-USD", i+1, i+1)
		evt, err := schema.Decode(mustMarshal(t, fields), 0)
		require.NoError(t, err)
		h.detector.Process(evt)
	}

	require.Zero(t, h.detector.Counters().Spikes)
}

func mustMarshal(t *testing.T, fields map[string]any) []byte {
	t.Helper()
	raw, err := json.Marshal(fields)
	require.NoError(t, err)
	return raw
}
