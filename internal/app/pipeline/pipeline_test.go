package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/mercurylabs/mercurystream/internal/domain/schema"
	"github.com/mercurylabs/mercurystream/internal/infra/config"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.RecordFile = filepath.Join(cfg.DataDir, "tape.jsonl")
	return cfg
}

func publishTicks(t *testing.T, p *Pipeline, n int) {
	t.Helper()
	for i := 1; i <= n; i++ {
		payload := fmt.Sprintf(`{"type":"ticker","sequence":%d,"product_id":"BTC-USD","price":"95000.10","open_24h":"94000","volume_24h":"1000","low_24h":"93000","high_24h":"96000","volume_30d":"30000","best_bid":"95000.09","best_bid_size":"0.5","best_ask":"95000.11","best_ask_size":"0.4","side":"buy","time":"2026-03-14T10:30:%02d.000000Z","trade_id":%d,"last_size":"0.25","ingest_ts_ms":%d}`,
			i, i%60, 500000+i, 1750000000000+int64(i))
		evt, err := schema.Decode([]byte(payload), 1750000000010+int64(i))
		require.NoError(t, err)
		p.Bus().Publish(evt)
	}
}

func TestPipelineDeliversToEveryConsumer(t *testing.T) {
	cfg := testConfig(t)
	cfg.Record = true
	cfg.Forensics = true

	p := New(cfg, zerolog.Nop())
	p.Start(context.Background())
	require.Len(t, p.Bus().Subscriptions(), 6)

	publishTicks(t, p, 50)
	require.NoError(t, p.Close(5*time.Second))

	require.NotNil(t, p.Forensics())
	require.EqualValues(t, 50, p.Forensics().Counters().Processed)
	require.Zero(t, p.Forensics().Counters().Drift)

	data, err := os.ReadFile(cfg.RecordFile)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
	require.Len(t, lines, 50)
}

func TestPipelineOptionalConsumersStayOff(t *testing.T) {
	cfg := testConfig(t)
	cfg.Record = false
	cfg.Forensics = false

	p := New(cfg, zerolog.Nop())
	p.Start(context.Background())
	require.Len(t, p.Bus().Subscriptions(), 4)

	publishTicks(t, p, 10)
	require.NoError(t, p.Close(5*time.Second))

	require.Nil(t, p.Forensics())
	_, err := os.Stat(cfg.RecordFile)
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestPipelineCloseWithoutStart(t *testing.T) {
	p := New(testConfig(t), zerolog.Nop())
	require.NoError(t, p.Close(time.Second))
}

func TestPipelineCloseFinalizesPartialCapture(t *testing.T) {
	cfg := testConfig(t)
	cfg.Forensics = true
	cfg.FlightPreEvents = 10
	cfg.FlightPostEvents = 1000

	p := New(cfg, zerolog.Nop())
	p.Start(context.Background())

	// A duplicate trade id triggers a capture whose post window cannot
	// fill before shutdown.
	publishTicks(t, p, 20)
	dupPayload := `{"type":"ticker","sequence":21,"product_id":"BTC-USD","price":"95000.10","trade_id":500005,"last_size":"0.25","time":"2026-03-14T10:31:00.000000Z"}`
	evt, err := schema.Decode([]byte(dupPayload), 1750000001000)
	require.NoError(t, err)
	p.Bus().Publish(evt)

	require.NoError(t, p.Close(5*time.Second))

	entries, err := os.ReadDir(cfg.IncidentsDir())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.NotContains(t, entries[0].Name(), ".tmp")
}
