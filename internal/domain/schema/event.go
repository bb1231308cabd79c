// Package schema defines the decoded market event carried through the pipeline.
package schema

import (
	"bytes"
	"strconv"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/mercurylabs/mercurystream/errs"
)

// Pipeline-added keys. They are stamped at the edges and never count as
// schema drift.
const (
	KeyIngestTS = "ingest_ts_ms"
	KeyRecvTS   = "recv_ts_ms"
	KeyDup      = "dup"
)

// Event is one decoded market trade event. The raw payload is retained so
// re-emission (recorder, incident bundles) preserves the producer's key
// order; well-known fields are extracted once at decode time.
//
// An Event is immutable after Decode except for the duplicate tag, which is
// applied by the forensics task before the event reaches any writer.
type Event struct {
	ProductID string
	TradeID   int64
	Sequence  int64
	TimeMS    int64
	IngestMS  int64
	RecvMS    int64
	Dup       bool

	HasTradeID  bool
	HasSequence bool

	raw    []byte
	fields map[string]any
}

// Decode parses one frame payload into an Event and stamps recv_ts_ms when
// the producer has not already set it. The stamp is appended to the raw
// bytes so downstream writers keep the producer's key order.
func Decode(payload []byte, recvMS int64) (*Event, error) {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()

	var fields map[string]any
	if err := dec.Decode(&fields); err != nil {
		return nil, errs.New(errs.StageSchema, errs.CodeProtocol, errs.WithMessage("payload is not a JSON object"), errs.WithCause(err))
	}
	if dec.More() {
		return nil, errs.New(errs.StageSchema, errs.CodeProtocol, errs.WithMessage("trailing data after JSON object"))
	}

	evt := &Event{raw: payload, fields: fields}

	if _, ok := fields[KeyRecvTS]; !ok {
		stamped, err := AppendInt(payload, KeyRecvTS, recvMS)
		if err != nil {
			return nil, err
		}
		evt.raw = stamped
		fields[KeyRecvTS] = json.Number(strconv.FormatInt(recvMS, 10))
	}

	if s, ok := fields["product_id"].(string); ok {
		evt.ProductID = s
	}
	evt.TradeID, evt.HasTradeID = asInt64(fields["trade_id"])
	evt.Sequence, evt.HasSequence = asInt64(fields["sequence"])
	evt.IngestMS, _ = asInt64(fields[KeyIngestTS])
	evt.RecvMS, _ = asInt64(fields[KeyRecvTS])
	if s, ok := fields["time"].(string); ok {
		if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
			evt.TimeMS = ts.UnixMilli()
		}
	}

	return evt, nil
}

// Raw returns the payload bytes including the recv_ts_ms stamp.
func (e *Event) Raw() []byte { return e.raw }

// Fields returns the decoded object. The map is owned by the event and must
// be treated as read-only.
func (e *Event) Fields() map[string]any { return e.fields }

// EncodeLine renders the event for a JSONL writer, appending the dup tag
// when the forensics task marked the event a duplicate.
func (e *Event) EncodeLine() []byte {
	if !e.Dup {
		return e.raw
	}
	if _, ok := e.fields[KeyDup]; ok {
		return e.raw
	}
	tagged, err := appendField(e.raw, KeyDup, []byte("true"))
	if err != nil {
		return e.raw
	}
	return tagged
}

// Age returns the pipeline latency (recv - ingest) in milliseconds, clamped
// at zero. Returns false when either stamp is absent.
func (e *Event) Age() (int64, bool) {
	if e.IngestMS == 0 || e.RecvMS == 0 {
		return 0, false
	}
	age := e.RecvMS - e.IngestMS
	if age < 0 {
		age = 0
	}
	return age, true
}

// Str extracts a string field from the decoded object.
func (e *Event) Str(key string) (string, bool) {
	s, ok := e.fields[key].(string)
	return s, ok
}

// Decimal extracts a price/size field. Producers convey these as JSON
// strings; synthetic feeds may send plain numbers, both are accepted.
func (e *Event) Decimal(key string) (decimal.Decimal, bool) {
	switch v := e.fields[key].(type) {
	case string:
		d, err := decimal.NewFromString(v)
		if err != nil {
			return decimal.Decimal{}, false
		}
		return d, true
	case json.Number:
		d, err := decimal.NewFromString(v.String())
		if err != nil {
			return decimal.Decimal{}, false
		}
		return d, true
	default:
		return decimal.Decimal{}, false
	}
}

// Float extracts a numeric field as float64, accepting string and number forms.
func (e *Event) Float(key string) (float64, bool) {
	switch v := e.fields[key].(type) {
	case string:
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

// AppendInt appends `,"key":value` inside the closing brace of a JSON
// object without re-encoding it, preserving the existing key order.
func AppendInt(raw []byte, key string, value int64) ([]byte, error) {
	return appendField(raw, key, strconv.AppendInt(nil, value, 10))
}

func appendField(raw []byte, key string, value []byte) ([]byte, error) {
	trimmed := bytes.TrimRight(raw, " \t\r\n")
	if len(trimmed) < 2 || trimmed[len(trimmed)-1] != '}' {
		return nil, errs.New(errs.StageSchema, errs.CodeInvalid, errs.WithMessage("payload is not a JSON object"))
	}
	head := bytes.TrimRight(trimmed[:len(trimmed)-1], " \t\r\n")

	buf := make([]byte, 0, len(head)+len(key)+len(value)+5)
	buf = append(buf, head...)
	if head[len(head)-1] != '{' {
		buf = append(buf, ',')
	}
	buf = append(buf, '"')
	buf = append(buf, key...)
	buf = append(buf, '"', ':')
	buf = append(buf, value...)
	buf = append(buf, '}')
	return buf, nil
}

func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i, true
		}
		if f, err := n.Float64(); err == nil {
			return int64(f), true
		}
		return 0, false
	case float64:
		return int64(n), true
	case int64:
		return n, true
	default:
		return 0, false
	}
}
