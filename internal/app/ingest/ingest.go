// Package ingest implements the exchange side of the pipeline: a websocket
// client that subscribes to ticker streams, stamps ingest timestamps, and
// forwards events to the processor over framed TCP.
package ingest

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/mercurylabs/mercurystream/errs"
	"github.com/mercurylabs/mercurystream/internal/domain/schema"
	"github.com/mercurylabs/mercurystream/internal/infra/config"
	"github.com/mercurylabs/mercurystream/internal/infra/framing"
)

const (
	initialBackoff  = time.Second
	pingInterval    = 20 * time.Second
	pingTimeout     = 5 * time.Second
	subscribeWait   = 10 * time.Second
	wsReadLimit     = framing.MaxFrame
	forwardLogEvery = 100
)

type subscribeChannel struct {
	Name       string   `json:"name"`
	ProductIDs []string `json:"product_ids"`
}

type subscribeRequest struct {
	Type       string             `json:"type"`
	ProductIDs []string           `json:"product_ids"`
	Channels   []subscribeChannel `json:"channels"`
}

// tickerProbe picks out just enough of an exchange message to decide whether
// it is forwardable. Price stays raw so string and numeric forms both pass.
type tickerProbe struct {
	Type      string          `json:"type"`
	ProductID string          `json:"product_id"`
	Price     json.RawMessage `json:"price"`
}

// Client bridges the exchange websocket feed to the processor's framed TCP
// listener. One Client runs one feed session at a time; when either leg
// fails, both are torn down and redialed under exponential backoff.
type Client struct {
	cfg config.IngestConfig
	log zerolog.Logger

	// now is the ingest timestamp source, replaceable in tests.
	now func() int64

	forwarded uint64
	skipped   uint64
}

// New builds a client for the configured feed and processor endpoints.
func New(cfg config.IngestConfig, log zerolog.Logger) *Client {
	return &Client{
		cfg: cfg,
		log: log.With().Str("component", "ingest").Logger(),
		now: func() int64 { return time.Now().UnixMilli() },
	}
}

// Forwarded returns the number of events sent to the processor.
func (c *Client) Forwarded() uint64 { return c.forwarded }

// Skipped returns the number of ticker messages dropped for missing fields.
func (c *Client) Skipped() uint64 { return c.skipped }

// Run keeps both connection legs alive until ctx is cancelled. Each session
// failure closes the processor connection too, so a retry always starts from
// a clean pair.
func (c *Client) Run(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = initialBackoff
	bo.MaxInterval = c.cfg.BackoffMax()

	var proc net.Conn
	defer func() {
		if proc != nil {
			_ = proc.Close()
		}
	}()

	for {
		err := c.session(ctx, &proc, bo)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if proc != nil {
			_ = proc.Close()
			proc = nil
		}

		wait := bo.NextBackOff()
		if wait == backoff.Stop || wait > c.cfg.BackoffMax() {
			wait = c.cfg.BackoffMax()
		}
		c.log.Warn().Err(err).Dur("retry_in", wait).Msg("connection failed")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// session dials whichever legs are down, subscribes, and forwards ticker
// events until a read or write fails.
func (c *Client) session(ctx context.Context, proc *net.Conn, bo *backoff.ExponentialBackOff) error {
	if *proc == nil {
		conn, err := (&net.Dialer{}).DialContext(ctx, "tcp", c.cfg.ProcessorAddr())
		if err != nil {
			return errs.New(errs.StageIngest, errs.CodeNetwork,
				errs.WithMessage("dial processor"),
				errs.WithField("addr", c.cfg.ProcessorAddr()),
				errs.WithCause(err))
		}
		*proc = conn
		c.log.Info().Str("addr", c.cfg.ProcessorAddr()).Msg("connected to processor")
	}

	ws, _, err := websocket.Dial(ctx, c.cfg.WSURL, nil)
	if err != nil {
		return errs.New(errs.StageIngest, errs.CodeNetwork,
			errs.WithMessage("dial feed"),
			errs.WithField("url", c.cfg.WSURL),
			errs.WithCause(err))
	}
	defer ws.Close(websocket.StatusNormalClosure, "")
	ws.SetReadLimit(wsReadLimit)

	if err := c.subscribe(ctx, ws); err != nil {
		return err
	}
	c.log.Info().Int("symbols", len(c.cfg.Symbols)).Strs("product_ids", c.cfg.Symbols).Msg("subscribed to ticker channel")
	bo.Reset()

	// The ping loop cancels the session context on failure so the read below
	// unblocks instead of waiting for TCP timeouts.
	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go c.keepalive(sessCtx, cancel, ws)

	for {
		_, data, err := ws.Read(sessCtx)
		if err != nil {
			return errs.New(errs.StageIngest, errs.CodeNetwork,
				errs.WithMessage("feed read"),
				errs.WithCause(err))
		}

		payload, ok := c.prepare(data)
		if !ok {
			continue
		}

		if err := framing.WriteFrame(*proc, payload); err != nil {
			return errs.New(errs.StageIngest, errs.CodeIO,
				errs.WithMessage("forward to processor"),
				errs.WithCause(err))
		}
		c.forwarded++
		if c.forwarded%forwardLogEvery == 0 {
			c.log.Info().Uint64("forwarded", c.forwarded).Uint64("skipped", c.skipped).Msg("forwarding")
		}
	}
}

func (c *Client) subscribe(ctx context.Context, ws *websocket.Conn) error {
	msg, err := json.Marshal(subscribeRequest{
		Type:       "subscribe",
		ProductIDs: c.cfg.Symbols,
		Channels:   []subscribeChannel{{Name: "ticker", ProductIDs: c.cfg.Symbols}},
	})
	if err != nil {
		return errs.New(errs.StageIngest, errs.CodeInvalid,
			errs.WithMessage("marshal subscribe request"),
			errs.WithCause(err))
	}

	writeCtx, cancel := context.WithTimeout(ctx, subscribeWait)
	defer cancel()
	if err := ws.Write(writeCtx, websocket.MessageText, msg); err != nil {
		return errs.New(errs.StageIngest, errs.CodeNetwork,
			errs.WithMessage("send subscribe request"),
			errs.WithCause(err))
	}
	return nil
}

// prepare filters one feed message and stamps the ingest timestamp. Only
// ticker messages carrying a product and a price are forwarded; channel
// acks, heartbeats, and partial tickers are dropped.
func (c *Client) prepare(data []byte) ([]byte, bool) {
	var probe tickerProbe
	if err := json.Unmarshal(data, &probe); err != nil {
		c.skipped++
		c.log.Warn().Err(err).Msg("undecodable feed message")
		return nil, false
	}
	if probe.Type != "ticker" {
		return nil, false
	}
	if probe.ProductID == "" || len(probe.Price) == 0 {
		c.skipped++
		return nil, false
	}

	stamped, err := schema.AppendInt(data, schema.KeyIngestTS, c.now())
	if err != nil {
		c.skipped++
		c.log.Warn().Err(err).Msg("unstampable feed message")
		return nil, false
	}
	return stamped, true
}

func (c *Client) keepalive(ctx context.Context, cancel context.CancelFunc, ws *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, pingCancel := context.WithTimeout(ctx, pingTimeout)
			err := ws.Ping(pingCtx)
			pingCancel()
			if err != nil {
				if ctx.Err() == nil && !errors.Is(err, net.ErrClosed) {
					c.log.Warn().Err(err).Msg("feed ping failed")
				}
				cancel()
				return
			}
		}
	}
}
