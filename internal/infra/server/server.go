// Package server implements the framed TCP listener that feeds the bus:
// length-prefixed JSON frames in, decoded events out.
package server

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mercurylabs/mercurystream/errs"
	"github.com/mercurylabs/mercurystream/internal/domain/schema"
	"github.com/mercurylabs/mercurystream/internal/infra/bus"
	"github.com/mercurylabs/mercurystream/internal/infra/framing"
	"github.com/mercurylabs/mercurystream/internal/infra/metrics"
)

// drainTimeout bounds how long a live connection may keep delivering
// buffered frames once shutdown begins.
const drainTimeout = 2 * time.Second

const readBufSize = 64 * 1024

// Server accepts ingester connections and publishes each decoded frame to
// the bus. Frame errors are connection-local: the offending connection
// closes, the listener keeps accepting.
type Server struct {
	bus *bus.Bus
	log zerolog.Logger

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	draining bool

	wg sync.WaitGroup
}

// New constructs a server publishing to b.
func New(b *bus.Bus, log zerolog.Logger) *Server {
	return &Server{
		bus:   b,
		log:   log.With().Str("component", "server").Logger(),
		conns: make(map[net.Conn]struct{}),
	}
}

// Start binds addr and launches the accept loop. Bind failures return
// synchronously so the caller can map them to an exit code.
func (s *Server) Start(ctx context.Context, addr string) error {
	s.mu.Lock()
	if s.listener != nil {
		s.mu.Unlock()
		return errs.New(errs.StageServer, errs.CodeInvalid, errs.WithMessage("server already started"))
	}
	s.mu.Unlock()

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errs.New(errs.StageServer, errs.CodeNetwork,
			errs.WithMessage("bind listener"),
			errs.WithField("addr", addr),
			errs.WithCause(err))
	}

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	s.log.Info().Str("addr", ln.Addr().String()).Msg("listening")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.acceptLoop(ctx, ln)
	}()
	return nil
}

// Addr reports the bound listener address, nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop closes the listener, gives every live connection drainTimeout to
// deliver buffered frames, and waits for all handlers to finish.
func (s *Server) Stop() {
	s.mu.Lock()
	s.draining = true
	deadline := time.Now().Add(drainTimeout)
	for conn := range s.conns {
		_ = conn.SetReadDeadline(deadline)
	}
	ln := s.listener
	s.listener = nil
	s.mu.Unlock()

	if ln != nil {
		_ = ln.Close()
	}
	s.wg.Wait()
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				time.Sleep(50 * time.Millisecond)
				continue
			}
			s.log.Error().Err(err).Msg("accept failed")
			return
		}

		s.track(conn)
		s.wg.Add(1)
		go func(c net.Conn) {
			defer s.wg.Done()
			s.handleConn(c)
		}(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	peer := conn.RemoteAddr().String()
	s.log.Info().Str("peer", peer).Msg("client connected")
	defer func() {
		s.forget(conn)
		_ = conn.Close()
		s.log.Info().Str("peer", peer).Msg("client disconnected")
	}()

	r := bufio.NewReaderSize(conn, readBufSize)
	for {
		payload, err := framing.ReadFrame(r)
		if err != nil {
			s.logReadEnd(peer, err)
			return
		}

		evt, err := schema.Decode(payload, time.Now().UnixMilli())
		if err != nil {
			s.log.Debug().Err(err).Str("peer", peer).Msg("skipping undecodable frame")
			continue
		}

		metrics.RecordEvent()
		s.bus.Publish(evt)
	}
}

func (s *Server) logReadEnd(peer string, err error) {
	switch {
	case errors.Is(err, io.EOF):
		s.log.Debug().Str("peer", peer).Msg("stream ended")
	case errors.Is(err, os.ErrDeadlineExceeded):
		s.log.Debug().Str("peer", peer).Msg("drain deadline reached")
	case errors.Is(err, net.ErrClosed):
	default:
		s.log.Warn().Err(err).Str("peer", peer).Msg("frame error, closing connection")
	}
}

func (s *Server) track(conn net.Conn) {
	s.mu.Lock()
	s.conns[conn] = struct{}{}
	if s.draining {
		_ = conn.SetReadDeadline(time.Now().Add(drainTimeout))
	}
	s.mu.Unlock()
}

func (s *Server) forget(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
}
