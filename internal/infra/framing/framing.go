// Package framing implements the length-prefixed wire codec used between
// the ingester and the processor: a 4-byte big-endian payload length
// followed by that many payload bytes.
package framing

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	// HeaderSize is the fixed length prefix in bytes.
	HeaderSize = 4
	// MaxFrame caps a single payload at 1 MiB.
	MaxFrame = 1 << 20
)

// Reason classifies a framing failure.
type Reason string

const (
	// ReasonShortHeader indicates the stream ended inside a length prefix.
	ReasonShortHeader Reason = "short_header"
	// ReasonShortBody indicates the stream ended inside a payload.
	ReasonShortBody Reason = "short_body"
	// ReasonLengthTooLarge indicates the prefix exceeds MaxFrame.
	ReasonLengthTooLarge Reason = "length_too_large"
)

// Error reports a violated frame boundary. A clean end of stream between
// frames is io.EOF, never an *Error.
type Error struct {
	Reason Reason
	Length uint32

	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("frame %s (length=%d): %v", e.Reason, e.Length, e.cause)
	}
	return fmt.Sprintf("frame %s (length=%d)", e.Reason, e.Length)
}

func (e *Error) Unwrap() error { return e.cause }

// ReadFrame reads one frame payload from r. It returns io.EOF when the
// stream ends cleanly on a frame boundary and *Error otherwise.
func ReadFrame(r io.Reader) ([]byte, error) {
	var header [HeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, &Error{Reason: ReasonShortHeader, cause: err}
	}

	length := binary.BigEndian.Uint32(header[:])
	if length > MaxFrame {
		return nil, &Error{Reason: ReasonLengthTooLarge, Length: length}
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, &Error{Reason: ReasonShortBody, Length: length, cause: err}
	}
	return payload, nil
}

// WriteFrame writes payload as a single frame. Oversize payloads are
// rejected before any bytes hit the writer; the header and body go out in
// one Write call so a frame is never interleaved or partially validated.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrame {
		return &Error{Reason: ReasonLengthTooLarge, Length: uint32(len(payload))}
	}

	buf := make([]byte, HeaderSize+len(payload))
	binary.BigEndian.PutUint32(buf[:HeaderSize], uint32(len(payload)))
	copy(buf[HeaderSize:], payload)
	_, err := w.Write(buf)
	return err
}
