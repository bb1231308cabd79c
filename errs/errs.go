// Package errs provides structured error types and helpers for MercuryStream services.
package errs

import (
	"sort"
	"strconv"
	"strings"
)

// Stage names the pipeline stage that produced an error.
type Stage string

const (
	// StageFrame covers the length-prefixed wire codec.
	StageFrame Stage = "frame"
	// StageSchema covers event payload decoding.
	StageSchema Stage = "schema"
	// StageBus covers fan-out delivery.
	StageBus Stage = "bus"
	// StageServer covers the TCP listener and connection handlers.
	StageServer Stage = "server"
	// StageForensics covers anomaly detection.
	StageForensics Stage = "forensics"
	// StageFlight covers incident capture and bundle writing.
	StageFlight Stage = "flight"
	// StageConfig covers configuration loading and validation.
	StageConfig Stage = "config"
	// StageIngest covers the exchange feed client.
	StageIngest Stage = "ingest"
	// StageRecorder covers the raw capture writer.
	StageRecorder Stage = "recorder"
	// StageReport covers incident report rendering.
	StageReport Stage = "report"
)

// Code identifies an error category within a stage.
type Code string

const (
	// CodeInvalid indicates invalid input provided by the caller.
	CodeInvalid Code = "invalid"
	// CodeConfig indicates a fatal configuration problem.
	CodeConfig Code = "invalid_config"
	// CodeProtocol indicates a malformed wire frame or payload.
	CodeProtocol Code = "protocol"
	// CodeNetwork indicates a network transport failure.
	CodeNetwork Code = "network"
	// CodeIO indicates a filesystem failure.
	CodeIO Code = "io"
	// CodeClosed indicates use of a component after shutdown.
	CodeClosed Code = "closed"
	// CodeOverflow indicates a bounded buffer rejected input.
	CodeOverflow Code = "overflow"
)

// E captures structured error information produced across the MercuryStream stack.
type E struct {
	Stage   Stage
	Code    Code
	Message string
	Fields  map[string]string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the pipeline stage and error code.
func New(stage Stage, code Code, opts ...Option) *E {
	e := &E{
		Stage:   Stage(strings.TrimSpace(string(stage))),
		Code:    code,
		Message: "",
		Fields:  nil,
		cause:   nil,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

// WithField appends a single contextual key/value pair.
func WithField(key, value string) Option {
	return func(e *E) {
		trimmedKey := strings.TrimSpace(key)
		if trimmedKey == "" {
			return
		}
		if e.Fields == nil {
			e.Fields = make(map[string]string, 1)
		}
		e.Fields[trimmedKey] = strings.TrimSpace(value)
	}
}

// WithFields merges the provided contextual metadata into the error envelope.
func WithFields(fields map[string]string) Option {
	return func(e *E) {
		if len(fields) == 0 {
			return
		}
		if e.Fields == nil {
			e.Fields = make(map[string]string, len(fields))
		}
		for k, v := range fields {
			key := strings.TrimSpace(k)
			if key == "" {
				continue
			}
			e.Fields[key] = strings.TrimSpace(v)
		}
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	stage := strings.TrimSpace(string(e.Stage))
	if stage == "" {
		stage = "unknown"
	}
	parts = append(parts, "stage="+stage)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)

	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if len(e.Fields) > 0 {
		keys := make([]string, 0, len(e.Fields))
		for k := range e.Fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		pairs := make([]string, 0, len(keys))
		for _, k := range keys {
			pairs = append(pairs, k+"="+strconv.Quote(e.Fields[k]))
		}
		parts = append(parts, "fields="+strings.Join(pairs, ","))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// Config returns a standardized fatal-misconfiguration error.
func Config(msg string, opts ...Option) *E {
	all := make([]Option, 0, len(opts)+1)
	all = append(all, WithMessage(msg))
	all = append(all, opts...)
	return New(StageConfig, CodeConfig, all...)
}
