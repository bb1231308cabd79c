package errs

import (
	"errors"
	"strings"
	"testing"
)

func TestErrorFormattingIncludesStageAndFields(t *testing.T) {
	err := New(
		StageServer,
		CodeProtocol,
		WithMessage("frame exceeds limit"),
		WithFields(map[string]string{
			"remote": "10.0.0.7:52114",
			"length": "2097152",
		}),
		WithField("limit", "1048576"),
		WithCause(errors.New("read u32 header")),
	)

	out := err.Error()
	if !strings.Contains(out, "stage=server") {
		t.Fatalf("expected stage marker in error string: %s", out)
	}
	if !strings.Contains(out, "code=protocol") {
		t.Fatalf("expected code in error string: %s", out)
	}
	expectedFields := "fields=length=\"2097152\",limit=\"1048576\",remote=\"10.0.0.7:52114\""
	if !strings.Contains(out, expectedFields) {
		t.Fatalf("expected fields %q in error string: %s", expectedFields, out)
	}
	if !strings.Contains(out, "cause=\"read u32 header\"") {
		t.Fatalf("expected wrapped cause in error string: %s", out)
	}
}

func TestWithFieldsMerge(t *testing.T) {
	err := New(
		StageBus,
		CodeOverflow,
		WithFields(map[string]string{"sub": "vwap"}),
		WithFields(map[string]string{"sub": "forensics", "depth": "1000"}),
	)

	if got := err.Fields["sub"]; got != "forensics" {
		t.Fatalf("expected latest field to win, got %q", got)
	}
	if got := err.Fields["depth"]; got != "1000" {
		t.Fatalf("expected depth field to be present, got %q", got)
	}
}

func TestUnwrapReturnsCause(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")
	err := New(StageIngest, CodeNetwork, WithCause(cause))
	if !errors.Is(err, cause) {
		t.Fatalf("expected errors.Is to reach the cause through Unwrap")
	}
}

func TestNilErrorString(t *testing.T) {
	var e *E
	if got := e.Error(); got != "<nil>" {
		t.Fatalf("expected <nil> string for nil error, got %q", got)
	}
}
