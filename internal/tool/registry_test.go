package tool

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"
)

type stubTool struct {
	name string
	out  string
	err  error
	boom bool
}

func (s *stubTool) Name() string        { return s.name }
func (s *stubTool) Description() string { return "stub" }
func (s *stubTool) Schema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{}}`)
}

func (s *stubTool) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	if s.boom {
		panic("stub exploded")
	}
	return s.out, s.err
}

func testRegistry(tools ...Tool) *Registry {
	log := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{}))
	return NewRegistry(log, tools...)
}

func TestRegistryExecuteSuccess(t *testing.T) {
	t.Parallel()

	reg := testRegistry(&stubTool{name: "echo", out: "result text"})
	got := reg.Execute(context.Background(), "echo", nil)
	if got != "result text" {
		t.Fatalf("unexpected result %q", got)
	}
}

func TestRegistryExecuteUnknownTool(t *testing.T) {
	t.Parallel()

	reg := testRegistry()
	got := reg.Execute(context.Background(), "missing", nil)
	if got != "tool not found: missing" {
		t.Fatalf("unexpected result %q", got)
	}
}

func TestRegistryExecuteFlattensErrors(t *testing.T) {
	t.Parallel()

	reg := testRegistry(&stubTool{name: "broken", err: errors.New("network unreachable")})
	got := reg.Execute(context.Background(), "broken", nil)
	if got != "Error: network unreachable" {
		t.Fatalf("unexpected result %q", got)
	}
}

func TestRegistryExecuteRecoversPanics(t *testing.T) {
	t.Parallel()

	reg := testRegistry(&stubTool{name: "bomb", boom: true})
	got := reg.Execute(context.Background(), "bomb", nil)
	if got != "Error: tool bomb panicked" {
		t.Fatalf("unexpected result %q", got)
	}
}

func TestCurrentTimeTool(t *testing.T) {
	t.Parallel()

	tool := NewCurrentTimeTool()
	out, err := tool.Execute(context.Background(), json.RawMessage(`{"timezone":"UTC"}`))
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if !strings.Contains(out, "UTC") {
		t.Fatalf("expected timezone in output, got %q", out)
	}
	year := time.Now().UTC().Format("2006")
	if !strings.Contains(out, year) {
		t.Fatalf("expected current year in output, got %q", out)
	}
}

func TestCurrentTimeToolBadTimezone(t *testing.T) {
	t.Parallel()

	tool := NewCurrentTimeTool()
	if _, err := tool.Execute(context.Background(), json.RawMessage(`{"timezone":"Mars/Olympus"}`)); err == nil {
		t.Fatalf("expected error for unknown timezone")
	}
}
