package logging

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
)

func TestNewDefaultsToSlogDefault(t *testing.T) {
	if l := New(nil); l == nil {
		t.Fatal("expected non-nil logger")
	}
}

func TestInfoCtxWithoutSpanHasNoCorrelation(t *testing.T) {
	var buf bytes.Buffer
	l := New(slog.New(slog.NewTextHandler(&buf, nil)))
	l.InfoCtx(context.Background(), "hello", slog.String("k", "v"))
	out := buf.String()
	if !strings.Contains(out, "hello") || !strings.Contains(out, "k=v") {
		t.Fatalf("unexpected output %q", out)
	}
	if strings.Contains(out, "trace_id") {
		t.Fatalf("no span in ctx must mean no trace_id: %q", out)
	}
}

func TestLevels(t *testing.T) {
	var buf bytes.Buffer
	l := New(slog.New(slog.NewTextHandler(&buf, nil)))
	l.WarnCtx(context.Background(), "careful")
	l.ErrorCtx(context.Background(), "broken")
	out := buf.String()
	if !strings.Contains(out, "level=WARN") || !strings.Contains(out, "level=ERROR") {
		t.Fatalf("unexpected output %q", out)
	}
}
