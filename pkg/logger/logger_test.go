package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"strings"
	"testing"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func captureStdOut(fn func()) string {
	orig := os.Stdout
	r, w, _ := os.Pipe()
	os.Stdout = w
	defer func() {
		os.Stdout = orig
	}()

	fn()

	_ = w.Close()
	var buf bytes.Buffer
	_, _ = io.Copy(&buf, r)
	_ = r.Close()
	return buf.String()
}

func TestInit_DevStd_TextOutput(t *testing.T) {
	out := captureStdOut(func() {
		Init(Config{
			Service:   "coordinator",
			Version:   "v0.0.1",
			Env:       EnvDev,
			Backend:   BackendStd,
			Level:     slog.LevelDebug,
			AddSource: true,
		})
		slog.Info("room created", "room", "r-1")
	})

	if strings.Contains(out, "{") && strings.Contains(out, "}") {
		t.Fatalf("expected text output in dev/std, got JSON: %s", out)
	}
	for _, want := range []string{"room created", "service=coordinator", "env=dev", "room=r-1"} {
		if !strings.Contains(out, want) {
			t.Fatalf("%q missing: %s", want, out)
		}
	}
}

func TestInit_ProdZap_JSONOutput(t *testing.T) {
	var buf bytes.Buffer
	l := Init(Config{
		Service: "coordinator",
		Version: "v1.2.3",
		Env:     EnvProd,
		Output:  &buf,
	})
	l.Info("participant joined", "user", "u-1")

	var m map[string]any
	if err := json.Unmarshal(buf.Bytes(), &m); err != nil {
		t.Fatalf("expected JSON from zap backend, got %q: %v", buf.String(), err)
	}
	if m["msg"] != "participant joined" || m["user"] != "u-1" || m["version"] != "v1.2.3" || m["level"] != "INFO" {
		t.Fatalf("unexpected record: %v", m)
	}
	if m["instance_id"] == "" || m["instance_id"] == nil {
		t.Fatalf("instance_id must be filled: %v", m)
	}
}

func TestInit_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := Init(Config{Env: EnvDev, Backend: BackendStd, Level: slog.LevelWarn, Output: &buf})
	l.Info("hidden")
	l.Warn("shown")

	if strings.Contains(buf.String(), "hidden") || !strings.Contains(buf.String(), "shown") {
		t.Fatalf("level filter broken: %s", buf.String())
	}
}

func TestFrom_UsesContextLoggerAndTrace(t *testing.T) {
	var buf bytes.Buffer
	base := Init(Config{Env: EnvProd, Backend: BackendZap, Output: &buf, SampleInitial: 1000, SampleThereafter: 1000})

	tp := sdktrace.NewTracerProvider()
	defer func() { _ = tp.Shutdown(context.Background()) }()
	ctx, span := tp.Tracer("test").Start(context.Background(), "op")
	defer span.End()

	ctx = WithContext(ctx, base.With("conn", "c-1"))
	From(ctx).Info("with trace")

	var m map[string]any
	if err := json.Unmarshal(buf.Bytes(), &m); err != nil {
		t.Fatalf("expected JSON, got: %s, err=%v", buf.String(), err)
	}
	if m["trace_id"] != span.SpanContext().TraceID().String() || m["span_id"] == nil {
		t.Fatalf("trace_id/span_id missing in log: %v", m)
	}
	if m["conn"] != "c-1" {
		t.Fatalf("context logger attrs lost: %v", m)
	}
}

func TestFrom_FallsBackToDefault(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Env: EnvDev, Backend: BackendStd, Output: &buf})
	From(context.Background()).Info("fallback")
	if !strings.Contains(buf.String(), "fallback") {
		t.Fatalf("default logger not used: %s", buf.String())
	}
	if AttrsFromCtx(context.Background()) != nil {
		t.Fatalf("no span, no attrs")
	}
}

func TestParseEnv(t *testing.T) {
	tests := map[string]Env{
		"production": EnvProd,
		"PROD":       EnvProd,
		"staging":    EnvStage,
		"preprod":    EnvStage,
		"":           EnvDev,
		"local":      EnvDev,
	}
	for in, want := range tests {
		if got := ParseEnv(in); got != want {
			t.Fatalf("ParseEnv(%q) = %s, want %s", in, got, want)
		}
	}

	t.Setenv("APP_ENV", "stage")
	if got := DetectEnv(); got != EnvStage {
		t.Fatalf("DetectEnv = %s", got)
	}
}

func TestParseLevel(t *testing.T) {
	if l, err := ParseLevel("DEBUG"); err != nil || l != slog.LevelDebug {
		t.Fatalf("ParseLevel(DEBUG) = %v, %v", l, err)
	}
	if _, err := ParseLevel("loud"); err == nil {
		t.Fatalf("expected error for unknown level")
	}
}
