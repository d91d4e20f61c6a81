package observe

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

// installTracer swaps the global tracer provider for one recording into
// memory. Tests using it must not run in parallel.
func installTracer(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		_ = tp.Shutdown(context.Background())
	})
	return exp
}

// captureLogs redirects the default slog logger into a buffer.
func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })
	return &buf
}

func attrValue(attrs []attribute.KeyValue, key string) string {
	for _, a := range attrs {
		if string(a.Key) == key {
			return a.Value.AsString()
		}
	}
	return ""
}

func TestProviderSpans(t *testing.T) {
	exp := installTracer(t)

	tests := []struct {
		kind, provider string
		err            error
	}{
		{KindSTT, "remote", nil},
		{KindTTS, "coqui", errors.New("synthesis timed out")},
		{KindAgent, "agent", errors.New("connection refused")},
	}
	for _, tt := range tests {
		_, span := StartProviderSpan(context.Background(), tt.kind, tt.provider)
		EndSpan(span, tt.err)
	}

	spans := exp.GetSpans()
	if len(spans) != len(tests) {
		t.Fatalf("spans = %d, want %d", len(spans), len(tests))
	}
	for i, tt := range tests {
		s := spans[i]
		if want := tt.kind + " " + tt.provider; s.Name != want {
			t.Errorf("span %d name = %q, want %q", i, s.Name, want)
		}
		if s.SpanKind != trace.SpanKindClient {
			t.Errorf("%s: kind = %v, want client", s.Name, s.SpanKind)
		}
		if got := attrValue(s.Attributes, "voicebridge.kind"); got != tt.kind {
			t.Errorf("%s: voicebridge.kind = %q", s.Name, got)
		}
		if got := attrValue(s.Attributes, "voicebridge.provider"); got != tt.provider {
			t.Errorf("%s: voicebridge.provider = %q", s.Name, got)
		}
		switch {
		case tt.err == nil && s.Status.Code != codes.Unset:
			t.Errorf("%s: status = %v, want unset", s.Name, s.Status.Code)
		case tt.err != nil && (s.Status.Code != codes.Error || s.Status.Description != tt.err.Error()):
			t.Errorf("%s: status = %+v, want error %q", s.Name, s.Status, tt.err)
		case tt.err != nil && len(s.Events) == 0:
			t.Errorf("%s: error event not recorded", s.Name)
		}
	}
}

func TestCorrelationIDAndLogger(t *testing.T) {
	installTracer(t)
	logs := captureLogs(t)

	bare := context.Background()
	if got := CorrelationID(bare); got != "" {
		t.Errorf("CorrelationID without span = %q, want empty", got)
	}
	Logger(bare).Info("offer received")
	if strings.Contains(logs.String(), "trace_id") {
		t.Errorf("log without span carries trace_id: %s", logs)
	}
	logs.Reset()

	ctx, span := StartSpan(bare, "session.turn")
	defer span.End()

	id := CorrelationID(ctx)
	if id != span.SpanContext().TraceID().String() || len(id) != 32 {
		t.Fatalf("CorrelationID = %q, want the span's 32-hex trace id", id)
	}
	Logger(ctx).Info("agent reply")
	out := logs.String()
	if !strings.Contains(out, "trace_id="+id) || !strings.Contains(out, "span_id="+span.SpanContext().SpanID().String()) {
		t.Errorf("log missing trace correlation: %s", out)
	}
}
