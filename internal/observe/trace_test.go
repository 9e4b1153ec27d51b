package observe

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

// useTestTracer installs an in-memory tracer provider as the global one for
// the duration of the test.
func useTestTracer(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	orig := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(orig) })
	return exp
}

// captureLogs routes the default logger into a buffer for the test.
func captureLogs(t *testing.T, level slog.Level) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	orig := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: level})))
	t.Cleanup(func() { slog.SetDefault(orig) })
	return &buf
}

func TestWithSession_RoundTrip(t *testing.T) {
	ctx := WithSession(context.Background(), "sess-42")
	if got := SessionID(ctx); got != "sess-42" {
		t.Errorf("SessionID = %q, want sess-42", got)
	}
	if got := SessionID(context.Background()); got != "" {
		t.Errorf("SessionID(background) = %q, want empty", got)
	}
	if WithSession(context.Background(), "") != context.Background() {
		t.Error("empty session id should leave ctx unchanged")
	}
}

func TestStartSpan_TagsSession(t *testing.T) {
	exp := useTestTracer(t)

	ctx := WithSession(context.Background(), "sess-42")
	_, span := StartSpan(ctx, "session.start", trace.WithAttributes(AttrActivityID.String("act-1")))
	span.End()

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("spans = %d, want 1", len(spans))
	}
	if spans[0].Name != "session.start" {
		t.Errorf("span name = %q", spans[0].Name)
	}
	got := map[string]string{}
	for _, a := range spans[0].Attributes {
		got[string(a.Key)] = a.Value.AsString()
	}
	if got["livelink.session.id"] != "sess-42" {
		t.Errorf("session attribute = %q, want sess-42", got["livelink.session.id"])
	}
	if got["livelink.activity.id"] != "act-1" {
		t.Errorf("activity attribute = %q, want act-1", got["livelink.activity.id"])
	}
}

func TestStartSpan_NoSessionNoAttribute(t *testing.T) {
	exp := useTestTracer(t)

	_, span := StartSpan(context.Background(), "duplex.dial")
	span.End()

	for _, a := range exp.GetSpans()[0].Attributes {
		if a.Key == AttrSessionID {
			t.Errorf("unexpected session attribute %q", a.Value.AsString())
		}
	}
}

func TestLogger_SessionAndTrace(t *testing.T) {
	useTestTracer(t)
	buf := captureLogs(t, slog.LevelInfo)

	ctx, span := StartSpan(WithSession(context.Background(), "sess-7"), "log-test")
	defer span.End()
	Logger(ctx).Info("connected")

	logged := buf.String()
	for _, want := range []string{"session_id=sess-7", "trace_id=", "span_id="} {
		if !bytes.Contains([]byte(logged), []byte(want)) {
			t.Errorf("log output missing %q, got: %s", want, logged)
		}
	}
}

func TestLogger_Bare(t *testing.T) {
	buf := captureLogs(t, slog.LevelInfo)

	Logger(context.Background()).Info("hello")

	logged := buf.String()
	for _, unwanted := range []string{"session_id", "trace_id"} {
		if bytes.Contains([]byte(logged), []byte(unwanted)) {
			t.Errorf("log output should not contain %s, got: %s", unwanted, logged)
		}
	}
}
