package observe

import (
	"context"
	"log/slog"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// installTracer registers an in-memory tracer provider globally for the test
// and returns the exporter holding finished spans.
func installTracer(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	orig := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(orig)
		_ = tp.Shutdown(context.Background())
	})
	return exp
}

func TestStartSpan_RecordsUnderBridgeScope(t *testing.T) {
	exp := installTracer(t)

	ctx, span := StartSpan(context.Background(), "transcribe")
	if CorrelationID(ctx) == "" {
		t.Error("started span carries no trace id")
	}
	span.End()

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("recorded %d spans, want 1", len(spans))
	}
	if spans[0].Name != "transcribe" {
		t.Errorf("span name = %q, want %q", spans[0].Name, "transcribe")
	}
	if got := spans[0].InstrumentationScope.Name; got != tracerName {
		t.Errorf("scope = %q, want %q", got, tracerName)
	}
}

func TestCorrelationID(t *testing.T) {
	installTracer(t)

	if got := CorrelationID(context.Background()); got != "" {
		t.Errorf("CorrelationID without a span = %q, want empty", got)
	}

	ctx, span := StartSpan(context.Background(), "persist-chunk")
	defer span.End()

	cid := CorrelationID(ctx)
	if len(cid) != 32 {
		t.Fatalf("trace id %q has length %d, want 32 hex chars", cid, len(cid))
	}
	if strings.Trim(cid, "0123456789abcdef") != "" {
		t.Errorf("trace id %q contains non-hex characters", cid)
	}
}

func TestLogger_AnnotatesWithSpanContext(t *testing.T) {
	installTracer(t)

	var buf strings.Builder
	orig := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(orig) })

	Logger(context.Background()).Info("sink connected")
	if strings.Contains(buf.String(), "trace_id") {
		t.Errorf("log without a span carries trace_id: %s", buf.String())
	}

	buf.Reset()
	ctx, span := StartSpan(context.Background(), "deliver")
	defer span.End()

	Logger(ctx).Info("sentence delivered")
	out := buf.String()
	if !strings.Contains(out, "trace_id="+CorrelationID(ctx)) {
		t.Errorf("log missing trace_id, got: %s", out)
	}
	if !strings.Contains(out, "span_id=") {
		t.Errorf("log missing span_id, got: %s", out)
	}
}
