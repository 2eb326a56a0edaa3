package observability

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
)

func TestTraceLoggerDisabledIsSilent(t *testing.T) {
	var buf bytes.Buffer
	base := zerolog.New(&buf).Level(zerolog.InfoLevel)

	off := TraceLogger(base, false)
	off.Debug().Msg("frame decoded")
	if buf.Len() != 0 {
		t.Fatalf("expected no output, got %q", buf.String())
	}

	on := TraceLogger(base, true)
	on.Debug().Msg("frame decoded")
	if !strings.Contains(buf.String(), `"sink":"frames"`) {
		t.Fatalf("expected frame sink output, got %q", buf.String())
	}
}

func TestLoggerWithTrace(t *testing.T) {
	var buf bytes.Buffer
	base := zerolog.New(&buf)

	plain := LoggerWithTrace(context.Background(), base)
	plain.Info().Msg("no span")
	if strings.Contains(buf.String(), "trace_id") {
		t.Fatal("trace id must be absent without a span")
	}

	buf.Reset()
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID: trace.TraceID{1, 2, 3},
		SpanID:  trace.SpanID{4, 5, 6},
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)
	traced := LoggerWithTrace(ctx, base)
	traced.Info().Msg("with span")
	if !strings.Contains(buf.String(), sc.TraceID().String()) {
		t.Fatalf("expected trace id in %q", buf.String())
	}
}

func TestNewLoggerFallsBackToInfo(t *testing.T) {
	if lvl := NewLogger("shouting", false).GetLevel(); lvl != zerolog.InfoLevel {
		t.Fatalf("expected info level, got %s", lvl)
	}
	if lvl := NewLogger("debug", false).GetLevel(); lvl != zerolog.DebugLevel {
		t.Fatalf("expected debug level, got %s", lvl)
	}
}
