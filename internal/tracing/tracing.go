// Package tracing installs the span pipeline: an SDK tracer provider whose
// finished spans are written to the process logger.
package tracing

import (
	"context"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// Options configures the provider.
type Options struct {
	SampleRatio float64 // fraction of root spans kept, 0..1
	Logger      zerolog.Logger
}

// NewProvider builds a provider that batches sampled spans into a LogExporter.
func NewProvider(opts Options) *sdktrace.TracerProvider {
	return sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(opts.SampleRatio))),
		sdktrace.WithBatcher(NewLogExporter(opts.Logger)),
	)
}

// Install makes a new provider the global one. The returned function
// flushes pending spans and stops the provider.
func Install(opts Options) func(context.Context) error {
	tp := NewProvider(opts)
	otel.SetTracerProvider(tp)
	return tp.Shutdown
}

// LogExporter writes every span as one log line.
type LogExporter struct {
	log zerolog.Logger
}

func NewLogExporter(log zerolog.Logger) *LogExporter {
	return &LogExporter{log: log.With().Str("component", "trace").Logger()}
}

func (e *LogExporter) ExportSpans(ctx context.Context, spans []sdktrace.ReadOnlySpan) error {
	for _, s := range spans {
		if err := ctx.Err(); err != nil {
			return err
		}

		sc := s.SpanContext()
		ev := e.log.Info().
			Str("span", s.Name()).
			Str("trace_id", sc.TraceID().String()).
			Str("span_id", sc.SpanID().String()).
			Dur("duration", s.EndTime().Sub(s.StartTime()))
		for _, kv := range s.Attributes() {
			ev = ev.Str(string(kv.Key), kv.Value.Emit())
		}
		if st := s.Status(); st.Code == codes.Error {
			ev = ev.Str("error", st.Description)
		}
		ev.Msg("span")
	}
	return nil
}

func (e *LogExporter) Shutdown(context.Context) error { return nil }
