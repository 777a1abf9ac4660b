package migration

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/Martian-dev/mail-migrator/internal/progress"
)

const instrumentationName = "github.com/Martian-dev/mail-migrator/internal/migration"

// instruments records batch spans and per-message metrics through the
// global OpenTelemetry providers. Without an installed SDK these are no-ops.
type instruments struct {
	tracer   trace.Tracer
	messages metric.Int64Counter
	retries  metric.Int64Counter
	batches  metric.Int64Counter
	latency  metric.Float64Histogram
}

func newInstruments() *instruments {
	meter := otel.GetMeterProvider().Meter(instrumentationName)
	in := &instruments{tracer: otel.GetTracerProvider().Tracer(instrumentationName)}

	// a failed instrument stays nil and is skipped
	in.messages, _ = meter.Int64Counter(
		"mailmigrate.messages",
		metric.WithDescription("Messages attempted, by outcome"),
	)
	in.retries, _ = meter.Int64Counter(
		"mailmigrate.retries",
		metric.WithDescription("Provider calls retried, by error class"),
	)
	in.batches, _ = meter.Int64Counter(
		"mailmigrate.batches",
		metric.WithDescription("Batches completed"),
	)
	in.latency, _ = meter.Float64Histogram(
		"mailmigrate.message.duration",
		metric.WithDescription("Duration of one message transfer including retries"),
		metric.WithUnit("s"),
	)
	return in
}

func (in *instruments) startBatch(ctx context.Context, jobID, folderID string, number int) (context.Context, trace.Span) {
	return in.tracer.Start(ctx, "migration.batch",
		trace.WithAttributes(
			attribute.String("job.id", jobID),
			attribute.String("folder.id", folderID),
			attribute.Int("batch.number", number),
		),
	)
}

func (in *instruments) endBatch(ctx context.Context, span trace.Span, size, failed int, err error) {
	span.SetAttributes(attribute.Int("batch.size", size), attribute.Int("batch.failed", failed))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
	if in.batches != nil {
		in.batches.Add(ctx, 1)
	}
}

func (in *instruments) message(ctx context.Context, outcome progress.Outcome, took time.Duration) {
	attrs := metric.WithAttributes(attribute.String("outcome", string(outcome)))
	if in.messages != nil {
		in.messages.Add(ctx, 1, attrs)
	}
	if in.latency != nil {
		in.latency.Record(ctx, took.Seconds(), attrs)
	}
}

func (in *instruments) retry(ctx context.Context, class string) {
	if in.retries != nil {
		in.retries.Add(ctx, 1, metric.WithAttributes(attribute.String("error.class", class)))
	}
}
