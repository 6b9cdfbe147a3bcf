package engine

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/miradorstack/mirador-healer/internal/models"
)

const tracerName = "mirador-healer/engine"

func startSessionSpan(ctx context.Context, s *models.Session) (context.Context, trace.Span) {
	event := s.Event()
	return otel.Tracer(tracerName).Start(ctx, "healing.session",
		trace.WithAttributes(
			attribute.String("session.id", s.ID()),
			attribute.String("session.fingerprint", s.Fingerprint().Short()),
			attribute.String("failure.category", string(s.Classification().Category)),
			attribute.String("pipeline.source", event.Source),
			attribute.String("pipeline.job", event.JobName),
		),
	)
}

func startOracleSpan(ctx context.Context, req AnalysisRequest) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "healing.analyze",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("failure.category", string(req.Category)),
			attribute.String("failure.severity", string(req.Severity)),
		),
	)
}

func startCommandSpan(ctx context.Context, sessionID string, kind models.StepKind, attempt int) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "healing.step",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("session.id", sessionID),
			attribute.String("step.kind", string(kind)),
			attribute.Int("step.attempt", attempt),
		),
	)
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
