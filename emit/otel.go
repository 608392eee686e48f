package emit

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// OTelEmitter implements Emitter by creating OpenTelemetry spans.
//
// Each event becomes a span with:
//   - Span name: event.Msg (e.g., "stage_start", "stage_end")
//   - Attributes: job ID, contest slug, stage, and all event.Meta fields
//   - Status: error if event.Meta["error"] is set
//
// Spans are ended immediately: pipeline events represent points in time,
// and durations travel in the "duration_ms" metadata field.
//
// Usage:
//
//	tracer := otel.Tracer("lcpredict")
//	emitter := emit.NewOTelEmitter(tracer)
type OTelEmitter struct {
	tracer trace.Tracer
}

// NewOTelEmitter creates an OTelEmitter backed by the given tracer.
func NewOTelEmitter(tracer trace.Tracer) *OTelEmitter {
	return &OTelEmitter{tracer: tracer}
}

// Emit creates a span for the event and ends it immediately.
func (o *OTelEmitter) Emit(event Event) {
	ctx := context.Background()
	_, span := o.tracer.Start(ctx, event.Msg)
	defer span.End()

	span.SetAttributes(
		attribute.String("job_id", event.JobID),
		attribute.String("contest", event.Contest),
		attribute.String("stage", event.Stage),
	)
	o.addMetaAttributes(span, event.Meta)

	if errMsg, ok := event.Meta["error"].(string); ok {
		span.SetStatus(codes.Error, errMsg)
		span.RecordError(fmt.Errorf("%s", errMsg))
	}
}

func (o *OTelEmitter) addMetaAttributes(span trace.Span, meta map[string]interface{}) {
	for key, value := range meta {
		switch v := value.(type) {
		case string:
			span.SetAttributes(attribute.String("meta."+key, v))
		case int:
			span.SetAttributes(attribute.Int("meta."+key, v))
		case int64:
			span.SetAttributes(attribute.Int64("meta."+key, v))
		case float64:
			span.SetAttributes(attribute.Float64("meta."+key, v))
		case bool:
			span.SetAttributes(attribute.Bool("meta."+key, v))
		default:
			span.SetAttributes(attribute.String("meta."+key, fmt.Sprintf("%v", v)))
		}
	}
}
