package emit

import (
	"testing"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestOTelEmitter_CreatesSpans(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	tracer := provider.Tracer("lcpredict-test")

	emitter := NewOTelEmitter(tracer)
	emitter.Emit(Event{
		JobID:   "job-otel",
		Contest: "weekly-contest-300",
		Stage:   "predict",
		Msg:     "stage_start",
		Meta:    map[string]interface{}{"records": 100},
	})

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if spans[0].Name() != "stage_start" {
		t.Errorf("expected span name stage_start, got %s", spans[0].Name())
	}

	found := false
	for _, attr := range spans[0].Attributes() {
		if string(attr.Key) == "contest" && attr.Value.AsString() == "weekly-contest-300" {
			found = true
		}
	}
	if !found {
		t.Error("expected contest attribute on span")
	}
}

func TestOTelEmitter_ErrorStatus(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	emitter := NewOTelEmitter(provider.Tracer("lcpredict-test"))

	emitter.Emit(Event{
		Msg:  "stage_error",
		Meta: map[string]interface{}{"error": "upstream returned 500"},
	})

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if len(spans[0].Events()) == 0 {
		t.Error("expected recorded error event on span")
	}
}
