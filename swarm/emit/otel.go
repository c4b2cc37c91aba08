package emit

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// OTelEmitter turns each event into an OpenTelemetry span. Events are
// points in time from the emitter's perspective, so spans are ended
// immediately; task durations are carried as the "duration_ms" attribute.
//
// Wire it to a provider the usual way:
//
//	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
//	emitter := emit.NewOTelEmitter(tp.Tracer("swarmlite"))
type OTelEmitter struct {
	tracer trace.Tracer
}

// NewOTelEmitter creates an emitter over the given tracer.
func NewOTelEmitter(tracer trace.Tracer) *OTelEmitter {
	return &OTelEmitter{tracer: tracer}
}

// Emit implements Emitter.
func (o *OTelEmitter) Emit(event Event) {
	_, span := o.tracer.Start(context.Background(), event.Name)
	defer span.End()

	attrs := []attribute.KeyValue{
		attribute.String("swarmlite.run_id", event.RunID),
		attribute.String("swarmlite.workflow_id", event.WorkflowID),
	}
	if event.TaskID != "" {
		attrs = append(attrs, attribute.String("swarmlite.task_id", event.TaskID))
	}
	if event.From != "" {
		attrs = append(attrs, attribute.String("swarmlite.from", event.From))
	}
	if event.To != "" {
		attrs = append(attrs, attribute.String("swarmlite.to", event.To))
	}
	for k, v := range event.Meta {
		attrs = append(attrs, metaAttribute("swarmlite.meta."+k, v))
	}
	span.SetAttributes(attrs...)

	if errVal, ok := event.Meta["error"]; ok {
		span.SetStatus(codes.Error, fmt.Sprintf("%v", errVal))
	}
}

func metaAttribute(key string, v any) attribute.KeyValue {
	switch val := v.(type) {
	case string:
		return attribute.String(key, val)
	case bool:
		return attribute.Bool(key, val)
	case int:
		return attribute.Int(key, val)
	case int64:
		return attribute.Int64(key, val)
	case float64:
		return attribute.Float64(key, val)
	default:
		return attribute.String(key, fmt.Sprintf("%v", val))
	}
}
