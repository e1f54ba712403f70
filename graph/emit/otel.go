package emit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// OTelEmitter turns execution events into OpenTelemetry spans.
//
// node_start opens a span named "node <id>" that stays open until the
// matching node_end or node_error, so span durations are real node
// latencies. Every other event becomes an instantaneous span named after
// its message.
//
//	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
//	emitter := emit.NewOTelEmitter(tp.Tracer("durable-graph"))
type OTelEmitter struct {
	tracer trace.Tracer

	mu   sync.Mutex
	open map[spanKey]trace.Span
}

type spanKey struct {
	thread string
	step   int
	node   string
}

// NewOTelEmitter creates an emitter that records spans with tracer.
func NewOTelEmitter(tracer trace.Tracer) *OTelEmitter {
	return &OTelEmitter{
		tracer: tracer,
		open:   make(map[spanKey]trace.Span),
	}
}

// Emit implements Emitter.
func (o *OTelEmitter) Emit(event Event) {
	key := spanKey{thread: event.ThreadID, step: event.Step, node: event.NodeID}

	switch event.Msg {
	case MsgNodeStart:
		_, span := o.tracer.Start(context.Background(), "node "+event.NodeID, o.startOptions(event)...)
		o.setAttributes(span, event)
		o.mu.Lock()
		o.open[key] = span
		o.mu.Unlock()
		return

	case MsgNodeEnd, MsgNodeError:
		o.mu.Lock()
		span, ok := o.open[key]
		delete(o.open, key)
		o.mu.Unlock()
		if ok {
			o.setAttributes(span, event)
			o.setStatus(span, event)
			span.End(o.endOptions(event)...)
			return
		}
	}

	_, span := o.tracer.Start(context.Background(), event.Msg, o.startOptions(event)...)
	o.setAttributes(span, event)
	o.setStatus(span, event)
	span.End(o.endOptions(event)...)
}

// Open reports how many node spans have started but not ended.
func (o *OTelEmitter) Open() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.open)
}

// Flush ends any node spans left open, e.g. after a cancelled run.
func (o *OTelEmitter) Flush(_ context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	for key, span := range o.open {
		span.SetStatus(codes.Error, "span not closed by a node event")
		span.End()
		delete(o.open, key)
	}
	return nil
}

func (o *OTelEmitter) startOptions(event Event) []trace.SpanStartOption {
	if event.Time.IsZero() {
		return nil
	}
	return []trace.SpanStartOption{trace.WithTimestamp(event.Time)}
}

func (o *OTelEmitter) endOptions(event Event) []trace.SpanEndOption {
	if event.Time.IsZero() {
		return nil
	}
	return []trace.SpanEndOption{trace.WithTimestamp(event.Time)}
}

func (o *OTelEmitter) setStatus(span trace.Span, event Event) {
	if msg, ok := event.Meta["error"].(string); ok {
		span.SetStatus(codes.Error, msg)
		span.RecordError(errors.New(msg))
	}
}

func (o *OTelEmitter) setAttributes(span trace.Span, event Event) {
	span.SetAttributes(
		attribute.String("graph.thread_id", event.ThreadID),
		attribute.Int("graph.step", event.Step),
	)
	if event.NodeID != "" {
		span.SetAttributes(attribute.String("graph.node_id", event.NodeID))
	}

	for key, value := range event.Meta {
		attrKey := "graph." + key
		switch v := value.(type) {
		case string:
			span.SetAttributes(attribute.String(attrKey, v))
		case int:
			span.SetAttributes(attribute.Int(attrKey, v))
		case int64:
			span.SetAttributes(attribute.Int64(attrKey, v))
		case float64:
			span.SetAttributes(attribute.Float64(attrKey, v))
		case bool:
			span.SetAttributes(attribute.Bool(attrKey, v))
		case []string:
			span.SetAttributes(attribute.StringSlice(attrKey, v))
		case time.Duration:
			span.SetAttributes(attribute.Int64(attrKey, v.Milliseconds()))
		default:
			span.SetAttributes(attribute.String(attrKey, fmt.Sprintf("%v", v)))
		}
	}
}
