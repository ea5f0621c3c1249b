// OpenTelemetry tracing support for distributed agent observability.
package telemetry

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// Tracer wraps OpenTelemetry tracing with agent-specific helpers.
type Tracer struct {
	tracer trace.Tracer
	debug  bool // When true, include payload content in span attributes
}

var (
	globalTracer *Tracer
	tracerMu     sync.RWMutex
)

// SetGlobalTracer sets the global tracer instance.
func SetGlobalTracer(t *Tracer) {
	tracerMu.Lock()
	defer tracerMu.Unlock()
	globalTracer = t
}

// GetTracer returns the global tracer, or a no-op tracer if not set.
func GetTracer() *Tracer {
	tracerMu.RLock()
	defer tracerMu.RUnlock()
	if globalTracer == nil {
		return &Tracer{tracer: trace.NewNoopTracerProvider().Tracer("")}
	}
	return globalTracer
}

// NewTracer creates a new tracer with the given name.
func NewTracer(name string, debug bool) *Tracer {
	return &Tracer{
		tracer: otel.Tracer(name),
		debug:  debug,
	}
}

// SetDebug enables or disables debug mode (content in spans).
func (t *Tracer) SetDebug(debug bool) {
	t.debug = debug
}

// Debug returns whether debug mode is enabled.
func (t *Tracer) Debug() bool {
	return t.debug
}

// StartSpan starts a new span with the given name.
func (t *Tracer) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name, opts...)
}

// --- Task Spans ---

// TaskSpanOptions contains options for compound task spans.
type TaskSpanOptions struct {
	TaskID    string
	Subtasks  int
	Failed    int
	Cancelled bool
}

// StartTaskSpan starts a span covering a compound task fan-out.
func (t *Tracer) StartTaskSpan(ctx context.Context, taskID string) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(ctx, "task.coordinate", trace.WithSpanKind(trace.SpanKindInternal))
	span.SetAttributes(attribute.String("task.id", taskID))
	return ctx, span
}

// EndTaskSpan ends a task span with attributes.
func (t *Tracer) EndTaskSpan(span trace.Span, opts TaskSpanOptions, err error) {
	span.SetAttributes(
		attribute.Int("task.subtasks", opts.Subtasks),
		attribute.Int("task.failed", opts.Failed),
		attribute.Bool("task.cancelled", opts.Cancelled),
	)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}

	span.End()
}

// --- Subtask Spans ---

// SubtaskSpanOptions contains options for subtask delegation spans.
type SubtaskSpanOptions struct {
	SubtaskID        string
	CapabilityFilter string
	ExecutorID       string
	Parameters       map[string]interface{} // Only included if debug=true
}

// StartSubtaskSpan starts a span for one delegated subtask.
func (t *Tracer) StartSubtaskSpan(ctx context.Context, subtaskID string) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(ctx, "task.subtask", trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(attribute.String("subtask.id", subtaskID))
	return ctx, span
}

// EndSubtaskSpan ends a subtask span with attributes.
func (t *Tracer) EndSubtaskSpan(span trace.Span, opts SubtaskSpanOptions, err error) {
	attrs := []attribute.KeyValue{
		attribute.String("subtask.capability_filter", opts.CapabilityFilter),
	}
	if opts.ExecutorID != "" {
		attrs = append(attrs, attribute.String("subtask.executor", opts.ExecutorID))
	}

	// Parameters only in debug mode (may contain user data)
	if t.debug {
		for k, v := range opts.Parameters {
			attrs = append(attrs, attribute.String("subtask.param."+k, truncateAny(v, 500)))
		}
	}

	span.SetAttributes(attrs...)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}

	span.End()
}

// --- Dispatch Spans ---

// DispatchSpanOptions contains options for inbound dispatch spans.
type DispatchSpanOptions struct {
	Topic       string
	MessageID   string
	MessageType string
	Disposition string
}

// StartDispatchSpan starts a span for one inbound message.
func (t *Tracer) StartDispatchSpan(ctx context.Context, topic string) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(ctx, "bridge.dispatch", trace.WithSpanKind(trace.SpanKindConsumer))
	span.SetAttributes(attribute.String("messaging.topic", topic))
	return ctx, span
}

// EndDispatchSpan ends a dispatch span with attributes.
func (t *Tracer) EndDispatchSpan(span trace.Span, opts DispatchSpanOptions, err error) {
	span.SetAttributes(
		attribute.String("messaging.message_id", opts.MessageID),
		attribute.String("messaging.message_type", opts.MessageType),
		attribute.String("messaging.disposition", opts.Disposition),
	)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}

	span.End()
}

// --- Registry Spans ---

// RegistrySpanOptions contains options for discovery lookup spans.
type RegistrySpanOptions struct {
	Filter  string
	Matches int
}

// StartRegistrySpan starts a span for a capability lookup.
func (t *Tracer) StartRegistrySpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "registry."+name, trace.WithSpanKind(trace.SpanKindInternal))
}

// EndRegistrySpan ends a registry span with attributes.
func (t *Tracer) EndRegistrySpan(span trace.Span, opts RegistrySpanOptions, err error) {
	span.SetAttributes(
		attribute.String("registry.filter", opts.Filter),
		attribute.Int("registry.matches", opts.Matches),
	)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}

	span.End()
}

// --- Context Propagation ---

// InjectContext injects trace context into a carrier for cross-process propagation.
func InjectContext(ctx context.Context, carrier propagation.TextMapCarrier) {
	otel.GetTextMapPropagator().Inject(ctx, carrier)
}

// ExtractContext extracts trace context from a carrier.
func ExtractContext(ctx context.Context, carrier propagation.TextMapCarrier) context.Context {
	return otel.GetTextMapPropagator().Extract(ctx, carrier)
}

// MapCarrier is a simple map-based TextMapCarrier for context propagation.
type MapCarrier map[string]string

func (c MapCarrier) Get(key string) string {
	return c[key]
}

func (c MapCarrier) Set(key, value string) {
	c[key] = value
}

func (c MapCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}

// --- Helpers ---

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

func truncateAny(v interface{}, maxLen int) string {
	switch val := v.(type) {
	case string:
		return truncate(val, maxLen)
	default:
		return truncate(fmt.Sprint(val), maxLen)
	}
}
