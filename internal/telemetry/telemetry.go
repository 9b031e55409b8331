// Package telemetry emits OpenTelemetry spans for provisioning runs. Spans
// go to a stdout exporter; boot-time VMs have no collector to ship to, but
// the span log lands in the journal alongside the agent's output.
package telemetry

import (
	"context"
	"fmt"
	"io"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/imamik/azinit/internal/provisioning"
)

const tracerName = "azinit"

// Tracer owns the provider lifecycle.
type Tracer struct {
	provider *sdktrace.TracerProvider
}

// NewStdoutTracer builds a tracer provider writing spans to w.
func NewStdoutTracer(w io.Writer, version string) (*Tracer, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithWriter(w))
	if err != nil {
		return nil, fmt.Errorf("creating stdout trace exporter: %w", err)
	}
	provider := sdktrace.NewTracerProvider(
		// Spans are few and the process is short-lived; export inline
		// rather than batching past process exit.
		sdktrace.WithSyncer(exporter),
		sdktrace.WithResource(resource.NewSchemaless(
			attribute.String("service.name", tracerName),
			attribute.String("service.version", version),
		)),
	)
	return &Tracer{provider: provider}, nil
}

// Shutdown flushes and stops the provider.
func (t *Tracer) Shutdown(ctx context.Context) error {
	return t.provider.Shutdown(ctx)
}

// SpanObserver translates provisioning events into spans: one root span for
// the run, one child span per phase.
type SpanObserver struct {
	tracer  trace.Tracer
	rootCtx context.Context
	root    trace.Span
	fields  map[string]string
	spans   *spanTracker
}

// spanTracker is shared between an observer and its WithFields derivations
// so a phase started through one can be ended through another.
type spanTracker struct {
	mu     sync.Mutex
	active map[string]trace.Span
}

func (t *spanTracker) put(phase string, span trace.Span) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.active[phase] = span
}

func (t *spanTracker) take(phase string) trace.Span {
	t.mu.Lock()
	defer t.mu.Unlock()
	span := t.active[phase]
	delete(t.active, phase)
	return span
}

var _ provisioning.Observer = (*SpanObserver)(nil)

// NewSpanObserver opens the run's root span. Close must be called once the
// run is over.
func NewSpanObserver(ctx context.Context, tracer *Tracer) *SpanObserver {
	rootCtx, root := tracer.provider.Tracer(tracerName).Start(ctx, "provision")
	return &SpanObserver{
		tracer:  tracer.provider.Tracer(tracerName),
		rootCtx: rootCtx,
		root:    root,
		fields:  make(map[string]string),
		spans:   &spanTracker{active: make(map[string]trace.Span)},
	}
}

// Close ends the root span.
func (o *SpanObserver) Close() {
	o.root.End()
}

// Event implements provisioning.Observer.
func (o *SpanObserver) Event(event provisioning.Event) {
	attrs := make([]attribute.KeyValue, 0, len(event.Fields)+len(o.fields))
	for k, v := range o.fields {
		attrs = append(attrs, attribute.String(k, v))
	}
	for k, v := range event.Fields {
		attrs = append(attrs, attribute.String(k, v))
	}

	switch event.Type {
	case provisioning.EventPhaseStarted:
		_, span := o.tracer.Start(o.rootCtx, event.Phase, trace.WithAttributes(attrs...))
		o.spans.put(event.Phase, span)
	case provisioning.EventPhaseCompleted:
		if span := o.spans.take(event.Phase); span != nil {
			span.SetStatus(codes.Ok, "")
			span.End()
		}
	case provisioning.EventPhaseFailed:
		if span := o.spans.take(event.Phase); span != nil {
			span.SetStatus(codes.Error, event.Message)
			span.End()
		}
	case provisioning.EventProvisioningFailed:
		o.root.SetStatus(codes.Error, event.Message)
		o.root.AddEvent(string(event.Type), trace.WithAttributes(attrs...))
	default:
		o.root.AddEvent(string(event.Type), trace.WithAttributes(
			append(attrs, attribute.String("message", event.Message))...))
	}
}

// WithFields implements provisioning.Observer. The derived observer shares
// the root span and active phase map.
func (o *SpanObserver) WithFields(fields map[string]string) provisioning.Observer {
	merged := make(map[string]string, len(o.fields)+len(fields))
	for k, v := range o.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return &SpanObserver{
		tracer:  o.tracer,
		rootCtx: o.rootCtx,
		root:    o.root,
		fields:  merged,
		spans:   o.spans,
	}
}
