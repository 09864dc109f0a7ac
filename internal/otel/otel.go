// Package otel turns the events of a bus into OpenTelemetry spans: one span
// per run, with its fetches and HTTP requests as children.
package otel

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	eventbus "github.com/hanpama/graphcache/internal/eventbus"
	events "github.com/hanpama/graphcache/internal/events"
	runid "github.com/hanpama/graphcache/internal/runid"
)

const tracerName = "graphcache"

// Setup exports spans for the events of bus to an OTLP gRPC endpoint.
// If endpoint is empty, no telemetry is configured.
func Setup(bus *eventbus.Bus, endpoint, service string) (func(context.Context) error, error) {
	if endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}
	exp, err := otlptracegrpc.New(context.Background(),
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())))
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(service),
		)),
	)
	otel.SetTracerProvider(tp)

	detach := Attach(bus, tp)
	return func(ctx context.Context) error {
		detach()
		return tp.Shutdown(ctx)
	}, nil
}

// Attach subscribes span recording to bus and returns a function removing
// the subscriptions.
func Attach(bus *eventbus.Bus, tp trace.TracerProvider) (detach func()) {
	s := &subscriber{tracer: tp.Tracer(tracerName)}
	return s.register(bus)
}

type subscriber struct {
	tracer    trace.Tracer
	runSpans  sync.Map // run id -> trace.Span
	fetches   sync.Map // query id -> trace.Span
	httpSpans sync.Map // *http.Request -> trace.Span
}

// parent returns ctx carrying the span of the run ctx belongs to.
func (s *subscriber) parent(ctx context.Context) context.Context {
	id, ok := runid.FromContext(ctx)
	if !ok {
		return ctx
	}
	if v, ok := s.runSpans.Load(id); ok {
		return trace.ContextWithSpan(ctx, v.(trace.Span))
	}
	return ctx
}

func end(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func (s *subscriber) register(bus *eventbus.Bus) func() {
	unsubscribe := []func(){
		eventbus.Subscribe(bus, func(ctx context.Context, e events.RunStart) {
			_, span := s.tracer.Start(ctx, "graphcache.run")
			span.SetAttributes(
				attribute.String("graphcache.run.id", e.RunID),
				attribute.String("graphcache.fetch_mode", e.FetchMode),
				attribute.StringSlice("graphcache.queries", e.Queries),
			)
			s.runSpans.Store(e.RunID, span)
		}),

		eventbus.Subscribe(bus, func(_ context.Context, e events.DiffComputed) {
			if v, ok := s.runSpans.Load(e.RunID); ok {
				v.(trace.Span).AddEvent("diff", trace.WithAttributes(
					attribute.String("graphcache.query", e.QueryName),
					attribute.Int("graphcache.diff.queries", e.Queries),
				))
			}
		}),

		eventbus.Subscribe(bus, func(_ context.Context, e events.RunFinish) {
			v, ok := s.runSpans.LoadAndDelete(e.RunID)
			if !ok {
				return
			}
			span := v.(trace.Span)
			span.SetAttributes(attribute.Bool("graphcache.run.aborted", e.Aborted))
			end(span, e.Err)
		}),

		eventbus.Subscribe(bus, func(ctx context.Context, e events.FetchStart) {
			_, span := s.tracer.Start(s.parent(ctx), "graphcache.fetch")
			span.SetAttributes(
				attribute.String("graphcache.query.id", e.QueryID),
				attribute.String("graphcache.query", e.QueryName),
			)
			s.fetches.Store(e.QueryID, span)
		}),

		eventbus.Subscribe(bus, func(_ context.Context, e events.FetchFinish) {
			if v, ok := s.fetches.LoadAndDelete(e.QueryID); ok {
				end(v.(trace.Span), e.Err)
			}
		}),

		eventbus.Subscribe(bus, func(ctx context.Context, e events.HTTPStart) {
			_, span := s.tracer.Start(s.parent(ctx), "http.request", trace.WithSpanKind(trace.SpanKindClient))
			span.SetAttributes(
				semconv.HTTPMethodKey.String(e.Request.Method),
				attribute.String("http.url", e.Request.URL.String()),
			)
			s.httpSpans.Store(e.Request, span)
		}),

		eventbus.Subscribe(bus, func(_ context.Context, e events.HTTPFinish) {
			v, ok := s.httpSpans.LoadAndDelete(e.Request)
			if !ok {
				return
			}
			span := v.(trace.Span)
			if e.Status != 0 {
				span.SetAttributes(semconv.HTTPStatusCodeKey.Int(e.Status))
			}
			end(span, e.Err)
		}),
	}
	return func() {
		for _, u := range unsubscribe {
			u()
		}
	}
}
