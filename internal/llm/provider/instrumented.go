package provider

import (
	"context"
	"fmt"
	"time"

	"github.com/amira-dev/amira/internal/observability"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// InstrumentedProvider wraps a Provider with automatic span creation for
// every model call. Token usage, latency and errors are recorded as span
// attributes.
type InstrumentedProvider struct {
	provider Provider
	enabled  bool
}

// NewInstrumentedProvider wraps a provider with tracing.
func NewInstrumentedProvider(provider Provider, enabled bool) *InstrumentedProvider {
	return &InstrumentedProvider{provider: provider, enabled: enabled}
}

// Name returns the underlying provider name.
func (p *InstrumentedProvider) Name() string {
	return p.provider.Name()
}

// CreateCompletion creates a completion with automatic instrumentation
func (p *InstrumentedProvider) CreateCompletion(ctx context.Context, request CompletionRequest) (*CompletionResponse, error) {
	if !p.enabled {
		return p.provider.CreateCompletion(ctx, request)
	}

	ctx, span := observability.StartSpan(ctx, fmt.Sprintf("llm.%s.completion", p.provider.Name()),
		trace.WithAttributes(
			attribute.String("llm.provider", p.provider.Name()),
			attribute.String("llm.model", request.Model),
			attribute.Int("llm.messages_count", len(request.Messages)),
		),
	)
	defer span.End()

	startTime := time.Now()
	response, err := p.provider.CreateCompletion(ctx, request)
	p.record(span, startTime, response, err)
	return response, err
}

// CreateStructured creates a structured response with automatic instrumentation
func (p *InstrumentedProvider) CreateStructured(ctx context.Context, request StructuredRequest) (*StructuredResponse, error) {
	if !p.enabled {
		return p.provider.CreateStructured(ctx, request)
	}

	ctx, span := observability.StartSpan(ctx, fmt.Sprintf("llm.%s.structured", p.provider.Name()),
		trace.WithAttributes(
			attribute.String("llm.provider", p.provider.Name()),
			attribute.String("llm.model", request.Model),
			attribute.Int("llm.messages_count", len(request.Messages)),
		),
	)
	defer span.End()

	startTime := time.Now()
	response, err := p.provider.CreateStructured(ctx, request)
	if response != nil {
		p.record(span, startTime, &response.CompletionResponse, err)
	} else {
		p.record(span, startTime, nil, err)
	}
	return response, err
}

func (p *InstrumentedProvider) record(span trace.Span, startTime time.Time, response *CompletionResponse, err error) {
	span.SetAttributes(
		attribute.Int64("llm.duration_ms", time.Since(startTime).Milliseconds()),
		attribute.Bool("llm.success", err == nil),
	)

	if err != nil {
		span.RecordError(err)
		span.SetAttributes(attribute.String("llm.error", err.Error()))
		return
	}

	if response != nil {
		span.SetAttributes(
			attribute.Int("llm.usage.prompt_tokens", response.Usage.PromptTokens),
			attribute.Int("llm.usage.completion_tokens", response.Usage.CompletionTokens),
			attribute.Int("llm.usage.total_tokens", response.Usage.TotalTokens),
			attribute.String("llm.finish_reason", response.FinishReason),
		)
	}
}
