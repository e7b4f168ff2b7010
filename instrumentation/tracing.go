package instrumentation

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

// Span attribute keys.
//
// Only metadata goes on spans. Codes, tokens, provider state values and client
// secrets must never be recorded.
const (
	AttrClientID  = "oauth.client_id"
	AttrScope     = "oauth.scope"
	AttrGrantType = "oauth.grant_type"
	AttrError     = "oauth.error"

	AttrStorageOperation = "storage.operation"
	AttrStorageType      = "storage.type"

	AttrProviderName      = "provider.name"
	AttrProviderOperation = "provider.operation"
	AttrJWKSForced        = "provider.jwks.forced"

	AttrClientIP = "security.client_ip"
)

// StartSpan starts a span on tracer. With a nil tracer it returns ctx unchanged
// and a non-recording span, so callers can always defer span.End().
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if tracer == nil {
		return ctx, tracenoop.Span{}
	}
	return tracer.Start(ctx, name, opts...)
}

// RecordError records an error on a span with proper status codes (nil-safe)
func RecordError(span trace.Span, err error) {
	if span != nil && err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// SetSpanError marks a span as failed with a short reason (nil-safe)
func SetSpanError(span trace.Span, reason string) {
	if span != nil {
		span.SetStatus(codes.Error, reason)
		span.SetAttributes(attribute.String(AttrError, reason))
	}
}

// SetSpanSuccess marks a span as successful (nil-safe)
func SetSpanSuccess(span trace.Span) {
	if span != nil {
		span.SetStatus(codes.Ok, "")
	}
}

// SetSpanAttributes sets attributes on a span (nil-safe)
func SetSpanAttributes(span trace.Span, attrs ...attribute.KeyValue) {
	if span != nil {
		span.SetAttributes(attrs...)
	}
}

// AddOAuthFlowAttributes adds the client and scope of a flow to a span, skipping
// empty values.
func AddOAuthFlowAttributes(span trace.Span, clientID, scope string) {
	if clientID != "" {
		SetSpanAttributes(span, attribute.String(AttrClientID, clientID))
	}
	if scope != "" {
		SetSpanAttributes(span, attribute.String(AttrScope, scope))
	}
}

// AddProviderAttributes adds provider attributes to a span (nil-safe)
func AddProviderAttributes(span trace.Span, providerName, operation string) {
	SetSpanAttributes(span,
		attribute.String(AttrProviderName, providerName),
		attribute.String(AttrProviderOperation, operation),
	)
}
