package instrumentation

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Attribute keys shared across spans.
const (
	AttrClientID  = "idp.client_id"
	AttrUserID    = "idp.user_id"
	AttrGrantType = "idp.grant_type"
	AttrTokenType = "idp.token_type"
	AttrMethod    = "idp.auth_method"
	AttrEndpoint  = "idp.endpoint"
	AttrScope     = "idp.scope"
)

// SetSpanError marks the span as failed and records the error.
func SetSpanError(span trace.Span, err error) {
	if span == nil || err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// SetSpanSuccess marks the span as completed successfully.
func SetSpanSuccess(span trace.Span) {
	if span == nil {
		return
	}
	span.SetStatus(codes.Ok, "")
}

// SetSpanAttributes attaches attributes to the span.
func SetSpanAttributes(span trace.Span, attrs ...attribute.KeyValue) {
	if span == nil {
		return
	}
	span.SetAttributes(attrs...)
}
