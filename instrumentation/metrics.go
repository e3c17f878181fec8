package instrumentation

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the metric instruments used across the provider.
type Metrics struct {
	// HTTP layer
	HTTPRequestsTotal   metric.Int64Counter
	HTTPRequestDuration metric.Float64Histogram

	// Token lifecycle
	TokensIssued   metric.Int64Counter
	CodeExchanged  metric.Int64Counter
	TokenRefreshed metric.Int64Counter
	TokenRevoked   metric.Int64Counter

	// Device grant
	DeviceCodeIssued     metric.Int64Counter
	DeviceCodeAuthorized metric.Int64Counter

	// Authentication
	ChallengeIssued   metric.Int64Counter
	ChallengeVerified metric.Int64Counter
	SessionsIssued    metric.Int64Counter

	// Security
	RateLimitExceeded    metric.Int64Counter
	PKCEValidationFailed metric.Int64Counter
	CodeReuseDetected    metric.Int64Counter

	// Maintenance
	GarbageCollectionRuns metric.Int64Counter
}

func newMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}

	instruments := []struct {
		target      *metric.Int64Counter
		name        string
		description string
		unit        string
	}{
		{&m.HTTPRequestsTotal, "idp.http.requests.total", "Total HTTP requests", "{request}"},
		{&m.TokensIssued, "idp.tokens.issued", "Tokens minted, by type", "{token}"},
		{&m.CodeExchanged, "idp.code.exchanged", "Authorization codes exchanged", "{exchange}"},
		{&m.TokenRefreshed, "idp.token.refreshed", "Access tokens refreshed", "{refresh}"},
		{&m.TokenRevoked, "idp.token.revoked", "Tokens revoked", "{revocation}"},
		{&m.DeviceCodeIssued, "idp.device.code.issued", "Device codes issued", "{code}"},
		{&m.DeviceCodeAuthorized, "idp.device.code.authorized", "Device codes approved by a user", "{code}"},
		{&m.ChallengeIssued, "idp.challenge.issued", "Authentication challenges issued, by method", "{challenge}"},
		{&m.ChallengeVerified, "idp.challenge.verified", "Challenge verification outcomes, by method and result", "{verification}"},
		{&m.SessionsIssued, "idp.sessions.issued", "Session tokens issued", "{session}"},
		{&m.RateLimitExceeded, "idp.ratelimit.exceeded", "Requests rejected by rate limiting", "{rejection}"},
		{&m.PKCEValidationFailed, "idp.pkce.failed", "PKCE verifier mismatches", "{failure}"},
		{&m.CodeReuseDetected, "idp.code.reuse", "Single-use token replay attempts", "{attempt}"},
		{&m.GarbageCollectionRuns, "idp.gc.runs", "Garbage collection passes", "{run}"},
	}
	for _, in := range instruments {
		counter, err := meter.Int64Counter(in.name,
			metric.WithDescription(in.description),
			metric.WithUnit(in.unit))
		if err != nil {
			return nil, fmt.Errorf("create %s: %w", in.name, err)
		}
		*in.target = counter
	}

	var err error
	m.HTTPRequestDuration, err = meter.Float64Histogram(
		"idp.http.request.duration",
		metric.WithDescription("HTTP request duration in milliseconds"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, fmt.Errorf("create idp.http.request.duration: %w", err)
	}
	return m, nil
}

// RecordHTTPRequest records one served request.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, endpoint, method string, status int, start time.Time) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("endpoint", endpoint),
		attribute.String("method", method),
		attribute.Int("status", status),
	)
	m.HTTPRequestsTotal.Add(ctx, 1, attrs)
	m.HTTPRequestDuration.Record(ctx, float64(time.Since(start).Milliseconds()), attrs)
}

// Add increments a counter with the given attributes, tolerating a nil
// receiver so call sites need no instrumentation guard.
func (m *Metrics) Add(ctx context.Context, counter metric.Int64Counter, attrs ...attribute.KeyValue) {
	if m == nil || counter == nil {
		return
	}
	counter.Add(ctx, 1, metric.WithAttributes(attrs...))
}
