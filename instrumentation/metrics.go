// Package instrumentation provides OpenTelemetry metrics for token and API activity.
//
// All recording methods are safe to call on a nil *Metrics, so components can
// take an optional metrics holder without guarding every call site.
package instrumentation

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const meterName = "github.com/panyam/centralauth"

// Config holds instrumentation configuration
type Config struct {
	// Enabled controls whether instrumentation is active.
	// When false, no-op instruments are used.
	Enabled bool

	// MeterProvider to register instruments with. Required when Enabled.
	MeterProvider metric.MeterProvider
}

// Metrics holds the metric instruments
type Metrics struct {
	// Token subsystem
	TokenRequests   metric.Int64Counter
	TokenCacheHits  metric.Int64Counter
	TokenJoins      metric.Int64Counter
	CooldownBlocked metric.Int64Counter

	// Domain API
	APIRequests metric.Int64Counter
	APIRetries  metric.Int64Counter
	APIDuration metric.Float64Histogram

	// Sessions
	SessionsActive  metric.Int64UpDownCounter
	SessionsEvicted metric.Int64Counter
}

// New creates the metric instruments
func New(config Config) (*Metrics, error) {
	var mp metric.MeterProvider = noop.NewMeterProvider()
	if config.Enabled {
		if config.MeterProvider == nil {
			return nil, fmt.Errorf("instrumentation enabled without a meter provider")
		}
		mp = config.MeterProvider
	}
	meter := mp.Meter(meterName)

	m := &Metrics{}
	var err error

	m.TokenRequests, err = meter.Int64Counter(
		"central.token.requests",
		metric.WithDescription("Token endpoint requests by outcome"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create token.requests counter: %w", err)
	}

	m.TokenCacheHits, err = meter.Int64Counter(
		"central.token.cache_hits",
		metric.WithDescription("Token lookups served from memory"),
		metric.WithUnit("{lookup}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create token.cache_hits counter: %w", err)
	}

	m.TokenJoins, err = meter.Int64Counter(
		"central.token.joins",
		metric.WithDescription("Callers that joined an in-flight refresh"),
		metric.WithUnit("{caller}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create token.joins counter: %w", err)
	}

	m.CooldownBlocked, err = meter.Int64Counter(
		"central.token.cooldown_blocked",
		metric.WithDescription("Token requests suppressed by the cooldown window"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create token.cooldown_blocked counter: %w", err)
	}

	m.APIRequests, err = meter.Int64Counter(
		"central.api.requests",
		metric.WithDescription("Domain API requests by method and status"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create api.requests counter: %w", err)
	}

	m.APIRetries, err = meter.Int64Counter(
		"central.api.retries",
		metric.WithDescription("Domain API retries by reason"),
		metric.WithUnit("{retry}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create api.retries counter: %w", err)
	}

	m.APIDuration, err = meter.Float64Histogram(
		"central.api.duration",
		metric.WithDescription("Domain API request duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create api.duration histogram: %w", err)
	}

	m.SessionsActive, err = meter.Int64UpDownCounter(
		"central.sessions.active",
		metric.WithDescription("Sessions currently registered"),
		metric.WithUnit("{session}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create sessions.active counter: %w", err)
	}

	m.SessionsEvicted, err = meter.Int64Counter(
		"central.sessions.evicted",
		metric.WithDescription("Sessions removed by reason"),
		metric.WithUnit("{session}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create sessions.evicted counter: %w", err)
	}

	return m, nil
}

// RecordTokenRequest records a token endpoint request and its outcome
func (m *Metrics) RecordTokenRequest(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.TokenRequests.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordCacheHit records a token served without I/O
func (m *Metrics) RecordCacheHit(ctx context.Context) {
	if m == nil {
		return
	}
	m.TokenCacheHits.Add(ctx, 1)
}

// RecordJoin records a caller that joined an in-flight refresh
func (m *Metrics) RecordJoin(ctx context.Context) {
	if m == nil {
		return
	}
	m.TokenJoins.Add(ctx, 1)
}

// RecordCooldownBlocked records a suppressed token request
func (m *Metrics) RecordCooldownBlocked(ctx context.Context) {
	if m == nil {
		return
	}
	m.CooldownBlocked.Add(ctx, 1)
}

// RecordAPIRequest records one domain request attempt
func (m *Metrics) RecordAPIRequest(ctx context.Context, method string, status int, durationMs float64) {
	if m == nil {
		return
	}
	m.APIRequests.Add(ctx, 1, metric.WithAttributes(
		attribute.String("method", method),
		attribute.Int("status", status),
	))
	m.APIDuration.Record(ctx, durationMs, metric.WithAttributes(attribute.String("method", method)))
}

// RecordAPIRetry records a retry and why it happened ("unauthorized", "rate_limited", "server_error")
func (m *Metrics) RecordAPIRetry(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.APIRetries.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordSessionCreated increments the active session count
func (m *Metrics) RecordSessionCreated(ctx context.Context) {
	if m == nil {
		return
	}
	m.SessionsActive.Add(ctx, 1)
}

// RecordSessionRemoved decrements the active session count and records why
func (m *Metrics) RecordSessionRemoved(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.SessionsActive.Add(ctx, -1)
	m.SessionsEvicted.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}
