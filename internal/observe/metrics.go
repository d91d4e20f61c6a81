// Package observe holds the observability primitives of the voice bridge:
// OpenTelemetry metrics and tracing, trace-aware logging and the HTTP
// middleware that ties them together.
//
// Metrics go through the OpenTelemetry Metrics API. [InitProvider] installs
// a Prometheus exporter so they can be scraped from /metrics. Components
// receive a [*Metrics] explicitly; tests build one with [NewMetrics] over a
// manual reader.
package observe

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope of every voicebridge instrument.
const meterName = "github.com/MrWong99/voicebridge"

// Provider kinds used as the "kind" attribute.
const (
	KindSTT   = "stt"
	KindTTS   = "tts"
	KindAgent = "agent"
)

// Metrics holds every instrument of the application. All fields are safe for
// concurrent use.
type Metrics struct {
	// STTDuration is the latency of one recognition request.
	STTDuration metric.Float64Histogram

	// TTSDuration is the latency of one sentence synthesis.
	TTSDuration metric.Float64Histogram

	// AgentDuration is the latency of one agent turn.
	AgentDuration metric.Float64Histogram

	// ProviderErrors counts failed backend calls. Attributes: provider, kind.
	ProviderErrors metric.Int64Counter

	// ActiveSessions is the number of negotiated sessions.
	ActiveSessions metric.Int64UpDownCounter

	// SignalingMessages counts inbound signaling messages. Attributes: kind,
	// status ("ok", "dropped", "rate_limited").
	SignalingMessages metric.Int64Counter

	// StaleDrops counts synthesized sentences discarded because playback was
	// stopped or the session closed.
	StaleDrops metric.Int64Counter

	// HTTPRequestDuration is the HTTP request latency. Attributes: method,
	// path.
	HTTPRequestDuration metric.Float64Histogram
}

var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 120,
}

// NewMetrics creates every instrument on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	histogram := func(name, desc string) (metric.Float64Histogram, error) {
		return m.Float64Histogram(name,
			metric.WithDescription(desc),
			metric.WithUnit("s"),
			metric.WithExplicitBucketBoundaries(latencyBuckets...),
		)
	}
	if met.STTDuration, err = histogram("voicebridge.stt.duration", "Latency of speech recognition."); err != nil {
		return nil, err
	}
	if met.TTSDuration, err = histogram("voicebridge.tts.duration", "Latency of sentence synthesis."); err != nil {
		return nil, err
	}
	if met.AgentDuration, err = histogram("voicebridge.agent.duration", "Latency of agent turns."); err != nil {
		return nil, err
	}

	if met.ProviderErrors, err = m.Int64Counter("voicebridge.provider.errors",
		metric.WithDescription("Failed backend calls by provider and kind."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("voicebridge.sessions.active",
		metric.WithDescription("Number of negotiated voice sessions."),
	); err != nil {
		return nil, err
	}
	if met.SignalingMessages, err = m.Int64Counter("voicebridge.signaling.messages",
		metric.WithDescription("Inbound signaling messages by kind and status."),
	); err != nil {
		return nil, err
	}
	if met.StaleDrops, err = m.Int64Counter("voicebridge.audio.stale_drops",
		metric.WithDescription("Synthesized sentences discarded after playback was stopped."),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("voicebridge.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	return met, nil
}

// Attr is a shorthand for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordProviderError increments [Metrics.ProviderErrors].
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1, metric.WithAttributes(Attr("provider", provider), Attr("kind", kind)))
}

// RecordMessage increments [Metrics.SignalingMessages].
func (m *Metrics) RecordMessage(ctx context.Context, kind, status string) {
	m.SignalingMessages.Add(ctx, 1, metric.WithAttributes(Attr("kind", kind), Attr("status", status)))
}

// RecordStaleDrops adds n to [Metrics.StaleDrops]. Non-positive n is ignored.
func (m *Metrics) RecordStaleDrops(ctx context.Context, n int) {
	if n > 0 {
		m.StaleDrops.Add(ctx, int64(n))
	}
}

// Observer returns a latency callback for provider (of the given kind) that
// records the matching duration histogram and counts errors. It fits the
// WithObserver options of the stt client, the speech pipeline and the agent
// bridge.
func (m *Metrics) Observer(provider, kind string) func(time.Duration, error) {
	var hist metric.Float64Histogram
	switch kind {
	case KindSTT:
		hist = m.STTDuration
	case KindTTS:
		hist = m.TTSDuration
	default:
		hist = m.AgentDuration
	}
	attrs := metric.WithAttributes(Attr("provider", provider))
	return func(d time.Duration, err error) {
		ctx := context.Background()
		hist.Record(ctx, d.Seconds(), attrs)
		if err != nil {
			m.RecordProviderError(ctx, provider, kind)
		}
	}
}
