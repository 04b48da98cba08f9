// Package observe wires OpenTelemetry metrics and tracing for meshvoice.
//
// Metrics are recorded through the OpenTelemetry Metrics API and exposed for
// scraping through a Prometheus exporter bridge set up by [InitProvider].
// Tests should build their own [Metrics] with [NewMetrics] and a
// ManualReader-backed provider.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/dkeye/meshvoice"

// Metrics holds the instruments shared by the client and the relay.
type Metrics struct {
	// NegotiationDuration measures join/offer to CONNECTED or failure.
	// Attribute "outcome": connected|failed|timeout.
	NegotiationDuration metric.Float64Histogram
	// Negotiations counts finished negotiations by outcome.
	Negotiations metric.Int64Counter

	// SignalReconnects counts scheduled reconnect attempts.
	SignalReconnects metric.Int64Counter
	// SignalMessages counts inbound signaling messages by type.
	SignalMessages metric.Int64Counter

	// ActivePeers tracks open peer connection handles.
	ActivePeers metric.Int64UpDownCounter

	// RelayConnections tracks live relay websocket members.
	RelayConnections metric.Int64UpDownCounter
	// RelayMessages counts relayed frames by type.
	RelayMessages metric.Int64Counter
	// RelayKicks counts members dropped for backpressure.
	RelayKicks metric.Int64Counter

	HTTPRequestDuration metric.Float64Histogram
}

var negotiationBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 15, 30,
}

func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.NegotiationDuration, err = m.Float64Histogram("meshvoice.peer.negotiation.duration",
		metric.WithDescription("Time from handle creation until it connects or fails."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(negotiationBuckets...),
	); err != nil {
		return nil, err
	}
	if met.Negotiations, err = m.Int64Counter("meshvoice.peer.negotiations",
		metric.WithDescription("Finished peer negotiations by outcome."),
	); err != nil {
		return nil, err
	}
	if met.SignalReconnects, err = m.Int64Counter("meshvoice.signal.reconnects",
		metric.WithDescription("Scheduled signaling reconnect attempts."),
	); err != nil {
		return nil, err
	}
	if met.SignalMessages, err = m.Int64Counter("meshvoice.signal.messages",
		metric.WithDescription("Inbound signaling messages by type."),
	); err != nil {
		return nil, err
	}
	if met.ActivePeers, err = m.Int64UpDownCounter("meshvoice.peer.active",
		metric.WithDescription("Open peer connection handles."),
	); err != nil {
		return nil, err
	}
	if met.RelayConnections, err = m.Int64UpDownCounter("meshvoice.relay.connections",
		metric.WithDescription("Live relay room members."),
	); err != nil {
		return nil, err
	}
	if met.RelayMessages, err = m.Int64Counter("meshvoice.relay.messages",
		metric.WithDescription("Frames relayed by type."),
	); err != nil {
		return nil, err
	}
	if met.RelayKicks, err = m.Int64Counter("meshvoice.relay.kicks",
		metric.WithDescription("Members disconnected for backpressure."),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("meshvoice.http.request.duration",
		metric.WithDescription("HTTP request latency by method and route."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns a Metrics bound to the global meter provider,
// created on first use.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// RecordNegotiation records one finished negotiation.
func (m *Metrics) RecordNegotiation(ctx context.Context, outcome string, seconds float64) {
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	m.Negotiations.Add(ctx, 1, attrs)
	m.NegotiationDuration.Record(ctx, seconds, attrs)
}

func (m *Metrics) RecordSignalMessage(ctx context.Context, typ string) {
	m.SignalMessages.Add(ctx, 1, metric.WithAttributes(attribute.String("type", typ)))
}

func (m *Metrics) RecordRelayMessage(ctx context.Context, typ string) {
	m.RelayMessages.Add(ctx, 1, metric.WithAttributes(attribute.String("type", typ)))
}
