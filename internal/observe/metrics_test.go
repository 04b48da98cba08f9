package observe

import (
	"context"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

func TestRecordNegotiation(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()
	m.RecordNegotiation(ctx, "connected", 0.3)
	m.RecordNegotiation(ctx, "connected", 0.4)
	m.RecordNegotiation(ctx, "timeout", 15)

	rm := collect(t, reader)

	counter := findMetric(rm, "meshvoice.peer.negotiations")
	if counter == nil {
		t.Fatal("negotiations counter not found")
	}
	sum, ok := counter.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("unexpected data type %T", counter.Data)
	}
	byOutcome := map[string]int64{}
	for _, dp := range sum.DataPoints {
		v, _ := dp.Attributes.Value("outcome")
		byOutcome[v.AsString()] = dp.Value
	}
	if byOutcome["connected"] != 2 || byOutcome["timeout"] != 1 {
		t.Errorf("unexpected counts %v", byOutcome)
	}

	hist := findMetric(rm, "meshvoice.peer.negotiation.duration")
	if hist == nil {
		t.Fatal("negotiation histogram not found")
	}
	h, ok := hist.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatalf("unexpected data type %T", hist.Data)
	}
	var total uint64
	for _, dp := range h.DataPoints {
		total += dp.Count
	}
	if total != 3 {
		t.Errorf("histogram count = %d, want 3", total)
	}
}

func TestActivePeersUpDown(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()
	m.ActivePeers.Add(ctx, 1)
	m.ActivePeers.Add(ctx, 1)
	m.ActivePeers.Add(ctx, -1)

	got := findMetric(collect(t, reader), "meshvoice.peer.active")
	if got == nil {
		t.Fatal("active peers gauge not found")
	}
	sum := got.Data.(metricdata.Sum[int64])
	if len(sum.DataPoints) != 1 || sum.DataPoints[0].Value != 1 {
		t.Errorf("unexpected data points %+v", sum.DataPoints)
	}
}

func TestRecordMessagesByType(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()
	m.RecordSignalMessage(ctx, "offer")
	m.RecordRelayMessage(ctx, "join")
	m.RecordRelayMessage(ctx, "join")

	rm := collect(t, reader)
	for name, want := range map[string]int64{
		"meshvoice.signal.messages": 1,
		"meshvoice.relay.messages":  2,
	} {
		got := findMetric(rm, name)
		if got == nil {
			t.Errorf("%s not found", name)
			continue
		}
		sum := got.Data.(metricdata.Sum[int64])
		if sum.DataPoints[0].Value != want {
			t.Errorf("%s = %d, want %d", name, sum.DataPoints[0].Value, want)
		}
	}
}
