package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestPrometheusRecorderCountsByTypeAndRail(t *testing.T) {
	reg := prometheus.NewRegistry()
	rec, err := NewPrometheusRecorder(reg)
	if err != nil {
		t.Fatalf("NewPrometheusRecorder returned error: %v", err)
	}

	rec.IncCounter(Settled, map[string]string{"rail": "coinbase", "outcome": "paid"})
	rec.IncCounter(Settled, map[string]string{"rail": "coinbase", "outcome": "paid"})
	rec.IncCounter(Replayed, map[string]string{"rail": "coinbase"})
	rec.ObserveLatency(SettleLatency, 250*time.Millisecond, map[string]string{"rail": "coinbase"})

	got := testutil.ToFloat64(rec.counters.With(prometheus.Labels{"type": Settled, "rail": "coinbase", "outcome": "paid"}))
	if got != 2 {
		t.Fatalf("expected 2 settled events, got %v", got)
	}
	if n := testutil.CollectAndCount(rec.histogram); n != 1 {
		t.Fatalf("expected 1 histogram series, got %d", n)
	}
}

func TestNewPrometheusRecorderRejectsDoubleRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	if _, err := NewPrometheusRecorder(reg); err != nil {
		t.Fatalf("first registration failed: %v", err)
	}
	if _, err := NewPrometheusRecorder(reg); err == nil {
		t.Fatal("expected duplicate registration to fail")
	}
}
