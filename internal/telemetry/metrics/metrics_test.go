package metrics

import (
	"context"
	"testing"
)

func TestNoopProviderDiscardsObservations(t *testing.T) {
	p := NewNoopProvider()
	c := p.NewCounter(CounterOpts{CommonOpts: CommonOpts{Name: "x"}})
	c.Inc(1)
	g := p.NewGauge(GaugeOpts{CommonOpts: CommonOpts{Name: "y"}})
	g.Set(3)
	g.Add(1)
	h := p.NewHistogram(HistogramOpts{CommonOpts: CommonOpts{Name: "z"}})
	h.Observe(0.5)
	stop := p.NewTimer(HistogramOpts{CommonOpts: CommonOpts{Name: "w"}})
	stop()
	if err := p.Health(context.Background()); err != nil {
		t.Fatalf("noop provider should always be healthy: %v", err)
	}
}

func TestPrometheusProviderRegistersMetrics(t *testing.T) {
	p := NewPrometheusProvider(PrometheusProviderOptions{})
	c := p.NewCounter(CounterOpts{CommonOpts: CommonOpts{Namespace: "spsactor", Subsystem: "ccd", Name: "wipes_total", Help: "wipes", Labels: []string{"cam"}}})
	c.Inc(1, "b1")
	c2 := p.NewCounter(CounterOpts{CommonOpts: CommonOpts{Namespace: "spsactor", Subsystem: "ccd", Name: "wipes_total", Help: "wipes", Labels: []string{"cam"}}})
	c2.Inc(1, "b1")
	if err := p.Health(context.Background()); err != nil {
		t.Fatalf("unexpected health error: %v", err)
	}
}

func TestPrometheusProviderRejectsBadName(t *testing.T) {
	p := NewPrometheusProvider(PrometheusProviderOptions{})
	c := p.NewCounter(CounterOpts{CommonOpts: CommonOpts{Name: ""}})
	c.Inc(1)
	if err := p.Health(context.Background()); err == nil {
		t.Fatalf("expected health error after bad metric name")
	}
}

func TestOTelProviderBasicUsage(t *testing.T) {
	p := NewOTelProvider(OTelProviderOptions{ServiceName: "spsactor-test"})
	c := p.NewCounter(CounterOpts{CommonOpts: CommonOpts{Namespace: "spsactor", Name: "commands_total", Labels: []string{"actor"}}})
	c.Inc(1, "ccd1")
	g := p.NewGauge(GaugeOpts{CommonOpts: CommonOpts{Namespace: "spsactor", Name: "exposures_active"}})
	g.Set(2)
	g.Set(3)
	hist := p.NewHistogram(HistogramOpts{CommonOpts: CommonOpts{Namespace: "spsactor", Name: "exposure_seconds"}})
	hist.Observe(1.5)
	if err := p.Health(context.Background()); err != nil {
		t.Fatalf("unexpected health error: %v", err)
	}
}
