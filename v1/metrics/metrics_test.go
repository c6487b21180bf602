package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestRegisterQueueMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	RegisterQueueMetrics(reg)
	EnqueuedCounter.WithLabelValues("in-memory").Inc()
	OutcomeCounter.WithLabelValues("task", "ok").Inc()
	BatchCounter.Inc()
	BatchSize.Observe(2)
	DrainGauge.Set(1)
	TaskLatency.Observe(0.01)
	LockWait.Observe(0.001)
	AcquireFailures.Inc()
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if len(mfs) != 8 {
		t.Fatalf("expected 8 metric families, got %d", len(mfs))
	}
}

func TestRegisterQueueMetricsDuplicatePanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	RegisterQueueMetrics(reg)
	defer func() {
		if r := recover(); r == nil {
			t.Fatal("expected panic on duplicate registration")
		}
	}()
	RegisterQueueMetrics(reg)
}
