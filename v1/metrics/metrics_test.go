package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRegisterLockMetrics(t *testing.T) {
	reg := NewRegistry()
	RegisterLockMetrics(reg)

	before := testutil.ToFloat64(AcquireCounter.WithLabelValues(ResultSuccess))
	AcquireCounter.WithLabelValues(ResultSuccess).Inc()
	if got := testutil.ToFloat64(AcquireCounter.WithLabelValues(ResultSuccess)); got != before+1 {
		t.Fatalf("expected %v, got %v", before+1, got)
	}

	LatencyHist.WithLabelValues("lock").Observe(0.01)
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	names := make(map[string]bool)
	for _, mf := range mfs {
		names[mf.GetName()] = true
	}
	for _, n := range []string{"redlock_acquire_total", "redlock_op_latency_seconds"} {
		if !names[n] {
			t.Fatalf("metric %s not registered", n)
		}
	}
}
