package observability

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

type fakePendingSource struct{ n int }

func (f fakePendingSource) PendingCount() int { return f.n }

type fakeBacklogSource struct{ n int }

func (f fakeBacklogSource) Backlog() int { return f.n }

func TestSampleGauges_SamplesImmediatelyAndOnInterval(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetricsWith(reg)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	SampleGauges(ctx, metrics, "agent-1", fakePendingSource{n: 2}, fakeBacklogSource{n: 7}, 10*time.Millisecond)

	if got := testutil.ToFloat64(metrics.PendingApprovals.WithLabelValues("agent-1")); got != 2 {
		t.Fatalf("expected pending approvals gauge 2, got %v", got)
	}
	if got := testutil.ToFloat64(metrics.EventBusBacklog.WithLabelValues("agent-1")); got != 7 {
		t.Fatalf("expected backlog gauge 7, got %v", got)
	}
}

func TestSampleGauges_NilMetricsReturnsImmediately(t *testing.T) {
	SampleGauges(context.Background(), nil, "agent-1", fakePendingSource{n: 1}, fakeBacklogSource{n: 1}, time.Millisecond)
}
