package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestInit(t *testing.T) {
	// Call Init multiple times to test idempotency.
	Init()
	Init()

	if schedulerJobsGeneratedTotal == nil || queueOperationsTotal == nil {
		t.Fatal("Init() did not initialize metrics collectors")
	}

	ObserveGenerated()
	if val := testutil.ToFloat64(schedulerJobsGeneratedTotal); val < 1 {
		t.Errorf("expected schedulerJobsGeneratedTotal >= 1, got %f", val)
	}

	ObserveQueueOperation(OpPush, true, 10*time.Millisecond)
	ObserveQueueOperation(OpPush, false, 10*time.Millisecond)
	if val := testutil.ToFloat64(queueOperationsTotal.WithLabelValues("push", "failure")); val != 1 {
		t.Errorf("expected one failed push observation, got %f", val)
	}

	SetActiveJobs(7)
	if val := testutil.ToFloat64(schedulerActiveJobs); val != 7 {
		t.Errorf("expected active jobs gauge 7, got %f", val)
	}
}
