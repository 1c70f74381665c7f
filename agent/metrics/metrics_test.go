package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecorderCounts(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	r, err := New(reg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	r.ObserveAdvisorCall("facilitator", "ok", time.Second)
	r.ObserveAdvisorCall("facilitator", "ok", 2*time.Second)
	r.ObserveRound("initial", "completed")
	r.ObserveSession("consensus_reached")
	r.ObserveCheckpoint("save", Outcome(nil))
	r.ObserveCheckpoint("load", Outcome(errors.New("down")))
	r.ObserveMemory("retrieve", "ok")

	if got := testutil.ToFloat64(r.advisorCalls.WithLabelValues("facilitator", "ok")); got != 2 {
		t.Fatalf("advisor calls = %v, want 2", got)
	}
	if got := testutil.ToFloat64(r.checkpoints.WithLabelValues("load", "error")); got != 1 {
		t.Fatalf("checkpoint load errors = %v, want 1", got)
	}
	if got := testutil.ToFloat64(r.sessions.WithLabelValues("consensus_reached")); got != 1 {
		t.Fatalf("sessions = %v, want 1", got)
	}
}

func TestNilRecorderIsSafe(t *testing.T) {
	t.Parallel()

	var r *Recorder
	r.ObserveAdvisorCall("x", "ok", time.Second)
	r.ObserveRound("initial", "ok")
	r.ObserveSession("failed")
	r.ObserveCheckpoint("save", "ok")
	r.ObserveMemory("store", "ok")
}

func TestNewRejectsDuplicateRegistration(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	if _, err := New(reg); err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if _, err := New(reg); err == nil {
		t.Fatal("second New() error = nil, want duplicate registration error")
	}
}
