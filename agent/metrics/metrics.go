package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "advisor_council"

// Recorder exposes deliberation metrics. A nil *Recorder is valid and records nothing.
type Recorder struct {
	advisorCalls    *prometheus.CounterVec
	advisorDuration *prometheus.HistogramVec
	rounds          *prometheus.CounterVec
	sessions        *prometheus.CounterVec
	checkpoints     *prometheus.CounterVec
	memoryOps       *prometheus.CounterVec
}

// New registers all collectors with reg.
func New(reg prometheus.Registerer) (*Recorder, error) {
	r := &Recorder{
		advisorCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "advisor_invocations_total",
			Help:      "Advisor invocations by role and outcome.",
		}, []string{"role", "outcome"}),
		advisorDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "advisor_invocation_seconds",
			Help:      "Advisor invocation latency including the retry.",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 20, 30, 45, 60},
		}, []string{"role"}),
		rounds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rounds_total",
			Help:      "Executed rounds by kind and outcome.",
		}, []string{"kind", "outcome"}),
		sessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invocations_total",
			Help:      "Orchestrator invocations by resulting session status.",
		}, []string{"status"}),
		checkpoints: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkpoint_operations_total",
			Help:      "Checkpoint store operations by op and outcome.",
		}, []string{"op", "outcome"}),
		memoryOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "memory_operations_total",
			Help:      "Memory gateway operations by op and outcome.",
		}, []string{"op", "outcome"}),
	}

	for _, c := range []prometheus.Collector{r.advisorCalls, r.advisorDuration, r.rounds, r.sessions, r.checkpoints, r.memoryOps} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func MustNew(reg prometheus.Registerer) *Recorder {
	r, err := New(reg)
	if err != nil {
		panic(err)
	}
	return r
}

func (r *Recorder) ObserveAdvisorCall(role, outcome string, took time.Duration) {
	if r == nil {
		return
	}
	r.advisorCalls.WithLabelValues(role, outcome).Inc()
	r.advisorDuration.WithLabelValues(role).Observe(took.Seconds())
}

func (r *Recorder) ObserveRound(kind, outcome string) {
	if r == nil {
		return
	}
	r.rounds.WithLabelValues(kind, outcome).Inc()
}

func (r *Recorder) ObserveSession(status string) {
	if r == nil {
		return
	}
	r.sessions.WithLabelValues(status).Inc()
}

func (r *Recorder) ObserveCheckpoint(op, outcome string) {
	if r == nil {
		return
	}
	r.checkpoints.WithLabelValues(op, outcome).Inc()
}

func (r *Recorder) ObserveMemory(op, outcome string) {
	if r == nil {
		return
	}
	r.memoryOps.WithLabelValues(op, outcome).Inc()
}

// Outcome maps an error to a low-cardinality label.
func Outcome(err error) string {
	if err == nil {
		return "ok"
	}
	return "error"
}
