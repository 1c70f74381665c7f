package orchestratornode

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	contractx "github.com/tanpawarit/advisor-council/agent/contract"
	statex "github.com/tanpawarit/advisor-council/agent/state"
)

var defaults = Defaults{MaxRounds: contractx.DefaultMaxRounds, ConsensusThreshold: contractx.DefaultConsensusThreshold}

func TestValidateRequestAppliesDefaults(t *testing.T) {
	t.Parallel()

	st, err := ValidateRequest(GraphInput{Request: contractx.Request{Situation: "  Expand?  ", UserID: " user-a "}}, defaults)
	if err != nil {
		t.Fatalf("ValidateRequest() error = %v", err)
	}
	if st.Req.Situation != "Expand?" || st.Req.UserID != "user-a" {
		t.Fatalf("request not trimmed: %#v", st.Req)
	}
	if *st.Req.MaxRounds != 3 || *st.Req.ConsensusThreshold != 0.7 {
		t.Fatalf("defaults = %d/%v", *st.Req.MaxRounds, *st.Req.ConsensusThreshold)
	}
}

func TestValidateRequestTokenSkipsFields(t *testing.T) {
	t.Parallel()

	st, err := ValidateRequest(GraphInput{Request: contractx.Request{ContinuationToken: " tok "}}, defaults)
	if err != nil {
		t.Fatalf("ValidateRequest() error = %v", err)
	}
	if st.Req.ContinuationToken != "tok" {
		t.Fatalf("ContinuationToken = %q", st.Req.ContinuationToken)
	}
}

func TestValidateRequestBounds(t *testing.T) {
	t.Parallel()

	one, six := 1, 6
	zero, over := 0.0, 1.01
	ok := []contractx.Request{
		{Situation: "q", UserID: "u", MaxRounds: &one},
		{Situation: "q", UserID: "u", ConsensusThreshold: &zero},
	}
	for _, req := range ok {
		if _, err := ValidateRequest(GraphInput{Request: req}, defaults); err != nil {
			t.Fatalf("ValidateRequest(%#v) error = %v", req, err)
		}
	}
	bad := []contractx.Request{
		{Situation: "q", UserID: "u", MaxRounds: &six},
		{Situation: "q", UserID: "u", ConsensusThreshold: &over},
		{Situation: " ", UserID: "u"},
	}
	for _, req := range bad {
		if _, err := ValidateRequest(GraphInput{Request: req}, defaults); !errors.Is(err, contractx.ErrValidation) {
			t.Fatalf("ValidateRequest(%#v) error = %v, want ErrValidation", req, err)
		}
	}
}

type stubMemory struct {
	stored []string
}

func (s *stubMemory) Retrieve(context.Context, string, string, int) ([]statex.MemoryRecord, error) {
	return nil, nil
}

func (s *stubMemory) Store(_ context.Context, _ string, summary string) error {
	s.stored = append(s.stored, summary)
	return nil
}

func concluded(t *testing.T, status statex.Status) *statex.Session {
	t.Helper()
	now := time.Now()
	sess := statex.NewSession("s-1", "user-a", "Expand into Japan?", "", 3, 0.7, now)
	if err := sess.Start(now); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	outcome := &statex.Outcome{FinalRecommendation: "Go with a partner.", Concerns: []string{"Hiring"}}
	if status == statex.StatusMaxRoundsExhausted {
		outcome = &statex.Outcome{PartialRecommendation: "Wait a quarter.", Blockers: []string{"No budget"}}
	}
	if err := sess.Conclude(status, outcome, now); err != nil {
		t.Fatalf("Conclude() error = %v", err)
	}
	return sess
}

func TestWriteMemoryStoresOnce(t *testing.T) {
	t.Parallel()

	mem := &stubMemory{}
	st := &GraphState{Session: concluded(t, statex.StatusConsensusReached)}
	for i := 0; i < 2; i++ {
		if _, err := WriteMemory(context.Background(), st, mem, time.Second, zerolog.Nop()); err != nil {
			t.Fatalf("WriteMemory() error = %v", err)
		}
	}
	if len(mem.stored) != 1 {
		t.Fatalf("stored %d summaries, want 1", len(mem.stored))
	}
	if !strings.Contains(mem.stored[0], "Recommendation: Go with a partner.") {
		t.Fatalf("summary = %q", mem.stored[0])
	}
}

func TestWriteMemorySkipsFailedSessions(t *testing.T) {
	t.Parallel()

	now := time.Now()
	sess := statex.NewSession("s-1", "user-a", "q", "", 3, 0.7, now)
	_ = sess.Start(now)
	_ = sess.Fail("round failed", now)

	mem := &stubMemory{}
	if _, err := WriteMemory(context.Background(), &GraphState{Session: sess}, mem, time.Second, zerolog.Nop()); err != nil {
		t.Fatalf("WriteMemory() error = %v", err)
	}
	if len(mem.stored) != 0 {
		t.Fatal("failed sessions must not be stored")
	}
}

func TestSummarizeExhausted(t *testing.T) {
	t.Parallel()

	got := Summarize(concluded(t, statex.StatusMaxRoundsExhausted))
	for _, want := range []string{"max_rounds_exhausted", "Partial recommendation: Wait a quarter.", "Unresolved blockers: No budget"} {
		if !strings.Contains(got, want) {
			t.Fatalf("Summarize() = %q, missing %q", got, want)
		}
	}
}

func TestRoundContextStopsShortOfDeadline(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	ctx, cancel := roundContext(context.Background(), contractx.Budget{Deadline: now.Add(time.Minute)}, now, 10*time.Second)
	defer cancel()
	deadline, ok := ctx.Deadline()
	if !ok {
		t.Fatal("round context must carry a deadline")
	}
	if left := time.Until(deadline); left > 50*time.Second || left < 40*time.Second {
		t.Fatalf("round deadline in %s, want about 50s", left)
	}

	unbounded, cancel2 := roundContext(context.Background(), contractx.Budget{}, now, 10*time.Second)
	defer cancel2()
	if _, ok := unbounded.Deadline(); ok {
		t.Fatal("no budget deadline must leave the round unbounded")
	}
}
