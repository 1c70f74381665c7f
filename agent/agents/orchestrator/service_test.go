package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/tanpawarit/advisor-council/agent/checkpoint"
	"github.com/tanpawarit/advisor-council/agent/consensus"
	contractx "github.com/tanpawarit/advisor-council/agent/contract"
	"github.com/tanpawarit/advisor-council/agent/memory"
	"github.com/tanpawarit/advisor-council/agent/round"
	statex "github.com/tanpawarit/advisor-council/agent/state"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type scriptFunc func(req contractx.InvokeRequest) (contractx.AdvisorOutput, error)

type fakeAdvisor struct {
	mu     sync.Mutex
	script scriptFunc
	calls  []contractx.InvokeRequest
	onCall func(req contractx.InvokeRequest)
	// hang makes the call wait for its context.
	hang func(req contractx.InvokeRequest) bool
}

func (f *fakeAdvisor) Invoke(ctx context.Context, req contractx.InvokeRequest) (statex.AgentTurn, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	onCall, hang := f.onCall, f.hang
	f.mu.Unlock()

	if onCall != nil {
		onCall(req)
	}
	if hang != nil && hang(req) {
		<-ctx.Done()
	}
	if err := ctx.Err(); err != nil {
		return statex.AgentTurn{}, err
	}
	out, err := f.script(req)
	if err != nil {
		return statex.AgentTurn{}, err
	}
	return statex.AgentTurn{
		AgentRole:      req.Role,
		RoundIndex:     req.RoundIndex,
		Content:        out.Content,
		Agreements:     out.Agreements,
		Concerns:       out.Concerns,
		Blockers:       out.Blockers,
		Challenges:     out.Challenges,
		Recommendation: out.Recommendation,
		ProducedAt:     time.Unix(0, 0).UTC(),
	}, nil
}

func (f *fakeAdvisor) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeAdvisor) maxRound() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	max := 0
	for _, c := range f.calls {
		if c.RoundIndex > max {
			max = c.RoundIndex
		}
	}
	return max
}

// recordingStore remembers every token handed out by Save.
type recordingStore struct {
	*checkpoint.Store
	mu     sync.Mutex
	tokens []string
}

func (r *recordingStore) Save(ctx context.Context, sess *statex.Session, lease contractx.Lease) (string, contractx.Lease, error) {
	token, next, err := r.Store.Save(ctx, sess, lease)
	if err == nil {
		r.mu.Lock()
		r.tokens = append(r.tokens, token)
		r.mu.Unlock()
	}
	return token, next, err
}

func (r *recordingStore) lastToken() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.tokens) == 0 {
		return ""
	}
	return r.tokens[len(r.tokens)-1]
}

type failingMemory struct{ storeErr error }

func (failingMemory) Retrieve(context.Context, string, string, int) ([]statex.MemoryRecord, error) {
	return nil, nil
}

func (f failingMemory) Store(context.Context, string, string) error { return f.storeErr }

type leakyMemory struct{}

func (leakyMemory) Retrieve(_ context.Context, userID, _ string, _ int) ([]statex.MemoryRecord, error) {
	return []statex.MemoryRecord{
		{UserID: userID, Text: "prefers cautious rollouts", RelevanceScore: 0.9},
		{UserID: "user-b", Text: "user b acquisition plans", RelevanceScore: 0.95},
	}, nil
}

func (leakyMemory) Store(context.Context, string, string) error { return nil }

type fakeScheduler struct {
	mu     sync.Mutex
	tokens []string
	err    error
}

func (f *fakeScheduler) ScheduleContinuation(_ context.Context, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokens = append(f.tokens, token)
	return f.err
}

type sessionCounter struct {
	mu       sync.Mutex
	statuses []string
}

func (s *sessionCounter) ObserveSession(status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses = append(s.statuses, status)
}

type harness struct {
	orch      *Orchestrator
	advisor   *fakeAdvisor
	store     *recordingStore
	clock     *fakeClock
	scheduler *fakeScheduler
	observer  *sessionCounter
}

func newHarness(t *testing.T, script scriptFunc, mem contractx.MemoryGateway, tweaks ...func(*Config)) *harness {
	t.Helper()

	clock := &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	advisor := &fakeAdvisor{script: script}
	exec, err := round.New(advisor, contractx.DefaultRoles, round.WithLogger(zerolog.Nop()))
	if err != nil {
		t.Fatalf("round.New() error = %v", err)
	}
	cs, err := checkpoint.NewStore(
		checkpoint.NewMemoryBackend().WithClock(clock.Now),
		checkpoint.WithClock(clock.Now),
		checkpoint.WithLogger(zerolog.Nop()),
	)
	if err != nil {
		t.Fatalf("checkpoint.NewStore() error = %v", err)
	}
	store := &recordingStore{Store: cs}
	if mem == nil {
		mem = memory.NewIsolated(memory.NewInMemoryGateway(), nil)
	}
	scheduler := &fakeScheduler{}
	observer := &sessionCounter{}

	cfg := Config{
		Roles:              contractx.DefaultRoles,
		SynthesisRole:      contractx.RoleFacilitator,
		MemoryLimit:        5,
		SafetyMargin:       20 * time.Second,
		CheckpointHeadroom: 5 * time.Second,
		MemoryStoreTimeout: time.Second,
	}
	for _, tweak := range tweaks {
		tweak(&cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Config.Validate() error = %v", err)
	}

	orch, err := New(exec, consensus.New(contractx.RoleFacilitator), store, mem, cfg,
		WithClock(clock.Now),
		WithScheduler(scheduler),
		WithObserver(observer),
		WithLogger(zerolog.Nop()),
		WithIDGenerator(func() string { return "session-1" }),
	)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return &harness{orch: orch, advisor: advisor, store: store, clock: clock, scheduler: scheduler, observer: observer}
}

func newRequest() contractx.Request {
	return contractx.Request{
		Situation: "Should we expand into the Japanese market next year?",
		Context:   "Q3 budget approved, two local partners shortlisted.",
		UserID:    "user-a",
	}
}

func intPtr(v int) *int { return &v }

// unanimous agrees from round 2 on.
func unanimous(req contractx.InvokeRequest) (contractx.AdvisorOutput, error) {
	out := contractx.AdvisorOutput{Content: req.Role + " view on round " + fmt.Sprint(req.RoundIndex)}
	if req.RoundIndex == 1 {
		out.Concerns = []string{req.Role + " needs partner due diligence"}
		return out, nil
	}
	out.Agreements = []string{"Enter Japan through a local partner"}
	if req.Role == contractx.RoleFacilitator {
		out.Recommendation = "Expand into Japan in Q3 with a local partner."
	}
	return out, nil
}

// deadlocked never clears the blocker.
func deadlocked(req contractx.InvokeRequest) (contractx.AdvisorOutput, error) {
	out := contractx.AdvisorOutput{
		Content:    req.Role + " still objects",
		Agreements: []string{"The market is attractive"},
	}
	if req.Role == contractx.RoleFeasibility {
		out.Blockers = []string{"No bilingual support team"}
	}
	if req.Role == contractx.RoleFacilitator {
		out.Recommendation = "Hire support staff before launching."
	}
	return out, nil
}

func TestDeliberateUnanimousConsensusInRoundTwo(t *testing.T) {
	t.Parallel()

	h := newHarness(t, unanimous, nil)
	resp, err := h.orch.Deliberate(context.Background(), newRequest(), contractx.Budget{})
	if err != nil {
		t.Fatalf("Deliberate() error = %v", err)
	}
	if resp.Status != statex.StatusConsensusReached {
		t.Fatalf("Status = %s, want consensus_reached", resp.Status)
	}
	if resp.RoundsCompleted != 2 {
		t.Fatalf("RoundsCompleted = %d, want 2", resp.RoundsCompleted)
	}
	if resp.AgreementRatio != 1 {
		t.Fatalf("AgreementRatio = %v, want 1", resp.AgreementRatio)
	}
	if !strings.HasPrefix(resp.FinalRecommendation, "Expand into Japan") {
		t.Fatalf("FinalRecommendation = %q", resp.FinalRecommendation)
	}
	if resp.ContinuationToken != "" {
		t.Fatal("terminal response must not carry a continuation token")
	}
	if len(resp.Blockers) != 0 || resp.Blockers == nil {
		t.Fatalf("Blockers = %#v, want empty non-nil", resp.Blockers)
	}
	if h.advisor.callCount() != 10 {
		t.Fatalf("advisor calls = %d, want 10", h.advisor.callCount())
	}
	if got := h.observer.statuses; len(got) != 1 || got[0] != string(statex.StatusConsensusReached) {
		t.Fatalf("observed statuses = %v", got)
	}
}

func TestDeliberateTimeoutMarksRoleAbsent(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(req contractx.InvokeRequest) (contractx.AdvisorOutput, error) {
		if req.RoundIndex == 1 && req.Role == contractx.RoleDesign {
			return contractx.AdvisorOutput{}, &contractx.TimeoutError{Role: req.Role, After: 45 * time.Second}
		}
		return unanimous(req)
	}, nil)

	resp, err := h.orch.Deliberate(context.Background(), newRequest(), contractx.Budget{})
	if err != nil {
		t.Fatalf("Deliberate() error = %v", err)
	}
	if resp.Status != statex.StatusConsensusReached {
		t.Fatalf("Status = %s, want consensus_reached", resp.Status)
	}
	if len(resp.AbsentRoles) != 1 {
		t.Fatalf("AbsentRoles = %#v, want one", resp.AbsentRoles)
	}
	absent := resp.AbsentRoles[0]
	if absent.Round != 1 || absent.Role != contractx.RoleDesign || absent.Reason != round.AbsentTimeout {
		t.Fatalf("AbsentRoles[0] = %#v", absent)
	}
}

func TestDeliberateMajorityFailureFailsSession(t *testing.T) {
	t.Parallel()

	failing := map[string]bool{
		contractx.RoleStrategy:    true,
		contractx.RoleFeasibility: true,
		contractx.RoleDesign:      true,
	}
	h := newHarness(t, func(req contractx.InvokeRequest) (contractx.AdvisorOutput, error) {
		if failing[req.Role] {
			return contractx.AdvisorOutput{}, &contractx.TransientProviderError{StatusCode: 503, Err: errors.New("upstream down")}
		}
		return unanimous(req)
	}, nil)

	resp, err := h.orch.Deliberate(context.Background(), newRequest(), contractx.Budget{})
	if err != nil {
		t.Fatalf("Deliberate() error = %v", err)
	}
	if resp.Status != statex.StatusFailed {
		t.Fatalf("Status = %s, want failed", resp.Status)
	}
	if resp.RoundsCompleted != 0 {
		t.Fatalf("RoundsCompleted = %d, want 0", resp.RoundsCompleted)
	}
	if resp.FailureReason == "" {
		t.Fatal("FailureReason must be set")
	}
}

func TestDeliberateExhaustsWithoutConsensus(t *testing.T) {
	t.Parallel()

	h := newHarness(t, deadlocked, nil)
	resp, err := h.orch.Deliberate(context.Background(), newRequest(), contractx.Budget{})
	if err != nil {
		t.Fatalf("Deliberate() error = %v", err)
	}
	if resp.Status != statex.StatusMaxRoundsExhausted {
		t.Fatalf("Status = %s, want max_rounds_exhausted", resp.Status)
	}
	if resp.RoundsCompleted != 3 {
		t.Fatalf("RoundsCompleted = %d, want 3", resp.RoundsCompleted)
	}
	if len(resp.Blockers) != 1 || resp.Blockers[0] != "No bilingual support team" {
		t.Fatalf("Blockers = %#v", resp.Blockers)
	}
	if resp.FinalRecommendation != "" {
		t.Fatalf("FinalRecommendation = %q, want empty", resp.FinalRecommendation)
	}
	if resp.PartialRecommendation == "" {
		t.Fatal("PartialRecommendation must be set")
	}
	if h.advisor.maxRound() != 3 {
		t.Fatalf("advisor saw round %d, want at most 3", h.advisor.maxRound())
	}
}

func TestDeliberateNeverExceedsMaxRounds(t *testing.T) {
	t.Parallel()

	for _, maxRounds := range []int{1, 2, 5} {
		h := newHarness(t, deadlocked, nil)
		req := newRequest()
		req.MaxRounds = intPtr(maxRounds)

		resp, err := h.orch.Deliberate(context.Background(), req, contractx.Budget{})
		if err != nil {
			t.Fatalf("maxRounds=%d: Deliberate() error = %v", maxRounds, err)
		}
		if resp.RoundsCompleted != maxRounds || h.advisor.maxRound() != maxRounds {
			t.Fatalf("maxRounds=%d: completed %d rounds, advisor saw round %d", maxRounds, resp.RoundsCompleted, h.advisor.maxRound())
		}
		if resp.Status != statex.StatusMaxRoundsExhausted {
			t.Fatalf("maxRounds=%d: Status = %s", maxRounds, resp.Status)
		}
	}
}

func TestDeliberateThresholdEqualityReachesConsensus(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(req contractx.InvokeRequest) (contractx.AdvisorOutput, error) {
		out, _ := unanimous(req)
		if req.RoundIndex == 2 && req.Role == contractx.RoleDesign {
			out.Agreements = nil
			out.Concerns = []string{"Localization effort is underestimated"}
		}
		return out, nil
	}, nil)
	req := newRequest()
	threshold := 0.8
	req.ConsensusThreshold = &threshold

	resp, err := h.orch.Deliberate(context.Background(), req, contractx.Budget{})
	if err != nil {
		t.Fatalf("Deliberate() error = %v", err)
	}
	if resp.Status != statex.StatusConsensusReached {
		t.Fatalf("Status = %s (ratio %v), want consensus_reached", resp.Status, resp.AgreementRatio)
	}
}

func budgetFor(h *harness, d time.Duration) contractx.Budget {
	return contractx.Budget{Deadline: h.clock.Now().Add(d)}
}

// slowFacilitator burns 15s of the invocation budget per round.
func slowFacilitator(h *harness) func(req contractx.InvokeRequest) {
	return func(req contractx.InvokeRequest) {
		if req.Role == contractx.RoleFacilitator {
			h.clock.Advance(15 * time.Second)
		}
	}
}

func TestDeliberateYieldsAndResumes(t *testing.T) {
	t.Parallel()

	h := newHarness(t, unanimous, nil)
	h.advisor.onCall = slowFacilitator(h)

	first, err := h.orch.Deliberate(context.Background(), newRequest(), budgetFor(h, 30*time.Second))
	if err != nil {
		t.Fatalf("Deliberate() error = %v", err)
	}
	if first.Status != statex.StatusAwaitingContinuation {
		t.Fatalf("Status = %s, want awaiting_continuation", first.Status)
	}
	if first.RoundsCompleted != 1 {
		t.Fatalf("RoundsCompleted = %d, want 1", first.RoundsCompleted)
	}
	if first.ContinuationToken == "" {
		t.Fatal("yielded response must carry a continuation token")
	}
	if len(h.scheduler.tokens) != 1 || h.scheduler.tokens[0] != first.ContinuationToken {
		t.Fatalf("scheduled tokens = %v", h.scheduler.tokens)
	}

	h.advisor.onCall = nil
	second, err := h.orch.Deliberate(context.Background(), contractx.Request{ContinuationToken: first.ContinuationToken}, budgetFor(h, 10*time.Minute))
	if err != nil {
		t.Fatalf("resume Deliberate() error = %v", err)
	}
	if second.Status != statex.StatusConsensusReached {
		t.Fatalf("Status = %s, want consensus_reached", second.Status)
	}
	if second.RoundsCompleted != 2 {
		t.Fatalf("RoundsCompleted = %d, want 2", second.RoundsCompleted)
	}
	if second.SessionID != first.SessionID {
		t.Fatalf("SessionID = %s, want %s", second.SessionID, first.SessionID)
	}

	rounds := map[int]int{}
	for _, c := range h.advisor.calls {
		rounds[c.RoundIndex]++
	}
	if rounds[1] != 5 || rounds[2] != 5 {
		t.Fatalf("calls per round = %v, round 1 must not be replayed", rounds)
	}
}

func TestDeliberateResumeMatchesUninterruptedRun(t *testing.T) {
	t.Parallel()

	straight := newHarness(t, deadlocked, nil)
	want, err := straight.orch.Deliberate(context.Background(), newRequest(), contractx.Budget{})
	if err != nil {
		t.Fatalf("Deliberate() error = %v", err)
	}

	h := newHarness(t, deadlocked, nil)
	h.advisor.onCall = slowFacilitator(h)
	resp, err := h.orch.Deliberate(context.Background(), newRequest(), budgetFor(h, 30*time.Second))
	if err != nil {
		t.Fatalf("Deliberate() error = %v", err)
	}
	for resp.Status == statex.StatusAwaitingContinuation {
		resp, err = h.orch.Deliberate(context.Background(), contractx.Request{ContinuationToken: resp.ContinuationToken}, budgetFor(h, 30*time.Second))
		if err != nil {
			t.Fatalf("resume Deliberate() error = %v", err)
		}
	}

	if resp.Status != want.Status || resp.RoundsCompleted != want.RoundsCompleted {
		t.Fatalf("resumed = %s/%d, uninterrupted = %s/%d", resp.Status, resp.RoundsCompleted, want.Status, want.RoundsCompleted)
	}
	if resp.PartialRecommendation != want.PartialRecommendation || resp.AgreementRatio != want.AgreementRatio {
		t.Fatalf("resumed outcome differs: %#v vs %#v", resp, want)
	}
	if strings.Join(resp.Blockers, "|") != strings.Join(want.Blockers, "|") {
		t.Fatalf("Blockers = %v, want %v", resp.Blockers, want.Blockers)
	}
}

func TestDeliberateReplaysTerminalSession(t *testing.T) {
	t.Parallel()

	h := newHarness(t, unanimous, nil)
	h.advisor.onCall = slowFacilitator(h)
	first, err := h.orch.Deliberate(context.Background(), newRequest(), budgetFor(h, 30*time.Second))
	if err != nil {
		t.Fatalf("Deliberate() error = %v", err)
	}
	if first.Status != statex.StatusAwaitingContinuation {
		t.Fatalf("Status = %s, want awaiting_continuation", first.Status)
	}
	h.advisor.onCall = nil

	done, err := h.orch.Deliberate(context.Background(), contractx.Request{ContinuationToken: first.ContinuationToken}, contractx.Budget{})
	if err != nil {
		t.Fatalf("resume Deliberate() error = %v", err)
	}
	if done.Status != statex.StatusConsensusReached {
		t.Fatalf("Status = %s, want consensus_reached", done.Status)
	}
	calls := h.advisor.callCount()

	// A redelivered continuation gets the stored result, however often.
	for i := 0; i < 2; i++ {
		replay, err := h.orch.Deliberate(context.Background(), contractx.Request{ContinuationToken: first.ContinuationToken}, contractx.Budget{})
		if err != nil {
			t.Fatalf("replay %d: Deliberate() error = %v", i, err)
		}
		if replay.Status != done.Status || replay.FinalRecommendation != done.FinalRecommendation || replay.RoundsCompleted != done.RoundsCompleted {
			t.Fatalf("replay %d = %#v, want %#v", i, replay, done)
		}
		if replay.ContinuationToken != "" {
			t.Fatalf("replay %d carries token %q", i, replay.ContinuationToken)
		}
	}
	if h.advisor.callCount() != calls {
		t.Fatalf("replay invoked advisors: %d calls, want %d", h.advisor.callCount(), calls)
	}
}

func TestDeliberateCheckpointErrors(t *testing.T) {
	t.Parallel()

	h := newHarness(t, deadlocked, nil)
	h.advisor.onCall = slowFacilitator(h)
	yielded, err := h.orch.Deliberate(context.Background(), newRequest(), budgetFor(h, 30*time.Second))
	if err != nil {
		t.Fatalf("Deliberate() error = %v", err)
	}
	if yielded.Status != statex.StatusAwaitingContinuation {
		t.Fatalf("Status = %s, want awaiting_continuation", yielded.Status)
	}

	if _, err := h.orch.Deliberate(context.Background(), contractx.Request{ContinuationToken: "bogus"}, contractx.Budget{}); !errors.Is(err, contractx.ErrCheckpointNotFound) {
		t.Fatalf("unknown token error = %v, want ErrCheckpointNotFound", err)
	}

	// Someone else holds the claim.
	_, lease, err := h.store.Load(context.Background(), yielded.ContinuationToken)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if _, err := h.orch.Deliberate(context.Background(), contractx.Request{ContinuationToken: yielded.ContinuationToken}, contractx.Budget{}); !errors.Is(err, contractx.ErrCheckpointConflict) {
		t.Fatalf("claimed token error = %v, want ErrCheckpointConflict", err)
	}
	if err := h.store.Release(context.Background(), lease); err != nil {
		t.Fatalf("Release() error = %v", err)
	}

	// Round 2 runs, round 3 yields again.
	again, err := h.orch.Deliberate(context.Background(), contractx.Request{ContinuationToken: yielded.ContinuationToken}, budgetFor(h, 30*time.Second))
	if err != nil {
		t.Fatalf("resume Deliberate() error = %v", err)
	}
	if again.Status != statex.StatusAwaitingContinuation || again.RoundsCompleted != 2 {
		t.Fatalf("resume = %s/%d, want awaiting_continuation after 2 rounds", again.Status, again.RoundsCompleted)
	}

	// The first token now points at a superseded, unfinished checkpoint.
	if _, err := h.orch.Deliberate(context.Background(), contractx.Request{ContinuationToken: yielded.ContinuationToken}, contractx.Budget{}); !errors.Is(err, contractx.ErrCheckpointConflict) {
		t.Fatalf("superseded token error = %v, want ErrCheckpointConflict", err)
	}

	h.advisor.onCall = nil
	done, err := h.orch.Deliberate(context.Background(), contractx.Request{ContinuationToken: again.ContinuationToken}, contractx.Budget{})
	if err != nil {
		t.Fatalf("final resume Deliberate() error = %v", err)
	}
	if done.Status != statex.StatusMaxRoundsExhausted {
		t.Fatalf("Status = %s, want max_rounds_exhausted", done.Status)
	}

	// Once finished, every earlier token replays the result.
	replay, err := h.orch.Deliberate(context.Background(), contractx.Request{ContinuationToken: yielded.ContinuationToken}, contractx.Budget{})
	if err != nil {
		t.Fatalf("replay Deliberate() error = %v", err)
	}
	if replay.Status != done.Status || replay.RoundsCompleted != 3 {
		t.Fatalf("replay = %s/%d, want %s/3", replay.Status, replay.RoundsCompleted, done.Status)
	}
}

func TestDeliberateDiscardsRoundThatOverrunsBudget(t *testing.T) {
	t.Parallel()

	h := newHarness(t, unanimous, nil, func(c *Config) {
		c.SafetyMargin = 200 * time.Millisecond
		c.CheckpointHeadroom = 50 * time.Millisecond
	})
	h.advisor.hang = func(req contractx.InvokeRequest) bool {
		return req.RoundIndex == 2 && req.Role == contractx.RoleFacilitator
	}

	resp, err := h.orch.Deliberate(context.Background(), newRequest(), budgetFor(h, 400*time.Millisecond))
	if err != nil {
		t.Fatalf("Deliberate() error = %v", err)
	}
	if resp.Status != statex.StatusAwaitingContinuation {
		t.Fatalf("Status = %s, want awaiting_continuation", resp.Status)
	}
	if resp.RoundsCompleted != 1 || resp.ContinuationToken == "" {
		t.Fatalf("resp = %#v, want round 2 discarded with a token", resp)
	}
	if len(h.scheduler.tokens) != 1 || h.scheduler.tokens[0] != resp.ContinuationToken {
		t.Fatalf("scheduled tokens = %v", h.scheduler.tokens)
	}

	h.advisor.mu.Lock()
	h.advisor.hang = nil
	h.advisor.mu.Unlock()
	done, err := h.orch.Deliberate(context.Background(), contractx.Request{ContinuationToken: resp.ContinuationToken}, contractx.Budget{})
	if err != nil {
		t.Fatalf("resume Deliberate() error = %v", err)
	}
	if done.Status != statex.StatusConsensusReached || done.RoundsCompleted != 2 {
		t.Fatalf("resume = %s/%d, want consensus_reached after 2 rounds", done.Status, done.RoundsCompleted)
	}
	for _, a := range done.AbsentRoles {
		if a.Round == 2 {
			t.Fatalf("discarded round leaked absences: %#v", done.AbsentRoles)
		}
	}
}

func TestDeliberateMemoryIsolationAndStore(t *testing.T) {
	t.Parallel()

	inner := memory.NewInMemoryGateway()
	if err := inner.Store(context.Background(), "user-b", "user b wants to expand into Japan aggressively"); err != nil {
		t.Fatalf("seed Store() error = %v", err)
	}
	if err := inner.Store(context.Background(), "user-a", "user a expanded into Korea last year"); err != nil {
		t.Fatalf("seed Store() error = %v", err)
	}
	mem := memory.NewIsolated(inner, nil)

	h := newHarness(t, unanimous, mem)
	resp, err := h.orch.Deliberate(context.Background(), newRequest(), contractx.Budget{})
	if err != nil {
		t.Fatalf("Deliberate() error = %v", err)
	}

	for _, c := range h.advisor.calls {
		for _, m := range c.Memories {
			if m.UserID != "user-a" {
				t.Fatalf("advisor %s saw memory of %s", c.Role, m.UserID)
			}
		}
	}
	if len(h.advisor.calls[0].Memories) != 1 {
		t.Fatalf("Memories = %#v, want user-a's record", h.advisor.calls[0].Memories)
	}

	stored, err := inner.Retrieve(context.Background(), "user-a", "Japan council recommendation", 10)
	if err != nil {
		t.Fatalf("Retrieve() error = %v", err)
	}
	if len(stored) != 2 {
		t.Fatalf("user-a records = %d, want 2 after the decision summary", len(stored))
	}
	if len(resp.Warnings) != 0 {
		t.Fatalf("Warnings = %v, want none", resp.Warnings)
	}
}

func TestDeliberateDropsForeignMemories(t *testing.T) {
	t.Parallel()

	h := newHarness(t, unanimous, memory.NewIsolated(leakyMemory{}, nil))
	resp, err := h.orch.Deliberate(context.Background(), newRequest(), contractx.Budget{})
	if err != nil {
		t.Fatalf("Deliberate() error = %v", err)
	}
	for _, c := range h.advisor.calls {
		for _, m := range c.Memories {
			if m.UserID != "user-a" {
				t.Fatalf("advisor %s saw memory of %s", c.Role, m.UserID)
			}
		}
	}
	if len(resp.Warnings) != 1 || !strings.Contains(resp.Warnings[0], "memory retrieval") {
		t.Fatalf("Warnings = %v, want a memory retrieval warning", resp.Warnings)
	}
}

func TestDeliberateMemoryStoreFailureIsWarning(t *testing.T) {
	t.Parallel()

	mem := memory.NewIsolated(failingMemory{storeErr: errors.New("zep unavailable")}, nil)
	h := newHarness(t, unanimous, mem)
	resp, err := h.orch.Deliberate(context.Background(), newRequest(), contractx.Budget{})
	if err != nil {
		t.Fatalf("Deliberate() error = %v", err)
	}
	if resp.Status != statex.StatusConsensusReached {
		t.Fatalf("Status = %s, want consensus_reached", resp.Status)
	}
	if len(resp.Warnings) != 1 || !strings.Contains(resp.Warnings[0], "memory store failed") {
		t.Fatalf("Warnings = %v", resp.Warnings)
	}
}

func TestDeliberateSchedulerFailureIsWarning(t *testing.T) {
	t.Parallel()

	h := newHarness(t, unanimous, nil)
	h.scheduler.err = errors.New("qstash down")
	h.advisor.onCall = slowFacilitator(h)

	resp, err := h.orch.Deliberate(context.Background(), newRequest(), budgetFor(h, 30*time.Second))
	if err != nil {
		t.Fatalf("Deliberate() error = %v", err)
	}
	if resp.Status != statex.StatusAwaitingContinuation || resp.ContinuationToken == "" {
		t.Fatalf("resp = %#v, want a yielded session with token", resp)
	}
	if len(resp.Warnings) != 1 || !strings.Contains(resp.Warnings[0], "continuation scheduling failed") {
		t.Fatalf("Warnings = %v", resp.Warnings)
	}
}

func TestDeliberateCancellationDiscardsRound(t *testing.T) {
	t.Parallel()

	h := newHarness(t, unanimous, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.advisor.onCall = func(req contractx.InvokeRequest) {
		if req.RoundIndex == 2 {
			cancel()
		}
	}

	_, err := h.orch.Deliberate(ctx, newRequest(), contractx.Budget{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Deliberate() error = %v, want context.Canceled", err)
	}

	sess, _, err := h.store.Load(context.Background(), h.store.lastToken())
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if sess.RoundIndex != 1 {
		t.Fatalf("checkpointed RoundIndex = %d, want 1", sess.RoundIndex)
	}
}

func TestDeliberateValidation(t *testing.T) {
	t.Parallel()

	h := newHarness(t, unanimous, nil)
	badThreshold := 1.5

	cases := map[string]contractx.Request{
		"missing situation": {UserID: "user-a"},
		"missing user":      {Situation: "q"},
		"max rounds high":   {Situation: "q", UserID: "user-a", MaxRounds: intPtr(6)},
		"max rounds zero":   {Situation: "q", UserID: "user-a", MaxRounds: intPtr(0)},
		"bad threshold":     {Situation: "q", UserID: "user-a", ConsensusThreshold: &badThreshold},
	}
	for name, req := range cases {
		if _, err := h.orch.Deliberate(context.Background(), req, contractx.Budget{}); !errors.Is(err, contractx.ErrValidation) {
			t.Fatalf("%s: error = %v, want ErrValidation", name, err)
		}
	}
	if h.advisor.callCount() != 0 {
		t.Fatal("invalid requests must not reach advisors")
	}
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	ok := Config{Roles: contractx.DefaultRoles, SynthesisRole: contractx.RoleFacilitator, MaxRounds: 3, ConsensusThreshold: 0.7}
	if err := ok.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	bad := ok
	bad.SynthesisRole = "oracle"
	if err := bad.Validate(); !errors.Is(err, contractx.ErrValidation) {
		t.Fatalf("Validate() error = %v, want ErrValidation", err)
	}

	tight := ok
	tight.SafetyMargin = 5 * time.Second
	tight.CheckpointHeadroom = 5 * time.Second
	if err := tight.Validate(); !errors.Is(err, contractx.ErrValidation) {
		t.Fatalf("Validate() with margin <= headroom error = %v, want ErrValidation", err)
	}
}
