package state

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Session is the persistent source-of-truth for one deliberation.
// - Rounds are append-only; Rounds[i].Index == i+1
// - Terminal statuses freeze the session
type Session struct {
	// Identity
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`

	// Question under deliberation
	Situation string `json:"situation"`
	Context   string `json:"context,omitempty"`

	// Immutable limits
	MaxRounds          int     `json:"max_rounds"`
	ConsensusThreshold float64 `json:"consensus_threshold"`

	RoundIndex int     `json:"round_index"`
	Status     Status  `json:"status"`
	Rounds     []Round `json:"rounds,omitempty"` // turnsByRound

	Memories  []MemoryRecord `json:"memories,omitempty"`
	OpenItems []string       `json:"open_items,omitempty"`
	Outcome   *Outcome       `json:"outcome,omitempty"`
	Warnings  []string       `json:"warnings,omitempty"`

	FailureReason string `json:"failure_reason,omitempty"`
	MemoryStored  bool   `json:"memory_stored,omitempty"`

	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

type Status string

const (
	StatusPending              Status = "pending"
	StatusInProgress           Status = "in_progress"
	StatusAwaitingContinuation Status = "awaiting_continuation"
	StatusConsensusReached     Status = "consensus_reached"
	StatusMaxRoundsExhausted   Status = "max_rounds_exhausted"
	StatusFailed               Status = "failed"
)

// IsTerminal reports whether no further mutation is allowed.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusConsensusReached, StatusMaxRoundsExhausted, StatusFailed:
		return true
	default:
		return false
	}
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusAwaitingContinuation,
		StatusConsensusReached, StatusMaxRoundsExhausted, StatusFailed:
		return true
	default:
		return false
	}
}

type RoundKind string

const (
	RoundInitial   RoundKind = "initial"   // independent perspectives
	RoundChallenge RoundKind = "challenge" // challenge/refine
	RoundConsensus RoundKind = "consensus" // per-item agreement
)

// KindForRound maps a 1-based round index to its kind.
func KindForRound(index int) RoundKind {
	switch {
	case index <= 1:
		return RoundInitial
	case index == 2:
		return RoundChallenge
	default:
		return RoundConsensus
	}
}

type Round struct {
	Index  int          `json:"index"`
	Kind   RoundKind    `json:"kind"`
	Turns  []AgentTurn  `json:"turns"`
	Absent []AbsentRole `json:"absent,omitempty"`
}

// AbsentRole records an advisor that produced no turn in a round.
type AbsentRole struct {
	Role   string `json:"role"`
	Reason string `json:"reason"`
}

type AgentTurn struct {
	AgentRole      string      `json:"agent_role"`
	RoundIndex     int         `json:"round_index"`
	Content        string      `json:"content"`
	Agreements     []string    `json:"agreements,omitempty"`
	Concerns       []string    `json:"concerns,omitempty"`
	Blockers       []string    `json:"blockers,omitempty"`
	Challenges     []Challenge `json:"challenges,omitempty"`
	Recommendation string      `json:"recommendation,omitempty"`
	ProducedAt     time.Time   `json:"produced_at"`
}

// Challenge disputes another advisor's turn.
type Challenge struct {
	TargetRole  string `json:"target_role"`
	TargetRound int    `json:"target_round"`
	Rationale   string `json:"rationale"`
}

// MemoryRecord is a prior fact owned by the external memory service.
type MemoryRecord struct {
	UserID         string    `json:"user_id"`
	Text           string    `json:"text"`
	RelevanceScore float64   `json:"relevance_score"`
	CreatedAt      time.Time `json:"created_at"`
}

// Outcome is the evaluator's verdict on the latest evaluated round.
type Outcome struct {
	Agreements            []string `json:"agreements,omitempty"`
	Concerns              []string `json:"concerns,omitempty"`
	Blockers              []string `json:"blockers,omitempty"`
	AgreementRatio        float64  `json:"agreement_ratio"`
	FinalRecommendation   string   `json:"final_recommendation,omitempty"`
	PartialRecommendation string   `json:"partial_recommendation,omitempty"`
}

/* -------------------------- Session helpers ------------------------- */

var (
	ErrNilSession        = errors.New("session is nil")
	ErrTerminalSession   = errors.New("session is terminal")
	ErrInvalidTransition = errors.New("invalid session transition")
	ErrInvalidRound      = errors.New("invalid round")
	ErrDuplicateTurn     = errors.New("duplicate turn for role in round")
)

const (
	MinRounds = 1
	MaxRounds = 5
)

func NewSession(sessionID, userID, situation, context string, maxRounds int, threshold float64, now time.Time) *Session {
	return &Session{
		SessionID:          sessionID,
		UserID:             userID,
		Situation:          situation,
		Context:            context,
		MaxRounds:          maxRounds,
		ConsensusThreshold: threshold,
		Status:             StatusPending,
		UpdatedAt:          now.UTC(),
	}
}

func (s *Session) Touch(now time.Time) {
	s.UpdatedAt = now.UTC()
}

func (s *Session) IsTerminal() bool {
	return s != nil && s.Status.IsTerminal()
}

// Start moves a pending session into progress, or resumes a suspended one.
func (s *Session) Start(now time.Time) error {
	if s == nil {
		return ErrNilSession
	}
	switch s.Status {
	case StatusPending:
		started := now.UTC()
		s.StartedAt = &started
	case StatusAwaitingContinuation:
	default:
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.Status, StatusInProgress)
	}
	s.Status = StatusInProgress
	s.Touch(now)
	return nil
}

// Suspend yields the session until a continuation invocation picks it up.
func (s *Session) Suspend(now time.Time) error {
	if s == nil {
		return ErrNilSession
	}
	if s.Status != StatusInProgress {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.Status, StatusAwaitingContinuation)
	}
	s.Status = StatusAwaitingContinuation
	s.Touch(now)
	return nil
}

// AppendRound appends the next round. Only in_progress sessions accept rounds.
func (s *Session) AppendRound(r Round, now time.Time) error {
	if s == nil {
		return ErrNilSession
	}
	if s.Status.IsTerminal() {
		return fmt.Errorf("%w: %s", ErrTerminalSession, s.Status)
	}
	if s.Status != StatusInProgress {
		return fmt.Errorf("%w: cannot append round while %s", ErrInvalidTransition, s.Status)
	}
	if r.Index != s.RoundIndex+1 {
		return fmt.Errorf("%w: got index %d, want %d", ErrInvalidRound, r.Index, s.RoundIndex+1)
	}
	if r.Index > s.MaxRounds {
		return fmt.Errorf("%w: index %d exceeds max rounds %d", ErrInvalidRound, r.Index, s.MaxRounds)
	}

	seen := make(map[string]struct{}, len(r.Turns))
	for _, t := range r.Turns {
		if t.RoundIndex != r.Index {
			return fmt.Errorf("%w: turn for %s carries round %d", ErrInvalidRound, t.AgentRole, t.RoundIndex)
		}
		if _, dup := seen[t.AgentRole]; dup {
			return fmt.Errorf("%w: %s", ErrDuplicateTurn, t.AgentRole)
		}
		seen[t.AgentRole] = struct{}{}
	}
	if r.Kind == "" {
		r.Kind = KindForRound(r.Index)
	}

	s.Rounds = append(s.Rounds, r)
	s.RoundIndex = r.Index
	s.Touch(now)
	return nil
}

// Conclude moves the session to a terminal status. One-way.
func (s *Session) Conclude(status Status, outcome *Outcome, now time.Time) error {
	if s == nil {
		return ErrNilSession
	}
	if s.Status.IsTerminal() {
		return fmt.Errorf("%w: %s", ErrTerminalSession, s.Status)
	}
	if !status.IsTerminal() {
		return fmt.Errorf("%w: %s is not terminal", ErrInvalidTransition, status)
	}
	if status == StatusConsensusReached && (outcome == nil || strings.TrimSpace(outcome.FinalRecommendation) == "") {
		return fmt.Errorf("%w: consensus requires a final recommendation", ErrInvalidTransition)
	}
	if outcome != nil {
		s.Outcome = outcome
	}
	s.Status = status
	s.OpenItems = nil
	completed := now.UTC()
	s.CompletedAt = &completed
	s.Touch(now)
	return nil
}

// Fail is Conclude(StatusFailed) with a reason.
func (s *Session) Fail(reason string, now time.Time) error {
	if s == nil {
		return ErrNilSession
	}
	if err := s.Conclude(StatusFailed, nil, now); err != nil {
		return err
	}
	s.FailureReason = reason
	return nil
}

// AddWarning records a degraded condition once.
func (s *Session) AddWarning(msg string) {
	msg = strings.TrimSpace(msg)
	if s == nil || msg == "" {
		return
	}
	for _, w := range s.Warnings {
		if w == msg {
			return
		}
	}
	s.Warnings = append(s.Warnings, msg)
}

// LastRound returns the latest appended round (or nil).
func (s *Session) LastRound() *Round {
	if s == nil || len(s.Rounds) == 0 {
		return nil
	}
	return &s.Rounds[len(s.Rounds)-1]
}

// Turns returns every turn in round order.
func (s *Session) Turns() []AgentTurn {
	if s == nil {
		return nil
	}
	var out []AgentTurn
	for _, r := range s.Rounds {
		out = append(out, r.Turns...)
	}
	return out
}

func (s *Session) Validate() error {
	if s == nil {
		return ErrNilSession
	}
	if strings.TrimSpace(s.SessionID) == "" {
		return errors.New("session id is empty")
	}
	if strings.TrimSpace(s.UserID) == "" {
		return errors.New("user id is empty")
	}
	if !s.Status.Valid() {
		return fmt.Errorf("unknown status %q", s.Status)
	}
	if s.MaxRounds < MinRounds || s.MaxRounds > MaxRounds {
		return fmt.Errorf("max rounds %d out of range [%d,%d]", s.MaxRounds, MinRounds, MaxRounds)
	}
	if s.ConsensusThreshold < 0 || s.ConsensusThreshold > 1 {
		return fmt.Errorf("consensus threshold %v out of range [0,1]", s.ConsensusThreshold)
	}
	if s.RoundIndex < 0 || s.RoundIndex > s.MaxRounds {
		return fmt.Errorf("round index %d out of range [0,%d]", s.RoundIndex, s.MaxRounds)
	}
	if len(s.Rounds) != s.RoundIndex {
		return fmt.Errorf("%w: %d rounds recorded for round index %d", ErrInvalidRound, len(s.Rounds), s.RoundIndex)
	}
	for i, r := range s.Rounds {
		if r.Index != i+1 {
			return fmt.Errorf("%w: round %d stored at position %d", ErrInvalidRound, r.Index, i)
		}
	}
	if s.Status == StatusConsensusReached && (s.Outcome == nil || strings.TrimSpace(s.Outcome.FinalRecommendation) == "") {
		return errors.New("consensus reached without final recommendation")
	}
	return nil
}

/* -------------------------- Convenience functions ------------------------ */

// Clone returns a deep copy safe to mutate independently.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	cp := *s
	cp.Rounds = make([]Round, len(s.Rounds))
	for i, r := range s.Rounds {
		cp.Rounds[i] = r.clone()
	}
	cp.Memories = append([]MemoryRecord(nil), s.Memories...)
	cp.OpenItems = append([]string(nil), s.OpenItems...)
	cp.Warnings = append([]string(nil), s.Warnings...)
	if s.Outcome != nil {
		o := *s.Outcome
		o.Agreements = append([]string(nil), s.Outcome.Agreements...)
		o.Concerns = append([]string(nil), s.Outcome.Concerns...)
		o.Blockers = append([]string(nil), s.Outcome.Blockers...)
		cp.Outcome = &o
	}
	if s.StartedAt != nil {
		t := *s.StartedAt
		cp.StartedAt = &t
	}
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}

func (r Round) clone() Round {
	cp := r
	cp.Turns = make([]AgentTurn, len(r.Turns))
	for i, t := range r.Turns {
		tc := t
		tc.Agreements = append([]string(nil), t.Agreements...)
		tc.Concerns = append([]string(nil), t.Concerns...)
		tc.Blockers = append([]string(nil), t.Blockers...)
		tc.Challenges = append([]Challenge(nil), t.Challenges...)
		cp.Turns[i] = tc
	}
	cp.Absent = append([]AbsentRole(nil), r.Absent...)
	return cp
}
