package round

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	contractx "github.com/tanpawarit/advisor-council/agent/contract"
	statex "github.com/tanpawarit/advisor-council/agent/state"
	logx "github.com/tanpawarit/advisor-council/pkg/logger"
)

const (
	AbsentTimeout         = "timeout"
	AbsentTransient       = "transient_provider_error"
	AbsentSchemaViolation = "schema_violation"
	AbsentPromptMissing   = "prompt_missing"
	AbsentError           = "error"
)

// Observer receives one event per executed round.
type Observer interface {
	ObserveRound(kind, outcome string)
}

type Executor struct {
	advisor  contractx.Advisor
	roles    []string
	observer Observer
	logger   zerolog.Logger
}

type Option func(*Executor)

func WithObserver(o Observer) Option {
	return func(e *Executor) { e.observer = o }
}

func WithLogger(l zerolog.Logger) Option {
	return func(e *Executor) { e.logger = l }
}

// New builds an executor over the configured roles. Role order is the speaking
// order of sequential rounds.
func New(advisor contractx.Advisor, roles []string, opts ...Option) (*Executor, error) {
	if advisor == nil {
		return nil, fmt.Errorf("%w: advisor is required", contractx.ErrValidation)
	}
	if len(roles) == 0 {
		return nil, fmt.Errorf("%w: at least one role is required", contractx.ErrValidation)
	}
	seen := make(map[string]struct{}, len(roles))
	for _, r := range roles {
		if strings.TrimSpace(r) == "" {
			return nil, fmt.Errorf("%w: empty role name", contractx.ErrValidation)
		}
		if _, dup := seen[r]; dup {
			return nil, fmt.Errorf("%w: duplicate role %s", contractx.ErrValidation, r)
		}
		seen[r] = struct{}{}
	}

	e := &Executor{
		advisor: advisor,
		roles:   append([]string(nil), roles...),
		logger:  logx.Component("round"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

func (e *Executor) Roles() []string {
	return append([]string(nil), e.roles...)
}

// Run executes round index over sess without mutating it. Round 1 fans out to
// every role at once; later rounds go one role at a time so each advisor sees
// the turns already produced in the same round. A cancelled ctx discards all
// partial turns.
func (e *Executor) Run(ctx context.Context, sess *statex.Session, index int) (statex.Round, error) {
	if sess == nil {
		return statex.Round{}, statex.ErrNilSession
	}
	if index < 1 {
		return statex.Round{}, fmt.Errorf("%w: round index %d", statex.ErrInvalidRound, index)
	}

	kind := statex.KindForRound(index)
	logger := e.logger.With().Str("session_id", sess.SessionID).Int("round", index).Str("kind", string(kind)).Logger()

	var (
		turns  []*statex.AgentTurn
		errs   []error
		runErr error
	)
	if index == 1 {
		turns, errs, runErr = e.runConcurrent(ctx, sess, index, kind)
	} else {
		turns, errs, runErr = e.runSequential(ctx, sess, index, kind)
	}
	if runErr != nil {
		e.observe(kind, "canceled")
		return statex.Round{}, runErr
	}

	r := statex.Round{Index: index, Kind: kind}
	failures := 0
	for i, role := range e.roles {
		if turns[i] != nil {
			r.Turns = append(r.Turns, *turns[i])
			continue
		}
		failures++
		reason := AbsentReason(errs[i])
		r.Absent = append(r.Absent, statex.AbsentRole{Role: role, Reason: reason})
		logger.Warn().Err(errs[i]).Str("role", role).Str("reason", reason).Msg("advisor absent from round")
	}

	if failures*2 > len(e.roles) {
		e.observe(kind, "failed")
		return statex.Round{}, fmt.Errorf("%w: %d of %d advisors failed in round %d", contractx.ErrRoundFailed, failures, len(e.roles), index)
	}

	outcome := "completed"
	if failures > 0 {
		outcome = "partial"
	}
	e.observe(kind, outcome)
	logger.Info().Int("turns", len(r.Turns)).Int("absent", failures).Msg("round completed")
	return r, nil
}

func (e *Executor) runConcurrent(ctx context.Context, sess *statex.Session, index int, kind statex.RoundKind) ([]*statex.AgentTurn, []error, error) {
	turns := make([]*statex.AgentTurn, len(e.roles))
	errs := make([]error, len(e.roles))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(len(e.roles))
	for i, role := range e.roles {
		req := e.baseRequest(sess, role, index, kind)
		g.Go(func() error {
			// Failures stay per slot so one advisor cannot cancel the others.
			turn, err := e.advisor.Invoke(gctx, req)
			if err != nil {
				errs[i] = err
				return nil
			}
			turns[i] = &turn
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	return turns, errs, nil
}

func (e *Executor) runSequential(ctx context.Context, sess *statex.Session, index int, kind statex.RoundKind) ([]*statex.AgentTurn, []error, error) {
	turns := make([]*statex.AgentTurn, len(e.roles))
	errs := make([]error, len(e.roles))

	prior := sess.Turns()
	var current []statex.AgentTurn
	for i, role := range e.roles {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}

		req := e.baseRequest(sess, role, index, kind)
		req.PriorTurns = append(append([]statex.AgentTurn(nil), prior...), current...)

		turn, err := e.advisor.Invoke(ctx, req)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, nil, ctxErr
			}
			errs[i] = err
			continue
		}
		turns[i] = &turn
		current = append(current, turn)
	}
	return turns, errs, nil
}

func (e *Executor) baseRequest(sess *statex.Session, role string, index int, kind statex.RoundKind) contractx.InvokeRequest {
	return contractx.InvokeRequest{
		Role:       role,
		RoundIndex: index,
		Kind:       kind,
		Situation:  sess.Situation,
		Context:    sess.Context,
		Memories:   sess.Memories,
		OpenItems:  append([]string(nil), sess.OpenItems...),
	}
}

func (e *Executor) observe(kind statex.RoundKind, outcome string) {
	if e.observer != nil {
		e.observer.ObserveRound(string(kind), outcome)
	}
}

// AbsentReason classifies an advisor failure for the round record.
func AbsentReason(err error) string {
	switch {
	case errors.Is(err, contractx.ErrTimeout):
		return AbsentTimeout
	case errors.Is(err, contractx.ErrTransientProvider):
		return AbsentTransient
	case errors.Is(err, contractx.ErrSchemaViolation):
		return AbsentSchemaViolation
	case errors.Is(err, contractx.ErrPromptMissing):
		return AbsentPromptMissing
	default:
		return AbsentError
	}
}
