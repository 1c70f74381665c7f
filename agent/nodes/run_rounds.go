package orchestratornode

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/tanpawarit/advisor-council/agent/consensus"
	contractx "github.com/tanpawarit/advisor-council/agent/contract"
	statex "github.com/tanpawarit/advisor-council/agent/state"
)

type Evaluator interface {
	Evaluate(sess *statex.Session) (consensus.Result, error)
}

// RoundDeps are the collaborators of the round loop.
type RoundDeps struct {
	Runner    contractx.RoundRunner
	Evaluator Evaluator
	Store     contractx.CheckpointStore
	Scheduler contractx.ContinuationScheduler // optional
	// SafetyMargin is the budget below which no new round starts.
	SafetyMargin time.Duration
	// CheckpointHeadroom is kept back from every round for the yield
	// checkpoint. Rounds are cut off at Deadline - CheckpointHeadroom.
	CheckpointHeadroom time.Duration
	Now                func() time.Time
	Logger             zerolog.Logger
}

// RunRounds drives the session from its current boundary until it is
// terminal or yields for lack of budget. A round still running when the
// budget runs out is discarded and the session yields at the boundary
// before it.
func RunRounds(ctx context.Context, in *GraphState, deps RoundDeps) (*GraphState, error) {
	if in == nil || in.Session == nil {
		return nil, fmt.Errorf("%w: graph session is nil", contractx.ErrValidation)
	}
	sess := in.Session
	log := deps.Logger.With().Str("session_id", sess.SessionID).Logger()

	for sess.Status == statex.StatusInProgress {
		// A crash between the last append and its evaluation leaves a full
		// session in progress.
		if sess.RoundIndex >= sess.MaxRounds {
			if err := evaluate(in, deps); err != nil {
				return nil, err
			}
			continue
		}

		now := deps.Now()
		if left := in.Budget.Remaining(now); left < deps.SafetyMargin {
			log.Info().Dur("remaining", left).Int("next_round", sess.RoundIndex+1).Msg("budget below safety margin, yielding")
			return in, yield(ctx, in, deps, log)
		}

		index := sess.RoundIndex + 1
		roundCtx, cancel := roundContext(ctx, in.Budget, now, deps.CheckpointHeadroom)
		round, err := deps.Runner.Run(roundCtx, sess, index)
		overran := roundCtx.Err() != nil
		cancel()

		if ctxErr := ctx.Err(); ctxErr != nil {
			release(ctx, in, deps.Store, log)
			return nil, ctxErr
		}
		if overran {
			log.Warn().Int("round", index).Msg("round overran the invocation budget, discarding it")
			return in, yield(ctx, in, deps, log)
		}
		if err != nil {
			if errors.Is(err, contractx.ErrRoundFailed) {
				log.Warn().Err(err).Int("round", index).Msg("round failed")
				if ferr := sess.Fail(err.Error(), deps.Now()); ferr != nil {
					return nil, ferr
				}
				return in, nil
			}
			return nil, err
		}

		if err := sess.AppendRound(round, deps.Now()); err != nil {
			return nil, err
		}
		if consensus.ShouldEvaluate(index, sess.MaxRounds) {
			if err := evaluate(in, deps); err != nil {
				return nil, err
			}
		}
		if sess.IsTerminal() {
			break
		}

		if err := save(ctx, in, deps.Store); err != nil {
			if errors.Is(err, contractx.ErrCheckpointConflict) {
				log.Warn().Err(err).Int("round", index).Msg("session taken over by another invocation")
				return nil, err
			}
			log.Warn().Err(err).Int("round", index).Msg("intermediate checkpoint failed")
			sess.AddWarning("checkpoint after round " + fmt.Sprint(index) + " failed: " + err.Error())
		}
	}
	return in, nil
}

// roundContext bounds one round by the invocation deadline less the yield
// headroom. Without a deadline only the parent bounds it.
func roundContext(ctx context.Context, budget contractx.Budget, now time.Time, headroom time.Duration) (context.Context, context.CancelFunc) {
	if budget.Deadline.IsZero() {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, budget.Remaining(now)-headroom)
}

func evaluate(in *GraphState, deps RoundDeps) error {
	sess := in.Session
	res, err := deps.Evaluator.Evaluate(sess)
	if err != nil {
		return err
	}
	outcome := res.Outcome
	switch res.Decision {
	case consensus.DecisionConsensus:
		return sess.Conclude(statex.StatusConsensusReached, &outcome, deps.Now())
	case consensus.DecisionExhausted:
		return sess.Conclude(statex.StatusMaxRoundsExhausted, &outcome, deps.Now())
	default:
		sess.Outcome = &outcome
		sess.OpenItems = res.OpenItems
		return nil
	}
}

// yield suspends the session at the current boundary. A yield that cannot
// be persisted fails the session since no token could resume it; a yield
// that lost the session to another invocation is a conflict.
func yield(ctx context.Context, in *GraphState, deps RoundDeps, log zerolog.Logger) error {
	sess := in.Session
	if err := sess.Suspend(deps.Now()); err != nil {
		_ = sess.Fail(err.Error(), deps.Now())
		return nil
	}
	if err := save(ctx, in, deps.Store); err != nil {
		if errors.Is(err, contractx.ErrCheckpointConflict) {
			log.Warn().Err(err).Msg("yield superseded by another invocation")
			return err
		}
		log.Error().Err(err).Msg("cannot persist yield")
		_ = sess.Fail("checkpoint unavailable at yield: "+err.Error(), deps.Now())
		return nil
	}

	if deps.Scheduler == nil {
		return nil
	}
	if err := deps.Scheduler.ScheduleContinuation(ctx, in.Token); err != nil {
		log.Warn().Err(err).Msg("continuation scheduling failed")
		sess.AddWarning("continuation scheduling failed: " + err.Error())
	}
	return nil
}

// save checkpoints the session on top of the held lease and advances it.
func save(ctx context.Context, in *GraphState, store contractx.CheckpointStore) error {
	token, lease, err := store.Save(ctx, in.Session, in.Lease)
	if err != nil {
		return err
	}
	in.Token = token
	in.Lease = lease
	return nil
}

func release(ctx context.Context, in *GraphState, store contractx.CheckpointStore, log zerolog.Logger) {
	if in.Lease.Owner == "" {
		return
	}
	if err := store.Release(context.WithoutCancel(ctx), in.Lease); err != nil {
		log.Warn().Err(err).Msg("release claim failed")
		return
	}
	in.Lease.Owner = ""
}
