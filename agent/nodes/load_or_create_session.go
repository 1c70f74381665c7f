package orchestratornode

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	contractx "github.com/tanpawarit/advisor-council/agent/contract"
	statex "github.com/tanpawarit/advisor-council/agent/state"
)

// LoadOrCreateSession resumes the checkpoint named by the continuation token,
// or opens a new session. Checkpoint errors are fatal and returned as is.
func LoadOrCreateSession(
	ctx context.Context,
	in *GraphState,
	store contractx.CheckpointStore,
	newID func() string,
	now time.Time,
	logger zerolog.Logger,
) (*GraphState, error) {
	if in == nil {
		return nil, fmt.Errorf("%w: graph state is nil", contractx.ErrValidation)
	}

	if token := in.Req.ContinuationToken; token != "" {
		sess, lease, err := store.Load(ctx, token)
		if err != nil {
			return nil, err
		}
		in.Session = sess
		in.Token = token
		in.Lease = lease
		in.Resumed = true

		if sess.IsTerminal() {
			in.Replay = true
			logger.Info().Str("session_id", sess.SessionID).Str("status", string(sess.Status)).Msg("resumed terminal session, replaying result")
			return in, nil
		}
		// in_progress means the previous invocation died between boundaries.
		if sess.Status != statex.StatusInProgress {
			if err := sess.Start(now); err != nil {
				return nil, err
			}
		}
		logger.Info().Str("session_id", sess.SessionID).Int("round", sess.RoundIndex).Msg("session resumed")
		return in, nil
	}

	sess := statex.NewSession(
		newID(),
		in.Req.UserID,
		in.Req.Situation,
		in.Req.Context,
		*in.Req.MaxRounds,
		*in.Req.ConsensusThreshold,
		now,
	)
	if err := sess.Start(now); err != nil {
		return nil, err
	}
	in.Session = sess
	in.Lease = contractx.Lease{SessionID: sess.SessionID}
	logger.Info().Str("session_id", sess.SessionID).Str("user_id", sess.UserID).Int("max_rounds", sess.MaxRounds).Msg("session created")
	return in, nil
}
