package orchestratornode

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	contractx "github.com/tanpawarit/advisor-council/agent/contract"
)

// Finalize persists a terminal session and shapes the response. A replayed
// session is returned as stored. A terminal checkpoint that lost the race to
// another invocation is a conflict.
func Finalize(ctx context.Context, in *GraphState, store contractx.CheckpointStore, logger zerolog.Logger) (GraphOutput, error) {
	if in == nil || in.Session == nil {
		return GraphOutput{}, fmt.Errorf("%w: graph session is nil", contractx.ErrValidation)
	}
	sess := in.Session
	log := logger.With().Str("session_id", sess.SessionID).Logger()

	if in.Replay {
		return GraphOutput{Response: contractx.ResponseFrom(sess, "")}, nil
	}

	if sess.IsTerminal() {
		if err := save(ctx, in, store); err != nil {
			if errors.Is(err, contractx.ErrCheckpointConflict) {
				log.Warn().Err(err).Msg("terminal checkpoint superseded by another invocation")
				return GraphOutput{}, err
			}
			log.Warn().Err(err).Msg("terminal checkpoint failed")
			sess.AddWarning("final checkpoint failed: " + err.Error())
		}
	}

	log.Info().
		Str("status", string(sess.Status)).
		Int("rounds", sess.RoundIndex).
		Int("warnings", len(sess.Warnings)).
		Msg("deliberation invocation finished")
	return GraphOutput{Response: contractx.ResponseFrom(sess, in.Token)}, nil
}
