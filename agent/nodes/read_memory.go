package orchestratornode

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	contractx "github.com/tanpawarit/advisor-council/agent/contract"
)

// ReadMemory retrieves the user's memories once, when the session is new.
// Failures degrade to whatever the guard let through plus a warning.
func ReadMemory(
	ctx context.Context,
	in *GraphState,
	memory contractx.MemoryGateway,
	limit int,
	logger zerolog.Logger,
) (*GraphState, error) {
	if in == nil || in.Session == nil {
		return nil, fmt.Errorf("%w: graph session is nil", contractx.ErrValidation)
	}
	if in.Resumed || in.Replay {
		return in, nil
	}

	sess := in.Session
	query := strings.TrimSpace(sess.Situation + "\n" + sess.Context)
	records, err := memory.Retrieve(ctx, sess.UserID, query, limit)
	if err != nil {
		logger.Warn().Err(err).Str("session_id", sess.SessionID).Msg("memory retrieval degraded")
		sess.AddWarning("memory retrieval failed: " + err.Error())
	}
	sess.Memories = records
	return in, nil
}
