package orchestratornode

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	contractx "github.com/tanpawarit/advisor-council/agent/contract"
	statex "github.com/tanpawarit/advisor-council/agent/state"
)

// WriteMemory stores the decision summary once a session ends with a
// decision. A failure becomes a warning; the session result stands.
func WriteMemory(
	ctx context.Context,
	in *GraphState,
	memory contractx.MemoryGateway,
	timeout time.Duration,
	logger zerolog.Logger,
) (*GraphState, error) {
	if in == nil || in.Session == nil {
		return nil, fmt.Errorf("%w: graph session is nil", contractx.ErrValidation)
	}
	sess := in.Session
	if in.Replay || sess.MemoryStored {
		return in, nil
	}
	if sess.Status != statex.StatusConsensusReached && sess.Status != statex.StatusMaxRoundsExhausted {
		return in, nil
	}

	storeCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		storeCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	if err := memory.Store(storeCtx, sess.UserID, Summarize(sess)); err != nil {
		logger.Warn().Err(err).Str("session_id", sess.SessionID).Msg("memory store failed")
		sess.AddWarning("memory store failed: " + err.Error())
		return in, nil
	}
	sess.MemoryStored = true
	return in, nil
}

// Summarize renders the decision as the text kept in long-term memory.
func Summarize(sess *statex.Session) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Advisor council deliberated: %s\n", sess.Situation)
	fmt.Fprintf(&b, "Outcome: %s after %d rounds.\n", sess.Status, sess.RoundIndex)
	if o := sess.Outcome; o != nil {
		if o.FinalRecommendation != "" {
			fmt.Fprintf(&b, "Recommendation: %s\n", o.FinalRecommendation)
		} else if o.PartialRecommendation != "" {
			fmt.Fprintf(&b, "Partial recommendation: %s\n", o.PartialRecommendation)
		}
		if len(o.Blockers) > 0 {
			fmt.Fprintf(&b, "Unresolved blockers: %s\n", strings.Join(o.Blockers, "; "))
		}
		if len(o.Concerns) > 0 {
			fmt.Fprintf(&b, "Open concerns: %s\n", strings.Join(o.Concerns, "; "))
		}
	}
	return strings.TrimSpace(b.String())
}
