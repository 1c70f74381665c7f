package contract

import (
	"time"

	statex "github.com/tanpawarit/advisor-council/agent/state"
)

const (
	DefaultMaxRounds          = 3
	DefaultConsensusThreshold = 0.7
)

// Request starts a deliberation, or resumes one when ContinuationToken is
// set, in which case the other fields are ignored.
type Request struct {
	Situation          string   `json:"situation"`
	Context            string   `json:"context,omitempty"`
	UserID             string   `json:"userId"`
	MaxRounds          *int     `json:"maxRounds,omitempty"`
	ConsensusThreshold *float64 `json:"consensusThreshold,omitempty"`
	ContinuationToken  string   `json:"continuationToken,omitempty"`
}

// Budget bounds one invocation. A zero Deadline means unlimited.
type Budget struct {
	Deadline time.Time
}

// Remaining is the time left at now; effectively infinite without a deadline.
func (b Budget) Remaining(now time.Time) time.Duration {
	if b.Deadline.IsZero() {
		return time.Duration(1<<63 - 1)
	}
	return b.Deadline.Sub(now)
}

type AbsentRole struct {
	Round  int    `json:"round"`
	Role   string `json:"role"`
	Reason string `json:"reason"`
}

type Response struct {
	SessionID             string        `json:"sessionId"`
	Status                statex.Status `json:"status"`
	RoundsCompleted       int           `json:"roundsCompleted"`
	Agreements            []string      `json:"agreements"`
	Concerns              []string      `json:"concerns"`
	Blockers              []string      `json:"blockers"`
	AgreementRatio        float64       `json:"agreementRatio"`
	FinalRecommendation   string        `json:"finalRecommendation,omitempty"`
	PartialRecommendation string        `json:"partialRecommendation,omitempty"`
	ContinuationToken     string        `json:"continuationToken,omitempty"`
	Warnings              []string      `json:"warnings,omitempty"`
	AbsentRoles           []AbsentRole  `json:"absentRoles,omitempty"`
	FailureReason         string        `json:"failureReason,omitempty"`
}

// ResponseFrom projects a session onto the external response shape.
func ResponseFrom(sess *statex.Session, token string) Response {
	resp := Response{
		SessionID:       sess.SessionID,
		Status:          sess.Status,
		RoundsCompleted: sess.RoundIndex,
		Agreements:      []string{},
		Concerns:        []string{},
		Blockers:        []string{},
		Warnings:        append([]string(nil), sess.Warnings...),
		FailureReason:   sess.FailureReason,
	}
	if o := sess.Outcome; o != nil {
		resp.Agreements = append(resp.Agreements, o.Agreements...)
		resp.Concerns = append(resp.Concerns, o.Concerns...)
		resp.Blockers = append(resp.Blockers, o.Blockers...)
		resp.AgreementRatio = o.AgreementRatio
		resp.FinalRecommendation = o.FinalRecommendation
		resp.PartialRecommendation = o.PartialRecommendation
	}
	if sess.Status == statex.StatusAwaitingContinuation {
		resp.ContinuationToken = token
	}
	for _, r := range sess.Rounds {
		for _, a := range r.Absent {
			resp.AbsentRoles = append(resp.AbsentRoles, AbsentRole{Round: r.Index, Role: a.Role, Reason: a.Reason})
		}
	}
	return resp
}
