package orchestratornode

import (
	"fmt"
	"strings"

	contractx "github.com/tanpawarit/advisor-council/agent/contract"
	statex "github.com/tanpawarit/advisor-council/agent/state"
)

type GraphInput struct {
	Request contractx.Request
	Budget  contractx.Budget
}

type GraphOutput struct {
	Response contractx.Response
}

// GraphState travels through every node of one invocation.
type GraphState struct {
	Req    contractx.Request
	Budget contractx.Budget

	Session *statex.Session
	Token   string          // latest checkpoint token
	Lease   contractx.Lease // checkpoint the next Save builds on
	Resumed bool
	Replay  bool // resumed session was already terminal
}

// Defaults fill in optional request fields.
type Defaults struct {
	MaxRounds          int
	ConsensusThreshold float64
}

func ValidateRequest(in GraphInput, defaults Defaults) (*GraphState, error) {
	req := in.Request
	req.ContinuationToken = strings.TrimSpace(req.ContinuationToken)
	if req.ContinuationToken != "" {
		return &GraphState{Req: req, Budget: in.Budget}, nil
	}

	req.Situation = strings.TrimSpace(req.Situation)
	req.Context = strings.TrimSpace(req.Context)
	req.UserID = strings.TrimSpace(req.UserID)
	if req.Situation == "" {
		return nil, fmt.Errorf("%w: situation is required", contractx.ErrValidation)
	}
	if req.UserID == "" {
		return nil, fmt.Errorf("%w: userId is required", contractx.ErrValidation)
	}

	maxRounds := defaults.MaxRounds
	if req.MaxRounds != nil {
		maxRounds = *req.MaxRounds
	}
	if maxRounds < statex.MinRounds || maxRounds > statex.MaxRounds {
		return nil, fmt.Errorf("%w: maxRounds must be between %d and %d", contractx.ErrValidation, statex.MinRounds, statex.MaxRounds)
	}

	threshold := defaults.ConsensusThreshold
	if req.ConsensusThreshold != nil {
		threshold = *req.ConsensusThreshold
	}
	if threshold < 0 || threshold > 1 {
		return nil, fmt.Errorf("%w: consensusThreshold must be between 0 and 1", contractx.ErrValidation)
	}

	req.MaxRounds = &maxRounds
	req.ConsensusThreshold = &threshold
	return &GraphState{Req: req, Budget: in.Budget}, nil
}
