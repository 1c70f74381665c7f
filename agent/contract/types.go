package contract

import (
	statex "github.com/tanpawarit/advisor-council/agent/state"
)

const (
	RoleFacilitator   = "facilitator"
	RoleBusinessValue = "business-value-advisor"
	RoleStrategy      = "strategy-advisor"
	RoleFeasibility   = "feasibility-advisor"
	RoleDesign        = "design-advisor"
)

// DefaultRoles is the council used when none is configured. Order matters for
// sequential rounds.
var DefaultRoles = []string{
	RoleFacilitator,
	RoleBusinessValue,
	RoleStrategy,
	RoleFeasibility,
	RoleDesign,
}

type InvokeRequest struct {
	Role       string                `json:"role"`
	RoundIndex int                   `json:"round_index"`
	Kind       statex.RoundKind      `json:"kind"`
	Situation  string                `json:"situation"`
	Context    string                `json:"context,omitempty"`
	Memories   []statex.MemoryRecord `json:"memories,omitempty"`
	PriorTurns []statex.AgentTurn    `json:"prior_turns,omitempty"`
	OpenItems  []string              `json:"open_items,omitempty"`
}

// AdvisorOutput is the response contract every advisor must satisfy.
type AdvisorOutput struct {
	Content        string             `json:"content"`
	Agreements     []string           `json:"agreements,omitempty"`
	Concerns       []string           `json:"concerns,omitempty"`
	Blockers       []string           `json:"blockers,omitempty"`
	Challenges     []statex.Challenge `json:"challenges,omitempty"`
	Recommendation string             `json:"recommendation,omitempty"`
}
