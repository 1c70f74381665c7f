package contract

import (
	"context"

	statex "github.com/tanpawarit/advisor-council/agent/state"
)

// Advisor produces one structured turn for one role.
type Advisor interface {
	Invoke(ctx context.Context, req InvokeRequest) (statex.AgentTurn, error)
}

// ContentStore supplies static per-role framing text.
type ContentStore interface {
	GetRoleInstructions(role string) (string, error)
	RoundFraming(kind statex.RoundKind) (string, error)
}

// MemoryGateway is the client to the external per-user memory service.
// Retrieve must never return records owned by another user.
type MemoryGateway interface {
	Retrieve(ctx context.Context, userID string, query string, limit int) ([]statex.MemoryRecord, error)
	Store(ctx context.Context, userID string, summary string) error
}

// ContinuationScheduler arranges a future invocation for a yielded session.
type ContinuationScheduler interface {
	ScheduleContinuation(ctx context.Context, token string) error
}

// Lease ties an invocation to the checkpoint it continues from. Owner is the
// claim id taken by Load and is empty when the invocation holds no claim.
// A new session starts from Lease{SessionID: id}.
type Lease struct {
	SessionID string
	Sequence  int64
	Owner     string
}

// CheckpointStore persists sessions between invocations. Load claims a
// non-terminal session until the next Save or Release. Save rejects a lease
// whose checkpoint was superseded or whose claim passed to another invocation.
type CheckpointStore interface {
	Save(ctx context.Context, sess *statex.Session, lease Lease) (string, Lease, error)
	Load(ctx context.Context, token string) (*statex.Session, Lease, error)
	Release(ctx context.Context, lease Lease) error
}

// RoundRunner executes one round over a session without mutating it.
type RoundRunner interface {
	Run(ctx context.Context, sess *statex.Session, index int) (statex.Round, error)
}
