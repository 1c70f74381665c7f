package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	contractx "github.com/tanpawarit/advisor-council/agent/contract"
	statex "github.com/tanpawarit/advisor-council/agent/state"
	logx "github.com/tanpawarit/advisor-council/pkg/logger"
)

// Observer receives one event per gateway operation.
type Observer interface {
	ObserveMemory(op, outcome string)
}

// Isolated guards a gateway so callers never see another user's records and
// every failure surfaces as *contract.MemoryServiceError.
type Isolated struct {
	inner    contractx.MemoryGateway
	observer Observer
	logger   zerolog.Logger
}

var _ contractx.MemoryGateway = (*Isolated)(nil)

func NewIsolated(inner contractx.MemoryGateway, observer Observer) *Isolated {
	if inner == nil {
		inner = Noop{}
	}
	return &Isolated{
		inner:    inner,
		observer: observer,
		logger:   logx.Component("memory"),
	}
}

// Retrieve returns only userID's records, at most limit of them. When foreign
// records are dropped it returns the filtered set together with an error.
func (g *Isolated) Retrieve(ctx context.Context, userID, query string, limit int) ([]statex.MemoryRecord, error) {
	if strings.TrimSpace(userID) == "" {
		g.observe("retrieve", "invalid")
		return nil, &contractx.MemoryServiceError{Op: "retrieve", Err: fmt.Errorf("%w: user id is required", contractx.ErrValidation)}
	}

	records, err := g.inner.Retrieve(ctx, userID, query, limit)
	if err != nil {
		g.observe("retrieve", "error")
		return nil, asServiceError("retrieve", err)
	}

	kept := make([]statex.MemoryRecord, 0, len(records))
	dropped := 0
	for _, r := range records {
		if r.UserID != userID {
			dropped++
			continue
		}
		kept = append(kept, r)
	}
	if limit > 0 && len(kept) > limit {
		kept = kept[:limit]
	}

	if dropped > 0 {
		g.observe("retrieve", "foreign_records")
		g.logger.Error().Str("user_id", userID).Int("dropped", dropped).Msg("memory service returned records of another user")
		return kept, &contractx.MemoryServiceError{
			Op:  "retrieve",
			Err: fmt.Errorf("dropped %d records owned by another user", dropped),
		}
	}
	g.observe("retrieve", "ok")
	return kept, nil
}

func (g *Isolated) Store(ctx context.Context, userID, summary string) error {
	if strings.TrimSpace(userID) == "" {
		g.observe("store", "invalid")
		return &contractx.MemoryServiceError{Op: "store", Err: fmt.Errorf("%w: user id is required", contractx.ErrValidation)}
	}
	if err := g.inner.Store(ctx, userID, summary); err != nil {
		g.observe("store", "error")
		return asServiceError("store", err)
	}
	g.observe("store", "ok")
	return nil
}

func (g *Isolated) observe(op, outcome string) {
	if g.observer != nil {
		g.observer.ObserveMemory(op, outcome)
	}
}

func asServiceError(op string, err error) error {
	var svcErr *contractx.MemoryServiceError
	if errors.As(err, &svcErr) {
		return err
	}
	return &contractx.MemoryServiceError{Op: op, Err: err}
}
