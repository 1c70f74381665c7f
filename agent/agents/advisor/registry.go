package advisor

import (
	"context"
	"fmt"

	einomodel "github.com/cloudwego/eino/components/model"
	"github.com/rs/zerolog"

	contractx "github.com/tanpawarit/advisor-council/agent/contract"
	statex "github.com/tanpawarit/advisor-council/agent/state"
	logx "github.com/tanpawarit/advisor-council/pkg/logger"
)

// Registry dispatches invocations to the advisor for the request's role.
type Registry struct {
	advisors map[string]*advisorImpl
}

var _ contractx.Advisor = (*Registry)(nil)

type Option func(*options)

type options struct {
	observer Observer
	logger   zerolog.Logger
}

func WithObserver(o Observer) Option {
	return func(opts *options) { opts.observer = o }
}

func WithLogger(l zerolog.Logger) Option {
	return func(opts *options) { opts.logger = l }
}

// NewRegistry compiles one advisor per role. Every role needs a model and
// instructions in the content store.
func NewRegistry(
	ctx context.Context,
	roles []string,
	models map[string]einomodel.BaseChatModel,
	content contractx.ContentStore,
	cfg Config,
	opts ...Option,
) (*Registry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if content == nil {
		return nil, fmt.Errorf("%w: content store is required", contractx.ErrValidation)
	}
	o := options{logger: logx.Component("advisor")}
	for _, opt := range opts {
		opt(&o)
	}

	r := &Registry{advisors: make(map[string]*advisorImpl, len(roles))}
	for _, role := range roles {
		m, ok := models[role]
		if !ok || m == nil {
			return nil, fmt.Errorf("%w: no chat model for role %s", contractx.ErrValidation, role)
		}
		a, err := newAdvisor(ctx, role, m, content, cfg, o.observer, o.logger)
		if err != nil {
			return nil, err
		}
		r.advisors[role] = a
	}
	return r, nil
}

func (r *Registry) Invoke(ctx context.Context, req contractx.InvokeRequest) (statex.AgentTurn, error) {
	a, ok := r.advisors[req.Role]
	if !ok {
		return statex.AgentTurn{}, fmt.Errorf("%w: unknown advisor role %q", contractx.ErrValidation, req.Role)
	}
	return a.Invoke(ctx, req)
}
