package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cloudwego/eino/compose"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	contractx "github.com/tanpawarit/advisor-council/agent/contract"
	nodex "github.com/tanpawarit/advisor-council/agent/nodes"
	statex "github.com/tanpawarit/advisor-council/agent/state"
	logx "github.com/tanpawarit/advisor-council/pkg/logger"
)

type Config struct {
	Roles              []string      `default:"facilitator,business-value-advisor,strategy-advisor,feasibility-advisor,design-advisor"`
	SynthesisRole      string        `split_words:"true" default:"facilitator"`
	MemoryLimit        int           `split_words:"true" default:"5"`
	SafetyMargin       time.Duration `split_words:"true" default:"20s"`
	CheckpointHeadroom time.Duration `split_words:"true" default:"5s"`
	MemoryStoreTimeout time.Duration `split_words:"true" default:"5s"`
	MaxRounds          int           `split_words:"true" default:"3"`
	ConsensusThreshold float64       `split_words:"true" default:"0.7"`
}

func (c Config) Validate() error {
	if len(c.Roles) == 0 {
		return fmt.Errorf("%w: at least one role is required", contractx.ErrValidation)
	}
	if strings.TrimSpace(c.SynthesisRole) == "" {
		return fmt.Errorf("%w: synthesis role is required", contractx.ErrValidation)
	}
	found := false
	for _, r := range c.Roles {
		if strings.TrimSpace(r) == strings.TrimSpace(c.SynthesisRole) {
			found = true
		}
	}
	if !found {
		return fmt.Errorf("%w: synthesis role %q is not a council role", contractx.ErrValidation, c.SynthesisRole)
	}
	if c.MemoryLimit < 0 {
		return fmt.Errorf("%w: memory limit must be >= 0", contractx.ErrValidation)
	}
	if c.SafetyMargin < 0 || c.CheckpointHeadroom < 0 {
		return fmt.Errorf("%w: safety margin and checkpoint headroom must be >= 0", contractx.ErrValidation)
	}
	// Rounds are cut off at the deadline less the headroom, so a round that
	// starts must get some time to run.
	if c.CheckpointHeadroom > 0 && c.SafetyMargin <= c.CheckpointHeadroom {
		return fmt.Errorf("%w: safety margin %s must exceed checkpoint headroom %s", contractx.ErrValidation, c.SafetyMargin, c.CheckpointHeadroom)
	}
	if c.MaxRounds < statex.MinRounds || c.MaxRounds > statex.MaxRounds {
		return fmt.Errorf("%w: default max rounds out of range", contractx.ErrValidation)
	}
	if c.ConsensusThreshold < 0 || c.ConsensusThreshold > 1 {
		return fmt.Errorf("%w: default consensus threshold out of range", contractx.ErrValidation)
	}
	return nil
}

// Observer receives the status of every finished invocation.
type Observer interface {
	ObserveSession(status string)
}

type Option func(*Orchestrator)

func WithScheduler(s contractx.ContinuationScheduler) Option {
	return func(o *Orchestrator) { o.scheduler = s }
}

func WithObserver(obs Observer) Option {
	return func(o *Orchestrator) { o.observer = obs }
}

func WithLogger(l zerolog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

func WithIDGenerator(newID func() string) Option {
	return func(o *Orchestrator) { o.newID = newID }
}

type Orchestrator struct {
	cfg       Config
	defaults  nodex.Defaults
	rounds    contractx.RoundRunner
	evaluator nodex.Evaluator
	store     contractx.CheckpointStore
	memory    contractx.MemoryGateway
	scheduler contractx.ContinuationScheduler
	observer  Observer
	logger    zerolog.Logger

	graphRunner compose.Runnable[nodex.GraphInput, nodex.GraphOutput]

	now   func() time.Time
	newID func() string
}

func New(
	rounds contractx.RoundRunner,
	evaluator nodex.Evaluator,
	store contractx.CheckpointStore,
	memory contractx.MemoryGateway,
	cfg Config,
	opts ...Option,
) (*Orchestrator, error) {
	if rounds == nil {
		return nil, errors.New("round runner is required")
	}
	if evaluator == nil {
		return nil, errors.New("consensus evaluator is required")
	}
	if store == nil {
		return nil, errors.New("checkpoint store is required")
	}
	if memory == nil {
		return nil, errors.New("memory gateway is required")
	}
	if cfg.MaxRounds == 0 {
		cfg.MaxRounds = contractx.DefaultMaxRounds
	}
	if cfg.ConsensusThreshold == 0 {
		cfg.ConsensusThreshold = contractx.DefaultConsensusThreshold
	}

	o := &Orchestrator{
		cfg: cfg,
		defaults: nodex.Defaults{
			MaxRounds:          cfg.MaxRounds,
			ConsensusThreshold: cfg.ConsensusThreshold,
		},
		rounds:    rounds,
		evaluator: evaluator,
		store:     store,
		memory:    memory,
		logger:    logx.Component("orchestrator"),
		now:       time.Now,
		newID:     uuid.NewString,
	}
	for _, opt := range opts {
		opt(o)
	}

	graphRunner, err := o.compileDeliberateGraph(context.Background())
	if err != nil {
		return nil, err
	}
	o.graphRunner = graphRunner

	return o, nil
}

// Deliberate runs one invocation: a new session, or the continuation named
// by req.ContinuationToken. Degraded conditions surface as warnings; the
// error return is reserved for invalid requests, checkpoint conflicts and
// cancellation.
func (o *Orchestrator) Deliberate(ctx context.Context, req contractx.Request, budget contractx.Budget) (contractx.Response, error) {
	out, err := o.graphRunner.Invoke(ctx, nodex.GraphInput{Request: req, Budget: budget})
	if err != nil {
		o.observe("error")
		return contractx.Response{}, err
	}
	o.observe(string(out.Response.Status))
	return out.Response, nil
}

func (o *Orchestrator) observe(status string) {
	if o.observer != nil {
		o.observer.ObserveSession(status)
	}
}
