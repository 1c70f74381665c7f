package advisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	einomodel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/compose"
	"github.com/rs/zerolog"

	contractx "github.com/tanpawarit/advisor-council/agent/contract"
	promptx "github.com/tanpawarit/advisor-council/agent/prompt"
	statex "github.com/tanpawarit/advisor-council/agent/state"
	openrouterx "github.com/tanpawarit/advisor-council/pkg/openrouter"
)

type Config struct {
	CallTimeout  time.Duration `split_words:"true" default:"45s"`
	RetryBackoff time.Duration `split_words:"true" default:"500ms"`
}

func (c Config) Validate() error {
	if c.CallTimeout <= 0 {
		return fmt.Errorf("%w: advisor call timeout must be positive", contractx.ErrValidation)
	}
	if c.RetryBackoff < 0 {
		return fmt.Errorf("%w: advisor retry backoff must not be negative", contractx.ErrValidation)
	}
	return nil
}

// Observer receives one event per Invoke.
type Observer interface {
	ObserveAdvisorCall(role, outcome string, took time.Duration)
}

type advisorImpl struct {
	role    string
	runner  compose.Runnable[map[string]any, contractx.AdvisorOutput]
	content contractx.ContentStore

	timeout time.Duration
	backoff time.Duration

	observer Observer
	logger   zerolog.Logger
	now      func() time.Time
}

func newAdvisor(
	ctx context.Context,
	role string,
	chatModel einomodel.BaseChatModel,
	content contractx.ContentStore,
	cfg Config,
	observer Observer,
	logger zerolog.Logger,
) (*advisorImpl, error) {
	if _, err := content.GetRoleInstructions(role); err != nil {
		return nil, err
	}
	runner, err := compileTurnGraph(ctx, chatModel, role)
	if err != nil {
		return nil, fmt.Errorf("%w: compile advisor graph for role=%s: %v", contractx.ErrModelInvoke, role, err)
	}
	return &advisorImpl{
		role:     role,
		runner:   runner,
		content:  content,
		timeout:  cfg.CallTimeout,
		backoff:  cfg.RetryBackoff,
		observer: observer,
		logger:   logger.With().Str("role", role).Logger(),
		now:      time.Now,
	}, nil
}

func (a *advisorImpl) Invoke(ctx context.Context, req contractx.InvokeRequest) (statex.AgentTurn, error) {
	started := a.now()
	turn, err := a.invoke(ctx, req)
	if a.observer != nil {
		a.observer.ObserveAdvisorCall(a.role, outcomeLabel(err), a.now().Sub(started))
	}
	return turn, err
}

func (a *advisorImpl) invoke(ctx context.Context, req contractx.InvokeRequest) (statex.AgentTurn, error) {
	if req.RoundIndex < 1 {
		return statex.AgentTurn{}, fmt.Errorf("%w: round index must be >= 1", contractx.ErrValidation)
	}
	if req.Kind == "" {
		req.Kind = statex.KindForRound(req.RoundIndex)
	}

	instructions, err := a.content.GetRoleInstructions(a.role)
	if err != nil {
		return statex.AgentTurn{}, err
	}
	input, err := a.buildInput(req)
	if err != nil {
		return statex.AgentTurn{}, err
	}
	vars := map[string]any{
		"instructions": instructions,
		"input":        input,
	}

	out, err := a.call(ctx, vars)
	if err != nil && errors.Is(err, contractx.ErrTransientProvider) {
		a.logger.Warn().Err(err).Int("round", req.RoundIndex).Dur("backoff", a.backoff).Msg("transient provider error, retrying once")
		if waitErr := sleep(ctx, a.backoff); waitErr != nil {
			return statex.AgentTurn{}, waitErr
		}
		out, err = a.call(ctx, vars)
	}
	if err != nil {
		return statex.AgentTurn{}, err
	}

	return toTurn(a.role, req.RoundIndex, out, a.now().UTC())
}

// call runs the graph once under its own deadline.
func (a *advisorImpl) call(ctx context.Context, vars map[string]any) (contractx.AdvisorOutput, error) {
	callCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	out, err := a.runner.Invoke(callCtx, vars)
	if err == nil {
		return out, nil
	}

	switch {
	case ctx.Err() != nil:
		return contractx.AdvisorOutput{}, ctx.Err()
	case errors.Is(callCtx.Err(), context.DeadlineExceeded):
		return contractx.AdvisorOutput{}, &contractx.TimeoutError{Role: a.role, After: a.timeout}
	case errors.Is(err, contractx.ErrSchemaViolation):
		return contractx.AdvisorOutput{}, err
	case errors.Is(err, contractx.ErrTransientProvider):
		return contractx.AdvisorOutput{}, err
	case openrouterx.IsTransient(err):
		return contractx.AdvisorOutput{}, &contractx.TransientProviderError{StatusCode: openrouterx.StatusCode(err), Err: err}
	default:
		return contractx.AdvisorOutput{}, fmt.Errorf("%w: advisor %s: %v", contractx.ErrModelInvoke, a.role, err)
	}
}

type turnPayload struct {
	Situation  string      `json:"situation"`
	Context    string      `json:"context,omitempty"`
	Memories   []string    `json:"relevant_memories,omitempty"`
	PriorTurns []priorTurn `json:"discussion_so_far,omitempty"`
	OpenItems  []string    `json:"open_items,omitempty"`
}

type priorTurn struct {
	Role           string             `json:"role"`
	Round          int                `json:"round"`
	Content        string             `json:"content"`
	Agreements     []string           `json:"agreements,omitempty"`
	Concerns       []string           `json:"concerns,omitempty"`
	Blockers       []string           `json:"blockers,omitempty"`
	Challenges     []statex.Challenge `json:"challenges,omitempty"`
	Recommendation string             `json:"recommendation,omitempty"`
}

func (a *advisorImpl) buildInput(req contractx.InvokeRequest) (string, error) {
	framing, err := a.content.RoundFraming(req.Kind)
	if err != nil {
		return "", err
	}

	payload := turnPayload{
		Situation: req.Situation,
		Context:   req.Context,
		OpenItems: req.OpenItems,
	}
	for _, m := range req.Memories {
		if text := strings.TrimSpace(m.Text); text != "" {
			payload.Memories = append(payload.Memories, text)
		}
	}
	for _, t := range req.PriorTurns {
		payload.PriorTurns = append(payload.PriorTurns, priorTurn{
			Role:           t.AgentRole,
			Round:          t.RoundIndex,
			Content:        t.Content,
			Agreements:     t.Agreements,
			Concerns:       t.Concerns,
			Blockers:       t.Blockers,
			Challenges:     t.Challenges,
			Recommendation: t.Recommendation,
		})
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("%w: marshal advisor payload: %v", contractx.ErrValidation, err)
	}
	return promptx.FrameRound(framing, req.RoundIndex) + "\n\n" + string(raw), nil
}

func toTurn(role string, round int, out contractx.AdvisorOutput, producedAt time.Time) (statex.AgentTurn, error) {
	content := strings.TrimSpace(out.Content)
	if content == "" {
		return statex.AgentTurn{}, fmt.Errorf("%w: advisor %s returned empty content", contractx.ErrSchemaViolation, role)
	}

	challenges := make([]statex.Challenge, 0, len(out.Challenges))
	for _, c := range out.Challenges {
		target := strings.TrimSpace(c.TargetRole)
		if target == "" {
			return statex.AgentTurn{}, fmt.Errorf("%w: challenge without target role", contractx.ErrSchemaViolation)
		}
		if c.TargetRound < 1 || c.TargetRound > round {
			return statex.AgentTurn{}, fmt.Errorf("%w: challenge targets round %d from round %d", contractx.ErrSchemaViolation, c.TargetRound, round)
		}
		challenges = append(challenges, statex.Challenge{
			TargetRole:  target,
			TargetRound: c.TargetRound,
			Rationale:   strings.TrimSpace(c.Rationale),
		})
	}
	if len(challenges) == 0 {
		challenges = nil
	}

	return statex.AgentTurn{
		AgentRole:      role,
		RoundIndex:     round,
		Content:        content,
		Agreements:     cleanStatements(out.Agreements),
		Concerns:       cleanStatements(out.Concerns),
		Blockers:       cleanStatements(out.Blockers),
		Challenges:     challenges,
		Recommendation: strings.TrimSpace(out.Recommendation),
		ProducedAt:     producedAt,
	}, nil
}

func cleanStatements(in []string) []string {
	var out []string
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func outcomeLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, contractx.ErrTimeout):
		return "timeout"
	case errors.Is(err, contractx.ErrTransientProvider):
		return "transient"
	case errors.Is(err, contractx.ErrSchemaViolation):
		return "schema_violation"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "error"
	}
}
