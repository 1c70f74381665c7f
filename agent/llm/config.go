package llm

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cloudwego/eino/components/model"

	contractx "github.com/tanpawarit/advisor-council/agent/contract"
	openrouterx "github.com/tanpawarit/advisor-council/pkg/openrouter"
)

type Config struct {
	Driver             string        `envconfig:"DRIVER" split_words:"true" default:"eino"`
	BaseURL            string        `envconfig:"BASE_URL" split_words:"true" default:"https://openrouter.ai/api/v1"`
	APIKey             string        `envconfig:"API_KEY" split_words:"true" required:"true"`
	Model              string        `envconfig:"MODEL" split_words:"true" required:"true"`
	MaxCompletionToken int           `envconfig:"MAX_COMPLETION_TOKEN" split_words:"true" default:"2000"`
	Temperature        float32       `envconfig:"TEMPERATURE" split_words:"true" default:"0.5"`
	Timeout            time.Duration `envconfig:"TIMEOUT" split_words:"true" default:"60s"`
	RequestsPerSecond  float64       `envconfig:"REQUESTS_PER_SECOND" split_words:"true" default:"0"`
	SiteURL            string        `envconfig:"SITE_URL" split_words:"true"`
	SiteName           string        `envconfig:"SITE_NAME" split_words:"true"`

	// role=model pairs, e.g. "strategy-advisor=anthropic/claude-sonnet-4".
	RoleModels map[string]string `envconfig:"ROLE_MODELS" split_words:"true"`
	// role=temperature pairs.
	RoleTemperatures map[string]string `envconfig:"ROLE_TEMPERATURES" split_words:"true"`
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.APIKey) == "" {
		return fmt.Errorf("%w: openrouter api key is required", contractx.ErrValidation)
	}
	if strings.TrimSpace(c.Model) == "" {
		return fmt.Errorf("%w: default model is required", contractx.ErrValidation)
	}
	switch strings.ToLower(strings.TrimSpace(c.Driver)) {
	case "", openrouterx.DriverEino, openrouterx.DriverSDK:
	default:
		return fmt.Errorf("%w: unknown llm driver %q", contractx.ErrValidation, c.Driver)
	}
	for role, raw := range c.RoleTemperatures {
		v, err := strconv.ParseFloat(strings.TrimSpace(raw), 32)
		if err != nil || v < 0 || v > 2 {
			return fmt.Errorf("%w: invalid temperature %q for role %s", contractx.ErrValidation, raw, role)
		}
	}
	return nil
}

// OpenRouterFor resolves the provider config for one advisor role, applying
// per-role model and temperature overrides on top of the defaults.
func (c Config) OpenRouterFor(role string) openrouterx.Config {
	modelName := strings.TrimSpace(c.Model)
	temp := c.Temperature

	if v := strings.TrimSpace(c.RoleModels[role]); v != "" {
		modelName = v
	}
	if raw, ok := c.RoleTemperatures[role]; ok {
		if v, err := strconv.ParseFloat(strings.TrimSpace(raw), 32); err == nil && v >= 0 {
			temp = float32(v)
		}
	}

	maxCompletionToken := c.MaxCompletionToken
	return openrouterx.Config{
		Driver:             strings.TrimSpace(c.Driver),
		BaseURL:            strings.TrimSpace(c.BaseURL),
		APIKey:             strings.TrimSpace(c.APIKey),
		Model:              modelName,
		MaxCompletionToken: &maxCompletionToken,
		Temperature:        temp,
		Timeout:            c.Timeout,
		RequestsPerSecond:  c.RequestsPerSecond,
		SiteURL:            strings.TrimSpace(c.SiteURL),
		SiteName:           strings.TrimSpace(c.SiteName),
	}
}

// ModelsFor builds one chat model per role. Roles resolving to identical
// provider settings share a model instance, and with it a rate limiter.
func (c Config) ModelsFor(ctx context.Context, roles []string) (map[string]model.BaseChatModel, error) {
	type key struct {
		model string
		temp  float32
	}
	shared := make(map[key]model.BaseChatModel)
	out := make(map[string]model.BaseChatModel, len(roles))

	for _, role := range roles {
		orCfg := c.OpenRouterFor(role)
		k := key{model: orCfg.Model, temp: orCfg.Temperature}
		if m, ok := shared[k]; ok {
			out[role] = m
			continue
		}
		m, err := orCfg.New(ctx)
		if err != nil {
			return nil, fmt.Errorf("build model for %s: %w", role, err)
		}
		m = Classified(m)
		shared[k] = m
		out[role] = m
	}
	return out, nil
}
