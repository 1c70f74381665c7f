package llm

import (
	"context"
	"errors"
	"testing"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	contractx "github.com/tanpawarit/advisor-council/agent/contract"
)

func TestOpenRouterForAppliesRoleOverrides(t *testing.T) {
	t.Parallel()

	cfg := Config{
		APIKey:             "k",
		Model:              "default/model",
		Temperature:        0.5,
		MaxCompletionToken: 1000,
		RoleModels:         map[string]string{contractx.RoleStrategy: "strategy/model"},
		RoleTemperatures:   map[string]string{contractx.RoleStrategy: "0.2"},
	}

	got := cfg.OpenRouterFor(contractx.RoleStrategy)
	if got.Model != "strategy/model" || got.Temperature != 0.2 {
		t.Fatalf("strategy config = %s/%v", got.Model, got.Temperature)
	}
	if got.MaxCompletionToken == nil || *got.MaxCompletionToken != 1000 {
		t.Fatalf("MaxCompletionToken = %v", got.MaxCompletionToken)
	}

	def := cfg.OpenRouterFor(contractx.RoleDesign)
	if def.Model != "default/model" || def.Temperature != 0.5 {
		t.Fatalf("design config = %s/%v", def.Model, def.Temperature)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	ok := Config{APIKey: "k", Model: "m"}
	if err := ok.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}

	cases := []Config{
		{Model: "m"},
		{APIKey: "k"},
		{APIKey: "k", Model: "m", Driver: "grpc"},
		{APIKey: "k", Model: "m", RoleTemperatures: map[string]string{"x": "hot"}},
	}
	for i, c := range cases {
		if err := c.Validate(); !errors.Is(err, contractx.ErrValidation) {
			t.Fatalf("case %d: Validate() error = %v, want ErrValidation", i, err)
		}
	}
}

func TestModelsForSharesIdenticalSettings(t *testing.T) {
	t.Parallel()

	cfg := Config{
		Driver:     "sdk",
		APIKey:     "k",
		Model:      "default/model",
		BaseURL:    "http://127.0.0.1:1",
		RoleModels: map[string]string{contractx.RoleDesign: "design/model"},
	}
	models, err := cfg.ModelsFor(context.Background(), []string{contractx.RoleFacilitator, contractx.RoleStrategy, contractx.RoleDesign})
	if err != nil {
		t.Fatalf("ModelsFor() error = %v", err)
	}
	if models[contractx.RoleFacilitator] != models[contractx.RoleStrategy] {
		t.Fatal("roles with identical settings must share a model")
	}
	if models[contractx.RoleFacilitator] == models[contractx.RoleDesign] {
		t.Fatal("overridden role must get its own model")
	}
}

type errModel struct{ err error }

func (m errModel) Generate(context.Context, []*schema.Message, ...model.Option) (*schema.Message, error) {
	return nil, m.err
}

func (m errModel) Stream(context.Context, []*schema.Message, ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	return nil, m.err
}

func TestClassifiedMarksTransientErrors(t *testing.T) {
	t.Parallel()

	m := Classified(errModel{err: errors.New("error, status code: 502, message: bad gateway")})
	_, err := m.Generate(context.Background(), nil)
	var transient *contractx.TransientProviderError
	if !errors.As(err, &transient) {
		t.Fatalf("Generate() error = %v, want TransientProviderError", err)
	}
	if transient.StatusCode != 502 {
		t.Fatalf("StatusCode = %d, want 502", transient.StatusCode)
	}

	m = Classified(errModel{err: errors.New("error, status code: 401, message: unauthorized")})
	_, err = m.Generate(context.Background(), nil)
	if errors.Is(err, contractx.ErrTransientProvider) {
		t.Fatalf("401 must not be transient: %v", err)
	}
}
