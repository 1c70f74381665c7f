package memory

import (
	"fmt"
	"strings"

	contractx "github.com/tanpawarit/advisor-council/agent/contract"
)

const (
	BackendInMemory = "inmemory"
	BackendZep      = "zep"
	BackendNone     = "none"
)

type Config struct {
	Backend string    `envconfig:"BACKEND" split_words:"true" default:"inmemory"`
	Zep     ZepConfig `envconfig:"ZEP"`
}

func (c Config) Validate() error {
	switch strings.ToLower(strings.TrimSpace(c.Backend)) {
	case BackendInMemory, BackendNone:
	case BackendZep:
		if strings.TrimSpace(c.Zep.APIKey) == "" {
			return fmt.Errorf("%w: zep memory backend needs an api key", contractx.ErrValidation)
		}
	default:
		return fmt.Errorf("%w: unknown memory backend %q", contractx.ErrValidation, c.Backend)
	}
	return nil
}

// New builds the configured gateway wrapped in the isolation guard.
func New(cfg Config, observer Observer) (*Isolated, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var inner contractx.MemoryGateway
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case BackendZep:
		z, err := NewZepGateway(cfg.Zep, nil)
		if err != nil {
			return nil, err
		}
		inner = z
	case BackendNone:
		inner = Noop{}
	default:
		inner = NewInMemoryGateway()
	}
	return NewIsolated(inner, observer), nil
}
