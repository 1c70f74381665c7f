package openrouter

import (
	"context"
	"fmt"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"golang.org/x/time/rate"
)

type rateLimitedModel struct {
	inner   model.BaseChatModel
	limiter *rate.Limiter
}

// RateLimited throttles Generate/Stream calls to rps with the given burst.
// Waiting honors the caller's context, so per-call deadlines still apply.
func RateLimited(inner model.BaseChatModel, rps float64, burst int) model.BaseChatModel {
	if burst <= 0 {
		burst = 1
	}
	return &rateLimitedModel{
		inner:   inner,
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
	}
}

func (m *rateLimitedModel) Generate(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.Message, error) {
	if err := m.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("openrouter: rate limit wait: %w", err)
	}
	return m.inner.Generate(ctx, input, opts...)
}

func (m *rateLimitedModel) Stream(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	if err := m.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("openrouter: rate limit wait: %w", err)
	}
	return m.inner.Stream(ctx, input, opts...)
}
