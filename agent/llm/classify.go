package llm

import (
	"context"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	contractx "github.com/tanpawarit/advisor-council/agent/contract"
	openrouterx "github.com/tanpawarit/advisor-council/pkg/openrouter"
)

type classifiedModel struct {
	inner model.BaseChatModel
}

// Classified wraps a chat model so provider failures that deserve a retry
// surface as *contract.TransientProviderError.
func Classified(inner model.BaseChatModel) model.BaseChatModel {
	if _, ok := inner.(*classifiedModel); ok {
		return inner
	}
	return &classifiedModel{inner: inner}
}

func (m *classifiedModel) Generate(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.Message, error) {
	out, err := m.inner.Generate(ctx, input, opts...)
	if err != nil {
		return nil, classify(ctx, err)
	}
	return out, nil
}

func (m *classifiedModel) Stream(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	out, err := m.inner.Stream(ctx, input, opts...)
	if err != nil {
		return nil, classify(ctx, err)
	}
	return out, nil
}

func classify(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return err
	}
	if openrouterx.IsTransient(err) {
		return &contractx.TransientProviderError{StatusCode: openrouterx.StatusCode(err), Err: err}
	}
	return err
}
