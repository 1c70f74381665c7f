package advisor

import (
	"context"
	"fmt"
	"strings"

	einomodel "github.com/cloudwego/eino/components/model"
	einoprompt "github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"

	contractx "github.com/tanpawarit/advisor-council/agent/contract"
)

// compileTurnGraph builds prompt -> model -> parse_json for one role.
// The role instructions travel as a template variable so braces inside them
// are never interpreted as placeholders.
func compileTurnGraph(
	ctx context.Context,
	chatModel einomodel.BaseChatModel,
	role string,
) (compose.Runnable[map[string]any, contractx.AdvisorOutput], error) {
	template := einoprompt.FromMessages(
		schema.FString,
		schema.SystemMessage("{instructions}"),
		schema.UserMessage("{input}"),
	)

	parser := schema.NewMessageJSONParser[contractx.AdvisorOutput](&schema.MessageJSONParseConfig{
		ParseFrom: schema.MessageParseFromContent,
	})

	graph := compose.NewGraph[map[string]any, contractx.AdvisorOutput]()
	if err := graph.AddChatTemplateNode("prompt", template); err != nil {
		return nil, fmt.Errorf("add advisor prompt node: %w", err)
	}
	if err := graph.AddChatModelNode("model", chatModel); err != nil {
		return nil, fmt.Errorf("add advisor model node: %w", err)
	}
	if err := graph.AddLambdaNode("parse_json",
		compose.InvokableLambda(func(ctx context.Context, msg *schema.Message) (contractx.AdvisorOutput, error) {
			if msg == nil {
				return contractx.AdvisorOutput{}, fmt.Errorf("%w: empty model response", contractx.ErrSchemaViolation)
			}
			cleaned := &schema.Message{Role: msg.Role, Content: stripCodeFence(msg.Content)}
			out, err := parser.Parse(ctx, cleaned)
			if err != nil {
				return contractx.AdvisorOutput{}, fmt.Errorf("%w: parse advisor json: %v", contractx.ErrSchemaViolation, err)
			}
			return out, nil
		}),
	); err != nil {
		return nil, fmt.Errorf("add advisor parser node: %w", err)
	}

	if err := graph.AddEdge(compose.START, "prompt"); err != nil {
		return nil, fmt.Errorf("add advisor edge start->prompt: %w", err)
	}
	if err := graph.AddEdge("prompt", "model"); err != nil {
		return nil, fmt.Errorf("add advisor edge prompt->model: %w", err)
	}
	if err := graph.AddEdge("model", "parse_json"); err != nil {
		return nil, fmt.Errorf("add advisor edge model->parse: %w", err)
	}
	if err := graph.AddEdge("parse_json", compose.END); err != nil {
		return nil, fmt.Errorf("add advisor edge parse->end: %w", err)
	}

	runner, err := graph.Compile(ctx, compose.WithGraphName("advisor."+role))
	if err != nil {
		return nil, fmt.Errorf("compile advisor graph: %w", err)
	}
	return runner, nil
}

// stripCodeFence removes a ```json ... ``` wrapper some models add.
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
