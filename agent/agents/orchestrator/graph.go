package orchestrator

import (
	"context"
	"fmt"

	"github.com/cloudwego/eino/compose"

	contractx "github.com/tanpawarit/advisor-council/agent/contract"
	nodex "github.com/tanpawarit/advisor-council/agent/nodes"
)

func (o *Orchestrator) compileDeliberateGraph(
	ctx context.Context,
) (compose.Runnable[nodex.GraphInput, nodex.GraphOutput], error) {
	graph := compose.NewGraph[nodex.GraphInput, nodex.GraphOutput]()

	if err := graph.AddLambdaNode("validate_request",
		compose.InvokableLambda(func(ctx context.Context, in nodex.GraphInput) (*nodex.GraphState, error) {
			return nodex.ValidateRequest(in, o.defaults)
		}),
	); err != nil {
		return nil, fmt.Errorf("add node validate_request: %w", err)
	}

	if err := graph.AddLambdaNode("load_or_create_session",
		compose.InvokableLambda(func(ctx context.Context, in *nodex.GraphState) (*nodex.GraphState, error) {
			return nodex.LoadOrCreateSession(ctx, in, o.store, o.newID, o.now(), o.logger)
		}),
	); err != nil {
		return nil, fmt.Errorf("add node load_or_create_session: %w", err)
	}

	if err := graph.AddLambdaNode("read_memory",
		compose.InvokableLambda(func(ctx context.Context, in *nodex.GraphState) (*nodex.GraphState, error) {
			return nodex.ReadMemory(ctx, in, o.memory, o.cfg.MemoryLimit, o.logger)
		}),
	); err != nil {
		return nil, fmt.Errorf("add node read_memory: %w", err)
	}

	if err := graph.AddLambdaNode("run_rounds",
		compose.InvokableLambda(func(ctx context.Context, in *nodex.GraphState) (*nodex.GraphState, error) {
			return nodex.RunRounds(ctx, in, nodex.RoundDeps{
				Runner:             o.rounds,
				Evaluator:          o.evaluator,
				Store:              o.store,
				Scheduler:          o.scheduler,
				SafetyMargin:       o.cfg.SafetyMargin,
				CheckpointHeadroom: o.cfg.CheckpointHeadroom,
				Now:                o.now,
				Logger:             o.logger,
			})
		}),
	); err != nil {
		return nil, fmt.Errorf("add node run_rounds: %w", err)
	}

	if err := graph.AddLambdaNode("write_memory",
		compose.InvokableLambda(func(ctx context.Context, in *nodex.GraphState) (*nodex.GraphState, error) {
			return nodex.WriteMemory(ctx, in, o.memory, o.cfg.MemoryStoreTimeout, o.logger)
		}),
	); err != nil {
		return nil, fmt.Errorf("add node write_memory: %w", err)
	}

	if err := graph.AddLambdaNode("finalize",
		compose.InvokableLambda(func(ctx context.Context, in *nodex.GraphState) (nodex.GraphOutput, error) {
			return nodex.Finalize(ctx, in, o.store, o.logger)
		}),
	); err != nil {
		return nil, fmt.Errorf("add node finalize: %w", err)
	}

	// A resumed terminal session skips straight to its stored result.
	branch := compose.NewGraphBranch(
		func(ctx context.Context, in *nodex.GraphState) (string, error) {
			if in == nil {
				return "", fmt.Errorf("%w: graph state is nil", contractx.ErrValidation)
			}
			if in.Replay {
				return "finalize", nil
			}
			return "read_memory", nil
		},
		map[string]bool{
			"read_memory": true,
			"finalize":    true,
		},
	)
	if err := graph.AddBranch("load_or_create_session", branch); err != nil {
		return nil, fmt.Errorf("add replay branch: %w", err)
	}

	edges := [][2]string{
		{compose.START, "validate_request"},
		{"validate_request", "load_or_create_session"},
		{"read_memory", "run_rounds"},
		{"run_rounds", "write_memory"},
		{"write_memory", "finalize"},
		{"finalize", compose.END},
	}

	for _, edge := range edges {
		if err := graph.AddEdge(edge[0], edge[1]); err != nil {
			return nil, fmt.Errorf("add edge %s->%s: %w", edge[0], edge[1], err)
		}
	}

	runner, err := graph.Compile(ctx, compose.WithGraphName("orchestrator.deliberate"))
	if err != nil {
		return nil, fmt.Errorf("compile orchestrator graph: %w", err)
	}
	return runner, nil
}
