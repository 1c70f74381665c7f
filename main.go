package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/tanpawarit/advisor-council/agent/agents/advisor"
	"github.com/tanpawarit/advisor-council/agent/agents/orchestrator"
	"github.com/tanpawarit/advisor-council/agent/api"
	"github.com/tanpawarit/advisor-council/agent/checkpoint"
	"github.com/tanpawarit/advisor-council/agent/consensus"
	"github.com/tanpawarit/advisor-council/agent/continuation"
	"github.com/tanpawarit/advisor-council/agent/llm"
	"github.com/tanpawarit/advisor-council/agent/memory"
	"github.com/tanpawarit/advisor-council/agent/metrics"
	"github.com/tanpawarit/advisor-council/agent/prompt"
	"github.com/tanpawarit/advisor-council/agent/round"
	configx "github.com/tanpawarit/advisor-council/pkg/config"
	logx "github.com/tanpawarit/advisor-council/pkg/logger"
	_ "github.com/tanpawarit/advisor-council/pkg/logger/autoload"
	qstashx "github.com/tanpawarit/advisor-council/pkg/qstash"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := logx.Component("main")

	llmCfg := configx.MustNew[llm.Config]("LLM")
	advisorCfg := configx.MustNew[advisor.Config]("ADVISOR")
	councilCfg := configx.MustNew[orchestrator.Config]("COUNCIL")
	checkpointCfg := configx.MustNew[checkpoint.Config]("CHECKPOINT")
	memoryCfg := configx.MustNew[memory.Config]("MEMORY")
	qstashCfg := configx.MustNew[qstashx.Config]("QSTASH")
	apiCfg := configx.MustNew[api.Config]("API")

	if err := checkpointCfg.CheckInvocationLimit(apiCfg.InvocationLimit); err != nil {
		logger.Fatal().Err(err).Msg("invalid checkpoint claim ttl")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	recorder := metrics.MustNew(reg)

	models, err := llmCfg.ModelsFor(ctx, councilCfg.Roles)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize chat models")
	}

	advisors, err := advisor.NewRegistry(ctx, councilCfg.Roles, models, prompt.NewLibrary(), *advisorCfg,
		advisor.WithObserver(recorder),
	)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize advisors")
	}

	executor, err := round.New(advisors, councilCfg.Roles, round.WithObserver(recorder))
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize round executor")
	}

	backend, closeBackend, err := checkpoint.Open(ctx, *checkpointCfg)
	if err != nil {
		logger.Fatal().Err(err).Str("backend", checkpointCfg.Backend).Msg("failed to open checkpoint backend")
	}
	defer func() {
		if err := closeBackend(); err != nil {
			logger.Error().Err(err).Msg("close checkpoint backend")
		}
	}()

	store, err := checkpoint.NewStore(backend, append(checkpointCfg.Options(), checkpoint.WithObserver(recorder))...)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize checkpoint store")
	}

	mem, err := memory.New(*memoryCfg, recorder)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize memory gateway")
	}

	orchOpts := []orchestrator.Option{orchestrator.WithObserver(recorder)}
	apiOpts := []api.Option{api.WithGatherer(reg)}
	if qstashCfg.Enabled {
		client := qstashx.MustNew(*qstashCfg)
		scheduler, err := continuation.NewQStashScheduler(client, apiCfg.CallbackURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to initialize continuation scheduler")
		}
		orchOpts = append(orchOpts, orchestrator.WithScheduler(scheduler))
		apiOpts = append(apiOpts, api.WithVerifier(client))
	}

	orch, err := orchestrator.New(executor, consensus.New(councilCfg.SynthesisRole), store, mem, *councilCfg, orchOpts...)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize orchestrator")
	}

	srv := &http.Server{
		Addr:              apiCfg.Addr,
		Handler:           api.NewHandler(orch, *apiCfg, apiOpts...).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", apiCfg.Addr).Strs("roles", councilCfg.Roles).Msg("advisor council listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("http server stopped")
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}
}
