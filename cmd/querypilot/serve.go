package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"QueryPilot/internal/api"
	"QueryPilot/internal/observability/metrics"
	"QueryPilot/internal/task"
	"QueryPilot/pkg/logger"
)

func newServeCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the async turn processor",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if addr != "" {
				globalCfg.Server.Address = addr
			}
			return serve(ctx)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Override the API listen address")
	return cmd
}

func serve(ctx context.Context) error {
	cfg := globalCfg
	rt, err := buildRuntime(ctx, cfg)
	if err != nil {
		return err
	}
	defer rt.Close()

	store, queue, err := buildJobs(ctx, cfg, rt)
	if err != nil {
		return err
	}

	service := task.NewService(store, queue, cfg.Storage.Jobs.MaxRetries)
	procOpts := []task.ProcessorOption{
		task.WithWorkerCount(cfg.Queue.Workers),
		task.WithRecoveryHandler(task.MessageRecovery{}),
		task.WithAlertDispatcher(buildAlerts(cfg)),
	}
	apiOpts := []api.Option{
		api.WithHistory(rt.turns),
		api.WithTimeouts(cfg.Server.ReadTimeout, cfg.Server.WriteTimeout, cfg.Server.ShutdownTimeout),
		api.WithAPIKeys(cfg.Server.APIKeys...),
	}
	if rt.metrics != nil {
		procOpts = append(procOpts, task.WithJobObserver(rt.metrics))
		if cfg.Metrics.Address == "" {
			apiOpts = append(apiOpts, api.WithMetrics(cfg.Metrics.Path, rt.metrics.Handler(), rt.metrics))
		} else {
			apiOpts = append(apiOpts, api.WithMetrics("", nil, rt.metrics))
		}
	}
	processor := task.NewProcessor(task.PipelineExecutor{Runner: rt.controller}, store, queue, queue, procOpts...)
	server := api.NewServer(cfg.Server.Address, service, apiOpts...)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ignoreCanceled(server.Start(gctx)) })
	g.Go(func() error { return ignoreCanceled(processor.Start(gctx)) })
	if rt.metrics != nil && cfg.Metrics.Address != "" {
		g.Go(func() error { return ignoreCanceled(metrics.StartServer(gctx, cfg.Metrics.Address, rt.metrics.Handler())) })
	}

	logger.L().Info("querypilot 已启动",
		"address", cfg.Server.Address,
		"queue", cfg.Queue.Driver,
		"workers", cfg.Queue.Workers,
		"tools", rt.controller.Registry().Names(),
	)
	err = g.Wait()
	logger.L().Info("querypilot 已退出")
	return err
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
