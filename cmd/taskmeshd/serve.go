package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"TaskMesh-Chain/internal/api"
	"TaskMesh-Chain/internal/auth"
	"TaskMesh-Chain/internal/executor"
	"TaskMesh-Chain/internal/integration"
	"TaskMesh-Chain/internal/negotiator"
	"TaskMesh-Chain/internal/observability/alerting"
	"TaskMesh-Chain/internal/observability/metrics"
	"TaskMesh-Chain/internal/task"
	"TaskMesh-Chain/internal/verifier"
	"TaskMesh-Chain/pkg/logger"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "启动 API 服务与任务处理器",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

func runServe(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return fmt.Errorf("创建数据目录失败: %w", err)
	}

	var release cleanup
	defer release.run()

	store, err := openTaskStore(ctx, cfg)
	if err != nil {
		return err
	}
	release.add(closeLogged("task store", store))

	queue, err := openQueue(ctx, cfg)
	if err != nil {
		return err
	}
	release.add(closeLogged("task queue", queue))

	recorder, err := openRecorder(ctx, cfg, store, &release)
	if err != nil {
		return err
	}

	reg, err := openRegistry(ctx, cfg, &release)
	if err != nil {
		return err
	}

	artifacts, err := openArtifactStore(ctx, cfg, &release)
	if err != nil {
		return err
	}
	cache := integration.NewCache(artifacts,
		integration.NewSynthesizer(integration.Policy{
			AllowedSchemes: cfg.Executor.AllowedSchemes,
			AllowedHosts:   cfg.Executor.AllowedHosts,
			DeniedHosts:    cfg.Executor.DeniedHosts,
		}),
		integration.NewInvoker(nil, cfg.Executor.InvokeTimeout),
	)

	settler, err := newSettler(cfg)
	if err != nil {
		return err
	}
	gate, err := newPaymentGate(cfg)
	if err != nil {
		return err
	}

	exec := executor.New(reg, cache, executor.Config{
		MaxAttempts: cfg.Executor.MaxAttempts,
		BaseBackoff: cfg.Executor.BaseBackoff,
		MaxBackoff:  cfg.Executor.MaxBackoff,
	})
	if cfg.Registry.Watch {
		if updates, err := reg.Watch(ctx); err != nil {
			logger.L().Warn("注册表事件订阅失败，已构建的集成不会随对手方更新失效", slog.Any("error", err))
		} else {
			go executor.RetireOnRegistryEvents(ctx, updates, cache)
		}
	}

	orch, err := task.NewOrchestrator(recorder, task.Components{
		Negotiator: negotiator.New(reg, settler, negotiator.Config{
			MinReputation:   cfg.Negotiator.MinReputation,
			RequireVerified: cfg.Negotiator.RequireVerified,
			MaxFallbacks:    cfg.Negotiator.MaxFallbacks,
		}),
		Approver: task.PolicyApprover{
			AutoApprove: cfg.AutoApprove(),
			MaxPlanCost: cfg.Orchestrator.MaxPlanCost,
		},
		Payment:  gate,
		Executor: exec,
		Verifier: verifier.New(),
	})
	if err != nil {
		return err
	}
	service := task.NewService(recorder, queue, task.WithAborter(orch))

	authSvc, err := auth.NewService(auth.Config{
		Enabled: cfg.Auth.Enabled,
		Issuer:  cfg.Auth.Issuer,
		Secret:  cfg.Auth.Secret,
	})
	if err != nil {
		return err
	}

	notifiers := []alerting.Notifier{alerting.LogNotifier{}}
	if cfg.Alerting.WebhookURL != "" {
		notifiers = append(notifiers, alerting.NewWebhookNotifier(cfg.Alerting.WebhookURL, cfg.Alerting.Timeout))
	}
	processor := task.NewProcessor(orch, store, queue,
		task.WithWorkerCount(cfg.Orchestrator.Workers),
		task.WithAlertDispatcher(alerting.NewFanout(notifiers...)),
	)
	janitor := task.NewJanitor(store, cfg.Orchestrator.RetentionWindow, cfg.Orchestrator.PurgeWindow, cfg.Orchestrator.SweepInterval)

	server := api.NewServer(api.Config{
		Address:        cfg.Server.Address,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		ReadTimeout:    cfg.Server.ReadTimeout,
		MetricsEnabled: cfg.MetricsEnabled() && cfg.Server.MetricsAddress == "",
	}, service, authSvc,
		api.WithIntegrations(cache),
		api.WithHealthCheck("task_store", func(ctx context.Context) error {
			_, err := store.Stats(ctx, task.ListOptions{})
			return err
		}),
		api.WithHealthCheck("registry", func(ctx context.Context) error {
			_, err := reg.Total(ctx)
			return err
		}),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return ignoreCanceled(processor.Start(gctx))
	})
	g.Go(func() error {
		janitor.Run(gctx)
		return nil
	})
	if cfg.MetricsEnabled() && cfg.Server.MetricsAddress != "" {
		g.Go(func() error {
			return ignoreCanceled(metrics.StartServer(gctx, cfg.Server.MetricsAddress))
		})
	}
	g.Go(func() error {
		return ignoreCanceled(server.Start(gctx))
	})

	logger.L().Info("taskmeshd 已启动",
		slog.String("address", cfg.Server.Address),
		slog.String("task_store", cfg.Storage.TaskStore.Driver),
		slog.String("queue", cfg.Queue.Driver),
		slog.String("registry", cfg.Registry.Driver),
		slog.Bool("auth", cfg.Auth.Enabled),
	)
	err = g.Wait()
	logger.L().Info("taskmeshd 已停止")
	return err
}

func ignoreCanceled(err error) error {
	if err == nil || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
