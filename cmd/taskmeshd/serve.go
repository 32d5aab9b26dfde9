package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"taskmesh/internal/agent"
	"taskmesh/internal/agentgraph"
	"taskmesh/internal/config"
	"taskmesh/internal/domain"
	"taskmesh/internal/logger"
	"taskmesh/internal/messaging/inproc"
	natsexec "taskmesh/internal/messaging/nats"
	"taskmesh/internal/orchestrator"
	"taskmesh/internal/scheduler"
)

type serveOptions struct {
	demo     bool
	execBin  string
	execArgs []string
}

func newServeCmd(flags *globalFlags) *cobra.Command {
	var opts serveOptions
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the distribution engine",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg, opts)
		},
	}
	cmd.Flags().BoolVar(&opts.demo, "demo", false, "register demo agents and seed demo tasks on an empty store")
	cmd.Flags().StringVar(&opts.execBin, "exec", "", "run every known agent's assignments through this command")
	cmd.Flags().StringSliceVar(&opts.execArgs, "exec-arg", nil, "argument for --exec, repeatable")
	return cmd
}

func runServe(ctx context.Context, cfg config.Config, opts serveOptions) error {
	log := logger.New(cfg.Logging)
	slog.SetDefault(log)

	store, err := openStore(ctx, cfg.Store.DBPath)
	if err != nil {
		return err
	}
	defer func() {
		_ = store.Close()
	}()

	agents, err := agentgraph.New(agentgraph.Options{DefaultMaxConcurrent: cfg.Engine.DefaultMaxConcurrent})
	if err != nil {
		return err
	}
	defer agents.Close()
	if cfg.Agents.RosterPath != "" {
		roster, err := agentgraph.LoadRoster(cfg.Agents.RosterPath)
		if err != nil {
			return err
		}
		if err := agents.Apply(roster); err != nil {
			return fmt.Errorf("apply roster: %w", err)
		}
	}
	if opts.demo && len(agents.Agents()) == 0 {
		if err := agents.Apply(demoRoster()); err != nil {
			return fmt.Errorf("apply demo roster: %w", err)
		}
	}

	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	otel.SetMeterProvider(provider)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		logMetrics(shutdownCtx, reader, log)
		_ = provider.Shutdown(shutdownCtx)
	}()

	var (
		executor scheduler.Executor
		inbox    agent.Inbox
		nats     *natsexec.Executor
	)
	if cfg.NATS.URL != "" {
		nats, err = natsexec.Connect(ctx, cfg.NATS.URL, log.With("component", "nats"))
		if err != nil {
			return err
		}
		defer func() {
			_ = nats.Close()
		}()
		executor = nats
		inbox = nats.Inbox(ctx, 64)
	} else {
		bus := inproc.New(256)
		executor = bus
		inbox = bus
	}

	svc, err := orchestrator.New(store, agents, executor, provider.Meter("taskmesh"), engineConfig(cfg), log)
	if err != nil {
		return err
	}
	restored, err := svc.Restore(ctx)
	if err != nil {
		return err
	}

	var reporter agent.Reporter = svc
	if nats != nil {
		reporter = nats
		stop, err := nats.ConsumeReports(ctx, reportHandler(svc, log))
		if err != nil {
			return err
		}
		defer stop()
	}

	handler := workerHandler(opts)
	var workers []*agent.Worker
	if handler != nil {
		for _, a := range agents.Agents() {
			w := agent.NewWorker(a.ID, inbox, reporter, handler, agent.Options{
				Accept:    acceptByCapability(a),
				Heartbeat: 10 * time.Second,
				Logger:    log.With("component", "worker"),
			})
			w.Start(ctx)
			workers = append(workers, w)
		}
	} else if nats == nil {
		log.Warn("in-process transport without --demo or --exec; assignments will fail delivery until agents register")
	}

	svc.Start(ctx)
	if opts.demo && restored == 0 {
		if err := seedDemo(ctx, svc, log); err != nil {
			log.Warn("demo seed failed", "error", err)
		}
	}

	log.Info("taskmeshd started",
		"db", cfg.Store.DBPath,
		"agents", len(agents.Agents()),
		"workers", len(workers),
		"nats", cfg.NATS.URL != "",
		"restored_tasks", restored,
	)

	<-ctx.Done()
	log.Info("shutting down")
	err = svc.Wait()
	for _, w := range workers {
		w.Wait()
	}
	return err
}

func workerHandler(opts serveOptions) agent.Handler {
	switch {
	case opts.execBin != "":
		return agent.ExecHandler{Binary: opts.execBin, Args: opts.execArgs}
	case opts.demo:
		return demoHandler()
	default:
		return nil
	}
}

// reportHandler applies remote reports. Rejected reports are logged and
// acked; redelivering a stale or illegal report would never succeed.
func reportHandler(svc *orchestrator.Service, log *slog.Logger) func(context.Context, domain.ExecutionReport) error {
	return func(ctx context.Context, r domain.ExecutionReport) error {
		if err := svc.Report(ctx, r); err != nil {
			log.Warn("report not applied", "task_id", r.TaskID, "agent_id", r.AgentID, "kind", r.Kind, "error", err)
		}
		return nil
	}
}

func logMetrics(ctx context.Context, reader *sdkmetric.ManualReader, log *slog.Logger) {
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		log.Warn("collect metrics", "error", err)
		return
	}
	attrs := []any{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				continue
			}
			var total int64
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
			attrs = append(attrs, m.Name, total)
		}
	}
	log.Info("metrics at shutdown", attrs...)
}
