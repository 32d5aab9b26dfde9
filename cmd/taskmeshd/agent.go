package main

import (
	"errors"
	"time"

	"github.com/spf13/cobra"

	"taskmesh/internal/agent"
	"taskmesh/internal/domain"
	"taskmesh/internal/logger"
	natsexec "taskmesh/internal/messaging/nats"
)

func newAgentCmd(flags *globalFlags) *cobra.Command {
	var (
		agentID      string
		capabilities []string
		execBin      string
		execArgs     []string
		workdir      string
		timeout      time.Duration
	)
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Run one remote agent that executes assignments received over NATS",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			if cfg.NATS.URL == "" {
				return errors.New("agent mode needs a NATS URL (--nats or [nats] url)")
			}
			if agentID == "" || execBin == "" {
				return errors.New("--id and --exec are required")
			}
			log := logger.New(cfg.Logging).With("agent_id", agentID)
			ctx := cmd.Context()

			nats, err := natsexec.Connect(ctx, cfg.NATS.URL, log.With("component", "nats"))
			if err != nil {
				return err
			}
			defer func() {
				_ = nats.Close()
			}()

			opts := agent.Options{
				Accept:    acceptByCapability(domain.Agent{ID: agentID, Capabilities: capabilities}),
				Heartbeat: 10 * time.Second,
				Logger:    log,
			}
			w := agent.NewWorker(agentID, nats.Inbox(ctx, 16), nats, agent.ExecHandler{
				Binary:  execBin,
				Args:    execArgs,
				Workdir: workdir,
				Timeout: timeout,
			}, opts)
			w.Start(ctx)
			log.Info("agent started", "exec", execBin, "capabilities", capabilities)
			<-ctx.Done()
			w.Wait()
			return nil
		},
	}
	cmd.Flags().StringVar(&agentID, "id", "", "agent id as registered in the roster")
	cmd.Flags().StringSliceVar(&capabilities, "capability", nil, "capability to accept; none accepts every assignment")
	cmd.Flags().StringVar(&execBin, "exec", "", "command run per assignment; the assignment JSON is written to stdin")
	cmd.Flags().StringSliceVar(&execArgs, "exec-arg", nil, "argument for --exec, repeatable")
	cmd.Flags().StringVar(&workdir, "workdir", "", "working directory for --exec")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "per-assignment timeout; zero uses twice the estimate")
	return cmd
}
