package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/kimiz-org/kimiz-sub002/internal/log"
	"github.com/kimiz-org/kimiz-sub002/internal/model"
	"github.com/kimiz-org/kimiz-sub002/internal/monitor"
	"github.com/kimiz-org/kimiz-sub002/internal/supervisor"
)

var (
	flagWorkdir string
	flagRole    string
	flagEnv     []string
	flagJanitor bool
)

func init() {
	runCmd.Flags().StringVar(&flagWorkdir, "workdir", "", "working directory for the launched executable")
	runCmd.Flags().StringVar(&flagRole, "role", "", "role hint: installer|interactive|generic")
	runCmd.Flags().StringArrayVar(&flagEnv, "env", nil, "extra environment variable KEY=VALUE, repeatable")
	runCmd.Flags().BoolVar(&flagJanitor, "janitor", true, "run the background janitor sweep while the process is alive (overrides the configured janitor.enabled)")
}

var runCmd = &cobra.Command{
	Use:   "run <executable> [args...]",
	Short: "run launches one executable under supervision and streams its output",
	Args:  cobra.MinimumNArgs(1),
	RunE:  doRun,
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "stats prints current cpu utilization and active process count",
	RunE:  doStats,
}

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "cleanup terminates every process of the translation layer's family",
	RunE:  doCleanup,
}

func doRun(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	attrs := slog.Group("kimizrun",
		slog.String("cmd", "run"),
		slog.Int("pid", os.Getpid()),
	)
	ctx = log.ContextAttrs(ctx, attrs)

	role, err := model.ParseRole(flagRole)
	if err != nil {
		return err
	}
	env, err := parseEnv(flagEnv)
	if err != nil {
		return err
	}

	// The config decides whether the janitor runs; an explicit --janitor wins.
	if cmd.Flags().Changed("janitor") {
		if config.Janitor == nil {
			config.Janitor = &model.JanitorConfig{}
		}
		config.Janitor.Enabled = &flagJanitor
	}

	sup := supervisor.New(config, monitor.NewCPUSampler())
	if err := sup.Janitor().Start(ctx); err != nil {
		return err
	}
	defer func() {
		if err := sup.Janitor().Stop(); err != nil {
			slog.ErrorContext(ctx, "stopping janitor failed", "error", err)
		}
	}()

	req := model.LaunchRequest{
		ExecutablePath: args[0],
		Args:           args[1:],
		Env:            env,
		WorkingDir:     flagWorkdir,
		Role:           role,
	}
	result, err := sup.Launch(ctx, req, os.Stdout)
	switch {
	case errors.Is(err, model.ErrHighCPU), errors.Is(err, model.ErrConcurrencyCeiling):
		return fmt.Errorf("system busy, try again later: %w", err)
	case errors.Is(err, model.ErrTimedOut):
		return fmt.Errorf("the launched program exceeded its runtime budget: %w", err)
	case err != nil:
		return err
	}

	if result.ExitCode != 0 {
		// Not a supervisor failure; surface the program's own verdict.
		slog.WarnContext(ctx, "program exited non-zero", "exit_code", result.ExitCode)
	}
	// propagated by main after the deferred janitor shutdown runs
	exitCode = result.ExitCode
	return nil
}

func doStats(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	sup := supervisor.New(config, monitor.NewCPUSampler())
	stats := sup.Stats(ctx)
	fmt.Printf("cpu:              %.1f%%\n", stats.CPUPercent)
	fmt.Printf("active processes: %d\n", stats.ActiveProcesses)
	for _, p := range stats.Processes {
		fmt.Printf("  pid %-7d role %-11s started %s  deadline %s\n",
			p.PID, p.Role, p.StartedAt.Format(time.RFC3339), p.Deadline.Format(time.RFC3339))
	}
	return nil
}

func doCleanup(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	attrs := slog.Group("kimizrun",
		slog.String("cmd", "cleanup"),
		slog.Int("pid", os.Getpid()),
	)
	ctx = log.ContextAttrs(ctx, attrs)

	sup := supervisor.New(config, monitor.NewCPUSampler())
	return sup.EmergencyCleanup(ctx)
}

func parseEnv(kvs []string) (map[string]string, error) {
	if len(kvs) == 0 {
		return nil, nil
	}
	env := make(map[string]string, len(kvs))
	for _, kv := range kvs {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid --env %q, expected KEY=VALUE", kv)
		}
		env[k] = v
	}
	return env, nil
}
