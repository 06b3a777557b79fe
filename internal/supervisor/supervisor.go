package supervisor

import (
	"context"
	"io"
	"log/slog"
	"maps"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/kimiz-org/kimiz-sub002/internal/classify"
	"github.com/kimiz-org/kimiz-sub002/internal/log"
	"github.com/kimiz-org/kimiz-sub002/internal/model"
	"github.com/kimiz-org/kimiz-sub002/internal/monitor"
	"github.com/kimiz-org/kimiz-sub002/internal/registry"
)

// Fallback environment filled in only where the host leaves a key unset:
// the translation layer's library search path, plus display and audio
// backends for headless-ish sessions.
var defaultEnv = map[string]string{
	"WINEESYNC":       "1",
	"WINEDLLPATH":     "/usr/lib/wine",
	"DISPLAY":         ":0",
	"SDL_VIDEODRIVER": "x11",
	"SDL_AUDIODRIVER": "pulseaudio",
}

// Safety keys the caller may not override. Debug channels of the translation
// layer flood the output stream and have sunk launches before.
var enforcedEnv = map[string]string{
	"WINEDEBUG":      "-all",
	"DXVK_LOG_LEVEL": "none",
}

// Supervisor admits, spawns, watches and reaps translated Windows processes.
// One instance owns one registry; there is no package-level state.
type Supervisor struct {
	settings model.Settings
	sampler  monitor.Sampler
	registry *registry.Registry
	janitor  *Janitor
}

func New(cfg model.Config, sampler monitor.Sampler) *Supervisor {
	settings := cfg.Settings()
	reg := registry.New(settings.MaxConcurrent)
	return &Supervisor{
		settings: settings,
		sampler:  sampler,
		registry: reg,
		janitor:  NewJanitor(settings.Janitor, reg, gopsSource{}),
	}
}

// Janitor exposes the background sweep for the embedding application to
// start, stop, or configure.
func (s *Supervisor) Janitor() *Janitor {
	return s.janitor
}

func (s *Supervisor) ActiveCount() int {
	return s.registry.ActiveCount()
}

// Stats is the diagnostics call for the UI layer. It reports the current CPU
// sample plus one entry per active process.
func (s *Supervisor) Stats(ctx context.Context) model.Stats {
	snap := s.sampler.Sample(ctx)
	handles := s.registry.Snapshot()
	procs := make([]model.ProcessInfo, 0, len(handles))
	for _, h := range handles {
		procs = append(procs, model.ProcessInfo{
			PID:       h.PID,
			Role:      h.Role,
			StartedAt: h.StartedAt,
			Deadline:  h.Deadline,
		})
	}
	sort.Slice(procs, func(i, k int) bool { return procs[i].PID < procs[k].PID })
	return model.Stats{
		CPUPercent:      snap.CPUPercent,
		ActiveProcesses: len(handles),
		Processes:       procs,
	}
}

// EmergencyCleanup kills the whole workload family and clears the registry.
func (s *Supervisor) EmergencyCleanup(ctx context.Context) error {
	return s.janitor.EmergencyCleanup(ctx)
}

// Launch runs one request to completion. It blocks the calling goroutine
// until the process is gone; output reaches sink as it is produced.
//
// Errors are the admission/launch taxonomy: HighCPUError (ErrHighCPU),
// ErrConcurrencyCeiling, *LaunchError, ErrTimedOut, ErrCancelled. A non-zero
// exit code is not an error; it is reported in the result for the caller to
// interpret. Nothing is retried here, ever.
func (s *Supervisor) Launch(ctx context.Context, req model.LaunchRequest, sink io.Writer) (model.ProcessResult, error) {
	req = req.Clone()
	ctx = log.ContextAttrs(ctx, slog.String("executable", req.ExecutablePath))

	// CPU throttle before the registry, so a CPU-denied request never
	// consumes a slot.
	snap := s.sampler.Sample(ctx)
	if snap.CPUPercent > s.settings.CPUThrottle {
		slog.WarnContext(ctx, "launch denied: high cpu", "cpu_percent", snap.CPUPercent)
		return model.ProcessResult{}, model.HighCPUError{Utilization: snap.CPUPercent}
	}

	tok, ok := s.registry.TryAdmit()
	if !ok {
		slog.WarnContext(ctx, "launch denied: concurrency ceiling", "ceiling", s.settings.MaxConcurrent)
		return model.ProcessResult{}, model.ErrConcurrencyCeiling
	}
	// Release is idempotent; this covers every exit path below, including a
	// concurrent emergency cleanup having cleared the slot already.
	defer s.registry.Release(tok)

	budget := classify.Budget(req.ExecutablePath, req.Role, s.settings)
	deadline := time.Now().Add(budget)

	env := mergeEnv(os.Environ(), req.Env)
	r, err := startRunner(ctx, req.ExecutablePath, req.Args, req.WorkingDir, env, sink, s.settings.OutputTail, s.settings.TerminateGrace)
	if err != nil {
		slog.ErrorContext(ctx, "spawn failed", "error", err)
		return model.ProcessResult{}, &model.LaunchError{Path: req.ExecutablePath, Err: err}
	}
	s.registry.Bind(tok, r.pid(), req.Role, deadline)
	slog.InfoContext(ctx, "process started", "pid", r.pid(), "budget", budget.String())

	timedOut, cancelled := s.watch(ctx, r, deadline)

	result := model.ProcessResult{
		ExitCode:       r.exit(),
		Output:         r.tail.Bytes(),
		TimedOut:       timedOut,
		ResourceKilled: s.janitor.Terminated(r.pid()),
	}
	switch {
	case cancelled:
		slog.InfoContext(ctx, "process cancelled", "pid", r.pid())
		return result, model.ErrCancelled
	case timedOut:
		slog.WarnContext(ctx, "process terminated by watchdog", "pid", r.pid(), "budget", budget.String())
		return result, model.ErrTimedOut
	}
	slog.InfoContext(ctx, "process exited", "pid", r.pid(), "exit_code", result.ExitCode)
	return result, nil
}

// watch is the timeout watchdog. It polls at the configured interval until
// the process exits, terminating it when the deadline elapses or the caller
// cancels. Termination and an external kill converge: the loop only ends on
// process exit.
func (s *Supervisor) watch(ctx context.Context, r *runner, deadline time.Time) (timedOut, cancelled bool) {
	ticker := time.NewTicker(s.settings.WatchdogPoll)
	defer ticker.Stop()

	ctxDone := ctx.Done()
	for {
		select {
		case <-r.done:
			return timedOut, cancelled
		case <-ctxDone:
			cancelled = true
			r.terminate()
			ctxDone = nil
		case now := <-ticker.C:
			if !timedOut && !cancelled && now.After(deadline) {
				timedOut = true
				r.terminate()
			}
		}
	}
}

// mergeEnv layers the process environment: inherited host environment,
// fallbacks for keys the host leaves unset, then the caller's variables, then
// the enforced safety keys. The caller wins everywhere except the safety set;
// nothing of the caller's mapping is dropped.
func mergeEnv(base []string, callerEnv map[string]string) []string {
	merged := make(map[string]string, len(base)+len(callerEnv))
	for _, kv := range base {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		merged[k] = v
	}
	for k, v := range defaultEnv {
		if _, ok := merged[k]; !ok {
			merged[k] = v
		}
	}
	maps.Copy(merged, callerEnv)
	maps.Copy(merged, enforcedEnv)

	out := make([]string, 0, len(merged))
	for k, v := range merged {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}
