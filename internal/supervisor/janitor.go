package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	gocron "github.com/go-co-op/gocron/v2"
	"github.com/shirou/gopsutil/v4/process"
	"golang.org/x/sync/errgroup"

	"github.com/kimiz-org/kimiz-sub002/internal/model"
	"github.com/kimiz-org/kimiz-sub002/internal/registry"
)

// Proc is the janitor's view of one OS process.
type Proc interface {
	PID() int
	Name() string
	CPUPercent(ctx context.Context) (float64, error)
	Terminate() error
	Kill() error
	Suspend() error
	Resume() error
}

// Source enumerates candidate OS processes. Production uses gopsutil; tests
// inject fakes.
type Source interface {
	Processes(ctx context.Context) ([]Proc, error)
}

const (
	// Window over which per-process CPU usage is measured during a sweep.
	measureWindow = 250 * time.Millisecond
	// Concurrent per-process measurements per sweep.
	sweepParallelism = 4
)

type gopsSource struct{}

func (gopsSource) Processes(ctx context.Context) ([]Proc, error) {
	ps, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Proc, 0, len(ps))
	for _, p := range ps {
		out = append(out, gopsProc{p: p})
	}
	return out, nil
}

type gopsProc struct {
	p *process.Process
}

func (g gopsProc) PID() int { return int(g.p.Pid) }

func (g gopsProc) Name() string {
	name, err := g.p.Name()
	if err != nil {
		return ""
	}
	return name
}

func (g gopsProc) CPUPercent(ctx context.Context) (float64, error) {
	return g.p.PercentWithContext(ctx, measureWindow)
}

func (g gopsProc) Terminate() error { return g.p.Terminate() }
func (g gopsProc) Kill() error      { return g.p.Kill() }
func (g gopsProc) Suspend() error   { return g.p.Suspend() }
func (g gopsProc) Resume() error    { return g.p.Resume() }

// Janitor sweeps the translation layer's process family outside any single
// launch: runaways are terminated, the hot band is briefly suspended instead
// of killed. It never mutates the registry except through EmergencyCleanup.
type Janitor struct {
	settings model.JanitorSettings
	registry *registry.Registry
	source   Source

	// classifyUnknown consults the embedding application about a process the
	// registry does not track. nil means such processes are never terminated,
	// only reported; a name pattern alone is not enough to kill something we
	// did not start.
	classifyUnknown func(name string) bool

	sched gocron.Scheduler

	mu     sync.Mutex
	reaped map[int]struct{}
}

func NewJanitor(settings model.JanitorSettings, reg *registry.Registry, source Source) *Janitor {
	return &Janitor{
		settings: settings,
		registry: reg,
		source:   source,
		reaped:   make(map[int]struct{}),
	}
}

// Terminated reports whether the janitor killed pid, so the launch path can
// flag the result as resource-limited rather than a plain exit.
func (j *Janitor) Terminated(pid int) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	_, ok := j.reaped[pid]
	return ok
}

func (j *Janitor) markReaped(pid int) {
	j.mu.Lock()
	j.reaped[pid] = struct{}{}
	j.mu.Unlock()
}

// WithUnknownClassifier installs the caller's verdict function for processes
// the registry does not know. Returns the janitor for chaining.
func (j *Janitor) WithUnknownClassifier(f func(name string) bool) *Janitor {
	j.classifyUnknown = f
	return j
}

// Start schedules periodic sweeps. A disabled janitor starts nothing and
// Stop stays a no-op. Stop shuts the schedule down.
func (j *Janitor) Start(ctx context.Context) error {
	if !j.settings.Enabled {
		slog.InfoContext(ctx, "janitor disabled, not starting")
		return nil
	}
	if j.sched != nil {
		return errors.New("janitor already started")
	}
	sched, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("initializing janitor scheduler: %w", err)
	}
	_, err = sched.NewJob(
		gocron.DurationJob(j.settings.Interval),
		gocron.NewTask(func() {
			if err := j.Sweep(ctx); err != nil {
				slog.ErrorContext(ctx, "janitor sweep failed", "error", err)
			}
		}),
	)
	if err != nil {
		return fmt.Errorf("initializing janitor job: %w", err)
	}
	j.sched = sched
	sched.Start()
	slog.InfoContext(ctx, "janitor started", "interval", j.settings.Interval.String())
	return nil
}

func (j *Janitor) Stop() error {
	if j.sched == nil {
		return nil
	}
	err := j.sched.Shutdown()
	j.sched = nil
	return err
}

// Sweep runs one pass: enumerate the family, measure each member's CPU in
// parallel, and apply the graduated response.
func (j *Janitor) Sweep(ctx context.Context) error {
	procs, err := j.source.Processes(ctx)
	if err != nil {
		return fmt.Errorf("enumerating processes: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(sweepParallelism)
	for _, p := range procs {
		if !j.matchesFamily(p.Name()) {
			continue
		}
		g.Go(func() error {
			cpu, err := p.CPUPercent(gctx)
			if err != nil {
				// Likely exited between enumeration and measurement.
				return nil
			}
			switch {
			case cpu > j.settings.RunawayCPU:
				j.handleRunaway(gctx, p, cpu)
			case cpu > j.settings.HotCPU:
				j.throttle(gctx, p, cpu)
			}
			return nil
		})
	}
	return g.Wait()
}

func (j *Janitor) handleRunaway(ctx context.Context, p Proc, cpu float64) {
	if !j.registry.Knows(p.PID()) {
		if j.classifyUnknown == nil || !j.classifyUnknown(p.Name()) {
			slog.WarnContext(ctx, "runaway process is not registry-tracked, leaving it alone",
				"pid", p.PID(), "name", p.Name(), "cpu_percent", cpu)
			return
		}
	}
	slog.WarnContext(ctx, "terminating runaway process",
		"pid", p.PID(), "name", p.Name(), "cpu_percent", cpu)
	j.markReaped(p.PID())
	if err := p.Terminate(); err != nil {
		slog.ErrorContext(ctx, "terminate failed, killing",
			"pid", p.PID(), "error", err)
		_ = p.Kill()
	}
}

// throttle gives a hot process a breather instead of killing it: suspend,
// wait, resume. The resume is attempted even when the wait is cut short.
func (j *Janitor) throttle(ctx context.Context, p Proc, cpu float64) {
	slog.InfoContext(ctx, "throttling hot process",
		"pid", p.PID(), "name", p.Name(), "cpu_percent", cpu,
		"suspend_for", j.settings.SuspendFor.String())
	if err := p.Suspend(); err != nil {
		slog.WarnContext(ctx, "suspend failed", "pid", p.PID(), "error", err)
		return
	}

	t := time.NewTimer(j.settings.SuspendFor)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}

	if err := p.Resume(); err != nil {
		slog.ErrorContext(ctx, "resuming throttled process failed", "pid", p.PID(), "error", err)
	}
}

// EmergencyCleanup unconditionally kills every family process and clears the
// registry. Application-level panic recovery, not normal operation.
func (j *Janitor) EmergencyCleanup(ctx context.Context) error {
	procs, err := j.source.Processes(ctx)
	if err != nil {
		// Still drop the slots; the accounting must not stay wedged behind a
		// broken enumeration.
		cleared := j.registry.Clear()
		slog.ErrorContext(ctx, "emergency cleanup could not enumerate processes",
			"cleared_slots", len(cleared), "error", err)
		return fmt.Errorf("enumerating processes: %w", err)
	}

	var killed int
	var errs []error
	for _, p := range procs {
		if !j.matchesFamily(p.Name()) {
			continue
		}
		j.markReaped(p.PID())
		_ = p.Terminate()
		if err := p.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			errs = append(errs, fmt.Errorf("killing pid %d: %w", p.PID(), err))
			continue
		}
		killed++
	}

	cleared := j.registry.Clear()
	slog.WarnContext(ctx, "emergency cleanup done",
		"killed", killed, "cleared_slots", len(cleared))
	return errors.Join(errs...)
}

func (j *Janitor) matchesFamily(name string) bool {
	if name == "" {
		return false
	}
	name = strings.ToLower(name)
	for _, pattern := range j.settings.FamilyPatterns {
		if strings.Contains(name, strings.ToLower(pattern)) {
			return true
		}
	}
	return false
}
