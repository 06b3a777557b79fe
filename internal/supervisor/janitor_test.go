package supervisor_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kimiz-org/kimiz-sub002/internal/model"
	"github.com/kimiz-org/kimiz-sub002/internal/registry"
	"github.com/kimiz-org/kimiz-sub002/internal/supervisor"
)

type fakeProc struct {
	pid    int
	name   string
	cpu    float64
	cpuErr error

	mu         sync.Mutex
	terminated bool
	killed     bool
	suspended  bool
	resumed    bool
}

func (f *fakeProc) PID() int     { return f.pid }
func (f *fakeProc) Name() string { return f.name }

func (f *fakeProc) CPUPercent(context.Context) (float64, error) {
	return f.cpu, f.cpuErr
}

func (f *fakeProc) Terminate() error { f.set(&f.terminated); return nil }
func (f *fakeProc) Kill() error      { f.set(&f.killed); return nil }
func (f *fakeProc) Suspend() error   { f.set(&f.suspended); return nil }
func (f *fakeProc) Resume() error    { f.set(&f.resumed); return nil }

func (f *fakeProc) set(field *bool) {
	f.mu.Lock()
	*field = true
	f.mu.Unlock()
}

func (f *fakeProc) state() (terminated, killed, suspended, resumed bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.terminated, f.killed, f.suspended, f.resumed
}

type fakeSource struct {
	procs []supervisor.Proc
	err   error
	calls atomic.Int64
}

func (f *fakeSource) Processes(context.Context) ([]supervisor.Proc, error) {
	f.calls.Add(1)
	return f.procs, f.err
}

func janitorSettings() model.JanitorSettings {
	return model.JanitorSettings{
		Enabled:        true,
		Interval:       10 * time.Millisecond,
		RunawayCPU:     95,
		HotCPU:         70,
		SuspendFor:     time.Millisecond,
		FamilyPatterns: []string{"wine", ".exe"},
	}
}

func TestSweep_RunawayTrackedIsTerminated(t *testing.T) {
	t.Parallel()
	reg := registry.New(2)
	tok, ok := reg.TryAdmit()
	require.True(t, ok)
	reg.Bind(tok, 42, model.RoleGeneric, time.Now().Add(time.Hour))

	runaway := &fakeProc{pid: 42, name: "game.exe", cpu: 99}
	j := supervisor.NewJanitor(janitorSettings(), reg, &fakeSource{procs: []supervisor.Proc{runaway}})

	require.NoError(t, j.Sweep(t.Context()))
	terminated, killed, suspended, _ := runaway.state()
	require.True(t, terminated)
	require.False(t, killed)
	require.False(t, suspended)
	require.True(t, j.Terminated(42))
	require.False(t, j.Terminated(43))
}

func TestSweep_RunawayUnknownIsSpared(t *testing.T) {
	t.Parallel()
	reg := registry.New(2)
	unknown := &fakeProc{pid: 777, name: "wineserver", cpu: 99}
	j := supervisor.NewJanitor(janitorSettings(), reg, &fakeSource{procs: []supervisor.Proc{unknown}})

	require.NoError(t, j.Sweep(t.Context()))
	terminated, _, _, _ := unknown.state()
	require.False(t, terminated)
}

func TestSweep_RunawayUnknownWithClassifierVerdict(t *testing.T) {
	t.Parallel()
	reg := registry.New(2)
	unknown := &fakeProc{pid: 777, name: "wineserver", cpu: 99}
	j := supervisor.NewJanitor(janitorSettings(), reg, &fakeSource{procs: []supervisor.Proc{unknown}}).
		WithUnknownClassifier(func(name string) bool { return name == "wineserver" })

	require.NoError(t, j.Sweep(t.Context()))
	terminated, _, _, _ := unknown.state()
	require.True(t, terminated)
}

func TestSweep_HotIsThrottledNotKilled(t *testing.T) {
	t.Parallel()
	reg := registry.New(2)
	hot := &fakeProc{pid: 10, name: "wine64", cpu: 80}
	j := supervisor.NewJanitor(janitorSettings(), reg, &fakeSource{procs: []supervisor.Proc{hot}})

	require.NoError(t, j.Sweep(t.Context()))
	terminated, killed, suspended, resumed := hot.state()
	require.False(t, terminated)
	require.False(t, killed)
	require.True(t, suspended)
	require.True(t, resumed)
}

func TestSweep_LeavesCalmAndForeignProcessesAlone(t *testing.T) {
	t.Parallel()
	reg := registry.New(2)
	calm := &fakeProc{pid: 11, name: "wine", cpu: 5}
	foreign := &fakeProc{pid: 12, name: "browser", cpu: 99}
	broken := &fakeProc{pid: 13, name: "wine", cpu: 99, cpuErr: errors.New("gone")}
	j := supervisor.NewJanitor(janitorSettings(), reg,
		&fakeSource{procs: []supervisor.Proc{calm, foreign, broken}})

	require.NoError(t, j.Sweep(t.Context()))
	for _, p := range []*fakeProc{calm, foreign, broken} {
		terminated, killed, suspended, _ := p.state()
		require.False(t, terminated, "pid %d", p.pid)
		require.False(t, killed, "pid %d", p.pid)
		require.False(t, suspended, "pid %d", p.pid)
	}
}

func TestEmergencyCleanup(t *testing.T) {
	t.Parallel()
	reg := registry.New(3)
	tok1, _ := reg.TryAdmit()
	tok2, _ := reg.TryAdmit()
	reg.Bind(tok1, 20, model.RoleGeneric, time.Now().Add(time.Hour))
	reg.Bind(tok2, 21, model.RoleGeneric, time.Now().Add(time.Hour))
	require.Equal(t, 2, reg.ActiveCount())

	family1 := &fakeProc{pid: 20, name: "game.exe", cpu: 50}
	family2 := &fakeProc{pid: 99, name: "wineserver", cpu: 1} // not registry-tracked
	foreign := &fakeProc{pid: 12, name: "browser", cpu: 99}
	j := supervisor.NewJanitor(janitorSettings(), reg,
		&fakeSource{procs: []supervisor.Proc{family1, family2, foreign}})

	require.NoError(t, j.EmergencyCleanup(t.Context()))

	_, killed, _, _ := family1.state()
	require.True(t, killed)
	_, killed, _, _ = family2.state()
	require.True(t, killed)
	_, killed, _, _ = foreign.state()
	require.False(t, killed)

	require.Equal(t, 0, reg.ActiveCount())
}

func TestEmergencyCleanup_EnumerationFailureStillClears(t *testing.T) {
	t.Parallel()
	reg := registry.New(2)
	_, ok := reg.TryAdmit()
	require.True(t, ok)

	j := supervisor.NewJanitor(janitorSettings(), reg, &fakeSource{err: errors.New("ps broken")})
	err := j.EmergencyCleanup(t.Context())
	require.Error(t, err)
	require.Equal(t, 0, reg.ActiveCount())
}

func TestJanitor_DisabledNeverSweeps(t *testing.T) {
	src := &fakeSource{}
	set := janitorSettings()
	set.Enabled = false
	j := supervisor.NewJanitor(set, registry.New(1), src)

	require.NoError(t, j.Start(t.Context()))
	require.NoError(t, j.Start(t.Context())) // still nothing scheduled

	time.Sleep(5 * set.Interval)
	require.Zero(t, src.calls.Load())
	require.NoError(t, j.Stop())
}

func TestJanitor_StartStop(t *testing.T) {
	src := &fakeSource{}
	j := supervisor.NewJanitor(janitorSettings(), registry.New(1), src)

	require.NoError(t, j.Start(t.Context()))
	require.Error(t, j.Start(t.Context())) // double start

	require.Eventually(t, func() bool {
		return src.calls.Load() >= 2
	}, 3*time.Second, 5*time.Millisecond)

	require.NoError(t, j.Stop())
	require.NoError(t, j.Stop()) // idempotent
}
