package supervisor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// How long after process exit the output reader may keep draining. A
// grandchild can inherit the pipe and hold it open past the exit of the
// process we spawned.
const drainWait = time.Second

// tailWriter retains the trailing limit bytes of everything written to it.
// The full stream is never buffered; installers and games can run for hours.
type tailWriter struct {
	mu    sync.Mutex
	limit int
	buf   []byte
}

func newTailWriter(limit int) *tailWriter {
	return &tailWriter{limit: limit}
}

func (t *tailWriter) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if len(t.buf) > t.limit {
		t.buf = t.buf[len(t.buf)-t.limit:]
	}
	return len(p), nil
}

func (t *tailWriter) Bytes() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]byte(nil), t.buf...)
}

// runner owns one spawned OS process: combined stdout+stderr streaming,
// exit reaping, and terminate-then-kill escalation.
type runner struct {
	cmd   *exec.Cmd
	pipeR *os.File
	tail  *tailWriter
	grace time.Duration

	streamDone chan struct{}
	done       chan struct{}

	termOnce sync.Once

	mu       sync.Mutex
	exitCode int
}

// startRunner spawns the executable with both output descriptors wired into
// one pipe. Chunks are forwarded to sink as they arrive and retained in a
// capped tail. On a failed spawn nothing is left behind.
func startRunner(ctx context.Context, path string, args []string, dir string, env []string, sink io.Writer, tailLimit int, grace time.Duration) (*runner, error) {
	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, err
	}

	cmd := exec.Command(path, args...)
	cmd.Dir = dir
	cmd.Env = env
	cmd.Stdout = pw
	cmd.Stderr = pw
	// Own process group, so termination reaches helper children too.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	r := &runner{
		cmd:        cmd,
		pipeR:      pr,
		tail:       newTailWriter(tailLimit),
		grace:      grace,
		streamDone: make(chan struct{}),
		done:       make(chan struct{}),
	}

	if err := cmd.Start(); err != nil {
		_ = pr.Close()
		_ = pw.Close()
		return nil, err
	}
	// Drop the parent's write end, or the reader never sees EOF.
	_ = pw.Close()

	go r.stream(ctx, sink)
	go r.reap()
	return r, nil
}

func (r *runner) pid() int {
	return r.cmd.Process.Pid
}

func (r *runner) stream(ctx context.Context, sink io.Writer) {
	defer close(r.streamDone)
	buf := make([]byte, 32*1024)
	for {
		n, err := r.pipeR.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			_, _ = r.tail.Write(chunk)
			if sink != nil {
				if _, werr := sink.Write(chunk); werr != nil {
					slog.WarnContext(ctx, "output sink write failed, dropping sink", "error", werr)
					sink = nil
				}
			}
		}
		if err != nil {
			return
		}
	}
}

// reap waits for the process, then joins the output stream. End-of-stream is
// only one exit signal: the wait result decides, the reader merely gets a
// bounded window to drain what is left in the pipe.
func (r *runner) reap() {
	err := r.cmd.Wait()

	select {
	case <-r.streamDone:
	case <-time.After(drainWait):
		// Force the reader out; something still holds the write end.
	}
	_ = r.pipeR.Close()
	<-r.streamDone

	exitCode := 0
	if err != nil {
		var ee *exec.ExitError
		if errors.As(err, &ee) {
			exitCode = ee.ExitCode()
		} else {
			exitCode = -1
		}
	}
	r.mu.Lock()
	r.exitCode = exitCode
	r.mu.Unlock()
	close(r.done)
}

func (r *runner) exit() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.exitCode
}

// terminate asks the process group to exit and escalates to SIGKILL after the
// grace window. Safe to call concurrently from the watchdog and a cancelling
// caller; every path converges on "process is gone".
func (r *runner) terminate() {
	r.termOnce.Do(func() {
		pid := r.pid()
		// Group first (negative PID), then the direct process as fallback.
		_ = syscall.Kill(-pid, syscall.SIGTERM)
		_ = r.cmd.Process.Signal(syscall.SIGTERM)

		go func() {
			select {
			case <-r.done:
			case <-time.After(r.grace):
				_ = syscall.Kill(-pid, syscall.SIGKILL)
				_ = r.cmd.Process.Kill()
			}
		}()
	})
}
