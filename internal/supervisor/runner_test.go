package supervisor

import (
	"bytes"
	"os"
	"os/exec"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// syncBuffer is a sink safe for the stream goroutine to write while the test
// reads.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.buf.Bytes()...)
}

func requireSh(t *testing.T) string {
	t.Helper()
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skipf("skipped, binary sh not available: %v", err)
	}
	return sh
}

func TestRunner_OutputRoundTrip(t *testing.T) {
	t.Parallel()
	sh := requireSh(t)

	// Interleaved stdout and stderr writes with a known total byte stream.
	script := `printf out1; printf err1 1>&2; printf out2; printf err2 1>&2`
	want := "out1err1out2err2"

	sink := &syncBuffer{}
	r, err := startRunner(t.Context(), sh, []string{"-c", script}, "", nil, sink, 64*1024, time.Second)
	require.NoError(t, err)

	<-r.done
	require.Equal(t, 0, r.exit())
	// No gaps, no duplication: sink and tail both carry the exact stream.
	require.Equal(t, want, string(sink.Bytes()))
	require.Equal(t, want, string(r.tail.Bytes()))
}

func TestRunner_TailIsCapped(t *testing.T) {
	t.Parallel()
	sh := requireSh(t)

	script := `i=0; while [ $i -lt 100 ]; do printf 0123456789; i=$((i+1)); done; printf TAIL`
	r, err := startRunner(t.Context(), sh, []string{"-c", script}, "", nil, nil, 16, time.Second)
	require.NoError(t, err)

	<-r.done
	tail := string(r.tail.Bytes())
	require.Len(t, tail, 16)
	require.True(t, strings.HasSuffix(tail, "TAIL"))
}

func TestRunner_ExitCode(t *testing.T) {
	t.Parallel()
	sh := requireSh(t)

	r, err := startRunner(t.Context(), sh, []string{"-c", "exit 7"}, "", nil, nil, 1024, time.Second)
	require.NoError(t, err)
	<-r.done
	require.Equal(t, 7, r.exit())
}

func TestRunner_SpawnFailure(t *testing.T) {
	t.Parallel()
	_, err := startRunner(t.Context(), "/nonexistent/kimiz-no-such-binary", nil, "", nil, nil, 1024, time.Second)
	require.Error(t, err)
}

func TestRunner_WorkingDirAndEnv(t *testing.T) {
	t.Parallel()
	sh := requireSh(t)
	dir := t.TempDir()

	sink := &syncBuffer{}
	r, err := startRunner(t.Context(), sh, []string{"-c", "pwd; printf '%s' \"$KIMIZ_T\""}, dir,
		[]string{"PATH=" + os.Getenv("PATH"), "KIMIZ_T=hello"}, sink, 1024, time.Second)
	require.NoError(t, err)
	<-r.done

	out := string(sink.Bytes())
	require.Contains(t, out, dir)
	require.Contains(t, out, "hello")
}

func TestRunner_TerminateConverges(t *testing.T) {
	t.Parallel()
	sleep, err := exec.LookPath("sleep")
	if err != nil {
		t.Skipf("skipped, binary sleep not available: %v", err)
	}

	r, err := startRunner(t.Context(), sleep, []string{"30"}, "", nil, nil, 1024, 200*time.Millisecond)
	require.NoError(t, err)

	// Racing terminations from "watchdog" and "cancel" must both be safe.
	var wg sync.WaitGroup
	for range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.terminate()
		}()
	}
	wg.Wait()

	select {
	case <-r.done:
	case <-time.After(5 * time.Second):
		t.Fatal("process did not exit after terminate")
	}
	require.NotEqual(t, 0, r.exit())
}

func TestMergeEnv(t *testing.T) {
	base := []string{"PATH=/usr/bin", "HOME=/home/u", "SDL_AUDIODRIVER=alsa", "DISPLAY=:7"}
	caller := map[string]string{
		"SDL_AUDIODRIVER": "pipewire", // beats the supervisor default
		"WINEDEBUG":       "+all",     // loses to the enforced safety key
		"MY_GAME_OPT":     "1",
	}

	got := mergeEnv(base, caller)
	asMap := make(map[string]string, len(got))
	for _, kv := range got {
		k, v, ok := strings.Cut(kv, "=")
		require.True(t, ok)
		asMap[k] = v
	}

	require.Equal(t, "/usr/bin", asMap["PATH"])
	require.Equal(t, "/home/u", asMap["HOME"])
	require.Equal(t, "pipewire", asMap["SDL_AUDIODRIVER"])
	require.Equal(t, "-all", asMap["WINEDEBUG"])
	require.Equal(t, "1", asMap["MY_GAME_OPT"])
	require.Equal(t, "1", asMap["WINEESYNC"]) // fallback fills the unset key
	require.Equal(t, ":7", asMap["DISPLAY"])  // host display wins over the fallback
	require.Equal(t, "x11", asMap["SDL_VIDEODRIVER"])
	require.Equal(t, "/usr/lib/wine", asMap["WINEDLLPATH"])
	require.IsIncreasing(t, got)
}
