package manager

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chaqum-run/jobtree/internal/log"
)

func writeScript(t *testing.T, dir, name, body string) {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o755))
}

func TestRunSingleEntryNoChildrenTerminatesPromptly(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "entry", "#!/bin/sh\nexit 0\n")

	logger := log.New(os.Stdout, "test")
	mgr := New(dir, "entry", 10*time.Millisecond, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, mgr.Run(ctx, nil))

	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	assert.Len(t, mgr.jobs, 0, "the entry job should be reaped once Done")
	assert.Equal(t, 0, mgr.sched.Len())
}

func TestRunFanOutViaControlPipe(t *testing.T) {
	dir := t.TempDir()
	// The entry script enqueues a child through the control pipe (fd 3/4)
	// and waits on it before exiting, exercising RegisterJob end to end.
	writeScript(t, dir, "entry", `#!/bin/sh
echo "enqueue child" >&3
read -r reply <&4
echo "waitjobs $(echo "$reply" | cut -d' ' -f2)" >&3
read -r reply <&4
exit 0
`)
	writeScript(t, dir, "child", "#!/bin/sh\nexit 0\n")

	logger := log.New(os.Stdout, "test")
	mgr := New(dir, "entry", 10*time.Millisecond, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, mgr.Run(ctx, nil))

	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	assert.Len(t, mgr.jobs, 0)
}

func TestCheckDoneRequiresStartedEmptyJobsAndNoTriggers(t *testing.T) {
	logger := log.New(os.Stdout, "test")
	mgr := New(t.TempDir(), "entry", time.Second, logger)

	mgr.checkDone()
	select {
	case <-mgr.done:
		t.Fatal("done should not resolve before Run marks the manager started")
	default:
	}

	mgr.mu.Lock()
	mgr.started = true
	mgr.mu.Unlock()

	mgr.checkDone()
	select {
	case <-mgr.done:
	default:
		t.Fatal("done should resolve once started with no jobs or triggers")
	}
}

func TestRegisterIntervalSerializesOverlappingFirings(t *testing.T) {
	dir := t.TempDir()
	lockDir := filepath.Join(dir, "lock")
	overlaps := filepath.Join(dir, "overlaps")
	ticks := filepath.Join(dir, "ticks")

	// Each firing sleeps well past its own 1s repeat period; if the
	// overlap guard released the moment RegisterJob returned (rather than
	// once the fired job actually finished), a later tick would start
	// while an earlier one is still sleeping and trip the mkdir race.
	writeScript(t, dir, "tick", fmt.Sprintf(`#!/bin/sh
if mkdir %s 2>/dev/null; then
	:
else
	echo OVERLAP >> %s
fi
echo tick >> %s
sleep 1.2
rmdir %s 2>/dev/null
`, lockDir, overlaps, ticks, lockDir))

	logger := log.New(os.Stdout, "test")
	mgr := New(dir, "entry", time.Second, logger)

	require.NoError(t, mgr.RegisterInterval("1s", "tick", nil))
	time.Sleep(3500 * time.Millisecond)
	mgr.sched.Shutdown()

	if overlapBytes, err := os.ReadFile(overlaps); err == nil {
		assert.Empty(t, strings.TrimSpace(string(overlapBytes)), "overlapping firings should be serialized, not run concurrently")
	}

	tickBytes, err := os.ReadFile(ticks)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(tickBytes)), "\n")
	assert.GreaterOrEqual(t, len(lines), 2, "expected multiple sequential firings over the test window")
}

func TestForgetJobTriggersCheckDone(t *testing.T) {
	logger := log.New(os.Stdout, "test")
	mgr := New(t.TempDir(), "entry", time.Second, logger)

	mgr.mu.Lock()
	mgr.started = true
	mgr.jobs["ghost/1"] = nil
	mgr.mu.Unlock()

	mgr.ForgetJob("ghost/1")

	select {
	case <-mgr.done:
	default:
		t.Fatal("forgetting the last job should resolve done")
	}
}
