package executor

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunCommand_CapturesStdoutAndStderr(t *testing.T) {
	cmd := newCommand(context.Background(), "sh", "-c", "echo out; echo err >&2")

	stdout, stderr, err := runCommand(cmd, nil)
	require.NoError(t, err)
	assert.Equal(t, "out\n", string(stdout))
	assert.Equal(t, "err\n", string(stderr))
}

func TestRunCommand_LargeOutputDoesNotDeadlock(t *testing.T) {
	// Well past a pipe buffer on both streams.
	cmd := newCommand(context.Background(), "sh", "-c", "head -c 1048576 /dev/zero; head -c 262144 /dev/zero >&2")

	done := make(chan struct{})
	var stdout, stderr []byte
	var err error
	go func() {
		stdout, stderr, err = runCommand(cmd, nil)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("runCommand deadlocked on large output")
	}
	require.NoError(t, err)
	assert.Len(t, stdout, 1048576)
	assert.Len(t, stderr, 262144)
}

func TestRunCommand_NonZeroExitIncludesStderr(t *testing.T) {
	cmd := newCommand(context.Background(), "sh", "-c", "echo boom >&2; exit 3")

	_, _, err := runCommand(cmd, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
	assert.Contains(t, err.Error(), "exit status 3")
}

func TestRunCommand_CancelKillsProcessGroup(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	// The child sleep keeps the pipes open; only a group kill ends it quickly.
	cmd := newCommand(ctx, "sh", "-c", "sleep 30 & wait")
	pm := NewProcessManager()

	start := time.Now()
	_, _, err := runCommand(cmd, pm)
	require.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, 0, pm.Count(), "process should be untracked after exit")
}

func TestProcessManager_KillAll(t *testing.T) {
	pm := NewProcessManager()
	cmd := newCommand(context.Background(), "sleep", "60")
	require.NoError(t, cmd.Start())

	pm.Track(cmd)
	assert.Equal(t, 1, pm.Count())

	require.NoError(t, pm.KillAll())

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()
	select {
	case err := <-done:
		require.Error(t, err)
		assert.True(t, strings.Contains(err.Error(), "killed"), "unexpected wait error: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("process survived KillAll")
	}

	pm.Untrack(cmd)
	assert.Equal(t, 0, pm.Count())
}
