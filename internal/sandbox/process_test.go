package sandbox

import (
	"context"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func requirePython(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("python3"); err != nil {
		t.Skip("python3 not available")
	}
}

func testRunner(t *testing.T) *ProcessRunner {
	t.Helper()
	cfg := DefaultConfig()
	cfg.ScratchRoot = t.TempDir()
	cfg.DefaultTimeout = 30 * time.Second
	return NewProcessRunner(cfg)
}

func TestProcessRunnerCapturesOutput(t *testing.T) {
	requirePython(t)
	r := testRunner(t)

	res, err := r.Execute(context.Background(), Job{
		TaskID:       "t1",
		AttemptIndex: 1,
		Code:         "print('hello from experiment')\n",
	})
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.Contains(t, res.Stdout, "hello from experiment")
	assert.False(t, res.TimedOut)
	assert.Nil(t, res.Violation)
	assert.Equal(t, ModeProcess, res.Mode)
}

func TestProcessRunnerNonZeroExit(t *testing.T) {
	requirePython(t)
	r := testRunner(t)

	res, err := r.Execute(context.Background(), Job{
		TaskID:       "t2",
		AttemptIndex: 1,
		Code:         "raise ValueError('experiment blew up')\n",
	})
	require.NoError(t, err)
	assert.NotEqual(t, 0, res.ExitCode)
	assert.Contains(t, res.Stderr, "experiment blew up")
}

func TestProcessRunnerPolicyShortCircuitsBeforeStart(t *testing.T) {
	r := testRunner(t)

	start := time.Now()
	res, err := r.Execute(context.Background(), Job{
		TaskID:       "t3",
		AttemptIndex: 1,
		Code:         "import socket\nimport time\ntime.sleep(60)\n",
	})
	require.NoError(t, err)
	require.NotNil(t, res.Violation)
	assert.Equal(t, "dangerous_import", res.Violation.Rule)
	assert.Equal(t, -1, res.ExitCode)
	// No process was spawned: rejection is immediate.
	assert.Less(t, time.Since(start), time.Second)
	assert.Empty(t, res.ScratchDir)
}

func TestProcessRunnerTimeoutKillsProcessTree(t *testing.T) {
	requirePython(t)
	r := testRunner(t)

	start := time.Now()
	res, err := r.Execute(context.Background(), Job{
		TaskID:       "t4",
		AttemptIndex: 1,
		Code:         "import time\ntime.sleep(30)\n",
		Limits:       &Limits{Timeout: 500 * time.Millisecond},
	})
	require.NoError(t, err)
	assert.True(t, res.TimedOut)
	// Returned within timeout plus a teardown margin.
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestProcessRunnerCancelMarksCancelledNotTimedOut(t *testing.T) {
	requirePython(t)
	r := testRunner(t)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(200 * time.Millisecond)
		cancel()
	}()

	res, err := r.Execute(ctx, Job{
		TaskID:       "t8",
		AttemptIndex: 1,
		Code:         "import time\ntime.sleep(30)\n",
	})
	require.NoError(t, err)
	assert.True(t, res.Cancelled)
	assert.False(t, res.TimedOut)
}

func TestProcessRunnerTruncatesOutput(t *testing.T) {
	requirePython(t)
	r := testRunner(t)

	res, err := r.Execute(context.Background(), Job{
		TaskID:       "t5",
		AttemptIndex: 1,
		Code:         "print('x' * 100000)\n",
		Limits:       &Limits{MaxOutputBytes: 1024},
	})
	require.NoError(t, err)
	assert.True(t, res.Truncated)
	assert.LessOrEqual(t, len(res.Stdout), 1024)
}

func TestProcessRunnerCollectsWrittenFiles(t *testing.T) {
	requirePython(t)
	cfg := DefaultConfig()
	cfg.ScratchRoot = t.TempDir()
	policy := DefaultPolicy()
	policy.AllowFileWrite = true
	cfg.Policy = policy
	r := NewProcessRunner(cfg)

	res, err := r.Execute(context.Background(), Job{
		TaskID:       "t6",
		AttemptIndex: 1,
		Code:         "with open('result.csv', 'w') as f:\n    f.write('a,b\\n1,2\\n')\n",
	})
	require.NoError(t, err)
	require.Equal(t, 0, res.ExitCode, "stderr: %s", res.Stderr)
	assert.Contains(t, res.WrittenFiles, "result.csv")
}

func TestProcessRunnerRejectsUnknownLanguage(t *testing.T) {
	r := testRunner(t)
	_, err := r.Execute(context.Background(), Job{
		TaskID: "t7",
		Code:   "puts 'hi'",
		// Policy runs first, so keep the code clean of denylist hits.
		Language: "ruby",
	})
	assert.Error(t, err)
}

func TestLimitedWriter(t *testing.T) {
	var sb strings.Builder
	lw := &limitedWriter{w: &sb, max: 5}

	n, err := lw.Write([]byte("abc"))
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	n, err = lw.Write([]byte("defg"))
	require.NoError(t, err)
	assert.Equal(t, 4, n, "caller sees full write")
	assert.True(t, lw.truncated)
	assert.Equal(t, "abcde", sb.String())

	n, err = lw.Write([]byte("more"))
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, "abcde", sb.String())
}

func TestNewRunnerSelection(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ScratchRoot = t.TempDir()

	r, err := NewRunner(ModeProcess, cfg)
	require.NoError(t, err)
	assert.IsType(t, &ProcessRunner{}, r)

	_, err = NewRunner("jail", cfg)
	assert.Error(t, err)
}
