package workflow

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmergencyStopFiresOnFlagFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "control")

	var fired int32
	var reason atomic.Value
	stop := NewEmergencyStop(dir, func(r string) {
		atomic.AddInt32(&fired, 1)
		reason.Store(r)
	})
	require.NoError(t, stop.Start())
	defer stop.Close()

	require.NoError(t, os.WriteFile(filepath.Join(dir, StopFileName), []byte("halt"), 0o644))

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&fired) == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Contains(t, reason.Load().(string), "flag file")
}

func TestEmergencyStopFiresImmediatelyWhenFlagExists(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "control")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, StopFileName), nil, 0o644))

	var fired int32
	stop := NewEmergencyStop(dir, func(string) { atomic.AddInt32(&fired, 1) })
	require.NoError(t, stop.Start())
	defer stop.Close()

	assert.Equal(t, int32(1), atomic.LoadInt32(&fired), "pre-existing flag fires before Start returns")
}

func TestEmergencyStopFiresAtMostOnce(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "control")

	var fired int32
	stop := NewEmergencyStop(dir, func(string) { atomic.AddInt32(&fired, 1) })
	require.NoError(t, stop.Start())
	defer stop.Close()

	stop.Trigger("first")
	stop.Trigger("second")
	require.NoError(t, os.WriteFile(filepath.Join(dir, StopFileName), nil, 0o644))

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&fired))
}

func TestEmergencyStopIgnoresOtherFiles(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "control")

	var fired int32
	stop := NewEmergencyStop(dir, func(string) { atomic.AddInt32(&fired, 1) })
	require.NoError(t, stop.Start())
	defer stop.Close()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "unrelated.txt"), []byte("x"), 0o644))
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(0), atomic.LoadInt32(&fired))
}
