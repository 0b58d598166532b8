package workflow

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/fsnotify/fsnotify"

	"kosmos/internal/logging"
)

// StopFileName is the flag file that triggers an emergency stop when it
// appears in the workspace control directory. An operator (or an external
// watchdog) touches this file to halt all runs without reaching the CLI.
const StopFileName = "EMERGENCY_STOP"

// EmergencyStop watches for operator halt requests from two channels:
// SIGINT/SIGTERM, and the appearance of the stop flag file. The first
// trigger fires the callback exactly once.
type EmergencyStop struct {
	controlDir string
	onStop     func(reason string)

	once    sync.Once
	watcher *fsnotify.Watcher
	sigCh   chan os.Signal
	doneCh  chan struct{}
	wg      sync.WaitGroup
}

// NewEmergencyStop creates a stop guard over the given control directory.
// The callback runs at most once, from a watcher goroutine.
func NewEmergencyStop(controlDir string, onStop func(reason string)) *EmergencyStop {
	return &EmergencyStop{
		controlDir: controlDir,
		onStop:     onStop,
		doneCh:     make(chan struct{}),
	}
}

// Start begins watching. If the flag file already exists the stop fires
// immediately.
func (e *EmergencyStop) Start() error {
	if err := os.MkdirAll(e.controlDir, 0755); err != nil {
		return fmt.Errorf("failed to create control directory: %w", err)
	}

	flagPath := filepath.Join(e.controlDir, StopFileName)
	if _, err := os.Stat(flagPath); err == nil {
		logging.SafetyWarn("stop flag already present at %s", flagPath)
		e.fire("stop flag file present at startup")
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create flag file watcher: %w", err)
	}
	if err := watcher.Add(e.controlDir); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch control directory: %w", err)
	}
	e.watcher = watcher

	e.sigCh = make(chan os.Signal, 1)
	signal.Notify(e.sigCh, syscall.SIGINT, syscall.SIGTERM)

	e.wg.Add(1)
	go e.watch(flagPath)

	logging.Safety("emergency stop armed (flag=%s)", flagPath)
	return nil
}

func (e *EmergencyStop) watch(flagPath string) {
	defer e.wg.Done()
	for {
		select {
		case sig := <-e.sigCh:
			e.fire(fmt.Sprintf("signal %s", sig))
			return
		case event, ok := <-e.watcher.Events:
			if !ok {
				return
			}
			if event.Name == flagPath && event.Op.Has(fsnotify.Create|fsnotify.Write) {
				e.fire("stop flag file created")
				return
			}
		case err, ok := <-e.watcher.Errors:
			if !ok {
				return
			}
			logging.SafetyWarn("flag watcher error: %v", err)
		case <-e.doneCh:
			return
		}
	}
}

func (e *EmergencyStop) fire(reason string) {
	e.once.Do(func() {
		logging.Safety("EMERGENCY STOP: %s", reason)
		if e.onStop != nil {
			e.onStop(reason)
		}
	})
}

// Trigger fires the stop programmatically.
func (e *EmergencyStop) Trigger(reason string) {
	e.fire(reason)
}

// Close stops watching. It does not fire the callback.
func (e *EmergencyStop) Close() {
	close(e.doneCh)
	if e.sigCh != nil {
		signal.Stop(e.sigCh)
	}
	if e.watcher != nil {
		e.watcher.Close()
	}
	e.wg.Wait()
}
