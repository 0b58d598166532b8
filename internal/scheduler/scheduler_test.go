package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"kosmos/internal/research"
)

// fakeExecutor scripts per-task outcomes. Exit kinds are consumed per
// attempt, so a task can fail twice then succeed.
type fakeExecutor struct {
	mu       sync.Mutex
	outcomes map[string][]research.ExitKind
	order    []string
	delay    time.Duration
	block    chan struct{} // When set, Execute waits for ctx or close
}

func (f *fakeExecutor) Execute(ctx context.Context, task *research.Task) (*research.ExecutionResult, error) {
	f.mu.Lock()
	f.order = append(f.order, task.ID)
	var kind research.ExitKind = research.ExitOK
	if outs := f.outcomes[task.ID]; len(outs) > 0 {
		kind = outs[0]
		f.outcomes[task.ID] = outs[1:]
	}
	block := f.block
	delay := f.delay
	f.mu.Unlock()

	if block != nil {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-block:
		}
	}
	if delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}

	res := &research.ExecutionResult{ExitKind: kind}
	switch kind {
	case research.ExitError:
		res.Err = "scripted failure"
	case research.ExitSafetyViolation:
		res.Violation = "rule=dangerous_import line=1"
	}
	return res, nil
}

func (f *fakeExecutor) executionOrder() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.order...)
}

func newTask(id string, kind research.TaskKind, priority int) *research.Task {
	return &research.Task{
		ID:       id,
		RunID:    "run-1",
		Kind:     kind,
		Priority: priority,
		Payload:  research.Payload{Description: id},
	}
}

func TestBatchCompletesAndReportsResults(t *testing.T) {
	defer goleak.VerifyNone(t)

	exec := &fakeExecutor{outcomes: map[string][]research.ExitKind{}}
	s := New(Config{Workers: 4}, exec)
	defer s.Stop()

	tasks := []*research.Task{
		newTask("a", research.KindGenerate, 0),
		newTask("b", research.KindExecute, 0),
		newTask("c", research.KindAnalyze, 0),
	}
	handle, err := s.SubmitBatch(context.Background(), tasks)
	require.NoError(t, err)

	results, err := s.Await(handle, 5*time.Second)
	require.NoError(t, err)
	assert.Len(t, results, 3)
	for _, task := range tasks {
		assert.Equal(t, research.TaskSucceeded, task.Status)
		assert.Equal(t, 1, task.Attempts)
		assert.False(t, task.FinishedAt.IsZero())
	}
}

func TestPriorityOrderWithFIFOTieBreak(t *testing.T) {
	defer goleak.VerifyNone(t)

	exec := &fakeExecutor{outcomes: map[string][]research.ExitKind{}}
	// Single worker so dequeue order is observable.
	s := New(Config{Workers: 1}, exec)
	defer s.Stop()

	// Park the worker so the rest of the batch queues up behind it.
	gate := make(chan struct{})
	exec.block = gate

	first, err := s.SubmitBatch(context.Background(), []*research.Task{
		newTask("gate", research.KindGenerate, 0),
	})
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	exec.mu.Lock()
	exec.block = nil
	exec.mu.Unlock()

	second, err := s.SubmitBatch(context.Background(), []*research.Task{
		newTask("low-1", research.KindGenerate, 1),
		newTask("high", research.KindGenerate, 9),
		newTask("low-2", research.KindGenerate, 1),
	})
	require.NoError(t, err)

	close(gate)
	_, err = s.Await(first, 5*time.Second)
	require.NoError(t, err)
	_, err = s.Await(second, 5*time.Second)
	require.NoError(t, err)

	order := exec.executionOrder()
	require.Equal(t, []string{"gate", "high", "low-1", "low-2"}, order,
		"high priority first, equal priorities FIFO")
}

// countingExecutor records the peak number of attempts running at once.
type countingExecutor struct {
	running int32
	peak    int32
}

func (c *countingExecutor) Execute(ctx context.Context, task *research.Task) (*research.ExecutionResult, error) {
	n := atomic.AddInt32(&c.running, 1)
	defer atomic.AddInt32(&c.running, -1)
	for {
		p := atomic.LoadInt32(&c.peak)
		if n <= p || atomic.CompareAndSwapInt32(&c.peak, p, n) {
			break
		}
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(10 * time.Millisecond):
	}
	return &research.ExecutionResult{ExitKind: research.ExitOK}, nil
}

func TestWorkerPoolBoundsParallelism(t *testing.T) {
	defer goleak.VerifyNone(t)

	const workers = 3
	exec := &countingExecutor{}
	s := New(Config{Workers: workers}, exec)
	defer s.Stop()

	tasks := make([]*research.Task, 20)
	for i := range tasks {
		tasks[i] = newTask(fmt.Sprintf("t%d", i), research.KindExecute, 0)
	}
	handle, err := s.SubmitBatch(context.Background(), tasks)
	require.NoError(t, err)

	results, err := s.Await(handle, 10*time.Second)
	require.NoError(t, err)
	assert.Len(t, results, len(tasks))

	peak := int(atomic.LoadInt32(&exec.peak))
	assert.LessOrEqual(t, peak, workers, "concurrent attempts never exceed the pool size")
	assert.Greater(t, peak, 1, "the pool runs tasks concurrently, not serially")
}

func TestRetryWithFailureContextThenSuccess(t *testing.T) {
	defer goleak.VerifyNone(t)

	exec := &fakeExecutor{outcomes: map[string][]research.ExitKind{
		"flaky": {research.ExitError, research.ExitTimeout},
	}}
	s := New(Config{Workers: 2, RetryBackoff: 10 * time.Millisecond, MaxRetryDelay: 50 * time.Millisecond}, exec)
	defer s.Stop()

	task := newTask("flaky", research.KindExecute, 0)
	handle, err := s.SubmitBatch(context.Background(), []*research.Task{task})
	require.NoError(t, err)

	results, err := s.Await(handle, 5*time.Second)
	require.NoError(t, err)

	assert.Equal(t, research.TaskSucceeded, task.Status)
	assert.Equal(t, 3, task.Attempts)
	assert.Len(t, results, 3, "every attempt is recorded")

	// Failure context accumulated for self-correction.
	require.Len(t, task.Payload.FailureContext, 2)
	assert.Contains(t, task.Payload.FailureContext[0], "attempt 1")
	assert.Contains(t, task.Payload.FailureContext[1], "timeout")
}

func TestMaxAttemptsExhaustedMarksFailed(t *testing.T) {
	defer goleak.VerifyNone(t)

	exec := &fakeExecutor{outcomes: map[string][]research.ExitKind{
		"doomed": {research.ExitError, research.ExitError, research.ExitError},
	}}
	s := New(Config{Workers: 1, MaxAttempts: 3, RetryBackoff: time.Millisecond}, exec)
	defer s.Stop()

	task := newTask("doomed", research.KindExecute, 0)
	handle, err := s.SubmitBatch(context.Background(), []*research.Task{task})
	require.NoError(t, err)

	_, err = s.Await(handle, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, research.TaskFailed, task.Status)
	assert.Equal(t, 3, task.Attempts)
}

func TestSafetyViolationNeverRetried(t *testing.T) {
	defer goleak.VerifyNone(t)

	exec := &fakeExecutor{outcomes: map[string][]research.ExitKind{
		"unsafe": {research.ExitSafetyViolation},
	}}
	s := New(Config{Workers: 1, MaxAttempts: 3, RetryBackoff: time.Millisecond}, exec)
	defer s.Stop()

	task := newTask("unsafe", research.KindExecute, 0)
	handle, err := s.SubmitBatch(context.Background(), []*research.Task{task})
	require.NoError(t, err)

	results, err := s.Await(handle, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, research.TaskFailed, task.Status)
	assert.Equal(t, 1, task.Attempts, "safety violations get exactly one attempt")
	require.Len(t, results, 1)
	assert.Equal(t, research.ExitSafetyViolation, results[0].ExitKind)
	assert.Equal(t, int64(0), s.Metrics().AttemptsRetried)
}

func TestPerTaskTimeoutFreesSlot(t *testing.T) {
	defer goleak.VerifyNone(t)

	exec := &fakeExecutor{outcomes: map[string][]research.ExitKind{}, delay: 10 * time.Second}
	s := New(Config{Workers: 1, MaxAttempts: 1, DefaultTimeout: 100 * time.Millisecond}, exec)
	defer s.Stop()

	slow := newTask("slow", research.KindExecute, 0)
	handle, err := s.SubmitBatch(context.Background(), []*research.Task{slow})
	require.NoError(t, err)

	start := time.Now()
	_, err = s.Await(handle, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, research.TaskTimedOut, slow.Status)
	assert.Less(t, time.Since(start), 2*time.Second, "slot freed at timeout, not at executor completion")

	// The freed worker picks up new work immediately.
	exec.mu.Lock()
	exec.delay = 0
	exec.mu.Unlock()
	next := newTask("next", research.KindGenerate, 0)
	handle2, err := s.SubmitBatch(context.Background(), []*research.Task{next})
	require.NoError(t, err)
	_, err = s.Await(handle2, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, research.TaskSucceeded, next.Status)
}

func TestQueueCapacityRejectsOverflow(t *testing.T) {
	defer goleak.VerifyNone(t)

	exec := &fakeExecutor{outcomes: map[string][]research.ExitKind{}}
	gate := make(chan struct{})
	exec.block = gate
	s := New(Config{Workers: 1, QueueCapacity: 2}, exec)
	defer s.Stop()

	_, err := s.SubmitBatch(context.Background(), []*research.Task{
		newTask("q1", research.KindGenerate, 0),
		newTask("q2", research.KindGenerate, 0),
	})
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond) // Let the worker take q1 off the queue.

	_, err = s.SubmitBatch(context.Background(), []*research.Task{
		newTask("q3", research.KindGenerate, 0),
		newTask("q4", research.KindGenerate, 0),
	})
	assert.ErrorIs(t, err, ErrPoolExhausted)

	close(gate)
	exec.mu.Lock()
	exec.block = nil
	exec.mu.Unlock()
}

func TestCancelDrainsQueuedAndStopsRunning(t *testing.T) {
	defer goleak.VerifyNone(t)

	exec := &fakeExecutor{outcomes: map[string][]research.ExitKind{}, delay: 10 * time.Second}
	s := New(Config{Workers: 1, MaxAttempts: 1, DefaultTimeout: time.Minute}, exec)
	defer s.Stop()

	tasks := []*research.Task{
		newTask("running", research.KindExecute, 5),
		newTask("queued-1", research.KindExecute, 1),
		newTask("queued-2", research.KindExecute, 1),
	}
	handle, err := s.SubmitBatch(context.Background(), tasks)
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)
	s.Cancel(handle)

	results, err := s.Await(handle, 5*time.Second)
	require.NoError(t, err)
	assert.Len(t, results, 3)
	for _, task := range tasks {
		assert.Equal(t, research.TaskCancelled, task.Status, "task %s", task.ID)
	}
	for _, res := range results {
		assert.Equal(t, research.ExitCancelled, res.ExitKind, "task %s", res.TaskID)
	}
	assert.Equal(t, int64(3), s.Metrics().TasksCancelled)
}

func TestResultCallbackSeesEveryAttempt(t *testing.T) {
	defer goleak.VerifyNone(t)

	exec := &fakeExecutor{outcomes: map[string][]research.ExitKind{
		"flaky": {research.ExitError},
	}}
	s := New(Config{Workers: 1, RetryBackoff: time.Millisecond}, exec)
	defer s.Stop()

	var attempts int64
	s.SetResultCallback(func(res research.ExecutionResult) {
		atomic.AddInt64(&attempts, 1)
	})

	handle, err := s.SubmitBatch(context.Background(), []*research.Task{
		newTask("flaky", research.KindExecute, 0),
	})
	require.NoError(t, err)
	_, err = s.Await(handle, 5*time.Second)
	require.NoError(t, err)

	assert.Equal(t, int64(2), atomic.LoadInt64(&attempts))
}

func TestSubmitRejectsInvalidKind(t *testing.T) {
	defer goleak.VerifyNone(t)

	s := New(Config{Workers: 1}, &fakeExecutor{outcomes: map[string][]research.ExitKind{}})
	defer s.Stop()

	_, err := s.SubmitBatch(context.Background(), []*research.Task{
		{ID: "bad", Kind: "daydream"},
	})
	assert.Error(t, err)

	_, err = s.SubmitBatch(context.Background(), nil)
	assert.Error(t, err)
}

func TestMetricsSnapshot(t *testing.T) {
	defer goleak.VerifyNone(t)

	exec := &fakeExecutor{outcomes: map[string][]research.ExitKind{
		"bad": {research.ExitError, research.ExitError, research.ExitError},
	}}
	s := New(Config{Workers: 2, RetryBackoff: time.Millisecond}, exec)
	defer s.Stop()

	handle, err := s.SubmitBatch(context.Background(), []*research.Task{
		newTask("good", research.KindGenerate, 0),
		newTask("bad", research.KindExecute, 0),
	})
	require.NoError(t, err)
	_, err = s.Await(handle, 5*time.Second)
	require.NoError(t, err)

	m := s.Metrics()
	assert.Equal(t, int64(1), m.TasksSucceeded)
	assert.Equal(t, int64(1), m.TasksFailed)
	assert.Equal(t, int64(2), m.AttemptsRetried)
	assert.Equal(t, 0, m.QueueDepth)
	assert.NotEmpty(t, m.String())
}

func TestStoppedSchedulerRejectsSubmissions(t *testing.T) {
	s := New(Config{Workers: 1}, &fakeExecutor{outcomes: map[string][]research.ExitKind{}})
	s.Stop()

	_, err := s.SubmitBatch(context.Background(), []*research.Task{
		newTask("late", research.KindGenerate, 0),
	})
	assert.True(t, errors.Is(err, ErrStopped))
}
