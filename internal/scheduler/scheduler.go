// Package scheduler runs research tasks on a bounded worker pool with
// priority ordering, per-task timeouts, and bounded retries.
//
// Tasks are submitted in batches. A batch completes when every task in it
// reaches a terminal status; workers are greedy per task, so concurrent
// batches share the pool without reservation. Retryable failures are
// re-enqueued with exponential backoff and the failure appended to the
// task payload; safety violations are never retried.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"kosmos/internal/logging"
	"kosmos/internal/research"
)

var (
	// ErrPoolExhausted is returned when a batch would overflow the queue.
	ErrPoolExhausted = errors.New("scheduler: task queue at capacity")

	// ErrAwaitTimeout is returned when Await's deadline passes before the
	// batch completes. The batch keeps running.
	ErrAwaitTimeout = errors.New("scheduler: await deadline exceeded")

	// ErrStopped is returned when submitting to a stopped scheduler.
	ErrStopped = errors.New("scheduler: stopped")
)

// Executor runs a single task attempt. An error return means the execution
// infrastructure failed; the attempt is treated as a retryable error.
type Executor interface {
	Execute(ctx context.Context, task *research.Task) (*research.ExecutionResult, error)
}

// Config tunes the scheduler.
type Config struct {
	Workers        int
	QueueCapacity  int
	MaxAttempts    int
	DefaultTimeout time.Duration
	RetryBackoff   time.Duration // Base delay, doubled per attempt
	MaxRetryDelay  time.Duration // Backoff cap
}

// DefaultConfig returns the stock scheduler configuration.
func DefaultConfig() Config {
	return Config{
		Workers:        10,
		QueueCapacity:  256,
		MaxAttempts:    3,
		DefaultTimeout: 5 * time.Minute,
		RetryBackoff:   200 * time.Millisecond,
		MaxRetryDelay:  5 * time.Second,
	}
}

// Scheduler is the bounded worker pool.
type Scheduler struct {
	config Config
	exec   Executor

	mu      sync.Mutex
	cond    *sync.Cond
	queue   taskHeap
	seq     uint64
	stopped bool
	running map[string]context.CancelFunc
	timers  map[string]*time.Timer

	wg sync.WaitGroup

	// onResult is invoked for every finished attempt, success or not.
	onResult atomic.Value // func(research.ExecutionResult)

	// Metrics, updated atomically.
	tasksSucceeded   int64
	tasksFailed      int64
	tasksCancelled   int64
	attemptsRetried  int64
	currentlyRunning int32
	totalWaitTimeNs  int64
	peakQueueDepth   int32
}

// New creates a scheduler and starts its workers.
func New(config Config, exec Executor) *Scheduler {
	if config.Workers <= 0 {
		config.Workers = DefaultConfig().Workers
	}
	if config.QueueCapacity <= 0 {
		config.QueueCapacity = DefaultConfig().QueueCapacity
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = DefaultConfig().MaxAttempts
	}
	if config.DefaultTimeout <= 0 {
		config.DefaultTimeout = DefaultConfig().DefaultTimeout
	}
	if config.RetryBackoff <= 0 {
		config.RetryBackoff = DefaultConfig().RetryBackoff
	}
	if config.MaxRetryDelay <= 0 {
		config.MaxRetryDelay = DefaultConfig().MaxRetryDelay
	}

	s := &Scheduler{
		config:  config,
		exec:    exec,
		running: make(map[string]context.CancelFunc),
		timers:  make(map[string]*time.Timer),
	}
	s.cond = sync.NewCond(&s.mu)

	s.wg.Add(config.Workers)
	for i := 0; i < config.Workers; i++ {
		go s.worker(i)
	}

	logging.Scheduler("scheduler started: workers=%d queue_capacity=%d max_attempts=%d",
		config.Workers, config.QueueCapacity, config.MaxAttempts)
	return s
}

// SetResultCallback registers a callback invoked once per finished attempt,
// including retried and cancelled ones. Used to record provenance.
func (s *Scheduler) SetResultCallback(fn func(research.ExecutionResult)) {
	s.onResult.Store(fn)
}

func (s *Scheduler) emitResult(res research.ExecutionResult) {
	if fn, ok := s.onResult.Load().(func(research.ExecutionResult)); ok && fn != nil {
		fn(res)
	}
}

// BatchHandle tracks one submitted batch until all its tasks are terminal.
type BatchHandle struct {
	ID string

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	results   []research.ExecutionResult
	pending   int
	cancelled bool
	done      chan struct{}
}

// Done is closed when every task in the batch is terminal.
func (h *BatchHandle) Done() <-chan struct{} { return h.done }

// Results returns a copy of every attempt result recorded so far.
func (h *BatchHandle) Results() []research.ExecutionResult {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]research.ExecutionResult, len(h.results))
	copy(out, h.results)
	return out
}

func (h *BatchHandle) isCancelled() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cancelled
}

// recordAttempt appends a non-final attempt result.
func (h *BatchHandle) recordAttempt(res research.ExecutionResult) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.results = append(h.results, res)
}

// complete records a task's final attempt and closes done on the last one.
func (h *BatchHandle) complete(res research.ExecutionResult) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.results = append(h.results, res)
	h.pending--
	if h.pending == 0 {
		close(h.done)
	}
}

// SubmitBatch validates and enqueues a batch of tasks. The returned handle
// observes completion; the scheduler owns the tasks until then. The batch
// inherits cancellation from ctx.
func (s *Scheduler) SubmitBatch(ctx context.Context, tasks []*research.Task) (*BatchHandle, error) {
	if len(tasks) == 0 {
		return nil, errors.New("scheduler: empty batch")
	}
	for _, t := range tasks {
		if !t.Kind.Valid() {
			return nil, fmt.Errorf("scheduler: unknown task kind %q", t.Kind)
		}
		if t.ID == "" {
			t.ID = uuid.NewString()
		}
		if t.MaxAttempts <= 0 {
			t.MaxAttempts = s.config.MaxAttempts
		}
		if t.CreatedAt.IsZero() {
			t.CreatedAt = time.Now()
		}
		t.Status = research.TaskQueued
	}

	batchCtx, cancel := context.WithCancel(ctx)
	handle := &BatchHandle{
		ID:      uuid.NewString(),
		ctx:     batchCtx,
		cancel:  cancel,
		pending: len(tasks),
		done:    make(chan struct{}),
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		cancel()
		return nil, ErrStopped
	}
	if s.queue.Len()+len(tasks) > s.config.QueueCapacity {
		depth := s.queue.Len()
		s.mu.Unlock()
		cancel()
		logging.SchedulerDebug("batch rejected: queue depth %d + %d tasks > capacity %d",
			depth, len(tasks), s.config.QueueCapacity)
		return nil, ErrPoolExhausted
	}
	for _, t := range tasks {
		s.seq++
		s.queue.push(&queuedTask{task: t, batch: handle, seq: s.seq})
	}
	if depth := int32(s.queue.Len()); depth > atomic.LoadInt32(&s.peakQueueDepth) {
		atomic.StoreInt32(&s.peakQueueDepth, depth)
	}
	s.mu.Unlock()
	s.cond.Broadcast()

	logging.Scheduler("batch %s submitted: %d tasks", handle.ID, len(tasks))
	return handle, nil
}

// Await blocks until the batch completes or the timeout passes. On timeout
// the batch keeps running and the partial results are returned alongside
// ErrAwaitTimeout.
func (s *Scheduler) Await(handle *BatchHandle, timeout time.Duration) ([]research.ExecutionResult, error) {
	if timeout <= 0 {
		<-handle.done
		return handle.Results(), nil
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-handle.done:
		return handle.Results(), nil
	case <-timer.C:
		return handle.Results(), ErrAwaitTimeout
	}
}

// Cancel cancels a batch: queued tasks are finalized as cancelled, running
// tasks have their contexts cancelled and finalize when their executor
// returns, pending retries are abandoned.
func (s *Scheduler) Cancel(handle *BatchHandle) {
	handle.mu.Lock()
	if handle.cancelled {
		handle.mu.Unlock()
		return
	}
	handle.cancelled = true
	handle.mu.Unlock()

	handle.cancel()

	s.mu.Lock()
	var drained []*queuedTask
	for _, entry := range s.queue {
		if entry.batch == handle {
			drained = append(drained, entry)
		}
	}
	for _, entry := range drained {
		s.queue.remove(entry)
	}
	s.mu.Unlock()

	for _, entry := range drained {
		s.finalizeCancelled(entry)
	}
	logging.Scheduler("batch %s cancelled: %d queued tasks drained", handle.ID, len(drained))
}

// Stop shuts the pool down. In-flight tasks are cancelled; pending retry
// timers are abandoned. Blocks until all workers return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	for _, cancel := range s.running {
		cancel()
	}
	for _, timer := range s.timers {
		timer.Stop()
	}
	s.mu.Unlock()
	s.cond.Broadcast()
	s.wg.Wait()
	logging.Scheduler("scheduler stopped: %s", s.Metrics())
}

// worker pulls the highest-priority task and runs it to a terminal or
// retry-pending state.
func (s *Scheduler) worker(id int) {
	defer s.wg.Done()
	for {
		entry := s.next()
		if entry == nil {
			return
		}
		s.runTask(entry)
	}
}

func (s *Scheduler) next() *queuedTask {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.queue.Len() == 0 && !s.stopped {
		s.cond.Wait()
	}
	if s.stopped {
		return nil
	}
	return s.queue.pop()
}

func (s *Scheduler) runTask(entry *queuedTask) {
	task := entry.task
	if entry.batch.isCancelled() {
		s.finalizeCancelled(entry)
		return
	}

	waited := time.Since(task.CreatedAt)
	atomic.AddInt64(&s.totalWaitTimeNs, int64(waited))

	task.Attempts++
	task.Status = research.TaskRunning
	task.StartedAt = time.Now()

	timeout := task.Timeout
	if timeout <= 0 {
		timeout = s.config.DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(entry.batch.ctx, timeout)
	s.mu.Lock()
	s.running[task.ID] = cancel
	s.mu.Unlock()
	atomic.AddInt32(&s.currentlyRunning, 1)

	logging.SchedulerDebug("task %s attempt %d/%d starting (kind=%s priority=%d waited=%s)",
		task.ID, task.Attempts, task.MaxAttempts, task.Kind, task.Priority, waited)

	res, execErr := s.exec.Execute(ctx, task)

	cancel()
	s.mu.Lock()
	delete(s.running, task.ID)
	s.mu.Unlock()
	atomic.AddInt32(&s.currentlyRunning, -1)

	result := s.normalizeResult(task, ctx, res, execErr)
	s.emitResult(result)

	switch {
	case result.ExitKind == research.ExitOK:
		s.finalize(entry, research.TaskSucceeded, result)

	case result.ExitKind == research.ExitSafetyViolation:
		// Never retried, regardless of remaining attempts.
		logging.SchedulerDebug("task %s failed on safety violation, no retry", task.ID)
		s.finalize(entry, research.TaskFailed, result)

	case result.ExitKind == research.ExitCancelled:
		s.finalize(entry, research.TaskCancelled, result)

	case result.ExitKind.Retryable() && task.Attempts < task.MaxAttempts && !entry.batch.isCancelled():
		s.scheduleRetry(entry, result)

	case result.ExitKind == research.ExitTimeout:
		s.finalize(entry, research.TaskTimedOut, result)

	default:
		s.finalize(entry, research.TaskFailed, result)
	}
}

// normalizeResult turns the executor's output into a well-formed attempt
// result, mapping infrastructure errors, deadline hits, and cancellation.
func (s *Scheduler) normalizeResult(task *research.Task, ctx context.Context, res *research.ExecutionResult, execErr error) research.ExecutionResult {
	var result research.ExecutionResult
	if execErr != nil {
		result = research.ExecutionResult{ExitKind: research.ExitError, Err: execErr.Error()}
	} else if res != nil {
		result = *res
	} else {
		result = research.ExecutionResult{ExitKind: research.ExitError, Err: "executor returned no result"}
	}
	if result.ExitKind != research.ExitSafetyViolation {
		switch ctx.Err() {
		case context.DeadlineExceeded:
			result.ExitKind = research.ExitTimeout
		case context.Canceled:
			result.ExitKind = research.ExitCancelled
		}
	}
	result.TaskID = task.ID
	result.AttemptIndex = task.Attempts
	if result.WallTime == 0 {
		result.WallTime = time.Since(task.StartedAt)
	}
	return result
}

// scheduleRetry re-enqueues the task after backoff, with the failure
// appended to the payload so the next attempt can self-correct.
func (s *Scheduler) scheduleRetry(entry *queuedTask, result research.ExecutionResult) {
	task := entry.task
	task.Status = research.TaskRetryPending
	task.Payload.FailureContext = append(task.Payload.FailureContext,
		fmt.Sprintf("attempt %d: %s: %s", result.AttemptIndex, result.ExitKind, failureDetail(result)))
	entry.batch.recordAttempt(result)
	atomic.AddInt64(&s.attemptsRetried, 1)

	// 200ms, 400ms, 800ms, ... capped.
	delay := s.config.RetryBackoff
	for i := 1; i < task.Attempts; i++ {
		delay *= 2
		if delay >= s.config.MaxRetryDelay {
			delay = s.config.MaxRetryDelay
			break
		}
	}

	logging.SchedulerDebug("task %s attempt %d failed (%s), retrying in %s",
		task.ID, task.Attempts, result.ExitKind, delay)

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.timers[task.ID] = time.AfterFunc(delay, func() {
		s.requeue(entry)
	})
	s.mu.Unlock()
}

func (s *Scheduler) requeue(entry *queuedTask) {
	s.mu.Lock()
	delete(s.timers, entry.task.ID)
	if s.stopped {
		s.mu.Unlock()
		return
	}
	if entry.batch.isCancelled() {
		s.mu.Unlock()
		s.finalizeCancelled(entry)
		return
	}
	entry.task.Status = research.TaskQueued
	s.seq++
	entry.seq = s.seq
	s.queue.push(entry)
	s.mu.Unlock()
	s.cond.Signal()
}

func (s *Scheduler) finalize(entry *queuedTask, status research.TaskStatus, result research.ExecutionResult) {
	task := entry.task
	task.Status = status
	task.FinishedAt = time.Now()

	switch status {
	case research.TaskSucceeded:
		atomic.AddInt64(&s.tasksSucceeded, 1)
	case research.TaskCancelled:
		atomic.AddInt64(&s.tasksCancelled, 1)
	default:
		atomic.AddInt64(&s.tasksFailed, 1)
	}

	logging.Scheduler("task %s terminal: %s after %d attempt(s)", task.ID, status, task.Attempts)
	entry.batch.complete(result)
}

func (s *Scheduler) finalizeCancelled(entry *queuedTask) {
	result := research.ExecutionResult{
		TaskID:       entry.task.ID,
		AttemptIndex: entry.task.Attempts,
		ExitKind:     research.ExitCancelled,
		Err:          "batch cancelled",
	}
	s.emitResult(result)
	s.finalize(entry, research.TaskCancelled, result)
}

func failureDetail(res research.ExecutionResult) string {
	switch {
	case res.Err != "":
		return res.Err
	case res.Stderr != "":
		return res.Stderr
	default:
		return "no output"
	}
}

// Metrics is an atomic snapshot of scheduler counters.
type Metrics struct {
	TasksSucceeded  int64
	TasksFailed     int64
	TasksCancelled  int64
	AttemptsRetried int64
	Running         int
	QueueDepth      int
	PeakQueueDepth  int
	TotalWaitTimeNs int64
}

func (m Metrics) String() string {
	return fmt.Sprintf("succeeded=%d failed=%d cancelled=%d retried=%d running=%d queued=%d peak=%d",
		m.TasksSucceeded, m.TasksFailed, m.TasksCancelled, m.AttemptsRetried,
		m.Running, m.QueueDepth, m.PeakQueueDepth)
}

// Metrics returns the current counters.
func (s *Scheduler) Metrics() Metrics {
	s.mu.Lock()
	depth := s.queue.Len()
	s.mu.Unlock()
	return Metrics{
		TasksSucceeded:  atomic.LoadInt64(&s.tasksSucceeded),
		TasksFailed:     atomic.LoadInt64(&s.tasksFailed),
		TasksCancelled:  atomic.LoadInt64(&s.tasksCancelled),
		AttemptsRetried: atomic.LoadInt64(&s.attemptsRetried),
		Running:         int(atomic.LoadInt32(&s.currentlyRunning)),
		QueueDepth:      depth,
		PeakQueueDepth:  int(atomic.LoadInt32(&s.peakQueueDepth)),
		TotalWaitTimeNs: atomic.LoadInt64(&s.totalWaitTimeNs),
	}
}
