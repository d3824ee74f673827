package poolz

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/zoobzio/clockz"
	"github.com/zoobzio/hookz"
	"github.com/zoobzio/metricz"
	"github.com/zoobzio/tracez"
)

// Observability constants for the pool.
const (
	// Metrics.
	PoolTasksSubmittedTotal = metricz.Key("pool.tasks.submitted.total")
	PoolTasksCompletedTotal = metricz.Key("pool.tasks.completed.total")
	PoolTasksFailedTotal    = metricz.Key("pool.tasks.failed.total")
	PoolWorkersSpawnedTotal = metricz.Key("pool.workers.spawned.total")
	PoolWorkersExitedTotal  = metricz.Key("pool.workers.exited.total")
	PoolWorkersTotal        = metricz.Key("pool.workers.total")
	PoolWorkersBusy         = metricz.Key("pool.workers.busy")
	PoolQueueDepth          = metricz.Key("pool.queue.depth")
	PoolQueueWaitMs         = metricz.Key("pool.queue.wait.ms")
	PoolTaskDurationMs      = metricz.Key("pool.task.duration.ms")

	// Spans.
	PoolExecSpan = tracez.Key("pool.exec")

	// Tags.
	PoolTagMethod   = tracez.Tag("pool.method")
	PoolTagTaskID   = tracez.Tag("pool.task_id")
	PoolTagSuccess  = tracez.Tag("pool.success")
	PoolTagError    = tracez.Tag("pool.error")
	PoolTagWorkerID = tracez.Tag("pool.worker_id")

	// Hook event keys.
	PoolEventWorkerCreated    = hookz.Key("pool.worker_created")
	PoolEventWorkerTerminated = hookz.Key("pool.worker_terminated")
	PoolEventTaskQueued       = hookz.Key("pool.task_queued")
	PoolEventTaskStarted      = hookz.Key("pool.task_started")
	PoolEventTaskComplete     = hookz.Key("pool.task_complete")
)

// PoolEvent carries pool lifecycle information to hook handlers. Fields are
// populated as relevant to each event key.
type PoolEvent struct {
	WorkerID   string
	WorkerKind WorkerType
	TaskID     uint64
	Method     string
	QueueWait  time.Duration
	Duration   time.Duration
	Success    bool
	Error      error
	ExitCode   int
	Timestamp  time.Time
}

// ExecOptions tunes a single task submission.
type ExecOptions struct {
	// OnEvent receives payloads the worker emits mid-task, before the
	// task's terminal result.
	OnEvent func(payload any)

	// Transferables lists buffers whose ownership moves with the request.
	// The thread transport shares them directly; the process transport
	// copies, since everything crosses the pipe as JSON.
	Transferables [][]byte
}

// Stats is a point-in-time snapshot of pool occupancy.
type Stats struct {
	TotalWorkers int
	BusyWorkers  int
	IdleWorkers  int
	PendingTasks int
	ActiveTasks  int
}

// task is one queued or in-flight method call.
type task struct {
	id       uint64
	method   string
	params   []any
	resolver *Deferred
	onEvent  func(payload any)

	enqueuedAt time.Time
	startedAt  time.Time
	worker     *workerHandle // set under the pool lock once dispatched

	spanTag func(key tracez.Tag, value string)
}

// Pool schedules method calls across a set of workers. Tasks queue FIFO;
// each worker runs one task at a time; idle workers are preferred
// least-recently-used so process workers stay warm evenly.
type Pool struct {
	opts   Options
	clock  clockz.Clock
	logger *slog.Logger

	metrics *metricz.Registry
	tracer  *tracez.Tracer
	hooks   *hookz.Hooks[PoolEvent]

	mu         sync.Mutex
	queue      []*task
	workers    []*workerHandle
	nextTaskID uint64
	terminated bool

	closeOnce sync.Once
}

// New creates a pool and spawns MinWorkers workers immediately.
func New(opts *Options) (*Pool, error) {
	normalized, err := normalizeOptions(opts)
	if err != nil {
		return nil, err
	}

	metrics := metricz.New()
	metrics.Counter(PoolTasksSubmittedTotal)
	metrics.Counter(PoolTasksCompletedTotal)
	metrics.Counter(PoolTasksFailedTotal)
	metrics.Counter(PoolWorkersSpawnedTotal)
	metrics.Counter(PoolWorkersExitedTotal)
	metrics.Gauge(PoolWorkersTotal)
	metrics.Gauge(PoolWorkersBusy)
	metrics.Gauge(PoolQueueDepth)
	metrics.Gauge(PoolQueueWaitMs)
	metrics.Gauge(PoolTaskDurationMs)

	p := &Pool{
		opts:    normalized,
		clock:   normalized.Clock,
		logger:  normalized.Logger,
		metrics: metrics,
		tracer:  tracez.New(),
		hooks:   hookz.New[PoolEvent](),
	}

	p.mu.Lock()
	for len(p.workers) < p.opts.MinWorkers {
		if !p.spawnWorkerLocked() {
			p.mu.Unlock()
			p.Terminate(true)
			return nil, fmt.Errorf("spawning initial workers: %w", &WorkerTerminatedError{Reason: "spawn failed", ExitCode: -1})
		}
	}
	p.mu.Unlock()
	return p, nil
}

// Exec submits a call to the named method. The returned Deferred resolves
// with the method's result once a worker has run it. Canceling the Deferred
// dequeues the task, or kills its worker if already running.
func (p *Pool) Exec(method string, params []any, opts *ExecOptions) *Deferred {
	d := newDeferred(p.clock)
	if method == "" {
		d.Reject(&ConfigError{Reason: "method name must not be empty"})
		return d
	}

	p.mu.Lock()
	if p.terminated {
		p.mu.Unlock()
		d.Reject(&PoolTerminatedError{})
		return d
	}
	p.nextTaskID++
	t := &task{
		id:         p.nextTaskID,
		method:     method,
		params:     params,
		resolver:   d,
		enqueuedAt: p.clock.Now(),
	}
	if opts != nil {
		t.onEvent = opts.OnEvent
	}
	d.onCancel = func() { p.cancelTask(t) }
	p.observeTask(t)
	p.queue = append(p.queue, t)
	p.metrics.Counter(PoolTasksSubmittedTotal).Inc()
	p.metrics.Gauge(PoolQueueDepth).Set(float64(len(p.queue)))
	p.mu.Unlock()

	_ = p.hooks.Emit(context.Background(), PoolEventTaskQueued, PoolEvent{ //nolint:errcheck
		TaskID:    t.id,
		Method:    method,
		Timestamp: t.enqueuedAt,
	})
	p.dispatch()
	return d
}

// ExecFunc ships source code to a worker and runs it there with args via the
// built-in "run" method. The source must evaluate to a function.
func (p *Pool) ExecFunc(source string, args []any, opts *ExecOptions) *Deferred {
	if source == "" {
		d := newDeferred(p.clock)
		d.Reject(&ConfigError{Reason: "source must not be empty"})
		return d
	}
	return p.Exec("run", []any{source, args}, opts)
}

// observeTask opens the task's span and arms the completion side of the
// pool's metrics and hooks. Called with the pool lock held; the callback
// itself runs at settle time without it.
func (p *Pool) observeTask(t *task) {
	_, span := p.tracer.StartSpan(context.Background(), PoolExecSpan)
	span.SetTag(PoolTagMethod, t.method)
	span.SetTag(PoolTagTaskID, strconv.FormatUint(t.id, 10))
	t.spanTag = func(key tracez.Tag, value string) { span.SetTag(key, value) }
	submitted := p.clock.Now()

	t.resolver.addCallback(func(_ any, err error) {
		duration := p.clock.Since(submitted)
		p.metrics.Gauge(PoolTaskDurationMs).Set(float64(duration.Milliseconds()))
		success := err == nil
		if success {
			p.metrics.Counter(PoolTasksCompletedTotal).Inc()
			span.SetTag(PoolTagSuccess, "true")
		} else {
			p.metrics.Counter(PoolTasksFailedTotal).Inc()
			span.SetTag(PoolTagSuccess, "false")
			span.SetTag(PoolTagError, err.Error())
		}
		span.Finish()
		_ = p.hooks.Emit(context.Background(), PoolEventTaskComplete, PoolEvent{ //nolint:errcheck
			TaskID:    t.id,
			Method:    t.method,
			Duration:  duration,
			Success:   success,
			Error:     err,
			Timestamp: p.clock.Now(),
		})
	})
}

// dispatch drains the queue onto eligible workers, spawning up to MaxWorkers
// when demand outstrips supply. Safe to call from any goroutine.
func (p *Pool) dispatch() {
	for {
		p.mu.Lock()
		if p.terminated || len(p.queue) == 0 {
			p.mu.Unlock()
			return
		}
		w := p.pickWorkerLocked()
		if w == nil {
			if len(p.workers) < p.opts.MaxWorkers && len(p.queue) > p.initializingLocked() {
				if !p.spawnWorkerLocked() && len(p.workers) == 0 {
					// Spawn failed and no live worker can ever drain the
					// queue; fail the tasks instead of stranding them.
					failed := p.queue
					p.queue = nil
					p.metrics.Gauge(PoolQueueDepth).Set(0)
					p.mu.Unlock()
					for _, t := range failed {
						t.resolver.Reject(&WorkerTerminatedError{Reason: "worker spawn failed", ExitCode: -1})
					}
					return
				}
			}
			p.mu.Unlock()
			return
		}
		t := p.queue[0]
		p.queue = p.queue[1:]
		t.worker = w
		t.startedAt = p.clock.Now()
		err := w.exec(t)
		p.metrics.Gauge(PoolQueueDepth).Set(float64(len(p.queue)))
		p.updateWorkerGaugesLocked()
		p.mu.Unlock()

		if err != nil {
			// Worker died between selection and send; its exit path
			// replaces it, the task fails here.
			t.resolver.Reject(&WorkerTerminatedError{Reason: err.Error(), ExitCode: -1})
			continue
		}
		wait := t.startedAt.Sub(t.enqueuedAt)
		t.spanTag(PoolTagWorkerID, w.id.String())
		p.metrics.Gauge(PoolQueueWaitMs).Set(float64(wait.Milliseconds()))
		_ = p.hooks.Emit(context.Background(), PoolEventTaskStarted, PoolEvent{ //nolint:errcheck
			WorkerID:   w.id.String(),
			WorkerKind: w.kind,
			TaskID:     t.id,
			Method:     t.method,
			QueueWait:  wait,
			Timestamp:  t.startedAt,
		})
	}
}

// pickWorkerLocked returns the least recently used eligible worker, or nil.
func (p *Pool) pickWorkerLocked() *workerHandle {
	var best *workerHandle
	var bestTime time.Time
	for _, w := range p.workers {
		if !w.eligible() {
			continue
		}
		lu := w.lastUsedAt()
		if best == nil || lu.Before(bestTime) {
			best = w
			bestTime = lu
		}
	}
	return best
}

func (p *Pool) initializingLocked() int {
	n := 0
	for _, w := range p.workers {
		if w.initializing() {
			n++
		}
	}
	return n
}

// spawnWorkerLocked starts one worker. Returns false if the executor could
// not be started; thread workers always start.
func (p *Pool) spawnWorkerLocked() bool {
	args := WorkerArgs{
		Script: p.opts.Script,
		Args:   append([]string(nil), p.opts.Args...),
		Env:    append([]string(nil), p.opts.Env...),
	}
	if p.opts.OnCreateWorker != nil {
		if override := p.opts.OnCreateWorker(args); override != nil {
			args = *override
		}
	}
	if args.DebugPort != 0 {
		args.Args = append(args.Args, fmt.Sprintf("--inspect-port=%d", args.DebugPort))
	}

	var tr transport
	if p.opts.WorkerType == WorkerProcess {
		pt, err := startProcessWorker(args)
		if err != nil {
			if p.logger != nil {
				p.logger.Error("failed to start worker process",
					"script", args.Script,
					"error", err,
				)
			}
			return false
		}
		tr = pt
	} else {
		tr = startThreadWorker(p.opts.Methods, p.opts.Worker)
	}

	w := newWorkerHandle(p.opts.WorkerType, args, tr, p.clock, p.logger)
	w.onReady = p.workerAvailable
	w.onExit = p.workerExited
	p.workers = append(p.workers, w)
	p.metrics.Counter(PoolWorkersSpawnedTotal).Inc()
	p.updateWorkerGaugesLocked()
	w.start()

	_ = p.hooks.Emit(context.Background(), PoolEventWorkerCreated, PoolEvent{ //nolint:errcheck
		WorkerID:   w.id.String(),
		WorkerKind: w.kind,
		Timestamp:  p.clock.Now(),
	})
	return true
}

// workerAvailable runs when a worker signals ready or finishes a task.
func (p *Pool) workerAvailable(*workerHandle) {
	p.dispatch()
}

// workerExited removes a dead worker and replenishes to MinWorkers.
func (p *Pool) workerExited(w *workerHandle, status exitStatus) {
	p.mu.Lock()
	for i, x := range p.workers {
		if x == w {
			p.workers = append(p.workers[:i], p.workers[i+1:]...)
			break
		}
	}
	terminated := p.terminated
	if !terminated {
		for len(p.workers) < p.opts.MinWorkers {
			if !p.spawnWorkerLocked() {
				break
			}
		}
	}
	p.metrics.Counter(PoolWorkersExitedTotal).Inc()
	p.updateWorkerGaugesLocked()
	p.mu.Unlock()

	if p.opts.OnTerminateWorker != nil {
		p.opts.OnTerminateWorker(w.args)
	}
	_ = p.hooks.Emit(context.Background(), PoolEventWorkerTerminated, PoolEvent{ //nolint:errcheck
		WorkerID:   w.id.String(),
		WorkerKind: w.kind,
		ExitCode:   status.code,
		Timestamp:  p.clock.Now(),
	})
	if !terminated {
		p.dispatch()
	}
}

// cancelTask is the cancellation side effect installed on each task's
// Deferred: dequeue if still waiting, kill the worker if already running.
func (p *Pool) cancelTask(t *task) {
	p.mu.Lock()
	for i, q := range p.queue {
		if q == t {
			p.queue = append(p.queue[:i], p.queue[i+1:]...)
			p.metrics.Gauge(PoolQueueDepth).Set(float64(len(p.queue)))
			p.mu.Unlock()
			return
		}
	}
	w := t.worker
	p.mu.Unlock()
	if w != nil && w.busy() {
		w.forceKill()
	}
}

// Stats reports current occupancy.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := Stats{
		TotalWorkers: len(p.workers),
		PendingTasks: len(p.queue),
	}
	for _, w := range p.workers {
		if w.busy() {
			s.BusyWorkers++
			s.ActiveTasks++
		}
	}
	s.IdleWorkers = s.TotalWorkers - s.BusyWorkers
	return s
}

// Terminate shuts the pool down. Queued tasks are rejected immediately; each
// worker gets the grace window (the optional timeout overrides
// WorkerTerminateTimeout) to finish its in-flight task before being killed,
// or is killed at once when force is set. The returned Deferred resolves
// when every worker has exited. Exec fails afterwards.
func (p *Pool) Terminate(force bool, timeout ...time.Duration) *Deferred {
	grace := p.opts.WorkerTerminateTimeout
	if len(timeout) > 0 {
		grace = timeout[0]
	}
	d := newDeferred(p.clock)

	p.mu.Lock()
	p.terminated = true
	queued := p.queue
	p.queue = nil
	workers := append([]*workerHandle(nil), p.workers...)
	p.metrics.Gauge(PoolQueueDepth).Set(0)
	p.mu.Unlock()

	for _, t := range queued {
		t.resolver.Reject(&PoolTerminatedError{})
	}

	var wg sync.WaitGroup
	for _, w := range workers {
		wg.Add(1)
		go func(w *workerHandle) {
			defer wg.Done()
			w.terminate(force, grace)
			<-w.done
		}(w)
	}
	go func() {
		wg.Wait()
		p.closeOnce.Do(func() {
			p.tracer.Close()
			p.hooks.Close()
		})
		d.Resolve(nil)
	}()
	return d
}

func (p *Pool) updateWorkerGaugesLocked() {
	busy := 0
	for _, w := range p.workers {
		if w.busy() {
			busy++
		}
	}
	p.metrics.Gauge(PoolWorkersTotal).Set(float64(len(p.workers)))
	p.metrics.Gauge(PoolWorkersBusy).Set(float64(busy))
}

// Metrics returns the pool's metrics registry for inspection.
func (p *Pool) Metrics() *metricz.Registry {
	return p.metrics
}

// Tracer returns the pool's tracer for span collection.
func (p *Pool) Tracer() *tracez.Tracer {
	return p.tracer
}

// OnWorkerCreated registers a handler for worker spawn events.
func (p *Pool) OnWorkerCreated(handler func(context.Context, PoolEvent) error) error {
	_, err := p.hooks.Hook(PoolEventWorkerCreated, handler)
	return err
}

// OnWorkerTerminated registers a handler for worker exit events.
func (p *Pool) OnWorkerTerminated(handler func(context.Context, PoolEvent) error) error {
	_, err := p.hooks.Hook(PoolEventWorkerTerminated, handler)
	return err
}

// OnTaskQueued registers a handler for task submission events.
func (p *Pool) OnTaskQueued(handler func(context.Context, PoolEvent) error) error {
	_, err := p.hooks.Hook(PoolEventTaskQueued, handler)
	return err
}

// OnTaskStarted registers a handler for task dispatch events.
func (p *Pool) OnTaskStarted(handler func(context.Context, PoolEvent) error) error {
	_, err := p.hooks.Hook(PoolEventTaskStarted, handler)
	return err
}

// OnTaskComplete registers a handler for task settlement events.
func (p *Pool) OnTaskComplete(handler func(context.Context, PoolEvent) error) error {
	_, err := p.hooks.Hook(PoolEventTaskComplete, handler)
	return err
}
