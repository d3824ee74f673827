package poolz

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/zoobzio/clockz"
)

// Worker handle states.
type workerState int

const (
	workerInitializing workerState = iota
	workerReady
	workerBusy
	workerTerminating
	workerTerminated
)

// workerHandle owns one executor on the parent side: it correlates requests
// to replies through the pending map and reports readiness and exit to the
// pool. At most one task is in flight per worker; the map form leaves room
// for pipelining, which must never be enabled silently.
type workerHandle struct {
	id     uuid.UUID
	kind   WorkerType
	args   WorkerArgs
	tr     transport
	clock  clockz.Clock
	logger *slog.Logger

	// set by the pool before start
	onReady func(*workerHandle)
	onExit  func(*workerHandle, exitStatus)

	mu                   sync.Mutex
	state                workerState
	pending              map[uint64]*task
	lastUsed             time.Time
	terminationRequested bool

	done chan struct{} // closed once the executor has exited
}

func newWorkerHandle(kind WorkerType, args WorkerArgs, tr transport, clock clockz.Clock, logger *slog.Logger) *workerHandle {
	return &workerHandle{
		id:      uuid.New(),
		kind:    kind,
		args:    args,
		tr:      tr,
		clock:   clock,
		logger:  logger,
		state:   workerInitializing,
		pending: make(map[uint64]*task, 1),
		done:    make(chan struct{}),
	}
}

// start launches the inbound message loop. No two frames from the same
// worker are handled simultaneously.
func (h *workerHandle) start() {
	go h.loop()
}

func (h *workerHandle) loop() {
	for {
		select {
		case f := <-h.tr.recv():
			h.handleFrame(f)
		case status := <-h.tr.exited():
			// Frames already buffered beat the exit status; a reply the
			// worker managed to send must settle its task normally.
			for {
				select {
				case f := <-h.tr.recv():
					h.handleFrame(f)
					continue
				default:
				}
				break
			}
			h.handleExit(status)
			return
		}
	}
}

func (h *workerHandle) handleFrame(f *frame) {
	switch {
	case f.signal == readySignal:
		h.mu.Lock()
		if h.state == workerInitializing {
			h.state = workerReady
		}
		h.mu.Unlock()
		h.onReady(h)

	case f.resp != nil && f.resp.IsEvent:
		h.mu.Lock()
		t := h.pending[f.resp.ID]
		h.mu.Unlock()
		if t != nil && t.onEvent != nil {
			t.onEvent(f.resp.Payload)
		}

	case f.resp != nil:
		h.mu.Lock()
		t := h.pending[f.resp.ID]
		delete(h.pending, f.resp.ID)
		if h.state == workerBusy {
			h.state = workerReady
		}
		h.lastUsed = h.clock.Now()
		h.mu.Unlock()
		if t == nil {
			return // stray reply for a canceled task
		}
		if f.resp.Error != nil {
			t.resolver.Reject(decodeError(f.resp.Error))
		} else {
			t.resolver.Resolve(f.resp.Result)
		}
		h.onReady(h)
	}
}

func (h *workerHandle) handleExit(status exitStatus) {
	h.mu.Lock()
	pending := h.pending
	h.pending = make(map[uint64]*task)
	requested := h.terminationRequested
	h.state = workerTerminated
	h.mu.Unlock()

	for _, t := range pending {
		t.resolver.Reject(&WorkerTerminatedError{Reason: status.reason, ExitCode: status.code})
	}
	if h.logger != nil && !requested {
		h.logger.Warn("worker exited unexpectedly",
			"worker", h.id.String(),
			"kind", string(h.kind),
			"code", status.code,
			"reason", status.reason,
		)
	}
	h.onExit(h, status)
	close(h.done)
}

// eligible reports whether the worker can take a task: ready and nothing in
// flight.
func (h *workerHandle) eligible() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state == workerReady && len(h.pending) == 0
}

func (h *workerHandle) initializing() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state == workerInitializing
}

func (h *workerHandle) busy() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.pending) > 0
}

func (h *workerHandle) lastUsedAt() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastUsed
}

// exec binds t to this worker and sends the request.
func (h *workerHandle) exec(t *task) error {
	h.mu.Lock()
	if h.state != workerReady || len(h.pending) != 0 {
		h.mu.Unlock()
		return errors.New("worker not eligible")
	}
	h.state = workerBusy
	h.pending[t.id] = t
	h.lastUsed = h.clock.Now()
	h.mu.Unlock()

	if err := h.tr.send(&frame{req: &request{ID: t.id, Method: t.method, Params: t.params}}); err != nil {
		// A failed send means the transport is dead; the exit path will
		// confirm, but the handle must not sit in busy meanwhile.
		h.mu.Lock()
		delete(h.pending, t.id)
		if h.state == workerBusy {
			h.state = workerTerminated
		}
		h.mu.Unlock()
		return err
	}
	return nil
}

// terminate requests shutdown. Soft termination sends the terminate sentinel
// and arms a kill timer for workerTerminateTimeout; the in-flight task, if
// any, completes first because the runtime serves frames serially. Force
// kills the executor immediately.
func (h *workerHandle) terminate(force bool, timeout time.Duration) {
	h.mu.Lock()
	if h.state == workerTerminated {
		h.mu.Unlock()
		return
	}
	h.terminationRequested = true
	h.state = workerTerminating
	h.mu.Unlock()

	if force {
		h.tr.kill()
		return
	}
	if err := h.tr.send(&frame{signal: terminateSignal}); err != nil {
		h.tr.kill()
		return
	}
	go func() {
		select {
		case <-h.done:
		case <-h.clock.After(timeout):
			if h.logger != nil {
				h.logger.Warn("worker did not exit in time, killing",
					"worker", h.id.String(),
					"timeout", timeout,
				)
			}
			h.tr.kill()
		}
	}()
}

// forceKill terminates the executor immediately, used when a caller cancels
// an in-flight task.
func (h *workerHandle) forceKill() {
	h.mu.Lock()
	if h.state == workerTerminated {
		h.mu.Unlock()
		return
	}
	h.terminationRequested = true
	h.mu.Unlock()
	h.tr.kill()
}
