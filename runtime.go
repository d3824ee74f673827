package poolz

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
)

// Method is a function callable on a worker. Params arrive in submission
// order; values that crossed the process transport have been through JSON, so
// numbers surface as float64 and objects as map[string]any. A Method may
// return a *Deferred to complete asynchronously, or a *Transfer to move
// buffer ownership to the caller.
type Method func(ctx context.Context, params []any) (any, error)

// WorkerOptions configures the worker runtime.
type WorkerOptions struct {
	// OnTerminate runs when the pool requests a graceful exit, before the
	// worker stops. Blocking here delays the exit, within the pool's
	// terminate timeout.
	OnTerminate func(ctx context.Context) error

	// Logger receives runtime diagnostics. Nil keeps the worker silent.
	Logger *slog.Logger
}

// workerRuntime serves RPC requests inside an executor. One instance serves
// one request at a time; currentID tracks the request being served so Emit
// can tie events to it.
type workerRuntime struct {
	methods     map[string]Method
	onTerminate func(ctx context.Context) error
	logger      *slog.Logger
	sendFrame   func(*frame) error

	mu        sync.Mutex
	currentID uint64
	active    bool
}

func newWorkerRuntime(methods map[string]Method, opts *WorkerOptions, send func(*frame) error) *workerRuntime {
	r := &workerRuntime{
		methods:   make(map[string]Method, len(methods)+2),
		sendFrame: send,
	}
	if opts != nil {
		r.onTerminate = opts.OnTerminate
		r.logger = opts.Logger
	}
	for name, m := range methods {
		r.methods[name] = m
	}
	r.methods["run"] = builtinRun
	r.methods["methods"] = r.builtinMethods
	return r
}

// builtinMethods lists the registered method names, built-ins included.
func (r *workerRuntime) builtinMethods(context.Context, []any) (any, error) {
	names := make([]string, 0, len(r.methods))
	for name := range r.methods {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// serve handles one RPC request and sends exactly one terminal response.
func (r *workerRuntime) serve(ctx context.Context, req *request) {
	method, ok := r.methods[req.Method]
	if !ok {
		r.reply(&response{ID: req.ID, Error: encodeError(&UnknownMethodError{Method: req.Method})})
		return
	}

	r.mu.Lock()
	r.currentID = req.ID
	r.active = true
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.active = false
		r.currentID = 0
		r.mu.Unlock()
	}()

	callCtx := context.WithValue(ctx, emitterKey{}, &emitter{runtime: r, id: req.ID})
	result, err := invoke(callCtx, method, req.Params)
	if d, ok := result.(*Deferred); ok && err == nil && d != nil {
		result, err = d.Await(ctx)
	}

	resp := &response{ID: req.ID}
	if err != nil {
		resp.Error = encodeError(err)
	} else if t, ok := result.(*Transfer); ok && t != nil {
		resp.Result = t.Message
		defer t.release()
	} else {
		resp.Result = result
	}
	r.reply(resp)
}

// invoke calls the method, converting a panic into an ordinary error so the
// worker survives misbehaving user code.
func invoke(ctx context.Context, m Method, params []any) (result any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			result = nil
			err = fmt.Errorf("method panicked: %v", rec)
		}
	}()
	return m(ctx, params)
}

func (r *workerRuntime) reply(resp *response) {
	if err := r.sendFrame(&frame{resp: resp}); err != nil && r.logger != nil {
		r.logger.Warn("worker reply dropped", "id", resp.ID, "error", err)
	}
}

// emit sends a mid-task event if id is still the request being served.
func (r *workerRuntime) emit(id uint64, payload any) {
	r.mu.Lock()
	current := r.active && r.currentID == id
	r.mu.Unlock()
	if !current {
		return
	}
	resp := &response{ID: id, IsEvent: true}
	if t, ok := payload.(*Transfer); ok && t != nil {
		resp.Payload = t.Message
		defer t.release()
	} else {
		resp.Payload = payload
	}
	if err := r.sendFrame(&frame{resp: resp}); err != nil && r.logger != nil {
		r.logger.Warn("worker event dropped", "id", id, "error", err)
	}
}

// runTerminationHandler runs the user's termination hook, if any. Exit is
// delayed until it returns.
func (r *workerRuntime) runTerminationHandler(ctx context.Context) {
	if r.onTerminate == nil {
		return
	}
	if err := r.onTerminate(ctx); err != nil && r.logger != nil {
		r.logger.Warn("termination handler failed", "error", err)
	}
}

// serveFrames is the thread-worker loop: it processes inbound frames serially
// until the terminate sentinel arrives or ctx is canceled (forced kill).
func (r *workerRuntime) serveFrames(ctx context.Context, in <-chan *frame) error {
	for {
		select {
		case f := <-in:
			if f.signal == terminateSignal {
				r.runTerminationHandler(ctx)
				return nil
			}
			if f.req != nil {
				r.serve(ctx, f.req)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

type emitterKey struct{}

type emitter struct {
	runtime *workerRuntime
	id      uint64
}

// Emit sends a mid-task event to the caller's OnEvent callback. The event is
// delivered before the task's terminal response. Called outside an active
// request (or with a context that did not come from the runtime), the payload
// is dropped silently.
func Emit(ctx context.Context, payload any) {
	e, ok := ctx.Value(emitterKey{}).(*emitter)
	if !ok {
		return
	}
	e.runtime.emit(e.id, payload)
}

// RunWorker hosts the worker runtime inside a child process, serving RPC
// frames over stdin/stdout until the pool requests termination. It returns
// nil after a graceful terminate, so a main function that calls nothing else
// exits with code 0. If the stdio link breaks first, the process exits with
// code 1 immediately, since nothing can be reported back.
func RunWorker(methods map[string]Method, opts *WorkerOptions) error {
	enc := json.NewEncoder(os.Stdout)
	var sendMu sync.Mutex
	send := func(f *frame) error {
		sendMu.Lock()
		defer sendMu.Unlock()
		return encodeFrame(enc, f)
	}

	r := newWorkerRuntime(methods, opts, send)
	if err := send(&frame{signal: readySignal}); err != nil {
		return err
	}

	ctx := context.Background()
	dec := json.NewDecoder(os.Stdin)
	for {
		f, err := decodeChildFrame(dec)
		if err != nil {
			os.Exit(1)
		}
		if f.signal == terminateSignal {
			r.runTerminationHandler(ctx)
			return nil
		}
		if f.req != nil {
			r.serve(ctx, f.req)
		}
	}
}
