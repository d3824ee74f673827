package poolz

import (
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"github.com/zoobzio/clockz"
)

// WorkerType selects the executor kind backing each worker.
type WorkerType string

const (
	// WorkerAuto picks WorkerProcess when a Script is configured, else
	// WorkerThread. In-process worker threads are always available here;
	// browser-style web workers never are.
	WorkerAuto WorkerType = "auto"

	// WorkerThread runs the worker runtime on an in-process goroutine.
	WorkerThread WorkerType = "thread"

	// WorkerProcess runs the worker as a child OS process speaking
	// newline-delimited JSON over stdio.
	WorkerProcess WorkerType = "process"

	// WorkerWeb exists for config compatibility; this host cannot satisfy
	// it and New rejects it with a ConfigError.
	WorkerWeb WorkerType = "web"
)

// MinWorkersMax is a sentinel for Options.MinWorkers meaning "as many as
// MaxWorkers": the pool keeps its full complement alive at all times.
const MinWorkersMax = -1

// defaultTerminateTimeout is the grace window before a terminating worker is
// killed.
const defaultTerminateTimeout = time.Second

// WorkerArgs describes one worker about to be spawned. OnCreateWorker may
// return a modified copy, for example with a unique DebugPort drawn from a
// DebugPortAllocator. DebugPort, when set, is appended to the child's
// arguments as --inspect-port=<n>.
type WorkerArgs struct {
	Script    string
	Args      []string
	Env       []string
	DebugPort int
}

// Options configures a Pool. The zero value is usable for a thread-backed
// pool serving only the built-in methods.
type Options struct {
	// Script is the executable for process workers. Required when
	// WorkerType is WorkerProcess; selects it under WorkerAuto.
	Script string

	// Args and Env are passed to process workers.
	Args []string
	Env  []string

	// Methods is the registry served by thread workers. Process workers
	// register their own methods through RunWorker.
	Methods map[string]Method

	// Worker configures the runtime of thread workers (termination
	// handler, logger).
	Worker *WorkerOptions

	// WorkerType picks the executor kind. Defaults to WorkerAuto.
	WorkerType WorkerType

	// MinWorkers is the number of workers kept alive at rest; the
	// MinWorkersMax sentinel expands it to MaxWorkers. Defaults to 0.
	MinWorkers int

	// MaxWorkers caps the pool size. Defaults to NumCPU−1 (at least 1).
	MaxWorkers int

	// WorkerTerminateTimeout is how long a terminating worker may keep
	// running before it is killed. Defaults to one second.
	WorkerTerminateTimeout time.Duration

	// OnCreateWorker runs immediately before each spawn and may return
	// overridden WorkerArgs. It is called with the pool lock held and must
	// not call back into the pool.
	OnCreateWorker func(args WorkerArgs) *WorkerArgs

	// OnTerminateWorker runs after a worker has exited, for releasing
	// per-worker resources such as debug ports.
	OnTerminateWorker func(args WorkerArgs)

	// Logger receives worker lifecycle warnings. Nil keeps the pool quiet.
	Logger *slog.Logger

	// Clock drives every timer and timestamp. Defaults to the real clock;
	// tests inject fakes.
	Clock clockz.Clock
}

// normalizeOptions applies defaults and validates, returning a private copy.
func normalizeOptions(opts *Options) (Options, error) {
	var o Options
	if opts != nil {
		o = *opts
	}

	switch o.WorkerType {
	case "", WorkerAuto:
		if o.Script != "" {
			o.WorkerType = WorkerProcess
		} else {
			o.WorkerType = WorkerThread
		}
	case WorkerThread, WorkerProcess:
	case WorkerWeb:
		return o, &ConfigError{Reason: "web workers are not available in this host"}
	default:
		return o, &ConfigError{Reason: fmt.Sprintf("unknown worker type %q", o.WorkerType)}
	}
	if o.WorkerType == WorkerProcess && o.Script == "" {
		return o, &ConfigError{Reason: "process workers require a script"}
	}

	if o.MaxWorkers == 0 {
		o.MaxWorkers = defaultMaxWorkers()
	}
	if o.MaxWorkers < 1 {
		return o, &ConfigError{Reason: fmt.Sprintf("maxWorkers must be positive, got %d", o.MaxWorkers)}
	}
	if o.MinWorkers == MinWorkersMax {
		o.MinWorkers = o.MaxWorkers
	}
	if o.MinWorkers < 0 {
		return o, &ConfigError{Reason: fmt.Sprintf("minWorkers must not be negative, got %d", o.MinWorkers)}
	}
	if o.MinWorkers > o.MaxWorkers {
		return o, &ConfigError{Reason: fmt.Sprintf("minWorkers (%d) must not exceed maxWorkers (%d)", o.MinWorkers, o.MaxWorkers)}
	}

	if o.WorkerTerminateTimeout == 0 {
		o.WorkerTerminateTimeout = defaultTerminateTimeout
	}
	if o.WorkerTerminateTimeout < 0 {
		return o, &ConfigError{Reason: "workerTerminateTimeout must not be negative"}
	}

	if o.Clock == nil {
		o.Clock = clockz.RealClock
	}
	return o, nil
}

// defaultMaxWorkers leaves one CPU for the parent, with a floor of one
// worker and a fallback when the CPU count is unusable.
func defaultMaxWorkers() int {
	n := runtime.NumCPU()
	if n <= 0 {
		return 3
	}
	if n == 1 {
		return 1
	}
	return n - 1
}
