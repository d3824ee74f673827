package poolz

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"
)

// TestMain doubles as the worker binary: when the mode variable is set, the
// test binary re-execs into RunWorker instead of running the test suite.
func TestMain(m *testing.M) {
	if os.Getenv("POOLZ_WORKER_MODE") == "" {
		os.Exit(m.Run())
	}
	err := RunWorker(map[string]Method{
		"double": func(_ context.Context, params []any) (any, error) {
			n, ok := params[0].(float64)
			if !ok {
				return nil, fmt.Errorf("double: expected a number, got %T", params[0])
			}
			return n * 2, nil
		},
		"fail": func(context.Context, []any) (any, error) {
			return nil, errors.New("remote failure")
		},
		"progress": func(ctx context.Context, _ []any) (any, error) {
			Emit(ctx, "halfway")
			return "done", nil
		},
		"die": func(context.Context, []any) (any, error) {
			os.Exit(2)
			return nil, nil
		},
	}, nil)
	if err != nil {
		os.Exit(1)
	}
	os.Exit(0)
}

func newProcessPool(t *testing.T, opts Options) *Pool {
	t.Helper()
	opts.Script = os.Args[0]
	opts.WorkerType = WorkerProcess
	opts.Env = append(os.Environ(), "POOLZ_WORKER_MODE=worker")
	pool, err := New(&opts)
	if err != nil {
		t.Fatalf("pool construction failed: %v", err)
	}
	t.Cleanup(func() { pool.Terminate(true) })
	return pool
}

func TestProcessWorkers(t *testing.T) {
	t.Run("Executes Methods Over Stdio", func(t *testing.T) {
		pool := newProcessPool(t, Options{MaxWorkers: 1})

		result := awaitValue(t, pool.Exec("double", []any{21}, nil))
		// Everything crossed the pipe as JSON, so numbers come back as
		// float64.
		if result != float64(42) {
			t.Errorf("expected 42, got %v (%T)", result, result)
		}
	})

	t.Run("Worker Errors Cross The Pipe", func(t *testing.T) {
		pool := newProcessPool(t, Options{MaxWorkers: 1})

		err := awaitError(t, pool.Exec("fail", nil, nil))
		var re *RemoteError
		if !errors.As(err, &re) {
			t.Fatalf("expected RemoteError, got %T: %v", err, err)
		}
		if re.Message != "remote failure" {
			t.Errorf("expected original message, got %q", re.Message)
		}
	})

	t.Run("Unknown Method Over The Pipe", func(t *testing.T) {
		pool := newProcessPool(t, Options{MaxWorkers: 1})

		err := awaitError(t, pool.Exec("missing", nil, nil))
		var ume *UnknownMethodError
		if !errors.As(err, &ume) {
			t.Fatalf("expected UnknownMethodError, got %v", err)
		}
		if ume.Method != "missing" {
			t.Errorf("expected method name preserved, got %q", ume.Method)
		}
	})

	t.Run("Methods Builtin Over The Pipe", func(t *testing.T) {
		pool := newProcessPool(t, Options{MaxWorkers: 1})

		result := awaitValue(t, pool.Exec("methods", nil, nil))
		names, ok := result.([]any)
		if !ok {
			t.Fatalf("expected a list, got %T", result)
		}
		found := map[string]bool{}
		for _, n := range names {
			if s, ok := n.(string); ok {
				found[s] = true
			}
		}
		for _, want := range []string{"double", "run", "methods"} {
			if !found[want] {
				t.Errorf("expected %q in method list %v", want, names)
			}
		}
	})

	t.Run("Events Cross The Pipe", func(t *testing.T) {
		pool := newProcessPool(t, Options{MaxWorkers: 1})

		var mu sync.Mutex
		var events []any
		d := pool.Exec("progress", nil, &ExecOptions{
			OnEvent: func(payload any) {
				mu.Lock()
				events = append(events, payload)
				mu.Unlock()
			},
		})
		if got := awaitValue(t, d); got != "done" {
			t.Fatalf("expected done, got %v", got)
		}
		mu.Lock()
		defer mu.Unlock()
		if len(events) != 1 || events[0] != "halfway" {
			t.Errorf("expected one halfway event, got %v", events)
		}
	})

	t.Run("Crash Rejects With Exit Code", func(t *testing.T) {
		pool := newProcessPool(t, Options{MaxWorkers: 1})

		err := awaitError(t, pool.Exec("die", nil, nil))
		var wte *WorkerTerminatedError
		if !errors.As(err, &wte) {
			t.Fatalf("expected WorkerTerminatedError, got %T: %v", err, err)
		}
		if wte.ExitCode != 2 {
			t.Errorf("expected exit code 2, got %d", wte.ExitCode)
		}
	})

	t.Run("Crash Recovery Serves New Tasks", func(t *testing.T) {
		pool := newProcessPool(t, Options{MaxWorkers: 1})

		awaitError(t, pool.Exec("die", nil, nil))
		waitFor(t, 5*time.Second, "crashed worker reaped", func() bool {
			return pool.Stats().TotalWorkers == 0
		})

		result := awaitValue(t, pool.Exec("double", []any{5}, nil))
		if result != float64(10) {
			t.Errorf("expected fresh worker to serve, got %v", result)
		}
	})

	t.Run("Graceful Terminate Exits Clean", func(t *testing.T) {
		pool := newProcessPool(t, Options{MinWorkers: 1, MaxWorkers: 1})

		awaitValue(t, pool.Exec("double", []any{1}, nil))
		awaitValue(t, pool.Terminate(false))
		if got := pool.Stats().TotalWorkers; got != 0 {
			t.Errorf("expected no workers after terminate, got %d", got)
		}
	})

	t.Run("ExecFunc Runs In The Child", func(t *testing.T) {
		pool := newProcessPool(t, Options{MaxWorkers: 1})

		result := awaitValue(t, pool.ExecFunc("(a, b) => a * b", []any{6, 7}, nil))
		if result != float64(42) {
			t.Errorf("expected 42, got %v (%T)", result, result)
		}
	})
}
