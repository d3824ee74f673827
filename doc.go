// Package poolz provides a worker pool that offloads named method calls to a
// bounded set of isolated executors and multiplexes many concurrent callers
// over them.
//
// # Overview
//
// A Pool owns a FIFO task queue and a set of workers. Each worker is either an
// in-process goroutine (WorkerThread) or a separate OS process (WorkerProcess)
// speaking newline-delimited JSON over stdio. Callers submit work with Exec and
// receive a Deferred: a promise-like handle supporting Then/Catch/Always
// chaining, cancellation, and timeouts.
//
//	pool, err := poolz.New(&poolz.Options{
//	    MaxWorkers: 2,
//	    Methods: map[string]poolz.Method{
//	        "add": func(_ context.Context, params []any) (any, error) {
//	            return params[0].(float64) + params[1].(float64), nil
//	        },
//	    },
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer pool.Terminate(false).Await(context.Background())
//
//	result, err := pool.Exec("add", []any{2, 3}, nil).Await(ctx)
//
// # Workers
//
// Inside a process worker, RunWorker registers the user's methods and serves
// the RPC loop until the pool requests termination:
//
//	func main() {
//	    poolz.RunWorker(map[string]poolz.Method{
//	        "add": add,
//	    }, nil)
//	}
//
// Every worker additionally serves two built-ins: "run", which compiles
// submitted JavaScript function source and applies it to the given arguments,
// and "methods", which lists the registered method names.
//
// Methods can report progress mid-task with Emit; the payload is delivered to
// the caller's OnEvent callback before the task settles.
//
// # Lifecycle
//
// The pool keeps at most MaxWorkers workers alive and replenishes to
// MinWorkers after any worker exits. A worker that dies mid-task fails that
// task (it is never retried) and is replaced. Terminate drains gracefully
// within WorkerTerminateTimeout, then kills stragglers.
//
// # Observability
//
// Each pool carries a metricz registry (worker and queue gauges, task
// counters), a tracez tracer (a pool.exec span per task), and a hookz
// event stream (worker and task lifecycle events). Timers and timestamps run
// on an injectable clockz clock so tests can use fake time.
package poolz
