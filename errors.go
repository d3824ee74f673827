package poolz

import (
	"fmt"
	"time"
)

// CancellationError rejects a Deferred whose caller invoked Cancel.
// If the canceled task was already bound to a worker, that worker is
// force-terminated and replaced.
type CancellationError struct{}

// Error implements the error interface.
func (*CancellationError) Error() string {
	return "deferred canceled"
}

// TimeoutError rejects a Deferred whose timeout expired before settlement.
// Timeout carries the same side effects as cancellation: a bound worker is
// force-terminated and replaced.
type TimeoutError struct {
	After time.Duration
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("deferred timed out after %v", e.After)
}

// WorkerTerminatedError rejects every task that was in flight on a worker
// when it exited, whether by crash, forced kill, or requested termination.
// Tasks are never retried automatically.
type WorkerTerminatedError struct {
	Reason   string
	ExitCode int
}

// Error implements the error interface.
func (e *WorkerTerminatedError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("worker terminated (exit code %d)", e.ExitCode)
	}
	return fmt.Sprintf("worker terminated: %s (exit code %d)", e.Reason, e.ExitCode)
}

// PoolTerminatedError rejects tasks submitted to a terminated pool, and the
// queued tasks a terminating pool will never dispatch.
type PoolTerminatedError struct{}

// Error implements the error interface.
func (*PoolTerminatedError) Error() string {
	return "pool terminated"
}

// UnknownMethodError rejects a request that named a method not registered on
// the worker. The worker itself stays healthy and eligible for further calls.
type UnknownMethodError struct {
	Method string
}

// Error implements the error interface.
func (e *UnknownMethodError) Error() string {
	return fmt.Sprintf("unknown method %q", e.Method)
}

// RemoteError is a user error re-inflated at the caller after crossing the
// worker transport. Name, Message, and Stack are captured explicitly on the
// worker side; any custom fields the original error exposed survive in Fields.
type RemoteError struct {
	Name    string
	Message string
	Stack   string
	Fields  map[string]any
}

// Error implements the error interface.
func (e *RemoteError) Error() string {
	if e.Name == "" {
		return e.Message
	}
	return e.Name + ": " + e.Message
}

// ConfigError reports invalid pool options, such as a non-positive maxWorkers,
// minWorkers exceeding maxWorkers, or a worker type this host cannot satisfy.
type ConfigError struct {
	Reason string
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	return "invalid pool configuration: " + e.Reason
}
