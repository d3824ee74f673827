package poolz

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/zoobzio/clockz"
)

// DeferredState is the lifecycle state of a Deferred. A deferred starts
// Pending and transitions exactly once, to either Resolved or Rejected.
type DeferredState int

// Deferred lifecycle states.
const (
	Pending DeferredState = iota
	Resolved
	Rejected
)

// String returns the state name.
func (s DeferredState) String() string {
	switch s {
	case Pending:
		return "pending"
	case Resolved:
		return "resolved"
	case Rejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// settledFunc receives the settled value or error. Exactly one of the two is
// meaningful.
type settledFunc func(value any, err error)

// Deferred is a promise-like handle for a future result. It supports
// Then/Catch/Always chaining, cancellation, and timeouts.
//
// Chaining builds a tree: each Then child keeps a back reference to its
// parent, and Cancel/Timeout walk that chain to the root and reject it there.
// Children observe the root's rejection through normal propagation; the walk
// never travels toward children directly.
//
// Callbacks registered before settlement run in registration order when the
// deferred settles; callbacks registered afterwards run immediately with the
// already-known result.
type Deferred struct {
	clock      clockz.Clock
	parent     *Deferred
	onCancel   func() // root-only side effect; set once before the Deferred escapes
	mu         sync.Mutex
	state      DeferredState
	value      any
	err        error
	callbacks  []settledFunc
	timerStops []chan struct{}
	done       chan struct{}
}

// NewDeferred creates an unsettled Deferred on the real clock. Worker methods
// return one to complete asynchronously; the runtime adopts it.
func NewDeferred() *Deferred {
	return newDeferred(clockz.RealClock)
}

func newDeferred(clock clockz.Clock) *Deferred {
	return &Deferred{clock: clock, done: make(chan struct{})}
}

// State returns the current lifecycle state.
func (d *Deferred) State() DeferredState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Done returns a channel closed when the deferred settles.
func (d *Deferred) Done() <-chan struct{} {
	return d.done
}

// Await blocks until the deferred settles or ctx is done. On settlement it
// returns the value or rejection error; on context expiry it returns ctx.Err()
// without settling the deferred.
func (d *Deferred) Await(ctx context.Context) (any, error) {
	select {
	case <-d.done:
		d.mu.Lock()
		defer d.mu.Unlock()
		return d.value, d.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Resolve settles the deferred with value. A second settlement attempt of any
// kind is ignored.
func (d *Deferred) Resolve(value any) {
	d.settle(value, nil)
}

// Reject settles the deferred with err. A second settlement attempt of any
// kind is ignored.
func (d *Deferred) Reject(err error) {
	if err == nil {
		err = errors.New("rejected")
	}
	d.settle(nil, err)
}

// settle performs the single state transition. Reports whether this call won.
func (d *Deferred) settle(value any, err error) bool {
	d.mu.Lock()
	if d.state != Pending {
		d.mu.Unlock()
		return false
	}
	if err != nil {
		d.state = Rejected
		d.err = err
	} else {
		d.state = Resolved
		d.value = value
	}
	cbs := d.callbacks
	d.callbacks = nil
	stops := d.timerStops
	d.timerStops = nil
	close(d.done)
	d.mu.Unlock()

	for _, stop := range stops {
		close(stop)
	}
	for _, cb := range cbs {
		cb(value, err)
	}
	return true
}

// addCallback queues cb, or runs it immediately if already settled.
func (d *Deferred) addCallback(cb settledFunc) {
	d.mu.Lock()
	if d.state == Pending {
		d.callbacks = append(d.callbacks, cb)
		d.mu.Unlock()
		return
	}
	value, err := d.value, d.err
	d.mu.Unlock()
	cb(value, err)
}

// Then returns a new Deferred settled by the outcome of the given callbacks.
// A nil onSuccess passes the value through; a nil onFail passes the error
// through. If a callback returns a *Deferred, the child adopts it and settles
// with its eventual outcome.
func (d *Deferred) Then(onSuccess func(any) (any, error), onFail func(error) (any, error)) *Deferred {
	child := newDeferred(d.clock)
	child.parent = d
	d.addCallback(func(value any, err error) {
		if err != nil {
			if onFail == nil {
				child.settle(nil, err)
				return
			}
			child.adopt(onFail(err))
			return
		}
		if onSuccess == nil {
			child.settle(value, nil)
			return
		}
		child.adopt(onSuccess(value))
	})
	return child
}

// Catch is Then with only a failure callback.
func (d *Deferred) Catch(onFail func(error) (any, error)) *Deferred {
	return d.Then(nil, onFail)
}

// Always runs fn on settlement regardless of outcome. fn receives the value
// or the error (one of the two), and its return settles the child.
func (d *Deferred) Always(fn func(value any, err error) (any, error)) *Deferred {
	if fn == nil {
		return d.Then(nil, nil)
	}
	return d.Then(
		func(value any) (any, error) { return fn(value, nil) },
		func(err error) (any, error) { return fn(nil, err) },
	)
}

// adopt settles the deferred from a callback's return. A returned *Deferred
// is chained instead of being used as a value.
func (d *Deferred) adopt(value any, err error) {
	if err != nil {
		d.settle(nil, err)
		return
	}
	if inner, ok := value.(*Deferred); ok && inner != nil {
		inner.addCallback(func(v any, e error) {
			d.settle(v, e)
		})
		return
	}
	d.settle(value, nil)
}

// Cancel walks to the root of the chain and rejects it with a
// CancellationError. Already-settled chains ignore the call. If the root
// belongs to a pool task, the pool's cancel hook dequeues the task or
// force-terminates the worker running it.
func (d *Deferred) Cancel() {
	root := d.root()
	if root.settle(nil, &CancellationError{}) && root.onCancel != nil {
		root.onCancel()
	}
}

// Timeout arms a timer that, on expiry, rejects the root of the chain with a
// TimeoutError, with the same side effects as Cancel. Settlement before
// expiry disarms the timer. Returns the receiver for chaining.
func (d *Deferred) Timeout(after time.Duration) *Deferred {
	root := d.root()
	root.mu.Lock()
	if root.state != Pending {
		root.mu.Unlock()
		return d
	}
	stop := make(chan struct{})
	root.timerStops = append(root.timerStops, stop)
	root.mu.Unlock()

	go func() {
		select {
		case <-root.clock.After(after):
			if root.settle(nil, &TimeoutError{After: after}) && root.onCancel != nil {
				root.onCancel()
			}
		case <-stop:
		}
	}()
	return d
}

// root follows parent links to the head of the chain. Parent links are set at
// construction and never change, so no locking is needed.
func (d *Deferred) root() *Deferred {
	r := d
	for r.parent != nil {
		r = r.parent
	}
	return r
}
