package poolz

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"os/exec"
	"sync"
)

// exitStatus describes how an executor stopped.
type exitStatus struct {
	code   int
	reason string
}

// transport carries frames between a worker handle and its executor. The
// exited channel delivers exactly one status, after which no further frames
// arrive.
type transport interface {
	send(f *frame) error
	recv() <-chan *frame
	kill()
	exited() <-chan exitStatus
}

// threadTransport runs the worker runtime on an in-process goroutine wired
// through a pair of channels. A goroutine cannot be killed, so kill abandons
// the worker: its context is canceled, the exit is reported immediately, and
// any frame the runtime still produces goes nowhere.
type threadTransport struct {
	ctx      context.Context
	cancel   context.CancelFunc
	in       chan *frame
	out      chan *frame
	exitCh   chan exitStatus
	exitOnce sync.Once
	killOnce sync.Once
}

func startThreadWorker(methods map[string]Method, opts *WorkerOptions) *threadTransport {
	ctx, cancel := context.WithCancel(context.Background())
	t := &threadTransport{
		ctx:    ctx,
		cancel: cancel,
		in:     make(chan *frame, 8),
		out:    make(chan *frame, 8),
		exitCh: make(chan exitStatus, 1),
	}
	send := func(f *frame) error {
		select {
		case t.out <- f:
			return nil
		case <-ctx.Done():
			return errors.New("worker abandoned")
		}
	}
	r := newWorkerRuntime(methods, opts, send)

	go func() {
		if err := send(&frame{signal: readySignal}); err != nil {
			t.reportExit(exitStatus{code: -1, reason: "killed before ready"})
			return
		}
		if err := r.serveFrames(ctx, t.in); err != nil {
			t.reportExit(exitStatus{code: -1, reason: "killed"})
			return
		}
		t.reportExit(exitStatus{code: 0})
	}()
	return t
}

func (t *threadTransport) send(f *frame) error {
	select {
	case t.in <- f:
		return nil
	case <-t.ctx.Done():
		return errors.New("worker terminated")
	}
}

func (t *threadTransport) recv() <-chan *frame { return t.out }

func (t *threadTransport) kill() {
	t.killOnce.Do(func() {
		t.cancel()
		t.reportExit(exitStatus{code: -1, reason: "killed"})
	})
}

func (t *threadTransport) exited() <-chan exitStatus { return t.exitCh }

func (t *threadTransport) reportExit(status exitStatus) {
	t.exitOnce.Do(func() {
		t.exitCh <- status
	})
}

// procTransport runs the worker in a child process speaking newline-delimited
// JSON over stdin/stdout. Stderr passes through. Transfer lists degrade to
// copies: everything crosses the pipe as JSON.
type procTransport struct {
	cmd      *exec.Cmd
	stdin    io.WriteCloser
	enc      *json.Encoder
	encMu    sync.Mutex
	out      chan *frame
	exitCh   chan exitStatus
	readDone chan struct{}
	exitOnce sync.Once
	killOnce sync.Once
}

func startProcessWorker(args WorkerArgs) (*procTransport, error) {
	cmd := exec.Command(args.Script, args.Args...)
	if len(args.Env) > 0 {
		cmd.Env = args.Env
	}
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}

	t := &procTransport{
		cmd:      cmd,
		stdin:    stdin,
		enc:      json.NewEncoder(stdin),
		out:      make(chan *frame, 8),
		exitCh:   make(chan exitStatus, 1),
		readDone: make(chan struct{}),
	}
	go t.readLoop(stdout)
	go t.waitLoop()
	return t, nil
}

func (t *procTransport) send(f *frame) error {
	t.encMu.Lock()
	defer t.encMu.Unlock()
	return encodeFrame(t.enc, f)
}

func (t *procTransport) recv() <-chan *frame { return t.out }

func (t *procTransport) kill() {
	t.killOnce.Do(func() {
		_ = t.cmd.Process.Kill()
	})
}

func (t *procTransport) exited() <-chan exitStatus { return t.exitCh }

// readLoop pumps worker frames until the pipe breaks; the exit status itself
// surfaces through waitLoop.
func (t *procTransport) readLoop(stdout io.Reader) {
	defer close(t.readDone)
	dec := json.NewDecoder(stdout)
	for {
		f, err := decodeParentFrame(dec)
		if err != nil {
			return
		}
		t.out <- f
	}
}

// waitLoop reaps the child. The stdout pipe must be fully drained before
// Wait, and draining it first also guarantees every frame the worker sent is
// buffered before the exit status becomes visible.
func (t *procTransport) waitLoop() {
	<-t.readDone
	err := t.cmd.Wait()
	status := exitStatus{code: 0}
	if err != nil {
		status = exitStatus{code: -1, reason: err.Error()}
		var ee *exec.ExitError
		if errors.As(err, &ee) {
			status.code = ee.ExitCode()
		}
	}
	t.exitOnce.Do(func() {
		t.exitCh <- status
	})
}
