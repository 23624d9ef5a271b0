package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/woxQAQ/aoxfer/pkg/protocol"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// teardownTimeout bounds how long a failed coordinator waits for its worker
// to go away before killing it.
const teardownTimeout = 5 * time.Second

// ExecutionContext is an isolated worker together with the transport that
// reaches it. It is owned by exactly one Coordinator.
type ExecutionContext interface {
	// Transport is the coordinator's end of the connection.
	Transport() Transport
	// Done is closed once the worker has stopped.
	Done() <-chan struct{}
	// Err reports why the worker stopped. Nil while running or after a clean exit.
	Err() error
	// Close stops the worker, forcibly once ctx ends.
	Close(ctx context.Context) error
}

// localContext runs a Worker on a goroutine behind an in-process pipe.
type localContext struct {
	near   Transport
	far    Transport
	cancel context.CancelFunc
	done   chan struct{}

	mu  sync.Mutex
	err error

	logger *zap.Logger
}

// StartLocalWorker starts a worker goroutine serving step. The worker gets its
// own copy of every chunk, so nothing is shared with the caller.
func StartLocalWorker(ctx context.Context, step protocol.ComputeStep, logger *zap.Logger) ExecutionContext {
	near, far := NewPipe()
	wctx, cancel := context.WithCancel(ctx)

	lc := &localContext{
		near:   near,
		far:    far,
		cancel: cancel,
		done:   make(chan struct{}),
		logger: logger.With(zap.String("component", "local-worker")),
	}

	worker := NewWorker(far, step, logger)
	go lc.run(wctx, worker)
	return lc
}

func (lc *localContext) run(ctx context.Context, w *Worker) {
	defer close(lc.done)
	defer lc.far.Close()
	defer func() {
		if r := recover(); r != nil {
			lc.logger.Error("Worker panicked", zap.Any("panic", r))
			lc.setErr(fmt.Errorf("worker panicked: %v", r))
		}
	}()

	if err := w.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		lc.setErr(err)
	}
}

func (lc *localContext) setErr(err error) {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	lc.err = err
}

func (lc *localContext) Transport() Transport { return lc.near }

func (lc *localContext) Done() <-chan struct{} { return lc.done }

func (lc *localContext) Err() error {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	return lc.err
}

func (lc *localContext) Close(ctx context.Context) error {
	lc.near.Close()
	lc.cancel()

	select {
	case <-lc.done:
		return nil
	case <-ctx.Done():
		// A compute step that ignores cancellation keeps its goroutine; the
		// pipe is already closed so it can no longer reach the coordinator.
		return fmt.Errorf("local worker did not stop: %w", ctx.Err())
	}
}

// ProcessOptions describes the subprocess that hosts a worker.
type ProcessOptions struct {
	// Path is the executable, usually os.Executable().
	Path string
	// Args follow the executable name, e.g. []string{"worker"}.
	Args []string
	// Env is appended to the parent's environment.
	Env []string
	// Stderr receives the worker's logs. Nil means os.Stderr.
	Stderr io.Writer
	Logger *zap.Logger
}

// processContext runs a worker in a child process that speaks the stream
// framing on its stdin and stdout.
type processContext struct {
	cmd       *exec.Cmd
	transport *StreamTransport
	done      chan struct{}
	err       error // set before done is closed

	logger *zap.Logger
}

// StartProcessWorker starts the worker subprocess. The child's memory space is
// fully separate from the coordinator's.
func StartProcessWorker(ctx context.Context, opts ProcessOptions) (ExecutionContext, error) {
	if opts.Path == "" {
		return nil, errors.New("worker executable path is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "process-worker"))

	// os.Pipe rather than Cmd.StdoutPipe, so Wait never races with reads.
	stdinR, stdinW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create worker stdin: %w", err)
	}
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, multierr.Combine(
			fmt.Errorf("failed to create worker stdout: %w", err),
			stdinR.Close(),
			stdinW.Close(),
		)
	}

	cmd := exec.Command(opts.Path, opts.Args...)
	cmd.Stdin = stdinR
	cmd.Stdout = stdoutW
	cmd.Env = append(os.Environ(), opts.Env...)
	cmd.Stderr = opts.Stderr
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}

	if err := cmd.Start(); err != nil {
		return nil, multierr.Combine(
			fmt.Errorf("failed to start worker: %w", err),
			stdinR.Close(), stdinW.Close(),
			stdoutR.Close(), stdoutW.Close(),
		)
	}

	// The child holds its own copies now.
	stdinR.Close()
	stdoutW.Close()

	pc := &processContext{
		cmd:       cmd,
		transport: NewStreamTransport(stdoutR, stdinW, logger),
		done:      make(chan struct{}),
		logger:    logger,
	}

	logger.Info("Worker process started", zap.Int("pid", cmd.Process.Pid), zap.String("path", opts.Path))

	go pc.wait()
	go func() {
		select {
		case <-ctx.Done():
			pc.kill()
		case <-pc.done:
		}
	}()

	return pc, nil
}

func (pc *processContext) wait() {
	err := pc.cmd.Wait()
	if err != nil {
		pc.err = fmt.Errorf("worker process exited: %w", err)
		pc.logger.Warn("Worker process exited", zap.Error(err))
	} else {
		pc.logger.Info("Worker process exited")
	}
	close(pc.done)
}

func (pc *processContext) kill() {
	if err := pc.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		pc.logger.Warn("Failed to kill worker process", zap.Error(err))
	}
}

func (pc *processContext) Transport() Transport { return pc.transport }

func (pc *processContext) Done() <-chan struct{} { return pc.done }

func (pc *processContext) Err() error {
	select {
	case <-pc.done:
		return pc.err
	default:
		return nil
	}
}

// Close closes the worker's stdin, which ends its serve loop, and waits for
// it to exit. The process is killed once ctx ends.
func (pc *processContext) Close(ctx context.Context) error {
	closeErr := pc.transport.Close()

	select {
	case <-pc.done:
	case <-ctx.Done():
		pc.kill()
		<-pc.done
		return multierr.Combine(closeErr, fmt.Errorf("worker process killed: %w", ctx.Err()))
	}
	return multierr.Combine(closeErr, pc.err)
}
