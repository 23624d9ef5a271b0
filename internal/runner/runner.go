package runner

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/dustin/go-humanize"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/woxQAQ/aoxfer/internal/config"
	"github.com/woxQAQ/aoxfer/internal/drive"
	"github.com/woxQAQ/aoxfer/internal/plan"
	"github.com/woxQAQ/aoxfer/internal/transfer"
	"github.com/woxQAQ/aoxfer/internal/wasm"
	"github.com/woxQAQ/aoxfer/pkg/protocol"
)

// WorkerCommand is the hidden subcommand a process worker is started with.
const WorkerCommand = "worker"

// Runner owns one side's compute step and everything behind it: the content
// drive, the wazero runtime and the compiled module.
type Runner struct {
	cfg    *config.Config
	logger *zap.Logger

	drive   *drive.Store
	runtime *wasm.Runtime
	step    *wasm.Process

	// Executable started for process workers. Defaults to os.Executable().
	workerPath string
}

// Option customises a Runner.
type Option func(*Runner)

// WithWorkerExecutable overrides the binary started for process workers.
func WithWorkerExecutable(path string) Option {
	return func(r *Runner) { r.workerPath = path }
}

// New opens the drive, starts the Wasm runtime and compiles the module.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger, opts ...Option) (*Runner, error) {
	r := &Runner{cfg: cfg, logger: logger}
	for _, opt := range opts {
		opt(r)
	}

	var err error
	if cfg.Drive.Path != "" {
		r.drive, err = drive.OpenLevelDB(cfg.Drive.Path, logger)
		if err != nil {
			return nil, err
		}
	} else {
		r.drive = drive.NewMemory(logger)
	}

	r.runtime, err = wasm.NewRuntime(ctx, logger, &wasm.RuntimeConfig{
		MemoryPages:  cfg.Wasm.MemoryPages,
		DebugEnabled: cfg.Wasm.Debug,
		CacheDir:     cfg.Wasm.CacheDir,
		MaxInstances: cfg.Wasm.MaxInstances,
		WASI:         cfg.Wasm.WASI,
	})
	if err != nil {
		return nil, multierr.Combine(fmt.Errorf("failed to initialize Wasm runtime: %w", err), r.drive.Close())
	}

	module, err := r.loadModule(ctx)
	if err != nil {
		return nil, multierr.Combine(err, r.Close(ctx))
	}

	hostFuncs := wasm.NewHostFunctions(logger, r.drive)
	instances := wasm.NewInstanceManager(r.runtime, hostFuncs, logger)
	r.step = wasm.NewProcess(instances, module.Name, cfg.Wasm.Timeout(), logger)

	logger.Info("Runner initialized",
		zap.String("module", module.Name),
		zap.String("module_size", humanize.IBytes(uint64(module.SizeBytes))),
		zap.Uint32("wasm_memory_pages", cfg.Wasm.MemoryPages),
		zap.String("drive_path", cfg.Drive.Path),
	)

	return r, nil
}

func (r *Runner) loadModule(ctx context.Context) (*wasm.CompiledModule, error) {
	loader := wasm.NewModuleLoader(r.runtime, r.logger)
	if r.cfg.Module.WasmPath != "" {
		return loader.LoadModuleFromFile(ctx, r.cfg.Module.WasmPath)
	}
	return loader.LoadModule(ctx, &wasm.DriveModuleSource{ID: r.cfg.Module.ID, Drive: r.drive})
}

// Step returns the compiled module as a compute step.
func (r *Runner) Step() protocol.ComputeStep {
	return r.step
}

// Drive returns the content store the guest reads through weavedrive.
func (r *Runner) Drive() *drive.Store {
	return r.drive
}

// StartWorker starts the execution context configured by transfer.worker.
func (r *Runner) StartWorker(ctx context.Context) (transfer.ExecutionContext, error) {
	switch r.cfg.Transfer.Worker {
	case config.WorkerProcess:
		path := r.workerPath
		if path == "" {
			exe, err := os.Executable()
			if err != nil {
				return nil, fmt.Errorf("failed to locate worker executable: %w", err)
			}
			path = exe
		}
		return transfer.StartProcessWorker(ctx, transfer.ProcessOptions{
			Path:   path,
			Args:   []string{WorkerCommand},
			Env:    config.NewWorkerEnv(r.cfg).Environ(),
			Logger: r.logger,
		})
	case config.WorkerLocal, "":
		return transfer.StartLocalWorker(ctx, r.step, r.logger), nil
	default:
		return nil, fmt.Errorf("unknown worker kind %q", r.cfg.Transfer.Worker)
	}
}

// NewCoordinator starts a worker and binds a coordinator to it. The caller
// closes the coordinator, which tears the worker down.
func (r *Runner) NewCoordinator(ctx context.Context) (*transfer.Coordinator, error) {
	chunkSize, err := r.cfg.Transfer.ChunkSizeBytes()
	if err != nil {
		return nil, err
	}

	ectx, err := r.StartWorker(ctx)
	if err != nil {
		return nil, err
	}

	env := r.cfg.Environment()
	c, err := transfer.NewCoordinator(transfer.Config{
		ChunkSize: chunkSize,
		Timeout:   r.cfg.Transfer.Timeout,
		Process:   env.Process,
		Module:    env.Module,
	}, r.step, ectx, r.logger)
	if err != nil {
		return nil, multierr.Combine(err, ectx.Close(ctx))
	}
	return c, nil
}

// Run executes every round of p through one worker, starting from prior.
func (r *Runner) Run(ctx context.Context, p *plan.Plan, prior []byte) ([]*transfer.Outcome, error) {
	steps, err := p.Steps(protocol.NewClock(), r.cfg.Environment())
	if err != nil {
		return nil, err
	}

	c, err := r.NewCoordinator(ctx)
	if err != nil {
		return nil, err
	}

	r.logger.Info("Running plan",
		zap.String("plan", p.Name),
		zap.Int("rounds", len(steps)),
		zap.String("prior", humanize.IBytes(uint64(len(prior)))),
	)

	outcomes, runErr := c.Run(ctx, prior, steps)
	if err := c.Close(context.Background()); err != nil {
		r.logger.Warn("Coordinator shutdown failed", zap.Error(err))
	}
	return outcomes, runErr
}

// ServeWorker answers requests arriving on in until the coordinator hangs up.
func (r *Runner) ServeWorker(ctx context.Context, in io.ReadCloser, out io.WriteCloser) error {
	t := transfer.NewStreamTransport(in, out, r.logger)
	defer t.Close()
	return transfer.NewWorker(t, r.step, r.logger).Serve(ctx)
}

// Close shuts down the runtime and the drive.
func (r *Runner) Close(ctx context.Context) error {
	r.logger.Info("Shutting down runner")

	var err error
	if r.runtime != nil {
		err = multierr.Append(err, r.runtime.Close(ctx))
	}
	if r.drive != nil {
		err = multierr.Append(err, r.drive.Close())
	}
	return err
}
