package wasm

import (
	"context"
	"fmt"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"go.uber.org/zap"
)

// MaxMemoryPages is the largest 32-bit linear memory (4 GiB).
const MaxMemoryPages = 65536

// PageSize is the size of one Wasm memory page.
const PageSize = 64 * 1024

// Runtime manages the wazero runtime lifecycle.
// One Runtime serves every compute step invocation of the process.
type Runtime struct {
	// wazero runtime
	runtime wazero.Runtime

	// Compiled module cache (key: module name/path -> value: compiled module)
	modules sync.Map // map[string]*CompiledModule

	// Active module instances (for cleanup on shutdown)
	// key: instance ID -> value: *Instance
	instances sync.Map

	// Bounds the number of live instances.
	slots chan struct{}

	config *RuntimeConfig
	logger *zap.Logger

	closeOnce sync.Once
	closed    chan struct{}
}

// RuntimeConfig holds runtime configuration.
type RuntimeConfig struct {
	// Memory limit for Wasm modules (in pages, 64KB each)
	// Default: 65536 pages = 4GiB, the 32-bit ceiling
	MemoryPages uint32

	// Log every guest function call through the runtime logger
	DebugEnabled bool

	// Compilation cache directory (for persistent caching)
	// If empty, uses in-memory caching only
	CacheDir string

	// Maximum number of concurrent instances
	MaxInstances int

	// Instantiate wasi_snapshot_preview1 for guests that import it
	WASI bool
}

// CompiledModule wraps a wazero.CompiledModule with metadata.
type CompiledModule struct {
	// wazero compiled module
	Module wazero.CompiledModule

	// Module metadata
	Name      string
	Source    string // File path or identifier
	SizeBytes int64

	// Compilation timestamp
	CompiledAt int64
}

// NewRuntime creates and initializes a new wazero runtime.
func NewRuntime(ctx context.Context, logger *zap.Logger, config *RuntimeConfig) (*Runtime, error) {
	if config == nil {
		config = DefaultRuntimeConfig()
	}
	if config.MemoryPages == 0 || config.MemoryPages > MaxMemoryPages {
		return nil, fmt.Errorf("memory pages must be in [1, %d], got %d", MaxMemoryPages, config.MemoryPages)
	}
	if config.MaxInstances <= 0 {
		return nil, fmt.Errorf("max instances must be positive, got %d", config.MaxInstances)
	}

	rc := wazero.NewRuntimeConfig().
		WithMemoryLimitPages(config.MemoryPages).
		WithCloseOnContextDone(true)

	if config.CacheDir != "" {
		cache, err := wazero.NewCompilationCacheWithDir(config.CacheDir)
		if err != nil {
			return nil, fmt.Errorf("failed to open compilation cache %s: %w", config.CacheDir, err)
		}
		rc = rc.WithCompilationCache(cache)
	}

	r := wazero.NewRuntimeWithConfig(ctx, rc)

	if config.WASI {
		if _, err := wasi_snapshot_preview1.Instantiate(ctx, r); err != nil {
			r.Close(ctx)
			return nil, fmt.Errorf("failed to instantiate WASI: %w", err)
		}
	}

	runtime := &Runtime{
		runtime: r,
		slots:   make(chan struct{}, config.MaxInstances),
		config:  config,
		logger:  logger.With(zap.String("component", "wasm-runtime")),
		closed:  make(chan struct{}),
	}

	logger.Info("Wasm runtime initialized",
		zap.Uint32("memory_pages", config.MemoryPages),
		zap.Bool("debug_enabled", config.DebugEnabled),
		zap.String("cache_dir", config.CacheDir),
		zap.Int("max_instances", config.MaxInstances),
		zap.Bool("wasi", config.WASI),
	)

	return runtime, nil
}

// DefaultRuntimeConfig returns sensible defaults.
func DefaultRuntimeConfig() *RuntimeConfig {
	return &RuntimeConfig{
		MemoryPages:  MaxMemoryPages,
		DebugEnabled: false,
		CacheDir:     "",
		MaxInstances: 4,
		WASI:         false,
	}
}

// Close gracefully shuts down the runtime.
// Safe to call multiple times (idempotent).
func (r *Runtime) Close(ctx context.Context) error {
	var err error
	r.closeOnce.Do(func() {
		r.logger.Info("Shutting down Wasm runtime")

		// Close all active instances first
		r.instances.Range(func(key, value interface{}) bool {
			if inst, ok := value.(*Instance); ok {
				if closeErr := inst.Close(ctx); closeErr != nil {
					r.logger.Warn("Failed to close instance",
						zap.String("instance_id", key.(string)),
						zap.Error(closeErr),
					)
				}
			}
			return true
		})

		// Close the runtime (closes compiled modules)
		err = r.runtime.Close(ctx)

		close(r.closed)
		r.logger.Info("Wasm runtime shutdown complete")
	})

	return err
}

// GetCompiledModule retrieves a compiled module from cache.
func (r *Runtime) GetCompiledModule(name string) (*CompiledModule, bool) {
	if val, ok := r.modules.Load(name); ok {
		if mod, ok := val.(*CompiledModule); ok {
			return mod, true
		}
	}
	return nil, false
}

// StoreCompiledModule stores a compiled module in cache.
func (r *Runtime) StoreCompiledModule(module *CompiledModule) {
	r.modules.Store(module.Name, module)
}

// acquire blocks until an instance slot is free or ctx is done.
func (r *Runtime) acquire(ctx context.Context) error {
	select {
	case r.slots <- struct{}{}:
		return nil
	case <-r.closed:
		return fmt.Errorf("wasm runtime is closed")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Runtime) release() {
	<-r.slots
}

// GetInstance retrieves an active instance.
func (r *Runtime) GetInstance(instanceID string) (*Instance, bool) {
	if val, ok := r.instances.Load(instanceID); ok {
		inst, ok := val.(*Instance)
		return inst, ok
	}
	return nil, false
}

// StoreInstance stores an active instance.
func (r *Runtime) StoreInstance(instance *Instance) {
	r.instances.Store(instance.ID, instance)
}

// DeleteInstance removes an instance from tracking.
func (r *Runtime) DeleteInstance(instanceID string) {
	r.instances.Delete(instanceID)
}

// InstanceCount returns the number of live instances.
func (r *Runtime) InstanceCount() int {
	return len(r.slots)
}

// IsClosed returns whether the runtime has been closed.
func (r *Runtime) IsClosed() bool {
	select {
	case <-r.closed:
		return true
	default:
		return false
	}
}
