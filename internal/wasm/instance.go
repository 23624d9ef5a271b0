package wasm

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	abi "github.com/woxQAQ/aoxfer/api/wasm"
)

// Guest exports a compute step module must provide.
const (
	ExportHandle = abi.ExportHandle
	ExportMalloc = abi.ExportMalloc
)

// StartFunction is run on instantiation when the guest exports it.
const StartFunction = abi.ExportInitialize

// InstanceManager creates and manages module instances.
type InstanceManager struct {
	runtime   *Runtime
	logger    *zap.Logger
	hostFuncs *HostFunctionsImpl

	hostOnce sync.Once
	hostErr  error
}

// NewInstanceManager creates a new instance manager.
func NewInstanceManager(runtime *Runtime, hostFuncs *HostFunctionsImpl, logger *zap.Logger) *InstanceManager {
	return &InstanceManager{
		runtime:   runtime,
		hostFuncs: hostFuncs,
		logger:    logger.With(zap.String("component", "wasm-instance")),
	}
}

// InstanceConfig holds configuration for creating instances.
type InstanceConfig struct {
	// Module name to instantiate.
	ModuleName string

	// Instance ID (if empty, generates UUID).
	InstanceID string
}

// Instance represents an instantiated Wasm module.
type Instance struct {
	module  api.Module
	runtime *Runtime

	ID        string
	Name      string
	CreatedAt int64

	exports map[string]api.Function

	closeOnce sync.Once
	closeErr  error
}

// Instantiate creates a new instance from a compiled module. Blocks while the
// runtime is at its instance limit.
func (m *InstanceManager) Instantiate(ctx context.Context, config *InstanceConfig) (*Instance, error) {
	compiled, ok := m.runtime.GetCompiledModule(config.ModuleName)
	if !ok {
		return nil, &ModuleNotFoundError{ModuleName: config.ModuleName}
	}

	// Host modules live for the runtime's lifetime and are shared by every instance.
	m.hostOnce.Do(func() {
		m.hostErr = m.hostFuncs.Instantiate(ctx, m.runtime.runtime)
	})
	if m.hostErr != nil {
		return nil, m.hostErr
	}

	instanceID := config.InstanceID
	if instanceID == "" {
		instanceID = "inst-" + uuid.NewString()
	}

	if err := m.runtime.acquire(ctx); err != nil {
		return nil, &InstantiationError{ModuleName: config.ModuleName, InstanceID: instanceID, Err: err}
	}

	m.logger.Debug("Instantiating Wasm module",
		zap.String("module", config.ModuleName),
		zap.String("instance_id", instanceID),
	)

	moduleConfig := wazero.NewModuleConfig().
		WithName(instanceID).
		WithStartFunctions(StartFunction)

	module, err := m.runtime.runtime.InstantiateModule(ctx, compiled.Module, moduleConfig)
	if err != nil {
		m.runtime.release()
		return nil, &InstantiationError{
			ModuleName: config.ModuleName,
			InstanceID: instanceID,
			Err:        err,
		}
	}

	instance := &Instance{
		module:    module,
		runtime:   m.runtime,
		ID:        instanceID,
		Name:      config.ModuleName,
		CreatedAt: time.Now().Unix(),
		exports:   cacheExportedFunctions(module),
	}
	m.runtime.StoreInstance(instance)

	return instance, nil
}

// Function returns a cached export, or nil.
func (i *Instance) Function(name string) api.Function {
	return i.exports[name]
}

// Memory returns a helper over the instance's linear memory.
func (i *Instance) Memory() *Memory {
	return NewMemory(i.module)
}

// Close closes the instance and releases its slot. Safe to call twice.
func (i *Instance) Close(ctx context.Context) error {
	i.closeOnce.Do(func() {
		i.closeErr = i.module.Close(ctx)
		i.runtime.DeleteInstance(i.ID)
		i.runtime.release()
	})
	return i.closeErr
}

func cacheExportedFunctions(module api.Module) map[string]api.Function {
	exports := make(map[string]api.Function)
	for _, name := range []string{ExportHandle, ExportMalloc} {
		if fn := module.ExportedFunction(name); fn != nil {
			exports[name] = fn
		}
	}
	return exports
}
