package wasm

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/experimental"
	"github.com/tetratelabs/wazero/experimental/logging"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zapio"
)

// ModuleLoader compiles guest modules and caches them on the Runtime.
type ModuleLoader struct {
	runtime *Runtime
	logger  *zap.Logger
}

// NewModuleLoader creates a new module loader.
func NewModuleLoader(runtime *Runtime, logger *zap.Logger) *ModuleLoader {
	return &ModuleLoader{
		runtime: runtime,
		logger:  logger.With(zap.String("component", "wasm-loader")),
	}
}

// traceWriter logs each function listener line as one debug entry.
// logging.Writer also requires io.StringWriter.
type traceWriter struct {
	*zapio.Writer
}

func (w traceWriter) WriteString(s string) (int, error) {
	return w.Write([]byte(s))
}

// ModuleSource represents a source for Wasm bytecode.
type ModuleSource interface {
	// Bytes returns the Wasm bytecode.
	Bytes(ctx context.Context) ([]byte, error)

	// Name returns the cache key for this module.
	Name() string
}

// FileModuleSource loads Wasm from a file.
type FileModuleSource struct {
	Path string
}

// Bytes reads the Wasm file.
func (f *FileModuleSource) Bytes(context.Context) ([]byte, error) {
	return os.ReadFile(f.Path)
}

// Name returns the file path as the module name.
func (f *FileModuleSource) Name() string {
	return f.Path
}

// MemoryModuleSource serves Wasm already held in memory.
type MemoryModuleSource struct {
	ModuleName string
	Data       []byte
}

// Bytes returns the Wasm bytecode.
func (m *MemoryModuleSource) Bytes(context.Context) ([]byte, error) {
	return m.Data, nil
}

// Name returns the module name.
func (m *MemoryModuleSource) Name() string {
	return m.ModuleName
}

// DriveModuleSource resolves the module binary by content id.
type DriveModuleSource struct {
	ID    string
	Drive ContentStore
}

// Bytes fetches the module from the drive.
func (d *DriveModuleSource) Bytes(ctx context.Context) ([]byte, error) {
	return d.Drive.Get(ctx, d.ID)
}

// Name returns the content id.
func (d *DriveModuleSource) Name() string {
	return d.ID
}

// LoadModule compiles the module behind source unless it is already cached.
func (l *ModuleLoader) LoadModule(ctx context.Context, source ModuleSource) (*CompiledModule, error) {
	if cached, ok := l.runtime.GetCompiledModule(source.Name()); ok {
		l.logger.Debug("Module cache hit",
			zap.String("module", source.Name()),
		)
		return cached, nil
	}

	wasmBytes, err := source.Bytes(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read module %s: %w", source.Name(), err)
	}

	l.logger.Info("Compiling Wasm module",
		zap.String("module", source.Name()),
		zap.String("size", humanize.IBytes(uint64(len(wasmBytes)))),
	)

	// Function listeners are bound at compile time.
	if l.runtime.config.DebugEnabled {
		w := traceWriter{&zapio.Writer{Log: l.logger.Named("trace"), Level: zapcore.DebugLevel}}
		ctx = experimental.WithFunctionListenerFactory(ctx, logging.NewLoggingListenerFactory(w))
	}

	startTime := time.Now()

	compiled, err := l.runtime.runtime.CompileModule(ctx, wasmBytes)
	if err != nil {
		return nil, &CompilationError{
			ModuleName: source.Name(),
			Err:        err,
		}
	}

	if err := checkExports(source.Name(), compiled); err != nil {
		compiled.Close(ctx)
		return nil, err
	}

	compiledModule := &CompiledModule{
		Module:     compiled,
		Name:       source.Name(),
		Source:     source.Name(),
		SizeBytes:  int64(len(wasmBytes)),
		CompiledAt: time.Now().Unix(),
	}

	l.runtime.StoreCompiledModule(compiledModule)

	l.logger.Info("Module compiled successfully",
		zap.String("module", source.Name()),
		zap.Duration("duration", time.Since(startTime)),
	)

	return compiledModule, nil
}

// checkExports rejects modules that cannot serve as a compute step.
func checkExports(name string, compiled wazero.CompiledModule) error {
	if len(compiled.ExportedMemories()) == 0 {
		return &SnapshotError{Operation: "export", Reason: fmt.Sprintf("module '%s' exports no memory", name)}
	}

	funcs := compiled.ExportedFunctions()
	for _, fn := range []string{ExportHandle, ExportMalloc} {
		if _, ok := funcs[fn]; !ok {
			return &FunctionNotFoundError{ModuleName: name, FunctionName: fn}
		}
	}
	return nil
}

// LoadModuleFromFile is a convenience function for loading from a file path.
func (l *ModuleLoader) LoadModuleFromFile(ctx context.Context, path string) (*CompiledModule, error) {
	return l.LoadModule(ctx, &FileModuleSource{Path: path})
}

// LoadModuleFromMemory loads from a byte slice.
func (l *ModuleLoader) LoadModuleFromMemory(ctx context.Context, name string, data []byte) (*CompiledModule, error) {
	return l.LoadModule(ctx, &MemoryModuleSource{ModuleName: name, Data: data})
}
