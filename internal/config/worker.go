package config

import (
	"fmt"
	"strconv"

	"github.com/kelseyhightower/envconfig"
)

// WorkerEnvPrefix prefixes the variables a process worker is started with.
const WorkerEnvPrefix = EnvPrefix + "_WORKER"

// WorkerEnv is what a coordinator hands to a worker subprocess. It carries
// only what the far-side compute step needs; chunk size travels with every
// request instead.
type WorkerEnv struct {
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`

	ModuleID    string `envconfig:"MODULE_ID"`
	ModuleOwner string `envconfig:"MODULE_OWNER"`
	WasmPath    string `envconfig:"WASM_PATH"`
	DrivePath   string `envconfig:"DRIVE_PATH"`

	MemoryPages      uint32 `envconfig:"MEMORY_PAGES" default:"65536"`
	MaxInstances     int    `envconfig:"MAX_INSTANCES" default:"4"`
	ExecutionTimeout int    `envconfig:"EXECUTION_TIMEOUT" default:"0"`
	CacheDir         string `envconfig:"CACHE_DIR"`
	Debug            bool   `envconfig:"DEBUG"`
	WASI             bool   `envconfig:"WASI"`
}

// NewWorkerEnv derives the worker settings from the coordinator's config.
func NewWorkerEnv(cfg *Config) WorkerEnv {
	return WorkerEnv{
		LogLevel:         cfg.LogLevel,
		ModuleID:         cfg.Module.ID,
		ModuleOwner:      cfg.Module.Owner,
		WasmPath:         cfg.Module.WasmPath,
		DrivePath:        cfg.Transfer.WorkerDrivePath,
		MemoryPages:      cfg.Wasm.MemoryPages,
		MaxInstances:     cfg.Wasm.MaxInstances,
		ExecutionTimeout: cfg.Wasm.ExecutionTimeout,
		CacheDir:         cfg.Wasm.CacheDir,
		Debug:            cfg.Wasm.Debug,
		WASI:             cfg.Wasm.WASI,
	}
}

// Environ renders e as KEY=value pairs for exec.Cmd.Env.
func (e WorkerEnv) Environ() []string {
	kv := func(key, value string) string {
		return fmt.Sprintf("%s_%s=%s", WorkerEnvPrefix, key, value)
	}
	return []string{
		kv("LOG_LEVEL", e.LogLevel),
		kv("MODULE_ID", e.ModuleID),
		kv("MODULE_OWNER", e.ModuleOwner),
		kv("WASM_PATH", e.WasmPath),
		kv("DRIVE_PATH", e.DrivePath),
		kv("MEMORY_PAGES", strconv.FormatUint(uint64(e.MemoryPages), 10)),
		kv("MAX_INSTANCES", strconv.Itoa(e.MaxInstances)),
		kv("EXECUTION_TIMEOUT", strconv.Itoa(e.ExecutionTimeout)),
		kv("CACHE_DIR", e.CacheDir),
		kv("DEBUG", strconv.FormatBool(e.Debug)),
		kv("WASI", strconv.FormatBool(e.WASI)),
	}
}

// Config expands e into a full Config for the worker's own wiring.
func (e WorkerEnv) Config() *Config {
	return &Config{
		LogLevel: e.LogLevel,
		Module:   ModuleConfig{ID: e.ModuleID, Owner: e.ModuleOwner, WasmPath: e.WasmPath},
		Wasm: WasmConfig{
			MemoryPages:      e.MemoryPages,
			Debug:            e.Debug,
			CacheDir:         e.CacheDir,
			MaxInstances:     e.MaxInstances,
			ExecutionTimeout: e.ExecutionTimeout,
			WASI:             e.WASI,
		},
		Drive: DriveConfig{Path: e.DrivePath},
	}
}

// LoadWorkerEnv reads the worker settings from the process environment.
func LoadWorkerEnv() (*WorkerEnv, error) {
	var env WorkerEnv
	if err := envconfig.Process(WorkerEnvPrefix, &env); err != nil {
		return nil, fmt.Errorf("failed to read worker environment: %w", err)
	}
	if env.ModuleID == "" && env.WasmPath == "" {
		return nil, fmt.Errorf("worker started without %s_MODULE_ID or %s_WASM_PATH", WorkerEnvPrefix, WorkerEnvPrefix)
	}
	return &env, nil
}
