package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/viper"

	"github.com/woxQAQ/aoxfer/pkg/protocol"
)

// EnvPrefix prefixes every environment override, e.g. AOXFER_TRANSFER_CHUNK_SIZE.
const EnvPrefix = "AOXFER"

// Worker kinds.
const (
	WorkerLocal   = "local"
	WorkerProcess = "process"
)

type Config struct {
	LogLevel string         `mapstructure:"log_level"`
	Transfer TransferConfig `mapstructure:"transfer"`
	Process  ProcessConfig  `mapstructure:"process"`
	Module   ModuleConfig   `mapstructure:"module"`
	Wasm     WasmConfig     `mapstructure:"wasm"`
	Drive    DriveConfig    `mapstructure:"drive"`
}

// TransferConfig holds the chunked transfer settings.
type TransferConfig struct {
	// Maximum size of one chunk, human readable ("2GiB", "64MB").
	ChunkSize string `mapstructure:"chunk_size"`
	// Bound on the wait for the worker's answer. Zero disables it.
	Timeout time.Duration `mapstructure:"timeout"`
	// Where the worker runs: "local" or "process".
	Worker string `mapstructure:"worker"`
	// Drive path for a process worker. Empty gives it an in-memory drive.
	WorkerDrivePath string `mapstructure:"worker_drive_path"`
}

// ChunkSizeBytes parses ChunkSize.
func (c TransferConfig) ChunkSizeBytes() (int64, error) {
	n, err := humanize.ParseBytes(c.ChunkSize)
	if err != nil {
		return 0, fmt.Errorf("invalid chunk size %q: %w", c.ChunkSize, err)
	}
	if n == 0 || n > 1<<62 {
		return 0, fmt.Errorf("chunk size %q out of range", c.ChunkSize)
	}
	return int64(n), nil
}

// ProcessConfig is the logical process identity handed to the compute step.
type ProcessConfig struct {
	ID    string         `mapstructure:"id"`
	Owner string         `mapstructure:"owner"`
	Tags  []protocol.Tag `mapstructure:"tags"`
}

// ModuleConfig names the module and where its wasm comes from.
type ModuleConfig struct {
	ID    string         `mapstructure:"id"`
	Owner string         `mapstructure:"owner"`
	Tags  []protocol.Tag `mapstructure:"tags"`
	// Path to the .wasm file. Empty loads the module from the drive by ID.
	WasmPath string `mapstructure:"wasm_path"`
}

// WasmConfig holds Wasm runtime configuration.
type WasmConfig struct {
	// Memory limit per module (in pages, 64KB each).
	MemoryPages uint32 `mapstructure:"memory_pages"`
	// Enable debug logging.
	Debug bool `mapstructure:"debug"`
	// Compilation cache directory.
	CacheDir string `mapstructure:"cache_dir"`
	// Maximum concurrent instances.
	MaxInstances int `mapstructure:"max_instances"`
	// Module execution timeout (seconds). Zero disables it.
	ExecutionTimeout int `mapstructure:"execution_timeout"`
	// Expose wasi_snapshot_preview1 to guests.
	WASI bool `mapstructure:"wasi"`
}

// Timeout returns ExecutionTimeout as a duration.
func (c WasmConfig) Timeout() time.Duration {
	return time.Duration(c.ExecutionTimeout) * time.Second
}

// DriveConfig locates the content store behind the weavedrive imports.
type DriveConfig struct {
	// LevelDB directory. Empty keeps content in memory.
	Path string `mapstructure:"path"`
}

// Environment converts the identities into the compute step's descriptor.
func (c *Config) Environment() *protocol.Environment {
	return &protocol.Environment{
		Process: protocol.Process{ID: c.Process.ID, Owner: c.Process.Owner, Tags: c.Process.Tags},
		Module:  protocol.Module{ID: c.Module.ID, Owner: c.Module.Owner, Tags: c.Module.Tags},
	}
}

// Validate checks values viper cannot check on its own.
func (c *Config) Validate() error {
	if _, err := c.Transfer.ChunkSizeBytes(); err != nil {
		return err
	}
	if c.Transfer.Timeout < 0 {
		return fmt.Errorf("transfer timeout must not be negative, got %v", c.Transfer.Timeout)
	}
	switch c.Transfer.Worker {
	case WorkerLocal, WorkerProcess:
	default:
		return fmt.Errorf("unknown worker kind %q, want %q or %q", c.Transfer.Worker, WorkerLocal, WorkerProcess)
	}
	if c.Transfer.Worker == WorkerProcess {
		// LevelDB allows one open handle per directory.
		if c.Transfer.WorkerDrivePath != "" && c.Transfer.WorkerDrivePath == c.Drive.Path {
			return fmt.Errorf("transfer.worker_drive_path must differ from drive.path")
		}
		if c.Module.WasmPath == "" && c.Transfer.WorkerDrivePath == "" {
			return fmt.Errorf("a process worker loading the module from the drive needs transfer.worker_drive_path")
		}
	}
	if c.Process.ID == "" {
		return fmt.Errorf("process.id is required")
	}
	if c.Module.ID == "" && c.Module.WasmPath == "" {
		return fmt.Errorf("module.id or module.wasm_path is required")
	}
	if c.Wasm.MemoryPages == 0 || c.Wasm.MemoryPages > 65536 {
		return fmt.Errorf("wasm.memory_pages must be between 1 and 65536, got %d", c.Wasm.MemoryPages)
	}
	if c.Wasm.MaxInstances <= 0 {
		return fmt.Errorf("wasm.max_instances must be positive, got %d", c.Wasm.MaxInstances)
	}
	if c.Wasm.ExecutionTimeout < 0 {
		return fmt.Errorf("wasm.execution_timeout must not be negative, got %d", c.Wasm.ExecutionTimeout)
	}
	return nil
}

// Load reads configPath (if any) over the defaults, then applies AOXFER_*
// environment overrides.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	v.SetDefault("log_level", "info")

	// Transfer defaults
	v.SetDefault("transfer.chunk_size", "2GiB")
	v.SetDefault("transfer.timeout", "10m")
	v.SetDefault("transfer.worker", WorkerLocal)
	v.SetDefault("transfer.worker_drive_path", "")

	v.SetDefault("process.id", "process")
	v.SetDefault("process.owner", "")
	v.SetDefault("process.tags", []map[string]string{
		{"name": protocol.TagDataProtocol, "value": "ao"},
		{"name": protocol.TagType, "value": "Process"},
		{"name": protocol.TagExtension, "value": "Weave-Drive"},
	})
	v.SetDefault("module.id", "")
	v.SetDefault("module.owner", "")
	v.SetDefault("module.wasm_path", "")

	// Wasm defaults
	v.SetDefault("wasm.memory_pages", 65536) // 4GiB
	v.SetDefault("wasm.debug", false)
	v.SetDefault("wasm.cache_dir", "")
	v.SetDefault("wasm.max_instances", 4)
	v.SetDefault("wasm.execution_timeout", 0)
	v.SetDefault("wasm.wasi", false)

	v.SetDefault("drive.path", "")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", configPath, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	return &cfg, nil
}
