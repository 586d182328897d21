package config

import (
	"time"

	"github.com/openfroyo/webscript/pkg/fetch"
	"github.com/openfroyo/webscript/pkg/telemetry"
)

// Binding store kinds.
const (
	StoreMemory     = "memory"
	StoreProperties = "properties"
	StoreSQLite     = "sqlite"
)

// Config is the complete webscript configuration.
type Config struct {
	Server    ServerConfig     `mapstructure:"server" json:"server" yaml:"server"`
	Bindings  BindingsConfig   `mapstructure:"bindings" json:"bindings" yaml:"bindings"`
	Scripts   ScriptsConfig    `mapstructure:"scripts" json:"scripts" yaml:"scripts"`
	Fetch     FetchConfig      `mapstructure:"fetch" json:"fetch" yaml:"fetch"`
	Invoker   InvokerConfig    `mapstructure:"invoker" json:"invoker" yaml:"invoker"`
	Timer     TimerConfig      `mapstructure:"timer" json:"timer" yaml:"timer"`
	Compiler  CompilerConfig   `mapstructure:"compiler" json:"compiler" yaml:"compiler"`
	Policy    PolicyConfig     `mapstructure:"policy" json:"policy" yaml:"policy"`
	Telemetry telemetry.Config `mapstructure:"telemetry" json:"telemetry" yaml:"telemetry"`
}

// ServerConfig configures the HTTP transport.
type ServerConfig struct {
	// Address is the listen address (e.g., ":8080").
	Address string `mapstructure:"address" json:"address" yaml:"address" validate:"required"`

	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" json:"shutdown_timeout" yaml:"shutdown_timeout" validate:"min=0"`
}

// BindingsConfig selects the binding table store.
type BindingsConfig struct {
	// Kind is one of memory, properties or sqlite.
	Kind string `mapstructure:"kind" json:"kind" yaml:"kind" validate:"required,oneof=memory properties sqlite"`

	// Path is the properties file or SQLite database. Ignored by memory.
	Path string `mapstructure:"path" json:"path" yaml:"path" validate:"required_unless=Kind memory"`

	// Initial seeds the table of a memory store.
	Initial map[string]string `mapstructure:"initial" json:"initial,omitempty" yaml:"initial,omitempty"`
}

// ScriptsConfig configures local script files.
type ScriptsConfig struct {
	// Dir confines file locations and resolves relative ones. Empty
	// allows any local path.
	Dir string `mapstructure:"dir" json:"dir" yaml:"dir"`

	// Watch invalidates cached scripts when their files change.
	Watch bool `mapstructure:"watch" json:"watch" yaml:"watch"`
}

// FetchConfig configures script fetching.
type FetchConfig struct {
	MaxConcurrent int           `mapstructure:"max_concurrent" json:"max_concurrent" yaml:"max_concurrent" validate:"min=1"`
	Timeout       time.Duration `mapstructure:"timeout" json:"timeout" yaml:"timeout" validate:"min=0"`

	// MaxBytes bounds a script's size.
	MaxBytes int64 `mapstructure:"max_bytes" json:"max_bytes" yaml:"max_bytes" validate:"min=1"`

	// SFTP enables sftp:// locations when SFTP.User is set.
	SFTP fetch.SFTPConfig `mapstructure:"sftp" json:"sftp" yaml:"sftp"`
}

// InvokerConfig configures script evaluation.
type InvokerConfig struct {
	MaxConcurrent int           `mapstructure:"max_concurrent" json:"max_concurrent" yaml:"max_concurrent" validate:"min=1"`
	Timeout       time.Duration `mapstructure:"timeout" json:"timeout" yaml:"timeout" validate:"min=0"`

	// MaxSteps bounds Starlark steps per evaluation. Zero is unlimited.
	MaxSteps uint64 `mapstructure:"max_steps" json:"max_steps" yaml:"max_steps"`
}

// TimerConfig configures the periodic script.
type TimerConfig struct {
	// Script is the reference run on every tick. Empty disables the timer
	// until one is set.
	Script string `mapstructure:"script" json:"script" yaml:"script"`

	Period time.Duration `mapstructure:"period" json:"period" yaml:"period" validate:"gt=0"`
}

// CompilerConfig configures the typed-function resolver.
type CompilerConfig struct {
	// Dir holds the source modules of typed functions.
	Dir string `mapstructure:"dir" json:"dir" yaml:"dir"`

	// Watch drops compiled functions when their source files change.
	Watch bool `mapstructure:"watch" json:"watch" yaml:"watch"`

	MaxConcurrent int           `mapstructure:"max_concurrent" json:"max_concurrent" yaml:"max_concurrent" validate:"min=1"`
	Timeout       time.Duration `mapstructure:"timeout" json:"timeout" yaml:"timeout" validate:"min=0"`

	MaxSteps uint64 `mapstructure:"max_steps" json:"max_steps" yaml:"max_steps"`

	// WASMMemoryPages bounds WASM linear memory in 64KiB pages.
	WASMMemoryPages uint32 `mapstructure:"wasm_memory_pages" json:"wasm_memory_pages" yaml:"wasm_memory_pages" validate:"min=1,max=65536"`
}

// PolicyConfig configures the invoke and fetch gate.
type PolicyConfig struct {
	Enabled bool `mapstructure:"enabled" json:"enabled" yaml:"enabled"`

	// Paths are .rego and .json policy files or directories loaded next
	// to the built-in policies.
	Paths []string `mapstructure:"paths" json:"paths" yaml:"paths,flow"`

	// Watch reloads Paths when they change.
	Watch bool `mapstructure:"watch" json:"watch" yaml:"watch"`
}

// Default returns the configuration used when nothing is overridden.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Address:         ":8080",
			ShutdownTimeout: 10 * time.Second,
		},
		Bindings: BindingsConfig{
			Kind: StoreProperties,
			Path: "bindings.properties",
		},
		Scripts: ScriptsConfig{
			Dir:   "scripts",
			Watch: true,
		},
		Fetch: FetchConfig{
			MaxConcurrent: 8,
			Timeout:       30 * time.Second,
			MaxBytes:      fetch.DefaultMaxBytes,
			SFTP: fetch.SFTPConfig{
				AuthMethod:            fetch.AuthMethodKey,
				StrictHostKeyChecking: true,
				ConnectionTimeout:     30 * time.Second,
			},
		},
		Invoker: InvokerConfig{
			MaxConcurrent: 16,
			Timeout:       30 * time.Second,
		},
		Timer: TimerConfig{
			Period: time.Second,
		},
		Compiler: CompilerConfig{
			Dir:             "functions",
			Watch:           true,
			MaxConcurrent:   4,
			Timeout:         30 * time.Second,
			WASMMemoryPages: 256,
		},
		Policy: PolicyConfig{
			Enabled: true,
			Paths:   []string{},
		},
		Telemetry: *telemetry.DefaultConfig(),
	}
}
