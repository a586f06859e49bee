// Package config loads Qalam settings from a workspace TOML file with
// QALAM_* environment overrides layered on top. Missing files are not an
// error; every field has a usable default.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/osama1998H/qalam/internal/lsp"
	"github.com/osama1998H/qalam/internal/watcher"
)

// Duration is a time.Duration that unmarshals from TOML strings like "30s".
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Config is the full Qalam configuration.
type Config struct {
	Server  Server  `toml:"server"`
	Watcher Watcher `toml:"watcher"`
}

// Server configures the Tarqeem language server launch and session.
type Server struct {
	// Command is the server executable.
	Command string `toml:"command"`

	// Args are passed to the executable.
	Args []string `toml:"args"`

	// WorkDir overrides the working directory; empty means the workspace.
	WorkDir string `toml:"work_dir"`

	// RequestTimeout bounds requests that carry no deadline of their own.
	RequestTimeout Duration `toml:"request_timeout"`

	// StopGracePeriod is how long cooperative shutdown may take before the
	// process is killed.
	StopGracePeriod Duration `toml:"stop_grace_period"`

	// CancelOnWire sends $/cancelRequest for cancelled requests.
	CancelOnWire bool `toml:"cancel_on_wire"`

	// InitializationOptions are passed through in the initialize request.
	InitializationOptions map[string]any `toml:"initialization_options"`
}

// Watcher configures workspace file watching.
type Watcher struct {
	// Enabled turns the workspace watcher on.
	Enabled bool `toml:"enabled"`

	// Debounce is the batching window for file events.
	Debounce Duration `toml:"debounce"`

	// Ignore adds patterns to the built-in ignore rules.
	Ignore []string `toml:"ignore"`

	// Extensions overrides the watched file extensions, without the dot.
	Extensions []string `toml:"extensions"`
}

// Default returns the configuration used when no file and no environment
// overrides are present.
func Default() Config {
	return Config{
		Server: Server{
			Command:         "tarqeem",
			Args:            []string{"lsp"},
			RequestTimeout:  Duration(30 * time.Second),
			StopGracePeriod: Duration(3 * time.Second),
		},
		Watcher: Watcher{
			Enabled:  true,
			Debounce: Duration(200 * time.Millisecond),
		},
	}
}

// fileNames are the workspace-relative locations probed by Locate, in
// priority order.
var fileNames = []string{
	"qalam.toml",
	filepath.Join(".qalam", "config.toml"),
}

// Locate returns the path of the workspace's config file, or "" if the
// workspace carries none.
func Locate(workspace string) string {
	for _, name := range fileNames {
		path := filepath.Join(workspace, name)
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			return path
		}
	}
	return ""
}

// Load builds the configuration for a workspace: defaults, then the
// workspace file if present, then environment overrides.
func Load(workspace string) (Config, error) {
	cfg := Default()

	if path := Locate(workspace); path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadFile overlays one TOML file onto the defaults, plus environment
// overrides. The file must exist.
func LoadFile(path string) (Config, error) {
	cfg := Default()
	if err := loadFile(path, &cfg); err != nil {
		return Config{}, err
	}
	applyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file %s: %w", path, err)
	}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return &ParseError{Path: path, Err: err}
	}
	return nil
}

// Validate rejects configurations the client cannot run with.
func (c Config) Validate() error {
	if c.Server.Command == "" {
		return fmt.Errorf("server.command must not be empty")
	}
	if c.Server.RequestTimeout <= 0 {
		return fmt.Errorf("server.request_timeout must be positive, got %s", time.Duration(c.Server.RequestTimeout))
	}
	if c.Server.StopGracePeriod < 0 {
		return fmt.Errorf("server.stop_grace_period must not be negative, got %s", time.Duration(c.Server.StopGracePeriod))
	}
	if c.Watcher.Debounce <= 0 {
		return fmt.Errorf("watcher.debounce must be positive, got %s", time.Duration(c.Watcher.Debounce))
	}
	return nil
}

// ServerConfig converts to the client's launch configuration.
func (c Config) ServerConfig() lsp.ServerConfig {
	var initOpts any
	if len(c.Server.InitializationOptions) > 0 {
		initOpts = c.Server.InitializationOptions
	}
	return lsp.ServerConfig{
		Command:               c.Server.Command,
		Args:                  c.Server.Args,
		WorkDir:               c.Server.WorkDir,
		InitializationOptions: initOpts,
		RequestTimeout:        time.Duration(c.Server.RequestTimeout),
		StopGracePeriod:       time.Duration(c.Server.StopGracePeriod),
		CancelOnWire:          c.Server.CancelOnWire,
	}
}

// WatcherOptions converts to workspace watcher options.
func (c Config) WatcherOptions() []watcher.Option {
	opts := []watcher.Option{
		watcher.WithDebounce(time.Duration(c.Watcher.Debounce)),
	}
	if len(c.Watcher.Ignore) > 0 {
		opts = append(opts, watcher.WithIgnorePatterns(c.Watcher.Ignore))
	}
	if len(c.Watcher.Extensions) > 0 {
		opts = append(opts, watcher.WithExtensions(c.Watcher.Extensions))
	}
	return opts
}

// ParseError reports a malformed configuration file.
type ParseError struct {
	Path string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse error in %s: %v", e.Path, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}
