package appconfig

import (
	"os"
	"path/filepath"
	"time"
)

// Config is the top-level application configuration.
type Config struct {
	ConfigVersion int            `mapstructure:"config_version" yaml:"config_version"`
	StateDir      string         `mapstructure:"state_dir" yaml:"state_dir"`
	Worker        WorkerConfig   `mapstructure:"worker" yaml:"worker"`
	Terminal      TerminalConfig `mapstructure:"terminal" yaml:"terminal"`
	Files         FilesConfig    `mapstructure:"files" yaml:"files"`
	HTTP          HTTPConfig     `mapstructure:"http" yaml:"http"`
	SSH           SSHConfig      `mapstructure:"ssh" yaml:"ssh"`
}

// CurrentConfigVersion marks the supported config version.
const CurrentConfigVersion = 1

// Environment overrides applied by Load.
const (
	EnvWorkerBinary     = "SHELLHOST_WORKER_BINARY"
	EnvAllowedReadRoots = "SHELLHOST_ALLOWED_READ_ROOTS"
)

// WorkerConfig controls the assistant worker process.
type WorkerConfig struct {
	Enabled               bool              `mapstructure:"enabled" yaml:"enabled"`
	Binary                string            `mapstructure:"binary" yaml:"binary"`
	Args                  []string          `mapstructure:"args" yaml:"args"`
	Env                   map[string]string `mapstructure:"env" yaml:"env"`
	Dir                   string            `mapstructure:"dir" yaml:"dir"`
	RequestTimeoutSeconds int               `mapstructure:"request_timeout_seconds" yaml:"request_timeout_seconds"`
	ShutdownGraceSeconds  int               `mapstructure:"shutdown_grace_seconds" yaml:"shutdown_grace_seconds"`
}

// RequestTimeout returns the forwarded request timeout.
func (c WorkerConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

// ShutdownGrace returns the delay between SIGTERM and SIGKILL.
func (c WorkerConfig) ShutdownGrace() time.Duration {
	return time.Duration(c.ShutdownGraceSeconds) * time.Second
}

// TerminalConfig controls shell sessions.
type TerminalConfig struct {
	Shell      string   `mapstructure:"shell" yaml:"shell"`
	ShellArgs  []string `mapstructure:"shell_args" yaml:"shell_args"`
	DefaultCwd string   `mapstructure:"default_cwd" yaml:"default_cwd"`
	Cols       int      `mapstructure:"cols" yaml:"cols"`
	Rows       int      `mapstructure:"rows" yaml:"rows"`
}

// FilesConfig guards local file reads.
type FilesConfig struct {
	AllowedReadRoots []string `mapstructure:"allowed_read_roots" yaml:"allowed_read_roots"`
}

// HTTPConfig configures the HTTP server.
type HTTPConfig struct {
	Addr          string `mapstructure:"addr" yaml:"addr"`
	BasePath      string `mapstructure:"base_path" yaml:"base_path"`
	StreamHistory int    `mapstructure:"stream_history" yaml:"stream_history"`
}

// SSHConfig configures the SSH terminal endpoint.
type SSHConfig struct {
	Enabled            bool   `mapstructure:"enabled" yaml:"enabled"`
	Addr               string `mapstructure:"addr" yaml:"addr"`
	HostKeyPath        string `mapstructure:"host_key_path" yaml:"host_key_path"`
	AuthorizedKeysPath string `mapstructure:"authorized_keys_path" yaml:"authorized_keys_path"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() (Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return Config{}, err
	}
	return Config{
		ConfigVersion: CurrentConfigVersion,
		StateDir:      filepath.Join(home, ".shellhost", "state"),
		Worker: WorkerConfig{
			Enabled:               true,
			Binary:                "codex",
			Args:                  []string{"app-server", "--analytics-default-enabled"},
			Env:                   map[string]string{},
			Dir:                   "",
			RequestTimeoutSeconds: 120,
			ShutdownGraceSeconds:  2,
		},
		Terminal: TerminalConfig{
			Shell:      "",
			ShellArgs:  []string{},
			DefaultCwd: ".",
			Cols:       120,
			Rows:       30,
		},
		Files: FilesConfig{
			AllowedReadRoots: []string{},
		},
		HTTP: HTTPConfig{
			Addr:          "127.0.0.1:27490",
			StreamHistory: 512,
		},
		SSH: SSHConfig{
			Enabled:            false,
			Addr:               "127.0.0.1:27422",
			HostKeyPath:        filepath.Join(home, ".shellhost", "ssh_host_key"),
			AuthorizedKeysPath: filepath.Join(home, ".ssh", "authorized_keys"),
		},
	}, nil
}

// DefaultConfigPath returns the standard config path.
func DefaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".shellhost", "config.yaml"), nil
}
