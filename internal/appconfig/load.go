package appconfig

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Load reads configuration from the provided path. If path is empty, uses
// DefaultConfigPath. A missing file yields the defaults.
func Load(path string) (Config, error) {
	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return Config{}, err
		}
		path = defaultPath
	}

	cfg, err := DefaultConfig()
	if err != nil {
		return Config{}, err
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetDefault("config_version", cfg.ConfigVersion)
	v.SetDefault("state_dir", cfg.StateDir)
	v.SetDefault("worker.enabled", cfg.Worker.Enabled)
	v.SetDefault("worker.binary", cfg.Worker.Binary)
	v.SetDefault("worker.args", cfg.Worker.Args)
	v.SetDefault("worker.env", cfg.Worker.Env)
	v.SetDefault("worker.dir", cfg.Worker.Dir)
	v.SetDefault("worker.request_timeout_seconds", cfg.Worker.RequestTimeoutSeconds)
	v.SetDefault("worker.shutdown_grace_seconds", cfg.Worker.ShutdownGraceSeconds)
	v.SetDefault("terminal.shell", cfg.Terminal.Shell)
	v.SetDefault("terminal.shell_args", cfg.Terminal.ShellArgs)
	v.SetDefault("terminal.default_cwd", cfg.Terminal.DefaultCwd)
	v.SetDefault("terminal.cols", cfg.Terminal.Cols)
	v.SetDefault("terminal.rows", cfg.Terminal.Rows)
	v.SetDefault("files.allowed_read_roots", cfg.Files.AllowedReadRoots)
	v.SetDefault("http.addr", cfg.HTTP.Addr)
	v.SetDefault("http.base_path", cfg.HTTP.BasePath)
	v.SetDefault("http.stream_history", cfg.HTTP.StreamHistory)
	v.SetDefault("ssh.enabled", cfg.SSH.Enabled)
	v.SetDefault("ssh.addr", cfg.SSH.Addr)
	v.SetDefault("ssh.host_key_path", cfg.SSH.HostKeyPath)
	v.SetDefault("ssh.authorized_keys_path", cfg.SSH.AuthorizedKeysPath)
	if err := v.BindEnv("worker.binary", EnvWorkerBinary); err != nil {
		return Config{}, err
	}

	configLoaded := false
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
			return Config{}, err
		}
	} else {
		configLoaded = true
	}

	if configLoaded {
		if !v.IsSet("config_version") {
			return Config{}, fmt.Errorf("config_version is required; expected %d", CurrentConfigVersion)
		}
		if v.GetInt("config_version") != CurrentConfigVersion {
			return Config{}, fmt.Errorf("unsupported config_version %d; expected %d", v.GetInt("config_version"), CurrentConfigVersion)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	if configLoaded {
		env, err := readWorkerEnv(path)
		if err != nil {
			return Config{}, err
		}
		if env != nil {
			cfg.Worker.Env = env
		}
	}
	if roots, ok := os.LookupEnv(EnvAllowedReadRoots); ok && strings.TrimSpace(roots) != "" {
		cfg.Files.AllowedReadRoots = filepath.SplitList(roots)
	}
	expandConfigEnv(&cfg)
	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// readWorkerEnv re-reads worker.env with yaml.v3 because viper folds map
// keys to lower case, which breaks names like PATH.
func readWorkerEnv(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var raw struct {
		Worker struct {
			Env map[string]string `yaml:"env"`
		} `yaml:"worker"`
	}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("worker.env: %w", err)
	}
	return raw.Worker.Env, nil
}

func validate(cfg Config) error {
	if cfg.Worker.Enabled && strings.TrimSpace(cfg.Worker.Binary) == "" {
		return fmt.Errorf("worker.binary is required when worker.enabled is true")
	}
	if cfg.Worker.RequestTimeoutSeconds <= 0 {
		return fmt.Errorf("worker.request_timeout_seconds must be positive")
	}
	if cfg.Worker.ShutdownGraceSeconds < 0 {
		return fmt.Errorf("worker.shutdown_grace_seconds must not be negative")
	}
	if cfg.Terminal.Cols <= 0 || cfg.Terminal.Cols > math.MaxUint16 {
		return fmt.Errorf("terminal.cols must be between 1 and %d", math.MaxUint16)
	}
	if cfg.Terminal.Rows <= 0 || cfg.Terminal.Rows > math.MaxUint16 {
		return fmt.Errorf("terminal.rows must be between 1 and %d", math.MaxUint16)
	}
	if strings.TrimSpace(cfg.HTTP.Addr) == "" {
		return fmt.Errorf("http.addr is required")
	}
	if cfg.HTTP.StreamHistory < 0 {
		return fmt.Errorf("http.stream_history must not be negative")
	}
	if cfg.SSH.Enabled {
		if strings.TrimSpace(cfg.SSH.Addr) == "" {
			return fmt.Errorf("ssh.addr is required when ssh.enabled is true")
		}
		if strings.TrimSpace(cfg.SSH.AuthorizedKeysPath) == "" {
			return fmt.Errorf("ssh.authorized_keys_path is required when ssh.enabled is true")
		}
	}
	return nil
}

func expandConfigEnv(cfg *Config) {
	if cfg == nil {
		return
	}
	cfg.StateDir = expandEnv(cfg.StateDir)
	cfg.Worker.Binary = expandEnv(cfg.Worker.Binary)
	cfg.Worker.Dir = expandEnv(cfg.Worker.Dir)
	cfg.Terminal.Shell = expandEnv(cfg.Terminal.Shell)
	cfg.Terminal.DefaultCwd = expandEnv(cfg.Terminal.DefaultCwd)
	for i, root := range cfg.Files.AllowedReadRoots {
		cfg.Files.AllowedReadRoots[i] = expandEnv(root)
	}
	cfg.SSH.HostKeyPath = expandEnv(cfg.SSH.HostKeyPath)
	cfg.SSH.AuthorizedKeysPath = expandEnv(cfg.SSH.AuthorizedKeysPath)
}

func expandEnv(value string) string {
	if value == "" {
		return value
	}
	return os.Expand(value, func(key string) string {
		if key == "" {
			return ""
		}
		if val, ok := lookupEnv(key); ok {
			return val
		}
		return "$" + key
	})
}

func lookupEnv(key string) (string, bool) {
	if val, ok := os.LookupEnv(key); ok {
		return val, true
	}
	switch key {
	case "UID":
		return fmt.Sprintf("%d", os.Getuid()), true
	case "GID":
		return fmt.Sprintf("%d", os.Getgid()), true
	}
	return "", false
}

// WriteDefault writes the default config to the target path.
func WriteDefault(path string, overwrite bool) (string, error) {
	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return "", err
		}
		path = defaultPath
	}

	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return "", fmt.Errorf("config already exists at %s", path)
		}
	}

	cfg, err := DefaultConfig()
	if err != nil {
		return "", err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", err
	}
	return path, nil
}
