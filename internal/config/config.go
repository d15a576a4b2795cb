package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/relayshell/internal/env"
	"github.com/loykin/relayshell/internal/history"
	"github.com/loykin/relayshell/internal/logger"
	"github.com/loykin/relayshell/internal/metrics"
	"github.com/loykin/relayshell/internal/provision"
	"github.com/loykin/relayshell/internal/supervisor"
)

// EnvPrefix is prepended to environment overrides, e.g. RELAYSHELL_SERVER_LISTEN.
const EnvPrefix = "RELAYSHELL"

// Fixed names below the data directory.
const (
	ReceivedDirName = "received_files"
	RuntimeDirName  = "backend-runtime"
	LogsDirName     = "logs"
	PIDFileName     = "worker.pid"
	DBFileName      = "relayshell.db"
)

// FileConfig is the TOML layout.
type FileConfig struct {
	DataDir  string         `toml:"data_dir" mapstructure:"data_dir"`
	Env      []string       `toml:"env" mapstructure:"env"`
	EnvFiles []string       `toml:"env_files" mapstructure:"env_files"`
	UseOSEnv bool           `toml:"use_os_env" mapstructure:"use_os_env"`
	Worker   WorkerConfig   `toml:"worker" mapstructure:"worker"`
	Store    StoreConfig    `toml:"store" mapstructure:"store"`
	Log      LogConfig      `toml:"log" mapstructure:"log"`
	Server   ServerConfig   `toml:"server" mapstructure:"server"`
	Metrics  MetricsConfig  `toml:"metrics" mapstructure:"metrics"`
	Transfer TransferConfig `toml:"transfer" mapstructure:"transfer"`
}

type WorkerConfig struct {
	AppVersion  string            `toml:"app_version" mapstructure:"app_version"`
	SourceDir   string            `toml:"source_dir" mapstructure:"source_dir"`
	Executable  string            `toml:"executable" mapstructure:"executable"`
	DevMode     bool              `toml:"dev_mode" mapstructure:"dev_mode"`
	Interpreter string            `toml:"interpreter" mapstructure:"interpreter"`
	Script      string            `toml:"script" mapstructure:"script"`
	StopTimeout time.Duration     `toml:"stop_timeout" mapstructure:"stop_timeout"`
	WaitDelay   time.Duration     `toml:"wait_delay" mapstructure:"wait_delay"`
	Capture     bool              `toml:"capture" mapstructure:"capture"`
	Env         map[string]string `toml:"env" mapstructure:"env"`
}

type StoreConfig struct {
	// DSN selects the backend: sqlite://path, postgres://..., memory://.
	// Empty means sqlite in the data directory.
	DSN string `toml:"dsn" mapstructure:"dsn"`
}

type LogConfig struct {
	Level      string `toml:"level" mapstructure:"level"`
	Format     string `toml:"format" mapstructure:"format"`
	Color      bool   `toml:"color" mapstructure:"color"`
	TimeStamps bool   `toml:"timestamps" mapstructure:"timestamps"`
	Dir        string `toml:"dir" mapstructure:"dir"`
	File       string `toml:"file" mapstructure:"file"`
	MaxSizeMB  int    `toml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days" mapstructure:"max_age_days"`
	Compress   bool   `toml:"compress" mapstructure:"compress"`
}

type ServerConfig struct {
	Listen   string `toml:"listen" mapstructure:"listen"`
	BasePath string `toml:"base_path" mapstructure:"base_path"`
}

type MetricsConfig struct {
	Enabled   bool                  `toml:"enabled" mapstructure:"enabled"`
	Resources metrics.SamplerConfig `toml:"resources" mapstructure:"resources"`
}

type TransferConfig struct {
	MaxHistory int           `toml:"max_history" mapstructure:"max_history"`
	MaxStats   int           `toml:"max_stats" mapstructure:"max_stats"`
	Settle     time.Duration `toml:"settle" mapstructure:"settle"`
}

// Config is the loaded configuration with derived paths resolved.
type Config struct {
	FileConfig
	// Path of the file it was read from; empty when built from defaults only.
	Path string
	// WorkerEnv is the merged env list plus [worker.env].
	WorkerEnv env.Var
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", "")
	v.SetDefault("env", []string{})
	v.SetDefault("env_files", []string{})
	v.SetDefault("use_os_env", true)

	v.SetDefault("worker.app_version", "dev")
	v.SetDefault("worker.source_dir", "")
	v.SetDefault("worker.executable", "")
	v.SetDefault("worker.dev_mode", false)
	v.SetDefault("worker.interpreter", "")
	v.SetDefault("worker.script", "")
	v.SetDefault("worker.stop_timeout", 3*time.Second)
	v.SetDefault("worker.wait_delay", time.Second)
	v.SetDefault("worker.capture", false)

	v.SetDefault("store.dsn", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.color", false)
	v.SetDefault("log.timestamps", true)
	v.SetDefault("log.dir", "")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 7)
	v.SetDefault("log.compress", false)

	v.SetDefault("server.listen", "127.0.0.1:8090")
	v.SetDefault("server.base_path", "/api")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.resources.enabled", false)
	v.SetDefault("metrics.resources.interval", 5*time.Second)
	v.SetDefault("metrics.resources.max_history", 120)

	v.SetDefault("transfer.max_history", history.DefaultMaxItems)
	v.SetDefault("transfer.max_stats", history.DefaultMaxStats)
	v.SetDefault("transfer.settle", 300*time.Millisecond)
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("toml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return v
}

// Load reads path (optional) over the defaults and RELAYSHELL_* overrides.
// Relative paths in the file resolve against the file's directory.
func Load(path string) (*Config, error) {
	v := newViper()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	var fc FileConfig
	if err := v.Unmarshal(&fc); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	c := &Config{FileConfig: fc, Path: path}
	if err := c.finalize(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) finalize() error {
	base := ""
	if c.Path != "" {
		base = filepath.Dir(c.Path)
	}
	if c.DataDir == "" {
		dir, err := os.UserConfigDir()
		if err != nil {
			dir = os.TempDir()
		}
		c.DataDir = filepath.Join(dir, "relayshell")
	}
	c.DataDir = resolve(base, c.DataDir)
	if c.Worker.SourceDir != "" {
		c.Worker.SourceDir = resolve(base, c.Worker.SourceDir)
	}
	if c.Worker.Script != "" {
		c.Worker.Script = resolve(base, c.Worker.Script)
	}
	if c.Log.Dir == "" {
		c.Log.Dir = c.LogsDir()
	} else {
		c.Log.Dir = resolve(base, c.Log.Dir)
	}
	for i, f := range c.EnvFiles {
		c.EnvFiles[i] = resolve(base, f)
	}

	if c.Worker.StopTimeout <= 0 {
		return fmt.Errorf("worker.stop_timeout must be positive")
	}
	if c.Transfer.MaxHistory < 0 || c.Transfer.MaxStats < 0 {
		return fmt.Errorf("transfer.max_history and transfer.max_stats must not be negative")
	}
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		c.Server.BasePath = "/" + c.Server.BasePath
	}

	vars, err := GlobalEnv(c.FileConfig)
	if err != nil {
		return err
	}
	for k, val := range c.Worker.Env {
		// viper lowercases map keys; environment names are conventionally upper case
		vars[strings.ToUpper(k)] = val
	}
	c.WorkerEnv = vars
	return nil
}

func resolve(base, p string) string {
	if p == "" || filepath.IsAbs(p) || base == "" {
		return p
	}
	return filepath.Join(base, p)
}

func (c *Config) ReceivedDir() string { return filepath.Join(c.DataDir, ReceivedDirName) }
func (c *Config) RuntimeDir() string  { return filepath.Join(c.DataDir, RuntimeDirName) }
func (c *Config) LogsDir() string     { return filepath.Join(c.DataDir, LogsDirName) }
func (c *Config) PIDPath() string     { return filepath.Join(c.DataDir, PIDFileName) }

// StoreDSN is the configured DSN or the default sqlite file.
func (c *Config) StoreDSN() string {
	if c.Store.DSN != "" {
		return c.Store.DSN
	}
	return "sqlite://" + filepath.Join(c.DataDir, DBFileName)
}

func (c *Config) Logger() logger.Config {
	lc := logger.Config{
		Slog: logger.SlogConfig{
			Level:      logger.Level(c.Log.Level),
			Format:     logger.Format(c.Log.Format),
			Color:      c.Log.Color,
			TimeStamps: c.Log.TimeStamps,
		},
		File: logger.FileConfig{
			Dir:        c.Log.Dir,
			MaxSizeMB:  c.Log.MaxSizeMB,
			MaxBackups: c.Log.MaxBackups,
			MaxAgeDays: c.Log.MaxAgeDays,
			Compress:   c.Log.Compress,
		},
	}
	if c.Log.File != "" {
		lc.File.AppPath = resolve(c.Log.Dir, c.Log.File)
	}
	return lc
}

func (c *Config) Provision() provision.Config {
	return provision.Config{
		AppVersion:  c.Worker.AppVersion,
		SourceDir:   c.Worker.SourceDir,
		Executable:  c.Worker.Executable,
		TargetDir:   c.RuntimeDir(),
		DevMode:     c.Worker.DevMode,
		Interpreter: c.Worker.Interpreter,
		Script:      c.Worker.Script,
		Env:         c.WorkerEnv,
		// WorkerEnv already holds the OS layer when use_os_env is set
		IsolateEnv:  true,
	}
}

func (c *Config) Supervisor() supervisor.Config {
	return supervisor.Config{
		StopTimeout: c.Worker.StopTimeout,
		WaitDelay:   c.Worker.WaitDelay,
		PIDFile:     c.PIDPath(),
		Capture:     c.Worker.Capture,
		Log:         c.Logger(),
	}
}

func (c *Config) History() history.Config {
	return history.Config{MaxItems: c.Transfer.MaxHistory, MaxStats: c.Transfer.MaxStats}
}

// GlobalEnv merges the env settings of fc.
// Precedence: OS env (when enabled) provides base; then env_files in order;
// then the top-level env list overrides last.
func GlobalEnv(fc FileConfig) (env.Var, error) {
	m := make(env.Var)
	if fc.UseOSEnv {
		for k, v := range env.ParseList(os.Environ()) {
			m[k] = v
		}
	}
	for _, p := range fc.EnvFiles {
		pairs, err := loadEnvFile(p)
		if err != nil {
			return nil, fmt.Errorf("env file %s: %w", p, err)
		}
		for k, v := range pairs {
			m[k] = v
		}
	}
	for k, v := range env.ParseList(fc.Env) {
		m[k] = v
	}
	return m, nil
}

// loadEnvFile parses KEY=VALUE lines (no export, no quotes). Lines starting with # are ignored.
func loadEnvFile(path string) (env.Var, error) {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	m := make(env.Var)
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if k, v, ok := strings.Cut(line, "="); ok {
			m[strings.TrimSpace(k)] = strings.TrimSpace(v)
		}
	}
	return m, nil
}
