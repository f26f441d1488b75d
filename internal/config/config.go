// Package config loads the service configuration from a TOML file, .env files
// and APPMAKER_* environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/appmaker/internal/llm"
	"github.com/loykin/appmaker/internal/logger"
	"github.com/loykin/appmaker/internal/metrics"
	"github.com/loykin/appmaker/internal/provision"
	"github.com/loykin/appmaker/internal/runner"
)

// EnvPrefix namespaces environment overrides, e.g. APPMAKER_SERVER_LISTEN.
const EnvPrefix = "APPMAKER"

// Config is the full service configuration.
type Config struct {
	// Env is passed to provisioning commands and launched programs.
	Env      []string `mapstructure:"env"`
	EnvFiles []string `mapstructure:"env_files"`
	UseOSEnv bool     `mapstructure:"use_os_env"`

	Server   ServerConfig   `mapstructure:"server"`
	Projects ProjectsConfig `mapstructure:"projects"`
	Runner   RunnerConfig   `mapstructure:"runner"`
	LLM      llm.Config     `mapstructure:"llm"`
	Log      logger.Config  `mapstructure:"log"`
	History  HistoryConfig  `mapstructure:"history"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
}

type ServerConfig struct {
	Listen   string     `mapstructure:"listen"`
	BasePath string     `mapstructure:"base_path"`
	CORS     CORSConfig `mapstructure:"cors"`
}

type CORSConfig struct {
	Origins []string `mapstructure:"origins"`
}

type ProjectsConfig struct {
	Dir string `mapstructure:"dir"`
}

// RunnerConfig holds the supervisor and environment settings, which share the
// [runner] table.
type RunnerConfig struct {
	Supervisor runner.Config    `mapstructure:",squash"`
	Provision  provision.Config `mapstructure:",squash"`
}

type HistoryConfig struct {
	DSNs []string `mapstructure:"dsns"`
}

type MetricsConfig struct {
	Enabled bool                `mapstructure:"enabled"`
	Listen  string              `mapstructure:"listen"` // empty serves /metrics on the API listener
	Usage   metrics.UsageConfig `mapstructure:"usage"`
}

// Default returns a configuration that runs without any file.
func Default() Config {
	return Config{
		UseOSEnv: true,
		Server: ServerConfig{
			Listen:   "127.0.0.1:8000",
			BasePath: "/api",
			CORS:     CORSConfig{Origins: []string{"http://localhost:5173", "http://localhost:3000"}},
		},
		Projects: ProjectsConfig{Dir: "generated_projects"},
		Runner: RunnerConfig{
			Supervisor: runner.Config{
				GracePeriod: runner.DefaultGracePeriod,
				StopTimeout: runner.DefaultStopTimeout,
				SourceExt:   ".py",
			},
			Provision: provision.Config{
				HostPython:     provision.DefaultHostPython,
				VenvDir:        provision.DefaultVenvDir,
				ToolkitPackage: provision.DefaultToolkitPackage,
				Manifest:       provision.DefaultManifest,
			},
		},
		LLM: llm.Config{Default: "openai"},
		Log: logger.Config{
			Level:      "info",
			Format:     "text",
			Color:      true,
			MaxSizeMB:  logger.DefaultMaxSizeMB,
			MaxBackups: logger.DefaultMaxBackups,
			MaxAgeDays: logger.DefaultMaxAgeDays,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Usage:   metrics.UsageConfig{Enabled: true, Interval: 5 * time.Second, MaxHistory: 120},
		},
	}
}

// Load reads path (optional) over the defaults, then applies .env files and
// APPMAKER_* overrides. Variables already present in the environment win over
// .env entries.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, Default())
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	files := v.GetStringSlice("env_files")
	if len(files) == 0 {
		if _, err := os.Stat(".env"); err == nil {
			files = []string{".env"}
		}
	}
	for _, f := range files {
		if path != "" && !filepath.IsAbs(f) {
			f = filepath.Join(filepath.Dir(path), f)
		}
		if err := ApplyEnvFile(f); err != nil {
			return nil, fmt.Errorf("load env file %s: %w", f, err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks values that would otherwise fail late.
func (c *Config) Validate() error {
	if c.Server.Listen == "" {
		return fmt.Errorf("server.listen must not be empty")
	}
	if c.Projects.Dir == "" {
		return fmt.Errorf("projects.dir must not be empty")
	}
	if c.Runner.Supervisor.GracePeriod < 0 || c.Runner.Supervisor.StopTimeout < 0 {
		return fmt.Errorf("runner durations must not be negative")
	}
	if c.Runner.Supervisor.SourceExt != "" && !strings.HasPrefix(c.Runner.Supervisor.SourceExt, ".") {
		return fmt.Errorf("runner.source_ext must start with a dot: %q", c.Runner.Supervisor.SourceExt)
	}
	if c.LLM.Timeout < 0 {
		return fmt.Errorf("llm.timeout must not be negative")
	}
	return nil
}

// ChildEnv composes the environment list for launched programs: the OS
// environment when enabled, then the top-level env list.
func (c *Config) ChildEnv() []string {
	m := map[string]string{}
	if c.UseOSEnv {
		for _, kv := range os.Environ() {
			if k, val, ok := strings.Cut(kv, "="); ok {
				m[k] = val
			}
		}
	}
	for _, kv := range c.Env {
		if k, val, ok := strings.Cut(kv, "="); ok && k != "" {
			m[k] = val
		}
	}
	out := make([]string, 0, len(m))
	for k, val := range m {
		out = append(out, k+"="+val)
	}
	return out
}

// setDefaults registers every key so AutomaticEnv can resolve overrides for
// values that are absent from the file.
func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("server.listen", d.Server.Listen)
	v.SetDefault("server.base_path", d.Server.BasePath)
	v.SetDefault("server.cors.origins", d.Server.CORS.Origins)
	v.SetDefault("projects.dir", d.Projects.Dir)

	v.SetDefault("runner.grace_period", d.Runner.Supervisor.GracePeriod)
	v.SetDefault("runner.stop_timeout", d.Runner.Supervisor.StopTimeout)
	v.SetDefault("runner.source_ext", d.Runner.Supervisor.SourceExt)
	v.SetDefault("runner.output_tail", d.Runner.Supervisor.OutputTail)
	v.SetDefault("runner.pid_file", d.Runner.Supervisor.PIDFile)
	v.SetDefault("runner.host_python", d.Runner.Provision.HostPython)
	v.SetDefault("runner.venv_dir", d.Runner.Provision.VenvDir)
	v.SetDefault("runner.toolkit_package", d.Runner.Provision.ToolkitPackage)
	v.SetDefault("runner.toolkit_module", d.Runner.Provision.ToolkitModule)
	v.SetDefault("runner.manifest", d.Runner.Provision.Manifest)

	v.SetDefault("llm.default", d.LLM.Default)
	v.SetDefault("llm.timeout", d.LLM.Timeout)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("log.color", d.Log.Color)
	v.SetDefault("log.file", d.Log.File)
	v.SetDefault("log.dir", d.Log.Dir)
	v.SetDefault("log.max_size_mb", d.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", d.Log.MaxBackups)
	v.SetDefault("log.max_age_days", d.Log.MaxAgeDays)
	v.SetDefault("log.compress", d.Log.Compress)

	v.SetDefault("history.dsns", []string{})

	v.SetDefault("metrics.enabled", d.Metrics.Enabled)
	v.SetDefault("metrics.listen", d.Metrics.Listen)
	v.SetDefault("metrics.usage.enabled", d.Metrics.Usage.Enabled)
	v.SetDefault("metrics.usage.interval", d.Metrics.Usage.Interval)
	v.SetDefault("metrics.usage.max_history", d.Metrics.Usage.MaxHistory)

	v.SetDefault("env", []string{})
	v.SetDefault("env_files", []string{})
	v.SetDefault("use_os_env", true)
}
