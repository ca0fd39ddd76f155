// Package config loads the gateway configuration file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"pgrestgw/pkg/instance"
	"pgrestgw/pkg/platform/process"
	"pgrestgw/pkg/platform/upstream"

	"gopkg.in/yaml.v3"
)

// Platform kinds.
const (
	PlatformUpstream = "upstream"
	PlatformProcess  = "process"
)

const (
	DefaultListen          = ":8080"
	DefaultUpstreamURL     = "http://localhost:3000"
	DefaultPoolSize        = 3
	DefaultShutdownTimeout = 10 * time.Second
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-([^}]*))?\}`)

// Config is the complete gateway configuration.
type Config struct {
	Listen          string         `yaml:"listen"`
	Debug           bool           `yaml:"debug"`
	LogJSON         bool           `yaml:"log_json"`
	DB              string         `yaml:"db"`
	ShutdownTimeout Duration       `yaml:"shutdown_timeout"`
	Platform        PlatformConfig `yaml:"platform"`
	Probe           ProbeConfig    `yaml:"probe"`
	Forward         ForwardConfig  `yaml:"forward"`
	Pool            PoolConfig     `yaml:"pool"`
}

// PlatformConfig selects and configures the instance platform.
type PlatformConfig struct {
	Kind     string         `yaml:"kind"`
	Upstream UpstreamConfig `yaml:"upstream"`
	Process  ProcessConfig  `yaml:"process"`
}

// UpstreamConfig configures already running backends.
type UpstreamConfig struct {
	URL          string   `yaml:"url"`
	RetryMax     int      `yaml:"retry_max"`
	RetryWaitMin Duration `yaml:"retry_wait_min"`
	RetryWaitMax Duration `yaml:"retry_wait_max"`
}

// ProcessConfig configures locally spawned backends.
type ProcessConfig struct {
	Command         string            `yaml:"command"`
	Args            []string          `yaml:"args"`
	Env             map[string]string `yaml:"env"`
	Dir             string            `yaml:"dir"`
	Host            string            `yaml:"host"`
	PortMin         int               `yaml:"port_min"`
	PortMax         int               `yaml:"port_max"`
	SleepAfter      Duration          `yaml:"sleep_after"`
	MaxLifetime     Duration          `yaml:"max_lifetime"`
	ShutdownTimeout Duration          `yaml:"shutdown_timeout"`
	ReapInterval    Duration          `yaml:"reap_interval"`
}

// ProbeConfig configures readiness probing.
type ProbeConfig struct {
	Attempts int      `yaml:"attempts"`
	Backoff  Duration `yaml:"backoff"`
	Deadline Duration `yaml:"deadline"`
}

// ForwardConfig configures request forwarding.
type ForwardConfig struct {
	Timeout Duration `yaml:"timeout"`
}

// PoolConfig configures the load balanced pool.
type PoolConfig struct {
	Size     int    `yaml:"size"`
	Strategy string `yaml:"strategy"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Listen:          DefaultListen,
		ShutdownTimeout: Duration(DefaultShutdownTimeout),
		Platform: PlatformConfig{
			Kind:     PlatformUpstream,
			Upstream: UpstreamConfig{URL: DefaultUpstreamURL},
			Process: ProcessConfig{
				Host:            process.DefaultHost,
				PortMin:         process.DefaultPortMin,
				PortMax:         process.DefaultPortMax,
				SleepAfter:      Duration(process.DefaultSleepAfter),
				MaxLifetime:     Duration(process.DefaultMaxLifetime),
				ShutdownTimeout: Duration(process.DefaultShutdownTimeout),
				ReapInterval:    Duration(process.DefaultReapInterval),
			},
		},
		Probe: ProbeConfig{
			Attempts: instance.DefaultProbeAttempts,
			Backoff:  Duration(instance.DefaultProbeBackoff),
			Deadline: Duration(instance.DefaultProbeDeadline),
		},
		Forward: ForwardConfig{Timeout: Duration(instance.DefaultForwardTimeout)},
		Pool:    PoolConfig{Size: DefaultPoolSize, Strategy: string(instance.StrategyRandom)},
	}
}

// Load reads path over the defaults. ${VAR} and ${VAR:-default} are
// replaced from the environment before parsing.
func Load(path string) (*Config, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve path %s: %w", path, err)
	}

	data, err := os.ReadFile(absPath) //nolint:gosec // operator supplied path
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	return Parse(data)
}

// Parse decodes YAML data over the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal([]byte(substituteEnvVars(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func substituteEnvVars(content string) string {
	return envVarPattern.ReplaceAllStringFunc(content, func(match string) string {
		sub := envVarPattern.FindStringSubmatch(match)
		if value, ok := os.LookupEnv(sub[1]); ok {
			return value
		}
		return sub[2]
	})
}

// Validate rejects values the gateway cannot run with.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("%w: listen address is empty", ErrInvalidConfig)
	}

	switch c.Platform.Kind {
	case PlatformUpstream:
		if !strings.Contains(c.Platform.Upstream.URL, "://") {
			return fmt.Errorf("%w: upstream url %q has no scheme", ErrInvalidConfig, c.Platform.Upstream.URL)
		}
		if c.Platform.Upstream.RetryMax < 0 {
			return fmt.Errorf("%w: upstream retry_max must not be negative", ErrInvalidConfig)
		}
	case PlatformProcess:
		p := c.Platform.Process
		if p.Command == "" {
			return fmt.Errorf("%w: process command is empty", ErrInvalidConfig)
		}
		if p.PortMin <= 0 || p.PortMax > 65535 || p.PortMin > p.PortMax {
			return fmt.Errorf("%w: process port range %d-%d", ErrInvalidConfig, p.PortMin, p.PortMax)
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownPlatform, c.Platform.Kind)
	}

	if c.Probe.Attempts < 1 {
		return fmt.Errorf("%w: probe attempts must be at least 1", ErrInvalidConfig)
	}
	if c.Probe.Backoff < 0 {
		return fmt.Errorf("%w: probe backoff must not be negative", ErrInvalidConfig)
	}
	if c.Probe.Deadline <= 0 {
		return fmt.Errorf("%w: probe deadline must be positive", ErrInvalidConfig)
	}
	if c.Forward.Timeout <= 0 {
		return fmt.Errorf("%w: forward timeout must be positive", ErrInvalidConfig)
	}
	if c.Pool.Size < 1 {
		return fmt.Errorf("%w: pool size must be at least 1", ErrInvalidConfig)
	}
	if _, err := instance.ParseStrategy(c.Pool.Strategy); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return nil
}

// UpstreamPlatform returns the upstream platform settings.
func (c *Config) UpstreamPlatform() upstream.Config {
	u := c.Platform.Upstream
	return upstream.Config{
		URLTemplate:  u.URL,
		RetryMax:     u.RetryMax,
		RetryWaitMin: u.RetryWaitMin.Duration(),
		RetryWaitMax: u.RetryWaitMax.Duration(),
	}
}

// ProcessPlatform returns the process platform settings.
func (c *Config) ProcessPlatform() process.Config {
	p := c.Platform.Process
	return process.Config{
		Command:         p.Command,
		Args:            p.Args,
		Env:             p.Env,
		Dir:             p.Dir,
		Host:            p.Host,
		PortMin:         p.PortMin,
		PortMax:         p.PortMax,
		SleepAfter:      p.SleepAfter.Duration(),
		MaxLifetime:     p.MaxLifetime.Duration(),
		ShutdownTimeout: p.ShutdownTimeout.Duration(),
		ReapInterval:    p.ReapInterval.Duration(),
	}
}

// ProbeSettings returns the prober settings.
func (c *Config) ProbeSettings() instance.ProbeConfig {
	return instance.ProbeConfig{
		Attempts: c.Probe.Attempts,
		Backoff:  c.Probe.Backoff.Duration(),
		Deadline: c.Probe.Deadline.Duration(),
	}
}
