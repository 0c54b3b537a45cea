package core

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultVO is probed when neither the flag nor the config names one.
const DefaultVO = "vo.access.egi.eu"

// Config is the fedprobe configuration file.
type Config struct {
	IM          IMConfig          `yaml:"im"`
	Probe       ProbeConfig       `yaml:"probe"`
	SSH         SSHConfig         `yaml:"ssh"`
	Credentials CredentialsConfig `yaml:"credentials"`
	Store       StoreConfig       `yaml:"store"`
	Sites       SitesConfig       `yaml:"sites"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
}

type IMConfig struct {
	Endpoint       string        `yaml:"endpoint"`
	Timeout        time.Duration `yaml:"timeout"`
	DestroyTimeout time.Duration `yaml:"destroy_timeout"`
	Format         string        `yaml:"format"`
}

type ProbeConfig struct {
	VO       string        `yaml:"vo"`
	Command  string        `yaml:"command"`
	Image    string        `yaml:"image"`
	Attempts int           `yaml:"attempts"`
	Interval time.Duration `yaml:"interval"`
	Settle   time.Duration `yaml:"settle"`
	Parallel int           `yaml:"parallel"`
}

type SSHConfig struct {
	Port    int           `yaml:"port"`
	Timeout time.Duration `yaml:"timeout"`
	Retries int           `yaml:"retries"`
	Backoff time.Duration `yaml:"backoff"`
}

type CredentialsConfig struct {
	// Dir holds the per-invocation auth descriptors. Empty means the OS temp dir.
	Dir string `yaml:"dir"`
	// Token is better kept in secrets.env or the environment.
	Token string `yaml:"token"`
}

type StoreConfig struct {
	Disabled bool   `yaml:"disabled"`
	Path     string `yaml:"path"`
}

type SitesConfig struct {
	// Endpoint is the FedCloud IS, AppDB the AppDB GraphQL endpoint. "-" disables one.
	Endpoint string        `yaml:"endpoint"`
	AppDB    string        `yaml:"appdb"`
	Timeout  time.Duration `yaml:"timeout"`
}

type TelemetryConfig struct {
	// Textfile, when set, receives the metrics after every run.
	Textfile string `yaml:"textfile"`
}

// DefaultConfig returns the built-in configuration.
func DefaultConfig() Config {
	return Config{
		IM: IMConfig{
			Endpoint:       "https://im.egi.eu/im",
			Timeout:        2 * time.Minute,
			DestroyTimeout: DefaultDestroyTimeout,
			Format:         "tosca",
		},
		Probe: ProbeConfig{
			VO:       DefaultVO,
			Command:  DefaultCommand,
			Attempts: DefaultPollAttempts,
			Interval: DefaultPollInterval,
			Settle:   DefaultSettleDelay,
			Parallel: 1,
		},
		SSH: SSHConfig{
			Port:    22,
			Timeout: 30 * time.Second,
			Retries: 3,
			Backoff: 5 * time.Second,
		},
		Store: StoreConfig{Path: filepath.Join(stateDir(), "journal.db")},
		Sites: SitesConfig{
			Endpoint: "https://is.cloud.egi.eu",
			AppDB:    "https://is.appdb.egi.eu/graphql",
			Timeout:  30 * time.Second,
		},
	}
}

// ConfigDir resolves $XDG_CONFIG_HOME/fedprobe or ~/.config/fedprobe.
func ConfigDir() string {
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, _ := os.UserHomeDir()
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "fedprobe")
}

func stateDir() string {
	base := os.Getenv("XDG_STATE_HOME")
	if base == "" {
		home, _ := os.UserHomeDir()
		base = filepath.Join(home, ".local", "state")
	}
	return filepath.Join(base, "fedprobe")
}

// LoadConfig reads YAML configuration from a path. If path is empty it resolves
// ConfigDir()/config.yaml and a missing file yields the defaults. The access
// token is then taken from secrets.env next to the file and from the
// environment, in increasing order of precedence.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	explicit := path != ""
	if !explicit {
		path = filepath.Join(ConfigDir(), "config.yaml")
	}
	f, err := os.Open(path)
	switch {
	case err == nil:
		defer f.Close()
		content, err := io.ReadAll(f)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(content, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	case explicit || !errors.Is(err, fs.ErrNotExist):
		return cfg, fmt.Errorf("open config: %w", err)
	}

	secrets, _ := LoadSecretsEnv(filepath.Join(filepath.Dir(path), "secrets.env"))
	for _, k := range []string{"OIDC_ACCESS_TOKEN", "FEDPROBE_ACCESS_TOKEN"} {
		if v := secrets[k]; v != "" {
			cfg.Credentials.Token = v
		}
	}
	for _, k := range []string{"OIDC_ACCESS_TOKEN", "FEDPROBE_ACCESS_TOKEN"} {
		if v := os.Getenv(k); v != "" {
			cfg.Credentials.Token = v
		}
	}
	return cfg, cfg.Validate()
}

// Validate rejects values that would make a probe meaningless.
func (c Config) Validate() error {
	switch {
	case c.IM.Endpoint == "":
		return ValidationError{Field: "im.endpoint", Message: "endpoint is required"}
	case c.IM.Format != "tosca" && c.IM.Format != "radl" && c.IM.Format != "json":
		return ValidationError{Field: "im.format", Value: c.IM.Format, Message: "must be tosca, radl or json"}
	case c.Probe.Attempts < 1:
		return ValidationError{Field: "probe.attempts", Value: fmt.Sprint(c.Probe.Attempts), Message: "must be at least 1"}
	case c.Probe.Interval < 0 || c.Probe.Settle < 0:
		return ValidationError{Field: "probe", Message: "interval and settle must not be negative"}
	case c.Probe.Parallel < 1:
		return ValidationError{Field: "probe.parallel", Value: fmt.Sprint(c.Probe.Parallel), Message: "must be at least 1"}
	case c.SSH.Port < 1 || c.SSH.Port > 65535:
		return ValidationError{Field: "ssh.port", Value: fmt.Sprint(c.SSH.Port), Message: "out of range"}
	}
	return nil
}
