package config

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap/zapcore"

	"github.com/valri11/proofgate/structval"
)

const (
	AdmissionPolicyQueue  = "queue"
	AdmissionPolicyReject = "reject"
)

// ProcessSettings is built once at startup and only read afterwards. Its
// json form is the process layer of every resolved config.
type ProcessSettings struct {
	Address          string `mapstructure:"address" json:"address"`
	ConcurrencyLimit int    `mapstructure:"concurrency-limit" json:"concurrency_limit"`
	ConfigPath       string `mapstructure:"config-path" json:"config_path"`
	Cache            string `mapstructure:"cache" json:"cache,omitempty"`
	LogLevel         string `mapstructure:"log-level" json:"log_level"`
}

type Admission struct {
	Policy  string        `mapstructure:"admission-policy"`
	Timeout time.Duration `mapstructure:"admission-timeout"`
}

type Store struct {
	Type        string `mapstructure:"rate-limit-store"`
	Connection  string `mapstructure:"rate-limit-connection"`
	LimitPerSec int    `mapstructure:"rate-limit-per-sec"`
}

type Pipeline struct {
	URL     string        `mapstructure:"pipeline-url"`
	Timeout time.Duration `mapstructure:"pipeline-timeout"`
}

type ServerConfig struct {
	ReloadConfig       bool   `mapstructure:"reload-config"`
	WatchConfig        bool   `mapstructure:"watch-config"`
	TlsCertFile        string `mapstructure:"tls-cert"`
	TlsCertKeyFile     string `mapstructure:"tls-cert-key"`
	EnableTelemetry    bool   `mapstructure:"enable-telemetry"`
	TelemetryCollector string `mapstructure:"telemetry-collector"`
}

// Configuration groups every setting of the server command. All groups
// read from the same flat set of flag names.
type Configuration struct {
	Process   ProcessSettings
	Server    ServerConfig
	Admission Admission
	RateLimit Store
	Pipeline  Pipeline
}

// Value serializes the settings into the process layer.
func (p ProcessSettings) Value() (structval.Value, error) {
	return structval.FromStruct(p)
}

func (p ProcessSettings) Level() (zapcore.Level, error) {
	return zapcore.ParseLevel(p.LogLevel)
}

func (c Configuration) Validate() error {
	var errs []error

	if c.Process.Address == "" {
		errs = append(errs, errors.New("address must not be empty"))
	}
	if c.Process.ConcurrencyLimit <= 0 {
		errs = append(errs, fmt.Errorf("concurrency limit must be positive, got %d", c.Process.ConcurrencyLimit))
	}
	if c.Process.ConfigPath == "" {
		errs = append(errs, errors.New("config path must not be empty"))
	}
	if _, err := c.Process.Level(); err != nil {
		errs = append(errs, fmt.Errorf("log level: %w", err))
	}

	switch c.Admission.Policy {
	case AdmissionPolicyQueue, AdmissionPolicyReject:
	default:
		errs = append(errs, fmt.Errorf("unknown admission policy: %s", c.Admission.Policy))
	}
	if c.Admission.Timeout < 0 {
		errs = append(errs, errors.New("admission timeout must not be negative"))
	}

	if c.RateLimit.Type != "" && c.RateLimit.LimitPerSec <= 0 {
		errs = append(errs, fmt.Errorf("rate limit store %s needs a positive limit per second", c.RateLimit.Type))
	}
	if (c.Server.TlsCertFile == "") != (c.Server.TlsCertKeyFile == "") {
		errs = append(errs, errors.New("must provide both TLS key and certificate"))
	}

	return errors.Join(errs...)
}
