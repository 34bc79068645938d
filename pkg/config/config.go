package config

import (
	"fmt"
	"os"
	"time"

	"github.com/core-tools/hsu-dynsidecar/pkg/errors"
	"github.com/core-tools/hsu-dynsidecar/pkg/logging"
	"github.com/core-tools/hsu-dynsidecar/pkg/specs"

	"github.com/docker/docker/api/types/mount"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config represents the top-level configuration file structure
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Monitor MonitorConfig `yaml:"monitor"`
	Sidecar SidecarConfig `yaml:"sidecar"`
	Proxy   ProxyConfig   `yaml:"proxy"`
}

type ServerConfig struct {
	ControlPort          int           `yaml:"control_port" validate:"gte=0,lte=65535"`
	MetricsPort          int           `yaml:"metrics_port" validate:"gte=0,lte=65535"`
	LogLevel             string        `yaml:"log_level,omitempty" validate:"omitempty,oneof=debug info warn error"`
	LogFormat            string        `yaml:"log_format,omitempty" validate:"omitempty,oneof=json console"`
	ForceShutdownTimeout time.Duration `yaml:"force_shutdown_timeout,omitempty"`
}

type MonitorConfig struct {
	Enabled              *bool         `yaml:"enabled,omitempty"` // Pointer to distinguish unset from false
	Interval             time.Duration `yaml:"interval,omitempty"`
	MaxStatusAPIDuration time.Duration `yaml:"max_status_api_duration,omitempty"`
	RecoverOnStart       *bool         `yaml:"recover_on_start,omitempty"`
}

type SidecarConfig struct {
	Image              string          `yaml:"image" validate:"required"`
	Port               int             `yaml:"port" validate:"gt=0,lte=65535"`
	ServicePrefix      string          `yaml:"service_prefix" validate:"required,alphanum"`
	SwarmStackName     string          `yaml:"swarm_stack_name" validate:"required"`
	SwarmNetworkName   string          `yaml:"swarm_network_name" validate:"required"`
	Registry           string          `yaml:"registry" validate:"required"`
	TraefikSimcoreZone string          `yaml:"traefik_simcore_zone" validate:"required"`
	HealthTimeout      time.Duration   `yaml:"health_timeout,omitempty"`
	RequestTimeout     time.Duration   `yaml:"request_timeout,omitempty"`
	NodeIDTimeout      time.Duration   `yaml:"node_id_timeout,omitempty"`
	NodeIDPollInterval time.Duration   `yaml:"node_id_poll_interval,omitempty"`
	ExposePort         bool            `yaml:"expose_port,omitempty"`
	DevMounts          []MountConfig   `yaml:"dev_mounts,omitempty" validate:"dive"`
	Resources          *ResourceConfig `yaml:"resources,omitempty"`
}

type ProxyConfig struct {
	Image     string          `yaml:"image,omitempty"`
	LogLevel  string          `yaml:"log_level,omitempty" validate:"omitempty,oneof=DEBUG INFO WARN ERROR debug info warn error"`
	Resources *ResourceConfig `yaml:"resources,omitempty"`
}

// MountConfig is an extra bind mount of the sidecar, mainly for development
type MountConfig struct {
	Source   string `yaml:"source" validate:"required"`
	Target   string `yaml:"target" validate:"required"`
	ReadOnly bool   `yaml:"read_only,omitempty"`
}

type ResourceConfig struct {
	Limits       ResourceValuesConfig `yaml:"limits"`
	Reservations ResourceValuesConfig `yaml:"reservations"`
}

type ResourceValuesConfig struct {
	CPUs   float64    `yaml:"cpus" validate:"gte=0"`
	Memory MemorySize `yaml:"memory"`
}

// Defaults
const (
	DefaultControlPort          = 50075
	DefaultMetricsPort          = 9109
	DefaultLogLevel             = "info"
	DefaultLogFormat            = "json"
	DefaultForceShutdownTimeout = 30 * time.Second

	DefaultMonitorInterval      = 5 * time.Second
	DefaultMaxStatusAPIDuration = 1 * time.Second

	DefaultSidecarPort        = 8000
	DefaultServicePrefix      = "dy"
	DefaultHealthTimeout      = 1 * time.Second
	DefaultRequestTimeout     = 15 * time.Second
	DefaultNodeIDTimeout      = 2 * time.Minute
	DefaultNodeIDPollInterval = 1 * time.Second

	DefaultProxyImage    = "traefik:v2.2.1"
	DefaultProxyLogLevel = "warn"
)

var validate = validator.New()

// DefaultSidecarResources are applied when the sidecar section has no resources
func DefaultSidecarResources() ResourceConfig {
	return ResourceConfig{
		Limits:       ResourceValuesConfig{CPUs: 2, Memory: 1 << 30},
		Reservations: ResourceValuesConfig{CPUs: 0.1, Memory: 500 << 20},
	}
}

// DefaultProxyResources are applied when the proxy section has no resources
func DefaultProxyResources() ResourceConfig {
	return ResourceConfig{
		Limits:       ResourceValuesConfig{CPUs: 0.1, Memory: 250 * 1000 * 1000},
		Reservations: ResourceValuesConfig{CPUs: 0.1, Memory: 100 * 1000 * 1000},
	}
}

// DefaultConfig returns a configuration with every default applied.
// Deployment values (image, registry, stack and network names) stay empty.
func DefaultConfig() *Config {
	config := &Config{}
	setConfigDefaults(config)
	return config
}

// LoadConfigFromFile loads configuration from a YAML file and applies defaults
func LoadConfigFromFile(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, errors.NewIOError("failed to read configuration file", err).WithContext("filename", filename)
	}
	return LoadConfig(data)
}

// LoadConfig parses YAML data and applies defaults
func LoadConfig(data []byte) (*Config, error) {
	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, errors.NewValidationError("failed to parse YAML configuration", err)
	}
	setConfigDefaults(&config)
	return &config, nil
}

func setConfigDefaults(config *Config) {
	if config.Server.ControlPort == 0 {
		config.Server.ControlPort = DefaultControlPort
	}
	if config.Server.MetricsPort == 0 {
		config.Server.MetricsPort = DefaultMetricsPort
	}
	if config.Server.LogLevel == "" {
		config.Server.LogLevel = DefaultLogLevel
	}
	if config.Server.LogFormat == "" {
		config.Server.LogFormat = DefaultLogFormat
	}
	if config.Server.ForceShutdownTimeout == 0 {
		config.Server.ForceShutdownTimeout = DefaultForceShutdownTimeout
	}

	if config.Monitor.Enabled == nil {
		enabled := true
		config.Monitor.Enabled = &enabled
	}
	if config.Monitor.RecoverOnStart == nil {
		recoverOnStart := true
		config.Monitor.RecoverOnStart = &recoverOnStart
	}
	if config.Monitor.Interval == 0 {
		config.Monitor.Interval = DefaultMonitorInterval
	}
	if config.Monitor.MaxStatusAPIDuration == 0 {
		config.Monitor.MaxStatusAPIDuration = DefaultMaxStatusAPIDuration
	}

	if config.Sidecar.Port == 0 {
		config.Sidecar.Port = DefaultSidecarPort
	}
	if config.Sidecar.ServicePrefix == "" {
		config.Sidecar.ServicePrefix = DefaultServicePrefix
	}
	if config.Sidecar.HealthTimeout == 0 {
		config.Sidecar.HealthTimeout = DefaultHealthTimeout
	}
	if config.Sidecar.RequestTimeout == 0 {
		config.Sidecar.RequestTimeout = DefaultRequestTimeout
	}
	if config.Sidecar.NodeIDTimeout == 0 {
		config.Sidecar.NodeIDTimeout = DefaultNodeIDTimeout
	}
	if config.Sidecar.NodeIDPollInterval == 0 {
		config.Sidecar.NodeIDPollInterval = DefaultNodeIDPollInterval
	}
	if config.Sidecar.Resources == nil {
		resources := DefaultSidecarResources()
		config.Sidecar.Resources = &resources
	}

	if config.Proxy.Image == "" {
		config.Proxy.Image = DefaultProxyImage
	}
	if config.Proxy.LogLevel == "" {
		config.Proxy.LogLevel = DefaultProxyLogLevel
	}
	if config.Proxy.Resources == nil {
		resources := DefaultProxyResources()
		config.Proxy.Resources = &resources
	}
}

// ValidateConfig validates the entire configuration structure
func ValidateConfig(config *Config) error {
	if config == nil {
		return errors.NewValidationError("configuration cannot be nil", nil)
	}

	if err := validate.Struct(config); err != nil {
		return errors.NewValidationError("invalid configuration", err)
	}

	if config.Monitor.Interval <= 0 {
		return errors.NewValidationError("monitor interval must be positive", nil).
			WithContext("interval", config.Monitor.Interval.String())
	}
	if config.Monitor.MaxStatusAPIDuration <= 0 || config.Monitor.MaxStatusAPIDuration > config.Monitor.Interval {
		return errors.NewValidationError("max_status_api_duration must be positive and not exceed the monitor interval", nil).
			WithContext("max_status_api_duration", config.Monitor.MaxStatusAPIDuration.String())
	}
	if config.Sidecar.NodeIDPollInterval > config.Sidecar.NodeIDTimeout {
		return errors.NewValidationError("node_id_poll_interval exceeds node_id_timeout", nil)
	}
	if config.Server.ControlPort != 0 && config.Server.ControlPort == config.Server.MetricsPort {
		return errors.NewValidationError(fmt.Sprintf("control and metrics ports collide on %d", config.Server.ControlPort), nil)
	}

	return nil
}

// Resources converts the configured values into engine units
func (r ResourceConfig) Resources() specs.Resources {
	return specs.Resources{
		Limits:       r.Limits.values(),
		Reservations: r.Reservations.values(),
	}
}

func (v ResourceValuesConfig) values() specs.ResourceValues {
	return specs.ResourceValues{
		NanoCPUs:    int64(v.CPUs * 1e9),
		MemoryBytes: int64(v.Memory),
	}
}

// SidecarOptions derives the assembler options of the sidecar
func (c *Config) SidecarOptions() specs.SidecarOptions {
	options := specs.SidecarOptions{
		Image:          c.Sidecar.Image,
		Port:           c.Sidecar.Port,
		ServicePrefix:  c.Sidecar.ServicePrefix,
		SwarmStackName: c.Sidecar.SwarmStackName,
		Resources:      c.Sidecar.Resources.Resources(),
		ExposePort:     c.Sidecar.ExposePort,
	}
	for _, m := range c.Sidecar.DevMounts {
		options.ExtraMounts = append(options.ExtraMounts, specs.Mount{
			Source:   m.Source,
			Target:   m.Target,
			Type:     mount.TypeBind,
			ReadOnly: m.ReadOnly,
		})
	}
	return options
}

// ProxyOptions derives the assembler options of the proxy
func (c *Config) ProxyOptions() specs.ProxyOptions {
	return specs.ProxyOptions{
		Image:            c.Proxy.Image,
		LogLevel:         c.Proxy.LogLevel,
		ServicePrefix:    c.Sidecar.ServicePrefix,
		SwarmStackName:   c.Sidecar.SwarmStackName,
		SwarmNetworkName: c.Sidecar.SwarmNetworkName,
		PlatformZone:     c.Sidecar.TraefikSimcoreZone,
		Resources:        c.Proxy.Resources.Resources(),
	}
}

// ZapConfig derives the logging backend configuration
func (c *Config) ZapConfig() logging.ZapConfig {
	zapConfig := logging.DefaultZapConfig()
	zapConfig.Level = c.Server.LogLevel
	zapConfig.Format = c.Server.LogFormat
	return zapConfig
}
