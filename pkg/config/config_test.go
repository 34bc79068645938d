package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/core-tools/hsu-dynsidecar/pkg/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimalYAML = `
sidecar:
  image: "local/dynamic-sidecar:production"
  swarm_stack_name: "simcore"
  swarm_network_name: "simcore_default"
  registry: "registry.osparc.io"
  traefik_simcore_zone: "internal_simcore_stack"
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadConfigFromFile(t *testing.T) {
	tests := []struct {
		name        string
		configYAML  string
		expectError bool
		validate    func(*testing.T, *Config)
	}{
		{
			name:       "defaults_applied",
			configYAML: minimalYAML,
			validate: func(t *testing.T, config *Config) {
				assert.Equal(t, DefaultControlPort, config.Server.ControlPort)
				assert.Equal(t, DefaultMetricsPort, config.Server.MetricsPort)
				assert.Equal(t, 5*time.Second, config.Monitor.Interval)
				assert.Equal(t, time.Second, config.Monitor.MaxStatusAPIDuration)
				assert.True(t, *config.Monitor.Enabled)
				assert.True(t, *config.Monitor.RecoverOnStart)
				assert.Equal(t, 8000, config.Sidecar.Port)
				assert.Equal(t, "dy", config.Sidecar.ServicePrefix)
				assert.Equal(t, 2*time.Minute, config.Sidecar.NodeIDTimeout)
				assert.Equal(t, DefaultProxyImage, config.Proxy.Image)

				proxy := config.ProxyOptions().Resources
				assert.Equal(t, int64(1e8), proxy.Limits.NanoCPUs)
				assert.Equal(t, int64(250000000), proxy.Limits.MemoryBytes)
				assert.Equal(t, int64(100000000), proxy.Reservations.MemoryBytes)

				sidecar := config.SidecarOptions().Resources
				assert.Equal(t, int64(2e9), sidecar.Limits.NanoCPUs)
				assert.Equal(t, int64(1<<30), sidecar.Limits.MemoryBytes)
			},
		},
		{
			name: "explicit_values",
			configYAML: minimalYAML + `
  port: 8080
  dev_mounts:
    - source: /src
      target: /devel
  resources:
    limits:
      cpus: 4
      memory: 2GiB
    reservations:
      cpus: 0.5
      memory: 536870912
monitor:
  enabled: false
  interval: 10s
  max_status_api_duration: 2s
server:
  log_level: debug
  log_format: console
`,
			validate: func(t *testing.T, config *Config) {
				assert.False(t, *config.Monitor.Enabled)
				assert.Equal(t, 10*time.Second, config.Monitor.Interval)
				assert.Equal(t, "console", config.ZapConfig().Format)
				assert.Equal(t, "debug", config.ZapConfig().Level)

				options := config.SidecarOptions()
				assert.Equal(t, 8080, options.Port)
				require.Len(t, options.ExtraMounts, 1)
				assert.Equal(t, "/devel", options.ExtraMounts[0].Target)
				assert.Equal(t, int64(4e9), options.Resources.Limits.NanoCPUs)
				assert.Equal(t, int64(2<<30), options.Resources.Limits.MemoryBytes)
				assert.Equal(t, int64(5e8), options.Resources.Reservations.NanoCPUs)
				assert.Equal(t, int64(512<<20), options.Resources.Reservations.MemoryBytes)
			},
		},
		{
			name:        "malformed_yaml",
			configYAML:  "sidecar: [",
			expectError: true,
		},
		{
			name: "bad_memory_size",
			configYAML: minimalYAML + `
  resources:
    limits:
      memory: lots
`,
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config, err := LoadConfigFromFile(writeConfig(t, tt.configYAML))
			if tt.expectError {
				assert.Error(t, err)
				assert.True(t, errors.IsValidationError(err))
				return
			}
			require.NoError(t, err)
			require.NoError(t, ValidateConfig(config))
			if tt.validate != nil {
				tt.validate(t, config)
			}
		})
	}

	t.Run("missing_file", func(t *testing.T) {
		_, err := LoadConfigFromFile(filepath.Join(t.TempDir(), "absent.yaml"))
		assert.True(t, errors.IsIOError(err))
	})
}

func TestValidateConfig(t *testing.T) {
	load := func(t *testing.T, extra string) *Config {
		config, err := LoadConfig([]byte(minimalYAML + extra))
		require.NoError(t, err)
		return config
	}

	t.Run("nil", func(t *testing.T) {
		assert.True(t, errors.IsValidationError(ValidateConfig(nil)))
	})

	t.Run("defaults_need_deployment_values", func(t *testing.T) {
		assert.True(t, errors.IsValidationError(ValidateConfig(DefaultConfig())))
	})

	t.Run("status_duration_above_interval", func(t *testing.T) {
		config := load(t, "monitor:\n  interval: 1s\n  max_status_api_duration: 2s\n")
		assert.True(t, errors.IsValidationError(ValidateConfig(config)))
	})

	t.Run("unknown_log_level", func(t *testing.T) {
		config := load(t, "server:\n  log_level: verbose\n")
		assert.True(t, errors.IsValidationError(ValidateConfig(config)))
	})

	t.Run("port_collision", func(t *testing.T) {
		config := load(t, "server:\n  control_port: 9000\n  metrics_port: 9000\n")
		assert.True(t, errors.IsValidationError(ValidateConfig(config)))
	})
}
