package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rand/relay/internal/transport"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "relay.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, 0.1, cfg.Selector.ExplorationRate)
	assert.Equal(t, 5, cfg.Breaker.FailureThreshold)
	assert.Equal(t, 4, cfg.MaxConcurrent)
	assert.Empty(t, cfg.Modules)
}

func TestLoad_File(t *testing.T) {
	path := writeConfig(t, `
log:
  level: debug
store:
  path: /tmp/relay/experience.db
selector:
  exploration_rate: 0.25
breaker:
  failure_threshold: 3
  recovery_timeout: 10s
modules:
  - name: parser
    protocol: process
    target: parse-doc
    args: ["--strict"]
    timeout: 5s
  - name: converter
    protocol: tool
    target: convert-server
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "/tmp/relay/experience.db", cfg.Store.Path)
	assert.Equal(t, 0.25, cfg.Selector.ExplorationRate)
	assert.Equal(t, 3, cfg.Breaker.FailureThreshold)
	assert.Equal(t, 10*time.Second, cfg.Breaker.RecoveryTimeout)
	require.Len(t, cfg.Modules, 2)

	tc := cfg.Modules[0].Transport()
	assert.Equal(t, "parser", tc.Name)
	assert.Equal(t, transport.ProtocolProcess, tc.Protocol)
	assert.Equal(t, []string{"--strict"}, tc.Args)
	assert.Equal(t, 5*time.Second, tc.Timeout)
}

func TestLoad_EnvOverrides(t *testing.T) {
	path := writeConfig(t, "log:\n  level: info\n")

	t.Setenv("RELAY_LOG_LEVEL", "warn")
	t.Setenv("RELAY_STORE_PATH", "/data/exp.db")
	t.Setenv("RELAY_EXPLORATION_RATE", "0.05")
	t.Setenv("RELAY_MAX_CONCURRENT", "8")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, "/data/exp.db", cfg.Store.Path)
	assert.Equal(t, 0.05, cfg.Selector.ExplorationRate)
	assert.Equal(t, 8, cfg.MaxConcurrent)
}

func TestLoad_MalformedFile(t *testing.T) {
	path := writeConfig(t, "log: [not: a: mapping")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "valid",
			mutate: func(c *Config) {},
		},
		{
			name:    "bad log level",
			mutate:  func(c *Config) { c.Log.Level = "loud" },
			wantErr: "unknown log level",
		},
		{
			name: "module without name",
			mutate: func(c *Config) {
				c.Modules = []ModuleConfig{{Protocol: "process", Target: "x"}}
			},
			wantErr: "empty name",
		},
		{
			name: "duplicate module",
			mutate: func(c *Config) {
				c.Modules = []ModuleConfig{
					{Name: "p", Protocol: "process", Target: "x"},
					{Name: "p", Protocol: "process", Target: "y"},
				}
			},
			wantErr: "duplicate module",
		},
		{
			name: "unknown protocol",
			mutate: func(c *Config) {
				c.Modules = []ModuleConfig{{Name: "p", Protocol: "carrier-pigeon", Target: "x"}}
			},
			wantErr: "unknown protocol",
		},
		{
			name: "missing target",
			mutate: func(c *Config) {
				c.Modules = []ModuleConfig{{Name: "p", Protocol: "process"}}
			},
			wantErr: "no target",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}
