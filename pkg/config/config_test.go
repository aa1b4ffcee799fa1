package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/haolipeng/filter_engine/pkg/verdict"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `
rules:
  directory: /etc/filter/rules
engine:
  parallel_threshold: 128
  workers: 8
  prefilter: true
policy:
  default_verdict: alert
  escalations:
    - name: malware
      expression: '"mal" in tags'
      verdict: DROP
network:
  local_ports: [22, 443]
  local_networks: ["10.0.0.0/8", "192.168.1.0/24"]
api:
  port: 9090
log:
  level: DEBUG
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "/etc/filter/rules", cfg.Rules.Directory)
	assert.Equal(t, ".rls", cfg.Rules.Extension)
	assert.Equal(t, 128, cfg.Engine.ParallelThreshold)
	assert.True(t, cfg.Engine.Prefilter)
	assert.Equal(t, "alert", cfg.Policy.DefaultVerdict)
	require.Len(t, cfg.Policy.Escalations, 1)
	assert.Equal(t, "DROP", cfg.Policy.Escalations[0].Verdict)
	assert.Equal(t, []uint16{22, 443}, cfg.Network.LocalPorts)
	assert.Equal(t, 4, cfg.Pipeline.WorkerCount)
	assert.Equal(t, "127.0.0.1:9090", cfg.APIAddress())
	assert.Equal(t, "DEBUG", cfg.Log.Level)

	nets, err := cfg.LocalNetworks()
	require.NoError(t, err)
	assert.Len(t, nets, 2)
}

func TestConfigValidate(t *testing.T) {
	testCases := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"默认配置合法", func(c *Config) {}, ""},
		{"非法默认处置", func(c *Config) { c.Policy.DefaultVerdict = "maybe" }, "default_verdict"},
		{"非法网段", func(c *Config) { c.Network.LocalNetworks = []string{"10.0.0.0/33"} }, "invalid local network"},
		{"worker数量为0", func(c *Config) { c.Pipeline.WorkerCount = 0 }, "worker count"},
		{"升级规则缺少名称", func(c *Config) {
			c.Policy.Escalations = append(c.Policy.Escalations, verdict.Escalation{Verdict: "DROP"})
		}, "name is required"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			err := cfg.Validate()
			if tc.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tc.wantErr)
		})
	}
}

func TestLoadConfigErrors(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "failed to read config file")

	_, err = LoadConfig(writeConfig(t, "rules: [not a map"))
	assert.ErrorContains(t, err, "failed to parse config file")

	_, err = LoadConfig(writeConfig(t, "pipeline:\n  buffer_size: -1\n"))
	assert.ErrorContains(t, err, "buffer size")
}
