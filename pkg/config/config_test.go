package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPipelineAppliesDefaults(t *testing.T) {
	cfg, err := ProcessConfigPipeline(&Config{})
	require.NoError(t, err)

	assert.Equal(t, "devmesh", cfg.Name)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "http://localhost:8080", cfg.Server.BaseURL)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, "memory", cfg.Stream.Backend)
	assert.Equal(t, 1<<20, cfg.Stream.InlineMaxBytes)
	assert.Equal(t, 90, cfg.Registry.LivenessSeconds)
	assert.Equal(t, 0.5, cfg.Router.ConfidenceThreshold)
	assert.Equal(t, 6, cfg.Push.MaxAttempts)
	assert.Equal(t, 4, cfg.Workers.Count)
	assert.Equal(t, 60, cfg.Workers.JobTimeoutSeconds)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestPreProcessNormalizesKeywordsAndURLs(t *testing.T) {
	cfg := &Config{
		Name: "  mesh  ",
		Devices: []DeviceConfig{{
			ID:        " sensor-1 ",
			Transport: "stdio",
			Command:   "/bin/cat",
			Keywords:  []string{" Temperature ", "CLIMATE"},
		}},
		Agents: []AgentEndpointConfig{{Name: "remote", URL: " https://agent.example.com/ "}},
	}
	cfg, err := ProcessConfigPipeline(cfg)
	require.NoError(t, err)

	assert.Equal(t, "mesh", cfg.Name)
	assert.Equal(t, "sensor-1", cfg.Devices[0].ID)
	assert.Equal(t, []string{"temperature", "climate"}, cfg.Devices[0].Keywords)
	assert.Equal(t, "https://agent.example.com", cfg.Agents[0].URL)
}

func TestValidateRejectsBadConfigs(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad stream backend", func(c *Config) { c.Stream.Backend = "kafka" }},
		{"bad llm type", func(c *Config) { c.LLM.Type = "llama" }},
		{"stdio device without command", func(c *Config) {
			c.Devices = []DeviceConfig{{ID: "d1", Transport: "stdio"}}
		}},
		{"http device without url", func(c *Config) {
			c.Devices = []DeviceConfig{{ID: "d1", Transport: "http"}}
		}},
		{"duplicate device ids", func(c *Config) {
			c.Devices = []DeviceConfig{
				{ID: "d1", Transport: "stdio", Command: "/bin/cat"},
				{ID: "d1", Transport: "stdio", Command: "/bin/cat"},
			}
		}},
		{"agent without url", func(c *Config) {
			c.Agents = []AgentEndpointConfig{{Name: "remote"}}
		}},
		{"confidence out of range", func(c *Config) { c.Router.ConfidenceThreshold = 1.5 }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := &Config{}
			cfg.SetDefaults()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadFromBytesExpandsEnv(t *testing.T) {
	t.Setenv("DEVMESH_TEST_PORT", "9191")
	t.Setenv("DEVMESH_TEST_TOKEN", "s3cret")

	raw := []byte(`
name: mesh
server:
  port: ${DEVMESH_TEST_PORT}
auth:
  enabled: true
  secret: ${DEVMESH_TEST_TOKEN}
  jwks_url: ${DEVMESH_TEST_MISSING:-}
`)
	cfg, err := LoadFromBytes(raw)
	require.NoError(t, err)

	assert.Equal(t, 9191, cfg.Server.Port)
	assert.Equal(t, "s3cret", cfg.Auth.Secret)
	assert.Empty(t, cfg.Auth.JWKSURL)
}

func TestAgentEndpointEnabledDefaultsTrue(t *testing.T) {
	a := AgentEndpointConfig{Name: "remote", URL: "http://x"}
	assert.True(t, a.IsEnabled())

	off := false
	a.Enabled = &off
	assert.False(t, a.IsEnabled())
}

func TestPushEnabledDefaultsTrue(t *testing.T) {
	var p PushConfig
	assert.True(t, p.IsEnabled())

	off := false
	p.Enabled = &off
	assert.False(t, p.IsEnabled())
}
