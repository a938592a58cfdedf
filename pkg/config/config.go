// SPDX-License-Identifier: AGPL-3.0
// Copyright 2026 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config defines the devmesh configuration model and its loading
// pipeline: YAML decode, env expansion, PreProcess, SetDefaults, Validate.
package config

import (
	"fmt"
	"strings"
)

// ProcessConfigPipeline runs the canonical processing order on a decoded
// config.
func ProcessConfigPipeline(cfg *Config) (*Config, error) {
	if cfg == nil {
		return nil, fmt.Errorf("ProcessConfigPipeline: config cannot be nil")
	}

	cfg.PreProcess()
	cfg.SetDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("ProcessConfigPipeline: validation failed: %w", err)
	}

	return cfg, nil
}

// Config is the root configuration document.
type Config struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Version     string `yaml:"version"`

	Server        ServerConfig        `yaml:"server"`
	Auth          AuthConfig          `yaml:"auth"`
	Database      DatabaseConfig      `yaml:"database"`
	Stream        StreamConfig        `yaml:"stream"`
	Registry      RegistryConfig      `yaml:"registry"`
	LLM           LLMConfig           `yaml:"llm"`
	Router        RouterConfig        `yaml:"router"`
	Scanner       ScannerConfig       `yaml:"scanner"`
	Workers       WorkerConfig        `yaml:"workers"`
	Push          PushConfig          `yaml:"push"`
	Observability ObservabilityConfig `yaml:"observability"`
	Logging       LoggingConfig       `yaml:"logging"`

	Devices []DeviceConfig        `yaml:"devices"`
	Agents  []AgentEndpointConfig `yaml:"agents"`
}

// ServerConfig configures the inbound A2A transport.
type ServerConfig struct {
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	BaseURL string `yaml:"base_url"` // advertised in the agent card
}

// AuthConfig configures bearer-token validation. When disabled every
// request runs as the anonymous principal.
type AuthConfig struct {
	Enabled  bool   `yaml:"enabled"`
	JWKSURL  string `yaml:"jwks_url"`
	Secret   string `yaml:"secret"` // HS256 shared secret, alternative to JWKS
	Issuer   string `yaml:"issuer"`
	Audience string `yaml:"audience"`
}

// StreamConfig configures the device data stream store.
type StreamConfig struct {
	Backend        string `yaml:"backend"` // "memory" or "redis"
	RedisAddr      string `yaml:"redis_addr"`
	RedisPassword  string `yaml:"redis_password"`
	RedisDB        int    `yaml:"redis_db"`
	InlineMaxBytes int    `yaml:"inline_max_bytes"` // payloads above go to the blob store
	RetentionHours int    `yaml:"retention_hours"`
	BlobDir        string `yaml:"blob_dir"`
	SweepSeconds   int    `yaml:"sweep_seconds"`
}

// RegistryConfig configures device liveness.
type RegistryConfig struct {
	LivenessSeconds int `yaml:"liveness_seconds"` // no heartbeat for this long: unknown; twice: offline
	CheckSeconds    int `yaml:"check_seconds"`
}

// LLMConfig configures the analysis provider.
type LLMConfig struct {
	Type        string  `yaml:"type"` // "openai" or "anthropic"
	Model       string  `yaml:"model"`
	APIKey      string  `yaml:"api_key"`
	Host        string  `yaml:"host"`
	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float64 `yaml:"temperature"`
	Timeout     int     `yaml:"timeout"` // seconds
	MaxRetries  int     `yaml:"max_retries"`
}

// RouterConfig configures intent routing.
type RouterConfig struct {
	ConfidenceThreshold float64 `yaml:"confidence_threshold"`
	MinKeywordOverlap   int     `yaml:"min_keyword_overlap"`
}

// ScannerConfig configures the background device scan loop.
type ScannerConfig struct {
	IntervalSeconds int `yaml:"interval_seconds"`
	BatchLimit      int `yaml:"batch_limit"` // max new entries consumed per device per pass
}

// WorkerConfig configures the request worker pool.
type WorkerConfig struct {
	Count             int `yaml:"count"`
	QueueSize         int `yaml:"queue_size"`
	GraceSeconds      int `yaml:"grace_seconds"`       // submit wait before Overloaded
	JobTimeoutSeconds int `yaml:"job_timeout_seconds"` // per-task execution deadline
}

// PushConfig configures push notification delivery.
type PushConfig struct {
	Enabled        *bool `yaml:"enabled"` // missing means enabled
	MaxAttempts    int   `yaml:"max_attempts"`
	BaseSeconds    int   `yaml:"base_seconds"`
	MaxSeconds     int   `yaml:"max_seconds"`
	TimeoutSeconds int   `yaml:"timeout_seconds"` // per attempt
}

// IsEnabled treats a missing enabled field as true.
func (p *PushConfig) IsEnabled() bool {
	return p.Enabled == nil || *p.Enabled
}

// ObservabilityConfig configures metrics and tracing.
type ObservabilityConfig struct {
	MetricsEnabled bool   `yaml:"metrics_enabled"`
	TracingEnabled bool   `yaml:"tracing_enabled"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	ServiceName    string `yaml:"service_name"`
	SampleRate     float64 `yaml:"sample_rate"`
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "simple" or "verbose"
	File   string `yaml:"file"`
}

// DeviceConfig declares one end device and its MCP channel.
type DeviceConfig struct {
	ID          string            `yaml:"id"`
	Name        string            `yaml:"name"`
	Description string            `yaml:"description"`
	Transport   string            `yaml:"transport"` // "stdio" or "http"
	Command     string            `yaml:"command"`   // stdio
	Args        []string          `yaml:"args"`
	Env         map[string]string `yaml:"env"`
	URL         string            `yaml:"url"` // http
	Headers     map[string]string `yaml:"headers"`
	Keywords    []string          `yaml:"keywords"`
	Examples    []string          `yaml:"examples"`
}

// AgentEndpointConfig declares one external A2A agent.
type AgentEndpointConfig struct {
	Name           string `yaml:"name"`
	URL            string `yaml:"url"`
	Enabled        *bool  `yaml:"enabled"`
	CardTTLSeconds int    `yaml:"card_ttl_seconds"`
}

// IsEnabled treats a missing enabled field as true.
func (a *AgentEndpointConfig) IsEnabled() bool {
	return a.Enabled == nil || *a.Enabled
}

func (c *Config) PreProcess() {
	c.Name = strings.TrimSpace(c.Name)
	for i := range c.Devices {
		c.Devices[i].ID = strings.TrimSpace(c.Devices[i].ID)
		for j, kw := range c.Devices[i].Keywords {
			c.Devices[i].Keywords[j] = strings.ToLower(strings.TrimSpace(kw))
		}
	}
	for i := range c.Agents {
		c.Agents[i].URL = strings.TrimRight(strings.TrimSpace(c.Agents[i].URL), "/")
	}
}

func (c *Config) SetDefaults() {
	if c.Name == "" {
		c.Name = "devmesh"
	}
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.BaseURL == "" {
		c.Server.BaseURL = fmt.Sprintf("http://localhost:%d", c.Server.Port)
	}

	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	c.Database.SetDefaults()

	if c.Stream.Backend == "" {
		c.Stream.Backend = "memory"
	}
	if c.Stream.InlineMaxBytes == 0 {
		c.Stream.InlineMaxBytes = 1 << 20
	}
	if c.Stream.RetentionHours == 0 {
		c.Stream.RetentionHours = 24
	}
	if c.Stream.BlobDir == "" {
		c.Stream.BlobDir = "data/blobs"
	}
	if c.Stream.SweepSeconds == 0 {
		c.Stream.SweepSeconds = 300
	}
	if c.Stream.RedisAddr == "" {
		c.Stream.RedisAddr = "localhost:6379"
	}

	if c.Registry.LivenessSeconds == 0 {
		c.Registry.LivenessSeconds = 90
	}
	if c.Registry.CheckSeconds == 0 {
		c.Registry.CheckSeconds = 15
	}

	if c.LLM.Type == "" {
		c.LLM.Type = "openai"
	}
	if c.LLM.Timeout == 0 {
		c.LLM.Timeout = 60
	}
	if c.LLM.MaxTokens == 0 {
		c.LLM.MaxTokens = 1024
	}
	if c.LLM.MaxRetries == 0 {
		c.LLM.MaxRetries = 2
	}

	if c.Router.ConfidenceThreshold == 0 {
		c.Router.ConfidenceThreshold = 0.5
	}
	if c.Router.MinKeywordOverlap == 0 {
		c.Router.MinKeywordOverlap = 1
	}

	if c.Scanner.IntervalSeconds == 0 {
		c.Scanner.IntervalSeconds = 30
	}
	if c.Scanner.BatchLimit == 0 {
		c.Scanner.BatchLimit = 100
	}

	if c.Workers.Count < 4 {
		c.Workers.Count = 4
	}
	if c.Workers.QueueSize == 0 {
		c.Workers.QueueSize = 256
	}
	if c.Workers.GraceSeconds == 0 {
		c.Workers.GraceSeconds = 2
	}
	if c.Workers.JobTimeoutSeconds == 0 {
		c.Workers.JobTimeoutSeconds = 60
	}

	if c.Push.MaxAttempts == 0 {
		c.Push.MaxAttempts = 6
	}
	if c.Push.BaseSeconds == 0 {
		c.Push.BaseSeconds = 1
	}
	if c.Push.MaxSeconds == 0 {
		c.Push.MaxSeconds = 60
	}
	if c.Push.TimeoutSeconds == 0 {
		c.Push.TimeoutSeconds = 15
	}

	if c.Observability.ServiceName == "" {
		c.Observability.ServiceName = c.Name
	}
	if c.Observability.SampleRate == 0 {
		c.Observability.SampleRate = 1.0
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "simple"
	}

	for i := range c.Agents {
		if c.Agents[i].CardTTLSeconds == 0 {
			c.Agents[i].CardTTLSeconds = 300
		}
	}
}

func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server: invalid port %d", c.Server.Port)
	}

	if err := c.Database.Validate(); err != nil {
		return fmt.Errorf("database: %w", err)
	}

	switch c.Stream.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("stream: invalid backend %q (valid: memory, redis)", c.Stream.Backend)
	}

	switch c.LLM.Type {
	case "openai", "anthropic":
	default:
		return fmt.Errorf("llm: unsupported type %q (supported: openai, anthropic)", c.LLM.Type)
	}

	if c.Router.ConfidenceThreshold < 0 || c.Router.ConfidenceThreshold > 1 {
		return fmt.Errorf("router: confidence_threshold must be in [0,1]")
	}

	seen := make(map[string]bool, len(c.Devices))
	for i := range c.Devices {
		d := &c.Devices[i]
		if d.ID == "" {
			return fmt.Errorf("devices[%d]: id is required", i)
		}
		if seen[d.ID] {
			return fmt.Errorf("devices: duplicate id %q", d.ID)
		}
		seen[d.ID] = true
		switch d.Transport {
		case "stdio":
			if d.Command == "" {
				return fmt.Errorf("device %s: command is required for stdio transport", d.ID)
			}
		case "http":
			if d.URL == "" {
				return fmt.Errorf("device %s: url is required for http transport", d.ID)
			}
		default:
			return fmt.Errorf("device %s: invalid transport %q (valid: stdio, http)", d.ID, d.Transport)
		}
	}

	for i := range c.Agents {
		if c.Agents[i].URL == "" {
			return fmt.Errorf("agents[%d]: url is required", i)
		}
	}

	return nil
}
