// Package config loads the gateway's provider, rate-limit, and model-alias
// settings from a YAML file, with environment variables layered on top to
// override individual fields per provider without editing the file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// SamplerDefaults holds provider-level sampling parameters applied to an
// outgoing request only when the caller did not already set them (spec
// §4.2's "Extra body" rule). A field left at its zero value is treated as
// unset, except where a provider uses a documented ignore value instead of
// zero (TopK uses -1, see IgnoreTopK).
type SamplerDefaults struct {
	Temperature       *float64 `yaml:"temperature,omitempty"`
	TopP              *float64 `yaml:"top_p,omitempty"`
	TopK              *int     `yaml:"top_k,omitempty"`
	MaxTokens         int      `yaml:"max_tokens,omitempty"`
	RepetitionPenalty *float64 `yaml:"repetition_penalty,omitempty"`
	MinP              *float64 `yaml:"min_p,omitempty"`
	Seed              *int     `yaml:"seed,omitempty"`
	ParallelToolCalls *bool    `yaml:"parallel_tool_calls,omitempty"`
	ReasoningEffort   string   `yaml:"reasoning_effort,omitempty"`
}

// IgnoreTopK is the documented "unset" sentinel some providers use for
// top_k: -1 means "do not send top_k at all" rather than "send top_k=-1".
const IgnoreTopK = -1

// TopKIsSet reports whether d.TopK carries a value the adapter should
// actually forward, filtering out the provider's own ignore sentinel.
func (d SamplerDefaults) TopKIsSet() bool {
	return d.TopK != nil && *d.TopK != IgnoreTopK
}

// ProviderSettings is everything the core needs to talk to one upstream
// (spec §4.6's "Configuration surface"): credentials, transport shape,
// rate-limit parameters, and sampler defaults.
type ProviderSettings struct {
	Name    string `yaml:"name"`
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`

	// VertexAI-style providers authenticate with a `?key=` query parameter
	// instead of an Authorization header.
	AuthViaQueryParam bool `yaml:"auth_via_query_param"`

	DefaultModel string `yaml:"default_model"`

	// Rate Coordinator parameters (spec §4.1's token bucket).
	Capacity int           `yaml:"capacity"`
	Window   time.Duration `yaml:"window"`

	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`

	Sampler SamplerDefaults `yaml:"sampler"`

	// HeuristicToolRecovery opts this provider into the Heuristic Tool
	// Parser (spec §4.5) for models that emit tool calls as inline text
	// instead of a structured tool_calls field.
	HeuristicToolRecovery bool `yaml:"heuristic_tool_recovery"`
}

// fillDefaults applies the timeout and rate-limit defaults spec §4.6 names
// when a provider entry leaves them unset: connect <= 5s, write <= 30s,
// read long enough for slow reasoning streams (>= 300s).
func (p *ProviderSettings) fillDefaults() {
	if p.ConnectTimeout == 0 {
		p.ConnectTimeout = 5 * time.Second
	}
	if p.ReadTimeout == 0 {
		p.ReadTimeout = 300 * time.Second
	}
	if p.WriteTimeout == 0 {
		p.WriteTimeout = 30 * time.Second
	}
	if p.Capacity == 0 {
		p.Capacity = 60
	}
	if p.Window == 0 {
		p.Window = time.Minute
	}
}

// Config is the gateway's fully resolved configuration.
type Config struct {
	Port string `yaml:"port"`

	// Providers indexes ProviderSettings by the name a model alias or a
	// caller's model string resolves to (e.g. "nim", "openrouter",
	// "lmstudio", "vertex").
	Providers map[string]*ProviderSettings `yaml:"providers"`

	// ModelAliases maps a caller-facing model label (e.g. "claude-3-5-sonnet")
	// to "<provider>/<upstream-model>", externally supplied per spec §4.6.
	ModelAliases map[string]string `yaml:"model_aliases"`

	LogLevel string `yaml:"log_level"`

	// MetricsAddr is read from the config file but not used by
	// cmd/gateway: /metrics and /health are always served on Port,
	// whatever this field holds.
	MetricsAddr string `yaml:"metrics_addr"`
}

// ResolveModel splits a caller-facing model label into the provider name
// and the upstream model identifier by looking it up in ModelAliases. A
// label with no alias, or an alias target without a "/", is an error.
func (c *Config) ResolveModel(label string) (providerName, upstreamModel string, err error) {
	target, ok := c.ModelAliases[label]
	if !ok {
		return "", "", fmt.Errorf("no model alias configured for %q", label)
	}
	for i := 0; i < len(target); i++ {
		if target[i] == '/' {
			return target[:i], target[i+1:], nil
		}
	}
	return "", "", fmt.Errorf("malformed model alias target %q for %q", target, label)
}

// Provider looks up a provider's settings by name.
func (c *Config) Provider(name string) (*ProviderSettings, error) {
	p, ok := c.Providers[name]
	if !ok {
		return nil, fmt.Errorf("no provider configured named %q", name)
	}
	return p, nil
}

// Load reads a YAML config file at path, then applies environment variable
// overrides (GATEWAY_PORT, and <PROVIDER>_API_KEY / <PROVIDER>_BASE_URL per
// configured provider, uppercased): env vars always win over whatever the
// file set, so a deployment can override credentials or endpoints without
// touching the checked-in file.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := &Config{
		Port:     "3456",
		LogLevel: "INFO",
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if cfg.Providers == nil {
		cfg.Providers = map[string]*ProviderSettings{}
	}
	if cfg.ModelAliases == nil {
		cfg.ModelAliases = map[string]string{}
	}

	applyEnvOverrides(cfg)

	for name, p := range cfg.Providers {
		if p.Name == "" {
			p.Name = name
		}
		p.fillDefaults()
	}

	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if port := os.Getenv("GATEWAY_PORT"); port != "" {
		cfg.Port = port
	}
	if level := os.Getenv("GATEWAY_LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}

	for name, p := range cfg.Providers {
		envPrefix := envKey(name)
		if key := os.Getenv(envPrefix + "_API_KEY"); key != "" {
			p.APIKey = key
		}
		if base := os.Getenv(envPrefix + "_BASE_URL"); base != "" {
			p.BaseURL = base
		}
		if cap := os.Getenv(envPrefix + "_CAPACITY"); cap != "" {
			if n, err := strconv.Atoi(cap); err == nil {
				p.Capacity = n
			}
		}
	}
}

// envKey uppercases a provider name into the prefix used for its
// environment variable overrides ("nim" -> "NIM").
func envKey(name string) string {
	out := make([]byte, len(name))
	for i := 0; i < len(name); i++ {
		c := name[i]
		if c >= 'a' && c <= 'z' {
			c -= 'a' - 'A'
		}
		out[i] = c
	}
	return string(out)
}
