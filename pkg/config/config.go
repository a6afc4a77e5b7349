// SPDX-License-Identifier: Apache-2.0

// Package config loads gateway configuration from defaults, a YAML file with
// an optional profile overlay, SKILLGATE_ environment variables, and CLI
// --set overrides, in that order.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix marks environment variables read into the config.
const EnvPrefix = "SKILLGATE_"

type Config struct {
	Log        LogConfig                 `koanf:"log"`
	Telemetry  TelemetryConfig           `koanf:"telemetry"`
	Gateway    GatewayConfig             `koanf:"gateway"`
	Session    SessionConfig             `koanf:"session"`
	Content    ContentConfig             `koanf:"content"`
	Storage    StorageConfig             `koanf:"storage"`
	Governance GovernanceConfig          `koanf:"governance"`
	Server     ServerConfig              `koanf:"server"`
	Remote     RemoteConfig              `koanf:"remote"`
	Tools      ToolsConfig               `koanf:"tools"`
	Skills     map[string]map[string]any `koanf:"skills"`

	k *koanf.Koanf
}

// Koanf returns the instance the config was decoded from. Skill config
// lookups read from it directly.
func (c *Config) Koanf() *koanf.Koanf {
	if c == nil {
		return nil
	}
	return c.k
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"` // json, text
}

type TelemetryConfig struct {
	ServiceName        string `koanf:"service_name"`
	ServiceVersion     string `koanf:"service_version"`
	Exporter           string `koanf:"exporter"` // none, stdout, otlp
	OTLPEndpoint       string `koanf:"otlp_endpoint"`
	OTLPInsecure       bool   `koanf:"otlp_insecure"`
	OTLPTimeoutSeconds int    `koanf:"otlp_timeout_seconds"`

	// SampleRatio is the fraction of root traces recorded. Child spans follow
	// their parent's decision.
	SampleRatio float64 `koanf:"sample_ratio"`
}

type GatewayConfig struct {
	SkillsDir            string `koanf:"skills_dir"`
	EnforcePolicy        bool   `koanf:"enforce_policy"`
	DefaultTimeoutMs     int64  `koanf:"default_timeout_ms"`
	SweepIntervalSeconds int    `koanf:"sweep_interval_seconds"`
	Watch                bool   `koanf:"watch"`
}

type SessionConfig struct {
	MaxDurationMs     int64 `koanf:"max_duration_ms"`
	MaxHistoryEntries int   `koanf:"max_history_entries"`
}

type ContentConfig struct {
	TTLSeconds int `koanf:"ttl_seconds"`
}

type StorageConfig struct {
	Backend         string `koanf:"backend"` // memory, file, sqlite
	Path            string `koanf:"path"`
	QuotaBytes      int64  `koanf:"quota_bytes"`
	FlushIntervalMs int    `koanf:"flush_interval_ms"`
}

type GovernanceConfig struct {
	Policies []PolicyRuleConfig `koanf:"policies"`
	// Allow switches governance to deny-by-default when non-empty.
	Allow []string `koanf:"allow"`
	Deny  []string `koanf:"deny"`
}

type PolicyRuleConfig struct {
	ID     string `koanf:"id"`
	Effect string `koanf:"effect"` // allow, deny
	Type   string `koanf:"type"`   // load, execute
	Name   string `koanf:"name"`
	Reason string `koanf:"reason"`
}

type ServerConfig struct {
	Addr        string   `koanf:"addr"`
	CORSOrigins []string `koanf:"cors_origins"`
}

// RemoteConfig tunes calls to skills served over HTTP.
type RemoteConfig struct {
	TimeoutMs           int64 `koanf:"timeout_ms"`
	RetryAttempts       int   `koanf:"retry_attempts"`
	BreakerFailures     int   `koanf:"breaker_failures"`
	BreakerResetSeconds int   `koanf:"breaker_reset_seconds"`
}

// ToolsConfig lists the MCP servers whose tools skills may call.
type ToolsConfig struct {
	MCPServers []MCPServerConfig `koanf:"mcp_servers"`
}

type MCPServerConfig struct {
	Name           string            `koanf:"name"`
	Type           string            `koanf:"type"` // stdio, http; inferred when empty
	Command        string            `koanf:"command"`
	Args           []string          `koanf:"args"`
	Env            map[string]string `koanf:"env"`
	URL            string            `koanf:"url"`
	Headers        map[string]string `koanf:"headers"`
	TimeoutSeconds int               `koanf:"timeout_seconds"`
	Retries        *int              `koanf:"retries"`
}

func setDefaults(k *koanf.Koanf) {
	k.Set("log.level", "info")
	k.Set("log.format", "text")

	k.Set("telemetry.service_name", "skillgate")
	k.Set("telemetry.exporter", "none")
	k.Set("telemetry.otlp_endpoint", "localhost:4317")
	k.Set("telemetry.otlp_insecure", true)
	k.Set("telemetry.otlp_timeout_seconds", 10)
	k.Set("telemetry.sample_ratio", 1.0)

	k.Set("gateway.skills_dir", "./skills")
	k.Set("gateway.enforce_policy", true)
	k.Set("gateway.default_timeout_ms", 5000)
	k.Set("gateway.sweep_interval_seconds", 60)
	k.Set("gateway.watch", false)

	k.Set("session.max_duration_ms", 30*60*1000)
	k.Set("session.max_history_entries", 20)

	k.Set("content.ttl_seconds", 600)

	k.Set("storage.backend", "memory")
	k.Set("storage.path", "./data/storage")
	k.Set("storage.quota_bytes", 1<<20)
	k.Set("storage.flush_interval_ms", 500)

	k.Set("server.addr", ":8420")
	k.Set("server.cors_origins", []string{"*"})

	k.Set("remote.timeout_ms", 30000)
	k.Set("remote.retry_attempts", 3)
	k.Set("remote.breaker_failures", 5)
	k.Set("remote.breaker_reset_seconds", 30)
}

// Load reads the config file at path (optional) on top of defaults and
// applies environment overrides.
func Load(path string) (*Config, error) {
	return LoadWithProfile(path, "")
}

// LoadWithProfile loads path and then <name>.<profile><ext> next to it when
// that file exists. An empty profile falls back to SKILLGATE_PROFILE.
func LoadWithProfile(path, profile string) (*Config, error) {
	return load(path, profile, nil)
}

func load(path, profile string, sets map[string]any) (*Config, error) {
	k := koanf.New(".")
	setDefaults(k)

	// 1. Load from file
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load %s: %w", path, err)
		}
		if profile == "" {
			profile = os.Getenv(EnvPrefix + "PROFILE")
		}
		if profile != "" {
			if p := ProfilePath(path, profile); fileExists(p) {
				if err := k.Load(file.Provider(p), yaml.Parser()); err != nil {
					return nil, fmt.Errorf("load %s: %w", p, err)
				}
			}
		}
	}

	// 2. Load from ENV (SKILLGATE_GATEWAY_SKILLS_DIR -> gateway.skills_dir,
	// SKILLGATE_SKILLS__WEATHER__API_KEY -> skills.weather.api_key)
	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, err
	}

	// 3. CLI overrides
	for key, value := range sets {
		if err := k.Set(key, value); err != nil {
			return nil, fmt.Errorf("set %s: %w", key, err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}
	cfg.k = k
	return &cfg, nil
}

func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	if s == "profile" {
		return ""
	}
	if strings.Contains(s, "__") {
		return strings.ReplaceAll(s, "__", ".")
	}
	return strings.Replace(s, "_", ".", 1)
}

// ProfilePath returns the overlay file for profile next to path.
func ProfilePath(path, profile string) string {
	ext := filepath.Ext(path)
	return strings.TrimSuffix(path, ext) + "." + profile + ext
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// LoadWithCLI parses --config, --profile (alias --env), and repeated
// --set key=value arguments. Values of --set are decoded as JSON when
// possible and taken as plain strings otherwise. Other arguments are ignored.
func LoadWithCLI(args []string) (*Config, error) {
	opts, err := parseCLIOverrides(args)
	if err != nil {
		return nil, err
	}
	return load(opts.configPath, opts.profile, opts.sets)
}

// LoadWithSets loads path and profile, then applies key=value overrides as
// --set does.
func LoadWithSets(path, profile string, sets []string) (*Config, error) {
	parsed := make(map[string]any, len(sets))
	for _, kv := range sets {
		key, raw, ok := strings.Cut(kv, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --set %q, expected key=value", kv)
		}
		parsed[key] = parseValue(raw)
	}
	return load(path, profile, parsed)
}

type cliOptions struct {
	configPath string
	profile    string
	sets       map[string]any
}

func parseCLIOverrides(args []string) (cliOptions, error) {
	opts := cliOptions{sets: make(map[string]any)}
	for i := 0; i < len(args); i++ {
		name, value, hasValue := strings.Cut(args[i], "=")
		switch name {
		case "--config", "--profile", "--env", "--set":
		default:
			continue
		}
		if !hasValue {
			if i+1 >= len(args) {
				return opts, fmt.Errorf("%s requires a value", name)
			}
			i++
			value = args[i]
		}
		switch name {
		case "--config":
			opts.configPath = value
		case "--profile", "--env":
			opts.profile = value
		case "--set":
			key, raw, ok := strings.Cut(value, "=")
			key = strings.TrimSpace(key)
			if !ok || key == "" {
				return opts, fmt.Errorf("invalid --set %q, expected key=value", value)
			}
			opts.sets[key] = parseValue(raw)
		}
	}
	return opts, nil
}

func parseValue(raw string) any {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err == nil {
		return v
	}
	return raw
}
