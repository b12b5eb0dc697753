// Package config loads the gateway configuration: a yaml file plus a small
// set of environment overrides for deployment knobs.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/mew-protocol/mew-gateway/internal/space"
)

type Config struct {
	Server       ServerConfig        `yaml:"server"`
	Protocol     ProtocolConfig      `yaml:"protocol"`
	History      HistoryConfig       `yaml:"history"`
	Limits       LimitsConfig        `yaml:"limits"`
	Auth         AuthConfig          `yaml:"auth"`
	Proposals    ProposalsConfig     `yaml:"proposals"`
	Streams      StreamsConfig       `yaml:"streams"`
	Logs         LogsConfig          `yaml:"logs"`
	Participants []ParticipantConfig `yaml:"participants"`
}

type ServerConfig struct {
	Port string `yaml:"port"`
	Env  string `yaml:"env"`
}

type ProtocolConfig struct {
	Version string `yaml:"version"`
}

type HistoryConfig struct {
	Limit int `yaml:"limit"`
}

type LimitsConfig struct {
	MessagesPerMinute       int `yaml:"messages_per_minute"`
	ChatPerMinute           int `yaml:"chat_per_minute"`
	MaxPayloadBytes         int `yaml:"max_payload_bytes"`
	MaxGrantsPerParticipant int `yaml:"max_grants_per_participant"`
}

type AuthConfig struct {
	Secret              string   `yaml:"secret"`
	TokenTTLMinutes     int      `yaml:"token_ttl_minutes"`
	Insecure            bool     `yaml:"insecure"`
	DevTokenEndpoint    bool     `yaml:"dev_token_endpoint"`
	DefaultCapabilities []string `yaml:"default_capabilities"`
}

type ProposalsConfig struct {
	ExpirySeconds int `yaml:"expiry_seconds"`
}

type StreamsConfig struct {
	IdleTimeoutSeconds int `yaml:"idle_timeout_seconds"`
}

type LogsConfig struct {
	Dir string `yaml:"dir"`
}

// ParticipantConfig pre-declares a participant, mainly so log-backed
// participants can lazy auto-connect on their first HTTP POST.
type ParticipantConfig struct {
	Space        string   `yaml:"space"`
	ID           string   `yaml:"id"`
	OutputLog    string   `yaml:"output_log"`
	Capabilities []string `yaml:"capabilities"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server:   ServerConfig{Port: "8080", Env: "development"},
		Protocol: ProtocolConfig{Version: "mew/v0.4"},
		History:  HistoryConfig{Limit: 1000},
		Limits: LimitsConfig{
			MessagesPerMinute:       120,
			ChatPerMinute:           60,
			MaxPayloadBytes:         1 << 20,
			MaxGrantsPerParticipant: 256,
		},
		Auth: AuthConfig{
			TokenTTLMinutes:     60,
			DefaultCapabilities: []string{"chat", "mcp/response"},
		},
		Proposals: ProposalsConfig{ExpirySeconds: 300},
		Logs:      LogsConfig{Dir: ".mew/logs"},
	}
}

// Load reads the yaml file at path (skipped when path is empty or missing)
// on top of the defaults, then applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		f, err := os.Open(path)
		switch {
		case os.IsNotExist(err):
			// Defaults only.
		case err != nil:
			return nil, fmt.Errorf("open config: %w", err)
		default:
			defer f.Close()
			if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}
	cfg.applyEnv()
	return &cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("PORT"); v != "" {
		c.Server.Port = v
	}
	if v := os.Getenv("MEW_TOKEN_SECRET"); v != "" {
		c.Auth.Secret = v
	}
	if v := os.Getenv("MEW_INSECURE_AUTH"); v == "1" || strings.EqualFold(v, "true") {
		c.Auth.Insecure = true
	}
	if v := os.Getenv("MEW_LOG_DIR"); v != "" {
		c.Logs.Dir = v
	}
	if v := os.Getenv("MEW_PROTOCOL_VERSION"); v != "" {
		c.Protocol.Version = v
	}
}

// SpaceConfig converts the yaml shape into the per-space policy.
func (c *Config) SpaceConfig() space.Config {
	return space.Config{
		ProtocolTag:             c.Protocol.Version,
		HistoryLimit:            c.History.Limit,
		MessagesPerMinute:       c.Limits.MessagesPerMinute,
		ChatPerMinute:           c.Limits.ChatPerMinute,
		MaxPayloadBytes:         c.Limits.MaxPayloadBytes,
		MaxGrantsPerParticipant: c.Limits.MaxGrantsPerParticipant,
		ProposalTTL:             time.Duration(c.Proposals.ExpirySeconds) * time.Second,
		StreamIdleTimeout:       time.Duration(c.Streams.IdleTimeoutSeconds) * time.Second,
	}
}

// Participant returns the pre-declared entry for (space, id), if any.
func (c *Config) Participant(spaceName, id string) (ParticipantConfig, bool) {
	for _, p := range c.Participants {
		if p.Space == spaceName && p.ID == id {
			return p, true
		}
	}
	return ParticipantConfig{}, false
}

// CapabilityPatterns turns configured capability strings into pattern JSON.
// Entries that look like JSON documents pass through; anything else is a
// kind shorthand.
func CapabilityPatterns(entries []string) []json.RawMessage {
	out := make([]json.RawMessage, 0, len(entries))
	for _, e := range entries {
		trimmed := strings.TrimSpace(e)
		if strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") {
			out = append(out, json.RawMessage(trimmed))
			continue
		}
		quoted, _ := json.Marshal(trimmed)
		out = append(out, quoted)
	}
	return out
}
