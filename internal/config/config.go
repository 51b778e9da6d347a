package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
)

// Config is the top-level configuration structure.
type Config struct {
	Server        ServerConfig   `json:"server"`
	Database      DatabaseConfig `json:"database"`
	Supabase      SupabaseConfig `json:"supabase"`
	Auth          AuthConfig     `json:"auth"`
	Notify        NotifyConfig   `json:"notify"`
	MigrationsDir string         `json:"migrations_dir"`
}

type ServerConfig struct {
	Port     int    `json:"port"`
	LogLevel string `json:"log_level"`
}

type DatabaseConfig struct {
	Postgres PostgresConfig `json:"postgres"`
	Neo4j    Neo4jConfig    `json:"neo4j"`
	Redis    RedisConfig    `json:"redis"`
}

type PostgresConfig struct {
	DSN string `json:"dsn"`
}

type Neo4jConfig struct {
	URI      string `json:"uri"`
	User     string `json:"user"`
	Password string `json:"password"`
}

// RedisConfig points at the change bus. Every graphd instance sees the
// same LISTEN stream, so only one instance should publish.
type RedisConfig struct {
	URL            string `json:"url"`
	PublishChanges bool   `json:"publish_changes"`
}

type SupabaseConfig struct {
	URL string `json:"url"`
	Key string `json:"key"`
}

// AuthConfig selects how bearer tokens are verified. With a JWT secret,
// tokens are checked locally; otherwise the Supabase auth API is asked.
type AuthConfig struct {
	JWTSecret string `json:"jwt_secret"`
	Audience  string `json:"audience"`
}

type NotifyConfig struct {
	Slack   SlackNotifyConfig   `json:"slack"`
	Discord DiscordNotifyConfig `json:"discord"`
}

type SlackNotifyConfig struct {
	Enabled    bool   `json:"enabled"`
	WebhookURL string `json:"webhook_url"`
	MinLevel   string `json:"min_level"`
}

type DiscordNotifyConfig struct {
	Enabled   bool   `json:"enabled"`
	BotToken  string `json:"bot_token"`
	ChannelID string `json:"channel_id"`
}

// envVarRe matches ${VAR} and ${VAR:default} patterns.
var envVarRe = regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

// Load reads a JSON config file and substitutes environment variable references.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	resolved := envVarRe.ReplaceAllStringFunc(string(data), func(match string) string {
		parts := envVarRe.FindStringSubmatch(match)
		if v := os.Getenv(parts[1]); v != "" {
			return v
		}
		return parts[2]
	})

	cfg := Config{
		Server:        ServerConfig{Port: 8080, LogLevel: "info"},
		MigrationsDir: "migrations",
	}
	if err := json.Unmarshal([]byte(resolved), &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if cfg.Database.Postgres.DSN == "" {
		return nil, fmt.Errorf("config %s: database.postgres.dsn is required", path)
	}
	return &cfg, nil
}
