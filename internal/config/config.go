package config

import (
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	DefaultConfigPath        = "config.toml"
	DefaultHTTPAddr          = ":8080"
	DefaultJWTExpiresIn      = "24h"
	DefaultPGHost            = "127.0.0.1"
	DefaultPGPort            = 5432
	DefaultPGUser            = "postgres"
	DefaultPGDatabase        = "courier"
	DefaultPGSSLMode         = "disable"
	DefaultPollSeconds       = 5
	DefaultRestartCooldown   = 30
	DefaultHistoryLimit      = 30
	DefaultMaxTokens         = 4096
	DefaultSearchResults     = 5
	DefaultFetchTimeoutSecs  = 6
	DefaultFetchConcurrency  = 3
	DefaultPageCharBudget    = 4000
	DefaultTotalCharBudget   = 12000
	DefaultWhatsAppStorePath = "data/whatsapp.db"
	DefaultRetentionSchedule = "0 3 * * *"
	DefaultRetentionDays     = 90
)

type Config struct {
	Log       LogConfig       `toml:"log"`
	Server    ServerConfig    `toml:"server"`
	Auth      AuthConfig      `toml:"auth"`
	Postgres  PostgresConfig  `toml:"postgres"`
	Channels  ChannelsConfig  `toml:"channels"`
	Providers ProvidersConfig `toml:"providers"`
	Search    SearchConfig    `toml:"search"`
	WhatsApp  WhatsAppConfig  `toml:"whatsapp"`
	Retention RetentionConfig `toml:"retention"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

type ServerConfig struct {
	Addr string `toml:"addr"`
}

type AuthConfig struct {
	JWTSecret    string `toml:"jwt_secret"`
	JWTExpiresIn string `toml:"jwt_expires_in"`
	AdminUser    string `toml:"admin_user"`
	AdminSecret  string `toml:"admin_secret"`
}

type PostgresConfig struct {
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	User     string `toml:"user"`
	Password string `toml:"password"`
	Database string `toml:"database"`
	SSLMode  string `toml:"sslmode"`
}

type ChannelsConfig struct {
	PollSeconds            int `toml:"poll_seconds"`
	RestartCooldownSeconds int `toml:"restart_cooldown_seconds"`
	InboundWorkers         int `toml:"inbound_workers"`
}

func (c ChannelsConfig) PollInterval() time.Duration {
	if c.PollSeconds <= 0 {
		return DefaultPollSeconds * time.Second
	}
	return time.Duration(c.PollSeconds) * time.Second
}

func (c ChannelsConfig) RestartCooldown() time.Duration {
	if c.RestartCooldownSeconds <= 0 {
		return DefaultRestartCooldown * time.Second
	}
	return time.Duration(c.RestartCooldownSeconds) * time.Second
}

type ProvidersConfig struct {
	AnthropicModel string `toml:"anthropic_model"`
	OpenAIModel    string `toml:"openai_model"`
	MaxTokens      int    `toml:"max_tokens"`
	HistoryLimit   int    `toml:"history_limit"`
	SystemPrompt   string `toml:"system_prompt"`
}

type SearchConfig struct {
	MaxResults       int `toml:"max_results"`
	FetchTimeoutSecs int `toml:"fetch_timeout_seconds"`
	FetchConcurrency int `toml:"fetch_concurrency"`
	PageCharBudget   int `toml:"page_char_budget"`
	TotalCharBudget  int `toml:"total_char_budget"`
}

type WhatsAppConfig struct {
	StorePath string `toml:"store_path"`
}

type RetentionConfig struct {
	Schedule string `toml:"schedule"`
	MaxDays  int    `toml:"max_days"`
}

func Load(path string) (Config, error) {
	cfg := Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Server: ServerConfig{
			Addr: DefaultHTTPAddr,
		},
		Auth: AuthConfig{
			JWTExpiresIn: DefaultJWTExpiresIn,
			AdminUser:    "admin",
		},
		Postgres: PostgresConfig{
			Host:     DefaultPGHost,
			Port:     DefaultPGPort,
			User:     DefaultPGUser,
			Database: DefaultPGDatabase,
			SSLMode:  DefaultPGSSLMode,
		},
		Channels: ChannelsConfig{
			PollSeconds:            DefaultPollSeconds,
			RestartCooldownSeconds: DefaultRestartCooldown,
		},
		Providers: ProvidersConfig{
			AnthropicModel: "claude-sonnet-4-5",
			OpenAIModel:    "gpt-4o",
			MaxTokens:      DefaultMaxTokens,
			HistoryLimit:   DefaultHistoryLimit,
		},
		Search: SearchConfig{
			MaxResults:       DefaultSearchResults,
			FetchTimeoutSecs: DefaultFetchTimeoutSecs,
			FetchConcurrency: DefaultFetchConcurrency,
			PageCharBudget:   DefaultPageCharBudget,
			TotalCharBudget:  DefaultTotalCharBudget,
		},
		WhatsApp: WhatsAppConfig{
			StorePath: DefaultWhatsAppStorePath,
		},
		Retention: RetentionConfig{
			Schedule: DefaultRetentionSchedule,
			MaxDays:  DefaultRetentionDays,
		},
	}

	if path == "" {
		path = DefaultConfigPath
	}

	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			applyEnvOverrides(&cfg)
			return cfg, nil
		}
		return cfg, err
	}

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, err
	}

	applyEnvOverrides(&cfg)
	return cfg, nil
}

// applyEnvOverrides lets secrets stay out of the config file.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("COURIER_JWT_SECRET"); v != "" {
		cfg.Auth.JWTSecret = v
	}
	if v := os.Getenv("COURIER_PG_PASSWORD"); v != "" {
		cfg.Postgres.Password = v
	}
	if v := os.Getenv("COURIER_ADMIN_SECRET"); v != "" {
		cfg.Auth.AdminSecret = v
	}
}
