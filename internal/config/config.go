// Package config loads the application configuration from YAML with
// environment overrides for deployment secrets.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	Schedule  ScheduleConfig  `yaml:"schedule"`
	Reddit    RedditConfig    `yaml:"reddit"`
	Synthesis SynthesisConfig `yaml:"synthesis"`
	Telegram  TelegramConfig  `yaml:"telegram"`
	Server    ServerConfig    `yaml:"server"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type ScheduleConfig struct {
	Enabled         bool     `yaml:"enabled"`
	Timezone        string   `yaml:"timezone"`
	DiscoveryTimes  []string `yaml:"discovery_times"`
	GenerationTimes []string `yaml:"generation_times"`
	MisfireGraceSec int      `yaml:"misfire_grace_sec"`
}

type RedditConfig struct {
	PostsPerCommunity int    `yaml:"posts_per_community"`
	RepliesPerItem    int    `yaml:"replies_per_item"`
	TimeWindow        string `yaml:"time_window"`
}

type SynthesisConfig struct {
	APIKey             string  `yaml:"api_key"`
	Model              string  `yaml:"model"`
	BaseURL            string  `yaml:"base_url"`
	MaxTokens          int     `yaml:"max_tokens"`
	Temperature        float64 `yaml:"temperature"`
	CandidatesPerTopic int     `yaml:"candidates_per_topic"`
	TopItemsPerTopic   int     `yaml:"top_items_per_topic"`
}

type TelegramConfig struct {
	BotToken string `yaml:"bot_token"`
}

type ServerConfig struct {
	Port          int    `yaml:"port"`
	JWTSecret     string `yaml:"jwt_secret"`
	TokenTTLHours int    `yaml:"token_ttl_hours"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{
			Path: "postpilot.db",
		},
		Schedule: ScheduleConfig{
			Enabled:         true,
			Timezone:        "UTC",
			DiscoveryTimes:  []string{"06:00", "18:00"},
			GenerationTimes: []string{"07:00", "19:00"},
			MisfireGraceSec: 300,
		},
		Reddit: RedditConfig{
			PostsPerCommunity: 10,
			RepliesPerItem:    3,
			TimeWindow:        "day",
		},
		Synthesis: SynthesisConfig{
			Model:              "claude-sonnet-4-20250514",
			MaxTokens:          1024,
			Temperature:        0.7,
			CandidatesPerTopic: 3,
			TopItemsPerTopic:   20,
		},
		Server: ServerConfig{
			Port:          8080,
			TokenTTLHours: 72,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads the YAML file at path over the defaults, then applies
// environment overrides. An empty path loads defaults plus environment.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("POSTPILOT_DB_PATH"); v != "" {
		c.Database.Path = v
	}
	if v := os.Getenv("TELEGRAM_BOT_TOKEN"); v != "" {
		c.Telegram.BotToken = v
	}
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" {
		c.Synthesis.APIKey = v
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		c.Server.JWTSecret = v
	}
	if v := os.Getenv("POSTPILOT_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}
	if v := os.Getenv("POSTPILOT_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}

func (c *Config) validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Schedule.MisfireGraceSec < 0 {
		return fmt.Errorf("schedule.misfire_grace_sec must not be negative")
	}
	switch c.Reddit.TimeWindow {
	case "hour", "day", "week", "month", "year", "all":
	default:
		return fmt.Errorf("reddit.time_window %q invalid", c.Reddit.TimeWindow)
	}
	return nil
}
