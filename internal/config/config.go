package config

import (
	"time"

	"github.com/spf13/viper"
)

type ServerCfg struct {
	BaseURL   string `mapstructure:"base_url"`
	SocketURL string `mapstructure:"socket_url"`
	Token     string `mapstructure:"token"`
	JWTSecret string `mapstructure:"jwt_secret"`
	// Fallback identity when no token is configured.
	UserID string `mapstructure:"user_id"`
	Admin  bool   `mapstructure:"admin"`
	// Prometheus scrape endpoint; empty disables.
	MetricsAddr string `mapstructure:"metrics_addr"`
}

type ChatCfg struct {
	PageSize         int `mapstructure:"page_size"`
	AckTimeoutMs     int `mapstructure:"ack_timeout_ms"`
	RequestTimeoutMs int `mapstructure:"request_timeout_ms"`
	TypingDebounceMs int `mapstructure:"typing_debounce_ms"`
	TypingTTLMs      int `mapstructure:"typing_ttl_ms"`
}

type RedisCfg struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

type OutboxCfg struct {
	Backend string   `mapstructure:"backend"` // memory | file | redis
	Dir     string   `mapstructure:"dir"`
	Redis   RedisCfg `mapstructure:"redis"`
}

type ArchiveCfg struct {
	URI        string `mapstructure:"uri"` // mongo uri; empty disables
	Database   string `mapstructure:"database"`
	Collection string `mapstructure:"collection"`
}

type LogCfg struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

type Config struct {
	Server  ServerCfg  `mapstructure:"server"`
	Chat    ChatCfg    `mapstructure:"chat"`
	Outbox  OutboxCfg  `mapstructure:"outbox"`
	Archive ArchiveCfg `mapstructure:"archive"`
	Log     LogCfg     `mapstructure:"log"`

	// Derived
	AckTimeout     time.Duration
	RequestTimeout time.Duration
	TypingDebounce time.Duration
	TypingTTL      time.Duration
}

func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.AutomaticEnv()
	v.SetEnvPrefix("CHAT")

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return &cfg, nil
}

// Default returns a config with all defaults filled, for tests and
// embedded use without a config file.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (cfg *Config) applyDefaults() {
	if cfg.Chat.PageSize == 0 {
		cfg.Chat.PageSize = 50
	}
	if cfg.Chat.AckTimeoutMs == 0 {
		cfg.Chat.AckTimeoutMs = 5000
	}
	if cfg.Chat.RequestTimeoutMs == 0 {
		cfg.Chat.RequestTimeoutMs = 10000
	}
	if cfg.Chat.TypingDebounceMs == 0 {
		cfg.Chat.TypingDebounceMs = 800
	}
	if cfg.Chat.TypingTTLMs == 0 {
		cfg.Chat.TypingTTLMs = 1200
	}
	if cfg.Outbox.Backend == "" {
		cfg.Outbox.Backend = "memory"
	}
	if cfg.Outbox.Redis.Prefix == "" {
		cfg.Outbox.Redis.Prefix = "maty"
	}
	cfg.AckTimeout = time.Duration(cfg.Chat.AckTimeoutMs) * time.Millisecond
	cfg.RequestTimeout = time.Duration(cfg.Chat.RequestTimeoutMs) * time.Millisecond
	cfg.TypingDebounce = time.Duration(cfg.Chat.TypingDebounceMs) * time.Millisecond
	cfg.TypingTTL = time.Duration(cfg.Chat.TypingTTLMs) * time.Millisecond
}
