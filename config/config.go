package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

const defaultJWTSecret = "change-me-in-production"

type Config struct {
	Port           string   `mapstructure:"port"`
	Environment    string   `mapstructure:"environment"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	JWTSecret      string   `mapstructure:"jwt_secret"`
	LogLevel       string   `mapstructure:"log_level"`

	// Signaling
	CallTimeout time.Duration `mapstructure:"call_timeout"`
	PingPeriod  time.Duration `mapstructure:"ping_period"`
	PongWait    time.Duration `mapstructure:"pong_wait"`
	WriteWait   time.Duration `mapstructure:"write_wait"`
	ReadLimit   int64         `mapstructure:"read_limit"`
	SendBuffer  int           `mapstructure:"send_buffer"`

	// ICE servers handed to clients
	STUNURLs       []string `mapstructure:"stun_urls"`
	TURNURLs       []string `mapstructure:"turn_urls"`
	TURNUsername   string   `mapstructure:"turn_username"`
	TURNCredential string   `mapstructure:"turn_credential"`

	Redis RedisConfig `mapstructure:"redis"`
}

type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// Addr returns the host:port pair for the Redis client
func (r RedisConfig) Addr() string {
	return r.Host + ":" + r.Port
}

// Load reads configuration from the environment, optionally layered over the
// YAML file named by CONFIG_FILE. Environment variables always win.
func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("port", "8080")
	v.SetDefault("environment", "development")
	v.SetDefault("allowed_origins", []string{"http://localhost:3000", "http://localhost:5173"})
	v.SetDefault("jwt_secret", defaultJWTSecret)
	v.SetDefault("log_level", "info")

	v.SetDefault("call_timeout", "60s")
	v.SetDefault("ping_period", "54s")
	v.SetDefault("pong_wait", "60s")
	v.SetDefault("write_wait", "10s")
	v.SetDefault("read_limit", 65536)
	v.SetDefault("send_buffer", 256)

	v.SetDefault("stun_urls", []string{"stun:stun.l.google.com:19302"})
	v.SetDefault("turn_urls", []string{})
	v.SetDefault("turn_username", "")
	v.SetDefault("turn_credential", "")

	v.SetDefault("redis.enabled", true)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", "6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	if file := os.Getenv("CONFIG_FILE"); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", file, err)
		}
		log.Info().Str("module", "config").Str("file", file).Msg("loaded config file")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.AllowedOrigins = cleanList(cfg.AllowedOrigins)
	cfg.STUNURLs = cleanList(cfg.STUNURLs)
	cfg.TURNURLs = cleanList(cfg.TURNURLs)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the server cannot run with.
func (c *Config) Validate() error {
	switch {
	case c.Port == "":
		return errors.New("PORT must not be empty")
	case c.JWTSecret == "":
		return errors.New("JWT_SECRET must not be empty")
	case c.IsProduction() && c.JWTSecret == defaultJWTSecret:
		return errors.New("JWT_SECRET must be set in production")
	case c.CallTimeout <= 0:
		return fmt.Errorf("CALL_TIMEOUT must be positive, got %s", c.CallTimeout)
	case c.PingPeriod <= 0 || c.PongWait <= c.PingPeriod:
		return fmt.Errorf("PONG_WAIT (%s) must exceed PING_PERIOD (%s)", c.PongWait, c.PingPeriod)
	case c.WriteWait <= 0:
		return fmt.Errorf("WRITE_WAIT must be positive, got %s", c.WriteWait)
	case c.SendBuffer <= 0:
		return fmt.Errorf("SEND_BUFFER must be positive, got %d", c.SendBuffer)
	}
	return nil
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// ICEServers returns the STUN and TURN servers clients should use.
func (c *Config) ICEServers() []webrtc.ICEServer {
	var servers []webrtc.ICEServer
	if len(c.STUNURLs) > 0 {
		servers = append(servers, webrtc.ICEServer{URLs: c.STUNURLs})
	}
	if len(c.TURNURLs) > 0 {
		servers = append(servers, webrtc.ICEServer{
			URLs:           c.TURNURLs,
			Username:       c.TURNUsername,
			Credential:     c.TURNCredential,
			CredentialType: webrtc.ICECredentialTypePassword,
		})
	}
	return servers
}

// cleanList trims entries and drops empty ones, so "a, b," from the
// environment becomes [a b].
func cleanList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		for _, part := range strings.Split(s, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
