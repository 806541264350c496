package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const defaultJWTSecret = "dev-secret-change-me"

type Config struct {
	Port                  string `yaml:"port"`
	Env                   string `yaml:"env"`
	DatabaseDriver        string `yaml:"database_driver"`
	DatabaseDSN           string `yaml:"database_dsn"`
	JWTSecret             string `yaml:"jwt_secret"`
	AccessTokenTTLMinutes int    `yaml:"access_token_ttl_minutes"`
	WSSendBuffer          int    `yaml:"ws_send_buffer"`
	WSMaxMessageBytes     int64  `yaml:"ws_max_message_bytes"`
	PresenceScope         string `yaml:"presence_scope"`
	RateLimitRPS          int    `yaml:"rate_limit_rps"`
	RateLimitBurst        int    `yaml:"rate_limit_burst"`
}

// ClientConfig drives the connection manager and the REST client.
type ClientConfig struct {
	EventServerURL string        `yaml:"event_server_url"`
	APIBaseURL     string        `yaml:"api_base_url"`
	MaxRetries     int           `yaml:"max_retries"`
	BaseDelay      time.Duration `yaml:"base_delay"`
	MaxDelay       time.Duration `yaml:"max_delay"`
	Timeout        time.Duration `yaml:"timeout"`
	PageSize       int           `yaml:"page_size"`
}

func getenv(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

// getint returns def for missing, malformed or non-positive values.
func getint(key string, def int) int {
	v, err := strconv.Atoi(getenv(key, ""))
	if err != nil || v <= 0 {
		return def
	}
	return v
}

func getms(key string, def time.Duration) time.Duration {
	ms := getint(key, -1)
	if ms <= 0 {
		return def
	}
	return time.Duration(ms) * time.Millisecond
}

// LoadDotenv reads .env into the process environment when present.
func LoadDotenv() {
	_ = godotenv.Load()
}

func Load() Config {
	cfg := Config{
		Port:                  getenv("APP_PORT", "8080"),
		Env:                   getenv("APP_ENV", "dev"),
		DatabaseDriver:        getenv("DATABASE_DRIVER", "postgres"),
		DatabaseDSN:           getenv("DATABASE_DSN", "host=localhost user=postgres password=postgres dbname=chat port=5432 sslmode=disable TimeZone=UTC"),
		JWTSecret:             getenv("JWT_SECRET", defaultJWTSecret),
		AccessTokenTTLMinutes: getint("ACCESS_TOKEN_TTL_MINUTES", 60),
		WSSendBuffer:          getint("WS_SEND_BUFFER", 256),
		WSMaxMessageBytes:     int64(getint("WS_MAX_MESSAGE_BYTES", 1<<20)),
		PresenceScope:         getenv("PRESENCE_SCOPE", "shared"),
		RateLimitRPS:          getint("RATE_LIMIT_RPS", 20),
		RateLimitBurst:        getint("RATE_LIMIT_BURST", 40),
	}
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := overlayFile(path, &cfg); err != nil {
			fmt.Fprintf(os.Stderr, "config: ignoring %s: %v\n", path, err)
		}
	}
	return cfg
}

func LoadClient() ClientConfig {
	return ClientConfig{
		EventServerURL: getenv("EVENT_SERVER_URL", "ws://localhost:8080/ws"),
		APIBaseURL:     getenv("API_BASE_URL", "http://localhost:8080/api/v1"),
		MaxRetries:     getint("CLIENT_MAX_RETRIES", 5),
		BaseDelay:      getms("CLIENT_BASE_DELAY_MS", time.Second),
		MaxDelay:       getms("CLIENT_MAX_DELAY_MS", 30*time.Second),
		Timeout:        getms("CLIENT_TIMEOUT_MS", 20*time.Second),
		PageSize:       getint("CLIENT_PAGE_SIZE", 20),
	}
}

// overlayFile applies the non-zero fields of a YAML file on top of cfg.
func overlayFile(path string, cfg *Config) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var file Config
	if err := yaml.Unmarshal(b, &file); err != nil {
		return fmt.Errorf("parse yaml: %w", err)
	}
	if file.Port != "" {
		cfg.Port = file.Port
	}
	if file.Env != "" {
		cfg.Env = file.Env
	}
	if file.DatabaseDriver != "" {
		cfg.DatabaseDriver = file.DatabaseDriver
	}
	if file.DatabaseDSN != "" {
		cfg.DatabaseDSN = file.DatabaseDSN
	}
	if file.JWTSecret != "" {
		cfg.JWTSecret = file.JWTSecret
	}
	if file.AccessTokenTTLMinutes > 0 {
		cfg.AccessTokenTTLMinutes = file.AccessTokenTTLMinutes
	}
	if file.WSSendBuffer > 0 {
		cfg.WSSendBuffer = file.WSSendBuffer
	}
	if file.WSMaxMessageBytes > 0 {
		cfg.WSMaxMessageBytes = file.WSMaxMessageBytes
	}
	if file.PresenceScope != "" {
		cfg.PresenceScope = file.PresenceScope
	}
	if file.RateLimitRPS > 0 {
		cfg.RateLimitRPS = file.RateLimitRPS
	}
	if file.RateLimitBurst > 0 {
		cfg.RateLimitBurst = file.RateLimitBurst
	}
	return nil
}

func Validate(cfg Config) error {
	if cfg.Port == "" {
		return errors.New("APP_PORT is required")
	}
	if cfg.DatabaseDSN == "" {
		return errors.New("DATABASE_DSN is required")
	}
	switch cfg.DatabaseDriver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("unsupported DATABASE_DRIVER %q", cfg.DatabaseDriver)
	}
	switch cfg.PresenceScope {
	case "shared", "all":
	default:
		return fmt.Errorf("unsupported PRESENCE_SCOPE %q", cfg.PresenceScope)
	}
	if cfg.Env != "dev" && cfg.JWTSecret == defaultJWTSecret {
		return errors.New("JWT_SECRET must be set outside dev")
	}
	return nil
}
