package config

import (
	"fmt"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

const lockStepsPerCommit = 3

type Config struct {
	Port               string        `mapstructure:"PORT"`
	Env                string        `mapstructure:"ENV"`
	DatabaseURL        string        `mapstructure:"DATABASE_URL"`
	DBMaxConns         int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns         int32         `mapstructure:"DB_MIN_CONNS"`
	DBSchema           string        `mapstructure:"DB_SCHEMA"`
	RedisURL           string        `mapstructure:"REDIS_URL"`
	LockTTL            time.Duration `mapstructure:"LOCK_TTL"`
	AuthIssuer         string        `mapstructure:"AUTH_ISSUER"`
	AuthAudience       string        `mapstructure:"AUTH_AUDIENCE"`
	AuthSigningKey     string        `mapstructure:"AUTH_SIGNING_KEY"`
	AuthPublicKeyFile  string        `mapstructure:"AUTH_PUBLIC_KEY_FILE"`
	CORSOrigins        []string      `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS       float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst     int           `mapstructure:"RATE_LIMIT_BURST"`
	RequestTimeout     time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	WriteTimeout       time.Duration `mapstructure:"WRITE_TIMEOUT"`
	BodyLimit          string        `mapstructure:"BODY_LIMIT"`
	Timezone           string        `mapstructure:"TIMEZONE"`
	DefaultWorkStart   string        `mapstructure:"DEFAULT_WORK_START"`
	DefaultWorkEnd     string        `mapstructure:"DEFAULT_WORK_END"`
	DefaultSlotMinutes int           `mapstructure:"DEFAULT_SLOT_MINUTES"`
	PruneInterval      time.Duration `mapstructure:"PRUNE_INTERVAL"`
	SeedDoctors        []string      `mapstructure:"SEED_DOCTORS"`
}

var keys = []string{
	"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "DB_SCHEMA",
	"REDIS_URL", "LOCK_TTL", "AUTH_ISSUER", "AUTH_AUDIENCE", "AUTH_SIGNING_KEY",
	"AUTH_PUBLIC_KEY_FILE", "CORS_ORIGINS", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST",
	"REQUEST_TIMEOUT", "WRITE_TIMEOUT", "BODY_LIMIT", "TIMEZONE",
	"DEFAULT_WORK_START", "DEFAULT_WORK_END", "DEFAULT_SLOT_MINUTES", "PRUNE_INTERVAL",
	"SEED_DOCTORS",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("DB_SCHEMA", "public")
	v.SetDefault("LOCK_TTL", "20s")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)
	v.SetDefault("REQUEST_TIMEOUT", "15s")
	v.SetDefault("WRITE_TIMEOUT", "5s")
	v.SetDefault("BODY_LIMIT", "64K")
	v.SetDefault("TIMEZONE", "UTC")
	v.SetDefault("DEFAULT_WORK_START", "09:00")
	v.SetDefault("DEFAULT_WORK_END", "17:00")
	v.SetDefault("DEFAULT_SLOT_MINUTES", 30)
	v.SetDefault("PRUNE_INTERVAL", "1h")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.CORSOrigins = splitList(cfg.CORSOrigins)
	cfg.SeedDoctors = splitList(cfg.SeedDoctors)

	if cfg.IsDev() {
		log.Warn().Msg("server is running in DEVELOPMENT mode: every request is an admin, X-Dev-User picks the user id")
		if cfg.DatabaseURL == "" {
			log.Warn().Msg("DATABASE_URL is empty: appointments are kept in memory and lost on restart")
		}
	}

	return cfg, nil
}

// splitList trims comma separated entries and drops empty ones.
func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Location loads TIMEZONE. Dates and times in requests are read in it.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("TIMEZONE %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// Validate refuses configurations that would run without durable storage
// or authentication outside development.
func (c *Config) Validate() error {
	if !c.IsDev() {
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when ENV=%q", c.Env)
		}
		if c.AuthSigningKey == "" && c.AuthPublicKeyFile == "" {
			return fmt.Errorf("AUTH_SIGNING_KEY or AUTH_PUBLIC_KEY_FILE is required when ENV=%q", c.Env)
		}
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	if _, err := time.Parse("15:04", c.DefaultWorkStart); err != nil {
		return fmt.Errorf("DEFAULT_WORK_START must be HH:MM, got %q", c.DefaultWorkStart)
	}
	if _, err := time.Parse("15:04", c.DefaultWorkEnd); err != nil {
		return fmt.Errorf("DEFAULT_WORK_END must be HH:MM, got %q", c.DefaultWorkEnd)
	}
	if c.DefaultSlotMinutes <= 0 {
		return fmt.Errorf("DEFAULT_SLOT_MINUTES must be positive, got %d", c.DefaultSlotMinutes)
	}
	if c.RateLimitRPS <= 0 || c.RateLimitBurst <= 0 {
		return fmt.Errorf("RATE_LIMIT_RPS and RATE_LIMIT_BURST must be positive")
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) exceeds DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	if c.WriteTimeout <= 0 {
		return fmt.Errorf("WRITE_TIMEOUT must be positive")
	}
	// A held booking lock covers a reload, a schedule read and the write,
	// each bounded by WRITE_TIMEOUT.
	if c.LockTTL <= lockStepsPerCommit*c.WriteTimeout {
		return fmt.Errorf("LOCK_TTL (%s) must exceed %d x WRITE_TIMEOUT (%s)", c.LockTTL, lockStepsPerCommit, c.WriteTimeout)
	}
	return nil
}
