// Package config reads the service settings from WARDEN_* environment
// variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

// defaultSalt is used when WARDEN_SECRET_SALT is unset. Changing either the
// key or the salt makes every stored TOTP secret unreadable.
const defaultSalt = "warden-totp-secret-salt"

type Config struct {
	Port            string
	DBPath          string
	LogLevel        string
	LogFormat       string
	Issuer          string
	SecretKey       string
	SecretSalt      string
	SessionTTL      time.Duration
	PendingTTL      time.Duration
	TicketTTL       time.Duration
	BackupCodeCount int
	TOTPSkew        uint
	TrustProxy      bool
	SecureCookies   bool
	CleanupInterval time.Duration

	// Outbound email through Postmark. Empty token disables email.
	PostmarkToken string
	FromEmail     string

	// Encrypted database snapshots to S3-compatible storage. An empty
	// bucket disables backups; a zero interval disables the schedule.
	S3Endpoint       string
	S3Bucket         string
	S3Region         string
	S3AccessKey      string
	S3SecretKey      string
	BackupPassphrase string
	BackupInterval   time.Duration
	BackupRetention  time.Duration
}

// Load reads the environment. Unset variables take their defaults; set but
// malformed ones are an error.
func Load() (*Config, error) {
	return load(os.Getenv)
}

func load(getenv func(string) string) (*Config, error) {
	str := func(key, def string) string {
		if v := getenv(key); v != "" {
			return v
		}
		return def
	}

	cfg := &Config{
		Port:       str("WARDEN_PORT", "8080"),
		DBPath:     str("WARDEN_DB_PATH", "warden.db"),
		LogLevel:   getenv("WARDEN_LOG_LEVEL"),
		LogFormat:  getenv("WARDEN_LOG_FORMAT"),
		Issuer:     str("WARDEN_ISSUER", "Warden"),
		SecretKey:  getenv("WARDEN_SECRET_KEY"),
		SecretSalt: str("WARDEN_SECRET_SALT", defaultSalt),

		PostmarkToken: getenv("WARDEN_POSTMARK_TOKEN"),
		FromEmail:     getenv("WARDEN_FROM_EMAIL"),

		S3Endpoint:       getenv("WARDEN_S3_ENDPOINT"),
		S3Bucket:         getenv("WARDEN_S3_BUCKET"),
		S3Region:         getenv("WARDEN_S3_REGION"),
		S3AccessKey:      getenv("WARDEN_S3_ACCESS_KEY"),
		S3SecretKey:      getenv("WARDEN_S3_SECRET_KEY"),
		BackupPassphrase: getenv("WARDEN_BACKUP_PASSPHRASE"),
	}

	var errs []error
	duration := func(key string, def time.Duration) time.Duration {
		v := getenv(key)
		if v == "" {
			return def
		}
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			errs = append(errs, fmt.Errorf("%s: invalid duration %q", key, v))
			return def
		}
		return d
	}
	boolean := func(key string, def bool) bool {
		v := getenv(key)
		if v == "" {
			return def
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: invalid boolean %q", key, v))
			return def
		}
		return b
	}

	cfg.SessionTTL = duration("WARDEN_SESSION_TTL", 720*time.Hour)
	cfg.PendingTTL = duration("WARDEN_PENDING_TTL", 15*time.Minute)
	cfg.TicketTTL = duration("WARDEN_TICKET_TTL", 5*time.Minute)
	cfg.CleanupInterval = duration("WARDEN_CLEANUP_INTERVAL", time.Hour)
	cfg.BackupRetention = duration("WARDEN_BACKUP_RETENTION", 30*24*time.Hour)
	if v := getenv("WARDEN_BACKUP_INTERVAL"); v != "" && v != "0" {
		cfg.BackupInterval = duration("WARDEN_BACKUP_INTERVAL", 0)
	}
	cfg.TrustProxy = boolean("WARDEN_TRUST_PROXY", false)
	cfg.SecureCookies = boolean("WARDEN_SECURE_COOKIES", false)

	cfg.BackupCodeCount = 10
	if v := getenv("WARDEN_BACKUP_CODE_COUNT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 100 {
			errs = append(errs, fmt.Errorf("WARDEN_BACKUP_CODE_COUNT: must be between 1 and 100, got %q", v))
		} else {
			cfg.BackupCodeCount = n
		}
	}

	cfg.TOTPSkew = 1
	if v := getenv("WARDEN_TOTP_SKEW"); v != "" {
		n, err := strconv.ParseUint(v, 10, 8)
		if err != nil || n > 3 {
			errs = append(errs, fmt.Errorf("WARDEN_TOTP_SKEW: must be between 0 and 3, got %q", v))
		} else {
			cfg.TOTPSkew = uint(n)
		}
	}

	if cfg.SecretKey == "" {
		errs = append(errs, errors.New("WARDEN_SECRET_KEY is required"))
	}
	if cfg.BackupPassphrase == "" {
		cfg.BackupPassphrase = cfg.SecretKey
	}
	if len(cfg.SecretSalt) < 16 {
		errs = append(errs, errors.New("WARDEN_SECRET_SALT must be at least 16 characters"))
	}

	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// Addr is the listen address for the HTTP server.
func (c *Config) Addr() string {
	return ":" + c.Port
}
