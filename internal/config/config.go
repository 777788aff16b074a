// Package config resolves server settings from flags, TIMEBANK_* environment
// variables, and an optional .env file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/timebank/pkg/timebank"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	StoreDriverGorm = "gorm"
	StoreDriverPgx  = "pgx"

	FlagDatabaseURL     = "database-url"
	FlagStoreDriver     = "store-driver"
	FlagHTTPListenAddr  = "http-listen-addr"
	FlagGRPCListenAddr  = "grpc-listen-addr"
	FlagSigningKey      = "jwt-signing-key"
	FlagIssuer          = "jwt-issuer"
	FlagTokenTTL        = "jwt-ttl"
	FlagAllowedOrigins  = "allowed-origins"
	FlagWelcomeGrant    = "welcome-grant"
	FlagConflictRetries = "conflict-retries"
	FlagRetryBaseDelay  = "retry-base-delay"
	FlagShutdownTimeout = "shutdown-timeout"

	envPrefix             = "TIMEBANK"
	legacyEnvDatabaseURL  = "DATABASE_URL"
	defaultDatabaseURL    = "sqlite:///tmp/timebank.db"
	defaultStoreDriver    = StoreDriverGorm
	defaultHTTPListenAddr = ":8080"
	defaultGRPCListenAddr = ":7000"
	defaultIssuer         = "timebank"
	defaultTokenTTL       = time.Hour
	defaultAllowedOrigin  = "http://localhost:3000"
	defaultWelcomeGrant   = "2.00"
	defaultRetries        = 2
	defaultRetryDelay     = 10 * time.Millisecond
	defaultShutdown       = 10 * time.Second
)

// Config aggregates runtime settings for the timebank server.
type Config struct {
	DatabaseURL     string
	StoreDriver     string
	HTTPListenAddr  string
	GRPCListenAddr  string
	SigningKey      string
	Issuer          string
	TokenTTL        time.Duration
	AllowedOrigins  []string
	WelcomeGrant    string
	ConflictRetries int
	RetryBaseDelay  time.Duration
	ShutdownTimeout time.Duration
}

// RegisterFlags declares every setting on flags with its default.
func RegisterFlags(flags *pflag.FlagSet) {
	flags.String(FlagDatabaseURL, defaultDatabaseURL, "postgres://, sqlite:// or memory:// database URL")
	flags.String(FlagStoreDriver, defaultStoreDriver, "store implementation for postgres URLs (gorm|pgx)")
	flags.String(FlagHTTPListenAddr, defaultHTTPListenAddr, "HTTP listen address (empty disables HTTP)")
	flags.String(FlagGRPCListenAddr, defaultGRPCListenAddr, "gRPC listen address (empty disables gRPC)")
	flags.String(FlagSigningKey, "", "HS256 signing key for bearer tokens")
	flags.String(FlagIssuer, defaultIssuer, "expected token issuer")
	flags.Duration(FlagTokenTTL, defaultTokenTTL, "lifetime of issued tokens")
	flags.String(FlagAllowedOrigins, defaultAllowedOrigin, "comma-separated CORS origins")
	flags.String(FlagWelcomeGrant, defaultWelcomeGrant, "credits granted on wallet registration")
	flags.Int(FlagConflictRetries, defaultRetries, "extra attempts after a concurrent update conflict")
	flags.Duration(FlagRetryBaseDelay, defaultRetryDelay, "initial backoff between conflict retries")
	flags.Duration(FlagShutdownTimeout, defaultShutdown, "graceful shutdown timeout")
}

// Load resolves flags against the environment. Flags set explicitly win over
// environment variables, which win over flag defaults.
func Load(flags *pflag.FlagSet) (Config, error) {
	resolver := viper.New()
	resolver.SetEnvPrefix(envPrefix)
	resolver.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	resolver.AutomaticEnv()
	if err := resolver.BindEnv(FlagDatabaseURL, envPrefix+"_DATABASE_URL", legacyEnvDatabaseURL); err != nil {
		return Config{}, err
	}
	if err := resolver.BindPFlags(flags); err != nil {
		return Config{}, err
	}
	cfg := Config{
		DatabaseURL:     resolver.GetString(FlagDatabaseURL),
		StoreDriver:     resolver.GetString(FlagStoreDriver),
		HTTPListenAddr:  resolver.GetString(FlagHTTPListenAddr),
		GRPCListenAddr:  resolver.GetString(FlagGRPCListenAddr),
		SigningKey:      resolver.GetString(FlagSigningKey),
		Issuer:          resolver.GetString(FlagIssuer),
		TokenTTL:        resolver.GetDuration(FlagTokenTTL),
		AllowedOrigins:  ParseAllowedOrigins(resolver.GetString(FlagAllowedOrigins)),
		WelcomeGrant:    resolver.GetString(FlagWelcomeGrant),
		ConflictRetries: resolver.GetInt(FlagConflictRetries),
		RetryBaseDelay:  resolver.GetDuration(FlagRetryBaseDelay),
		ShutdownTimeout: resolver.GetDuration(FlagShutdownTimeout),
	}
	return cfg, nil
}

// LoadDotEnv loads path into the process environment when the file exists.
// Variables already set are left untouched.
func LoadDotEnv(path string) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// Validate fills defaults and ensures the configuration contains sane values.
func (cfg *Config) Validate() error {
	cfg.DatabaseURL = defaultIfEmpty(cfg.DatabaseURL, defaultDatabaseURL)
	cfg.StoreDriver = strings.ToLower(defaultIfEmpty(cfg.StoreDriver, defaultStoreDriver))
	cfg.Issuer = defaultIfEmpty(cfg.Issuer, defaultIssuer)
	cfg.WelcomeGrant = defaultIfEmpty(cfg.WelcomeGrant, defaultWelcomeGrant)
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = defaultTokenTTL
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdown
	}
	if cfg.StoreDriver != StoreDriverGorm && cfg.StoreDriver != StoreDriverPgx {
		return fmt.Errorf("store driver must be %q or %q, got %q", StoreDriverGorm, StoreDriverPgx, cfg.StoreDriver)
	}
	if strings.TrimSpace(cfg.HTTPListenAddr) == "" && strings.TrimSpace(cfg.GRPCListenAddr) == "" {
		return fmt.Errorf("at least one of http or grpc listen addr is required")
	}
	if len(cfg.SigningKey) == 0 {
		return fmt.Errorf("jwt signing key is required")
	}
	if cfg.ConflictRetries < 0 {
		return fmt.Errorf("conflict retries must not be negative")
	}
	if cfg.RetryBaseDelay < 0 {
		return fmt.Errorf("retry base delay must not be negative")
	}
	if _, err := cfg.WelcomeGrantCredits(); err != nil {
		return fmt.Errorf("welcome grant: %w", err)
	}
	return nil
}

// WelcomeGrantCredits parses the configured welcome grant.
func (cfg Config) WelcomeGrantCredits() (timebank.Credits, error) {
	return timebank.ParseCredits(defaultIfEmpty(cfg.WelcomeGrant, defaultWelcomeGrant))
}

func defaultIfEmpty(value string, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return strings.TrimSpace(value)
}

// ParseAllowedOrigins splits comma-delimited origins into a slice.
func ParseAllowedOrigins(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return []string{}
	}
	parts := strings.Split(raw, ",")
	normalized := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			normalized = append(normalized, trimmed)
		}
	}
	return normalized
}
