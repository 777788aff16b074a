package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
)

func newFlags(test *testing.T, arguments ...string) *pflag.FlagSet {
	test.Helper()
	flags := pflag.NewFlagSet("timebankd", pflag.ContinueOnError)
	RegisterFlags(flags)
	if err := flags.Parse(arguments); err != nil {
		test.Fatalf("parse flags: %v", err)
	}
	return flags
}

func TestLoadUsesDefaults(t *testing.T) {
	cfg, err := Load(newFlags(t))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DatabaseURL != defaultDatabaseURL || cfg.StoreDriver != StoreDriverGorm {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.ConflictRetries != 2 || cfg.RetryBaseDelay != 10*time.Millisecond || cfg.WelcomeGrant != "2.00" {
		t.Fatalf("unexpected retry or grant defaults %+v", cfg)
	}
}

func TestLoadPrefersFlagsOverEnvironment(t *testing.T) {
	t.Setenv("TIMEBANK_HTTP_LISTEN_ADDR", ":9999")
	t.Setenv("TIMEBANK_CONFLICT_RETRIES", "5")
	t.Setenv("DATABASE_URL", "postgres://legacy/db")

	cfg, err := Load(newFlags(t, "--conflict-retries=1"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTPListenAddr != ":9999" {
		t.Fatalf("expected env listen addr, got %q", cfg.HTTPListenAddr)
	}
	if cfg.ConflictRetries != 1 {
		t.Fatalf("expected flag to win, got %d", cfg.ConflictRetries)
	}
	if cfg.DatabaseURL != "postgres://legacy/db" {
		t.Fatalf("expected DATABASE_URL fallback, got %q", cfg.DatabaseURL)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	valid := func() Config {
		return Config{HTTPListenAddr: ":8080", SigningKey: "secret-secret-secret", StoreDriver: "PGX"}
	}
	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "unknown driver", mutate: func(cfg *Config) { cfg.StoreDriver = "bolt" }, wantErr: true},
		{name: "no listeners", mutate: func(cfg *Config) { cfg.HTTPListenAddr = "" }, wantErr: true},
		{name: "no signing key", mutate: func(cfg *Config) { cfg.SigningKey = "" }, wantErr: true},
		{name: "negative retries", mutate: func(cfg *Config) { cfg.ConflictRetries = -1 }, wantErr: true},
		{name: "bad grant", mutate: func(cfg *Config) { cfg.WelcomeGrant = "-1" }, wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := valid()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if tc.wantErr != (err != nil) {
				t.Fatalf("expected error=%v, got %v", tc.wantErr, err)
			}
			if err == nil && (cfg.StoreDriver != StoreDriverPgx || cfg.Issuer != defaultIssuer) {
				t.Fatalf("expected normalized defaults, got %+v", cfg)
			}
		})
	}
}

func TestParseAllowedOrigins(t *testing.T) {
	t.Parallel()
	origins := ParseAllowedOrigins(" http://a.test , ,http://b.test")
	if len(origins) != 2 || origins[0] != "http://a.test" || origins[1] != "http://b.test" {
		t.Fatalf("unexpected origins %v", origins)
	}
	if len(ParseAllowedOrigins("  ")) != 0 {
		t.Fatalf("expected empty origins")
	}
}

func TestLoadDotEnv(t *testing.T) {
	directory := t.TempDir()
	path := filepath.Join(directory, ".env")
	if err := os.WriteFile(path, []byte("TIMEBANK_TEST_ONLY_VALUE=from-dotenv\n"), 0o600); err != nil {
		t.Fatalf("write env: %v", err)
	}
	t.Setenv("TIMEBANK_TEST_ONLY_VALUE", "")
	if err := os.Unsetenv("TIMEBANK_TEST_ONLY_VALUE"); err != nil {
		t.Fatalf("unset: %v", err)
	}

	if err := LoadDotEnv(path); err != nil {
		t.Fatalf("load dotenv: %v", err)
	}
	if got := os.Getenv("TIMEBANK_TEST_ONLY_VALUE"); got != "from-dotenv" {
		t.Fatalf("expected value from .env, got %q", got)
	}
	if err := LoadDotEnv(filepath.Join(directory, "missing.env")); err != nil {
		t.Fatalf("expected missing file to be ignored, got %v", err)
	}
}
