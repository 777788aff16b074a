package main

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/MarkoPoloResearchLab/timebank/internal/auth"
	"github.com/MarkoPoloResearchLab/timebank/internal/config"
	"github.com/MarkoPoloResearchLab/timebank/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/timebank/internal/store/memstore"
	"github.com/MarkoPoloResearchLab/timebank/pkg/timebank"
	"go.uber.org/zap"
)

func TestResolveDriver(t *testing.T) {
	t.Parallel()
	directory := t.TempDir()
	cases := []struct {
		name       string
		dsn        string
		wantDriver string
		wantPath   string
	}{
		{name: "memory", dsn: "memory://", wantDriver: driverMemory},
		{name: "postgres", dsn: "postgres://user@localhost/timebank", wantDriver: driverPostgres},
		{name: "postgresql", dsn: "postgresql://user@localhost/timebank", wantDriver: driverPostgres},
		{name: "sqlite url", dsn: "sqlite://" + filepath.Join(directory, "a.db"), wantDriver: driverSQLite, wantPath: filepath.Join(directory, "a.db")},
		{name: "sqlite memory", dsn: ":memory:", wantDriver: driverSQLite, wantPath: ":memory:"},
		{name: "bare path", dsn: filepath.Join(directory, "nested", "b.db"), wantDriver: driverSQLite, wantPath: filepath.Join(directory, "nested", "b.db")},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			driver, path, err := resolveDriver(tc.dsn)
			if err != nil {
				t.Fatalf("resolve: %v", err)
			}
			if driver != tc.wantDriver || path != tc.wantPath {
				t.Fatalf("expected %s/%q, got %s/%q", tc.wantDriver, tc.wantPath, driver, path)
			}
		})
	}
}

func TestOpenStoreSelectsImplementation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	store, cleanup, err := openStore(ctx, config.Config{DatabaseURL: "memory://"}, zap.NewNop())
	if err != nil {
		t.Fatalf("open memory store: %v", err)
	}
	if _, ok := store.(*memstore.Store); !ok {
		t.Fatalf("expected memstore, got %T", store)
	}
	_ = cleanup()

	sqliteURL := "sqlite://" + filepath.Join(t.TempDir(), "timebank.db")
	store, cleanup, err = openStore(ctx, config.Config{DatabaseURL: sqliteURL, StoreDriver: config.StoreDriverGorm}, zap.NewNop())
	if err != nil {
		t.Fatalf("open sqlite store: %v", err)
	}
	defer func() { _ = cleanup() }()
	if _, ok := store.(*gormstore.Store); !ok {
		t.Fatalf("expected gormstore, got %T", store)
	}
	userID, err := timebank.NewUserID("user-1")
	if err != nil {
		t.Fatalf("user id: %v", err)
	}
	if _, err := store.GetWallet(ctx, userID); timebank.KindOf(err) != timebank.KindNotFound {
		t.Fatalf("expected not found on migrated schema, got %v", err)
	}
}

func TestTokenCommandIssuesVerifiableToken(t *testing.T) {
	signingKey := "command-test-signing-key-01"
	root := newRootCommand()
	var output bytes.Buffer
	root.SetOut(&output)
	root.SetArgs([]string{
		"token",
		"--env-file=",
		"--jwt-signing-key=" + signingKey,
		"--jwt-issuer=timebank-cli",
		"--user=admin-1",
		"--role=admin",
	})
	if err := root.Execute(); err != nil {
		t.Fatalf("execute: %v", err)
	}

	authenticator, err := auth.NewAuthenticator(signingKey, "timebank-cli")
	if err != nil {
		t.Fatalf("authenticator: %v", err)
	}
	principal, err := authenticator.Verify(strings.TrimSpace(output.String()))
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if principal.UserID.String() != "admin-1" || !principal.HasRole(auth.RoleAdmin) {
		t.Fatalf("unexpected principal %+v", principal)
	}
}

func TestMigrateRequiresPostgres(t *testing.T) {
	root := newRootCommand()
	root.SetArgs([]string{"migrate", "--env-file=", "--database-url=memory://"})
	if err := root.Execute(); err == nil || !strings.Contains(err.Error(), "postgres") {
		t.Fatalf("expected postgres requirement, got %v", err)
	}
}
