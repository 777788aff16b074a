package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarkoPoloResearchLab/timebank/internal/auth"
	"github.com/MarkoPoloResearchLab/timebank/internal/config"
	"github.com/MarkoPoloResearchLab/timebank/internal/grpcserver"
	"github.com/MarkoPoloResearchLab/timebank/internal/httpapi"
	"github.com/MarkoPoloResearchLab/timebank/internal/observability"
	"github.com/MarkoPoloResearchLab/timebank/internal/store/migrations"
	"github.com/MarkoPoloResearchLab/timebank/pkg/timebank"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
)

const (
	flagEnvFile      = "env-file"
	flagTokenUser    = "user"
	flagTokenRole    = "role"
	defaultEnvFile   = ".env"
	commandName      = "timebankd"
	driverPostgres   = "postgres"
	driverSQLite     = "sqlite"
	driverMemory     = "memory"
	memoryScheme     = "memory://"
	defaultSQLiteDB  = "timebank.db"
	migrateUpCommand = "up"
)

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", commandName, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &config.Config{}
	cmd := &cobra.Command{
		Use:           commandName,
		Short:         "Time-exchange booking and escrow server",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, cfg)
		},
	}
	cmd.PersistentFlags().String(flagEnvFile, defaultEnvFile, "optional .env file loaded before reading the environment")
	config.RegisterFlags(cmd.PersistentFlags())

	cmd.AddCommand(newServeCommand(cfg), newMigrateCommand(cfg), newTokenCommand(cfg))
	return cmd
}

func newServeCommand(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and gRPC servers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.Validate(); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, *cfg)
		},
	}
}

func newMigrateCommand(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate [up|down|status|version|redo]",
		Short: "Apply the Postgres schema migrations",
		Args:  cobra.MaximumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			driver, _, err := resolveDriver(cfg.DatabaseURL)
			if err != nil {
				return err
			}
			if driver != driverPostgres {
				return fmt.Errorf("migrate requires a postgres database url")
			}
			command := migrateUpCommand
			if len(args) > 0 {
				command = args[0]
			}
			db, err := migrations.Open(cmd.Context(), cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer db.Close()
			return migrations.Run(cmd.Context(), db, command, args[min(1, len(args)):]...)
		},
	}
}

func newTokenCommand(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for local testing",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rawUser, err := cmd.Flags().GetString(flagTokenUser)
			if err != nil {
				return err
			}
			roles, err := cmd.Flags().GetStringSlice(flagTokenRole)
			if err != nil {
				return err
			}
			userID, err := timebank.NewUserID(rawUser)
			if err != nil {
				return err
			}
			authenticator, err := auth.NewAuthenticator(cfg.SigningKey, cfg.Issuer, auth.WithTokenTTL(cfg.TokenTTL))
			if err != nil {
				return err
			}
			token, err := authenticator.IssueToken(userID, roles...)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}
	cmd.Flags().String(flagTokenUser, "", "user id placed in the token subject")
	cmd.Flags().StringSlice(flagTokenRole, nil, "roles granted to the token (repeatable)")
	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *config.Config) error {
	envFile, err := cmd.Flags().GetString(flagEnvFile)
	if err != nil {
		return err
	}
	if err := config.LoadDotEnv(envFile); err != nil {
		return err
	}
	loaded, err := config.Load(cmd.Flags())
	if err != nil {
		return err
	}
	*cfg = loaded
	return nil
}

func runServer(ctx context.Context, cfg config.Config) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	store, cleanup, err := openStore(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("store open: %w", err)
	}
	defer func() { _ = cleanup() }()

	welcomeGrant, err := cfg.WelcomeGrantCredits()
	if err != nil {
		return err
	}
	metrics := observability.NewMetrics()
	service, err := timebank.NewService(store, func() time.Time { return time.Now().UTC() },
		timebank.WithOperationLogger(timebank.OperationLoggers{observability.NewZapOperationLogger(logger), metrics}),
		timebank.WithWelcomeGrant(welcomeGrant),
		timebank.WithConflictRetries(cfg.ConflictRetries, cfg.RetryBaseDelay),
	)
	if err != nil {
		return fmt.Errorf("booking service init: %w", err)
	}
	authenticator, err := auth.NewAuthenticator(cfg.SigningKey, cfg.Issuer, auth.WithTokenTTL(cfg.TokenTTL))
	if err != nil {
		return fmt.Errorf("authenticator init: %w", err)
	}

	group, groupCtx := errgroup.WithContext(ctx)
	if cfg.HTTPListenAddr != "" {
		router := httpapi.NewRouter(httpapi.Dependencies{
			Service:        service,
			Authenticator:  authenticator,
			Metrics:        metrics,
			Logger:         logger,
			AllowedOrigins: cfg.AllowedOrigins,
		})
		group.Go(func() error {
			return httpapi.Run(groupCtx, cfg.HTTPListenAddr, router, logger, cfg.ShutdownTimeout)
		})
	}
	if cfg.GRPCListenAddr != "" {
		grpcServer := grpcserver.NewServer(grpcserver.NewBookingServer(service, logger), authenticator)
		group.Go(func() error {
			return serveGRPC(groupCtx, grpcServer, cfg.GRPCListenAddr, logger)
		})
	}
	return group.Wait()
}

func serveGRPC(ctx context.Context, grpcServer *grpc.Server, listenAddr string, logger *zap.Logger) error {
	lis, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("gRPC server starting", zap.String("listen_addr", listenAddr))
		errCh <- grpcServer.Serve(lis)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
		grpcServer.GracefulStop()
		if serveErr := <-errCh; serveErr != nil && !errors.Is(serveErr, grpc.ErrServerStopped) {
			return serveErr
		}
		return nil
	case serveErr := <-errCh:
		if errors.Is(serveErr, grpc.ErrServerStopped) {
			return nil
		}
		return serveErr
	}
}
