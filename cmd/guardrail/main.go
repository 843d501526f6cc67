package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bossbrainz/guardrail/config"
	"github.com/bossbrainz/guardrail/internal/logging"
	"github.com/bossbrainz/guardrail/internal/server"
	"github.com/bossbrainz/guardrail/internal/store"
	"go.uber.org/zap"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "", "Path to configuration file (environment only when empty)")
	showVersion := flag.Bool("version", false, "Show version information")
	validateOnly := flag.Bool("validate", false, "Validate configuration and exit")
	migrate := flag.Bool("migrate", false, "Create database tables before serving")
	flag.Parse()

	if *showVersion {
		fmt.Printf("guardrail %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	cfg, err := config.NewLoader().Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	resolved, err := config.Resolve(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	if *validateOnly {
		fmt.Println("Configuration is valid")
		os.Exit(0)
	}

	logger := logging.New(cfg.Logging)
	defer logger.Sync()
	logging.SetGlobal(logger)

	logging.Info("Starting guardrail",
		zap.String("version", version),
		zap.String("config", *configPath),
		zap.String("profile", string(cfg.Profile)),
	)
	if resolved.SecretSource == config.SecretDevelopmentDefault {
		logging.Warn("AUTH_SECRET is not set, using the public development secret")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var opts []server.Option
	if *migrate {
		st, err := migrateDatabase(ctx, cfg.Database)
		if err != nil {
			logging.Error("Database migration failed", zap.Error(err))
			os.Exit(1)
		}
		opts = append(opts, server.WithStore(st))
	}

	srv, err := server.New(ctx, cfg, resolved, opts...)
	if err != nil {
		logging.Error("Failed to create server", zap.Error(err))
		os.Exit(1)
	}

	if err := srv.Run(ctx); err != nil {
		logging.Error("Server error", zap.Error(err))
		os.Exit(1)
	}
}

func migrateDatabase(ctx context.Context, cfg config.DatabaseConfig) (*store.Store, error) {
	st, err := store.Open(ctx, cfg)
	if err != nil {
		return nil, err
	}
	mctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := st.Migrate(mctx); err != nil {
		st.Close()
		return nil, err
	}
	logging.Info("Database schema is up to date")
	return st, nil
}
