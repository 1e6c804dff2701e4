package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"go.uber.org/zap"

	"posledger/backend/internal/config"
	"posledger/backend/internal/logging"
	pgstore "posledger/backend/internal/store/postgres"
)

const usage = `usage: migrate [flags] <up|status>

  up      apply pending migrations
  status  list applied and pending migrations
`

func main() {
	fs := flag.NewFlagSet("migrate", flag.ExitOnError)
	databaseURL := fs.String("database", "", "Postgres URL (defaults to DATABASE_URL)")
	appliedBy := fs.String("applied-by", "migrate-cli", "Recorded in schema_migrations.applied_by")
	timeout := fs.Duration("timeout", 2*time.Minute, "Overall deadline for the command")
	fs.Usage = func() {
		fmt.Fprint(fs.Output(), usage)
		fs.PrintDefaults()
	}
	_ = fs.Parse(os.Args[1:])

	command, err := parseCommand(fs.Args())
	if err != nil {
		fs.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.AppEnv, cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "build logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if *databaseURL == "" {
		*databaseURL = cfg.DatabaseURL
	}
	if *databaseURL == "" {
		logger.Fatal("no database configured; pass -database or set DATABASE_URL")
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	db, err := pgstore.New(ctx, *databaseURL, 2)
	if err != nil {
		logger.Fatal("connect postgres", zap.Error(err))
	}
	defer func() { _ = db.Close() }()

	switch command {
	case "up":
		applied, err := db.Migrate(ctx, *appliedBy, logger)
		if err != nil {
			logger.Fatal("migrate up failed", zap.Int("applied", applied), zap.Error(err))
		}
		if applied == 0 {
			logger.Info("no new migrations to apply; database is up to date")
			return
		}
		logger.Info("migrations applied", zap.Int("count", applied))
	case "status":
		if err := printStatus(ctx, db, os.Stdout); err != nil {
			logger.Fatal("migrate status failed", zap.Error(err))
		}
	}
}

func parseCommand(args []string) (string, error) {
	if len(args) != 1 {
		return "", fmt.Errorf("expected exactly one command")
	}
	switch args[0] {
	case "up", "status":
		return args[0], nil
	default:
		return "", fmt.Errorf("unknown command %q", args[0])
	}
}

type migrationLister interface {
	AppliedMigrations(ctx context.Context) ([]pgstore.AppliedMigration, error)
	PendingMigrations(ctx context.Context) ([]pgstore.Migration, error)
}

func printStatus(ctx context.Context, db migrationLister, out io.Writer) error {
	applied, err := db.AppliedMigrations(ctx)
	if err != nil {
		return err
	}
	pending, err := db.PendingMigrations(ctx)
	if err != nil {
		return err
	}

	for _, am := range applied {
		fmt.Fprintf(out, "  [APPLIED] %04d_%s  %s by %s\n", am.Version, am.Name, am.AppliedAt.Format(time.RFC3339), am.AppliedBy)
	}
	for _, m := range pending {
		fmt.Fprintf(out, "  [PENDING] %04d_%s\n", m.Version, m.Name)
	}
	fmt.Fprintf(out, "%d applied, %d pending\n", len(applied), len(pending))
	return nil
}
