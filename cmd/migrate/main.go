package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"

	"go.uber.org/zap"

	"github.com/rl1809/allocation-service/internal/adapter/storage"
	"github.com/rl1809/allocation-service/internal/config"
	"github.com/rl1809/allocation-service/internal/logger"
)

func main() {
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	flag.Usage = printUsage
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}
	command := args[0]

	log, err := logger.New(logger.Config{Level: *logLevel, Format: "console", Output: "stdout"})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("failed to load configuration", zap.Error(err))
	}

	ctx := context.Background()
	dsn := storage.DataSourceName(cfg.Database.Driver, cfg.Database.DSN)
	db, err := storage.OpenDB(ctx, cfg.Database.Driver, dsn, storage.DBOptions{
		MaxOpenConns:    2,
		MaxIdleConns:    1,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	})
	if err != nil {
		log.Fatal("failed to connect to database", zap.Error(err))
	}

	// the migrator owns db from here on
	m, err := storage.NewMigrator(db, cfg.Database.Driver, log)
	if err != nil {
		db.Close()
		log.Fatal("failed to create migrator", zap.Error(err))
	}

	log.Info("migration started", zap.String("command", command), zap.String("driver", cfg.Database.Driver))

	switch command {
	case "up":
		err = m.Up()

	case "down":
		err = m.Down()

	case "steps":
		if len(args) < 2 {
			err = fmt.Errorf("step count required, usage: migrate steps <n>")
			break
		}
		n, convErr := strconv.Atoi(args[1])
		if convErr != nil {
			err = fmt.Errorf("invalid step count %q", args[1])
			break
		}
		err = m.Steps(n)

	case "version":
		version, dirty, verr := m.Version()
		if verr != nil {
			err = verr
			break
		}
		if version == 0 {
			log.Info("no migrations applied")
		} else {
			log.Info("current migration version", zap.Uint("version", version), zap.Bool("dirty", dirty))
		}

	default:
		printUsage()
		err = fmt.Errorf("unknown command %q", command)
	}

	if cerr := m.Close(); cerr != nil {
		log.Warn("close migrator", zap.Error(cerr))
	}
	if err != nil {
		log.Error("migration failed", zap.String("command", command), zap.Error(err))
		log.Sync()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage: migrate [flags] <command> [args]

Commands:
  up           apply all pending migrations
  down         roll back every migration
  steps <n>    apply n migrations, negative n rolls back
  version      print the current schema version

Flags:
  -log-level   debug, info, warn or error (default info)

Database settings come from config.toml or ALLOCATION_DATABASE_* variables.
`)
}
