package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	crdbmigrations "github.com/robertarktes/parchi/internal/adapters/crdb/migrations"
	"github.com/robertarktes/parchi/internal/adapters/sqlite"
	"github.com/robertarktes/parchi/internal/config"
	"github.com/spf13/pflag"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "migrate: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	flags := pflag.NewFlagSet("migrate", pflag.ContinueOnError)
	backend := flags.String("backend", config.BackendCRDB, "store backend to migrate (crdb or sqlite)")
	dsn := flags.String("dsn", os.Getenv("CRDB_DSN"), "CockroachDB connection string")
	path := flags.String("sqlite-path", os.Getenv("SQLITE_PATH"), "SQLite database file")
	if err := flags.Parse(args); err != nil {
		return err
	}

	ctx := context.Background()
	switch *backend {
	case config.BackendCRDB:
		if *dsn == "" {
			return errors.New("--dsn or CRDB_DSN is required")
		}
		pool, err := pgxpool.New(ctx, *dsn)
		if err != nil {
			return fmt.Errorf("connect to crdb: %w", err)
		}
		defer pool.Close()
		if err := crdbmigrations.Apply(ctx, pool); err != nil {
			return err
		}
	case config.BackendSQLite:
		if *path == "" {
			return errors.New("--sqlite-path or SQLITE_PATH is required")
		}
		// Open applies the embedded migrations.
		store, err := sqlite.Open(*path)
		if err != nil {
			return err
		}
		if err := store.Close(); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unsupported backend %q", *backend)
	}

	fmt.Printf("migrations applied (%s)\n", *backend)
	return nil
}
