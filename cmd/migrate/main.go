// Command migrate runs database migrations via goose.
//
// Usage:
//
//	go run ./cmd/migrate up          # Apply all pending migrations
//	go run ./cmd/migrate down        # Roll back the last migration
//	go run ./cmd/migrate status      # Show migration status
//	go run ./cmd/migrate version     # Show current schema version
//	go run ./cmd/migrate redo        # Roll back and re-apply last migration
//
// DATABASE_URL is read from the environment or a .env file; --database-url
// overrides it.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"
	"github.com/spf13/pflag"

	"github.com/mbd888/assured/internal/logging"
)

func main() {
	_ = godotenv.Load()

	flags := pflag.NewFlagSet("migrate", pflag.ExitOnError)
	dir := flags.String("dir", "migrations", "directory holding goose SQL migrations")
	dbURL := flags.String("database-url", os.Getenv("DATABASE_URL"), "PostgreSQL connection string")
	flags.Usage = func() {
		fmt.Fprintln(os.Stderr, "Usage: migrate [flags] <command> [args]")
		fmt.Fprintln(os.Stderr, "Commands: up, down, status, version, redo, up-to <version>, down-to <version>")
		flags.PrintDefaults()
	}
	_ = flags.Parse(os.Args[1:])

	logger := logging.New("info", "text")

	if flags.NArg() < 1 {
		flags.Usage()
		os.Exit(1)
	}
	if *dbURL == "" {
		logger.Error("DATABASE_URL environment variable or --database-url is required")
		os.Exit(1)
	}

	db, err := sql.Open("postgres", *dbURL)
	if err != nil {
		logger.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	if err := db.Ping(); err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}

	command := flags.Arg(0)
	if err := goose.RunContext(context.Background(), command, db, *dir, flags.Args()[1:]...); err != nil {
		logger.Error("migration failed", "command", command, "error", err)
		os.Exit(1)
	}
}
