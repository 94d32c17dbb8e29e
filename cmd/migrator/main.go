// Command migrator applies the SQL migrations for the PostgreSQL storage
// backend. It is a thin wrapper around golang-migrate, so the same migration
// files work with the migrate CLI as well.
package main

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
)

func main() {
	var (
		dsn             string
		migrationsPath  string
		migrationsTable string
		down            bool
	)

	flag.StringVar(&dsn, "dsn", "", "PostgreSQL connection string (or OAUTH_STORAGE_DSN)")
	flag.StringVar(&migrationsPath, "migrations-path", "./migrations", "path to the migration files")
	flag.StringVar(&migrationsTable, "migrations-table", "schema_migrations", "name of the migrations table")
	flag.BoolVar(&down, "down", false, "roll back all migrations instead of applying them")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	if dsn == "" {
		dsn = os.Getenv("OAUTH_STORAGE_DSN")
	}
	if dsn == "" {
		logger.Error("a connection string is required (-dsn or OAUTH_STORAGE_DSN)")
		os.Exit(1)
	}

	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}

	m, err := migrate.New(
		"file://"+migrationsPath,
		fmt.Sprintf("%s%sx-migrations-table=%s", dsn, sep, migrationsTable),
	)
	if err != nil {
		logger.Error("failed to initialize migrations", "error", err)
		os.Exit(1)
	}
	defer m.Close()

	if down {
		err = m.Down()
	} else {
		err = m.Up()
	}

	if err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			logger.Info("schema already up to date")
			return
		}
		logger.Error("migration failed", "error", err)
		os.Exit(1)
	}

	logger.Info("migrations applied successfully", "path", migrationsPath)
}
