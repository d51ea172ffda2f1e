package main

import (
	"context"
	"database/sql"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"
)

// db is an in-memory DuckDB shared by every test in the package. Tests that need
// isolation create their own rows with fresh ids or open a SQLite file instead.
var db *sql.DB

func TestMain(m *testing.M) {
	if os.Getenv("UPTIMEGUARD_TEST_VERBOSE") == "" {
		slog.SetDefault(NewLogger(io.Discard, slog.LevelError, "text"))
	}

	setupCtx, setupCancel := context.WithTimeout(context.Background(), time.Minute)
	var dialect Dialect
	var err error
	db, dialect, err = OpenDatabase(setupCtx, "duckdb", "")
	if err != nil {
		slog.Error("failed to open duckdb", slog.String("error", err.Error()))
		setupCancel()
		os.Exit(1)
	}

	if err := Migrate(setupCtx, db, dialect); err != nil {
		slog.Error("failed to migrate duckdb", slog.String("error", err.Error()))
		setupCancel()
		os.Exit(1)
	}
	setupCancel()

	exitCode := m.Run()
	if err := db.Close(); err != nil {
		slog.Error("failed to close duckdb", slog.String("error", err.Error()))
	}

	os.Exit(exitCode)
}
