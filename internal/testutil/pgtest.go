// Package testutil provides shared test infrastructure for store tests.
package testutil

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

const pgImage = "postgres:16-alpine"

// PGTest opens a test database, applies the goose migrations from the
// project-level migrations/ directory and returns the *sql.DB plus a cleanup
// function.
//
//	db, cleanup := testutil.PGTest(t)
//	defer cleanup()
//
// POSTGRES_URL selects an existing database. Otherwise, when
// TESTCONTAINERS=1, a throwaway container is started. With neither the test
// is skipped.
func PGTest(t *testing.T) (*sql.DB, func()) {
	t.Helper()
	ctx := context.Background()

	dbURL := os.Getenv("POSTGRES_URL")
	stopContainer := func() {}
	if dbURL == "" {
		if os.Getenv("TESTCONTAINERS") != "1" {
			t.Skip("POSTGRES_URL not set and TESTCONTAINERS != 1, skipping integration test")
		}
		dbURL, stopContainer = startContainer(t, ctx)
	}

	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		stopContainer()
		t.Fatalf("pgtest: open database: %v", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		stopContainer()
		t.Fatalf("pgtest: connect to database: %v", err)
	}

	if err := goose.SetDialect("postgres"); err != nil {
		t.Fatalf("pgtest: goose dialect: %v", err)
	}
	goose.SetLogger(goose.NopLogger())
	if err := goose.UpContext(ctx, db, findMigrationsDir(t)); err != nil {
		_ = db.Close()
		stopContainer()
		t.Fatalf("pgtest: run migrations: %v", err)
	}

	cleanup := func() {
		truncateAll(ctx, db)
		_ = db.Close()
		stopContainer()
	}
	return db, cleanup
}

func startContainer(t *testing.T, ctx context.Context) (string, func()) {
	t.Helper()

	ctr, err := postgres.Run(ctx, pgImage,
		postgres.WithDatabase("fraudwatch_test"),
		postgres.WithUsername("fraudwatch"),
		postgres.WithPassword("fraudwatch"),
		postgres.BasicWaitStrategies(),
	)
	if err != nil {
		t.Fatalf("pgtest: start postgres container: %v", err)
	}
	stop := func() {
		_ = testcontainers.TerminateContainer(ctr)
	}

	connCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	url, err := ctr.ConnectionString(connCtx, "sslmode=disable")
	if err != nil {
		stop()
		t.Fatalf("pgtest: container connection string: %v", err)
	}
	return url, stop
}

// findMigrationsDir walks up from the test working directory to the
// project-level migrations/ directory.
func findMigrationsDir(t *testing.T) string {
	t.Helper()

	dir, err := os.Getwd()
	if err != nil {
		t.Fatalf("pgtest: getwd: %v", err)
	}
	for {
		candidate := filepath.Join(dir, "migrations")
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			t.Fatalf("pgtest: could not find migrations/ directory walking up from cwd")
		}
		dir = parent
	}
}

// truncateAll empties every application table, leaving goose's version
// table alone.
func truncateAll(ctx context.Context, db *sql.DB) {
	rows, err := db.QueryContext(ctx, `
		SELECT tablename FROM pg_tables
		WHERE schemaname = 'public'
		  AND tablename <> 'goose_db_version'
	`)
	if err != nil {
		return
	}
	defer func() { _ = rows.Close() }()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err == nil {
			tables = append(tables, name)
		}
	}

	if len(tables) > 0 {
		stmt := "TRUNCATE " + strings.Join(tables, ", ") + " CASCADE" // #nosec G202 -- table names from pg_tables
		_, _ = db.ExecContext(ctx, stmt)
	}
}
