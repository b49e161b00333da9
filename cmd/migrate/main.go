// cmd/migrate applies the *.sql files in migrations/ against the audit
// sink database. The DSN comes from the same configuration meshd reads
// (audit.database_url in mesh.yaml, or AGENTMESH_AUDIT_DATABASE_URL), so
// the daemon and the migrator cannot drift apart. Progress is tracked in
// a schema_migrations table using the golang-migrate layout (bigint
// version + dirty flag); either tool can pick up where the other left off.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/internal/config"
)

func main() {
	dir := flag.String("dir", "migrations", "directory holding *.sql migration files")
	dsn := flag.String("database", "", "Postgres DSN (overrides audit.database_url)")
	flag.Parse()

	if err := run(*dir, *dsn); err != nil {
		fmt.Fprintf(os.Stderr, "migrate: %v\n", err)
		os.Exit(1)
	}
}

func run(dir, dsn string) error {
	if dsn == "" {
		cfg, err := config.Load(zap.NewNop())
		if err != nil {
			return err
		}
		dsn = cfg.Audit.DatabaseURL
	}
	if dsn == "" {
		return fmt.Errorf("no database configured: set audit.database_url or pass -database")
	}

	ctx := context.Background()
	db, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer db.Close()
	if err := db.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}

	if err := ensureVersionTable(ctx, db); err != nil {
		return err
	}
	files, err := migrationFiles(dir)
	if err != nil {
		return err
	}

	applied := 0
	for _, f := range files {
		done, err := apply(ctx, db, dir, f)
		if err != nil {
			return err
		}
		if done {
			fmt.Printf("  apply %s\n", f)
			applied++
		} else {
			fmt.Printf("  skip  %s\n", f)
		}
	}
	if applied == 0 {
		fmt.Println("already up to date")
	} else {
		fmt.Printf("applied %d migration(s)\n", applied)
	}
	return nil
}

func ensureVersionTable(ctx context.Context, db *pgxpool.Pool) error {
	_, err := db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version bigint  NOT NULL,
			dirty   boolean NOT NULL,
			PRIMARY KEY (version)
		)`)
	if err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}
	return nil
}

// migrationFiles lists the *.sql files in dir sorted by name; the numeric
// prefix convention makes name order version order.
func migrationFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", dir, err)
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)
	return files, nil
}

// apply runs one migration unless a clean record for its version already
// exists. The version row is flagged dirty before the SQL executes so an
// interrupted run is visible and blocks the next attempt.
func apply(ctx context.Context, db *pgxpool.Pool, dir, name string) (bool, error) {
	ver, err := version(name)
	if err != nil {
		return false, fmt.Errorf("parse version from %s: %w", name, err)
	}

	var clean bool
	if err := db.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = $1 AND dirty = false)`,
		ver,
	).Scan(&clean); err != nil {
		return false, fmt.Errorf("check %s: %w", name, err)
	}
	if clean {
		return false, nil
	}

	sql, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		return false, fmt.Errorf("read %s: %w", name, err)
	}

	if _, err := db.Exec(ctx,
		`INSERT INTO schema_migrations (version, dirty) VALUES ($1, true)
		 ON CONFLICT (version) DO UPDATE SET dirty = true`, ver,
	); err != nil {
		return false, fmt.Errorf("mark dirty %s: %w", name, err)
	}
	if _, err := db.Exec(ctx, string(sql)); err != nil {
		return false, fmt.Errorf("apply %s: %w", name, err)
	}
	if _, err := db.Exec(ctx,
		`UPDATE schema_migrations SET dirty = false WHERE version = $1`, ver,
	); err != nil {
		return false, fmt.Errorf("mark clean %s: %w", name, err)
	}
	return true, nil
}

// version extracts the leading integer: "001_audit_log.up.sql" → 1.
func version(name string) (int64, error) {
	prefix, _, _ := strings.Cut(name, "_")
	return strconv.ParseInt(prefix, 10, 64)
}
