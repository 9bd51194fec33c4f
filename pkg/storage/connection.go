// Package storage is the durable Job Store and Result Store: a thin
// hand-written repository layer over database/sql, backed by either
// SQLite (the default, zero-config store) or PostgreSQL.
package storage

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" driver
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/ptrsweep/ptrsweep/pkg/log"
)

//go:embed migrations/sqlite/*.sql
var sqliteMigrations embed.FS

//go:embed migrations/postgres/*.sql
var postgresMigrations embed.FS

// dialect identifies which driver and migration set a connection URL picks.
type dialect struct {
	driver        string
	goose         string
	migrationsFS  embed.FS
	migrationsDir string
}

var (
	sqliteDialect = dialect{driver: "sqlite", goose: "sqlite3", migrationsFS: sqliteMigrations, migrationsDir: "migrations/sqlite"}
	pgDialect     = dialect{driver: "pgx", goose: "postgres", migrationsFS: postgresMigrations, migrationsDir: "migrations/postgres"}
)

// parseURL splits a scheme://... connection string into a dialect and a
// database/sql DSN. Supported schemes: "sqlite" and "postgres"/"postgresql".
func parseURL(rawURL string) (dialect, string, error) {
	switch {
	case strings.HasPrefix(rawURL, "sqlite://"):
		path := strings.TrimPrefix(rawURL, "sqlite://")
		// "sqlite:///foo.db" -> relative "foo.db"; "sqlite:////foo.db" -> absolute "/foo.db".
		path = strings.TrimPrefix(path, "/")
		dsn := fmt.Sprintf("%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(on)", path)
		return sqliteDialect, dsn, nil
	case strings.HasPrefix(rawURL, "postgres://"), strings.HasPrefix(rawURL, "postgresql://"):
		return pgDialect, rawURL, nil
	default:
		return dialect{}, "", fmt.Errorf("unsupported connection URL scheme: %q", rawURL)
	}
}

// Open opens a database/sql connection for connURL, runs embedded
// migrations, and returns the ready-to-use *sql.DB along with the resolved
// goose dialect name (useful to callers that need dialect-specific SQL,
// such as the upsert in ResultStore).
func Open(ctx context.Context, connURL string) (*sql.DB, string, error) {
	d, dsn, err := parseURL(connURL)
	if err != nil {
		return nil, "", err
	}

	db, err := sql.Open(d.driver, dsn)
	if err != nil {
		return nil, "", fmt.Errorf("open %s: %w", d.driver, err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(1 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, "", fmt.Errorf("ping %s: %w", d.driver, err)
	}

	if err := migrate(db, d); err != nil {
		db.Close()
		return nil, "", fmt.Errorf("migrate %s: %w", d.driver, err)
	}

	log.WithComponent("storage").Info().Str("driver", d.driver).Msg("database ready")
	return db, d.goose, nil
}

// rebind rewrites a query written with "?" placeholders into the target
// dialect's native placeholder style. SQLite and MySQL accept "?" as-is;
// PostgreSQL requires positional "$1", "$2", ...
func rebind(goosDialect, query string) string {
	if goosDialect != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func migrate(db *sql.DB, d dialect) error {
	if err := goose.SetDialect(d.goose); err != nil {
		return fmt.Errorf("set goose dialect: %w", err)
	}
	goose.SetBaseFS(d.migrationsFS)
	defer goose.SetBaseFS(nil)
	if err := goose.Up(db, d.migrationsDir); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}
