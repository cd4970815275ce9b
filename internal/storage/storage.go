// Package storage persists deployments and their history snapshots in a
// relational database.
//
// Two dialects share one implementation: SQLite (modernc.org/sqlite, the
// default, also used by tests) and PostgreSQL (pgx stdlib driver). Schema
// changes are goose migrations embedded per dialect and applied on open.
// Queries are written with '?' placeholders and rebound for PostgreSQL.
package storage

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"evalgo.org/graphdeploy/internal/config"
)

//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var migrations embed.FS

// Dialect selects the SQL flavor of a database.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// Storage owns the database handle and hands out repositories bound to it.
type Storage struct {
	db      *sql.DB
	dialect Dialect
}

// New opens the database described by the application configuration and
// applies pending migrations.
func New(cfg *config.Config) (*Storage, error) {
	s, err := Open(Dialect(cfg.Database.Driver), cfg.Database.URL)
	if err != nil {
		return nil, err
	}
	if s.dialect == DialectPostgres {
		s.db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
		s.db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
		s.db.SetConnMaxLifetime(30 * time.Minute)
	}
	return s, nil
}

// Open opens a database of the given dialect and runs all pending
// migrations. Use ":memory:" with DialectSQLite for a throwaway database.
func Open(dialect Dialect, dsn string) (*Storage, error) {
	var (
		driver      string
		gooseDriver goose.Dialect
	)
	switch dialect {
	case DialectSQLite:
		driver, gooseDriver = "sqlite", goose.DialectSQLite3
	case DialectPostgres:
		driver, gooseDriver = "pgx", goose.DialectPostgres
	default:
		return nil, fmt.Errorf("unsupported database driver %q", dialect)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", dialect, err)
	}

	if dialect == DialectSQLite {
		// One connection keeps in-memory databases and per-connection pragmas coherent.
		db.SetMaxOpenConns(1)
		for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA foreign_keys=ON", "PRAGMA busy_timeout=5000"} {
			if _, err := db.Exec(pragma); err != nil {
				db.Close()
				return nil, fmt.Errorf("%s: %w", pragma, err)
			}
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", dialect, err)
	}

	dir, err := fs.Sub(migrations, "migrations/"+string(dialect))
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("load migrations: %w", err)
	}
	provider, err := goose.NewProvider(gooseDriver, db, dir)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create migration provider: %w", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &Storage{db: db, dialect: dialect}, nil
}

// Deployments returns the deployment repository.
func (s *Storage) Deployments() *DeploymentRepo {
	return &DeploymentRepo{db: s.db, dialect: s.dialect}
}

// History returns the deployment history repository.
func (s *Storage) History() *HistoryRepo {
	return &HistoryRepo{db: s.db, dialect: s.dialect}
}

// Ping verifies the database connection.
func (s *Storage) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Dialect reports the SQL flavor in use.
func (s *Storage) Dialect() Dialect {
	return s.dialect
}

// Close closes the database.
func (s *Storage) Close() error {
	return s.db.Close()
}

// rebind rewrites '?' placeholders to '$n' for PostgreSQL.
func rebind(dialect Dialect, query string) string {
	if dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func isUniqueViolation(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "duplicate key value violates unique constraint")
}

func toNanos(t time.Time) int64 {
	return t.UTC().UnixNano()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func nullNanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toNanos(*t), Valid: true}
}

func timePtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNanos(n.Int64)
	return &t
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
