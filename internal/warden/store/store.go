// Package store provides SQL persistence for the gateway: agent records,
// the audit log, and the cluster node registry.
//
// Two drivers are supported. Single-node deployments use SQLite (the
// default); cluster deployments point DATABASE_URL at Postgres, which is also
// required for advisory-lock leader election. Queries are written with "?"
// placeholders and rebound for Postgres.
package store

import (
	"crypto/sha256"
	"database/sql"
	"embed"
	"encoding/hex"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // Postgres driver
	_ "modernc.org/sqlite"             // SQLite driver
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Dialect identifies the SQL flavor in use.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// Store wraps the database connection.
type Store struct {
	db      *sql.DB
	dialect Dialect
}

// Open connects to the database named by dsn and runs pending migrations.
// A dsn beginning with "postgres://" or "postgresql://" selects Postgres;
// anything else is treated as a SQLite path (":memory:" works for tests).
func Open(dsn string) (*Store, error) {
	var (
		db  *sql.DB
		err error
		d   Dialect
	)

	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		d = DialectPostgres
		db, err = sql.Open("pgx", dsn)
	} else {
		d = DialectSQLite
		db, err = sql.Open("sqlite", dsn)
	}
	if err != nil {
		return nil, fmt.Errorf("store: open database: %w", err)
	}

	if d == DialectSQLite {
		// SQLite allows one writer at a time. A single shared connection lets
		// database/sql serialize callers instead of surfacing SQLITE_BUSY
		// from competing connections.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)

		pragmas := []string{
			"PRAGMA foreign_keys = ON",
			"PRAGMA journal_mode = WAL",
			"PRAGMA synchronous = NORMAL",
			"PRAGMA busy_timeout = 5000",
		}
		for _, pragma := range pragmas {
			if _, err := db.Exec(pragma); err != nil {
				db.Close()
				return nil, fmt.Errorf("store: set pragma: %w", err)
			}
		}
	}

	s := &Store{db: db, dialect: d}
	if _, err := s.Migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying connection pool for custom queries.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Dialect returns the SQL flavor in use.
func (s *Store) Dialect() Dialect {
	return s.dialect
}

// rebind converts "?" placeholders to "$1, $2, …" for Postgres. SQLite
// queries pass through unchanged.
func (s *Store) rebind(query string) string {
	if s.dialect != DialectPostgres {
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

// Migrate applies pending migration files in lexical order and records each
// in _migrations with a checksum. It returns the number of migrations applied
// in this pass; running it twice over the same files applies zero the second
// time. A checksum mismatch on an already-applied file is an error.
func (s *Store) Migrate() (int, error) {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS _migrations (
			name TEXT PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at TIMESTAMP NOT NULL
		)
	`)
	if err != nil {
		return 0, fmt.Errorf("store: create migrations table: %w", err)
	}

	applied := make(map[string]string)
	rows, err := s.db.Query("SELECT name, checksum FROM _migrations")
	if err != nil {
		return 0, fmt.Errorf("store: read applied migrations: %w", err)
	}
	for rows.Next() {
		var name, checksum string
		if err := rows.Scan(&name, &checksum); err != nil {
			rows.Close()
			return 0, fmt.Errorf("store: scan migration row: %w", err)
		}
		applied[name] = checksum
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return 0, fmt.Errorf("store: read migrations directory: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	count := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		content, err := migrationsFS.ReadFile(filepath.Join("migrations", entry.Name()))
		if err != nil {
			return count, fmt.Errorf("store: read migration %s: %w", entry.Name(), err)
		}
		sum := sha256.Sum256(content)
		checksum := hex.EncodeToString(sum[:])

		if prev, ok := applied[entry.Name()]; ok {
			if prev != checksum {
				return count, fmt.Errorf("store: migration %s changed after being applied (checksum %s != %s)",
					entry.Name(), checksum, prev)
			}
			continue
		}

		tx, err := s.db.Begin()
		if err != nil {
			return count, fmt.Errorf("store: begin migration %s: %w", entry.Name(), err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return count, fmt.Errorf("store: execute migration %s: %w", entry.Name(), err)
		}
		if _, err := tx.Exec(
			s.rebind("INSERT INTO _migrations (name, checksum, applied_at) VALUES (?, ?, ?)"),
			entry.Name(), checksum, time.Now().UTC(),
		); err != nil {
			tx.Rollback()
			return count, fmt.Errorf("store: record migration %s: %w", entry.Name(), err)
		}
		if err := tx.Commit(); err != nil {
			return count, fmt.Errorf("store: commit migration %s: %w", entry.Name(), err)
		}

		slog.Info("applied migration", "name", entry.Name())
		count++
	}

	return count, nil
}
