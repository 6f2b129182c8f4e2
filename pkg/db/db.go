package db

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"  // PostgreSQL driver
	_ "modernc.org/sqlite" // SQLite driver
)

// Supported drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Database wraps the SQL handle for easier swapping/testing.
type Database struct {
	DB     *sql.DB
	Driver string
}

// New opens (and creates if needed) the SQLite database at path.
func New(path string) (*Database, error) {
	return Open(DriverSQLite, path)
}

// Open connects to the database identified by driver and dsn. For SQLite the dsn is a
// file path (or ":memory:"); for PostgreSQL it is a libpq connection string.
func Open(driver, dsn string) (*Database, error) {
	if dsn == "" {
		return nil, errors.New("database dsn is empty")
	}

	switch driver {
	case "", DriverSQLite:
		if dsn != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
				return nil, fmt.Errorf("create db directory: %w", err)
			}
		}
		db, err := sql.Open("sqlite", dsn)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		db.SetMaxOpenConns(1) // SQLite prefers single writer.
		db.SetConnMaxLifetime(0)
		return &Database{DB: db, Driver: DriverSQLite}, nil
	case DriverPostgres:
		db, err := sql.Open("postgres", dsn)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		db.SetMaxOpenConns(8)
		db.SetConnMaxLifetime(time.Hour)
		return &Database{DB: db, Driver: DriverPostgres}, nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
}

// Wrap adopts an existing handle (used with sqlmock in tests).
func Wrap(db *sql.DB, driver string) *Database {
	if driver == "" {
		driver = DriverSQLite
	}
	return &Database{DB: db, Driver: driver}
}

// Rebind rewrites '?' placeholders into the driver's native form.
func (d *Database) Rebind(query string) string {
	if d == nil || d.Driver != DriverPostgres {
		return query
	}
	return Rebind(query)
}

// Rebind converts '?' placeholders to PostgreSQL's $1, $2, ...
func Rebind(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// Close releases the underlying DB handle.
func (d *Database) Close() error {
	if d == nil || d.DB == nil {
		return nil
	}
	return d.DB.Close()
}
