package db

import (
	"database/sql"
	"fmt"
	"strings"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
    id TEXT PRIMARY KEY,
    status TEXT NOT NULL,
    detail TEXT,
    started_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS positions (
    id TEXT PRIMARY KEY,
    session_id TEXT NOT NULL,
    coin TEXT NOT NULL,
    state TEXT NOT NULL,
    upbit_qty DOUBLE PRECISION DEFAULT 0,
    upbit_entry_price DOUBLE PRECISION DEFAULT 0,
    upbit_order_id TEXT DEFAULT '',
    upbit_client_order_id TEXT DEFAULT '',
    bybit_qty DOUBLE PRECISION DEFAULT 0,
    bybit_entry_price DOUBLE PRECISION DEFAULT 0,
    bybit_order_id TEXT DEFAULT '',
    bybit_client_order_id TEXT DEFAULT '',
    entry_spread_pct DOUBLE PRECISION DEFAULT 0,
    entry_signal DOUBLE PRECISION DEFAULT 0,
    entry_fx_rate DOUBLE PRECISION DEFAULT 0,
    opened_at TIMESTAMP NOT NULL,
    closed_at TIMESTAMP NULL,
    realized_pnl DOUBLE PRECISION DEFAULT 0,
    exit_upbit_order_id TEXT DEFAULT '',
    exit_upbit_client_order_id TEXT DEFAULT '',
    exit_bybit_order_id TEXT DEFAULT '',
    exit_bybit_client_order_id TEXT DEFAULT '',
    in_flight BOOLEAN DEFAULT FALSE,
    succeeded_leg TEXT DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_positions_session_state ON positions(session_id, state);

CREATE TABLE IF NOT EXISTS trades (
    id TEXT PRIMARY KEY,
    session_id TEXT NOT NULL,
    position_id TEXT NOT NULL,
    coin TEXT NOT NULL,
    size DOUBLE PRECISION NOT NULL,
    upbit_pnl DOUBLE PRECISION NOT NULL,
    bybit_pnl DOUBLE PRECISION NOT NULL,
    total_fees DOUBLE PRECISION NOT NULL,
    net_pnl DOUBLE PRECISION NOT NULL,
    is_liquidated BOOLEAN DEFAULT FALSE,
    entry_time TIMESTAMP NOT NULL,
    exit_time TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS alerts (
    id TEXT PRIMARY KEY,
    session_id TEXT NOT NULL,
    severity TEXT NOT NULL,
    topic TEXT NOT NULL,
    message TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS minute_bars (
    coin TEXT NOT NULL,
    bucket TIMESTAMP NOT NULL,
    upbit_close DOUBLE PRECISION NOT NULL,
    bybit_close DOUBLE PRECISION NOT NULL,
    spread_pct DOUBLE PRECISION NOT NULL,
    fx_rate DOUBLE PRECISION NOT NULL,
    PRIMARY KEY (coin, bucket)
);

CREATE TABLE IF NOT EXISTS funding_rates (
    coin TEXT PRIMARY KEY,
    rate DOUBLE PRECISION NOT NULL,
    next_funding_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS balance_snapshots (
    id TEXT PRIMARY KEY,
    session_id TEXT NOT NULL,
    krw_available DOUBLE PRECISION NOT NULL,
    usdt_available DOUBLE PRECISION NOT NULL,
    krw_reserved DOUBLE PRECISION NOT NULL,
    usdt_reserved DOUBLE PRECISION NOT NULL,
    taken_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS heartbeats (
    session_id TEXT PRIMARY KEY,
    beat_at TIMESTAMP NOT NULL
);
`

// ApplyMigrations bootstraps the schema; keep lightweight for fast startup.
func ApplyMigrations(d *Database) error {
	if d == nil || d.DB == nil {
		return fmt.Errorf("database is not initialized")
	}
	if d.Driver == DriverSQLite {
		if _, err := d.DB.Exec("PRAGMA journal_mode=WAL;"); err != nil {
			return fmt.Errorf("set journal mode: %w", err)
		}
	}
	for _, stmt := range strings.Split(schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := d.DB.Exec(stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}

	if err := ensureColumn(d, "positions", "emergency_attempts", "INTEGER DEFAULT 0"); err != nil {
		return err
	}
	return nil
}

// ensureColumn adds a column if it does not already exist.
func ensureColumn(d *Database, table, column, definition string) error {
	if d.Driver == DriverPostgres {
		alter := fmt.Sprintf("ALTER TABLE %s ADD COLUMN IF NOT EXISTS %s %s", table, column, definition)
		if _, err := d.DB.Exec(alter); err != nil {
			return fmt.Errorf("alter table %s add column %s: %w", table, column, err)
		}
		return nil
	}

	exists, err := columnExists(d.DB, table, column)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	alter := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, definition)
	if _, err := d.DB.Exec(alter); err != nil {
		return fmt.Errorf("alter table %s add column %s: %w", table, column, err)
	}
	return nil
}

func columnExists(db *sql.DB, table, column string) (bool, error) {
	rows, err := db.Query("PRAGMA table_info(" + table + ")")
	if err != nil {
		return false, fmt.Errorf("pragma table_info(%s): %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid        int
			name       string
			colType    string
			notNull    int
			defaultVal sql.NullString
			pk         int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &defaultVal, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}
