package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"arb-core/pkg/db"
)

var (
	ErrPositionNotFound   = errors.New("position not found")
	ErrInvalidTransition  = errors.New("invalid state transition")
	ErrTransitionConflict = errors.New("position already transitioned")
)

// TransitionResult is the outcome of an optimistic-lock update. When Applied is
// false another writer moved the row first and Current holds its state.
type TransitionResult struct {
	Applied bool
	Current State
}

// ConflictError is returned by Apply when a transition lost the race to a
// different target state.
type ConflictError struct {
	ID       string
	Expected State
	Target   State
	Current  State
}

func (e *ConflictError) Error() string {
	if e.Target == "" {
		return fmt.Sprintf("position %s: delete expected %s, found %s", e.ID, e.Expected, e.Current)
	}
	return fmt.Sprintf("position %s: expected %s -> %s, found %s", e.ID, e.Expected, e.Target, e.Current)
}

func (e *ConflictError) Unwrap() error { return ErrTransitionConflict }

// Store is the SQL-backed position store.
type Store struct {
	db *db.Database
}

func NewStore(database *db.Database) *Store {
	return &Store{db: database}
}

func (s *Store) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.DB.ExecContext(ctx, s.db.Rebind(query), args...)
}

const positionColumns = `id, session_id, coin, state,
	upbit_qty, upbit_entry_price, upbit_order_id, upbit_client_order_id,
	bybit_qty, bybit_entry_price, bybit_order_id, bybit_client_order_id,
	entry_spread_pct, entry_signal, entry_fx_rate, opened_at, closed_at, realized_pnl,
	exit_upbit_order_id, exit_upbit_client_order_id, exit_bybit_order_id, exit_bybit_client_order_id,
	in_flight, succeeded_leg, emergency_attempts`

// InsertPosition writes a new position row.
func (s *Store) InsertPosition(ctx context.Context, p PositionRecord) error {
	if p.State == "" {
		p.State = StateOpening
	}
	_, err := s.exec(ctx, `INSERT INTO positions (`+positionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.SessionID, p.Coin, string(p.State),
		p.UpbitQty, p.UpbitEntryPrice, p.UpbitOrderID, p.UpbitClientOrderID,
		p.BybitQty, p.BybitEntryPrice, p.BybitOrderID, p.BybitClientOrderID,
		p.EntrySpreadPct, p.EntrySignal, p.EntryFXRate, p.OpenedAt.UTC(), nullTime(p.ClosedAt), p.RealizedPnL,
		p.ExitUpbitOrderID, p.ExitUpbitClientOrderID, p.ExitBybitOrderID, p.ExitBybitClientOrderID,
		p.InFlight, string(p.SucceededLeg), p.EmergencyAttempts,
	)
	if err != nil {
		return fmt.Errorf("insert position %s: %w", p.ID, err)
	}
	return nil
}

// UpdateState moves a row from one state to another with a single conditional
// UPDATE. Zero affected rows means the row is no longer in from; the current state
// is read back and returned with Applied=false.
func (s *Store) UpdateState(ctx context.Context, id string, from, to State, f TransitionFields) (TransitionResult, error) {
	if !CanTransition(from, to) {
		return TransitionResult{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}

	sets := []string{"state = ?"}
	args := []any{string(to)}
	add := func(col string, v any) {
		sets = append(sets, col+" = ?")
		args = append(args, v)
	}
	if f.UpbitQty != nil {
		add("upbit_qty", *f.UpbitQty)
	}
	if f.UpbitEntryPrice != nil {
		add("upbit_entry_price", *f.UpbitEntryPrice)
	}
	if f.UpbitOrderID != nil {
		add("upbit_order_id", *f.UpbitOrderID)
	}
	if f.BybitQty != nil {
		add("bybit_qty", *f.BybitQty)
	}
	if f.BybitEntryPrice != nil {
		add("bybit_entry_price", *f.BybitEntryPrice)
	}
	if f.BybitOrderID != nil {
		add("bybit_order_id", *f.BybitOrderID)
	}
	if f.ExitUpbitOrderID != nil {
		add("exit_upbit_order_id", *f.ExitUpbitOrderID)
	}
	if f.ExitUpbitClientOrderID != nil {
		add("exit_upbit_client_order_id", *f.ExitUpbitClientOrderID)
	}
	if f.ExitBybitOrderID != nil {
		add("exit_bybit_order_id", *f.ExitBybitOrderID)
	}
	if f.ExitBybitClientOrderID != nil {
		add("exit_bybit_client_order_id", *f.ExitBybitClientOrderID)
	}
	if f.RealizedPnL != nil {
		add("realized_pnl", *f.RealizedPnL)
	}
	if f.ClosedAt != nil {
		add("closed_at", f.ClosedAt.UTC())
	}
	if f.InFlight != nil {
		add("in_flight", *f.InFlight)
	}
	if f.SucceededLeg != nil {
		add("succeeded_leg", string(*f.SucceededLeg))
	}
	args = append(args, id, string(from))

	res, err := s.exec(ctx, "UPDATE positions SET "+strings.Join(sets, ", ")+" WHERE id = ? AND state = ?", args...)
	if err != nil {
		return TransitionResult{}, fmt.Errorf("update position %s state: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return TransitionResult{}, fmt.Errorf("update position %s rows affected: %w", id, err)
	}
	if n > 0 {
		return TransitionResult{Applied: true, Current: to}, nil
	}

	current, err := s.currentState(ctx, id)
	if err != nil {
		return TransitionResult{}, err
	}
	return TransitionResult{Applied: false, Current: current}, nil
}

func (s *Store) currentState(ctx context.Context, id string) (State, error) {
	var raw string
	err := s.db.DB.QueryRowContext(ctx, s.db.Rebind("SELECT state FROM positions WHERE id = ?"), id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: %s", ErrPositionNotFound, id)
	}
	if err != nil {
		return "", fmt.Errorf("read position %s state: %w", id, err)
	}
	return ParseState(raw)
}

// GetPosition loads one row.
func (s *Store) GetPosition(ctx context.Context, id string) (PositionRecord, error) {
	row := s.db.DB.QueryRowContext(ctx, s.db.Rebind("SELECT "+positionColumns+" FROM positions WHERE id = ?"), id)
	p, err := scanPosition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return PositionRecord{}, fmt.Errorf("%w: %s", ErrPositionNotFound, id)
	}
	return p, err
}

// ListOpenPositions returns every non-Closed row of a session, oldest first. This is
// the crash-recovery query.
func (s *Store) ListOpenPositions(ctx context.Context, sessionID string) ([]PositionRecord, error) {
	rows, err := s.db.DB.QueryContext(ctx, s.db.Rebind("SELECT "+positionColumns+
		" FROM positions WHERE session_id = ? AND state != ? ORDER BY opened_at, id"),
		sessionID, string(StateClosed))
	if err != nil {
		return nil, fmt.Errorf("list open positions: %w", err)
	}
	defer rows.Close()

	var out []PositionRecord
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPosition(sc scanner) (PositionRecord, error) {
	var (
		p        PositionRecord
		state    string
		leg      string
		closedAt sql.NullTime
	)
	err := sc.Scan(&p.ID, &p.SessionID, &p.Coin, &state,
		&p.UpbitQty, &p.UpbitEntryPrice, &p.UpbitOrderID, &p.UpbitClientOrderID,
		&p.BybitQty, &p.BybitEntryPrice, &p.BybitOrderID, &p.BybitClientOrderID,
		&p.EntrySpreadPct, &p.EntrySignal, &p.EntryFXRate, &p.OpenedAt, &closedAt, &p.RealizedPnL,
		&p.ExitUpbitOrderID, &p.ExitUpbitClientOrderID, &p.ExitBybitOrderID, &p.ExitBybitClientOrderID,
		&p.InFlight, &leg, &p.EmergencyAttempts,
	)
	if err != nil {
		return PositionRecord{}, err
	}
	st, err := ParseState(state)
	if err != nil {
		return PositionRecord{}, err
	}
	p.State = st
	p.SucceededLeg = Leg(leg)
	if closedAt.Valid {
		t := closedAt.Time
		p.ClosedAt = &t
	}
	return p, nil
}

// DeletePosition removes a row that never left Opening (entry cancelled before any
// fill). Rows in any other state are kept for audit. Deleting a missing row is a
// no-op so retries stay idempotent.
func (s *Store) DeletePosition(ctx context.Context, id string) error {
	res, err := s.exec(ctx, "DELETE FROM positions WHERE id = ? AND state = ?", id, string(StateOpening))
	if err != nil {
		return fmt.Errorf("delete position %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete position %s rows affected: %w", id, err)
	}
	if n == 0 {
		current, err := s.currentState(ctx, id)
		if errors.Is(err, ErrPositionNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return &ConflictError{ID: id, Expected: StateOpening, Current: current}
	}
	return nil
}

// IncrementEmergencyAttempts bumps the emergency-close counter and returns the new
// value.
func (s *Store) IncrementEmergencyAttempts(ctx context.Context, id string) (int, error) {
	res, err := s.exec(ctx, "UPDATE positions SET emergency_attempts = emergency_attempts + 1 WHERE id = ?", id)
	if err != nil {
		return 0, fmt.Errorf("increment emergency attempts %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return 0, fmt.Errorf("%w: %s", ErrPositionNotFound, id)
	}
	var attempts int
	if err := s.db.DB.QueryRowContext(ctx, s.db.Rebind("SELECT emergency_attempts FROM positions WHERE id = ?"), id).Scan(&attempts); err != nil {
		return 0, fmt.Errorf("read emergency attempts %s: %w", id, err)
	}
	return attempts, nil
}

func (s *Store) InsertTrade(ctx context.Context, t TradeRecord) error {
	_, err := s.exec(ctx, `INSERT INTO trades (id, session_id, position_id, coin, size,
		upbit_pnl, bybit_pnl, total_fees, net_pnl, is_liquidated, entry_time, exit_time)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.SessionID, t.PositionID, t.Coin, t.Size,
		t.UpbitPnL, t.BybitPnL, t.TotalFees, t.NetPnL, t.IsLiquidated, t.EntryTime.UTC(), t.ExitTime.UTC())
	if err != nil {
		return fmt.Errorf("insert trade %s: %w", t.ID, err)
	}
	return nil
}

func (s *Store) InsertAlert(ctx context.Context, a AlertRecord) error {
	_, err := s.exec(ctx, `INSERT INTO alerts (id, session_id, severity, topic, message, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		a.ID, a.SessionID, a.Severity, a.Topic, a.Message, a.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert alert %s: %w", a.ID, err)
	}
	return nil
}

func (s *Store) UpsertSessionStatus(ctx context.Context, st SessionStatus) error {
	_, err := s.exec(ctx, `INSERT INTO sessions (id, status, detail, started_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET status = excluded.status, detail = excluded.detail,
			updated_at = excluded.updated_at`,
		st.SessionID, st.Status, st.Detail, st.StartedAt.UTC(), st.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("upsert session %s: %w", st.SessionID, err)
	}
	return nil
}

func (s *Store) InsertMinuteBar(ctx context.Context, b MinuteBar) error {
	_, err := s.exec(ctx, `INSERT INTO minute_bars (coin, bucket, upbit_close, bybit_close, spread_pct, fx_rate)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (coin, bucket) DO NOTHING`,
		b.Coin, b.Bucket.UTC().Truncate(time.Minute), b.UpbitClose, b.BybitClose, b.SpreadPct, b.FXRate)
	if err != nil {
		return fmt.Errorf("insert minute bar %s: %w", b.Coin, err)
	}
	return nil
}

func (s *Store) UpsertFunding(ctx context.Context, f FundingRate) error {
	_, err := s.exec(ctx, `INSERT INTO funding_rates (coin, rate, next_funding_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (coin) DO UPDATE SET rate = excluded.rate,
			next_funding_at = excluded.next_funding_at, updated_at = excluded.updated_at`,
		f.Coin, f.Rate, f.NextFundingAt.UTC(), f.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("upsert funding %s: %w", f.Coin, err)
	}
	return nil
}

func (s *Store) InsertBalanceSnapshot(ctx context.Context, b BalanceSnapshot) error {
	_, err := s.exec(ctx, `INSERT INTO balance_snapshots (id, session_id, krw_available, usdt_available,
		krw_reserved, usdt_reserved, taken_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		b.ID, b.SessionID, b.KRWAvailable, b.USDTAvailable, b.KRWReserved, b.USDTReserved, b.TakenAt.UTC())
	if err != nil {
		return fmt.Errorf("insert balance snapshot: %w", err)
	}
	return nil
}

func (s *Store) Heartbeat(ctx context.Context, h Heartbeat) error {
	_, err := s.exec(ctx, `INSERT INTO heartbeats (session_id, beat_at) VALUES (?, ?)
		ON CONFLICT (session_id) DO UPDATE SET beat_at = excluded.beat_at`,
		h.SessionID, h.At.UTC())
	if err != nil {
		return fmt.Errorf("heartbeat %s: %w", h.SessionID, err)
	}
	return nil
}

// Apply executes one queued request. A transition that finds the row already in its
// target state counts as applied; any other lost race returns a *ConflictError.
func (s *Store) Apply(ctx context.Context, req Request) error {
	switch r := req.(type) {
	case PositionInsert:
		return s.InsertPosition(ctx, r.Record)
	case PositionTransition:
		res, err := s.UpdateState(ctx, r.ID, r.From, r.To, r.Fields)
		if err != nil {
			return err
		}
		if res.Applied || res.Current == r.To {
			return nil
		}
		return &ConflictError{ID: r.ID, Expected: r.From, Target: r.To, Current: res.Current}
	case PositionDelete:
		return s.DeletePosition(ctx, r.ID)
	case TradeRecord:
		return s.InsertTrade(ctx, r)
	case AlertRecord:
		return s.InsertAlert(ctx, r)
	case SessionStatus:
		return s.UpsertSessionStatus(ctx, r)
	case MinuteBar:
		return s.InsertMinuteBar(ctx, r)
	case FundingRate:
		return s.UpsertFunding(ctx, r)
	case BalanceSnapshot:
		return s.InsertBalanceSnapshot(ctx, r)
	case Heartbeat:
		return s.Heartbeat(ctx, r)
	default:
		return fmt.Errorf("unsupported write request %T", req)
	}
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}
