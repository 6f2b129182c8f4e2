package balance

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrInsufficientCapital  = errors.New("insufficient capital")
	ErrInvalidAmount        = errors.New("invalid amount")
	ErrReservationClosed    = errors.New("reservation already committed or released")
	ErrUnknownReservation   = errors.New("unknown reservation")
	ErrReservationsInFlight = errors.New("reservations in flight")
)

// Default timings. The TTL must exceed the worst-case time an entry order can stay
// in flight; the sweep interval must be shorter than the TTL.
const (
	DefaultReservationTTL = 60 * time.Second
	DefaultRetention      = 10 * time.Minute
	DefaultSweepInterval  = 10 * time.Second
)

// Amounts is a pair of values, one per pool. KRW is the spot (Upbit) pool and USDT
// the derivatives (Bybit) margin pool.
type Amounts struct {
	KRW  float64 `json:"krw"`
	USDT float64 `json:"usdt"`
}

type reservation struct {
	id          string
	amounts     Amounts
	createdAt   time.Time
	committed   bool
	committedAt time.Time
}

// Tracker holds the two cash pools and grants all-or-nothing dual-pool reservations.
// One mutex spans both pools; it is a leaf lock and is never held across I/O.
type Tracker struct {
	mu           sync.Mutex
	available    Amounts
	reservations map[string]*reservation

	ttl       time.Duration
	retention time.Duration
	now       func() time.Time
	logger    *zap.Logger
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithTTL sets how long an uncommitted reservation may live before the sweeper
// returns it to the pools.
func WithTTL(ttl time.Duration) Option {
	return func(t *Tracker) {
		if ttl > 0 {
			t.ttl = ttl
		}
	}
}

// WithRetention sets how long committed reservation records are kept.
func WithRetention(d time.Duration) Option {
	return func(t *Tracker) {
		if d > 0 {
			t.retention = d
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		if now != nil {
			t.now = now
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(t *Tracker) {
		if l != nil {
			t.logger = l
		}
	}
}

// NewTracker creates a tracker funded with the given initial pools.
func NewTracker(initial Amounts, opts ...Option) *Tracker {
	t := &Tracker{
		available:    initial,
		reservations: make(map[string]*reservation),
		ttl:          DefaultReservationTTL,
		retention:    DefaultRetention,
		now:          time.Now,
		logger:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.publishLocked()
	return t
}

// Reserve sets aside capital in both pools at once. If either pool is short, neither
// is touched and ErrInsufficientCapital is returned.
func (t *Tracker) Reserve(krw, usdt float64) (*Reservation, error) {
	if !validAmount(krw) || !validAmount(usdt) {
		return nil, fmt.Errorf("%w: reserve krw=%v usdt=%v", ErrInvalidAmount, krw, usdt)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.available.KRW < krw || t.available.USDT < usdt {
		reserveFailures.Inc()
		return nil, fmt.Errorf("%w: need krw=%.2f usdt=%.2f, have krw=%.2f usdt=%.2f",
			ErrInsufficientCapital, krw, usdt, t.available.KRW, t.available.USDT)
	}

	t.available.KRW -= krw
	t.available.USDT -= usdt

	r := &reservation{
		id:        uuid.NewString(),
		amounts:   Amounts{KRW: krw, USDT: usdt},
		createdAt: t.now(),
	}
	t.reservations[r.id] = r
	t.publishLocked()

	return &Reservation{tracker: t, id: r.id, amounts: r.amounts}, nil
}

func (t *Tracker) commit(id string, actual Amounts) error {
	if !validAmount(actual.KRW) || !validAmount(actual.USDT) {
		return fmt.Errorf("%w: commit krw=%v usdt=%v", ErrInvalidAmount, actual.KRW, actual.USDT)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	r, ok := t.reservations[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownReservation, id)
	}
	if r.committed {
		return fmt.Errorf("%w: %s", ErrReservationClosed, id)
	}

	t.available.KRW = reconcile(t.available.KRW, r.amounts.KRW, actual.KRW)
	t.available.USDT = reconcile(t.available.USDT, r.amounts.USDT, actual.USDT)

	r.committed = true
	r.committedAt = t.now()
	t.publishLocked()
	return nil
}

// reconcile refunds the unspent part of a reservation or debits the overspend,
// never letting the pool go negative.
func reconcile(available, reserved, actual float64) float64 {
	if actual <= reserved {
		return available + (reserved - actual)
	}
	return math.Max(0, available-(actual-reserved))
}

func (t *Tracker) release(id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.releaseLocked(id)
}

func (t *Tracker) releaseLocked(id string) error {
	r, ok := t.reservations[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownReservation, id)
	}
	if r.committed {
		return fmt.Errorf("%w: %s", ErrReservationClosed, id)
	}
	t.available.KRW += r.amounts.KRW
	t.available.USDT += r.amounts.USDT
	// Marked committed so a second release cannot credit twice.
	r.committed = true
	r.committedAt = t.now()
	t.publishLocked()
	return nil
}

// drop is the abandoned-token path. It never blocks: if the lock is busy the
// reservation is left for the sweeper.
func (t *Tracker) drop(id string) bool {
	if !t.mu.TryLock() {
		t.logger.Warn("reservation dropped while tracker busy; deferring to sweeper",
			zap.String("reservation_id", id))
		return false
	}
	defer t.mu.Unlock()

	r, ok := t.reservations[id]
	if !ok || r.committed {
		return false
	}
	if err := t.releaseLocked(id); err != nil {
		return false
	}
	t.logger.Warn("reservation dropped without commit or release; returned to pools",
		zap.String("reservation_id", id),
		zap.Float64("krw", r.amounts.KRW),
		zap.Float64("usdt", r.amounts.USDT))
	return true
}

// SweepExpired returns every uncommitted reservation older than the TTL to the pools
// and forgets committed records past the retention window. It reports how many
// reservations were released.
func (t *Tracker) SweepExpired() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	released := 0
	for id, r := range t.reservations {
		switch {
		case !r.committed && now.Sub(r.createdAt) > t.ttl:
			t.available.KRW += r.amounts.KRW
			t.available.USDT += r.amounts.USDT
			delete(t.reservations, id)
			released++
			t.logger.Warn("reservation expired; returned to pools",
				zap.String("reservation_id", id),
				zap.Duration("age", now.Sub(r.createdAt)),
				zap.Float64("krw", r.amounts.KRW),
				zap.Float64("usdt", r.amounts.USDT))
		case r.committed && now.Sub(r.committedAt) > t.retention:
			delete(t.reservations, id)
		}
	}
	if released > 0 {
		reservationsSwept.Add(float64(released))
		t.publishLocked()
	}
	return released
}

// StartSweeper runs SweepExpired on interval until ctx is cancelled.
func (t *Tracker) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				t.SweepExpired()
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Available returns the spendable amount in each pool.
func (t *Tracker) Available() Amounts {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.available
}

// ReservedTotal returns the sum of outstanding (uncommitted) reservations.
func (t *Tracker) ReservedTotal() Amounts {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reservedLocked()
}

func (t *Tracker) reservedLocked() Amounts {
	var sum Amounts
	for _, r := range t.reservations {
		if r.committed {
			continue
		}
		sum.KRW += r.amounts.KRW
		sum.USDT += r.amounts.USDT
	}
	return sum
}

// OnExit credits the proceeds of a closed position.
func (t *Tracker) OnExit(receivedKRW, receivedUSDT float64) error {
	if !validAmount(receivedKRW) || !validAmount(receivedUSDT) {
		return fmt.Errorf("%w: exit krw=%v usdt=%v", ErrInvalidAmount, receivedKRW, receivedUSDT)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.available.KRW += receivedKRW
	t.available.USDT += receivedUSDT
	t.publishLocked()
	return nil
}

// HasInFlightReservations reports whether any reservation is still uncommitted.
func (t *Tracker) HasInFlightReservations() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, r := range t.reservations {
		if !r.committed {
			return true
		}
	}
	return false
}

// SetAvailable overwrites both pools with authoritative exchange balances. It refuses
// while any reservation is in flight, since the exchange view would not include it.
func (t *Tracker) SetAvailable(krw, usdt float64) error {
	if !validAmount(krw) || !validAmount(usdt) {
		return fmt.Errorf("%w: set krw=%v usdt=%v", ErrInvalidAmount, krw, usdt)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, r := range t.reservations {
		if !r.committed {
			return ErrReservationsInFlight
		}
	}
	t.available = Amounts{KRW: krw, USDT: usdt}
	t.publishLocked()
	return nil
}

func (t *Tracker) publishLocked() {
	reserved := t.reservedLocked()
	availableGauge.WithLabelValues("krw").Set(t.available.KRW)
	availableGauge.WithLabelValues("usdt").Set(t.available.USDT)
	reservedGauge.WithLabelValues("krw").Set(reserved.KRW)
	reservedGauge.WithLabelValues("usdt").Set(reserved.USDT)
}

func validAmount(v float64) bool {
	return v >= 0 && !math.IsNaN(v) && !math.IsInf(v, 0)
}
