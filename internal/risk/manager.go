package risk

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"arb-core/internal/events"
)

var (
	ErrKilled               = errors.New("kill switch engaged")
	ErrExchangeDisconnected = errors.New("exchange disconnected")
	ErrOrderTooLarge        = errors.New("order size exceeds cap")
)

type lossEvent struct {
	at     time.Time
	amount float64
}

type dailyPeak struct {
	day  time.Time
	peak float64
}

// Manager is the kill switch. Reads of the switch and connectivity flags are
// lock-free; the ledger is guarded by a leaf mutex that is never held across I/O
// or while publishing events.
type Manager struct {
	cfg    Config
	logger *zap.Logger
	bus    *events.Bus
	now    func() time.Time

	killed atomic.Bool
	upbit  atomic.Bool
	bybit  atomic.Bool

	mu           sync.Mutex
	kill         *KillEvent
	equity       float64
	dailyPnL     float64
	dayPeak      float64
	peaks        []dailyPeak
	losses       []lossEvent
	tradeCount   int
	sessionStart time.Time
}

// Option configures a Manager.
type Option func(*Manager)

func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

func WithBus(b *events.Bus) Option {
	return func(m *Manager) { m.bus = b }
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// NewManager starts a session ledger at cfg.InitialCapital. Both exchanges start
// connected.
func NewManager(cfg Config, opts ...Option) *Manager {
	m := &Manager{
		cfg:    cfg,
		logger: zap.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.cfg.DrawdownWindowDays <= 0 {
		m.cfg.DrawdownWindowDays = 7
	}
	m.equity = cfg.InitialCapital
	m.dayPeak = cfg.InitialCapital
	m.sessionStart = m.now()
	m.upbit.Store(true)
	m.bybit.Store(true)

	equityGauge.Set(m.equity)
	killedGauge.Set(0)
	connectivityGauge.WithLabelValues(string(VenueUpbit)).Set(1)
	connectivityGauge.WithLabelValues(string(VenueBybit)).Set(1)
	return m
}

// IsKilled reports whether the kill switch has tripped.
func (m *Manager) IsKilled() bool {
	return m.killed.Load()
}

// IsEntryAllowed is false once killed or while either exchange is marked down.
func (m *Manager) IsEntryAllowed() bool {
	return !m.killed.Load() && m.upbit.Load() && m.bybit.Load()
}

// EntryError returns why entries are blocked, or nil.
func (m *Manager) EntryError() error {
	if m.killed.Load() {
		return ErrKilled
	}
	if !m.upbit.Load() {
		return fmt.Errorf("%w: %s", ErrExchangeDisconnected, VenueUpbit)
	}
	if !m.bybit.Load() {
		return fmt.Errorf("%w: %s", ErrExchangeDisconnected, VenueBybit)
	}
	return nil
}

// ValidateOrderSize rejects orders whose KRW notional exceeds the cap.
func (m *Manager) ValidateOrderSize(notional float64) error {
	if m.cfg.MaxOrderSize > 0 && notional > m.cfg.MaxOrderSize {
		return fmt.Errorf("%w: %.0f > %.0f", ErrOrderTooLarge, notional, m.cfg.MaxOrderSize)
	}
	return nil
}

// CheckConnectionHealth stores the externally observed health of both exchanges.
func (m *Manager) CheckConnectionHealth(upbitOK, bybitOK bool) {
	m.SetConnectivity(VenueUpbit, upbitOK)
	m.SetConnectivity(VenueBybit, bybitOK)
}

// SetConnectivity updates one exchange flag and publishes a transition.
func (m *Manager) SetConnectivity(v Venue, ok bool) {
	var flag *atomic.Bool
	switch v {
	case VenueUpbit:
		flag = &m.upbit
	case VenueBybit:
		flag = &m.bybit
	default:
		return
	}
	if flag.Swap(ok) == ok {
		return
	}
	connectivityGauge.WithLabelValues(string(v)).Set(boolToFloat(ok))

	sev := events.SeverityWarning
	msg := fmt.Sprintf("%s disconnected; entries paused", v)
	if ok {
		sev = events.SeverityInfo
		msg = fmt.Sprintf("%s reconnected", v)
	}
	m.logger.Warn("exchange connectivity changed", zap.String("venue", string(v)), zap.Bool("connected", ok))
	m.publish(events.EventConnectivity, events.Alert{
		Topic:    events.EventConnectivity,
		Severity: sev,
		Message:  msg,
		At:       m.now(),
	})
}

// RecordTrade books a realized net PnL and runs the loss policies in order. It
// returns the kill event if this trade tripped the switch. The ledger keeps updating
// after a kill, but the switch never resets.
func (m *Manager) RecordTrade(pnl float64) *KillEvent {
	m.mu.Lock()
	now := m.now()

	m.tradeCount++
	m.equity += pnl
	m.dailyPnL += pnl
	if m.equity > m.dayPeak {
		m.dayPeak = m.equity
	}
	if pnl < 0 {
		m.losses = append(m.losses, lossEvent{at: now, amount: -pnl})
	}
	rolling := m.rollingLossLocked(now)

	equityGauge.Set(m.equity)
	dailyPnLGauge.Set(m.dailyPnL)

	var ev *KillEvent
	if !m.killed.Load() {
		ev = m.evaluateLocked(pnl, rolling, now)
		if ev != nil {
			m.killLocked(ev)
		}
	}
	m.mu.Unlock()

	if ev != nil {
		m.announce(ev)
	}
	return ev
}

func (m *Manager) evaluateLocked(pnl, rolling float64, now time.Time) *KillEvent {
	capital := m.cfg.InitialCapital

	if limit := m.cfg.SingleTradeLoss.Effective(capital); pnl < 0 && -pnl > limit {
		return &KillEvent{Reason: ReasonSingleTradeLoss, Value: -pnl, Limit: limit, At: now}
	}
	if limit := m.cfg.DailyLoss.Effective(capital); m.dailyPnL < 0 && -m.dailyPnL > limit {
		return &KillEvent{Reason: ReasonDailyLoss, Value: -m.dailyPnL, Limit: limit, At: now}
	}
	if limit := m.cfg.Rolling24hLoss; limit > 0 && rolling > limit {
		return &KillEvent{Reason: ReasonRolling24hLoss, Value: rolling, Limit: limit, At: now}
	}

	hwm := m.highWaterMarkLocked()
	drawdown := hwm - m.equity
	limit := m.cfg.Drawdown.Effective(hwm)
	detail := ""
	if m.coldStartLocked(now) {
		limit = Limit{Abs: m.cfg.Drawdown.Abs}.Effective(0)
		detail = "cold start: absolute limit only"
	}
	if drawdown > limit {
		return &KillEvent{Reason: ReasonDrawdown, Value: drawdown, Limit: limit, Detail: detail, At: now}
	}
	return nil
}

// CheckUnrealizedExposure estimates the aggregate adverse move on open positions and
// kills if it exceeds UnrealizedExposurePct of initial capital.
func (m *Manager) CheckUnrealizedExposure(snapshots []ExposureSnapshot) *KillEvent {
	if m.killed.Load() || m.cfg.UnrealizedExposurePct <= 0 {
		return nil
	}
	total := 0.0
	for _, s := range snapshots {
		total += s.EstimatedLoss()
	}
	unrealizedLossGauge.Set(total)

	limit := m.cfg.UnrealizedExposurePct * m.cfg.InitialCapital
	if total <= limit {
		return nil
	}

	m.mu.Lock()
	if m.killed.Load() {
		m.mu.Unlock()
		return nil
	}
	ev := &KillEvent{
		Reason: ReasonUnrealizedExposure,
		Value:  total,
		Limit:  limit,
		Detail: fmt.Sprintf("%d open positions", len(snapshots)),
		At:     m.now(),
	}
	m.killLocked(ev)
	m.mu.Unlock()

	m.announce(ev)
	return ev
}

// Kill trips the switch manually. It returns false if already killed.
func (m *Manager) Kill(detail string) bool {
	m.mu.Lock()
	if m.killed.Load() {
		m.mu.Unlock()
		return false
	}
	ev := &KillEvent{Reason: ReasonManual, Detail: detail, At: m.now()}
	m.killLocked(ev)
	m.mu.Unlock()

	m.announce(ev)
	return true
}

func (m *Manager) killLocked(ev *KillEvent) {
	m.kill = ev
	m.killed.Store(true)
	killedGauge.Set(1)
}

func (m *Manager) announce(ev *KillEvent) {
	m.logger.Error("kill switch engaged",
		zap.String("reason", string(ev.Reason)),
		zap.Float64("value", ev.Value),
		zap.Float64("limit", ev.Limit),
		zap.String("detail", ev.Detail))
	m.publish(events.EventKillSwitch, events.Alert{
		Topic:    events.EventKillSwitch,
		Severity: events.SeverityCritical,
		Message:  fmt.Sprintf("kill switch: %s (value %.0f, limit %.0f) %s", ev.Reason, ev.Value, ev.Limit, ev.Detail),
		At:       ev.At,
	})
}

func (m *Manager) publish(e events.Event, payload any) {
	if m.bus != nil {
		m.bus.Publish(e, payload)
	}
}

// DailyReset closes the trading day: the day's peak equity joins the rolling HWM
// history and the daily accumulator is zeroed. The kill switch is not affected.
func (m *Manager) DailyReset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.peaks = append(m.peaks, dailyPeak{day: now, peak: m.dayPeak})
	if n := m.cfg.DrawdownWindowDays; len(m.peaks) > n {
		m.peaks = append([]dailyPeak(nil), m.peaks[len(m.peaks)-n:]...)
	}

	m.logger.Info("risk daily reset",
		zap.Float64("daily_pnl", m.dailyPnL),
		zap.Float64("day_peak", m.dayPeak),
		zap.Int("hwm_days", len(m.peaks)))

	m.dailyPnL = 0
	m.dayPeak = m.equity
	dailyPnLGauge.Set(0)
}

// Snapshot returns a copy of the ledger.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Snapshot{
		Killed:         m.killed.Load(),
		InitialCapital: m.cfg.InitialCapital,
		Equity:         m.equity,
		HighWaterMark:  m.highWaterMarkLocked(),
		DailyPnL:       m.dailyPnL,
		Rolling24hLoss: m.rollingLossLocked(m.now()),
		TradeCount:     m.tradeCount,
		SessionStart:   m.sessionStart,
		UpbitConnected: m.upbit.Load(),
		BybitConnected: m.bybit.Load(),
	}
	s.EntryAllowed = !s.Killed && s.UpbitConnected && s.BybitConnected
	if m.kill != nil {
		k := *m.kill
		s.Kill = &k
	}
	return s
}

// highWaterMarkLocked is the highest equity over the retained daily peaks and today.
func (m *Manager) highWaterMarkLocked() float64 {
	hwm := m.dayPeak
	for _, p := range m.peaks {
		hwm = math.Max(hwm, p.peak)
	}
	return hwm
}

// rollingLossLocked prunes loss events older than 24h and sums the rest.
func (m *Manager) rollingLossLocked(now time.Time) float64 {
	cutoff := now.Add(-24 * time.Hour)
	i := 0
	for i < len(m.losses) && !m.losses[i].at.After(cutoff) {
		i++
	}
	if i > 0 {
		m.losses = append([]lossEvent(nil), m.losses[i:]...)
	}
	sum := 0.0
	for _, l := range m.losses {
		sum += l.amount
	}
	return sum
}

func (m *Manager) coldStartLocked(now time.Time) bool {
	return now.Sub(m.sessionStart) < m.cfg.ColdStartAge && m.tradeCount < m.cfg.ColdStartTrades
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
