package reconciliation

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"arb-core/internal/balance"
	"arb-core/internal/persistence"
)

// BalanceSource returns the authoritative free balances held on the exchanges.
type BalanceSource interface {
	Balances(ctx context.Context) (balance.Amounts, error)
}

// Enqueuer accepts durable write requests; *persistence.Writer satisfies it.
type Enqueuer interface {
	Enqueue(req persistence.Request) error
}

// Service handles periodic reconciliation of the tracked pools against the exchanges.
type Service struct {
	source    BalanceSource
	tracker   *balance.Tracker
	writer    Enqueuer
	sessionID string
	interval  time.Duration
	autoSync  bool
	logger    *zap.Logger
	mu        sync.Mutex
}

// Report contains reconciliation results.
type Report struct {
	Timestamp time.Time       `json:"timestamp"`
	Local     balance.Amounts `json:"local"`
	Exchange  balance.Amounts `json:"exchange"`
	Diff      balance.Amounts `json:"diff"` // local - exchange
	HasDiffs  bool            `json:"has_diffs"`
	Synced    bool            `json:"synced"`
	Skipped   bool            `json:"skipped"` // reservations were in flight
}

// Differences below these are rounding noise.
const (
	krwTolerance  = 1.0
	usdtTolerance = 0.01
)

// NewService creates a new reconciliation service.
func NewService(source BalanceSource, tracker *balance.Tracker, writer Enqueuer, sessionID string, interval time.Duration, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &Service{
		source:    source,
		tracker:   tracker,
		writer:    writer,
		sessionID: sessionID,
		interval:  interval,
		autoSync:  true,
		logger:    logger,
	}
}

// SetAutoSync enables or disables overwriting the pools with exchange balances.
func (s *Service) SetAutoSync(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.autoSync = enabled
	s.logger.Info("reconciliation auto-sync changed", zap.Bool("enabled", enabled))
}

// Start begins periodic reconciliation.
func (s *Service) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if _, err := s.Reconcile(ctx); err != nil {
					s.logger.Warn("reconciliation failed", zap.Error(err))
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	s.logger.Info("reconciliation service started", zap.Duration("interval", s.interval), zap.Bool("auto_sync", s.autoSync))
}

// Reconcile compares the tracker with the exchange balances and, when auto-sync is
// on and nothing is in flight, adopts the exchange view. A balance snapshot is
// queued on every run.
func (s *Service) Reconcile(ctx context.Context) (*Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	report := &Report{Timestamp: time.Now()}
	if s.source == nil {
		report.Local = s.tracker.Available()
		s.snapshot(report.Timestamp)
		return report, nil
	}

	exchange, err := s.source.Balances(ctx)
	if err != nil {
		return nil, err
	}
	local := s.tracker.Available()
	report.Local = local
	report.Exchange = exchange
	report.Diff = balance.Amounts{KRW: local.KRW - exchange.KRW, USDT: local.USDT - exchange.USDT}
	report.HasDiffs = math.Abs(report.Diff.KRW) > krwTolerance || math.Abs(report.Diff.USDT) > usdtTolerance

	if report.HasDiffs && s.autoSync {
		switch err := s.tracker.SetAvailable(exchange.KRW, exchange.USDT); {
		case err == nil:
			report.Synced = true
		case errors.Is(err, balance.ErrReservationsInFlight):
			report.Skipped = true
		default:
			return nil, err
		}
	}

	s.handleReport(report)
	s.snapshot(report.Timestamp)
	return report, nil
}

func (s *Service) handleReport(r *Report) {
	switch {
	case !r.HasDiffs:
		s.logger.Debug("reconciliation ok")
	case r.Skipped:
		s.logger.Info("balance drift detected; sync deferred while reservations are in flight",
			zap.Float64("krw_diff", r.Diff.KRW), zap.Float64("usdt_diff", r.Diff.USDT))
	default:
		s.logger.Warn("balance drift detected",
			zap.Float64("local_krw", r.Local.KRW), zap.Float64("exchange_krw", r.Exchange.KRW),
			zap.Float64("local_usdt", r.Local.USDT), zap.Float64("exchange_usdt", r.Exchange.USDT),
			zap.Bool("synced", r.Synced))
	}
}

func (s *Service) snapshot(at time.Time) {
	if s.writer == nil {
		return
	}
	avail := s.tracker.Available()
	reserved := s.tracker.ReservedTotal()
	err := s.writer.Enqueue(persistence.BalanceSnapshot{
		ID:            uuid.NewString(),
		SessionID:     s.sessionID,
		KRWAvailable:  avail.KRW,
		USDTAvailable: avail.USDT,
		KRWReserved:   reserved.KRW,
		USDTReserved:  reserved.USDT,
		TakenAt:       at,
	})
	if err != nil {
		s.logger.Debug("balance snapshot dropped", zap.Error(err))
	}
}
