package engine

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"arb-core/internal/persistence"
	"arb-core/internal/position"
)

// PositionLister reads the non-terminal rows of a session; *persistence.Store
// satisfies it.
type PositionLister interface {
	ListOpenPositions(ctx context.Context, sessionID string) ([]persistence.PositionRecord, error)
}

// Recover rebuilds the position book from durable rows after a restart. Rows in
// Open are loaded back into the book and monitored again; every other non-terminal
// row is returned with the action an operator or the execution layer must take.
func (s *Session) Recover(ctx context.Context, store PositionLister) ([]RecoveryItem, error) {
	rows, err := store.ListOpenPositions(ctx, s.cfg.SessionID)
	if err != nil {
		return nil, fmt.Errorf("recover session %s: %w", s.cfg.SessionID, err)
	}

	s.flow.Lock()
	defer s.flow.Unlock()

	items := make([]RecoveryItem, 0, len(rows))
	restored := 0
	for _, row := range rows {
		action := persistence.RecoveryActionFor(row.State)
		items = append(items, RecoveryItem{Record: row, Action: action})

		log := s.logger.With(
			zap.String("position_id", row.ID),
			zap.String("coin", row.Coin),
			zap.String("state", string(row.State)),
			zap.String("action", string(action)))

		if row.State != persistence.StateOpen {
			log.Warn("position needs recovery action")
			continue
		}

		s.mu.Lock()
		_, err := s.book.OpenPosition(position.VirtualPosition{
			ID:              row.ID,
			Coin:            row.Coin,
			EntryTime:       row.OpenedAt,
			UpbitEntryPrice: row.UpbitEntryPrice,
			BybitEntryPrice: row.BybitEntryPrice,
			EntrySpreadPct:  row.EntrySpreadPct,
			EntrySignal:     row.EntrySignal,
			EntryFXRate:     row.EntryFXRate,
			Size:            minPositive(row.UpbitQty, row.BybitQty),
		})
		s.mu.Unlock()
		if err != nil {
			log.Error("open position could not be restored", zap.Error(err))
			continue
		}
		restored++
	}

	s.logger.Info("session recovered",
		zap.Int("rows", len(rows)),
		zap.Int("restored", restored),
		zap.Int("pending_actions", len(rows)-restored))
	return items, nil
}

func minPositive(a, b float64) float64 {
	switch {
	case a <= 0:
		return b
	case b <= 0:
		return a
	case a < b:
		return a
	default:
		return b
	}
}
