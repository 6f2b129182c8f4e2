package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"arb-core/internal/balance"
	"arb-core/internal/events"
	"arb-core/internal/persistence"
	"arb-core/internal/position"
	"arb-core/internal/risk"
)

var (
	ErrLegFailure = errors.New("one leg filled and the other did not")
	ErrNotFilled  = errors.New("no leg filled")

	// ErrExitPending is returned for a position whose exit half filled; only
	// CompleteExit may act on it.
	ErrExitPending   = errors.New("exit half filled; complete the open leg first")
	ErrNoPendingExit = errors.New("no half-filled exit")
)

// qtyEpsilon absorbs float noise when comparing filled and target quantities.
const qtyEpsilon = 1e-9

// Writer is the durable write queue; *persistence.Writer satisfies it.
type Writer interface {
	Enqueue(req persistence.Request) error
	Stats() persistence.WriterStats
}

// Config configures a Session.
type Config struct {
	SessionID   string
	Position    position.Config
	Instruments map[string]position.InstrumentRules
}

// Session sequences entry and exit decisions for one trading session. Decisions
// are serialized; the position book has its own short lock so status reads do not
// wait on exchange round trips.
type Session struct {
	cfg Config

	flow sync.Mutex // held for a whole entry, exit or sweep
	mu   sync.Mutex // guards book, realized and pending
	book *position.Manager
	// realized PnL booked by partial exits, per position
	realized map[string]float64
	// exits where only one leg filled, by position ID
	pending map[string]*halfExit

	balances *balance.Tracker
	risk     *risk.Manager
	writer   Writer
	exec     Executor
	bus      *events.Bus
	logger   *zap.Logger
	now      func() time.Time

	startedAt time.Time
}

// Option configures a Session.
type Option func(*Session)

func WithLogger(l *zap.Logger) Option {
	return func(s *Session) {
		if l != nil {
			s.logger = l
		}
	}
}

func WithBus(b *events.Bus) Option {
	return func(s *Session) { s.bus = b }
}

func WithClock(now func() time.Time) Option {
	return func(s *Session) {
		if now != nil {
			s.now = now
		}
	}
}

// NewSession wires a session over its collaborators. The position manager is
// owned by the session from here on.
func NewSession(cfg Config, book *position.Manager, balances *balance.Tracker, riskMgr *risk.Manager,
	writer Writer, exec Executor, opts ...Option) *Session {
	s := &Session{
		cfg:      cfg,
		book:     book,
		realized: make(map[string]float64),
		pending:  make(map[string]*halfExit),
		balances: balances,
		risk:     riskMgr,
		writer:   writer,
		exec:     exec,
		logger:   zap.NewNop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.startedAt = s.now()
	s.logger = s.logger.With(zap.String("session_id", cfg.SessionID))
	return s
}

// Enter opens a hedged pair. Capital for both legs is reserved before any order is
// sent; the durable row is written in Opening before execution and moved to Open,
// EntryHalfFilled or deleted depending on the fills.
func (s *Session) Enter(ctx context.Context, req EntryRequest) (position.VirtualPosition, error) {
	s.flow.Lock()
	defer s.flow.Unlock()

	if err := s.risk.EntryError(); err != nil {
		return position.VirtualPosition{}, err
	}

	size := req.Size
	if rules, ok := s.cfg.Instruments[req.Coin]; ok {
		size = rules.RoundQty(size)
		if err := rules.Validate(size); err != nil {
			return position.VirtualPosition{}, fmt.Errorf("enter %s: %w", req.Coin, err)
		}
	}
	if req.Coin == "" || !(size > 0) || req.UpbitPrice <= 0 || req.BybitPrice <= 0 {
		return position.VirtualPosition{}, fmt.Errorf("%w: entry %+v", position.ErrInvalidPosition, req)
	}
	req.Size = size

	krw := req.UpbitPrice * size
	if err := s.risk.ValidateOrderSize(krw); err != nil {
		return position.VirtualPosition{}, err
	}
	usdt := s.margin(req.BybitPrice * size)

	res, err := s.balances.Reserve(krw, usdt)
	if err != nil {
		return position.VirtualPosition{}, fmt.Errorf("enter %s: %w", req.Coin, err)
	}
	defer res.Close()

	id := uuid.NewString()
	openedAt := s.now()
	s.enqueue(persistence.PositionInsert{Record: persistence.PositionRecord{
		ID:              id,
		SessionID:       s.cfg.SessionID,
		Coin:            req.Coin,
		State:           persistence.StateOpening,
		UpbitQty:        size,
		UpbitEntryPrice: req.UpbitPrice,
		BybitQty:        size,
		BybitEntryPrice: req.BybitPrice,
		EntrySpreadPct:  req.SpreadPct,
		EntrySignal:     req.Signal,
		EntryFXRate:     req.FXRate,
		OpenedAt:        openedAt,
		InFlight:        true,
	}})

	fills, execErr := s.exec.EnterLegs(ctx, id, req)
	log := s.logger.With(zap.String("coin", req.Coin), zap.String("position_id", id))

	if leg, half := fills.halfFilled(); half {
		var spent balance.Amounts
		if leg == persistence.LegUpbit {
			spent.KRW = fills.Upbit.Notional()
		} else {
			spent.USDT = s.margin(fills.Bybit.Notional())
		}
		if err := res.Commit(spent.KRW, spent.USDT); err != nil {
			log.Warn("commit of half-filled entry failed", zap.Error(err))
		}
		s.enqueue(persistence.PositionTransition{
			ID: id, From: persistence.StateOpening, To: persistence.StateEntryHalfFilled,
			Fields: persistence.TransitionFields{
				UpbitOrderID: ptr(fills.Upbit.OrderID),
				BybitOrderID: ptr(fills.Bybit.OrderID),
				InFlight:     ptr(false),
				SucceededLeg: ptr(leg),
			},
		})
		log.Error("entry half filled", zap.String("succeeded_leg", string(leg)), zap.Error(execErr))
		s.publish(events.EventLegFailure, events.SeverityCritical, req.Coin,
			fmt.Sprintf("entry %s half filled: only %s leg executed; unwind required", id, leg))
		return position.VirtualPosition{}, fmt.Errorf("%w: entry %s %s leg only", ErrLegFailure, req.Coin, leg)
	}

	if !fills.Upbit.Filled() && !fills.Bybit.Filled() {
		if err := res.Release(); err != nil {
			log.Warn("release of unfilled entry failed", zap.Error(err))
		}
		s.enqueue(persistence.PositionDelete{ID: id})
		if execErr != nil {
			return position.VirtualPosition{}, fmt.Errorf("enter %s: %w", req.Coin, execErr)
		}
		return position.VirtualPosition{}, fmt.Errorf("enter %s: %w", req.Coin, ErrNotFilled)
	}

	if execErr != nil {
		log.Warn("executor reported an error but both legs filled", zap.Error(execErr))
	}
	if err := res.Commit(fills.Upbit.Notional(), s.margin(fills.Bybit.Notional())); err != nil {
		log.Warn("commit of filled entry failed", zap.Error(err))
	}

	// The book hedges the smaller leg. The surplus on the other leg was paid for and
	// stays on the row as a residual until it is flattened.
	qty := math.Min(fills.Upbit.Qty, fills.Bybit.Qty)
	if residual := math.Abs(fills.Upbit.Qty - fills.Bybit.Qty); residual > qtyEpsilon {
		leg := persistence.LegUpbit
		if fills.Bybit.Qty > fills.Upbit.Qty {
			leg = persistence.LegBybit
		}
		log.Warn("leg quantities differ; tracking the smaller",
			zap.Float64("upbit_qty", fills.Upbit.Qty), zap.Float64("bybit_qty", fills.Bybit.Qty),
			zap.String("residual_leg", string(leg)), zap.Float64("residual", residual))
		s.publish(events.EventLegFailure, events.SeverityWarning, req.Coin,
			fmt.Sprintf("entry %s left an unhedged residual of %v on the %s leg", id, residual, leg))
	}

	s.mu.Lock()
	pos, err := s.book.OpenPosition(position.VirtualPosition{
		ID:              id,
		Coin:            req.Coin,
		EntryTime:       openedAt,
		UpbitEntryPrice: fills.Upbit.Price,
		BybitEntryPrice: fills.Bybit.Price,
		EntrySpreadPct:  req.SpreadPct,
		EntrySignal:     req.Signal,
		EntryFXRate:     req.FXRate,
		Size:            qty,
	})
	s.mu.Unlock()
	if err != nil {
		return position.VirtualPosition{}, fmt.Errorf("enter %s: %w", req.Coin, err)
	}

	s.enqueue(persistence.PositionTransition{
		ID: id, From: persistence.StateOpening, To: persistence.StateOpen,
		Fields: persistence.TransitionFields{
			UpbitQty:        ptr(fills.Upbit.Qty),
			UpbitEntryPrice: ptr(fills.Upbit.Price),
			UpbitOrderID:    ptr(fills.Upbit.OrderID),
			BybitQty:        ptr(fills.Bybit.Qty),
			BybitEntryPrice: ptr(fills.Bybit.Price),
			BybitOrderID:    ptr(fills.Bybit.OrderID),
			InFlight:        ptr(false),
		},
	})
	log.Info("position opened", zap.Float64("size", qty), zap.Float64("liquidation_price", pos.LiquidationPrice))
	s.publish(events.EventPositionOpen, events.SeverityInfo, req.Coin,
		fmt.Sprintf("opened %s size %v at spread %.2f%%", id, qty, req.SpreadPct))
	return pos, nil
}

// Exit closes a whole position.
func (s *Session) Exit(ctx context.Context, coin, id string, quote ExitQuote) (position.ClosedPosition, error) {
	s.flow.Lock()
	defer s.flow.Unlock()

	pos, err := s.exitable(coin, id)
	if err != nil {
		return position.ClosedPosition{}, err
	}

	s.enqueue(persistence.PositionTransition{ID: id, From: persistence.StateOpen, To: persistence.StateClosing})
	fills, execErr := s.exec.ExitLegs(ctx, pos, pos.Size)
	if err := s.exitFailure(pos, fills, execErr, quote); err != nil {
		return position.ClosedPosition{}, err
	}

	s.mu.Lock()
	closed, err := s.book.ClosePosition(coin, id, s.exitData(fills, quote), false)
	realized := s.takeRealizedLocked(id, closed.NetPnL)
	s.mu.Unlock()
	if err != nil {
		return position.ClosedPosition{}, err
	}

	s.settle(pos, closed, fills)
	s.enqueue(persistence.PositionTransition{
		ID: id, From: persistence.StateClosing, To: persistence.StateClosed,
		Fields: persistence.TransitionFields{
			ExitUpbitOrderID:       ptr(fills.Upbit.OrderID),
			ExitUpbitClientOrderID: ptr(fills.Upbit.ClientOrderID),
			ExitBybitOrderID:       ptr(fills.Bybit.OrderID),
			ExitBybitClientOrderID: ptr(fills.Bybit.ClientOrderID),
			RealizedPnL:            ptr(realized),
			ClosedAt:               ptr(closed.ExitTime),
		},
	})
	s.publish(events.EventPositionClose, events.SeverityInfo, coin,
		fmt.Sprintf("closed %s net pnl %.0f KRW", id, closed.NetPnL))
	return closed, nil
}

// ExitPartial closes qty of a position, floored to the coin's quantity step. The
// remainder keeps its ID and goes back to Open. The size rules are checked before
// any order is sent.
func (s *Session) ExitPartial(ctx context.Context, coin, id string, qty float64, quote ExitQuote) (position.ClosedPosition, position.VirtualPosition, error) {
	s.flow.Lock()
	defer s.flow.Unlock()

	pos, err := s.exitable(coin, id)
	if err != nil {
		return position.ClosedPosition{}, position.VirtualPosition{}, err
	}
	rules := s.cfg.Instruments[coin]
	qty, _, err = rules.SplitPartial(pos.Size, qty)
	if err != nil {
		return position.ClosedPosition{}, position.VirtualPosition{}, fmt.Errorf("exit %s/%s: %w", coin, id, err)
	}

	s.enqueue(persistence.PositionTransition{ID: id, From: persistence.StateOpen, To: persistence.StateClosing})
	fills, execErr := s.exec.ExitLegs(ctx, pos, qty)
	if err := s.exitFailure(pos, fills, execErr, quote); err != nil {
		return position.ClosedPosition{}, position.VirtualPosition{}, err
	}

	s.mu.Lock()
	closed, remaining, err := s.book.ClosePartial(coin, id, qty, rules, s.exitData(fills, quote))
	if err == nil {
		s.realized[id] += closed.NetPnL
	}
	s.mu.Unlock()
	if err != nil {
		// The orders already executed; put the row back so recovery sees it.
		s.enqueue(persistence.PositionTransition{ID: id, From: persistence.StateClosing, To: persistence.StateOpen})
		return position.ClosedPosition{}, position.VirtualPosition{}, err
	}

	s.settle(pos, closed, fills)
	s.enqueue(persistence.PositionTransition{
		ID: id, From: persistence.StateClosing, To: persistence.StateOpen,
		Fields: persistence.TransitionFields{
			UpbitQty: ptr(remaining.Size),
			BybitQty: ptr(remaining.Size),
		},
	})
	return closed, remaining, nil
}

// exitFailure handles exits where not both legs filled. It returns nil when the exit
// can be settled normally. A half-filled exit is parked: the filled leg is credited
// and the position stays in the book, closed to everything but CompleteExit.
func (s *Session) exitFailure(pos position.VirtualPosition, fills Fills, execErr error, quote ExitQuote) error {
	if leg, half := fills.halfFilled(); half {
		h := &halfExit{pos: pos, quote: quote}
		h.upbit.add(fills.Upbit)
		h.bybit.add(fills.Bybit)
		s.mu.Lock()
		s.pending[pos.ID] = h
		s.mu.Unlock()
		if leg == persistence.LegUpbit {
			s.credit(pos, leg, fills.Upbit)
		} else {
			s.credit(pos, leg, fills.Bybit)
		}

		s.enqueue(persistence.PositionTransition{
			ID: pos.ID, From: persistence.StateClosing, To: persistence.StateExitHalfFilled,
			Fields: persistence.TransitionFields{
				ExitUpbitOrderID: ptr(fills.Upbit.OrderID),
				ExitBybitOrderID: ptr(fills.Bybit.OrderID),
				SucceededLeg:     ptr(leg),
			},
		})
		s.logger.Error("exit half filled",
			zap.String("coin", pos.Coin), zap.String("position_id", pos.ID),
			zap.String("succeeded_leg", string(leg)), zap.Error(execErr))
		s.publish(events.EventLegFailure, events.SeverityCritical, pos.Coin,
			fmt.Sprintf("exit %s half filled: only %s leg executed; complete the other leg", pos.ID, leg))
		return fmt.Errorf("%w: exit %s %s leg only", ErrLegFailure, pos.Coin, leg)
	}
	if !fills.Upbit.Filled() && !fills.Bybit.Filled() {
		s.enqueue(persistence.PositionTransition{ID: pos.ID, From: persistence.StateClosing, To: persistence.StateOpen})
		if execErr != nil {
			return fmt.Errorf("exit %s: %w", pos.Coin, execErr)
		}
		return fmt.Errorf("exit %s: %w", pos.Coin, ErrNotFilled)
	}
	if execErr != nil {
		s.logger.Warn("executor reported an error but both exit legs filled",
			zap.String("position_id", pos.ID), zap.Error(execErr))
	}
	return nil
}

// CompleteExit closes whatever is still open of a position whose exit half filled:
// the leg that did not fill, and the rest of the filled leg when the failed exit
// was partial. Each fill is credited as it lands, so a failed attempt can be
// retried. The position leaves the book and the row goes to Closed once both legs
// are flat.
func (s *Session) CompleteExit(ctx context.Context, coin, id string, quote ExitQuote) (position.ClosedPosition, error) {
	s.flow.Lock()
	defer s.flow.Unlock()

	s.mu.Lock()
	h, ok := s.pending[id]
	s.mu.Unlock()
	if !ok || h.pos.Coin != coin {
		return position.ClosedPosition{}, fmt.Errorf("complete exit %s/%s: %w", coin, id, ErrNoPendingExit)
	}
	log := s.logger.With(zap.String("coin", coin), zap.String("position_id", id))

	for _, leg := range []persistence.Leg{persistence.LegUpbit, persistence.LegBybit} {
		prog := h.progress(leg)
		open := h.pos.Size - prog.qty
		if open <= qtyEpsilon {
			continue
		}
		fill, err := s.exec.ExitLeg(ctx, h.pos, leg, open)
		if fill.Filled() {
			prog.add(fill)
			s.credit(h.pos, leg, fill)
		}
		if err != nil {
			log.Error("completing exit leg failed", zap.String("leg", string(leg)), zap.Error(err))
			return position.ClosedPosition{}, fmt.Errorf("complete exit %s %s leg: %w", coin, leg, err)
		}
		if h.pos.Size-prog.qty > qtyEpsilon {
			return position.ClosedPosition{}, fmt.Errorf("complete exit %s: %w: %s leg %v of %v closed",
				coin, ErrNotFilled, leg, prog.qty, h.pos.Size)
		}
	}

	if quote.FXRate <= 0 {
		quote.FXRate = h.quote.FXRate
	}
	exit := position.ExitData{
		Time:       s.now(),
		UpbitPrice: h.upbit.price(),
		BybitPrice: h.bybit.price(),
		SpreadPct:  quote.SpreadPct,
		Signal:     quote.Signal,
		FXRate:     quote.FXRate,
	}
	s.mu.Lock()
	closed, err := s.book.ClosePosition(coin, id, exit, false)
	realized := s.takeRealizedLocked(id, closed.NetPnL)
	delete(s.pending, id)
	s.mu.Unlock()
	if err != nil {
		return position.ClosedPosition{}, err
	}

	s.recordTrade(closed)
	s.enqueue(persistence.PositionTransition{
		ID: id, From: persistence.StateExitHalfFilled, To: persistence.StateClosed,
		Fields: persistence.TransitionFields{
			ExitUpbitOrderID:       ptr(h.upbit.orderID),
			ExitUpbitClientOrderID: ptr(h.upbit.clientOrderID),
			ExitBybitOrderID:       ptr(h.bybit.orderID),
			ExitBybitClientOrderID: ptr(h.bybit.clientOrderID),
			RealizedPnL:            ptr(realized),
			ClosedAt:               ptr(closed.ExitTime),
		},
	})
	log.Info("half-filled exit completed", zap.Float64("net_pnl", closed.NetPnL))
	s.publish(events.EventPositionClose, events.SeverityInfo, coin,
		fmt.Sprintf("closed %s after half-filled exit, net pnl %.0f KRW", id, closed.NetPnL))
	return closed, nil
}

// settle credits exit proceeds, books the realized PnL with the risk manager and
// records the trade.
func (s *Session) settle(pos position.VirtualPosition, closed position.ClosedPosition, fills Fills) {
	krw, _ := s.proceeds(pos, persistence.LegUpbit, closed.Size, fills.Upbit.Price)
	_, usdt := s.proceeds(pos, persistence.LegBybit, closed.Size, fills.Bybit.Price)
	if err := s.balances.OnExit(krw, usdt); err != nil {
		s.logger.Warn("exit proceeds not credited", zap.String("position_id", pos.ID), zap.Error(err))
	}
	s.recordTrade(closed)
}

// credit returns one leg's exit proceeds to the balance tracker.
func (s *Session) credit(pos position.VirtualPosition, leg persistence.Leg, fill LegFill) {
	krw, usdt := s.proceeds(pos, leg, fill.Qty, fill.Price)
	if err := s.balances.OnExit(krw, usdt); err != nil {
		s.logger.Warn("exit proceeds not credited",
			zap.String("position_id", pos.ID), zap.String("leg", string(leg)), zap.Error(err))
	}
}

// proceeds is what closing qty of one leg at price returns: KRW from the spot sale,
// or the released USDT margin plus short PnL. Fees for both sides of the trade are
// taken at exit.
func (s *Session) proceeds(pos position.VirtualPosition, leg persistence.Leg, qty, price float64) (krw, usdt float64) {
	fees := s.cfg.Position.Fees
	switch leg {
	case persistence.LegUpbit:
		entry, exit := pos.UpbitEntryPrice*qty, price*qty
		return math.Max(0, exit-(entry+exit)*fees.UpbitTakerRate), 0
	case persistence.LegBybit:
		entry, exit := pos.BybitEntryPrice*qty, price*qty
		return 0, math.Max(0, s.margin(entry)+(entry-exit)-(entry+exit)*fees.BybitTakerRate)
	}
	return 0, 0
}

// recordTrade books a realized trade with the risk manager and the write queue.
func (s *Session) recordTrade(closed position.ClosedPosition) {
	if ev := s.risk.RecordTrade(closed.NetPnL); ev != nil {
		s.logger.Error("trade tripped the kill switch",
			zap.String("position_id", closed.ID), zap.String("reason", string(ev.Reason)))
	}
	s.enqueue(persistence.TradeRecord{
		ID:           uuid.NewString(),
		SessionID:    s.cfg.SessionID,
		PositionID:   closed.ID,
		Coin:         closed.Coin,
		Size:         closed.Size,
		UpbitPnL:     closed.UpbitPnL,
		BybitPnL:     closed.BybitPnL,
		TotalFees:    closed.TotalFees,
		NetPnL:       closed.NetPnL,
		IsLiquidated: closed.IsLiquidated,
		EntryTime:    closed.EntryTime,
		ExitTime:     closed.ExitTime,
	})
}

// OnMarkPrice closes every position on coin whose short leg is liquidated at the
// quote's Bybit mark. The short is assumed filled at its liquidation price.
func (s *Session) OnMarkPrice(ctx context.Context, coin string, quote MarketQuote) []position.ClosedPosition {
	s.flow.Lock()
	defer s.flow.Unlock()

	s.mu.Lock()
	var hit []position.VirtualPosition
	for _, pos := range s.book.LiquidatablePositions(coin, quote.BybitPrice) {
		if _, parked := s.pending[pos.ID]; parked {
			s.logger.Warn("liquidation mark reached on a half-filled exit",
				zap.String("position_id", pos.ID), zap.Float64("mark", quote.BybitPrice))
			continue
		}
		hit = append(hit, pos)
	}
	s.mu.Unlock()
	if len(hit) == 0 {
		return nil
	}

	var out []position.ClosedPosition
	for _, pos := range hit {
		exit := position.ExitData{
			Time:       s.now(),
			UpbitPrice: quote.UpbitPrice,
			BybitPrice: pos.LiquidationPrice,
			SpreadPct:  quote.SpreadPct,
			FXRate:     quote.FXRate,
		}
		s.mu.Lock()
		closed, err := s.book.ClosePosition(coin, pos.ID, exit, true)
		realized := s.takeRealizedLocked(pos.ID, closed.NetPnL)
		s.mu.Unlock()
		if err != nil {
			s.logger.Warn("liquidated position already gone", zap.String("position_id", pos.ID), zap.Error(err))
			continue
		}

		s.recordTrade(closed)
		s.enqueue(persistence.PositionTransition{
			ID: pos.ID, From: persistence.StateOpen, To: persistence.StateClosed,
			Fields: persistence.TransitionFields{
				RealizedPnL: ptr(realized),
				ClosedAt:    ptr(exit.Time),
			},
		})
		s.logger.Error("short leg liquidated",
			zap.String("coin", coin), zap.String("position_id", pos.ID),
			zap.Float64("mark", quote.BybitPrice), zap.Float64("liquidation_price", pos.LiquidationPrice))
		s.publish(events.EventLiquidated, events.SeverityCritical, coin,
			fmt.Sprintf("position %s short leg liquidated at %.4f; spot leg must be unwound", pos.ID, pos.LiquidationPrice))
		out = append(out, closed)
	}
	return out
}

// CheckExposure marks every open position against quotes and runs the unrealized
// exposure policy. Coins without a quote are skipped.
func (s *Session) CheckExposure(quotes map[string]MarketQuote) *risk.KillEvent {
	s.mu.Lock()
	positions := s.book.AllPositions()
	s.mu.Unlock()

	snaps := make([]risk.ExposureSnapshot, 0, len(positions))
	for _, p := range positions {
		q, ok := quotes[p.Coin]
		if !ok {
			continue
		}
		snaps = append(snaps, risk.ExposureSnapshot{
			Coin:              p.Coin,
			EntrySpreadPct:    p.EntrySpreadPct,
			CurrentSpreadPct:  q.SpreadPct,
			UpbitNotionalKRW:  p.UpbitNotional(),
			BybitNotionalUSDT: p.BybitNotional(),
			EntryFXRate:       p.EntryFXRate,
			CurrentFXRate:     q.FXRate,
		})
	}
	return s.risk.CheckUnrealizedExposure(snaps)
}

// RecordMinuteBar queues a best-effort market snapshot.
func (s *Session) RecordMinuteBar(coin string, q MarketQuote) error {
	return s.writer.Enqueue(persistence.MinuteBar{
		Coin:       coin,
		Bucket:     s.now(),
		UpbitClose: q.UpbitPrice,
		BybitClose: q.BybitPrice,
		SpreadPct:  q.SpreadPct,
		FXRate:     q.FXRate,
	})
}

// RecordFunding queues a best-effort funding rate update.
func (s *Session) RecordFunding(coin string, rate float64, next time.Time) error {
	return s.writer.Enqueue(persistence.FundingRate{
		Coin:          coin,
		Rate:          rate,
		NextFundingAt: next,
		UpdatedAt:     s.now(),
	})
}

// Heartbeat queues a liveness row.
func (s *Session) Heartbeat() error {
	return s.writer.Enqueue(persistence.Heartbeat{SessionID: s.cfg.SessionID, At: s.now()})
}

// SetStatus records the session lifecycle status ("running", "stopped", "killed").
func (s *Session) SetStatus(status, detail string) {
	s.enqueue(persistence.SessionStatus{
		SessionID: s.cfg.SessionID,
		Status:    status,
		Detail:    detail,
		StartedAt: s.startedAt,
		UpdatedAt: s.now(),
	})
}

// Status implements Service.
func (s *Session) Status(_ context.Context) Status {
	s.mu.Lock()
	open := s.book.OpenCount()
	s.mu.Unlock()
	return Status{
		SessionID:     s.cfg.SessionID,
		Risk:          s.risk.Snapshot(),
		Available:     s.balances.Available(),
		Reserved:      s.balances.ReservedTotal(),
		OpenPositions: open,
		Writer:        s.writer.Stats(),
		ServerTime:    s.now(),
	}
}

// Positions implements Service.
func (s *Session) Positions(_ context.Context) []PositionView {
	s.mu.Lock()
	all := s.book.AllPositions()
	s.mu.Unlock()
	now := s.now()
	out := make([]PositionView, 0, len(all))
	for _, p := range all {
		out = append(out, PositionView{VirtualPosition: p, HoldingSeconds: now.Sub(p.EntryTime).Seconds()})
	}
	return out
}

// Kill implements Service.
func (s *Session) Kill(_ context.Context, detail string) bool {
	if !s.risk.Kill(detail) {
		return false
	}
	s.SetStatus("killed", detail)
	return true
}

// SetConnectivity implements Service.
func (s *Session) SetConnectivity(_ context.Context, venue risk.Venue, ok bool) {
	s.risk.SetConnectivity(venue, ok)
}

// takeRealizedLocked returns the position's total realized PnL including final and
// forgets the partial-exit accumulator.
func (s *Session) takeRealizedLocked(id string, final float64) float64 {
	total := s.realized[id] + final
	delete(s.realized, id)
	return total
}

// exitable returns the position when it is in the book and not waiting on
// CompleteExit.
func (s *Session) exitable(coin, id string) (position.VirtualPosition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pos, ok := s.book.Get(coin, id)
	if !ok {
		return position.VirtualPosition{}, fmt.Errorf("exit %s/%s: %w", coin, id, position.ErrNotFound)
	}
	if _, parked := s.pending[id]; parked {
		return position.VirtualPosition{}, fmt.Errorf("exit %s/%s: %w", coin, id, ErrExitPending)
	}
	return pos, nil
}

// margin is the USDT collateral needed for a short of the given notional.
func (s *Session) margin(notional float64) float64 {
	if lev := s.cfg.Position.Margin.Leverage; lev > 1 {
		return notional / lev
	}
	return notional
}

func (s *Session) exitData(fills Fills, q ExitQuote) position.ExitData {
	return position.ExitData{
		Time:       s.now(),
		UpbitPrice: fills.Upbit.Price,
		BybitPrice: fills.Bybit.Price,
		SpreadPct:  q.SpreadPct,
		Signal:     q.Signal,
		FXRate:     q.FXRate,
	}
}

// enqueue hands a critical write to the queue. Failure only happens after shutdown.
func (s *Session) enqueue(req persistence.Request) {
	if err := s.writer.Enqueue(req); err != nil {
		s.logger.Error("durable write rejected", zap.String("kind", string(req.Kind())), zap.Error(err))
	}
}

func (s *Session) publish(topic events.Event, sev events.Severity, coin, msg string) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(topic, events.Alert{Topic: topic, Severity: sev, Coin: coin, Message: msg, At: s.now()})
}

func ptr[T any](v T) *T { return &v }
