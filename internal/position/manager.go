package position

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/google/uuid"
)

var (
	ErrNotFound           = errors.New("position not found")
	ErrInvalidPosition    = errors.New("invalid position")
	ErrInvalidQuantity    = errors.New("invalid quantity")
	ErrPartialExceedsSize = errors.New("partial quantity must be smaller than position size")
	ErrBelowMinimum       = errors.New("quantity below instrument minimum")
)

// Manager owns the open virtual positions per coin and the closed-trade history.
//
// Manager is not safe for concurrent use. The session that drives entries and
// exits holds one lock around every call.
type Manager struct {
	cfg     Config
	open    map[string][]VirtualPosition
	history []ClosedPosition
}

// NewManager creates an empty position book.
func NewManager(cfg Config) *Manager {
	return &Manager{
		cfg:  cfg,
		open: make(map[string][]VirtualPosition),
	}
}

// OpenPosition records a confirmed entry. An empty ID is assigned; a zero
// liquidation price is computed from the margin config. Capital is expected to have
// been reserved by the caller.
func (m *Manager) OpenPosition(pos VirtualPosition) (VirtualPosition, error) {
	if pos.Coin == "" {
		return VirtualPosition{}, fmt.Errorf("%w: empty coin", ErrInvalidPosition)
	}
	if !(pos.Size > 0) || math.IsInf(pos.Size, 0) {
		return VirtualPosition{}, fmt.Errorf("%w: size %v", ErrInvalidPosition, pos.Size)
	}
	if pos.UpbitEntryPrice <= 0 || pos.BybitEntryPrice <= 0 {
		return VirtualPosition{}, fmt.Errorf("%w: entry prices %v/%v",
			ErrInvalidPosition, pos.UpbitEntryPrice, pos.BybitEntryPrice)
	}
	if pos.ID == "" {
		pos.ID = uuid.NewString()
	} else if _, _, ok := m.find(pos.Coin, pos.ID); ok {
		return VirtualPosition{}, fmt.Errorf("%w: duplicate id %s", ErrInvalidPosition, pos.ID)
	}
	if pos.LiquidationPrice == 0 {
		pos.LiquidationPrice = LiquidationPrice(pos.BybitEntryPrice,
			m.cfg.Margin.Leverage, m.cfg.Margin.MaintenanceMarginRate, m.cfg.Fees.BybitTakerRate)
	}

	m.open[pos.Coin] = append(m.open[pos.Coin], pos)
	return pos, nil
}

// ClosePosition removes the position and appends its settled record to history.
func (m *Manager) ClosePosition(coin, id string, exit ExitData, isLiquidated bool) (ClosedPosition, error) {
	list, idx, ok := m.find(coin, id)
	if !ok {
		return ClosedPosition{}, fmt.Errorf("%w: %s/%s", ErrNotFound, coin, id)
	}
	pos := list[idx]

	rec := m.settle(pos, pos.Size, exit)
	rec.IsLiquidated = isLiquidated

	m.remove(coin, idx)
	m.history = append(m.history, rec)
	return rec, nil
}

// ClosePartial closes qty of a position, rounded down to the instrument's step.
// The remaining position keeps its ID, entry data and liquidation price.
func (m *Manager) ClosePartial(coin, id string, qty float64, rules InstrumentRules, exit ExitData) (ClosedPosition, VirtualPosition, error) {
	list, idx, ok := m.find(coin, id)
	if !ok {
		return ClosedPosition{}, VirtualPosition{}, fmt.Errorf("%w: %s/%s", ErrNotFound, coin, id)
	}
	pos := list[idx]

	rounded, remaining, err := rules.SplitPartial(pos.Size, qty)
	if err != nil {
		return ClosedPosition{}, VirtualPosition{}, err
	}

	rec := m.settle(pos, rounded, exit)
	rec.Partial = true

	rest := pos
	rest.Size = remaining
	list[idx] = rest

	m.history = append(m.history, rec)
	return rec, rest, nil
}

// settle computes PnL and fees for qty units of pos. All figures are KRW. The short
// leg's PnL and exit fee convert at the exit FX rate, falling back to the entry rate
// when the exit carries none; its entry fee converts at the entry rate.
func (m *Manager) settle(pos VirtualPosition, qty float64, exit ExitData) ClosedPosition {
	entryFX := fxOrOne(pos.EntryFXRate)
	exitFX := exit.FXRate
	if exitFX <= 0 {
		exitFX = entryFX
	}

	upbitPnL := (exit.UpbitPrice - pos.UpbitEntryPrice) * qty
	bybitPnL := (pos.BybitEntryPrice - exit.BybitPrice) * qty * exitFX

	upbitFees := (pos.UpbitEntryPrice*qty + exit.UpbitPrice*qty) * m.cfg.Fees.UpbitTakerRate
	bybitFees := (pos.BybitEntryPrice*qty*entryFX + exit.BybitPrice*qty*exitFX) * m.cfg.Fees.BybitTakerRate
	totalFees := upbitFees + bybitFees

	return ClosedPosition{
		ID:              pos.ID,
		Coin:            pos.Coin,
		Size:            qty,
		EntryTime:       pos.EntryTime,
		UpbitEntryPrice: pos.UpbitEntryPrice,
		BybitEntryPrice: pos.BybitEntryPrice,
		EntrySpreadPct:  pos.EntrySpreadPct,
		EntrySignal:     pos.EntrySignal,
		EntryFXRate:     pos.EntryFXRate,
		ExitTime:        exit.Time,
		UpbitExitPrice:  exit.UpbitPrice,
		BybitExitPrice:  exit.BybitPrice,
		ExitSpreadPct:   exit.SpreadPct,
		ExitSignal:      exit.Signal,
		ExitFXRate:      exitFX,
		UpbitPnL:        upbitPnL,
		BybitPnL:        bybitPnL,
		UpbitFees:       upbitFees,
		BybitFees:       bybitFees,
		TotalFees:       totalFees,
		NetPnL:          upbitPnL + bybitPnL - totalFees,
		HoldingDuration: exit.Time.Sub(pos.EntryTime),
	}
}

func fxOrOne(fx float64) float64 {
	if fx <= 0 {
		return 1
	}
	return fx
}

// CheckLiquidation reports whether any open position on coin has its liquidation
// price crossed by mark. It does not close anything.
func (m *Manager) CheckLiquidation(coin string, mark float64) bool {
	for _, p := range m.open[coin] {
		if crossed(p.LiquidationPrice, mark) {
			return true
		}
	}
	return false
}

// LiquidatablePositions returns the open positions on coin crossed by mark.
func (m *Manager) LiquidatablePositions(coin string, mark float64) []VirtualPosition {
	var out []VirtualPosition
	for _, p := range m.open[coin] {
		if crossed(p.LiquidationPrice, mark) {
			out = append(out, p)
		}
	}
	return out
}

// HasPosition reports whether coin has any open position.
func (m *Manager) HasPosition(coin string) bool {
	return len(m.open[coin]) > 0
}

// OpenCount returns the number of open positions across all coins.
func (m *Manager) OpenCount() int {
	n := 0
	for _, list := range m.open {
		n += len(list)
	}
	return n
}

// Get returns a copy of one open position.
func (m *Manager) Get(coin, id string) (VirtualPosition, bool) {
	list, idx, ok := m.find(coin, id)
	if !ok {
		return VirtualPosition{}, false
	}
	return list[idx], true
}

// Positions returns a copy of the open positions on coin, oldest first.
func (m *Manager) Positions(coin string) []VirtualPosition {
	return append([]VirtualPosition(nil), m.open[coin]...)
}

// AllPositions returns a copy of every open position ordered by coin then entry.
func (m *Manager) AllPositions() []VirtualPosition {
	coins := make([]string, 0, len(m.open))
	for c := range m.open {
		coins = append(coins, c)
	}
	sort.Strings(coins)
	var out []VirtualPosition
	for _, c := range coins {
		out = append(out, m.open[c]...)
	}
	return out
}

// History returns a copy of the closed-trade history in close order.
func (m *Manager) History() []ClosedPosition {
	return append([]ClosedPosition(nil), m.history...)
}

func (m *Manager) find(coin, id string) ([]VirtualPosition, int, bool) {
	list := m.open[coin]
	for i := range list {
		if list[i].ID == id {
			return list, i, true
		}
	}
	return nil, -1, false
}

func (m *Manager) remove(coin string, idx int) {
	list := m.open[coin]
	list = append(list[:idx], list[idx+1:]...)
	if len(list) == 0 {
		delete(m.open, coin)
		return
	}
	m.open[coin] = list
}
