package engine

import (
	"time"

	"arb-core/internal/balance"
	"arb-core/internal/persistence"
	"arb-core/internal/position"
	"arb-core/internal/risk"
)

// EntryRequest is a decision to open a hedged pair: buy Size coins on Upbit and
// short the same size on Bybit.
type EntryRequest struct {
	Coin       string  `json:"coin"`
	Size       float64 `json:"size"`
	UpbitPrice float64 `json:"upbit_price"` // expected KRW fill
	BybitPrice float64 `json:"bybit_price"` // expected USDT fill
	SpreadPct  float64 `json:"spread_pct"`
	Signal     float64 `json:"signal"`
	FXRate     float64 `json:"fx_rate"` // KRW per USDT
}

// LegFill is the execution result of one leg. Qty zero means the leg did not fill.
type LegFill struct {
	OrderID       string  `json:"order_id"`
	ClientOrderID string  `json:"client_order_id"`
	Qty           float64 `json:"qty"`
	Price         float64 `json:"price"`
}

// Filled reports whether any quantity executed.
func (f LegFill) Filled() bool { return f.Qty > 0 }

// Notional is Qty*Price in the venue's quote currency.
func (f LegFill) Notional() float64 { return f.Qty * f.Price }

// Fills pairs the two legs of one entry or exit.
type Fills struct {
	Upbit LegFill `json:"upbit"`
	Bybit LegFill `json:"bybit"`
}

func (f Fills) halfFilled() (persistence.Leg, bool) {
	switch {
	case f.Upbit.Filled() && !f.Bybit.Filled():
		return persistence.LegUpbit, true
	case f.Bybit.Filled() && !f.Upbit.Filled():
		return persistence.LegBybit, true
	}
	return persistence.LegNone, false
}

// halfExit is an exit where only one leg filled, kept until CompleteExit flattens
// both legs.
type halfExit struct {
	pos   position.VirtualPosition
	quote ExitQuote
	upbit legProgress
	bybit legProgress
}

func (h *halfExit) progress(leg persistence.Leg) *legProgress {
	if leg == persistence.LegUpbit {
		return &h.upbit
	}
	return &h.bybit
}

// legProgress accumulates the exit fills of one leg.
type legProgress struct {
	qty           float64
	notional      float64
	orderID       string
	clientOrderID string
}

func (p *legProgress) add(f LegFill) {
	if !f.Filled() {
		return
	}
	p.qty += f.Qty
	p.notional += f.Notional()
	p.orderID = f.OrderID
	p.clientOrderID = f.ClientOrderID
}

// price is the volume-weighted exit price so far.
func (p legProgress) price() float64 {
	if p.qty <= 0 {
		return 0
	}
	return p.notional / p.qty
}

// ExitQuote carries the market context observed when an exit is decided.
type ExitQuote struct {
	SpreadPct float64 `json:"spread_pct"`
	Signal    float64 `json:"signal"`
	FXRate    float64 `json:"fx_rate"`
}

// MarketQuote is the current view of one coin used for exposure and liquidation.
type MarketQuote struct {
	UpbitPrice float64 `json:"upbit_price"`
	BybitPrice float64 `json:"bybit_price"`
	SpreadPct  float64 `json:"spread_pct"`
	FXRate     float64 `json:"fx_rate"`
}

// RecoveryItem is one non-terminal row found at startup and what must be done with it.
type RecoveryItem struct {
	Record persistence.PositionRecord `json:"record"`
	Action persistence.RecoveryAction `json:"action"`
}

// Status is the operator view of a running session.
type Status struct {
	SessionID     string                  `json:"session_id"`
	Risk          risk.Snapshot           `json:"risk"`
	Available     balance.Amounts         `json:"available"`
	Reserved      balance.Amounts         `json:"reserved"`
	OpenPositions int                     `json:"open_positions"`
	Writer        persistence.WriterStats `json:"writer"`
	ServerTime    time.Time               `json:"server_time"`
}

// PositionView is an open position as reported to operators.
type PositionView struct {
	position.VirtualPosition
	HoldingSeconds float64 `json:"holding_seconds"`
}
