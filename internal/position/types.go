package position

import "time"

// VirtualPosition is one open leg pair: a spot long on Upbit (KRW) and a margined
// short on Bybit (USDT) of the same size in coin units.
type VirtualPosition struct {
	ID        string    `json:"id"`
	Coin      string    `json:"coin"`
	EntryTime time.Time `json:"entry_time"`

	UpbitEntryPrice float64 `json:"upbit_entry_price"` // KRW
	BybitEntryPrice float64 `json:"bybit_entry_price"` // USDT
	EntrySpreadPct  float64 `json:"entry_spread_pct"`
	EntrySignal     float64 `json:"entry_signal"`
	EntryFXRate     float64 `json:"entry_fx_rate"` // KRW per USDT

	Size float64 `json:"size"`

	// LiquidationPrice of the short leg in USDT. Set once at entry.
	LiquidationPrice float64 `json:"liquidation_price"`
}

// UpbitNotional is the KRW cost of the spot leg at entry.
func (p VirtualPosition) UpbitNotional() float64 {
	return p.UpbitEntryPrice * p.Size
}

// BybitNotional is the USDT notional of the short leg at entry.
func (p VirtualPosition) BybitNotional() float64 {
	return p.BybitEntryPrice * p.Size
}

// ExitData describes the fills and market state observed when a position is closed.
type ExitData struct {
	Time       time.Time `json:"time"`
	UpbitPrice float64   `json:"upbit_price"`
	BybitPrice float64   `json:"bybit_price"`
	SpreadPct  float64   `json:"spread_pct"`
	Signal     float64   `json:"signal"`
	FXRate     float64   `json:"fx_rate"`
}

// ClosedPosition is the finished trade record. PnL and fee figures are in KRW and
// are computed once when the record is created.
type ClosedPosition struct {
	ID   string  `json:"id"`
	Coin string  `json:"coin"`
	Size float64 `json:"size"`

	EntryTime       time.Time `json:"entry_time"`
	UpbitEntryPrice float64   `json:"upbit_entry_price"`
	BybitEntryPrice float64   `json:"bybit_entry_price"`
	EntrySpreadPct  float64   `json:"entry_spread_pct"`
	EntrySignal     float64   `json:"entry_signal"`
	EntryFXRate     float64   `json:"entry_fx_rate"`

	ExitTime       time.Time `json:"exit_time"`
	UpbitExitPrice float64   `json:"upbit_exit_price"`
	BybitExitPrice float64   `json:"bybit_exit_price"`
	ExitSpreadPct  float64   `json:"exit_spread_pct"`
	ExitSignal     float64   `json:"exit_signal"`
	ExitFXRate     float64   `json:"exit_fx_rate"`

	UpbitPnL  float64 `json:"upbit_pnl"`
	BybitPnL  float64 `json:"bybit_pnl"`
	UpbitFees float64 `json:"upbit_fees"`
	BybitFees float64 `json:"bybit_fees"`
	TotalFees float64 `json:"total_fees"`
	NetPnL    float64 `json:"net_pnl"`

	HoldingDuration time.Duration `json:"holding_duration"`
	IsLiquidated    bool          `json:"is_liquidated"`
	Partial         bool          `json:"partial"`
}

// FeeConfig holds the taker fee rates of both venues as fractions (0.0005 = 5 bps).
type FeeConfig struct {
	UpbitTakerRate float64 `json:"upbit_taker_rate"`
	BybitTakerRate float64 `json:"bybit_taker_rate"`
}

// MarginConfig describes the short leg's margin terms used for the liquidation price.
type MarginConfig struct {
	Leverage              float64 `json:"leverage"`
	MaintenanceMarginRate float64 `json:"maintenance_margin_rate"`
}

// Config configures a Manager.
type Config struct {
	Fees   FeeConfig
	Margin MarginConfig
}
