package risk

import (
	"math"
	"time"
)

// Limit is a loss limit expressed both as a fraction of a base amount and as an
// absolute KRW value. The tighter of the two applies; a non-positive component is
// ignored.
type Limit struct {
	Pct float64 `json:"pct" yaml:"pct"` // 0.02 = 2%
	Abs float64 `json:"abs" yaml:"abs"` // KRW
}

// Effective returns min(Pct*base, Abs). With both components disabled the limit is
// +Inf and never breached.
func (l Limit) Effective(base float64) float64 {
	limit := math.Inf(1)
	if l.Pct > 0 && base > 0 {
		limit = l.Pct * base
	}
	if l.Abs > 0 && l.Abs < limit {
		limit = l.Abs
	}
	return limit
}

// Config defines the kill-switch policies. All money values are KRW.
type Config struct {
	InitialCapital float64 `json:"initial_capital" yaml:"initial_capital"`

	SingleTradeLoss Limit   `json:"single_trade_loss" yaml:"single_trade_loss"`
	DailyLoss       Limit   `json:"daily_loss" yaml:"daily_loss"`
	Rolling24hLoss  float64 `json:"rolling_24h_loss" yaml:"rolling_24h_loss"`

	Drawdown           Limit `json:"drawdown" yaml:"drawdown"` // Pct applies to the HWM
	DrawdownWindowDays int   `json:"drawdown_window_days" yaml:"drawdown_window_days"`

	// Cold start: while the session is younger than ColdStartAge and has fewer than
	// ColdStartTrades trades, only Drawdown.Abs applies.
	ColdStartAge    time.Duration `json:"cold_start_age" yaml:"cold_start_age"`
	ColdStartTrades int           `json:"cold_start_trades" yaml:"cold_start_trades"`

	UnrealizedExposurePct float64 `json:"unrealized_exposure_pct" yaml:"unrealized_exposure_pct"`
	MaxOrderSize          float64 `json:"max_order_size" yaml:"max_order_size"` // KRW notional per leg
}

// DefaultConfig returns conservative defaults for the given funded capital.
func DefaultConfig(initialCapital float64) Config {
	return Config{
		InitialCapital:        initialCapital,
		SingleTradeLoss:       Limit{Pct: 0.01, Abs: 500_000},
		DailyLoss:             Limit{Pct: 0.03, Abs: 1_500_000},
		Rolling24hLoss:        2_000_000,
		Drawdown:              Limit{Pct: 0.05, Abs: 3_000_000},
		DrawdownWindowDays:    7,
		ColdStartAge:          24 * time.Hour,
		ColdStartTrades:       10,
		UnrealizedExposurePct: 0.05,
		MaxOrderSize:          10_000_000,
	}
}

// Reason names the policy that tripped the kill switch.
type Reason string

const (
	ReasonSingleTradeLoss    Reason = "single_trade_loss"
	ReasonDailyLoss          Reason = "daily_loss"
	ReasonRolling24hLoss     Reason = "rolling_24h_loss"
	ReasonDrawdown           Reason = "drawdown"
	ReasonUnrealizedExposure Reason = "unrealized_exposure"
	ReasonManual             Reason = "manual"
)

// KillEvent describes the breach that killed the process.
type KillEvent struct {
	Reason Reason    `json:"reason"`
	Value  float64   `json:"value"`
	Limit  float64   `json:"limit"`
	Detail string    `json:"detail,omitempty"`
	At     time.Time `json:"at"`
}

// Venue identifies an exchange for connectivity tracking.
type Venue string

const (
	VenueUpbit Venue = "upbit"
	VenueBybit Venue = "bybit"
)

// ExposureSnapshot is the mark-to-market view of one open position.
// Spread is the Upbit premium over Bybit in percent; the position gains when it
// rises from entry.
type ExposureSnapshot struct {
	Coin              string  `json:"coin"`
	EntrySpreadPct    float64 `json:"entry_spread_pct"`
	CurrentSpreadPct  float64 `json:"current_spread_pct"`
	UpbitNotionalKRW  float64 `json:"upbit_notional_krw"`
	BybitNotionalUSDT float64 `json:"bybit_notional_usdt"`
	EntryFXRate       float64 `json:"entry_fx_rate"`
	CurrentFXRate     float64 `json:"current_fx_rate"`
}

// EstimatedLoss is the adverse mark-to-market move since entry in KRW: spread loss
// on the spot notional plus the KRW value lost on the USDT leg from FX. Favorable
// moves count as zero.
func (s ExposureSnapshot) EstimatedLoss() float64 {
	spreadLoss := math.Max(0, (s.EntrySpreadPct-s.CurrentSpreadPct)/100*s.UpbitNotionalKRW)
	fxLoss := 0.0
	if s.EntryFXRate > 0 && s.CurrentFXRate > 0 {
		fxLoss = math.Max(0, (s.EntryFXRate-s.CurrentFXRate)*s.BybitNotionalUSDT)
	}
	return spreadLoss + fxLoss
}

// Snapshot is a read-only view of the risk ledger.
type Snapshot struct {
	Killed         bool       `json:"killed"`
	Kill           *KillEvent `json:"kill,omitempty"`
	InitialCapital float64    `json:"initial_capital"`
	Equity         float64    `json:"equity"`
	HighWaterMark  float64    `json:"high_water_mark"`
	DailyPnL       float64    `json:"daily_pnl"`
	Rolling24hLoss float64    `json:"rolling_24h_loss"`
	TradeCount     int        `json:"trade_count"`
	SessionStart   time.Time  `json:"session_start"`
	UpbitConnected bool       `json:"upbit_connected"`
	BybitConnected bool       `json:"bybit_connected"`
	EntryAllowed   bool       `json:"entry_allowed"`
}
