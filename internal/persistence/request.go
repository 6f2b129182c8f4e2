package persistence

import "time"

// Kind tags a write request.
type Kind string

const (
	KindPositionInsert     Kind = "position_insert"
	KindPositionTransition Kind = "position_transition"
	KindPositionDelete     Kind = "position_delete"
	KindTradeInsert        Kind = "trade_insert"
	KindAlert              Kind = "alert"
	KindSessionStatus      Kind = "session_status"
	KindMinuteBar          Kind = "minute_bar"
	KindFundingUpsert      Kind = "funding_upsert"
	KindBalanceSnapshot    Kind = "balance_snapshot"
	KindHeartbeat          Kind = "heartbeat"
)

// Critical kinds are never dropped by the writer.
func (k Kind) Critical() bool {
	switch k {
	case KindPositionInsert, KindPositionTransition, KindPositionDelete,
		KindTradeInsert, KindAlert, KindSessionStatus:
		return true
	}
	return false
}

// Request is one durable write travelling through the writer queue.
type Request interface {
	Kind() Kind
}

// PositionRecord is the durable row backing a virtual position.
type PositionRecord struct {
	ID        string
	SessionID string
	Coin      string
	State     State

	UpbitQty           float64
	UpbitEntryPrice    float64
	UpbitOrderID       string
	UpbitClientOrderID string

	BybitQty           float64
	BybitEntryPrice    float64
	BybitOrderID       string
	BybitClientOrderID string

	EntrySpreadPct float64
	EntrySignal    float64
	EntryFXRate    float64

	OpenedAt    time.Time
	ClosedAt    *time.Time
	RealizedPnL float64

	ExitUpbitOrderID       string
	ExitUpbitClientOrderID string
	ExitBybitOrderID       string
	ExitBybitClientOrderID string

	InFlight          bool
	SucceededLeg      Leg
	EmergencyAttempts int
}

// TransitionFields are optional column updates applied with a state transition.
// Nil fields are left untouched.
type TransitionFields struct {
	UpbitQty        *float64
	UpbitEntryPrice *float64
	UpbitOrderID    *string
	BybitQty        *float64
	BybitEntryPrice *float64
	BybitOrderID    *string

	ExitUpbitOrderID       *string
	ExitUpbitClientOrderID *string
	ExitBybitOrderID       *string
	ExitBybitClientOrderID *string

	RealizedPnL  *float64
	ClosedAt     *time.Time
	InFlight     *bool
	SucceededLeg *Leg
}

// PositionInsert writes a new row, normally in StateOpening.
type PositionInsert struct {
	Record PositionRecord
}

// PositionTransition moves a row from From to To if it is still in From.
type PositionTransition struct {
	ID     string
	From   State
	To     State
	Fields TransitionFields
}

// PositionDelete removes a row whose entry never filled.
type PositionDelete struct {
	ID string
}

// TradeRecord is the durable form of a closed (or partially closed) position.
type TradeRecord struct {
	ID           string
	SessionID    string
	PositionID   string
	Coin         string
	Size         float64
	UpbitPnL     float64
	BybitPnL     float64
	TotalFees    float64
	NetPnL       float64
	IsLiquidated bool
	EntryTime    time.Time
	ExitTime     time.Time
}

type AlertRecord struct {
	ID        string
	SessionID string
	Severity  string
	Topic     string
	Message   string
	CreatedAt time.Time
}

type SessionStatus struct {
	SessionID string
	Status    string
	Detail    string
	StartedAt time.Time
	UpdatedAt time.Time
}

// MinuteBar is a one-minute snapshot of both venues for a coin.
type MinuteBar struct {
	Coin       string
	Bucket     time.Time
	UpbitClose float64
	BybitClose float64
	SpreadPct  float64
	FXRate     float64
}

type FundingRate struct {
	Coin          string
	Rate          float64
	NextFundingAt time.Time
	UpdatedAt     time.Time
}

type BalanceSnapshot struct {
	ID            string
	SessionID     string
	KRWAvailable  float64
	USDTAvailable float64
	KRWReserved   float64
	USDTReserved  float64
	TakenAt       time.Time
}

type Heartbeat struct {
	SessionID string
	At        time.Time
}

func (PositionInsert) Kind() Kind     { return KindPositionInsert }
func (PositionTransition) Kind() Kind { return KindPositionTransition }
func (PositionDelete) Kind() Kind     { return KindPositionDelete }
func (TradeRecord) Kind() Kind        { return KindTradeInsert }
func (AlertRecord) Kind() Kind        { return KindAlert }
func (SessionStatus) Kind() Kind      { return KindSessionStatus }
func (MinuteBar) Kind() Kind          { return KindMinuteBar }
func (FundingRate) Kind() Kind        { return KindFundingUpsert }
func (BalanceSnapshot) Kind() Kind    { return KindBalanceSnapshot }
func (Heartbeat) Kind() Kind          { return KindHeartbeat }
