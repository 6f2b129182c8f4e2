package events

import "time"

// Event enumerates high-level topics inside the arbitrage core.
type Event string

const (
	EventKillSwitch    Event = "risk.kill_switch"
	EventLiquidated    Event = "position.liquidated"
	EventLegFailure    Event = "position.leg_failure"
	EventConnectivity  Event = "exchange.connectivity"
	EventPositionOpen  Event = "position.opened"
	EventPositionClose Event = "position.closed"
)

// Severity of an alert-worthy event.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert is the payload carried on alert-worthy topics.
type Alert struct {
	Topic    Event     `json:"topic"`
	Severity Severity  `json:"severity"`
	Coin     string    `json:"coin,omitempty"`
	Message  string    `json:"message"`
	At       time.Time `json:"at"`
}
