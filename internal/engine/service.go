// Package engine drives one arbitrage session: it sequences entries and exits
// across the balance tracker, position book, risk manager and write queue.
package engine

import (
	"context"

	"arb-core/internal/persistence"
	"arb-core/internal/position"
	"arb-core/internal/risk"
)

// Service defines the operations the API layer may invoke.
// The API layer should only interact with the engine through this interface.
type Service interface {
	Status(ctx context.Context) Status
	Positions(ctx context.Context) []PositionView

	// Kill trips the kill switch manually; false if it was already tripped.
	Kill(ctx context.Context, detail string) bool
	SetConnectivity(ctx context.Context, venue risk.Venue, ok bool)
}

// Executor places the two legs on the exchanges. Implementations return whatever
// filled even when err is non-nil, so a half fill can be told apart from no fill.
type Executor interface {
	EnterLegs(ctx context.Context, positionID string, req EntryRequest) (Fills, error)
	ExitLegs(ctx context.Context, pos position.VirtualPosition, qty float64) (Fills, error)
	// ExitLeg closes qty of a single leg; used to finish a half-filled exit.
	ExitLeg(ctx context.Context, pos position.VirtualPosition, leg persistence.Leg, qty float64) (LegFill, error)
}
