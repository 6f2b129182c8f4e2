package market

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"arb-core/internal/engine"
)

// QuoteHandler receives every synthetic quote.
type QuoteHandler func(ctx context.Context, coin string, q engine.MarketQuote)

// Seed is the starting point of one coin's random walk.
type Seed struct {
	UpbitPrice float64 // KRW
	BybitPrice float64 // USDT
}

// DefaultSeeds are rough majors used when no seeds are configured.
func DefaultSeeds() map[string]Seed {
	return map[string]Seed{
		"BTC": {UpbitPrice: 142_000_000, BybitPrice: 100_000},
		"ETH": {UpbitPrice: 5_300_000, BybitPrice: 3_750},
		"XRP": {UpbitPrice: 3_400, BybitPrice: 2.4},
	}
}

// MockFeed generates synthetic two-venue quotes for paper trading. Each venue price
// and the FX rate follow an independent random walk of at most StepPct per tick.
type MockFeed struct {
	Seeds    map[string]Seed
	FXRate   float64 // starting KRW per USDT
	StepPct  float64 // max relative move per tick, e.g. 0.0005
	Interval time.Duration
	Handler  QuoteHandler
	Logger   *zap.Logger

	mu     sync.Mutex
	rng    *rand.Rand
	prices map[string]Seed
	fx     float64
}

// Start runs the feed until ctx ends.
func (m *MockFeed) Start(ctx context.Context) {
	if m.Logger == nil {
		m.Logger = zap.NewNop()
	}
	if m.Handler == nil || len(m.Seeds) == 0 {
		m.Logger.Warn("mock feed not started: no handler or coins")
		return
	}
	if m.StepPct <= 0 {
		m.StepPct = 0.0005
	}
	if m.Interval <= 0 {
		m.Interval = time.Second
	}
	m.mu.Lock()
	m.initLocked()
	m.mu.Unlock()

	go func() {
		t := time.NewTicker(m.Interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				for coin, q := range m.Tick() {
					m.Handler(ctx, coin, q)
				}
			}
		}
	}()
	m.Logger.Info("mock feed started", zap.Int("coins", len(m.Seeds)), zap.Duration("interval", m.Interval))
}

func (m *MockFeed) initLocked() {
	if m.rng == nil {
		m.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	m.prices = make(map[string]Seed, len(m.Seeds))
	for coin, s := range m.Seeds {
		m.prices[coin] = s
	}
	m.fx = m.FXRate
	if m.fx <= 0 {
		m.fx = 1400
	}
}

// Tick advances every walk by one step and returns the new quotes.
func (m *MockFeed) Tick() map[string]engine.MarketQuote {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.prices == nil {
		m.initLocked()
	}

	m.fx *= 1 + m.step()
	out := make(map[string]engine.MarketQuote, len(m.prices))
	for coin, p := range m.prices {
		p.UpbitPrice *= 1 + m.step()
		p.BybitPrice *= 1 + m.step()
		m.prices[coin] = p
		out[coin] = engine.MarketQuote{
			UpbitPrice: p.UpbitPrice,
			BybitPrice: p.BybitPrice,
			SpreadPct:  Premium(p.UpbitPrice, p.BybitPrice, m.fx),
			FXRate:     m.fx,
		}
	}
	return out
}

func (m *MockFeed) step() float64 {
	return (m.rng.Float64()*2 - 1) * m.StepPct
}

// Premium is the Upbit premium over Bybit in percent after converting at fx.
func Premium(upbitKRW, bybitUSDT, fx float64) float64 {
	if bybitUSDT <= 0 || fx <= 0 {
		return 0
	}
	return (upbitKRW/(bybitUSDT*fx) - 1) * 100
}
