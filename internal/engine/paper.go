package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"arb-core/internal/persistence"
	"arb-core/internal/position"
)

// ErrNoQuote is returned by the paper executor when it has no price to fill an exit at.
var ErrNoQuote = errors.New("engine: no quote for coin")

// QuoteBook keeps the latest MarketQuote per coin.
type QuoteBook struct {
	mu     sync.RWMutex
	quotes map[string]MarketQuote
}

func NewQuoteBook() *QuoteBook {
	return &QuoteBook{quotes: make(map[string]MarketQuote)}
}

func (b *QuoteBook) Set(coin string, q MarketQuote) {
	b.mu.Lock()
	b.quotes[coin] = q
	b.mu.Unlock()
}

func (b *QuoteBook) Get(coin string) (MarketQuote, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	q, ok := b.quotes[coin]
	return q, ok
}

// Snapshot copies every quote, suitable for CheckExposure.
func (b *QuoteBook) Snapshot() map[string]MarketQuote {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string]MarketQuote, len(b.quotes))
	for k, v := range b.quotes {
		out[k] = v
	}
	return out
}

type PaperConfig struct {
	SlippageBps  float64 // basis points of adverse slippage applied on fills
	LatencyMinMs int     // simulated venue latency lower bound
	LatencyMaxMs int     // simulated venue latency upper bound
}

// PaperExecutor fills both legs in memory. Entries fill at the requested prices and
// exits at the latest quote, each moved against us by up to SlippageBps.
type PaperExecutor struct {
	quotes *QuoteBook
	cfg    PaperConfig
	logger *zap.Logger

	mu  sync.Mutex
	rng *rand.Rand
}

func NewPaperExecutor(quotes *QuoteBook, cfg PaperConfig, logger *zap.Logger) *PaperExecutor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.LatencyMaxMs > 0 && cfg.LatencyMinMs > cfg.LatencyMaxMs {
		cfg.LatencyMinMs, cfg.LatencyMaxMs = cfg.LatencyMaxMs, cfg.LatencyMinMs
	}
	return &PaperExecutor{
		quotes: quotes,
		cfg:    cfg,
		logger: logger,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (p *PaperExecutor) EnterLegs(ctx context.Context, positionID string, req EntryRequest) (Fills, error) {
	if err := p.wait(ctx); err != nil {
		return Fills{}, err
	}
	fills := Fills{
		Upbit: p.fill(req.Size, req.UpbitPrice, true),  // buy spot
		Bybit: p.fill(req.Size, req.BybitPrice, false), // open short
	}
	p.logger.Debug("paper entry filled",
		zap.String("position_id", positionID),
		zap.String("coin", req.Coin),
		zap.Float64("upbit_price", fills.Upbit.Price),
		zap.Float64("bybit_price", fills.Bybit.Price))
	return fills, nil
}

func (p *PaperExecutor) ExitLegs(ctx context.Context, pos position.VirtualPosition, qty float64) (Fills, error) {
	q, ok := p.quotes.Get(pos.Coin)
	if !ok || q.UpbitPrice <= 0 || q.BybitPrice <= 0 {
		return Fills{}, ErrNoQuote
	}
	if err := p.wait(ctx); err != nil {
		return Fills{}, err
	}
	fills := Fills{
		Upbit: p.fill(qty, q.UpbitPrice, false), // sell spot
		Bybit: p.fill(qty, q.BybitPrice, true),  // cover short
	}
	p.logger.Debug("paper exit filled",
		zap.String("position_id", pos.ID),
		zap.String("coin", pos.Coin),
		zap.Float64("qty", qty))
	return fills, nil
}

func (p *PaperExecutor) ExitLeg(ctx context.Context, pos position.VirtualPosition, leg persistence.Leg, qty float64) (LegFill, error) {
	q, ok := p.quotes.Get(pos.Coin)
	if !ok || q.UpbitPrice <= 0 || q.BybitPrice <= 0 {
		return LegFill{}, ErrNoQuote
	}
	if err := p.wait(ctx); err != nil {
		return LegFill{}, err
	}
	var fill LegFill
	switch leg {
	case persistence.LegUpbit:
		fill = p.fill(qty, q.UpbitPrice, false)
	case persistence.LegBybit:
		fill = p.fill(qty, q.BybitPrice, true)
	default:
		return LegFill{}, fmt.Errorf("paper exit: unknown leg %q", leg)
	}
	p.logger.Debug("paper exit leg filled",
		zap.String("position_id", pos.ID),
		zap.String("leg", string(leg)),
		zap.Float64("qty", qty))
	return fill, nil
}

func (p *PaperExecutor) fill(qty, price float64, buy bool) LegFill {
	p.mu.Lock()
	noise := p.rng.Float64() * p.cfg.SlippageBps / 10000.0
	p.mu.Unlock()
	if buy {
		price *= 1 + noise
	} else {
		price *= 1 - noise
	}
	id := uuid.NewString()
	return LegFill{OrderID: "paper-" + id, ClientOrderID: id, Qty: qty, Price: price}
}

func (p *PaperExecutor) wait(ctx context.Context) error {
	if p.cfg.LatencyMaxMs <= 0 {
		return ctx.Err()
	}
	delayMs := max(p.cfg.LatencyMinMs, 0)
	if span := p.cfg.LatencyMaxMs - delayMs; span > 0 {
		p.mu.Lock()
		delayMs += p.rng.Intn(span + 1)
		p.mu.Unlock()
	}
	t := time.NewTimer(time.Duration(delayMs) * time.Millisecond)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
