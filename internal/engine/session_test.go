package engine

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"arb-core/internal/balance"
	"arb-core/internal/events"
	"arb-core/internal/persistence"
	"arb-core/internal/position"
	"arb-core/internal/risk"
)

type memWriter struct {
	mu   sync.Mutex
	reqs []persistence.Request
	// bestEffortErr is returned for best-effort kinds when set.
	bestEffortErr error
}

func (w *memWriter) Enqueue(req persistence.Request) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !req.Kind().Critical() && w.bestEffortErr != nil {
		return w.bestEffortErr
	}
	w.reqs = append(w.reqs, req)
	return nil
}

func (w *memWriter) Stats() persistence.WriterStats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return persistence.WriterStats{Enqueued: uint64(len(w.reqs))}
}

func (w *memWriter) kinds() []persistence.Kind {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]persistence.Kind, 0, len(w.reqs))
	for _, r := range w.reqs {
		out = append(out, r.Kind())
	}
	return out
}

func (w *memWriter) transitions() []persistence.PositionTransition {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []persistence.PositionTransition
	for _, r := range w.reqs {
		if t, ok := r.(persistence.PositionTransition); ok {
			out = append(out, t)
		}
	}
	return out
}

func (w *memWriter) trades() []persistence.TradeRecord {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []persistence.TradeRecord
	for _, r := range w.reqs {
		if t, ok := r.(persistence.TradeRecord); ok {
			out = append(out, t)
		}
	}
	return out
}

type fakeExec struct {
	entry    Fills
	entryErr error
	exit     func(pos position.VirtualPosition, qty float64) (Fills, error)

	leg      func(pos position.VirtualPosition, leg persistence.Leg, qty float64) (LegFill, error)

	entries []EntryRequest
	exitQty []float64
	legQty  []legCall
}

type legCall struct {
	leg persistence.Leg
	qty float64
}

func (e *fakeExec) EnterLegs(_ context.Context, _ string, req EntryRequest) (Fills, error) {
	e.entries = append(e.entries, req)
	return e.entry, e.entryErr
}

func (e *fakeExec) ExitLegs(_ context.Context, pos position.VirtualPosition, qty float64) (Fills, error) {
	e.exitQty = append(e.exitQty, qty)
	if e.exit == nil {
		return Fills{}, errors.New("no exit configured")
	}
	return e.exit(pos, qty)
}

func (e *fakeExec) ExitLeg(_ context.Context, pos position.VirtualPosition, leg persistence.Leg, qty float64) (LegFill, error) {
	e.legQty = append(e.legQty, legCall{leg: leg, qty: qty})
	if e.leg == nil {
		return LegFill{}, errors.New("no leg exit configured")
	}
	return e.leg(pos, leg, qty)
}

// legAt fills any single-leg exit at the leg's price.
func legAt(upbit, bybit float64) func(position.VirtualPosition, persistence.Leg, float64) (LegFill, error) {
	return func(_ position.VirtualPosition, leg persistence.Leg, qty float64) (LegFill, error) {
		if leg == persistence.LegUpbit {
			return LegFill{OrderID: "ul", Qty: qty, Price: upbit}, nil
		}
		return LegFill{OrderID: "bl", Qty: qty, Price: bybit}, nil
	}
}

// exitAt fills both legs of any exit at the given prices.
func exitAt(upbit, bybit float64) func(position.VirtualPosition, float64) (Fills, error) {
	return func(_ position.VirtualPosition, qty float64) (Fills, error) {
		return Fills{
			Upbit: LegFill{OrderID: "ux", Qty: qty, Price: upbit},
			Bybit: LegFill{OrderID: "bx", Qty: qty, Price: bybit},
		}, nil
	}
}

type harness struct {
	session  *Session
	writer   *memWriter
	exec     *fakeExec
	balances *balance.Tracker
	risk     *risk.Manager
	alerts   <-chan any
}

const capital = 100_000_000

func newHarness(t *testing.T, riskCfg risk.Config) *harness {
	t.Helper()
	bus := events.NewBus()
	alerts, unsub := bus.SubscribeMany([]events.Event{
		events.EventKillSwitch, events.EventLiquidated, events.EventLegFailure,
		events.EventPositionOpen, events.EventPositionClose,
	}, 32)
	t.Cleanup(unsub)

	posCfg := position.Config{
		Margin: position.MarginConfig{Leverage: 2, MaintenanceMarginRate: 0.005},
	}
	h := &harness{
		writer:   &memWriter{},
		exec:     &fakeExec{},
		balances: balance.NewTracker(balance.Amounts{KRW: capital, USDT: 100_000}),
		risk:     risk.NewManager(riskCfg, risk.WithBus(bus)),
		alerts:   alerts,
	}
	h.session = NewSession(Config{
		SessionID: "s1",
		Position:  posCfg,
		Instruments: map[string]position.InstrumentRules{
			"BTC": {QtyStep: 0.001, MinQty: 0.001},
		},
	}, position.NewManager(posCfg), h.balances, h.risk, h.writer, h.exec, WithBus(bus))
	return h
}

func btcEntry() EntryRequest {
	return EntryRequest{Coin: "BTC", Size: 0.0105, UpbitPrice: 90_000_000, BybitPrice: 65_000, SpreadPct: 2.5, FXRate: 1350}
}

func bothFilled(qty float64) Fills {
	return Fills{
		Upbit: LegFill{OrderID: "u1", Qty: qty, Price: 90_000_000},
		Bybit: LegFill{OrderID: "b1", Qty: qty, Price: 65_000},
	}
}

func (h *harness) open(t *testing.T) position.VirtualPosition {
	t.Helper()
	h.exec.entry = bothFilled(0.01)
	pos, err := h.session.Enter(context.Background(), btcEntry())
	if err != nil {
		t.Fatalf("Enter: %v", err)
	}
	return pos
}

func (h *harness) inBook(coin, id string) (position.VirtualPosition, bool) {
	h.session.mu.Lock()
	defer h.session.mu.Unlock()
	return h.session.book.Get(coin, id)
}

func drainAlerts(ch <-chan any) []events.Alert {
	var out []events.Alert
	for {
		select {
		case msg := <-ch:
			out = append(out, msg.(events.Alert))
		default:
			return out
		}
	}
}

func hasTopic(alerts []events.Alert, topic events.Event) bool {
	for _, a := range alerts {
		if a.Topic == topic {
			return true
		}
	}
	return false
}

func approx(a, b float64) bool { return math.Abs(a-b) < 1e-6 }

func TestEnterBothLegsFilled(t *testing.T) {
	h := newHarness(t, risk.DefaultConfig(capital))
	pos := h.open(t)

	if got := h.exec.entries[0].Size; !approx(got, 0.01) {
		t.Fatalf("executor size=%v, expected floored 0.01", got)
	}
	if !approx(pos.Size, 0.01) || pos.ID == "" {
		t.Fatalf("position=%+v", pos)
	}
	if want := 65_000 * (1 + 0.5 - 0.005); !approx(pos.LiquidationPrice, want) {
		t.Fatalf("liquidation=%v want %v", pos.LiquidationPrice, want)
	}

	avail := h.balances.Available()
	if !approx(avail.KRW, capital-900_000) || !approx(avail.USDT, 100_000-325) {
		t.Fatalf("available=%+v", avail)
	}
	if h.balances.HasInFlightReservations() {
		t.Fatal("reservation left in flight")
	}

	kinds := h.writer.kinds()
	if len(kinds) != 2 || kinds[0] != persistence.KindPositionInsert || kinds[1] != persistence.KindPositionTransition {
		t.Fatalf("writes=%v", kinds)
	}
	tr := h.writer.transitions()[0]
	if tr.ID != pos.ID || tr.From != persistence.StateOpening || tr.To != persistence.StateOpen {
		t.Fatalf("transition=%+v", tr)
	}
	if tr.Fields.InFlight == nil || *tr.Fields.InFlight || *tr.Fields.UpbitOrderID != "u1" {
		t.Fatalf("transition fields=%+v", tr.Fields)
	}
	if !hasTopic(drainAlerts(h.alerts), events.EventPositionOpen) {
		t.Fatal("expected position opened event")
	}
}

func TestEnterHalfFilled(t *testing.T) {
	h := newHarness(t, risk.DefaultConfig(capital))
	h.exec.entry = Fills{Upbit: LegFill{OrderID: "u1", Qty: 0.01, Price: 90_000_000}}
	h.exec.entryErr = errors.New("bybit: insufficient margin")

	_, err := h.session.Enter(context.Background(), btcEntry())
	if !errors.Is(err, ErrLegFailure) {
		t.Fatalf("err=%v, expected ErrLegFailure", err)
	}

	avail := h.balances.Available()
	if !approx(avail.KRW, capital-900_000) || !approx(avail.USDT, 100_000) {
		t.Fatalf("only the filled leg should be spent, available=%+v", avail)
	}
	if h.session.Status(context.Background()).OpenPositions != 0 {
		t.Fatal("half-filled entry must not enter the book")
	}
	tr := h.writer.transitions()
	if len(tr) != 1 || tr[0].To != persistence.StateEntryHalfFilled || *tr[0].Fields.SucceededLeg != persistence.LegUpbit {
		t.Fatalf("transitions=%+v", tr)
	}

	alerts := drainAlerts(h.alerts)
	if !hasTopic(alerts, events.EventLegFailure) {
		t.Fatal("expected leg failure alert")
	}
	for _, a := range alerts {
		if a.Topic == events.EventLegFailure && a.Severity != events.SeverityCritical {
			t.Fatalf("leg failure severity=%s", a.Severity)
		}
	}
}

func TestEnterNoFillReleasesAndDeletes(t *testing.T) {
	h := newHarness(t, risk.DefaultConfig(capital))
	execErr := errors.New("upbit timeout")
	h.exec.entryErr = execErr

	_, err := h.session.Enter(context.Background(), btcEntry())
	if !errors.Is(err, execErr) {
		t.Fatalf("err=%v", err)
	}
	if avail := h.balances.Available(); avail.KRW != capital || avail.USDT != 100_000 {
		t.Fatalf("capital not restored: %+v", avail)
	}
	kinds := h.writer.kinds()
	if len(kinds) != 2 || kinds[1] != persistence.KindPositionDelete {
		t.Fatalf("writes=%v", kinds)
	}
}

func TestEnterRejected(t *testing.T) {
	tests := []struct {
		name    string
		prepare func(h *harness)
		req     EntryRequest
		want    error
	}{
		{
			name:    "killed",
			prepare: func(h *harness) { h.risk.Kill("test") },
			req:     btcEntry(),
			want:    risk.ErrKilled,
		},
		{
			name:    "exchange down",
			prepare: func(h *harness) { h.risk.SetConnectivity(risk.VenueBybit, false) },
			req:     btcEntry(),
			want:    risk.ErrExchangeDisconnected,
		},
		{
			name: "order too large",
			req:  EntryRequest{Coin: "BTC", Size: 0.2, UpbitPrice: 90_000_000, BybitPrice: 65_000, FXRate: 1350},
			want: risk.ErrOrderTooLarge,
		},
		{
			name: "below instrument minimum",
			req:  EntryRequest{Coin: "BTC", Size: 0.0004, UpbitPrice: 90_000_000, BybitPrice: 65_000, FXRate: 1350},
			want: position.ErrInvalidQuantity,
		},
		{
			name: "insufficient capital",
			req:  EntryRequest{Coin: "ETH", Size: 2, UpbitPrice: 4_000_000, BybitPrice: 120_000, FXRate: 1350},
			want: balance.ErrInsufficientCapital,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, risk.DefaultConfig(capital))
			if tt.prepare != nil {
				tt.prepare(h)
			}
			_, err := h.session.Enter(context.Background(), tt.req)
			if !errors.Is(err, tt.want) {
				t.Fatalf("err=%v, expected %v", err, tt.want)
			}
			if len(h.exec.entries) != 0 {
				t.Fatal("executor must not be called")
			}
			if h.balances.HasInFlightReservations() {
				t.Fatal("reservation leaked")
			}
		})
	}
}

func TestExitSettlesPosition(t *testing.T) {
	h := newHarness(t, risk.DefaultConfig(capital))
	pos := h.open(t)
	h.exec.exit = exitAt(91_000_000, 64_000)

	closed, err := h.session.Exit(context.Background(), "BTC", pos.ID, ExitQuote{SpreadPct: 1.0, FXRate: 1350})
	if err != nil {
		t.Fatalf("Exit: %v", err)
	}
	// Upbit +1,000,000*0.01; Bybit short +1000*0.01 USDT at 1350.
	if !approx(closed.UpbitPnL, 10_000) || !approx(closed.BybitPnL, 13_500) || !approx(closed.NetPnL, 23_500) {
		t.Fatalf("closed=%+v", closed)
	}

	snap := h.risk.Snapshot()
	if snap.TradeCount != 1 || !approx(snap.Equity, capital+23_500) {
		t.Fatalf("risk snapshot=%+v", snap)
	}
	avail := h.balances.Available()
	if !approx(avail.KRW, capital+10_000) || !approx(avail.USDT, 100_010) {
		t.Fatalf("available=%+v", avail)
	}

	tr := h.writer.transitions()
	last := tr[len(tr)-1]
	if tr[len(tr)-2].To != persistence.StateClosing || last.To != persistence.StateClosed {
		t.Fatalf("transitions=%+v", tr)
	}
	if !approx(*last.Fields.RealizedPnL, 23_500) || last.Fields.ClosedAt == nil {
		t.Fatalf("closing fields=%+v", last.Fields)
	}
	trades := h.writer.trades()
	if len(trades) != 1 || trades[0].PositionID != pos.ID || trades[0].IsLiquidated {
		t.Fatalf("trades=%+v", trades)
	}
	if h.session.Status(context.Background()).OpenPositions != 0 {
		t.Fatal("position still open")
	}
}

func TestExitFailures(t *testing.T) {
	t.Run("nothing filled returns to open", func(t *testing.T) {
		h := newHarness(t, risk.DefaultConfig(capital))
		pos := h.open(t)
		h.exec.exit = func(position.VirtualPosition, float64) (Fills, error) { return Fills{}, nil }

		before := h.balances.Available()

		_, err := h.session.Exit(context.Background(), "BTC", pos.ID, ExitQuote{})
		if !errors.Is(err, ErrNotFilled) {
			t.Fatalf("err=%v", err)
		}
		tr := h.writer.transitions()
		if last := tr[len(tr)-1]; last.From != persistence.StateClosing || last.To != persistence.StateOpen {
			t.Fatalf("last transition=%+v", last)
		}
		if got, ok := h.inBook("BTC", pos.ID); !ok || !approx(got.Size, pos.Size) {
			t.Fatal("position should stay in the book at full size")
		}
		if after := h.balances.Available(); after != before {
			t.Fatalf("balances moved on an unfilled exit: %+v -> %+v", before, after)
		}
	})

	t.Run("half filled", func(t *testing.T) {
		h := newHarness(t, risk.DefaultConfig(capital))
		pos := h.open(t)
		drainAlerts(h.alerts)
		h.exec.exit = func(_ position.VirtualPosition, qty float64) (Fills, error) {
			return Fills{Bybit: LegFill{Qty: qty, Price: 64_000}}, errors.New("upbit rejected")
		}

		_, err := h.session.Exit(context.Background(), "BTC", pos.ID, ExitQuote{})
		if !errors.Is(err, ErrLegFailure) {
			t.Fatalf("err=%v", err)
		}
		tr := h.writer.transitions()
		last := tr[len(tr)-1]
		if last.To != persistence.StateExitHalfFilled || *last.Fields.SucceededLeg != persistence.LegBybit {
			t.Fatalf("last transition=%+v", last)
		}
		if !hasTopic(drainAlerts(h.alerts), events.EventLegFailure) {
			t.Fatal("expected leg failure alert")
		}
		if h.risk.Snapshot().TradeCount != 0 {
			t.Fatal("half-filled exit must not book a trade")
		}
		// Short covered: 325 USDT margin back plus 1000*0.01 profit.
		if got := h.balances.Available().USDT; !approx(got, 100_010) {
			t.Fatalf("usdt=%v, expected the covered short credited", got)
		}
	})

	t.Run("unknown position", func(t *testing.T) {
		h := newHarness(t, risk.DefaultConfig(capital))
		if _, err := h.session.Exit(context.Background(), "BTC", "missing", ExitQuote{}); !errors.Is(err, position.ErrNotFound) {
			t.Fatalf("err=%v", err)
		}
	})
}

func TestExitPartialThenFull(t *testing.T) {
	h := newHarness(t, risk.DefaultConfig(capital))
	pos := h.open(t)
	h.exec.exit = exitAt(91_000_000, 64_000)

	closed, remaining, err := h.session.ExitPartial(context.Background(), "BTC", pos.ID, 0.0042, ExitQuote{FXRate: 1350})
	if err != nil {
		t.Fatalf("ExitPartial: %v", err)
	}
	if !approx(h.exec.exitQty[0], 0.004) || !approx(closed.Size, 0.004) || !approx(remaining.Size, 0.006) {
		t.Fatalf("exit qty=%v closed=%v remaining=%v", h.exec.exitQty[0], closed.Size, remaining.Size)
	}
	if remaining.ID != pos.ID || !closed.Partial {
		t.Fatalf("remaining=%+v closed.Partial=%v", remaining, closed.Partial)
	}
	tr := h.writer.transitions()
	last := tr[len(tr)-1]
	if last.From != persistence.StateClosing || last.To != persistence.StateOpen || !approx(*last.Fields.UpbitQty, 0.006) {
		t.Fatalf("last transition=%+v", last)
	}

	final, err := h.session.Exit(context.Background(), "BTC", pos.ID, ExitQuote{FXRate: 1350})
	if err != nil {
		t.Fatalf("Exit: %v", err)
	}
	if !approx(h.exec.exitQty[1], 0.006) {
		t.Fatalf("final exit qty=%v", h.exec.exitQty[1])
	}
	tr = h.writer.transitions()
	realized := *tr[len(tr)-1].Fields.RealizedPnL
	if !approx(realized, closed.NetPnL+final.NetPnL) || !approx(realized, 23_500) {
		t.Fatalf("realized=%v partial=%v final=%v", realized, closed.NetPnL, final.NetPnL)
	}
	if n := len(h.writer.trades()); n != 2 {
		t.Fatalf("trades=%d", n)
	}
}

func TestExitPartialRejectsFullSize(t *testing.T) {
	h := newHarness(t, risk.DefaultConfig(capital))
	pos := h.open(t)
	before := len(h.writer.kinds())

	_, _, err := h.session.ExitPartial(context.Background(), "BTC", pos.ID, 0.01, ExitQuote{})
	if !errors.Is(err, position.ErrPartialExceedsSize) {
		t.Fatalf("err=%v", err)
	}
	if len(h.exec.exitQty) != 0 || len(h.writer.kinds()) != before {
		t.Fatal("rejected partial must not execute or write")
	}
}

func TestLosingExitTripsKillSwitch(t *testing.T) {
	h := newHarness(t, risk.DefaultConfig(capital))
	pos := h.open(t)
	// Spot leg loses 600,000 KRW; single-trade limit is 500,000.
	h.exec.exit = exitAt(30_000_000, 65_000)

	if _, err := h.session.Exit(context.Background(), "BTC", pos.ID, ExitQuote{FXRate: 1350}); err != nil {
		t.Fatalf("Exit: %v", err)
	}
	if !h.risk.IsKilled() {
		t.Fatal("kill switch should be engaged")
	}
	if snap := h.risk.Snapshot(); snap.Kill == nil || snap.Kill.Reason != risk.ReasonSingleTradeLoss {
		t.Fatalf("kill=%+v", snap.Kill)
	}
	if !hasTopic(drainAlerts(h.alerts), events.EventKillSwitch) {
		t.Fatal("expected kill switch event")
	}
	if _, err := h.session.Enter(context.Background(), btcEntry()); !errors.Is(err, risk.ErrKilled) {
		t.Fatalf("entry after kill err=%v", err)
	}
}

func TestOnMarkPriceLiquidates(t *testing.T) {
	h := newHarness(t, risk.DefaultConfig(capital))
	pos := h.open(t)
	drainAlerts(h.alerts)
	quote := MarketQuote{UpbitPrice: 90_000_000, SpreadPct: 2, FXRate: 1350}

	quote.BybitPrice = pos.LiquidationPrice - 100
	if got := h.session.OnMarkPrice(context.Background(), "BTC", quote); len(got) != 0 {
		t.Fatalf("liquidated below threshold: %+v", got)
	}

	quote.BybitPrice = pos.LiquidationPrice + 25
	got := h.session.OnMarkPrice(context.Background(), "BTC", quote)
	if len(got) != 1 || !got[0].IsLiquidated {
		t.Fatalf("liquidated=%+v", got)
	}
	if !approx(got[0].BybitExitPrice, pos.LiquidationPrice) {
		t.Fatalf("short should settle at the liquidation price, got %v", got[0].BybitExitPrice)
	}

	tr := h.writer.transitions()
	if last := tr[len(tr)-1]; last.From != persistence.StateOpen || last.To != persistence.StateClosed {
		t.Fatalf("last transition=%+v", last)
	}
	trades := h.writer.trades()
	if len(trades) != 1 || !trades[0].IsLiquidated {
		t.Fatalf("trades=%+v", trades)
	}
	if !hasTopic(drainAlerts(h.alerts), events.EventLiquidated) {
		t.Fatal("expected liquidation alert")
	}
	if h.risk.IsKilled() {
		t.Fatal("a 434k KRW loss is inside every default limit")
	}
}

func TestCheckExposure(t *testing.T) {
	cfg := risk.DefaultConfig(capital)
	cfg.UnrealizedExposurePct = 0.0005 // 50,000 KRW
	h := newHarness(t, cfg)
	h.open(t)

	if ev := h.session.CheckExposure(map[string]MarketQuote{"BTC": {SpreadPct: 2.4, FXRate: 1350}}); ev != nil {
		t.Fatalf("small move killed: %+v", ev)
	}
	if ev := h.session.CheckExposure(map[string]MarketQuote{"ETH": {SpreadPct: -10, FXRate: 1000}}); ev != nil {
		t.Fatal("coins without positions must be ignored")
	}

	// Spread 2.5 -> -3.0 on 900,000 KRW plus FX 1350 -> 1300 on 650 USDT.
	ev := h.session.CheckExposure(map[string]MarketQuote{"BTC": {SpreadPct: -3.0, FXRate: 1300}})
	if ev == nil || ev.Reason != risk.ReasonUnrealizedExposure || !approx(ev.Value, 49_500+32_500) {
		t.Fatalf("kill event=%+v", ev)
	}
	if !h.risk.IsKilled() {
		t.Fatal("exposure breach should kill")
	}
}

type staticLister struct {
	rows []persistence.PositionRecord
	err  error
}

func (l staticLister) ListOpenPositions(_ context.Context, sessionID string) ([]persistence.PositionRecord, error) {
	if sessionID != "s1" {
		return nil, errors.New("wrong session")
	}
	return l.rows, l.err
}

func TestRecover(t *testing.T) {
	h := newHarness(t, risk.DefaultConfig(capital))
	opened := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	rows := []persistence.PositionRecord{
		{ID: "p1", SessionID: "s1", Coin: "BTC", State: persistence.StateOpen, UpbitQty: 0.01, BybitQty: 0.01,
			UpbitEntryPrice: 90_000_000, BybitEntryPrice: 65_000, EntryFXRate: 1350, OpenedAt: opened},
		{ID: "p2", SessionID: "s1", Coin: "ETH", State: persistence.StateEntryHalfFilled, SucceededLeg: persistence.LegUpbit},
		{ID: "p3", SessionID: "s1", Coin: "XRP", State: persistence.StateClosing},
	}

	items, err := h.session.Recover(context.Background(), staticLister{rows: rows})
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	want := []persistence.RecoveryAction{
		persistence.ActionResumeMonitoring,
		persistence.ActionUnwindSucceededLeg,
		persistence.ActionResolveExitOrders,
	}
	if len(items) != len(want) {
		t.Fatalf("items=%+v", items)
	}
	for i, it := range items {
		if it.Action != want[i] {
			t.Errorf("item %d action=%s want %s", i, it.Action, want[i])
		}
	}

	views := h.session.Positions(context.Background())
	if len(views) != 1 || views[0].ID != "p1" || !views[0].EntryTime.Equal(opened) || views[0].LiquidationPrice == 0 {
		t.Fatalf("restored=%+v", views)
	}

	if _, err := h.session.Recover(context.Background(), staticLister{err: errors.New("db down")}); err == nil {
		t.Fatal("expected lister error")
	}
}

func TestServiceOperations(t *testing.T) {
	h := newHarness(t, risk.DefaultConfig(capital))
	var svc Service = h.session

	if !svc.Kill(context.Background(), "operator") {
		t.Fatal("first kill should succeed")
	}
	if svc.Kill(context.Background(), "again") {
		t.Fatal("second kill should report already killed")
	}
	found := false
	for _, k := range h.writer.kinds() {
		if k == persistence.KindSessionStatus {
			found = true
		}
	}
	if !found {
		t.Fatal("kill should record session status")
	}

	svc.SetConnectivity(context.Background(), risk.VenueUpbit, false)
	st := svc.Status(context.Background())
	if !st.Risk.Killed || st.Risk.UpbitConnected || st.SessionID != "s1" || st.Available.KRW != capital {
		t.Fatalf("status=%+v", st)
	}
}

func TestBestEffortRecords(t *testing.T) {
	h := newHarness(t, risk.DefaultConfig(capital))
	if err := h.session.RecordMinuteBar("BTC", MarketQuote{UpbitPrice: 1, BybitPrice: 1}); err != nil {
		t.Fatalf("RecordMinuteBar: %v", err)
	}
	if err := h.session.RecordFunding("BTC", 0.0001, time.Now()); err != nil {
		t.Fatalf("RecordFunding: %v", err)
	}
	if err := h.session.Heartbeat(); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}

	h.writer.bestEffortErr = persistence.ErrQueueFull
	if err := h.session.Heartbeat(); !errors.Is(err, persistence.ErrQueueFull) {
		t.Fatalf("err=%v", err)
	}
}

func TestExitPartialBelowMinimumSendsNoOrders(t *testing.T) {
	h := newHarness(t, risk.DefaultConfig(capital))
	pos := h.open(t)
	h.session.cfg.Instruments["BTC"] = position.InstrumentRules{QtyStep: 0.001, MinQty: 0.003}
	h.exec.exit = exitAt(91_000_000, 64_000)
	before := len(h.writer.kinds())
	balances := h.balances.Available()

	tests := []struct {
		name string
		qty  float64
	}{
		{name: "remainder below minimum", qty: 0.008},
		{name: "close below minimum", qty: 0.002},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := h.session.ExitPartial(context.Background(), "BTC", pos.ID, tt.qty, ExitQuote{})
			if !errors.Is(err, position.ErrBelowMinimum) {
				t.Fatalf("err=%v, expected ErrBelowMinimum", err)
			}
		})
	}

	if len(h.exec.exitQty) != 0 {
		t.Fatalf("orders sent for a rejected partial: %v", h.exec.exitQty)
	}
	if len(h.writer.kinds()) != before {
		t.Fatal("rejected partial must not move the row")
	}
	if got, ok := h.inBook("BTC", pos.ID); !ok || !approx(got.Size, 0.01) {
		t.Fatalf("book position=%+v ok=%v", got, ok)
	}
	if after := h.balances.Available(); after != balances {
		t.Fatalf("balances moved: %+v -> %+v", balances, after)
	}
}

func TestHalfFilledExitIsParkedUntilCompleted(t *testing.T) {
	h := newHarness(t, risk.DefaultConfig(capital))
	pos := h.open(t)
	h.exec.exit = func(_ position.VirtualPosition, qty float64) (Fills, error) {
		return Fills{Upbit: LegFill{OrderID: "ux", Qty: qty, Price: 91_000_000}}, errors.New("bybit timeout")
	}

	if _, err := h.session.Exit(context.Background(), "BTC", pos.ID, ExitQuote{FXRate: 1350}); !errors.Is(err, ErrLegFailure) {
		t.Fatalf("Exit err=%v", err)
	}
	// The spot sale is credited right away; the short is still open.
	avail := h.balances.Available()
	if !approx(avail.KRW, capital+10_000) || !approx(avail.USDT, 100_000-325) {
		t.Fatalf("available after half fill=%+v", avail)
	}

	if _, err := h.session.Exit(context.Background(), "BTC", pos.ID, ExitQuote{}); !errors.Is(err, ErrExitPending) {
		t.Fatalf("second Exit err=%v, expected ErrExitPending", err)
	}
	if _, _, err := h.session.ExitPartial(context.Background(), "BTC", pos.ID, 0.004, ExitQuote{}); !errors.Is(err, ErrExitPending) {
		t.Fatalf("ExitPartial err=%v, expected ErrExitPending", err)
	}
	if len(h.exec.exitQty) != 1 {
		t.Fatalf("spot leg sold again: exits=%v", h.exec.exitQty)
	}
	if got := h.session.OnMarkPrice(context.Background(), "BTC", MarketQuote{UpbitPrice: 91_000_000, BybitPrice: 200_000}); len(got) != 0 {
		t.Fatalf("parked position swept as liquidated: %+v", got)
	}
	if h.risk.Snapshot().TradeCount != 0 {
		t.Fatal("no trade before the exit completes")
	}

	h.exec.leg = legAt(91_000_000, 64_000)
	closed, err := h.session.CompleteExit(context.Background(), "BTC", pos.ID, ExitQuote{})
	if err != nil {
		t.Fatalf("CompleteExit: %v", err)
	}
	if len(h.exec.legQty) != 1 || h.exec.legQty[0].leg != persistence.LegBybit || !approx(h.exec.legQty[0].qty, 0.01) {
		t.Fatalf("leg exits=%+v, expected the short only", h.exec.legQty)
	}
	if !approx(closed.Size, 0.01) || !approx(closed.NetPnL, 23_500) {
		t.Fatalf("closed=%+v", closed)
	}
	avail = h.balances.Available()
	if !approx(avail.KRW, capital+10_000) || !approx(avail.USDT, 100_010) {
		t.Fatalf("available after completion=%+v", avail)
	}

	tr := h.writer.transitions()
	half, last := tr[len(tr)-2], tr[len(tr)-1]
	if half.From != persistence.StateClosing || half.To != persistence.StateExitHalfFilled {
		t.Fatalf("half transition=%+v", half)
	}
	if last.From != persistence.StateExitHalfFilled || last.To != persistence.StateClosed {
		t.Fatalf("final transition=%+v", last)
	}
	if !approx(*last.Fields.RealizedPnL, 23_500) || *last.Fields.ExitUpbitOrderID != "ux" || *last.Fields.ExitBybitOrderID != "bl" {
		t.Fatalf("final fields=%+v", last.Fields)
	}
	for _, step := range tr {
		if !persistence.CanTransition(step.From, step.To) {
			t.Fatalf("illegal transition %s -> %s", step.From, step.To)
		}
	}
	if n := len(h.writer.trades()); n != 1 || h.risk.Snapshot().TradeCount != 1 {
		t.Fatalf("trades=%d", n)
	}
	if h.session.Status(context.Background()).OpenPositions != 0 {
		t.Fatal("position still open")
	}
	if _, err := h.session.CompleteExit(context.Background(), "BTC", pos.ID, ExitQuote{}); !errors.Is(err, ErrNoPendingExit) {
		t.Fatalf("second CompleteExit err=%v", err)
	}
}

func TestCompleteExitAfterHalfFilledPartial(t *testing.T) {
	h := newHarness(t, risk.DefaultConfig(capital))
	pos := h.open(t)
	h.exec.exit = func(_ position.VirtualPosition, qty float64) (Fills, error) {
		return Fills{Bybit: LegFill{OrderID: "bx", Qty: qty, Price: 64_000}}, errors.New("upbit rejected")
	}
	if _, _, err := h.session.ExitPartial(context.Background(), "BTC", pos.ID, 0.004, ExitQuote{FXRate: 1350}); !errors.Is(err, ErrLegFailure) {
		t.Fatalf("ExitPartial err=%v", err)
	}
	// 0.004 of the short covered: 130 margin back plus 4 profit.
	if got := h.balances.Available().USDT; !approx(got, 100_000-325+134) {
		t.Fatalf("usdt after half fill=%v", got)
	}

	calls := 0
	h.exec.leg = func(p position.VirtualPosition, leg persistence.Leg, qty float64) (LegFill, error) {
		calls++
		if calls == 1 {
			return LegFill{}, errors.New("upbit maintenance")
		}
		return legAt(91_000_000, 64_000)(p, leg, qty)
	}
	if _, err := h.session.CompleteExit(context.Background(), "BTC", pos.ID, ExitQuote{}); err == nil {
		t.Fatal("expected the first completion attempt to fail")
	}
	if _, err := h.session.Exit(context.Background(), "BTC", pos.ID, ExitQuote{}); !errors.Is(err, ErrExitPending) {
		t.Fatalf("Exit after failed completion err=%v", err)
	}

	closed, err := h.session.CompleteExit(context.Background(), "BTC", pos.ID, ExitQuote{})
	if err != nil {
		t.Fatalf("CompleteExit: %v", err)
	}
	want := []legCall{
		{leg: persistence.LegUpbit, qty: 0.01},
		{leg: persistence.LegUpbit, qty: 0.01},
		{leg: persistence.LegBybit, qty: 0.006},
	}
	if len(h.exec.legQty) != len(want) {
		t.Fatalf("leg exits=%+v", h.exec.legQty)
	}
	for i, w := range want {
		if got := h.exec.legQty[i]; got.leg != w.leg || !approx(got.qty, w.qty) {
			t.Fatalf("leg exit %d=%+v, expected %+v", i, got, w)
		}
	}
	if !approx(closed.Size, 0.01) || !approx(closed.BybitExitPrice, 64_000) || !approx(closed.NetPnL, 23_500) {
		t.Fatalf("closed=%+v", closed)
	}
	avail := h.balances.Available()
	if !approx(avail.KRW, capital+10_000) || !approx(avail.USDT, 100_010) {
		t.Fatalf("available=%+v", avail)
	}
	if _, ok := h.inBook("BTC", pos.ID); ok {
		t.Fatal("position still in the book")
	}
}

func TestEnterUnequalFillsRecordsResidual(t *testing.T) {
	h := newHarness(t, risk.DefaultConfig(capital))
	drainAlerts(h.alerts)
	h.exec.entry = Fills{
		Upbit: LegFill{OrderID: "u1", Qty: 0.01, Price: 90_000_000},
		Bybit: LegFill{OrderID: "b1", Qty: 0.008, Price: 65_000},
	}

	pos, err := h.session.Enter(context.Background(), btcEntry())
	if err != nil {
		t.Fatalf("Enter: %v", err)
	}
	if !approx(pos.Size, 0.008) {
		t.Fatalf("hedged size=%v, expected the smaller leg", pos.Size)
	}
	avail := h.balances.Available()
	if !approx(avail.KRW, capital-900_000) || !approx(avail.USDT, 100_000-260) {
		t.Fatalf("available=%+v, expected the executed notionals spent", avail)
	}

	tr := h.writer.transitions()
	open := tr[len(tr)-1]
	if open.To != persistence.StateOpen || !approx(*open.Fields.UpbitQty, 0.01) || !approx(*open.Fields.BybitQty, 0.008) {
		t.Fatalf("open transition=%+v", open.Fields)
	}
	var residual *events.Alert
	for _, a := range drainAlerts(h.alerts) {
		if a.Topic == events.EventLegFailure {
			residual = &a
		}
	}
	if residual == nil || residual.Severity != events.SeverityWarning {
		t.Fatalf("residual alert=%+v", residual)
	}
}
