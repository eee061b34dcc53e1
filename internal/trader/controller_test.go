package trader

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"main/internal/advisor"
	"main/internal/allocator"
	"main/internal/bus"
	"main/internal/gateway"
	"main/internal/ledger"
	"main/internal/obs"
	"main/internal/ops"
	"main/internal/risk"
	"main/internal/schema"
	"main/internal/trend"
)

type harness struct {
	controller *Controller
	paper      *gateway.Paper
	alloc      *allocator.Allocator
	led        *ledger.Ledger
	events     *bus.Queue
}

func testSpec() ops.SymbolSpec {
	return ops.SymbolSpec{
		Symbol:          "BNB/USDT",
		BaseAsset:       "BNB",
		QuoteAsset:      "USDT",
		BasePrice:       100,
		GridSize:        2,
		MinGridSize:     0.5,
		MaxGridSize:     8,
		OrderAmount:     decimal.RequireFromString("200"),
		MaxUsagePct:     1,
		StopLossPct:     0.1,
		MaxOrdersPerWin: 100,
		ThrottleWindow:  time.Minute,
	}
}

func newHarness(t *testing.T, spec ops.SymbolSpec) *harness {
	t.Helper()

	paper := gateway.NewPaper()
	paper.SetPrice(spec.Symbol, spec.BasePrice)
	paper.SetInstrument(gateway.Instrument{
		Symbol:          spec.Symbol,
		BaseAsset:       spec.BaseAsset,
		QuoteAsset:      spec.QuoteAsset,
		PricePrecision:  2,
		AmountPrecision: 5,
	})
	paper.SetBalance(gateway.BalanceSpot, spec.QuoteAsset, decimal.RequireFromString("10000"))

	alloc, err := allocator.New(allocator.Config{
		TotalFunds:     decimal.RequireFromString("10000"),
		GlobalMaxUsage: 1,
	}, nil)
	require.NoError(t, err)
	require.NoError(t, alloc.Register(spec.Symbol, spec.MaxUsagePct))

	limiter, err := risk.NewLimiter(risk.Thresholds{GlobalCeiling: 0.95})
	require.NoError(t, err)
	guard, err := trend.NewGuard(trend.Config{})
	require.NoError(t, err)
	adviser, err := advisor.New(advisor.Config{})
	require.NoError(t, err)
	led, err := ledger.Open(ledger.Config{Path: t.TempDir() + "/orders.json"}, nil)
	require.NoError(t, err)
	events := bus.NewQueue(64)

	controller := NewController(Options{
		Spec:      spec,
		Loop:      ops.LoopSpec{Interval: time.Second, MaxConsecutiveErrors: 3},
		StateDir:  t.TempDir(),
		Gateway:   paper,
		Allocator: alloc,
		Risk:      limiter,
		Trend:     guard,
		Advisor:   adviser,
		Ledger:    led,
		Events:    events,
		Metrics:   obs.NewMetrics(),
	})
	return &harness{
		controller: controller,
		paper:      paper,
		alloc:      alloc,
		led:        led,
		events:     events,
	}
}

// flatCandles yields a zero-variance history so bands collapse to the mean.
func flatCandles(price float64, n int) []gateway.Candle {
	out := make([]gateway.Candle, n)
	for i := range out {
		out[i] = gateway.Candle{Close: price}
	}
	return out
}

func TestInitializeFreshSession(t *testing.T) {
	h := newHarness(t, testSpec())
	require.NoError(t, h.controller.initialize(t.Context()))

	status := h.controller.GetStatus()
	assert.Equal(t, 100.0, status.BasePrice)
	assert.Equal(t, 2.0, status.GridSize)
}

func TestBuyFiresBelowBandAndWatermark(t *testing.T) {
	spec := testSpec()
	h := newHarness(t, spec)
	require.NoError(t, h.controller.initialize(t.Context()))
	h.paper.SetCandles(spec.Symbol, flatCandles(100, 40))

	h.paper.SetPrice(spec.Symbol, 95)
	require.NoError(t, h.controller.iterate(t.Context()))

	orders := h.led.Orders(spec.Symbol)
	require.Len(t, orders, 1, "buy fires at 95: below band 100 and base 100 - grid 2")
	assert.Equal(t, schema.SideBuy, orders[0].Side)

	status := h.controller.GetStatus()
	assert.Equal(t, 95.0, status.LastBuyPrice)

	rec, _ := h.alloc.Allocation(spec.Symbol)
	assert.True(t, rec.Used.Sign() > 0, "confirmed buy commits allocator usage")
	assert.True(t, rec.Reserved.IsZero())
}

func TestWatermarkSuppressesRefire(t *testing.T) {
	spec := testSpec()
	h := newHarness(t, spec)
	require.NoError(t, h.controller.initialize(t.Context()))
	h.paper.SetCandles(spec.Symbol, flatCandles(100, 40))

	h.paper.SetPrice(spec.Symbol, 95)
	require.NoError(t, h.controller.iterate(t.Context()))
	require.Len(t, h.led.Orders(spec.Symbol), 1)

	// Same excursion: price has not fallen past 95 - grid.
	require.NoError(t, h.controller.iterate(t.Context()))
	h.paper.SetPrice(spec.Symbol, 94)
	require.NoError(t, h.controller.iterate(t.Context()))
	assert.Len(t, h.led.Orders(spec.Symbol), 1, "no refire until price falls below lastBuy - grid")

	// Exactly on the boundary is still the same excursion.
	h.paper.SetPrice(spec.Symbol, 93)
	require.NoError(t, h.controller.iterate(t.Context()))
	assert.Len(t, h.led.Orders(spec.Symbol), 1, "the boundary itself never refires")

	h.paper.SetPrice(spec.Symbol, 92.9)
	require.NoError(t, h.controller.iterate(t.Context()))
	assert.Len(t, h.led.Orders(spec.Symbol), 2, "refires once the watermark boundary is crossed")
}

func TestSellComputesProfit(t *testing.T) {
	spec := testSpec()
	h := newHarness(t, spec)
	require.NoError(t, h.controller.initialize(t.Context()))
	h.paper.SetCandles(spec.Symbol, flatCandles(100, 40))

	h.paper.SetPrice(spec.Symbol, 95)
	require.NoError(t, h.controller.iterate(t.Context()))
	require.Len(t, h.led.Orders(spec.Symbol), 1)

	// Above both the band mean and base + grid.
	h.paper.SetPrice(spec.Symbol, 103)
	require.NoError(t, h.controller.iterate(t.Context()))

	orders := h.led.Orders(spec.Symbol)
	require.Len(t, orders, 2)
	sell := orders[1]
	assert.Equal(t, schema.SideSell, sell.Side)
	assert.True(t, sell.Profit.Sign() > 0, "sell above last buy realizes profit, got %s", sell.Profit)

	stats := h.controller.GetStatistics()
	assert.Equal(t, 2, stats.TotalTrades)
	assert.Equal(t, 1, stats.Wins)
}

func TestStopLossLiquidatesOnceAndPauses(t *testing.T) {
	spec := testSpec()
	h := newHarness(t, spec)
	require.NoError(t, h.controller.initialize(t.Context()))
	h.paper.SetBalance(gateway.BalanceSpot, spec.BaseAsset, decimal.RequireFromString("1"))

	// Establish the reference high.
	require.NoError(t, h.controller.iterate(t.Context()))
	require.Equal(t, 100.0, h.controller.GetStatus().HighestPrice)

	// Drawdown 11% against a 10% stop.
	h.paper.SetPrice(spec.Symbol, 89)
	require.NoError(t, h.controller.iterate(t.Context()))

	assert.Equal(t, StatePaused, h.controller.State())
	orders := h.led.Orders(spec.Symbol)
	require.Len(t, orders, 1, "liquidation flattens exactly once")
	assert.Equal(t, schema.SideSell, orders[0].Side)

	// Still under water: the latch prevents a second liquidation.
	require.NoError(t, h.controller.iterate(t.Context()))
	assert.Len(t, h.led.Orders(spec.Symbol), 1)
}

func TestTakeProfitFlattensAndReanchors(t *testing.T) {
	spec := testSpec()
	spec.StopLossPct = 0
	spec.TakeProfitPct = 0.1
	h := newHarness(t, spec)
	require.NoError(t, h.controller.initialize(t.Context()))
	h.controller.setState(StateRunning, "test")
	h.paper.SetBalance(gateway.BalanceSpot, spec.BaseAsset, decimal.RequireFromString("1"))

	require.NoError(t, h.controller.iterate(t.Context()))
	require.Equal(t, 100.0, h.controller.GetStatus().LowestPrice)

	h.paper.SetPrice(spec.Symbol, 111)
	require.NoError(t, h.controller.iterate(t.Context()))

	assert.Equal(t, StateRunning, h.controller.State(), "take profit keeps trading")
	status := h.controller.GetStatus()
	assert.Equal(t, 111.0, status.BasePrice, "grid re-anchored at the exit price")
	assert.Zero(t, status.LastBuyPrice)

	orders := h.led.Orders(spec.Symbol)
	require.Len(t, orders, 1)
	assert.Equal(t, schema.SideSell, orders[0].Side)
}

func TestGridAdaptation(t *testing.T) {
	spec := testSpec()
	h := newHarness(t, spec)
	require.NoError(t, h.controller.initialize(t.Context()))

	// Alternating large swings push volatility over the high threshold.
	wild := make([]gateway.Candle, 30)
	price := 100.0
	for i := range wild {
		if i%2 == 0 {
			price *= 1.05
		} else {
			price *= 0.95
		}
		wild[i] = gateway.Candle{Close: price}
	}
	h.controller.adaptGrid(spec, wild)
	widened := h.controller.GetStatus().GridSize
	assert.InDelta(t, 2*gridWidenFactor, widened, 1e-9, "high volatility widens")

	calm := make([]gateway.Candle, 30)
	price = 100.0
	for i := range calm {
		if i%2 == 0 {
			price *= 1.001
		} else {
			price *= 0.999
		}
		calm[i] = gateway.Candle{Close: price}
	}
	h.controller.adaptGrid(spec, calm)
	assert.InDelta(t, widened*gridNarrowFactor, h.controller.GetStatus().GridSize, 1e-9, "low volatility narrows")
}

func TestGridAdaptationClamps(t *testing.T) {
	spec := testSpec()
	spec.MaxGridSize = 2.1
	h := newHarness(t, spec)
	require.NoError(t, h.controller.initialize(t.Context()))

	wild := make([]gateway.Candle, 30)
	price := 100.0
	for i := range wild {
		if i%2 == 0 {
			price *= 1.08
		} else {
			price *= 0.92
		}
		wild[i] = gateway.Candle{Close: price}
	}
	h.controller.adaptGrid(spec, wild)
	assert.Equal(t, 2.1, h.controller.GetStatus().GridSize, "clamped to max")
}

func TestRiskSellOnlySuppressesBuy(t *testing.T) {
	spec := testSpec()
	h := newHarness(t, spec)
	require.NoError(t, h.controller.initialize(t.Context()))
	h.paper.SetCandles(spec.Symbol, flatCandles(100, 40))

	// Position is nearly all of capital: usage above the 0.95 ceiling.
	h.paper.SetBalance(gateway.BalanceSpot, spec.BaseAsset, decimal.RequireFromString("1000"))
	h.paper.SetBalance(gateway.BalanceSpot, spec.QuoteAsset, decimal.RequireFromString("10"))

	h.paper.SetPrice(spec.Symbol, 95)
	require.NoError(t, h.controller.iterate(t.Context()))

	for _, order := range h.led.Orders(spec.Symbol) {
		assert.NotEqual(t, schema.SideBuy, order.Side, "buy suppressed while SELL-only")
	}
}

func TestReservationReleasedOnGatewayFailure(t *testing.T) {
	spec := testSpec()
	h := newHarness(t, spec)
	require.NoError(t, h.controller.initialize(t.Context()))

	// No quote funds: the paper exchange rejects the buy terminally.
	h.paper.SetBalance(gateway.BalanceSpot, spec.QuoteAsset, decimal.Zero)

	ok, reason := h.controller.executeOrder(t.Context(), schema.SideBuy, 95, spec.OrderAmount)
	assert.False(t, ok)
	assert.Equal(t, "order rejected", reason)

	rec, _ := h.alloc.Allocation(spec.Symbol)
	assert.True(t, rec.Reserved.IsZero(), "failed placement releases the reservation")
	assert.True(t, rec.Used.IsZero())
	assert.Empty(t, h.led.Orders(spec.Symbol), "denied trade never reaches the ledger")
}

func TestThrottleDeniesBurst(t *testing.T) {
	spec := testSpec()
	spec.MaxOrdersPerWin = 1
	h := newHarness(t, spec)
	require.NoError(t, h.controller.initialize(t.Context()))

	ok, _ := h.controller.executeOrder(t.Context(), schema.SideBuy, 100, spec.OrderAmount)
	require.True(t, ok)

	ok, reason := h.controller.executeOrder(t.Context(), schema.SideBuy, 100, spec.OrderAmount)
	assert.False(t, ok)
	assert.Equal(t, "order throttle exceeded", reason)
}

func TestMinNotionalDenied(t *testing.T) {
	spec := testSpec()
	spec.OrderAmount = decimal.RequireFromString("2")
	h := newHarness(t, spec)
	h.paper.SetInstrument(gateway.Instrument{
		Symbol:          spec.Symbol,
		BaseAsset:       spec.BaseAsset,
		QuoteAsset:      spec.QuoteAsset,
		AmountPrecision: 5,
		MinNotional:     decimal.RequireFromString("5"),
	})
	require.NoError(t, h.controller.initialize(t.Context()))

	ok, reason := h.controller.executeOrder(t.Context(), schema.SideBuy, 100, spec.OrderAmount)
	assert.False(t, ok)
	assert.Equal(t, "below minimum notional", reason)
}

func TestErrorThresholdPausesController(t *testing.T) {
	h := newHarness(t, testSpec())
	require.NoError(t, h.controller.initialize(t.Context()))
	h.controller.setState(StateRunning, "test")

	for i := 0; i < 3; i++ {
		h.controller.noteIterationResult(fmt.Errorf("boom %d", i))
	}
	assert.Equal(t, StatePaused, h.controller.State())
	assert.Contains(t, h.controller.GetStatus().LastError, "boom")

	require.NoError(t, h.controller.Resume())
	assert.Equal(t, StateRunning, h.controller.State())
	assert.Zero(t, h.controller.GetStatus().ConsecutiveErrors)
}

func TestResumeRequiresPaused(t *testing.T) {
	h := newHarness(t, testSpec())
	assert.ErrorIs(t, h.controller.Resume(), ErrNotPaused)

	h.controller.setState(StateStopped, "test")
	assert.ErrorIs(t, h.controller.Resume(), ErrStopped)
}

func TestSessionSurvivesRestart(t *testing.T) {
	spec := testSpec()
	h := newHarness(t, spec)
	require.NoError(t, h.controller.initialize(t.Context()))
	h.paper.SetCandles(spec.Symbol, flatCandles(100, 40))

	h.paper.SetPrice(spec.Symbol, 95)
	require.NoError(t, h.controller.iterate(t.Context()))
	require.Equal(t, 95.0, h.controller.GetStatus().LastBuyPrice)

	restarted := NewController(Options{
		Spec:      spec,
		Loop:      ops.LoopSpec{Interval: time.Second, MaxConsecutiveErrors: 3},
		StateDir:  h.controller.stateDir,
		Gateway:   h.paper,
		Allocator: h.alloc,
		Risk:      h.controller.risk,
		Trend:     h.controller.trend,
		Advisor:   h.controller.advisor,
		Ledger:    h.led,
		Events:    h.events,
		Metrics:   obs.NewMetrics(),
	})
	require.NoError(t, restarted.initialize(t.Context()))

	status := restarted.GetStatus()
	assert.Equal(t, 95.0, status.LastBuyPrice, "watermark restored from disk")
	assert.Equal(t, 100.0, status.BasePrice)
}

func TestFlipThresholdBlocksShallowMoves(t *testing.T) {
	spec := testSpec()
	spec.GridSize = 0.1
	spec.FlipThresholdPct = 0.01
	h := newHarness(t, spec)
	require.NoError(t, h.controller.initialize(t.Context()))
	h.paper.SetCandles(spec.Symbol, flatCandles(100, 40))

	// Past the grid step but short of the minimum fractional move.
	h.paper.SetPrice(spec.Symbol, 99.85)
	require.NoError(t, h.controller.iterate(t.Context()))
	assert.Empty(t, h.led.Orders(spec.Symbol), "shallow dip stays inside the flip threshold")

	h.paper.SetPrice(spec.Symbol, 98.9)
	require.NoError(t, h.controller.iterate(t.Context()))
	assert.Len(t, h.led.Orders(spec.Symbol), 1, "fires once the move clears both gates")
}

// canceledCreateGateway places the order, then reports the call as aborted.
// Mimics a placement whose context is cancelled after the request went out.
type canceledCreateGateway struct {
	*gateway.Paper
}

func (g *canceledCreateGateway) CreateOrder(_ context.Context, req gateway.OrderRequest) (gateway.OrderResult, error) {
	if _, err := g.Paper.CreateOrder(context.Background(), req); err != nil {
		return gateway.OrderResult{}, err
	}
	return gateway.OrderResult{}, gateway.Transient("create order", context.Canceled)
}

func TestCanceledPlacementReconcilesBeforeRelease(t *testing.T) {
	spec := testSpec()
	h := newHarness(t, spec)
	gw := &canceledCreateGateway{Paper: h.paper}
	c := NewController(Options{
		Spec:      spec,
		Loop:      ops.LoopSpec{Interval: time.Second, MaxConsecutiveErrors: 3},
		StateDir:  t.TempDir(),
		Gateway:   gw,
		Allocator: h.alloc,
		Risk:      h.controller.risk,
		Trend:     h.controller.trend,
		Advisor:   h.controller.advisor,
		Ledger:    h.led,
		Events:    h.events,
		Metrics:   obs.NewMetrics(),
	})
	require.NoError(t, c.initialize(t.Context()))

	// Shutdown path: the loop context is already cancelled.
	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	ok, reason := c.executeOrder(ctx, schema.SideBuy, 100, spec.OrderAmount)
	require.True(t, ok, "fill found on reconciliation must settle, got denial %q", reason)

	orders := h.led.Orders(spec.Symbol)
	require.Len(t, orders, 1)
	assert.Equal(t, schema.SideBuy, orders[0].Side)

	rec, _ := h.alloc.Allocation(spec.Symbol)
	assert.True(t, rec.Used.Sign() > 0, "reconciled fill commits usage instead of releasing it")
	assert.True(t, rec.Reserved.IsZero())
}

func TestUpdateConfigClampsGrid(t *testing.T) {
	spec := testSpec()
	h := newHarness(t, spec)
	require.NoError(t, h.controller.initialize(t.Context()))

	next := spec
	next.MinGridSize = 3
	next.MaxGridSize = 10
	require.NoError(t, h.controller.UpdateConfig(next))
	assert.Equal(t, 3.0, h.controller.GetStatus().GridSize, "current grid clamped into new bounds")

	wrong := next
	wrong.Symbol = "ETH/USDT"
	assert.Error(t, h.controller.UpdateConfig(wrong))
}
