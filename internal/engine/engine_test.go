package engine

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"main/internal/gateway"
	"main/internal/ops"
)

func testSnapshot(t *testing.T, symbols ...string) ops.Snapshot {
	t.Helper()
	dir := t.TempDir()

	cfg := ops.FileConfig{
		Funds: ops.FundsConfig{
			Total:          decimal.RequireFromString("10000"),
			GlobalMaxUsage: 0.9,
		},
		Ledger:   ops.LedgerConfig{Path: filepath.Join(dir, "orders.json")},
		Loop:     ops.LoopConfig{IntervalSeconds: 1},
		StateDir: filepath.Join(dir, "state"),
	}
	for _, symbol := range symbols {
		cfg.Symbols = append(cfg.Symbols, ops.SymbolConfig{
			Symbol:      symbol,
			BaseAsset:   symbol[:3],
			BasePrice:   100,
			GridSize:    2,
			OrderAmount: decimal.RequireFromString("100"),
			MaxUsagePct: 0.5,
		})
	}
	snap, err := ops.Resolve(cfg)
	require.NoError(t, err)
	return snap
}

func seededPaper(symbols ...string) *gateway.Paper {
	p := gateway.NewPaper()
	p.SetBalance(gateway.BalanceSpot, "USDT", decimal.RequireFromString("10000"))
	for _, symbol := range symbols {
		p.SetPrice(symbol, 100)
		p.SetInstrument(gateway.Instrument{
			Symbol:          symbol,
			BaseAsset:       symbol[:3],
			QuoteAsset:      "USDT",
			AmountPrecision: 5,
		})
	}
	return p
}

func TestNewBuildsControllerPerSymbol(t *testing.T) {
	snap := testSnapshot(t, "BNB/USDT", "ETH/USDT")
	e, err := New(Options{Config: snap, Gateway: seededPaper("BNB/USDT", "ETH/USDT")})
	require.NoError(t, err)

	_, ok := e.Controller("BNB/USDT")
	assert.True(t, ok)
	_, ok = e.Controller("ETH/USDT")
	assert.True(t, ok)
	_, ok = e.Controller("DOGE/USDT")
	assert.False(t, ok)
}

func TestNewRejectsInvalidAllocator(t *testing.T) {
	snap := testSnapshot(t, "BNB/USDT")
	snap.Allocator.TotalFunds = decimal.Zero
	_, err := New(Options{Config: snap, Gateway: seededPaper("BNB/USDT")})
	assert.Error(t, err)
}

func TestRunStartsAndShutsDownCleanly(t *testing.T) {
	symbols := []string{"BNB/USDT", "ETH/USDT"}
	snap := testSnapshot(t, symbols...)
	paper := seededPaper(symbols...)
	e, err := New(Options{Config: snap, Gateway: paper})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	// Both controllers reach RUNNING before shutdown is requested.
	require.Eventually(t, func() bool {
		for _, st := range e.Status().Controllers {
			if st.State != "RUNNING" {
				return false
			}
		}
		return len(e.Status().Controllers) == len(symbols)
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("engine did not stop")
	}

	for _, st := range e.Status().Controllers {
		assert.Equal(t, "STOPPED", st.State)
	}
}

func TestPauseResumeBySymbol(t *testing.T) {
	snap := testSnapshot(t, "BNB/USDT")
	e, err := New(Options{Config: snap, Gateway: seededPaper("BNB/USDT")})
	require.NoError(t, err)

	require.NoError(t, e.Pause("BNB/USDT", "operator request"))
	c, _ := e.Controller("BNB/USDT")
	assert.Equal(t, "PAUSED", c.GetStatus().State)

	require.NoError(t, e.Resume("BNB/USDT"))
	assert.Equal(t, "RUNNING", c.GetStatus().State)

	assert.ErrorIs(t, e.Pause("GHOST/USDT", "x"), ErrUnknownSymbol)
	assert.ErrorIs(t, e.Resume("GHOST/USDT"), ErrUnknownSymbol)
}

func TestApplyConfigHotSwapsSymbolSpecs(t *testing.T) {
	snap := testSnapshot(t, "BNB/USDT")
	e, err := New(Options{Config: snap, Gateway: seededPaper("BNB/USDT")})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	require.Eventually(t, func() bool {
		c, _ := e.Controller("BNB/USDT")
		return c.GetStatus().State == "RUNNING"
	}, 5*time.Second, 10*time.Millisecond)

	next := testSnapshot(t, "BNB/USDT", "ETH/USDT")
	next.Symbols[0].MinGridSize = 3
	next.Symbols[0].MaxGridSize = 12
	next.Risk.GlobalCeiling = 0.8

	require.NoError(t, e.ApplyConfig(next))

	c, _ := e.Controller("BNB/USDT")
	assert.Equal(t, 3.0, c.GetStatus().GridSize, "grid clamped to new bounds")

	_, ok := e.Controller("ETH/USDT")
	assert.False(t, ok, "added symbols need a restart")
}

func TestApplyConfigUpdatesTrendAndAdvisor(t *testing.T) {
	snap := testSnapshot(t, "BNB/USDT")
	e, err := New(Options{Config: snap, Gateway: seededPaper("BNB/USDT")})
	require.NoError(t, err)
	require.False(t, e.guard.Enabled())
	require.False(t, e.adviser.Enabled())

	next := testSnapshot(t, "BNB/USDT")
	next.Trend.Enabled = true
	next.Advisor.Enabled = true
	require.NoError(t, e.ApplyConfig(next))

	assert.True(t, e.guard.Enabled(), "reload enabling the trend guard takes effect")
	assert.True(t, e.adviser.Enabled(), "reload enabling the advisor takes effect")

	bad := testSnapshot(t, "BNB/USDT")
	bad.Trend.Enabled = true
	bad.Trend.FastPeriod = 30
	bad.Trend.SlowPeriod = 10
	assert.Error(t, e.ApplyConfig(bad))
	assert.True(t, e.guard.Enabled(), "rejected reload keeps the prior settings")
}

func TestApplyConfigRejectsInvalidThresholds(t *testing.T) {
	snap := testSnapshot(t, "BNB/USDT")
	e, err := New(Options{Config: snap, Gateway: seededPaper("BNB/USDT")})
	require.NoError(t, err)

	bad := testSnapshot(t, "BNB/USDT")
	bad.Risk.GlobalCeiling = 2
	assert.Error(t, e.ApplyConfig(bad))
}
