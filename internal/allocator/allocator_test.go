package allocator

import (
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"main/internal/schema"
)

func newTestAllocator(t *testing.T, cfg Config, symbols ...string) *Allocator {
	t.Helper()
	a, err := New(cfg, nil)
	require.NoError(t, err)
	for _, symbol := range symbols {
		require.NoError(t, a.Register(symbol, 1))
	}
	return a
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestTwoSymbolEqualSplit(t *testing.T) {
	a, err := New(Config{TotalFunds: dec("10000")}, nil)
	require.NoError(t, err)
	require.NoError(t, a.Register("BNB/USDT", 0.5))
	require.NoError(t, a.Register("ETH/USDT", 0.5))

	recA, ok := a.Allocation("BNB/USDT")
	require.True(t, ok)
	assert.True(t, recA.Allocated.Equal(dec("5000")), "allocated %s", recA.Allocated)

	allowed, reason := a.CheckTradeAllowed("BNB/USDT", schema.SideBuy, dec("6000"))
	assert.False(t, allowed)
	assert.Equal(t, "symbol limit exceeded", reason)

	allowed, reason = a.CheckTradeAllowed("BNB/USDT", schema.SideBuy, dec("4000"))
	require.True(t, allowed, "reason: %s", reason)
	require.NoError(t, a.RecordTrade("BNB/USDT", schema.SideBuy, dec("4000")))

	recA, _ = a.Allocation("BNB/USDT")
	assert.True(t, recA.Used.Equal(dec("4000")), "used %s", recA.Used)
	assert.True(t, recA.Reserved.IsZero(), "reserved %s", recA.Reserved)
}

func TestGlobalCeiling(t *testing.T) {
	a := newTestAllocator(t, Config{TotalFunds: dec("1000"), GlobalMaxUsage: 0.95}, "BNB/USDT")

	allowed, reason := a.CheckTradeAllowed("BNB/USDT", schema.SideBuy, dec("960"))
	assert.False(t, allowed)
	assert.Equal(t, "global limit exceeded", reason)

	allowed, _ = a.CheckTradeAllowed("BNB/USDT", schema.SideBuy, dec("900"))
	require.True(t, allowed)
	require.NoError(t, a.RecordTrade("BNB/USDT", schema.SideBuy, dec("900")))

	allowed, reason = a.CheckTradeAllowed("BNB/USDT", schema.SideBuy, dec("100"))
	assert.False(t, allowed)
	assert.Equal(t, "global limit exceeded", reason)
}

func TestDenialMutatesNothing(t *testing.T) {
	a := newTestAllocator(t, Config{TotalFunds: dec("1000")}, "BNB/USDT")

	allowed, _ := a.CheckTradeAllowed("BNB/USDT", schema.SideBuy, dec("5000"))
	require.False(t, allowed)

	rec, ok := a.Allocation("BNB/USDT")
	require.True(t, ok)
	assert.True(t, rec.Used.IsZero())
	assert.True(t, rec.Reserved.IsZero())
}

func TestSellAlwaysAdmitted(t *testing.T) {
	a := newTestAllocator(t, Config{TotalFunds: dec("100")}, "BNB/USDT")

	allowed, reason := a.CheckTradeAllowed("BNB/USDT", schema.SideSell, dec("99999"))
	assert.True(t, allowed)
	assert.Empty(t, reason)
}

func TestUnregisteredSymbolDenied(t *testing.T) {
	a := newTestAllocator(t, Config{TotalFunds: dec("1000")})

	allowed, reason := a.CheckTradeAllowed("GHOST/USDT", schema.SideBuy, dec("1"))
	assert.False(t, allowed)
	assert.Equal(t, "symbol not registered", reason)
}

func TestReleaseReservation(t *testing.T) {
	a := newTestAllocator(t, Config{TotalFunds: dec("1000"), GlobalMaxUsage: 1}, "BNB/USDT")

	allowed, _ := a.CheckTradeAllowed("BNB/USDT", schema.SideBuy, dec("1000"))
	require.True(t, allowed)

	allowed, _ = a.CheckTradeAllowed("BNB/USDT", schema.SideBuy, dec("1"))
	require.False(t, allowed, "reservation must count toward the limit")

	a.ReleaseReservation("BNB/USDT", dec("1000"))
	allowed, _ = a.CheckTradeAllowed("BNB/USDT", schema.SideBuy, dec("1000"))
	assert.True(t, allowed, "released capital must be grantable again")
}

func TestSellUnwindsUsage(t *testing.T) {
	a := newTestAllocator(t, Config{TotalFunds: dec("1000"), GlobalMaxUsage: 1}, "BNB/USDT")

	allowed, _ := a.CheckTradeAllowed("BNB/USDT", schema.SideBuy, dec("600"))
	require.True(t, allowed)
	require.NoError(t, a.RecordTrade("BNB/USDT", schema.SideBuy, dec("600")))

	require.NoError(t, a.RecordTrade("BNB/USDT", schema.SideSell, dec("250")))
	rec, _ := a.Allocation("BNB/USDT")
	assert.True(t, rec.Used.Equal(dec("350")), "used %s", rec.Used)

	// Selling more than tracked floors at zero instead of going negative.
	require.NoError(t, a.RecordTrade("BNB/USDT", schema.SideSell, dec("9999")))
	rec, _ = a.Allocation("BNB/USDT")
	assert.True(t, rec.Used.IsZero())
}

// Two symbols race for the last unit of global capacity; the mutex-guarded
// reservation means at most one grant can land.
func TestNoDoubleGrantUnderContention(t *testing.T) {
	a := newTestAllocator(t, Config{TotalFunds: dec("1000"), GlobalMaxUsage: 0.9}, "BNB/USDT", "ETH/USDT")

	for _, symbol := range []string{"BNB/USDT", "ETH/USDT"} {
		allowed, reason := a.CheckTradeAllowed(symbol, schema.SideBuy, dec("400"))
		require.True(t, allowed, "reason: %s", reason)
		require.NoError(t, a.RecordTrade(symbol, schema.SideBuy, dec("400")))
	}

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		grants int
	)
	for _, symbol := range []string{"BNB/USDT", "ETH/USDT"} {
		wg.Add(1)
		go func(symbol string) {
			defer wg.Done()
			if allowed, _ := a.CheckTradeAllowed(symbol, schema.SideBuy, dec("100")); allowed {
				mu.Lock()
				grants++
				mu.Unlock()
			}
		}(symbol)
	}
	wg.Wait()

	assert.Equal(t, 1, grants, "exactly one grant for the last 100 of global capacity")
}

func TestRebalanceShiftsCeilings(t *testing.T) {
	a := newTestAllocator(t, Config{TotalFunds: dec("1000"), GlobalMaxUsage: 1}, "BNB/USDT", "ETH/USDT")

	allowed, _ := a.CheckTradeAllowed("BNB/USDT", schema.SideBuy, dec("450"))
	require.True(t, allowed)
	require.NoError(t, a.RecordTrade("BNB/USDT", schema.SideBuy, dec("450")))

	require.True(t, a.RebalanceIfNeeded(time.Now()), "usage spread 0.9 must trigger")

	busy, _ := a.Allocation("BNB/USDT")
	idle, _ := a.Allocation("ETH/USDT")
	assert.True(t, busy.Allocated.GreaterThan(idle.Allocated),
		"busy symbol must gain ceiling: busy=%s idle=%s", busy.Allocated, idle.Allocated)
	assert.True(t, busy.Used.Equal(dec("450")), "rebalance must not touch usage")

	assert.False(t, a.RebalanceIfNeeded(time.Now()), "interval gate must hold")
}

func TestUpdateConfigPreservesUsage(t *testing.T) {
	a := newTestAllocator(t, Config{TotalFunds: dec("1000"), GlobalMaxUsage: 1}, "BNB/USDT")

	allowed, _ := a.CheckTradeAllowed("BNB/USDT", schema.SideBuy, dec("800"))
	require.True(t, allowed)
	require.NoError(t, a.RecordTrade("BNB/USDT", schema.SideBuy, dec("800")))

	require.NoError(t, a.UpdateConfig(Config{TotalFunds: dec("500"), GlobalMaxUsage: 1}))

	rec, _ := a.Allocation("BNB/USDT")
	assert.True(t, rec.Used.Equal(dec("800")), "shrink keeps in-flight usage")
	assert.True(t, rec.Used.GreaterThan(rec.Allocated), "over-allocation tolerated")

	allowed, _ = a.CheckTradeAllowed("BNB/USDT", schema.SideBuy, dec("1"))
	assert.False(t, allowed, "no new admissions while over-allocated")
}

func TestWeightedPolicy(t *testing.T) {
	a, err := New(Config{
		TotalFunds: dec("900"),
		Policy:     PolicyWeighted,
		Weights:    map[string]float64{"BNB/USDT": 2, "ETH/USDT": 1},
	}, nil)
	require.NoError(t, err)
	require.NoError(t, a.Register("BNB/USDT", 1))
	require.NoError(t, a.Register("ETH/USDT", 1))

	heavy, _ := a.Allocation("BNB/USDT")
	light, _ := a.Allocation("ETH/USDT")
	assert.True(t, heavy.Allocated.Equal(dec("600")), "allocated %s", heavy.Allocated)
	assert.True(t, light.Allocated.Equal(dec("300")), "allocated %s", light.Allocated)
}
