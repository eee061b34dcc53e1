package ledger

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"main/internal/schema"
)

type captureStore struct {
	saved []schema.Order
	fail  bool
}

func (c *captureStore) SaveArchived(_ context.Context, orders []schema.Order) error {
	if c.fail {
		return fmt.Errorf("store unavailable")
	}
	c.saved = append(c.saved, orders...)
	return nil
}

func filledOrder(id, symbol, profit string) schema.Order {
	return schema.Order{
		ID:     id,
		Symbol: symbol,
		Side:   schema.SideSell,
		Amount: decimal.RequireFromString("1"),
		Price:  decimal.RequireFromString("100"),
		Profit: decimal.RequireFromString(profit),
		Status: schema.OrderStatusFilled,
	}
}

func TestAppendRejectsPending(t *testing.T) {
	l, err := Open(Config{Path: filepath.Join(t.TempDir(), "orders.json")}, nil)
	require.NoError(t, err)

	order := filledOrder("o1", "BNB/USDT", "0")
	order.Status = schema.OrderStatusPending
	assert.ErrorIs(t, l.Append(t.Context(), order), ErrNotConfirmed)
	assert.Zero(t, l.Len())
}

func TestAppendPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "orders.json")

	l, err := Open(Config{Path: path}, nil)
	require.NoError(t, err)
	require.NoError(t, l.Append(t.Context(), filledOrder("o1", "BNB/USDT", "5")))
	require.NoError(t, l.Append(t.Context(), filledOrder("o2", "BNB/USDT", "-2")))

	reopened, err := Open(Config{Path: path}, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, reopened.Len())
	orders := reopened.Orders("")
	assert.Equal(t, "o1", orders[0].ID)
	assert.Equal(t, "o2", orders[1].ID)
}

func TestWindowTrimArchivesOverflow(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "orders.json")
	archiveDir := filepath.Join(dir, "archive")
	store := &captureStore{}

	l, err := Open(Config{Path: path, Window: 3, ArchiveDir: archiveDir}, store)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		require.NoError(t, l.Append(t.Context(), filledOrder(fmt.Sprintf("o%d", i), "BNB/USDT", "1")))
	}

	assert.Equal(t, 3, l.Len(), "hot window bounded")
	require.Len(t, store.saved, 2)
	assert.Equal(t, "o0", store.saved[0].ID)
	assert.Equal(t, "o1", store.saved[1].ID)

	entries, err := os.ReadDir(archiveDir)
	require.NoError(t, err)
	assert.NotEmpty(t, entries, "archive files written")

	_, err = os.Stat(path + ".bak")
	require.NoError(t, err, "backup written before trim")
}

func TestColdStoreFailureDoesNotLoseRecords(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(Config{
		Path:       filepath.Join(dir, "orders.json"),
		Window:     2,
		ArchiveDir: filepath.Join(dir, "archive"),
	}, &captureStore{fail: true})
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		require.NoError(t, l.Append(t.Context(), filledOrder(fmt.Sprintf("o%d", i), "BNB/USDT", "1")))
	}
	assert.Equal(t, 2, l.Len())

	entries, err := os.ReadDir(filepath.Join(dir, "archive"))
	require.NoError(t, err)
	assert.NotEmpty(t, entries, "file archive still holds the rows")
}

func TestSymbolFilter(t *testing.T) {
	l, err := Open(Config{Path: filepath.Join(t.TempDir(), "orders.json")}, nil)
	require.NoError(t, err)

	require.NoError(t, l.Append(t.Context(), filledOrder("a1", "BNB/USDT", "1")))
	require.NoError(t, l.Append(t.Context(), filledOrder("b1", "ETH/USDT", "2")))

	assert.Len(t, l.Orders("BNB/USDT"), 1)
	assert.Len(t, l.Orders(""), 2)
}

func TestStats(t *testing.T) {
	l, err := Open(Config{Path: filepath.Join(t.TempDir(), "orders.json")}, nil)
	require.NoError(t, err)

	profits := []string{"10", "5", "-4", "-2", "-1", "8"}
	for i, p := range profits {
		require.NoError(t, l.Append(t.Context(), filledOrder(fmt.Sprintf("o%d", i), "BNB/USDT", p)))
	}
	canceled := filledOrder("c1", "BNB/USDT", "0")
	canceled.Status = schema.OrderStatusCanceled
	require.NoError(t, l.Append(t.Context(), canceled))

	stats := l.Stats("BNB/USDT")
	assert.Equal(t, 6, stats.TotalTrades, "canceled orders are not trades")
	assert.Equal(t, 3, stats.Wins)
	assert.Equal(t, 3, stats.Losses)
	assert.InDelta(t, 0.5, stats.WinRate, 1e-9)
	assert.True(t, stats.MaxProfit.Equal(decimal.RequireFromString("10")))
	assert.True(t, stats.MaxLoss.Equal(decimal.RequireFromString("-4")))
	assert.Equal(t, 2, stats.MaxConsecWins)
	assert.Equal(t, 3, stats.MaxConsecLosses)
	assert.InDelta(t, 23.0/7.0, stats.ProfitFactor, 1e-6)
}

func TestStatsEmpty(t *testing.T) {
	l, err := Open(Config{Path: filepath.Join(t.TempDir(), "orders.json")}, nil)
	require.NoError(t, err)

	stats := l.Stats("")
	assert.Zero(t, stats.TotalTrades)
	assert.Zero(t, stats.WinRate)
	assert.Zero(t, stats.ProfitFactor)
}
