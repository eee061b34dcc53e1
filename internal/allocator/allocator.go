package allocator

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"main/internal/bus"
	"main/internal/errors"
	"main/internal/schema"
)

var (
	ErrSymbolRegistered   = errors.New("symbol already registered")
	ErrSymbolUnregistered = errors.New("symbol not registered")
)

// Policy selects how total funds are divided across symbols.
type Policy uint8

const (
	PolicyEqual Policy = iota
	PolicyWeighted
	PolicyDynamic
)

// ParsePolicy maps a config string onto a policy.
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "", "equal":
		return PolicyEqual, nil
	case "weighted":
		return PolicyWeighted, nil
	case "dynamic":
		return PolicyDynamic, nil
	default:
		return PolicyEqual, fmt.Errorf("unknown allocation policy %q", s)
	}
}

// Config controls the allocator.
type Config struct {
	TotalFunds     decimal.Decimal
	GlobalMaxUsage float64
	Policy         Policy
	Weights        map[string]float64
	RebalanceDelta float64
	RebalanceEvery time.Duration
}

func (c Config) withDefaults() Config {
	if c.GlobalMaxUsage == 0 {
		c.GlobalMaxUsage = 0.95
	}
	if c.RebalanceDelta == 0 {
		c.RebalanceDelta = 0.3
	}
	if c.RebalanceEvery == 0 {
		c.RebalanceEvery = 10 * time.Minute
	}
	return c
}

// Validate checks config ranges.
func (c Config) Validate() error {
	c = c.withDefaults()
	if c.TotalFunds.Sign() <= 0 {
		return fmt.Errorf("total funds must be > 0, got %s", c.TotalFunds)
	}
	if c.GlobalMaxUsage <= 0 || c.GlobalMaxUsage > 1 {
		return fmt.Errorf("global max usage must be in (0, 1], got %v", c.GlobalMaxUsage)
	}
	if c.RebalanceDelta <= 0 || c.RebalanceDelta > 1 {
		return fmt.Errorf("rebalance delta must be in (0, 1], got %v", c.RebalanceDelta)
	}
	return nil
}

// Record is the allocation state for one registered symbol.
// Reserved tracks admission grants not yet committed or released; it counts
// toward every subsequent check so racing grants can never oversubscribe.
type Record struct {
	Symbol      string
	Allocated   decimal.Decimal
	Used        decimal.Decimal
	Reserved    decimal.Decimal
	MaxUsagePct float64
}

// Usage is a read-only view of one record for status surfaces.
type Usage struct {
	Symbol    string
	Allocated decimal.Decimal
	Used      decimal.Decimal
	Reserved  decimal.Decimal
	Ratio     float64
}

// Allocator is the shared capital admission-control authority. All
// check-then-update sequences run inside one mutex; the lock is never held
// across gateway I/O.
type Allocator struct {
	mu            sync.Mutex
	cfg           Config
	records       map[string]*Record
	lastRebalance time.Time
	events        *bus.Queue
}

// New creates an allocator; events may be nil.
func New(cfg Config, events *bus.Queue) (*Allocator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Allocator{
		cfg:     cfg.withDefaults(),
		records: make(map[string]*Record),
		events:  events,
	}, nil
}

// Register creates an allocation record sized by the weighting policy.
func (a *Allocator) Register(symbol string, maxUsagePct float64) error {
	if maxUsagePct <= 0 || maxUsagePct > 1 {
		return fmt.Errorf("max usage pct for %s must be in (0, 1], got %v", symbol, maxUsagePct)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.records[symbol]; ok {
		return errors.Wrap(ErrSymbolRegistered, symbol)
	}
	a.records[symbol] = &Record{
		Symbol:      symbol,
		MaxUsagePct: maxUsagePct,
	}
	a.recomputeLocked()
	return nil
}

// recomputeLocked resizes every allocation ceiling from total funds and the
// policy. Used and Reserved are never touched here.
func (a *Allocator) recomputeLocked() {
	n := len(a.records)
	if n == 0 {
		return
	}
	total := a.cfg.TotalFunds
	shares := make(map[string]decimal.Decimal, n)

	switch a.cfg.Policy {
	case PolicyWeighted:
		var weightSum float64
		for symbol := range a.records {
			weightSum += a.weightOf(symbol)
		}
		if weightSum <= 0 {
			weightSum = float64(n)
		}
		weightTotal := decimal.NewFromFloat(weightSum)
		for symbol := range a.records {
			w := decimal.NewFromFloat(a.weightOf(symbol))
			shares[symbol] = total.Mul(w).DivRound(weightTotal, 8)
		}
	case PolicyDynamic:
		// Half the pool splits evenly, half follows realized usage, so busy
		// symbols grow their ceiling without starving idle ones.
		usedSum := decimal.Zero
		for _, rec := range a.records {
			usedSum = usedSum.Add(rec.Used)
		}
		even := total.DivRound(decimal.NewFromInt(int64(2*n)), 8)
		floating := total.DivRound(decimal.NewFromInt(2), 8)
		for symbol, rec := range a.records {
			share := even
			if usedSum.Sign() > 0 {
				share = share.Add(floating.Mul(rec.Used).DivRound(usedSum, 8))
			} else {
				share = share.Add(floating.DivRound(decimal.NewFromInt(int64(n)), 8))
			}
			shares[symbol] = share
		}
	default:
		even := total.DivRound(decimal.NewFromInt(int64(n)), 8)
		for symbol := range a.records {
			shares[symbol] = even
		}
	}

	for symbol, rec := range a.records {
		ceiling := total.Mul(decimal.NewFromFloat(rec.MaxUsagePct))
		share := shares[symbol]
		if share.GreaterThan(ceiling) {
			share = ceiling
		}
		rec.Allocated = share
	}
}

func (a *Allocator) weightOf(symbol string) float64 {
	if w, ok := a.cfg.Weights[symbol]; ok && w > 0 {
		return w
	}
	return 1
}

// CheckTradeAllowed is the atomic admission gate. A grant reserves the amount
// immediately; denial leaves every record untouched. Sells release capital and
// are always admitted.
func (a *Allocator) CheckTradeAllowed(symbol string, side schema.Side, amount decimal.Decimal) (bool, string) {
	if amount.Sign() <= 0 {
		return false, "amount must be > 0"
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	rec, ok := a.records[symbol]
	if !ok {
		return false, "symbol not registered"
	}
	if side == schema.SideSell {
		return true, ""
	}

	globalMax := a.cfg.TotalFunds.Mul(decimal.NewFromFloat(a.cfg.GlobalMaxUsage))
	globalUsed := decimal.Zero
	for _, r := range a.records {
		globalUsed = globalUsed.Add(r.Used).Add(r.Reserved)
	}
	if globalUsed.Add(amount).GreaterThan(globalMax) {
		return false, "global limit exceeded"
	}
	if rec.Used.Add(rec.Reserved).Add(amount).GreaterThan(rec.Allocated) {
		return false, "symbol limit exceeded"
	}

	rec.Reserved = rec.Reserved.Add(amount)
	return true, ""
}

// RecordTrade commits a confirmed execution: buys convert their reservation
// into usage, sells unwind usage.
func (a *Allocator) RecordTrade(symbol string, side schema.Side, amount decimal.Decimal) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	rec, ok := a.records[symbol]
	if !ok {
		return errors.Wrap(ErrSymbolUnregistered, symbol)
	}
	switch side {
	case schema.SideBuy:
		rec.Reserved = rec.Reserved.Sub(amount)
		if rec.Reserved.Sign() < 0 {
			rec.Reserved = decimal.Zero
		}
		rec.Used = rec.Used.Add(amount)
	case schema.SideSell:
		rec.Used = rec.Used.Sub(amount)
		if rec.Used.Sign() < 0 {
			rec.Used = decimal.Zero
		}
	}
	return nil
}

// ReleaseReservation rolls back a grant whose gateway call failed.
func (a *Allocator) ReleaseReservation(symbol string, amount decimal.Decimal) {
	a.mu.Lock()
	defer a.mu.Unlock()

	rec, ok := a.records[symbol]
	if !ok {
		return
	}
	rec.Reserved = rec.Reserved.Sub(amount)
	if rec.Reserved.Sign() < 0 {
		rec.Reserved = decimal.Zero
	}
}

// RebalanceIfNeeded recomputes allocation ceilings when the usage-ratio
// spread between the busiest and least-used symbol exceeds the configured
// delta. In-flight usage is never reset; a shrunk ceiling below current usage
// simply denies new admissions until usage unwinds.
func (a *Allocator) RebalanceIfNeeded(now time.Time) bool {
	a.mu.Lock()
	if len(a.records) < 2 || now.Sub(a.lastRebalance) < a.cfg.RebalanceEvery {
		a.mu.Unlock()
		return false
	}

	minRatio, maxRatio := 1.0, 0.0
	for _, rec := range a.records {
		if rec.Allocated.Sign() <= 0 {
			continue
		}
		ratio, _ := rec.Used.DivRound(rec.Allocated, 8).Float64()
		if ratio < minRatio {
			minRatio = ratio
		}
		if ratio > maxRatio {
			maxRatio = ratio
		}
	}
	if maxRatio-minRatio <= a.cfg.RebalanceDelta {
		a.mu.Unlock()
		return false
	}

	prevPolicy := a.cfg.Policy
	a.cfg.Policy = PolicyDynamic
	a.recomputeLocked()
	a.cfg.Policy = prevPolicy
	a.lastRebalance = now
	a.mu.Unlock()

	if a.events != nil {
		_ = a.events.TryPublish(schema.NewEvent(schema.EventRebalance, schema.SeverityInfo, "",
			fmt.Sprintf("allocations rebalanced, usage spread %.4f", maxRatio-minRatio)))
	}
	return true
}

// UpdateConfig applies a reloaded config, resizing ceilings while preserving
// usage state.
func (a *Allocator) UpdateConfig(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	a.mu.Lock()
	a.cfg = cfg.withDefaults()
	a.recomputeLocked()
	a.mu.Unlock()
	return nil
}

// Utilization returns a point-in-time view sorted by symbol.
func (a *Allocator) Utilization() []Usage {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]Usage, 0, len(a.records))
	for _, rec := range a.records {
		usage := Usage{
			Symbol:    rec.Symbol,
			Allocated: rec.Allocated,
			Used:      rec.Used,
			Reserved:  rec.Reserved,
		}
		if rec.Allocated.Sign() > 0 {
			usage.Ratio, _ = rec.Used.DivRound(rec.Allocated, 8).Float64()
		}
		out = append(out, usage)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// Allocation returns the current record snapshot for one symbol.
func (a *Allocator) Allocation(symbol string) (Record, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	rec, ok := a.records[symbol]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}
