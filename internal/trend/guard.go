package trend

import (
	"fmt"
	"math"
	"sync"

	"main/internal/gateway"
	"main/internal/schema"
)

// Config controls the trend guard.
type Config struct {
	Enabled       bool
	FastPeriod    int
	SlowPeriod    int
	MinConfidence float64
}

func (c Config) withDefaults() Config {
	if c.FastPeriod == 0 {
		c.FastPeriod = 7
	}
	if c.SlowPeriod == 0 {
		c.SlowPeriod = 25
	}
	if c.MinConfidence == 0 {
		c.MinConfidence = 0.6
	}
	return c
}

// Validate checks period ordering.
func (c Config) Validate() error {
	c = c.withDefaults()
	if c.FastPeriod <= 0 || c.SlowPeriod <= c.FastPeriod {
		return fmt.Errorf("trend periods must satisfy 0 < fast < slow, got fast=%d slow=%d", c.FastPeriod, c.SlowPeriod)
	}
	if c.MinConfidence < 0 || c.MinConfidence > 1 {
		return fmt.Errorf("trend min confidence must be in [0, 1], got %v", c.MinConfidence)
	}
	return nil
}

// Guard derives a directional bias from price history and may veto the
// direction that fights a strong trend. Disabled guards never narrow.
// Settings are hot-swappable through Update.
type Guard struct {
	mu  sync.RWMutex
	cfg Config
}

// NewGuard creates a guard; config errors disable nothing silently.
func NewGuard(cfg Config) (*Guard, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Guard{cfg: cfg.withDefaults()}, nil
}

// Update swaps in new settings. An invalid config is rejected and the prior
// settings stay in effect.
func (g *Guard) Update(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	g.mu.Lock()
	g.cfg = cfg.withDefaults()
	g.mu.Unlock()
	return nil
}

func (g *Guard) config() Config {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.cfg
}

// Enabled reports whether the guard participates in iterations.
func (g *Guard) Enabled() bool {
	return g != nil && g.config().Enabled
}

// Evaluate computes the transient trend signal from OHLCV history.
// Too little history yields an unknown, zero-confidence signal.
func (g *Guard) Evaluate(candles []gateway.Candle) schema.TrendSignal {
	if g == nil {
		return schema.TrendSignal{}
	}
	cfg := g.config()
	if len(candles) < cfg.SlowPeriod {
		return schema.TrendSignal{}
	}

	closes := make([]float64, len(candles))
	for i, c := range candles {
		closes[i] = c.Close
	}

	fast := sma(closes, cfg.FastPeriod)
	slow := sma(closes, cfg.SlowPeriod)
	if slow <= 0 {
		return schema.TrendSignal{}
	}

	spread := (fast - slow) / slow
	signal := schema.TrendSignal{
		Strength: math.Abs(spread),
	}
	switch {
	case spread > 0:
		signal.Direction = schema.SideBuy
	case spread < 0:
		signal.Direction = schema.SideSell
	default:
		return signal
	}

	signal.Confidence = consistency(closes, cfg.FastPeriod, signal.Direction)
	return signal
}

// Narrow removes the direction that fights a confident trend: a confirmed
// downtrend vetoes BUY, a confirmed uptrend vetoes SELL.
func (g *Guard) Narrow(signal schema.TrendSignal, allowed schema.DirectionSet) schema.DirectionSet {
	if g == nil {
		return allowed
	}
	cfg := g.config()
	if !cfg.Enabled || signal.Confidence < cfg.MinConfidence {
		return allowed
	}
	switch signal.Direction {
	case schema.SideSell:
		return allowed.Without(schema.SideBuy)
	case schema.SideBuy:
		return allowed.Without(schema.SideSell)
	default:
		return allowed
	}
}

func sma(values []float64, period int) float64 {
	if period <= 0 || len(values) < period {
		return 0
	}
	var sum float64
	for _, v := range values[len(values)-period:] {
		sum += v
	}
	return sum / float64(period)
}

// consistency measures how many of the last `period` bars moved with the
// trend direction; it is the guard's confidence proxy.
func consistency(closes []float64, period int, direction schema.Side) float64 {
	if len(closes) < period+1 {
		return 0
	}
	recent := closes[len(closes)-period-1:]
	matches := 0
	for i := 1; i < len(recent); i++ {
		delta := recent[i] - recent[i-1]
		if (direction == schema.SideBuy && delta > 0) || (direction == schema.SideSell && delta < 0) {
			matches++
		}
	}
	return float64(matches) / float64(period)
}
