package advisor

import (
	"fmt"
	"math"
	"sync"
	"time"

	"main/internal/gateway"
	"main/internal/schema"
)

// Config controls the advisory strategy.
type Config struct {
	Enabled             bool
	MinConfidence       float64
	Lookback            int
	MaxCallsPerInterval int
	Interval            time.Duration
	MaxCallsPerDay      int
}

func (c Config) withDefaults() Config {
	if c.MinConfidence == 0 {
		c.MinConfidence = 0.7
	}
	if c.Lookback == 0 {
		c.Lookback = 20
	}
	if c.MaxCallsPerInterval == 0 {
		c.MaxCallsPerInterval = 6
	}
	if c.Interval == 0 {
		c.Interval = time.Hour
	}
	if c.MaxCallsPerDay == 0 {
		c.MaxCallsPerDay = 48
	}
	return c
}

// Validate checks config ranges.
func (c Config) Validate() error {
	c = c.withDefaults()
	if c.MinConfidence < 0 || c.MinConfidence > 1 {
		return fmt.Errorf("advisor min confidence must be in [0, 1], got %v", c.MinConfidence)
	}
	if c.Lookback < 5 {
		return fmt.Errorf("advisor lookback must be >= 5, got %d", c.Lookback)
	}
	return nil
}

// Suggestion is a confidence-scored trade recommendation. It holds no
// privileged path: callers gate it through risk and allocation like any
// grid signal.
type Suggestion struct {
	Side       schema.Side
	Confidence float64
	Reason     string
}

// Advisor produces rate-limited mean-reversion suggestions from OHLCV.
// Settings are hot-swappable through Update.
type Advisor struct {
	mu          sync.Mutex
	cfg         Config
	windowStart time.Time
	windowCalls int
	dayStart    time.Time
	dayCalls    int
}

// New creates an advisor.
func New(cfg Config) (*Advisor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Advisor{cfg: cfg.withDefaults()}, nil
}

// Update swaps in new settings. An invalid config is rejected and the prior
// settings stay in effect; consumed rate-limit slots carry over.
func (a *Advisor) Update(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	a.mu.Lock()
	a.cfg = cfg.withDefaults()
	a.mu.Unlock()
	return nil
}

func (a *Advisor) config() Config {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cfg
}

// Enabled reports whether the advisor participates in iterations.
func (a *Advisor) Enabled() bool {
	return a != nil && a.config().Enabled
}

// Suggest evaluates the market and returns a suggestion when the
// mean-reversion score clears the confidence threshold. Rate limits are
// consumed only when an evaluation actually runs.
func (a *Advisor) Suggest(now time.Time, candles []gateway.Candle) (Suggestion, bool) {
	if a == nil {
		return Suggestion{}, false
	}
	cfg := a.config()
	if !cfg.Enabled || len(candles) < cfg.Lookback {
		return Suggestion{}, false
	}
	if !a.takeSlot(now) {
		return Suggestion{}, false
	}

	closes := make([]float64, 0, cfg.Lookback)
	for _, c := range candles[len(candles)-cfg.Lookback:] {
		closes = append(closes, c.Close)
	}
	mean, std := meanStd(closes)
	if std <= 0 {
		return Suggestion{}, false
	}

	last := closes[len(closes)-1]
	z := (last - mean) / std
	confidence := math.Min(1, math.Abs(z)/3)
	if confidence < cfg.MinConfidence {
		return Suggestion{}, false
	}

	suggestion := Suggestion{Confidence: confidence}
	if z > 0 {
		suggestion.Side = schema.SideSell
		suggestion.Reason = fmt.Sprintf("price %.2f stretched %.2f sigma above mean", last, z)
	} else {
		suggestion.Side = schema.SideBuy
		suggestion.Reason = fmt.Sprintf("price %.2f stretched %.2f sigma below mean", last, -z)
	}
	return suggestion, true
}

// takeSlot enforces the per-interval and per-day call budgets.
func (a *Advisor) takeSlot(now time.Time) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.windowStart.IsZero() || now.Sub(a.windowStart) >= a.cfg.Interval {
		a.windowStart = now
		a.windowCalls = 0
	}
	if a.dayStart.IsZero() || now.Sub(a.dayStart) >= 24*time.Hour {
		a.dayStart = now
		a.dayCalls = 0
	}
	if a.windowCalls >= a.cfg.MaxCallsPerInterval || a.dayCalls >= a.cfg.MaxCallsPerDay {
		return false
	}
	a.windowCalls++
	a.dayCalls++
	return true
}

func meanStd(values []float64) (float64, float64) {
	if len(values) == 0 {
		return 0, 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(len(values))

	var variance float64
	for _, v := range values {
		d := v - mean
		variance += d * d
	}
	variance /= float64(len(values))
	return mean, math.Sqrt(variance)
}
