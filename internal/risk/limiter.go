package risk

import (
	"fmt"
	"sync"

	"main/internal/schema"
)

// Thresholds are the exposure-ratio limits applied to every iteration.
type Thresholds struct {
	// GlobalCeiling blocks buys when usage rises above it.
	GlobalCeiling float64
	// Floor blocks sells when usage falls below it. Zero disables the floor.
	Floor float64
	// PerSymbolCeiling overrides GlobalCeiling for specific symbols.
	PerSymbolCeiling map[string]float64
}

// Validate checks threshold ordering.
func (t Thresholds) Validate() error {
	if t.GlobalCeiling <= 0 || t.GlobalCeiling > 1 {
		return fmt.Errorf("global ceiling must be in (0, 1], got %v", t.GlobalCeiling)
	}
	if t.Floor < 0 || t.Floor >= t.GlobalCeiling {
		return fmt.Errorf("floor must be in [0, ceiling), got %v", t.Floor)
	}
	for symbol, ceiling := range t.PerSymbolCeiling {
		if ceiling <= 0 || ceiling > 1 {
			return fmt.Errorf("ceiling for %s must be in (0, 1], got %v", symbol, ceiling)
		}
	}
	return nil
}

// Limiter computes allowed trade directions from exposure ratios.
// It holds only cached thresholds, refreshed on config reload; the
// computation itself is pure.
type Limiter struct {
	mu sync.RWMutex
	th Thresholds
}

// NewLimiter creates a limiter with the given thresholds.
func NewLimiter(th Thresholds) (*Limiter, error) {
	if err := th.Validate(); err != nil {
		return nil, err
	}
	return &Limiter{th: th}, nil
}

// Update swaps the cached thresholds on config reload.
// Invalid thresholds are rejected and the prior set stays authoritative.
func (l *Limiter) Update(th Thresholds) error {
	if err := th.Validate(); err != nil {
		return err
	}
	l.mu.Lock()
	l.th = th
	l.mu.Unlock()
	return nil
}

// CheckPositionLimits derives the allowed directions for one iteration.
// exposure is the quote value of the held base asset across spot and funding;
// capital is exposure plus free quote balance.
func (l *Limiter) CheckPositionLimits(symbol string, exposure, capital float64) schema.RiskState {
	l.mu.RLock()
	th := l.th
	l.mu.RUnlock()

	ceiling := th.GlobalCeiling
	if override, ok := th.PerSymbolCeiling[symbol]; ok {
		ceiling = override
	}

	state := schema.RiskState{
		Allowed: schema.DirectionBoth,
		Limit:   ceiling,
	}
	if capital <= 0 {
		state.Allowed = schema.DirectionNone
		state.Reason = "no capital"
		return state
	}

	state.Usage = exposure / capital
	switch {
	case state.Usage > ceiling:
		state.Allowed = schema.DirectionSell
		state.Reason = fmt.Sprintf("usage %.4f above ceiling %.4f", state.Usage, ceiling)
	case th.Floor > 0 && state.Usage < th.Floor:
		state.Allowed = schema.DirectionBuy
		state.Reason = fmt.Sprintf("usage %.4f below floor %.4f", state.Usage, th.Floor)
	}
	return state
}
