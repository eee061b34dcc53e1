package chaos

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"main/internal/gateway"
)

// Config controls fault injection around a gateway.
type Config struct {
	Seed     int64
	FailRate float64
	MaxDelay time.Duration
}

// Validate ensures the config is within supported ranges.
func (c Config) Validate() error {
	if c.FailRate < 0 || c.FailRate > 1 {
		return fmt.Errorf("failRate must be between 0 and 1")
	}
	if c.MaxDelay < 0 {
		return fmt.Errorf("maxDelay must be >= 0")
	}
	return nil
}

// Gateway wraps an inner gateway and injects transient failures and latency.
// Used by the paper tool and tests to exercise retry paths deterministically.
type Gateway struct {
	cfg   Config
	inner gateway.Gateway

	mu  sync.Mutex
	rng *rand.Rand
}

// Wrap creates a chaos gateway with validation.
func Wrap(inner gateway.Gateway, cfg Config) (*Gateway, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Seed == 0 {
		cfg.Seed = time.Now().UTC().UnixNano()
	}
	return &Gateway{
		cfg:   cfg,
		inner: inner,
		rng:   rand.New(rand.NewSource(cfg.Seed)),
	}, nil
}

var errInjected = fmt.Errorf("injected fault")

func (g *Gateway) disturb(op string) error {
	g.mu.Lock()
	fail := g.cfg.FailRate > 0 && g.rng.Float64() < g.cfg.FailRate
	var delay time.Duration
	if g.cfg.MaxDelay > 0 {
		delay = time.Duration(g.rng.Int63n(g.cfg.MaxDelay.Nanoseconds() + 1))
	}
	g.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	if fail {
		return gateway.Transient(op, errInjected)
	}
	return nil
}

func (g *Gateway) FetchPrice(ctx context.Context, symbol string) (float64, error) {
	if err := g.disturb("fetch price"); err != nil {
		return 0, err
	}
	return g.inner.FetchPrice(ctx, symbol)
}

func (g *Gateway) FetchOHLCV(ctx context.Context, symbol, timeframe string, limit int) ([]gateway.Candle, error) {
	if err := g.disturb("fetch ohlcv"); err != nil {
		return nil, err
	}
	return g.inner.FetchOHLCV(ctx, symbol, timeframe, limit)
}

func (g *Gateway) FetchBalance(ctx context.Context, kind gateway.BalanceKind) (map[string]gateway.Balance, error) {
	if err := g.disturb("fetch balance"); err != nil {
		return nil, err
	}
	return g.inner.FetchBalance(ctx, kind)
}

func (g *Gateway) Instrument(ctx context.Context, symbol string) (gateway.Instrument, error) {
	if err := g.disturb("fetch instrument"); err != nil {
		return gateway.Instrument{}, err
	}
	return g.inner.Instrument(ctx, symbol)
}

func (g *Gateway) CreateOrder(ctx context.Context, req gateway.OrderRequest) (gateway.OrderResult, error) {
	if err := g.disturb("create order"); err != nil {
		return gateway.OrderResult{}, err
	}
	return g.inner.CreateOrder(ctx, req)
}

func (g *Gateway) FetchOrder(ctx context.Context, clientID, symbol string) (gateway.OrderResult, error) {
	if err := g.disturb("fetch order"); err != nil {
		return gateway.OrderResult{}, err
	}
	return g.inner.FetchOrder(ctx, clientID, symbol)
}

func (g *Gateway) OpenOrders(ctx context.Context, symbol string) ([]gateway.OrderResult, error) {
	if err := g.disturb("open orders"); err != nil {
		return nil, err
	}
	return g.inner.OpenOrders(ctx, symbol)
}

func (g *Gateway) CancelOrder(ctx context.Context, exchangeID, symbol string) error {
	if err := g.disturb("cancel order"); err != nil {
		return err
	}
	return g.inner.CancelOrder(ctx, exchangeID, symbol)
}

func (g *Gateway) Close() error {
	return g.inner.Close()
}
