package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/yanun0323/logs"

	"main/internal/advisor"
	"main/internal/allocator"
	"main/internal/bus"
	"main/internal/errors"
	"main/internal/gateway"
	"main/internal/ledger"
	"main/internal/obs"
	"main/internal/ops"
	"main/internal/risk"
	"main/internal/schema"
	"main/internal/trader"
	"main/internal/trend"
)

var ErrUnknownSymbol = errors.New("unknown symbol")

const (
	rebalanceTick    = 30 * time.Second
	shutdownGrace    = 5 * time.Second
	shutdownCallTime = 10 * time.Second
)

// Options configures the engine. Gateway selection (live, paper, fault
// injected) is the caller's decision; Archive may be nil.
type Options struct {
	Config  ops.Snapshot
	Gateway gateway.Gateway
	Archive ledger.ArchiveStore
}

// Engine builds the shared components, spawns one controller per symbol, and
// supervises their lifecycle through multi-phase shutdown.
type Engine struct {
	gw      gateway.Gateway
	alloc   *allocator.Allocator
	limiter *risk.Limiter
	guard   *trend.Guard
	adviser *advisor.Advisor
	led     *ledger.Ledger
	events  *bus.Queue
	metrics *obs.Metrics

	mu          sync.Mutex
	cfg         ops.Snapshot
	controllers map[string]*trader.Controller
}

// New resolves the snapshot into a ready-to-run engine.
func New(opts Options) (*Engine, error) {
	cfg := opts.Config
	events := bus.NewQueue(cfg.QueueSize)
	metrics := obs.NewMetrics()

	alloc, err := allocator.New(cfg.Allocator, events)
	if err != nil {
		return nil, errors.Wrap(err, "build allocator")
	}
	limiter, err := risk.NewLimiter(cfg.Risk)
	if err != nil {
		return nil, errors.Wrap(err, "build risk limiter")
	}
	guard, err := trend.NewGuard(cfg.Trend)
	if err != nil {
		return nil, errors.Wrap(err, "build trend guard")
	}
	adviser, err := advisor.New(cfg.Advisor)
	if err != nil {
		return nil, errors.Wrap(err, "build advisor")
	}
	led, err := ledger.Open(cfg.Ledger.Config, opts.Archive)
	if err != nil {
		return nil, errors.Wrap(err, "open ledger")
	}

	e := &Engine{
		gw:          opts.Gateway,
		alloc:       alloc,
		limiter:     limiter,
		guard:       guard,
		adviser:     adviser,
		led:         led,
		events:      events,
		metrics:     metrics,
		cfg:         cfg,
		controllers: make(map[string]*trader.Controller, len(cfg.Symbols)),
	}

	for _, spec := range cfg.Symbols {
		if err := alloc.Register(spec.Symbol, spec.MaxUsagePct); err != nil {
			return nil, errors.Wrap(err, "register "+spec.Symbol)
		}
		e.controllers[spec.Symbol] = trader.NewController(trader.Options{
			Spec:      spec,
			Loop:      cfg.Loop,
			StateDir:  cfg.StateDir,
			Gateway:   opts.Gateway,
			Allocator: alloc,
			Risk:      limiter,
			Trend:     guard,
			Advisor:   adviser,
			Ledger:    led,
			Events:    events,
			Metrics:   metrics,
		})
	}
	return e, nil
}

// Events exposes the outbound event stream for the embedder's sinks.
func (e *Engine) Events() <-chan schema.Event {
	return e.events.Events()
}

// Metrics returns the engine's metrics container.
func (e *Engine) Metrics() *obs.Metrics {
	return e.metrics
}

// Ledger returns the shared order ledger.
func (e *Engine) Ledger() *ledger.Ledger {
	return e.led
}

// Controller looks up the controller for a symbol.
func (e *Engine) Controller(symbol string) (*trader.Controller, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.controllers[symbol]
	return c, ok
}

// Run spawns every controller plus the rebalance supervisor and blocks until
// ctx is cancelled, then performs the multi-phase shutdown. A controller
// fault never takes down its siblings.
func (e *Engine) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	e.mu.Lock()
	controllers := make([]*trader.Controller, 0, len(e.controllers))
	for _, c := range e.controllers {
		controllers = append(controllers, c)
	}
	e.mu.Unlock()

	for _, c := range controllers {
		wg.Add(1)
		go func(c *trader.Controller) {
			defer wg.Done()
			if err := c.Run(runCtx); err != nil {
				logs.Errorf("[%s] controller faulted, err: %+v", c.Symbol(), err)
				_ = e.events.TryPublish(schema.NewEvent(schema.EventAlert, schema.SeverityCritical,
					c.Symbol(), fmt.Sprintf("controller faulted: %v", err)))
			}
		}(c)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		e.superviseRebalance(runCtx)
	}()

	<-ctx.Done()
	logs.Info("engine shutting down")

	// Phase 1: cancel the loops. In-flight placements aborted mid-call
	// reconcile on their own short-deadline context before unwinding.
	cancel()
	waitWithGrace(&wg, shutdownGrace)

	// Phase 2: cancel resting orders.
	cancelCtx, cancelCalls := context.WithTimeout(context.Background(), shutdownCallTime)
	defer cancelCalls()
	for _, c := range controllers {
		if err := c.CancelAllOrders(cancelCtx); err != nil {
			logs.Warnf("[%s] cancel resting orders failed, err: %+v", c.Symbol(), err)
		}
	}

	// Phase 3: persist final sessions.
	for _, c := range controllers {
		if err := c.PersistSession(); err != nil {
			logs.Warnf("[%s] final session persist failed, err: %+v", c.Symbol(), err)
		}
	}

	// Phase 4: release shared resources. Controllers publish until their
	// goroutines exit, so the queue closes only after the full wait.
	wg.Wait()
	e.events.Close()
	if err := e.gw.Close(); err != nil {
		logs.Warnf("gateway close failed, err: %+v", err)
	}
	logs.Info("engine stopped")
	return nil
}

func waitWithGrace(wg *sync.WaitGroup, grace time.Duration) {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
		logs.Warn("shutdown grace elapsed with controllers still in flight")
	}
}

func (e *Engine) superviseRebalance(ctx context.Context) {
	ticker := time.NewTicker(rebalanceTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if e.alloc.RebalanceIfNeeded(now) {
				logs.Info("capital allocations rebalanced")
			}
		}
	}
}

// Status aggregates controller and allocator views.
type Status struct {
	Controllers []trader.Status
	Utilization []allocator.Usage
	Metrics     obs.Snapshot
}

// Status reports a point-in-time engine view.
func (e *Engine) Status() Status {
	e.mu.Lock()
	controllers := make([]*trader.Controller, 0, len(e.controllers))
	for _, c := range e.controllers {
		controllers = append(controllers, c)
	}
	e.mu.Unlock()

	status := Status{
		Utilization: e.alloc.Utilization(),
		Metrics:     e.metrics.Snapshot(),
	}
	for _, c := range controllers {
		status.Controllers = append(status.Controllers, c.GetStatus())
	}
	return status
}

// Pause suspends one controller.
func (e *Engine) Pause(symbol, reason string) error {
	c, ok := e.Controller(symbol)
	if !ok {
		return errors.Wrap(ErrUnknownSymbol, symbol)
	}
	c.Pause(reason)
	return nil
}

// Resume re-enables one paused controller.
func (e *Engine) Resume(symbol string) error {
	c, ok := e.Controller(symbol)
	if !ok {
		return errors.Wrap(ErrUnknownSymbol, symbol)
	}
	return c.Resume()
}

// ApplyConfig hot-swaps a reloaded snapshot: risk thresholds, allocator
// ceilings, trend and advisory settings, and per-symbol specs. Symbol
// additions or removals require a restart and are ignored here.
func (e *Engine) ApplyConfig(cfg ops.Snapshot) error {
	if err := e.limiter.Update(cfg.Risk); err != nil {
		return errors.Wrap(err, "apply risk thresholds")
	}
	if err := e.alloc.UpdateConfig(cfg.Allocator); err != nil {
		return errors.Wrap(err, "apply allocator config")
	}
	if err := e.guard.Update(cfg.Trend); err != nil {
		return errors.Wrap(err, "apply trend config")
	}
	if err := e.adviser.Update(cfg.Advisor); err != nil {
		return errors.Wrap(err, "apply advisor config")
	}

	e.mu.Lock()
	e.cfg = cfg
	controllers := make(map[string]*trader.Controller, len(e.controllers))
	for symbol, c := range e.controllers {
		controllers[symbol] = c
	}
	e.mu.Unlock()

	for _, spec := range cfg.Symbols {
		c, ok := controllers[spec.Symbol]
		if !ok {
			logs.Warnf("[%s] config adds a symbol; restart required to trade it", spec.Symbol)
			continue
		}
		if err := c.UpdateConfig(spec); err != nil {
			return errors.Wrap(err, "apply symbol config "+spec.Symbol)
		}
	}
	logs.Info("config snapshot applied")
	return nil
}
