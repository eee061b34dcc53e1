package trader

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
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
	"main/internal/state"
	"main/internal/trend"
)

var (
	ErrNotPaused = errors.New("controller is not paused")
	ErrStopped   = errors.New("controller is stopped")
)

// State is the controller lifecycle.
type State int32

const (
	StateInitializing State = iota
	StateRunning
	StatePaused
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "INITIALIZING"
	case StateRunning:
		return "RUNNING"
	case StatePaused:
		return "PAUSED"
	case StateStopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

const (
	signalLookback   = 20
	bandWidthSigma   = 2.0
	volLookback      = 24
	volHighThreshold = 0.02
	volLowThreshold  = 0.005
	gridWidenFactor  = 1.2
	gridNarrowFactor = 0.8
	candleTimeframe  = "1h"
	dustNotional     = 1.0

	reconcileTimeout = 5 * time.Second
)

// Options wires one controller to the shared components.
type Options struct {
	Spec      ops.SymbolSpec
	Loop      ops.LoopSpec
	StateDir  string
	Gateway   gateway.Gateway
	Allocator *allocator.Allocator
	Risk      *risk.Limiter
	Trend     *trend.Guard
	Advisor   *advisor.Advisor
	Ledger    *ledger.Ledger
	Events    *bus.Queue
	Metrics   *obs.Metrics
}

// Controller runs the fixed-phase trading loop for exactly one symbol. It
// exclusively owns its session; all order attempts within the symbol are
// serialized by the controller's execution lock, which is released before
// any gateway call is awaited.
type Controller struct {
	gw      gateway.Gateway
	alloc   *allocator.Allocator
	risk    *risk.Limiter
	trend   *trend.Guard
	advisor *advisor.Advisor
	ledger  *ledger.Ledger
	events  *bus.Queue
	metrics *obs.Metrics

	loop     ops.LoopSpec
	stateDir string

	state atomic.Int32

	mu          sync.Mutex
	spec        ops.SymbolSpec
	session     state.Session
	instrument  gateway.Instrument
	initialized bool

	balances   map[string]gateway.Balance
	balancesAt time.Time

	orderTimes  []time.Time
	lastOrderAt time.Time

	consecutiveErrors int
	lastError         string
	lastDenial        string
	liquidated        bool
}

// NewController builds a controller in the INITIALIZING state.
func NewController(opts Options) *Controller {
	return &Controller{
		gw:       opts.Gateway,
		alloc:    opts.Allocator,
		risk:     opts.Risk,
		trend:    opts.Trend,
		advisor:  opts.Advisor,
		ledger:   opts.Ledger,
		events:   opts.Events,
		metrics:  opts.Metrics,
		loop:     opts.Loop,
		stateDir: opts.StateDir,
		spec:     opts.Spec,
	}
}

// Symbol returns the traded symbol.
func (c *Controller) Symbol() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.spec.Symbol
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	return State(c.state.Load())
}

func (c *Controller) setState(next State, reason string) {
	prev := State(c.state.Swap(int32(next)))
	if prev == next {
		return
	}
	logs.Infof("[%s] %s -> %s (%s)", c.Symbol(), prev, next, reason)
	c.publish(schema.EventStateChange, severityFor(next), reason)
}

func severityFor(s State) schema.Severity {
	switch s {
	case StateStopped:
		return schema.SeverityCritical
	case StatePaused:
		return schema.SeverityWarn
	default:
		return schema.SeverityInfo
	}
}

func (c *Controller) publish(eventType schema.EventType, severity schema.Severity, reason string) {
	if c.events == nil {
		return
	}
	if err := c.events.TryPublish(schema.NewEvent(eventType, severity, c.Symbol(), reason)); err != nil {
		c.metrics.IncQueueDrop()
	}
}

// Run drives the iteration loop until ctx is cancelled or the controller
// stops. Iteration faults never escape the loop; they feed the
// consecutive-error breaker instead.
func (c *Controller) Run(ctx context.Context) error {
	if err := c.initialize(ctx); err != nil {
		c.setState(StateStopped, fmt.Sprintf("initialize failed: %v", err))
		return errors.Wrap(err, "initialize "+c.Symbol())
	}
	c.setState(StateRunning, "initialized")

	ticker := time.NewTicker(c.loop.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.setState(StateStopped, "shutdown")
			return nil
		case <-ticker.C:
		}

		switch c.State() {
		case StatePaused:
			continue
		case StateStopped:
			return nil
		}

		start := time.Now()
		err := c.iterate(ctx)
		c.metrics.IncIteration()
		c.metrics.ObserveIteration(time.Since(start))
		c.noteIterationResult(err)
	}
}

func (c *Controller) noteIterationResult(err error) {
	c.mu.Lock()
	if err == nil {
		c.consecutiveErrors = 0
		c.lastError = ""
		c.mu.Unlock()
		return
	}
	c.consecutiveErrors++
	c.lastError = err.Error()
	count := c.consecutiveErrors
	symbol := c.spec.Symbol
	c.mu.Unlock()

	logs.Warnf("[%s] iteration failed (%d consecutive), err: %+v", symbol, count, err)
	if count >= c.loop.MaxConsecutiveErrors {
		c.setState(StatePaused, fmt.Sprintf("error threshold reached: %d consecutive failures", count))
		c.publish(schema.EventAlert, schema.SeverityCritical, "controller paused by error threshold")
	}
}

// initialize loads the persisted session and resolves instrument rules. It
// runs once; a fresh session anchors the grid at the configured base price,
// falling back to the live quote.
func (c *Controller) initialize(ctx context.Context) error {
	c.mu.Lock()
	spec := c.spec
	c.mu.Unlock()

	session, found, err := state.LoadSession(c.stateDir, spec.Symbol)
	if err != nil {
		return errors.Wrap(err, "load session")
	}
	if !found {
		basePrice := spec.BasePrice
		if basePrice <= 0 {
			basePrice, err = c.gw.FetchPrice(ctx, spec.Symbol)
			if err != nil {
				return errors.Wrap(err, "resolve base price")
			}
		}
		session = state.Session{
			Symbol:     spec.Symbol,
			BaseAsset:  spec.BaseAsset,
			QuoteAsset: spec.QuoteAsset,
			BasePrice:  basePrice,
			GridSize:   spec.GridSize,
			Monitoring: true,
		}
		if err := state.SaveSession(c.stateDir, session); err != nil {
			return errors.Wrap(err, "persist fresh session")
		}
	}

	instrument, err := c.gw.Instrument(ctx, spec.Symbol)
	if err != nil {
		return errors.Wrap(err, "resolve instrument")
	}

	c.mu.Lock()
	c.session = session
	c.instrument = instrument
	c.initialized = true
	c.mu.Unlock()

	logs.Infof("[%s] session ready, base=%.4f grid=%.4f resumed=%t", spec.Symbol, session.BasePrice, session.GridSize, found)
	return nil
}

// iterate runs one fixed-phase cycle.
func (c *Controller) iterate(ctx context.Context) error {
	c.mu.Lock()
	spec := c.spec
	c.mu.Unlock()

	price, err := c.fetchPrice(ctx, spec.Symbol)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.session.ObservePrice(price)
	session := c.session
	c.mu.Unlock()

	balances, err := c.fetchBalances(ctx, spec)
	if err != nil {
		return err
	}
	position := balances[spec.BaseAsset].Total()
	positionValue, _ := position.Float64()
	positionValue *= price
	quoteFree, _ := balances[spec.QuoteAsset].Free.Float64()

	if done, err := c.checkStopLoss(ctx, spec, session, price, position, positionValue); done || err != nil {
		return err
	}
	if err := c.checkTakeProfit(ctx, spec, session, price, position, positionValue); err != nil {
		return err
	}

	candles, err := c.gw.FetchOHLCV(ctx, spec.Symbol, candleTimeframe, candleLimit())
	if err != nil {
		return errors.Wrap(err, "fetch candles")
	}

	signal := c.trend.Evaluate(candles)
	c.adaptGrid(spec, candles)

	riskState := c.risk.CheckPositionLimits(spec.Symbol, positionValue, positionValue+quoteFree)
	allowed := c.trend.Narrow(signal, riskState.Allowed)
	if riskState.Allowed != schema.DirectionBoth {
		c.noteDenial(riskState.Reason)
	}

	if side, ok := c.evaluateSignal(price, candles, allowed); ok {
		if ok, reason := c.executeOrder(ctx, side, price, spec.OrderAmount); !ok {
			c.noteDenial(reason)
		}
	}

	c.consultAdvisor(ctx, price, candles, allowed, spec)
	return nil
}

func candleLimit() int {
	limit := signalLookback
	if volLookback > limit {
		limit = volLookback
	}
	// slow trend period needs headroom
	if limit < 30 {
		limit = 30
	}
	return limit
}

func (c *Controller) fetchPrice(ctx context.Context, symbol string) (float64, error) {
	start := time.Now()
	price, err := c.gw.FetchPrice(ctx, symbol)
	c.metrics.ObserveGateway(time.Since(start))
	if err != nil {
		return 0, errors.Wrap(err, "fetch price")
	}
	if price <= 0 {
		return 0, fmt.Errorf("non-positive price %v for %s", price, symbol)
	}
	return price, nil
}

// fetchBalances reads spot balances through a short-TTL cache to bound call
// volume against the exchange.
func (c *Controller) fetchBalances(ctx context.Context, spec ops.SymbolSpec) (map[string]gateway.Balance, error) {
	c.mu.Lock()
	if c.balances != nil && time.Since(c.balancesAt) < spec.BalanceTTL {
		cached := c.balances
		c.mu.Unlock()
		return cached, nil
	}
	c.mu.Unlock()

	start := time.Now()
	balances, err := c.gw.FetchBalance(ctx, gateway.BalanceSpot)
	c.metrics.ObserveGateway(time.Since(start))
	if err != nil {
		return nil, errors.Wrap(err, "fetch balances")
	}

	c.mu.Lock()
	c.balances = balances
	c.balancesAt = time.Now()
	c.mu.Unlock()
	return balances, nil
}

func (c *Controller) invalidateBalances() {
	c.mu.Lock()
	c.balances = nil
	c.mu.Unlock()
}

// checkStopLoss fires emergency liquidation when drawdown from the tracked
// high breaches the configured percentage. The first return reports that the
// iteration must end here.
func (c *Controller) checkStopLoss(ctx context.Context, spec ops.SymbolSpec, session state.Session, price float64, position decimal.Decimal, positionValue float64) (bool, error) {
	if spec.StopLossPct <= 0 || session.HighestPrice <= 0 || positionValue < dustNotional {
		return false, nil
	}
	drawdown := (session.HighestPrice - price) / session.HighestPrice
	if drawdown < spec.StopLossPct {
		return false, nil
	}

	c.mu.Lock()
	already := c.liquidated
	c.liquidated = true
	c.mu.Unlock()
	if already {
		return true, nil
	}

	logs.Warnf("[%s] stop loss hit, drawdown=%.4f high=%.4f price=%.4f", spec.Symbol, drawdown, session.HighestPrice, price)
	c.publish(schema.EventAlert, schema.SeverityCritical,
		fmt.Sprintf("stop loss triggered at drawdown %.2f%%", drawdown*100))

	if err := c.liquidate(ctx, spec, price, position); err != nil {
		// Failing to flatten while under stop loss is fatal for this symbol.
		c.setState(StateStopped, fmt.Sprintf("liquidation failed: %v", err))
		return true, errors.Wrap(err, "emergency liquidation")
	}
	c.setState(StatePaused, "stop loss liquidation complete")
	return true, nil
}

// checkTakeProfit flattens the position once the rally from the tracked low
// clears the configured percentage, then re-anchors the grid at the current
// price and keeps trading. Disabled when the percentage is zero.
func (c *Controller) checkTakeProfit(ctx context.Context, spec ops.SymbolSpec, session state.Session, price float64, position decimal.Decimal, positionValue float64) error {
	if spec.TakeProfitPct <= 0 || session.LowestPrice <= 0 || positionValue < dustNotional {
		return nil
	}
	gain := (price - session.LowestPrice) / session.LowestPrice
	if gain < spec.TakeProfitPct {
		return nil
	}

	logs.Infof("[%s] take profit hit, gain=%.4f low=%.4f price=%.4f", spec.Symbol, gain, session.LowestPrice, price)
	if err := c.liquidate(ctx, spec, price, position); err != nil {
		return errors.Wrap(err, "take profit flatten")
	}
	c.publish(schema.EventTrade, schema.SeverityInfo, fmt.Sprintf("take profit flattened at gain %.2f%%", gain*100))

	c.mu.Lock()
	c.session.BasePrice = price
	c.session.HighestPrice = price
	c.session.LowestPrice = price
	c.session.LastBuyPrice = 0
	c.session.LastSellPrice = 0
	session = c.session
	c.mu.Unlock()
	return state.SaveSession(c.stateDir, session)
}

// liquidate cancels resting orders and market-sells the whole base position.
func (c *Controller) liquidate(ctx context.Context, spec ops.SymbolSpec, price float64, position decimal.Decimal) error {
	c.metrics.IncLiquidation()

	if err := c.CancelAllOrders(ctx); err != nil {
		return errors.Wrap(err, "cancel resting orders")
	}

	qty := position.Truncate(c.amountPrecision())
	if qty.Sign() <= 0 {
		return nil
	}

	req := gateway.OrderRequest{
		ClientID: uuid.NewString(),
		Symbol:   spec.Symbol,
		Side:     schema.SideSell,
		Type:     gateway.OrderTypeMarket,
		Amount:   qty,
	}
	result, err := c.gw.CreateOrder(ctx, req)
	if err != nil {
		if gateway.IsOutcomeUnknown(err) {
			result, err = c.reconcileOrder(ctx, req.ClientID, spec.Symbol)
		}
		if err != nil {
			return err
		}
	}

	c.invalidateBalances()
	notional := result.FilledAmount.Mul(result.AvgPrice)
	_ = c.alloc.RecordTrade(spec.Symbol, schema.SideSell, notional)
	c.appendLedger(ctx, result, decimal.Zero)
	return nil
}

func (c *Controller) amountPrecision() int32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.instrument.AmountPrecision
}

// adaptGrid recomputes the rolling volatility estimate and widens or narrows
// the grid step, clamped to the configured bounds.
func (c *Controller) adaptGrid(spec ops.SymbolSpec, candles []gateway.Candle) {
	vol := volatility(candles, volLookback)
	if vol <= 0 {
		return
	}

	c.mu.Lock()
	c.session.Volatility = vol
	grid := c.session.GridSize
	switch {
	case vol > volHighThreshold:
		grid *= gridWidenFactor
	case vol < volLowThreshold:
		grid *= gridNarrowFactor
	default:
		c.mu.Unlock()
		return
	}
	grid = math.Min(math.Max(grid, spec.MinGridSize), spec.MaxGridSize)
	changed := grid != c.session.GridSize
	c.session.GridSize = grid
	session := c.session
	c.mu.Unlock()

	if changed {
		logs.Debugf("[%s] grid adapted to %.4f, volatility=%.5f", spec.Symbol, grid, vol)
		if err := state.SaveSession(c.stateDir, session); err != nil {
			logs.Warnf("[%s] session persist failed, err: %+v", spec.Symbol, err)
		}
	}
}

// volatility is the standard deviation of simple close-to-close returns.
func volatility(candles []gateway.Candle, lookback int) float64 {
	if len(candles) < 2 {
		return 0
	}
	if len(candles) > lookback+1 {
		candles = candles[len(candles)-lookback-1:]
	}
	returns := make([]float64, 0, len(candles)-1)
	for i := 1; i < len(candles); i++ {
		prev := candles[i-1].Close
		if prev <= 0 {
			continue
		}
		returns = append(returns, (candles[i].Close-prev)/prev)
	}
	if len(returns) == 0 {
		return 0
	}
	var sum float64
	for _, r := range returns {
		sum += r
	}
	mean := sum / float64(len(returns))
	var variance float64
	for _, r := range returns {
		d := r - mean
		variance += d * d
	}
	return math.Sqrt(variance / float64(len(returns)))
}

// evaluateSignal applies the band, watermark, and flip conditions. A buy
// fires only strictly below the statistical lower band, strictly below the
// last-buy watermark minus one grid step, and past the minimum fractional
// move from that watermark; sell is symmetric above. Watermarks make each
// excursion fire at most once, and the boundary itself never refires.
func (c *Controller) evaluateSignal(price float64, candles []gateway.Candle, allowed schema.DirectionSet) (schema.Side, bool) {
	lower, upper, ok := bands(candles, signalLookback, bandWidthSigma)
	if !ok {
		return schema.SideUnknown, false
	}

	c.mu.Lock()
	session := c.session
	flip := c.spec.FlipThresholdPct
	c.mu.Unlock()

	buyRef := session.LastBuyPrice
	if buyRef <= 0 {
		buyRef = session.BasePrice
	}
	sellRef := session.LastSellPrice
	if sellRef <= 0 {
		sellRef = session.BasePrice
	}

	if allowed.Has(schema.SideBuy) && price < lower &&
		price < buyRef-session.GridSize && price < buyRef*(1-flip) {
		return schema.SideBuy, true
	}
	if allowed.Has(schema.SideSell) && price > upper &&
		price > sellRef+session.GridSize && price > sellRef*(1+flip) {
		return schema.SideSell, true
	}
	return schema.SideUnknown, false
}

func bands(candles []gateway.Candle, lookback int, sigma float64) (float64, float64, bool) {
	if len(candles) < lookback {
		return 0, 0, false
	}
	closes := candles[len(candles)-lookback:]
	var sum float64
	for _, candle := range closes {
		sum += candle.Close
	}
	mean := sum / float64(lookback)
	var variance float64
	for _, candle := range closes {
		d := candle.Close - mean
		variance += d * d
	}
	std := math.Sqrt(variance / float64(lookback))
	return mean - sigma*std, mean + sigma*std, true
}

// executeOrder is the admission-gated placement path. The execution lock
// serializes attempts within the symbol and is released before the gateway
// call is awaited; a reservation granted by the allocator is committed on
// confirmation or released on failure. No side effect precedes confirmation.
func (c *Controller) executeOrder(ctx context.Context, side schema.Side, price float64, quoteAmount decimal.Decimal) (bool, string) {
	c.mu.Lock()
	spec := c.spec
	precision := c.instrument.AmountPrecision
	minNotional := c.instrument.MinNotional

	if !c.lastOrderAt.IsZero() && time.Since(c.lastOrderAt) < spec.Cooldown {
		c.mu.Unlock()
		return false, "cooldown active"
	}
	if !c.throttleAllowLocked(spec) {
		c.mu.Unlock()
		return false, "order throttle exceeded"
	}

	priceDec := decimal.NewFromFloat(price)
	qty := quoteAmount.Div(priceDec).Truncate(precision)
	notional := qty.Mul(priceDec)
	if qty.Sign() <= 0 || notional.LessThan(minNotional) {
		c.mu.Unlock()
		return false, "below minimum notional"
	}

	allowedTrade, reason := c.alloc.CheckTradeAllowed(spec.Symbol, side, notional)
	if !allowedTrade {
		c.mu.Unlock()
		return false, reason
	}
	c.orderTimes = append(c.orderTimes, time.Now())
	c.lastOrderAt = time.Now()
	c.mu.Unlock()

	req := gateway.OrderRequest{
		ClientID: uuid.NewString(),
		Symbol:   spec.Symbol,
		Side:     side,
		Type:     gateway.OrderTypeMarket,
		Amount:   qty,
	}
	start := time.Now()
	result, err := c.gw.CreateOrder(ctx, req)
	c.metrics.ObserveGateway(time.Since(start))
	if err != nil {
		if gateway.IsOutcomeUnknown(err) {
			result, err = c.reconcileOrder(ctx, req.ClientID, spec.Symbol)
		}
		if err != nil {
			if side == schema.SideBuy {
				c.alloc.ReleaseReservation(spec.Symbol, notional)
			}
			c.metrics.IncOrderFailed()
			if gateway.IsTerminal(err) {
				c.publish(schema.EventAlert, schema.SeverityWarn, fmt.Sprintf("order rejected: %v", err))
				return false, "order rejected"
			}
			logs.Warnf("[%s] order placement failed, err: %+v", spec.Symbol, err)
			return false, "gateway failure"
		}
	}

	c.metrics.ObserveOrder(time.Since(start))
	c.settleFill(ctx, spec, side, result, notional)
	return true, ""
}

// settleFill commits a confirmed fill: allocator usage, ledger record,
// watermark advance, session persistence.
func (c *Controller) settleFill(ctx context.Context, spec ops.SymbolSpec, side schema.Side, result gateway.OrderResult, reserved decimal.Decimal) {
	filledNotional := result.FilledAmount.Mul(result.AvgPrice)
	fillPrice, _ := result.AvgPrice.Float64()

	switch side {
	case schema.SideBuy:
		_ = c.alloc.RecordTrade(spec.Symbol, schema.SideBuy, filledNotional)
		if extra := reserved.Sub(filledNotional); extra.Sign() > 0 {
			c.alloc.ReleaseReservation(spec.Symbol, extra)
		}
	case schema.SideSell:
		_ = c.alloc.RecordTrade(spec.Symbol, schema.SideSell, filledNotional)
	}

	var profit decimal.Decimal
	c.mu.Lock()
	switch side {
	case schema.SideBuy:
		c.session.LastBuyPrice = fillPrice
	case schema.SideSell:
		if c.session.LastBuyPrice > 0 {
			profit = result.AvgPrice.Sub(decimal.NewFromFloat(c.session.LastBuyPrice)).Mul(result.FilledAmount)
		}
		c.session.LastSellPrice = fillPrice
	}
	session := c.session
	c.mu.Unlock()

	c.invalidateBalances()
	c.metrics.IncOrderPlaced()
	c.appendLedger(ctx, result, profit)
	c.publish(schema.EventTrade, schema.SeverityInfo,
		fmt.Sprintf("%s %s %s @ %s", side, result.FilledAmount, spec.Symbol, result.AvgPrice))

	if err := state.SaveSession(c.stateDir, session); err != nil {
		logs.Warnf("[%s] session persist failed, err: %+v", spec.Symbol, err)
	}
}

func (c *Controller) appendLedger(ctx context.Context, result gateway.OrderResult, profit decimal.Decimal) {
	status := result.Status
	if !status.IsTerminal() {
		status = schema.OrderStatusFilled
	}
	record := schema.Order{
		ID:         result.ClientID,
		ExchangeID: result.ExchangeID,
		Symbol:     result.Symbol,
		Side:       result.Side,
		Amount:     result.FilledAmount,
		Price:      result.AvgPrice,
		Status:     status,
		Profit:     profit,
		CreatedAt:  time.Now().UTC(),
		UpdatedAt:  time.Now().UTC(),
	}
	if err := c.ledger.Append(ctx, record); err != nil {
		logs.Errorf("[%s] ledger append failed, err: %+v", result.Symbol, err)
	}
}

// reconcileOrder resolves an unknown-outcome placement by querying the
// exchange for the client order ID. A cancelled loop context cannot carry the
// query, so reconciliation runs on its own short-deadline context.
func (c *Controller) reconcileOrder(ctx context.Context, clientID, symbol string) (gateway.OrderResult, error) {
	logs.Warnf("[%s] order outcome unknown, reconciling %s", symbol, clientID)
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), reconcileTimeout)
		defer cancel()
	}
	result, err := c.gw.FetchOrder(ctx, clientID, symbol)
	if err != nil {
		return gateway.OrderResult{}, errors.Wrap(err, "reconcile order "+clientID)
	}
	if result.Status != schema.OrderStatusFilled {
		return gateway.OrderResult{}, gateway.Terminal("reconcile",
			fmt.Errorf("order %s resolved as %s", clientID, result.Status))
	}
	return result, nil
}

// throttleAllowLocked enforces the rolling-window order cap. Caller holds mu.
func (c *Controller) throttleAllowLocked(spec ops.SymbolSpec) bool {
	cutoff := time.Now().Add(-spec.ThrottleWindow)
	kept := c.orderTimes[:0]
	for _, t := range c.orderTimes {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	c.orderTimes = kept
	return len(c.orderTimes) < spec.MaxOrdersPerWin
}

// consultAdvisor runs the rate-limited advisory strategy. Suggestions pass
// through the same direction and admission gates as grid signals.
func (c *Controller) consultAdvisor(ctx context.Context, price float64, candles []gateway.Candle, allowed schema.DirectionSet, spec ops.SymbolSpec) {
	if !c.advisor.Enabled() {
		return
	}
	suggestion, ok := c.advisor.Suggest(time.Now(), candles)
	if !ok || !allowed.Has(suggestion.Side) {
		return
	}
	logs.Infof("[%s] advisory %s (%.2f): %s", spec.Symbol, suggestion.Side, suggestion.Confidence, suggestion.Reason)
	if ok, reason := c.executeOrder(ctx, suggestion.Side, price, spec.OrderAmount); !ok {
		c.noteDenial(reason)
	}
}

func (c *Controller) noteDenial(reason string) {
	if reason == "" {
		return
	}
	c.metrics.IncDenial(reason)
	c.mu.Lock()
	c.lastDenial = reason
	c.mu.Unlock()
	logs.Debugf("[%s] denied: %s", c.Symbol(), reason)
}

// Pause suspends iterations until Resume.
func (c *Controller) Pause(reason string) {
	if c.State() == StateStopped {
		return
	}
	c.setState(StatePaused, reason)
}

// Resume re-enables a paused controller. Resuming clears the stop-loss latch
// and the error counter; it is the explicit external action required to leave
// PAUSED.
func (c *Controller) Resume() error {
	switch c.State() {
	case StateStopped:
		return ErrStopped
	case StatePaused:
	default:
		return ErrNotPaused
	}

	c.mu.Lock()
	c.consecutiveErrors = 0
	c.lastError = ""
	c.liquidated = false
	c.session.HighestPrice = 0
	c.session.LowestPrice = 0
	c.mu.Unlock()

	c.setState(StateRunning, "resumed by operator")
	return nil
}

// CancelAllOrders cancels every resting order for the symbol.
func (c *Controller) CancelAllOrders(ctx context.Context) error {
	symbol := c.Symbol()
	open, err := c.gw.OpenOrders(ctx, symbol)
	if err != nil {
		return errors.Wrap(err, "list open orders")
	}
	for _, order := range open {
		if err := c.gw.CancelOrder(ctx, order.ExchangeID, symbol); err != nil {
			return errors.Wrap(err, "cancel order "+order.ExchangeID)
		}
	}
	if len(open) > 0 {
		logs.Infof("[%s] cancelled %d resting orders", symbol, len(open))
	}
	return nil
}

// UpdateConfig applies a hot-swappable symbol spec without restarting the
// loop. Grid bounds take effect on the next adaptation; the current grid step
// is clamped immediately.
func (c *Controller) UpdateConfig(spec ops.SymbolSpec) error {
	if spec.Symbol != c.Symbol() {
		return fmt.Errorf("spec symbol %s does not match controller %s", spec.Symbol, c.Symbol())
	}

	c.mu.Lock()
	c.spec = spec
	if !c.initialized {
		c.mu.Unlock()
		return nil
	}
	c.session.GridSize = math.Min(math.Max(c.session.GridSize, spec.MinGridSize), spec.MaxGridSize)
	session := c.session
	c.mu.Unlock()

	logs.Infof("[%s] config updated", spec.Symbol)
	return state.SaveSession(c.stateDir, session)
}

// Status is the pull-based controller view.
type Status struct {
	Symbol            string
	State             string
	BasePrice         float64
	GridSize          float64
	HighestPrice      float64
	LowestPrice       float64
	LastBuyPrice      float64
	LastSellPrice     float64
	Volatility        float64
	ConsecutiveErrors int
	LastError         string
	LastDenial        string
}

// GetStatus reports the controller state and last denial/error reasons.
func (c *Controller) GetStatus() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{
		Symbol:            c.spec.Symbol,
		State:             c.State().String(),
		BasePrice:         c.session.BasePrice,
		GridSize:          c.session.GridSize,
		HighestPrice:      c.session.HighestPrice,
		LowestPrice:       c.session.LowestPrice,
		LastBuyPrice:      c.session.LastBuyPrice,
		LastSellPrice:     c.session.LastSellPrice,
		Volatility:        c.session.Volatility,
		ConsecutiveErrors: c.consecutiveErrors,
		LastError:         c.lastError,
		LastDenial:        c.lastDenial,
	}
}

// GetStatistics aggregates this symbol's ledger outcomes.
func (c *Controller) GetStatistics() ledger.Stats {
	return c.ledger.Stats(c.Symbol())
}

// PersistSession flushes the current session to disk. Used during shutdown.
func (c *Controller) PersistSession() error {
	c.mu.Lock()
	session := c.session
	initialized := c.initialized
	c.mu.Unlock()
	if !initialized {
		return nil
	}
	return state.SaveSession(c.stateDir, session)
}
