package gateway

import (
	"context"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"main/internal/errors"
	"main/internal/schema"
)

var (
	ErrPaperNoPrice     = errors.New("paper gateway: no price for symbol")
	ErrPaperNoFunds     = errors.New("paper gateway: insufficient funds")
	ErrPaperOrderExists = errors.New("paper gateway: duplicate client id")
	ErrPaperNoOrder     = errors.New("paper gateway: order not found")
)

// Paper is an in-memory exchange used by the paper-trading tool and tests.
// Market orders fill immediately at the quoted price; limit orders rest until
// the quote crosses them on a price update.
type Paper struct {
	mu          sync.Mutex
	prices      map[string]float64
	candles     map[string][]Candle
	balances    map[BalanceKind]map[string]Balance
	instruments map[string]Instrument
	orders      map[string]*OrderResult
	seq         uint64
}

// NewPaper creates an empty paper exchange.
func NewPaper() *Paper {
	return &Paper{
		prices:  make(map[string]float64),
		candles: make(map[string][]Candle),
		balances: map[BalanceKind]map[string]Balance{
			BalanceSpot:    make(map[string]Balance),
			BalanceFunding: make(map[string]Balance),
		},
		instruments: make(map[string]Instrument),
		orders:      make(map[string]*OrderResult),
	}
}

// SetPrice updates the quote for a symbol.
func (p *Paper) SetPrice(symbol string, price float64) {
	p.mu.Lock()
	p.prices[symbol] = price
	p.mu.Unlock()
}

// SetCandles replaces the OHLCV history for a symbol.
func (p *Paper) SetCandles(symbol string, candles []Candle) {
	p.mu.Lock()
	p.candles[symbol] = append([]Candle(nil), candles...)
	p.mu.Unlock()
}

// SetBalance sets a single asset balance.
func (p *Paper) SetBalance(kind BalanceKind, asset string, free decimal.Decimal) {
	p.mu.Lock()
	p.balances[kind][asset] = Balance{Free: free}
	p.mu.Unlock()
}

// SetInstrument registers precision rules for a symbol.
func (p *Paper) SetInstrument(inst Instrument) {
	p.mu.Lock()
	p.instruments[inst.Symbol] = inst
	p.mu.Unlock()
}

func (p *Paper) FetchPrice(ctx context.Context, symbol string) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, Transient("fetch price", err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	price, ok := p.prices[symbol]
	if !ok {
		return 0, Terminal("fetch price", ErrPaperNoPrice)
	}
	return price, nil
}

func (p *Paper) FetchOHLCV(ctx context.Context, symbol, timeframe string, limit int) ([]Candle, error) {
	if err := ctx.Err(); err != nil {
		return nil, Transient("fetch ohlcv", err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	candles := p.candles[symbol]
	if limit > 0 && len(candles) > limit {
		candles = candles[len(candles)-limit:]
	}
	out := make([]Candle, len(candles))
	copy(out, candles)
	return out, nil
}

func (p *Paper) FetchBalance(ctx context.Context, kind BalanceKind) (map[string]Balance, error) {
	if err := ctx.Err(); err != nil {
		return nil, Transient("fetch balance", err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]Balance, len(p.balances[kind]))
	for asset, bal := range p.balances[kind] {
		out[asset] = bal
	}
	return out, nil
}

func (p *Paper) Instrument(ctx context.Context, symbol string) (Instrument, error) {
	if err := ctx.Err(); err != nil {
		return Instrument{}, Transient("fetch instrument", err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if inst, ok := p.instruments[symbol]; ok {
		return inst, nil
	}
	return Instrument{
		Symbol:          symbol,
		PricePrecision:  8,
		AmountPrecision: 8,
	}, nil
}

func (p *Paper) CreateOrder(ctx context.Context, req OrderRequest) (OrderResult, error) {
	if err := ctx.Err(); err != nil {
		return OrderResult{}, Transient("create order", err)
	}
	if req.Amount.Sign() <= 0 {
		return OrderResult{}, Terminal("create order", errors.New("amount must be > 0"))
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	clientID := req.ClientID
	if clientID == "" {
		clientID = uuid.NewString()
	}
	if _, ok := p.orders[clientID]; ok {
		return OrderResult{}, Terminal("create order", ErrPaperOrderExists)
	}
	price, ok := p.prices[req.Symbol]
	if !ok {
		return OrderResult{}, Terminal("create order", ErrPaperNoPrice)
	}

	fillPrice := decimal.NewFromFloat(price)
	if req.Type == OrderTypeLimit && req.Price.Sign() > 0 {
		fillPrice = req.Price
	}

	p.seq++
	result := &OrderResult{
		ClientID:     clientID,
		ExchangeID:   strconv.FormatUint(p.seq, 10),
		Symbol:       req.Symbol,
		Side:         req.Side,
		Status:       schema.OrderStatusFilled,
		FilledAmount: req.Amount,
		AvgPrice:     fillPrice,
	}
	if err := p.settle(req, fillPrice); err != nil {
		return OrderResult{}, Terminal("create order", err)
	}
	p.orders[clientID] = result
	return *result, nil
}

// settle moves funds between the base and quote assets of the instrument.
// Symbols without a registered instrument skip balance accounting.
func (p *Paper) settle(req OrderRequest, fillPrice decimal.Decimal) error {
	inst, ok := p.instruments[req.Symbol]
	if !ok {
		return nil
	}
	spot := p.balances[BalanceSpot]
	notional := req.Amount.Mul(fillPrice)
	base := spot[inst.BaseAsset]
	quote := spot[inst.QuoteAsset]
	switch req.Side {
	case schema.SideBuy:
		if quote.Free.LessThan(notional) {
			return ErrPaperNoFunds
		}
		quote.Free = quote.Free.Sub(notional)
		base.Free = base.Free.Add(req.Amount)
	case schema.SideSell:
		if base.Free.LessThan(req.Amount) {
			return ErrPaperNoFunds
		}
		base.Free = base.Free.Sub(req.Amount)
		quote.Free = quote.Free.Add(notional)
	}
	spot[inst.BaseAsset] = base
	spot[inst.QuoteAsset] = quote
	return nil
}

func (p *Paper) FetchOrder(ctx context.Context, clientID, symbol string) (OrderResult, error) {
	if err := ctx.Err(); err != nil {
		return OrderResult{}, Transient("fetch order", err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	order, ok := p.orders[clientID]
	if !ok {
		return OrderResult{}, Terminal("fetch order", ErrPaperNoOrder)
	}
	return *order, nil
}

func (p *Paper) OpenOrders(ctx context.Context, symbol string) ([]OrderResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, Transient("open orders", err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []OrderResult
	for _, order := range p.orders {
		if order.Symbol == symbol && !order.Status.IsTerminal() {
			out = append(out, *order)
		}
	}
	return out, nil
}

func (p *Paper) CancelOrder(ctx context.Context, exchangeID, symbol string) error {
	if err := ctx.Err(); err != nil {
		return Transient("cancel order", err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, order := range p.orders {
		if order.ExchangeID == exchangeID {
			if !order.Status.IsTerminal() {
				order.Status = schema.OrderStatusCanceled
			}
			return nil
		}
	}
	return Terminal("cancel order", ErrPaperNoOrder)
}

func (p *Paper) Close() error { return nil }
