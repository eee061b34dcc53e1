package gateway

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"main/internal/schema"
)

// ErrOutcomeUnknown marks a call whose effect on the exchange is undecided,
// typically a timeout during order placement. The caller must reconcile via
// FetchOrder before trusting in-memory state.
var ErrOutcomeUnknown = errors.New("gateway outcome unknown")

// BalanceKind selects which account balances to read.
type BalanceKind uint8

const (
	BalanceSpot BalanceKind = iota
	BalanceFunding
)

func (k BalanceKind) String() string {
	if k == BalanceFunding {
		return "funding"
	}
	return "spot"
}

// Balance is a single-asset balance entry.
type Balance struct {
	Free   decimal.Decimal
	Locked decimal.Decimal
}

// Total returns free plus locked.
func (b Balance) Total() decimal.Decimal {
	return b.Free.Add(b.Locked)
}

// Candle is one OHLCV bar.
type Candle struct {
	OpenTime int64
	Open     float64
	High     float64
	Low      float64
	Close    float64
	Volume   float64
}

// Instrument carries the exchange's precision and size rules for a symbol.
type Instrument struct {
	Symbol          string
	BaseAsset       string
	QuoteAsset      string
	PricePrecision  int32
	AmountPrecision int32
	MinNotional     decimal.Decimal
}

// OrderType is the execution style of an order request.
type OrderType uint8

const (
	OrderTypeMarket OrderType = iota
	OrderTypeLimit
)

func (t OrderType) String() string {
	if t == OrderTypeLimit {
		return "LIMIT"
	}
	return "MARKET"
}

// OrderRequest describes an order to place.
type OrderRequest struct {
	ClientID string
	Symbol   string
	Side     schema.Side
	Type     OrderType
	Amount   decimal.Decimal
	Price    decimal.Decimal
}

// OrderResult is the exchange's view of an order.
type OrderResult struct {
	ClientID     string
	ExchangeID   string
	Symbol       string
	Side         schema.Side
	Status       schema.OrderStatus
	FilledAmount decimal.Decimal
	AvgPrice     decimal.Decimal
}

// Gateway is the narrow exchange capability the engine consumes.
// Every call must honor its context; implementations distinguish transient
// failures (retry next cycle) from terminal ones (abort the attempt).
type Gateway interface {
	FetchPrice(ctx context.Context, symbol string) (float64, error)
	FetchOHLCV(ctx context.Context, symbol, timeframe string, limit int) ([]Candle, error)
	FetchBalance(ctx context.Context, kind BalanceKind) (map[string]Balance, error)
	Instrument(ctx context.Context, symbol string) (Instrument, error)
	CreateOrder(ctx context.Context, req OrderRequest) (OrderResult, error)
	FetchOrder(ctx context.Context, clientID, symbol string) (OrderResult, error)
	OpenOrders(ctx context.Context, symbol string) ([]OrderResult, error)
	CancelOrder(ctx context.Context, exchangeID, symbol string) error
	Close() error
}

// TransientError marks a failure eligible for retry on the next iteration:
// network faults, timeouts, rate limits.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return "transient gateway failure: " + e.Op + ": " + e.Err.Error()
}

func (e *TransientError) Unwrap() error { return e.Err }

// TerminalError marks a failure that must abort the current attempt:
// rejected orders, invalid parameters.
type TerminalError struct {
	Op  string
	Err error
}

func (e *TerminalError) Error() string {
	return "terminal gateway failure: " + e.Op + ": " + e.Err.Error()
}

func (e *TerminalError) Unwrap() error { return e.Err }

// Transient wraps err as a transient failure. Nil stays nil.
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Op: op, Err: err}
}

// Terminal wraps err as a terminal failure. Nil stays nil.
func Terminal(op string, err error) error {
	if err == nil {
		return nil
	}
	return &TerminalError{Op: op, Err: err}
}

// IsTransient reports whether err is retryable next cycle.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsTerminal reports whether err must abort the current signal.
func IsTerminal(err error) bool {
	var te *TerminalError
	return errors.As(err, &te)
}

// IsOutcomeUnknown reports whether the order's fate must be reconciled.
// Both timeout and cancellation abort the call after it may have reached the
// exchange, so neither proves the order failed.
func IsOutcomeUnknown(err error) bool {
	return errors.Is(err, ErrOutcomeUnknown) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled)
}
