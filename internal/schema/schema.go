package schema

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is a trade direction.
type Side uint8

const (
	SideUnknown Side = iota
	SideBuy
	SideSell
)

func (s Side) String() string {
	switch s {
	case SideBuy:
		return "BUY"
	case SideSell:
		return "SELL"
	default:
		return "UNKNOWN"
	}
}

// ParseSide maps a wire string onto a side.
func ParseSide(s string) (Side, bool) {
	switch s {
	case "BUY", "buy":
		return SideBuy, true
	case "SELL", "sell":
		return SideSell, true
	default:
		return SideUnknown, false
	}
}

// Opposite returns the reverse direction.
func (s Side) Opposite() Side {
	switch s {
	case SideBuy:
		return SideSell
	case SideSell:
		return SideBuy
	default:
		return SideUnknown
	}
}

// DirectionSet is the set of trade directions currently permitted.
type DirectionSet uint8

const (
	DirectionNone DirectionSet = 0
	DirectionBuy  DirectionSet = 1 << 0
	DirectionSell DirectionSet = 1 << 1
	DirectionBoth              = DirectionBuy | DirectionSell
)

// Has reports whether the set permits the given side.
func (d DirectionSet) Has(s Side) bool {
	switch s {
	case SideBuy:
		return d&DirectionBuy != 0
	case SideSell:
		return d&DirectionSell != 0
	default:
		return false
	}
}

// Without removes a side from the set.
func (d DirectionSet) Without(s Side) DirectionSet {
	switch s {
	case SideBuy:
		return d &^ DirectionBuy
	case SideSell:
		return d &^ DirectionSell
	default:
		return d
	}
}

// Intersect keeps only directions permitted by both sets.
func (d DirectionSet) Intersect(other DirectionSet) DirectionSet {
	return d & other
}

func (d DirectionSet) String() string {
	switch d {
	case DirectionBoth:
		return "BUY|SELL"
	case DirectionBuy:
		return "BUY"
	case DirectionSell:
		return "SELL"
	default:
		return "NONE"
	}
}

// OrderStatus tracks the lifecycle of an order record.
type OrderStatus uint8

const (
	OrderStatusUnknown OrderStatus = iota
	OrderStatusPending
	OrderStatusFilled
	OrderStatusCanceled
	OrderStatusRejected
)

func (s OrderStatus) String() string {
	switch s {
	case OrderStatusPending:
		return "PENDING"
	case OrderStatusFilled:
		return "FILLED"
	case OrderStatusCanceled:
		return "CANCELED"
	case OrderStatusRejected:
		return "REJECTED"
	default:
		return "UNKNOWN"
	}
}

// ParseOrderStatus maps a wire string onto an order status.
func ParseOrderStatus(s string) (OrderStatus, bool) {
	switch s {
	case "PENDING":
		return OrderStatusPending, true
	case "FILLED":
		return OrderStatusFilled, true
	case "CANCELED":
		return OrderStatusCanceled, true
	case "REJECTED":
		return OrderStatusRejected, true
	default:
		return OrderStatusUnknown, false
	}
}

// IsTerminal reports whether the status admits no further transitions.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCanceled, OrderStatusRejected:
		return true
	default:
		return false
	}
}

// Order is a ledger record of a confirmed order outcome.
// Terminal records are immutable once appended.
type Order struct {
	ID         string          `json:"id"`
	ExchangeID string          `json:"exchangeId,omitempty"`
	Symbol     string          `json:"symbol"`
	Side       Side            `json:"side"`
	Amount     decimal.Decimal `json:"amount"`
	Price      decimal.Decimal `json:"price"`
	Status     OrderStatus     `json:"status"`
	Profit     decimal.Decimal `json:"profit"`
	CreatedAt  time.Time       `json:"createdAt"`
	UpdatedAt  time.Time       `json:"updatedAt"`
}

// RiskState is the per-iteration output of the risk limiter.
// It is recomputed every cycle and never persisted.
type RiskState struct {
	Allowed DirectionSet
	Reason  string
	Usage   float64
	Limit   float64
}

// TrendSignal is the transient output of the trend guard.
type TrendSignal struct {
	Direction  Side
	Strength   float64
	Confidence float64
}

// EventType classifies engine events published on the outbound bus.
type EventType uint8

const (
	EventUnknown EventType = iota
	EventStateChange
	EventAlert
	EventRebalance
	EventTrade
)

func (t EventType) String() string {
	switch t {
	case EventStateChange:
		return "STATE_CHANGE"
	case EventAlert:
		return "ALERT"
	case EventRebalance:
		return "REBALANCE"
	case EventTrade:
		return "TRADE"
	default:
		return "UNKNOWN"
	}
}

// Severity grades an event for downstream sinks.
type Severity uint8

const (
	SeverityInfo Severity = iota
	SeverityWarn
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityWarn:
		return "WARN"
	case SeverityCritical:
		return "CRITICAL"
	default:
		return "INFO"
	}
}

// Event is the unit emitted by the core toward external sinks.
// Delivery and broadcast are the embedder's responsibility.
type Event struct {
	Type     EventType
	Severity Severity
	Symbol   string
	Reason   string
	At       time.Time
}

// NewEvent builds an event stamped with the current time.
func NewEvent(eventType EventType, severity Severity, symbol, reason string) Event {
	return Event{
		Type:     eventType,
		Severity: severity,
		Symbol:   symbol,
		Reason:   reason,
		At:       time.Now().UTC(),
	}
}
