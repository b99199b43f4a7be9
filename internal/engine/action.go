package engine

import (
	"fmt"

	"github.com/adshao/go-binance/v2"
	"github.com/shopspring/decimal"
)

type ActionKind int

const (
	PlaceOrder ActionKind = iota + 1
	CancelOrder
)

func (k ActionKind) String() string {
	switch k {
	case PlaceOrder:
		return "place"
	case CancelOrder:
		return "cancel"
	default:
		return "unknown"
	}
}

// Action is an order operation requested by a handler. Handlers never call
// the exchange themselves; Run executes the returned actions.
type Action struct {
	Kind          ActionKind
	ClientOrderID string
	Symbol        string
	Side          binance.SideType
	Type          binance.OrderType
	TimeInForce   binance.TimeInForceType
	Price         decimal.Decimal
	Quantity      decimal.Decimal
}

func (a Action) String() string {
	if a.Kind == CancelOrder {
		return fmt.Sprintf("cancel %s %s", a.Symbol, a.ClientOrderID)
	}
	return fmt.Sprintf("place %s %s %s %s@%s %s", a.Symbol, a.ClientOrderID, a.Side, a.Quantity, a.Price, a.Type)
}

// Outcome is how the exchange answered an action.
type Outcome int

const (
	Accepted Outcome = iota + 1
	// AlreadyApplied means a retry found the effect of an earlier attempt.
	AlreadyApplied
	Rejected
)

func (o Outcome) String() string {
	switch o {
	case Accepted:
		return "ok"
	case AlreadyApplied:
		return "already_applied"
	case Rejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Result is fed back into the state after an action ran.
type Result struct {
	Action   Action
	Outcome  Outcome
	OrderID  int64
	Status   binance.OrderStatusType
	Reason   string
	Attempts int
}
