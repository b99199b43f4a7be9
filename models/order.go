package models

import (
	"github.com/adshao/go-binance/v2"
	"github.com/shopspring/decimal"
)

// OrderStatusPending marks an order submitted by the engine but not yet
// acknowledged by the exchange.
const OrderStatusPending binance.OrderStatusType = "PENDING_NEW"

// Order is the engine's view of one order, keyed by client order id.
type Order struct {
	ClientOrderID string
	OrderID       int64
	Symbol        string
	Side          binance.SideType
	Type          binance.OrderType
	TimeInForce   binance.TimeInForceType
	Price         decimal.Decimal
	Quantity      decimal.Decimal
	FilledQty     decimal.Decimal
	Status        binance.OrderStatusType
	UpdateTime    int64
}

// Open reports whether the order can still trade.
func (o Order) Open() bool {
	switch o.Status {
	case OrderStatusPending, binance.OrderStatusTypeNew, binance.OrderStatusTypePartiallyFilled:
		return true
	default:
		return false
	}
}

type Balance struct {
	Asset  string
	Free   decimal.Decimal
	Locked decimal.Decimal
}

func (b Balance) Total() decimal.Decimal {
	return b.Free.Add(b.Locked)
}
