package models

import (
	"github.com/adshao/go-binance/v2"
	"github.com/shopspring/decimal"
)

type MarketEventKind int

const (
	BookTicker MarketEventKind = iota + 1
	Trade
)

func (k MarketEventKind) String() string {
	switch k {
	case BookTicker:
		return "book_ticker"
	case Trade:
		return "trade"
	default:
		return "unknown"
	}
}

// MarketEvent is a parsed public market update. Seq is the exchange update
// or trade id, Time the exchange timestamp in milliseconds (zero when the
// stream does not carry one).
type MarketEvent struct {
	Kind   MarketEventKind
	Symbol string
	Seq    int64
	Time   int64

	Bid    decimal.Decimal
	BidQty decimal.Decimal
	Ask    decimal.Decimal
	AskQty decimal.Decimal

	Price        decimal.Decimal
	Qty          decimal.Decimal
	IsBuyerMaker bool
}

type AccountEventKind int

const (
	OrderUpdate AccountEventKind = iota + 1
	BalanceUpdate
	PositionUpdate
	StreamExpired
)

func (k AccountEventKind) String() string {
	switch k {
	case OrderUpdate:
		return "order_update"
	case BalanceUpdate:
		return "balance_update"
	case PositionUpdate:
		return "position_update"
	case StreamExpired:
		return "stream_expired"
	default:
		return "unknown"
	}
}

// AccountEvent is a parsed private user-data update. Exactly one payload
// matching Kind is set.
type AccountEvent struct {
	Kind     AccountEventKind
	Time     int64
	Order    *OrderReport
	Balances []Balance
	Delta    *BalanceDelta
}

// OrderReport mirrors an execution report.
type OrderReport struct {
	Symbol            string
	ClientOrderID     string
	OrigClientOrderID string
	OrderID           int64
	Side              binance.SideType
	Type              binance.OrderType
	Status            binance.OrderStatusType
	Price             decimal.Decimal
	Quantity          decimal.Decimal
	FilledQty         decimal.Decimal
	RejectReason      string
	TransactionTime   int64
}

type BalanceDelta struct {
	Asset string
	Delta decimal.Decimal
}
