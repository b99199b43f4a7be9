package account

import (
	"encoding/json"
	"fmt"

	"github.com/adshao/go-binance/v2"
	"github.com/shopspring/decimal"

	"cryptotrader/models"
)

const (
	eventExecutionReport  = "executionReport"
	eventAccountPosition  = "outboundAccountPosition"
	eventBalanceUpdate    = "balanceUpdate"
	eventListenKeyExpired = "listenKeyExpired"
)

type envelope struct {
	Event string `json:"e"`
	Time  int64  `json:"E"`
}

type executionReport struct {
	Symbol            string                  `json:"s"`
	ClientOrderID     string                  `json:"c"`
	OrigClientOrderID string                  `json:"C"`
	Side              binance.SideType        `json:"S"`
	Type              binance.OrderType       `json:"o"`
	Quantity          decimal.Decimal         `json:"q"`
	Price             decimal.Decimal         `json:"p"`
	Status            binance.OrderStatusType `json:"X"`
	RejectReason      string                  `json:"r"`
	OrderID           int64                   `json:"i"`
	FilledQty         decimal.Decimal         `json:"z"`
	TransactionTime   int64                   `json:"T"`

	// Keys differing only in case from the ones above. encoding/json matches
	// case-insensitively, so they must be claimed to keep them out.
	ExecutionType json.RawMessage `json:"x"`
	CreationTime  json.RawMessage `json:"O"`
	QuoteQty      json.RawMessage `json:"Q"`
	StopPrice     json.RawMessage `json:"P"`
	Ignored       json.RawMessage `json:"I"`
	CumQuoteQty   json.RawMessage `json:"Z"`
	TradeID       json.RawMessage `json:"t"`
	Reserved      json.RawMessage `json:"R"`
}

type accountPosition struct {
	Balances []struct {
		Asset  string          `json:"a"`
		Free   decimal.Decimal `json:"f"`
		Locked decimal.Decimal `json:"l"`
	} `json:"B"`
}

type balanceUpdate struct {
	Asset string          `json:"a"`
	Delta decimal.Decimal `json:"d"`
}

// decodeEvent parses one user-data frame. Unknown event types yield ok=false
// without an error so new exchange events do not break the stream.
func decodeEvent(raw []byte) (evt models.AccountEvent, ok bool, err error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return evt, false, fmt.Errorf("decode envelope: %w", err)
	}
	evt.Time = env.Time

	switch env.Event {
	case eventExecutionReport:
		var r executionReport
		if err := json.Unmarshal(raw, &r); err != nil {
			return evt, false, fmt.Errorf("decode %s: %w", env.Event, err)
		}
		evt.Kind = models.OrderUpdate
		evt.Order = &models.OrderReport{
			Symbol:            r.Symbol,
			ClientOrderID:     r.ClientOrderID,
			OrigClientOrderID: r.OrigClientOrderID,
			OrderID:           r.OrderID,
			Side:              r.Side,
			Type:              r.Type,
			Status:            r.Status,
			Price:             r.Price,
			Quantity:          r.Quantity,
			FilledQty:         r.FilledQty,
			RejectReason:      r.RejectReason,
			TransactionTime:   r.TransactionTime,
		}
	case eventAccountPosition:
		var p accountPosition
		if err := json.Unmarshal(raw, &p); err != nil {
			return evt, false, fmt.Errorf("decode %s: %w", env.Event, err)
		}
		evt.Kind = models.PositionUpdate
		for _, b := range p.Balances {
			evt.Balances = append(evt.Balances, models.Balance{Asset: b.Asset, Free: b.Free, Locked: b.Locked})
		}
	case eventBalanceUpdate:
		var b balanceUpdate
		if err := json.Unmarshal(raw, &b); err != nil {
			return evt, false, fmt.Errorf("decode %s: %w", env.Event, err)
		}
		evt.Kind = models.BalanceUpdate
		evt.Delta = &models.BalanceDelta{Asset: b.Asset, Delta: b.Delta}
	case eventListenKeyExpired:
		evt.Kind = models.StreamExpired
	case "":
		return evt, false, fmt.Errorf("frame without event type")
	default:
		return evt, false, nil
	}
	return evt, true, nil
}
