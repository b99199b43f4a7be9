package market

import (
	"encoding/json"
	"fmt"

	"github.com/adshao/go-binance/v2"
	"github.com/shopspring/decimal"

	"cryptotrader/models"
)

type frameHeader struct {
	Event    string          `json:"e"`
	Time     int64           `json:"E"`
	UpdateID *int64          `json:"u"`
	ID       *int64          `json:"id"`
	Error    *controlError   `json:"error"`
	Stream   string          `json:"stream"`
	Data     json.RawMessage `json:"data"`
}

type controlError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// subscriptionError is the exchange refusing a SUBSCRIBE request.
type subscriptionError struct {
	id   int64
	code int
	msg  string
}

func (e *subscriptionError) Error() string {
	return fmt.Sprintf("subscription %d rejected: %d %s", e.id, e.code, e.msg)
}

// decodeFrame turns one websocket frame into a market event. Control replies
// to SUBSCRIBE yield ok=false; a rejected subscription is an error.
func decodeFrame(raw []byte) (evt models.MarketEvent, ok bool, err error) {
	var h frameHeader
	if err := json.Unmarshal(raw, &h); err != nil {
		return evt, false, fmt.Errorf("decode frame: %w", err)
	}
	if h.Stream != "" && len(h.Data) > 0 {
		return decodeFrame(h.Data)
	}
	if h.ID != nil {
		if h.Error != nil {
			return evt, false, &subscriptionError{id: *h.ID, code: h.Error.Code, msg: h.Error.Msg}
		}
		return evt, false, nil
	}

	switch {
	case h.Event == "trade":
		var t binance.WsTradeEvent
		if err := json.Unmarshal(raw, &t); err != nil {
			return evt, false, fmt.Errorf("decode trade: %w", err)
		}
		return tradeEvent(t)
	case h.Event == "bookTicker", h.Event == "" && h.UpdateID != nil:
		var b binance.WsBookTickerEvent
		if err := json.Unmarshal(raw, &b); err != nil {
			return evt, false, fmt.Errorf("decode bookTicker: %w", err)
		}
		evt, ok, err := bookTickerEvent(b)
		evt.Time = h.Time
		return evt, ok, err
	case h.Event == "":
		return evt, false, fmt.Errorf("frame without event type")
	default:
		return evt, false, nil
	}
}

func tradeEvent(t binance.WsTradeEvent) (models.MarketEvent, bool, error) {
	price, err := decimal.NewFromString(t.Price)
	if err != nil {
		return models.MarketEvent{}, false, fmt.Errorf("trade price %q: %w", t.Price, err)
	}
	qty, err := decimal.NewFromString(t.Quantity)
	if err != nil {
		return models.MarketEvent{}, false, fmt.Errorf("trade quantity %q: %w", t.Quantity, err)
	}
	return models.MarketEvent{
		Kind:         models.Trade,
		Symbol:       t.Symbol,
		Seq:          t.TradeID,
		Time:         t.TradeTime,
		Price:        price,
		Qty:          qty,
		IsBuyerMaker: t.IsBuyerMaker,
	}, true, nil
}

func bookTickerEvent(b binance.WsBookTickerEvent) (models.MarketEvent, bool, error) {
	values := make([]decimal.Decimal, 4)
	for i, s := range []string{b.BestBidPrice, b.BestBidQty, b.BestAskPrice, b.BestAskQty} {
		d, err := decimal.NewFromString(s)
		if err != nil {
			return models.MarketEvent{}, false, fmt.Errorf("bookTicker value %q: %w", s, err)
		}
		values[i] = d
	}
	return models.MarketEvent{
		Kind:   models.BookTicker,
		Symbol: b.Symbol,
		Seq:    b.UpdateID,
		Bid:    values[0],
		BidQty: values[1],
		Ask:    values[2],
		AskQty: values[3],
	}, true, nil
}
