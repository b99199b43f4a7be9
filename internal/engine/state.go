package engine

import (
	"sort"

	"github.com/adshao/go-binance/v2"
	"github.com/shopspring/decimal"

	"cryptotrader/models"
)

const finishedMemory = 1024

// Quote is the last top of book seen for a symbol.
type Quote struct {
	Bid    decimal.Decimal
	BidQty decimal.Decimal
	Ask    decimal.Decimal
	AskQty decimal.Decimal
	Seq    int64
}

// State is the engine's in-memory view of the account. It is mutated only
// by the engine goroutine and only from events and action results.
type State struct {
	orders    map[string]*models.Order
	balances  map[string]models.Balance
	quotes    map[string]Quote
	lastTrade map[string]int64

	// finished remembers the final update time of recently closed orders so
	// late duplicates do not resurrect them.
	finished      map[string]int64
	finishedOrder []string
}

func NewState() *State {
	return &State{
		orders:    make(map[string]*models.Order),
		balances:  make(map[string]models.Balance),
		quotes:    make(map[string]Quote),
		lastTrade: make(map[string]int64),
		finished:  make(map[string]int64),
	}
}

// Order returns a copy of the tracked order.
func (s *State) Order(clientOrderID string) (models.Order, bool) {
	o, ok := s.orders[clientOrderID]
	if !ok {
		return models.Order{}, false
	}
	return *o, true
}

// OpenOrders returns open orders sorted by client order id.
func (s *State) OpenOrders() []models.Order {
	out := make([]models.Order, 0, len(s.orders))
	for _, o := range s.orders {
		if o.Open() {
			out = append(out, *o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClientOrderID < out[j].ClientOrderID })
	return out
}

func (s *State) Balance(asset string) (models.Balance, bool) {
	b, ok := s.balances[asset]
	return b, ok
}

func (s *State) Quote(symbol string) (Quote, bool) {
	q, ok := s.quotes[symbol]
	return q, ok
}

// applyMarket records the event and reports whether it is new.
func (s *State) applyMarket(evt models.MarketEvent) bool {
	switch evt.Kind {
	case models.BookTicker:
		if q, ok := s.quotes[evt.Symbol]; ok && evt.Seq != 0 && evt.Seq <= q.Seq {
			return false
		}
		s.quotes[evt.Symbol] = Quote{Bid: evt.Bid, BidQty: evt.BidQty, Ask: evt.Ask, AskQty: evt.AskQty, Seq: evt.Seq}
	case models.Trade:
		if last, ok := s.lastTrade[evt.Symbol]; ok && evt.Seq <= last {
			return false
		}
		s.lastTrade[evt.Symbol] = evt.Seq
	}
	return true
}

// applyAccount records the event and reports whether it changed anything.
func (s *State) applyAccount(evt models.AccountEvent) bool {
	switch evt.Kind {
	case models.OrderUpdate:
		if evt.Order == nil {
			return false
		}
		return s.applyReport(*evt.Order)
	case models.PositionUpdate:
		for _, b := range evt.Balances {
			s.balances[b.Asset] = b
		}
		return len(evt.Balances) > 0
	case models.BalanceUpdate:
		if evt.Delta == nil {
			return false
		}
		b := s.balances[evt.Delta.Asset]
		b.Asset = evt.Delta.Asset
		b.Free = b.Free.Add(evt.Delta.Delta)
		s.balances[b.Asset] = b
		return true
	}
	return false
}

func (s *State) applyReport(r models.OrderReport) bool {
	id := r.ClientOrderID
	if r.Status == binance.OrderStatusTypeCanceled && r.OrigClientOrderID != "" {
		id = r.OrigClientOrderID
	}
	if done, ok := s.finished[id]; ok && r.TransactionTime <= done {
		return false
	}

	o, ok := s.orders[id]
	if ok && r.TransactionTime < o.UpdateTime {
		return false
	}
	if ok && r.TransactionTime == o.UpdateTime && r.Status == o.Status && r.FilledQty.Equal(o.FilledQty) {
		return false
	}
	if !ok {
		o = &models.Order{ClientOrderID: id}
		s.orders[id] = o
	}

	o.OrderID = r.OrderID
	o.Symbol = r.Symbol
	o.Side = r.Side
	o.Type = r.Type
	o.Status = r.Status
	o.FilledQty = r.FilledQty
	o.UpdateTime = r.TransactionTime
	if !r.Price.IsZero() {
		o.Price = r.Price
	}
	if !r.Quantity.IsZero() {
		o.Quantity = r.Quantity
	}

	if !o.Open() {
		s.finish(id, r.TransactionTime)
	}
	return true
}

func (s *State) finish(id string, at int64) {
	delete(s.orders, id)
	if _, ok := s.finished[id]; !ok {
		s.finishedOrder = append(s.finishedOrder, id)
	}
	s.finished[id] = at
	if len(s.finishedOrder) > finishedMemory {
		oldest := s.finishedOrder[0]
		s.finishedOrder = s.finishedOrder[1:]
		delete(s.finished, oldest)
	}
}

// submitted tracks a place action before it is sent.
func (s *State) submitted(a Action) {
	if a.Kind != PlaceOrder {
		return
	}
	if _, ok := s.orders[a.ClientOrderID]; ok {
		return
	}
	if _, ok := s.finished[a.ClientOrderID]; ok {
		return
	}
	s.orders[a.ClientOrderID] = &models.Order{
		ClientOrderID: a.ClientOrderID,
		Symbol:        a.Symbol,
		Side:          a.Side,
		Type:          a.Type,
		TimeInForce:   a.TimeInForce,
		Price:         a.Price,
		Quantity:      a.Quantity,
		Status:        models.OrderStatusPending,
	}
}

// applyResult folds an executed action back into the state. Exchange
// reports arriving on the account stream take precedence over results.
func (s *State) applyResult(r Result) {
	id := r.Action.ClientOrderID
	o, tracked := s.orders[id]

	switch r.Action.Kind {
	case PlaceOrder:
		if !tracked {
			return
		}
		switch r.Outcome {
		case Accepted, AlreadyApplied:
			if r.OrderID != 0 {
				o.OrderID = r.OrderID
			}
			if o.Status == models.OrderStatusPending {
				status := r.Status
				if status == "" {
					status = binance.OrderStatusTypeNew
				}
				o.Status = status
				if !o.Open() {
					s.finish(id, o.UpdateTime)
				}
			}
		case Rejected:
			if o.Status == models.OrderStatusPending {
				o.Status = binance.OrderStatusTypeRejected
				s.finish(id, o.UpdateTime)
			}
		}
	case CancelOrder:
		if tracked && (r.Outcome == Accepted || r.Outcome == AlreadyApplied) {
			o.Status = binance.OrderStatusTypeCanceled
			s.finish(id, o.UpdateTime)
		}
	}
}

// Snapshot replaces balances and open orders with an exchange snapshot.
func (s *State) Snapshot(balances []models.Balance, open []models.Order) {
	s.balances = make(map[string]models.Balance, len(balances))
	for _, b := range balances {
		s.balances[b.Asset] = b
	}
	s.orders = make(map[string]*models.Order, len(open))
	for i := range open {
		o := open[i]
		s.orders[o.ClientOrderID] = &o
	}
}
