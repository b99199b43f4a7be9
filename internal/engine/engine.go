package engine

import (
	"context"
	"net/http"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"cryptotrader/internal/fault"
	"cryptotrader/internal/metrics"
	"cryptotrader/internal/rest"
	"cryptotrader/internal/symbols"
	"cryptotrader/logger"
	"cryptotrader/models"
)

// Gate reports whether order submission is currently allowed.
type Gate interface {
	Ready() bool
}

type Options struct {
	Flavor models.Flavor
	// Symbols restricts market events to these symbols; empty accepts all.
	Symbols  []string
	Strategy Strategy
	NewID    func() string
	Gate     Gate
	// OrderAttempts is the total number of calls per action, first one
	// included.
	OrderAttempts  int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	Metrics        *metrics.Metrics
	// Resync asks the engine to reload the account snapshot, typically after
	// the account stream reconnected and may have missed reports.
	Resync <-chan struct{}
	// OnSynced runs after every successful snapshot load.
	OnSynced func()
}

func (o *Options) withDefaults() {
	if o.Flavor.OrderPath() == "" {
		o.Flavor = models.Spot
	}
	if o.Strategy == nil {
		o.Strategy = Idle{}
	}
	if o.NewID == nil {
		o.NewID = uuid.NewString
	}
	if o.OrderAttempts <= 0 {
		o.OrderAttempts = 3
	}
	if o.RetryBaseDelay <= 0 {
		o.RetryBaseDelay = 200 * time.Millisecond
	}
	if o.RetryMaxDelay < o.RetryBaseDelay {
		o.RetryMaxDelay = o.RetryBaseDelay
	}
}

// Engine owns the trading state. Handlers are deterministic: given the same
// events, id generator and results they produce the same state and actions.
type Engine struct {
	state    *State
	symbols  map[string]struct{}
	strategy Strategy
	newID    func() string
	gate     Gate
	exec     *Executor
	caller   rest.Caller
	flavor   models.Flavor
	resync   <-chan struct{}
	onSynced func()
	log      *logger.Entry
}

// NewWithState builds an engine without contacting the exchange.
func NewWithState(caller rest.Caller, state *State, opts Options) *Engine {
	opts.withDefaults()
	if state == nil {
		state = NewState()
	}
	var filter map[string]struct{}
	if len(opts.Symbols) > 0 {
		filter = make(map[string]struct{}, len(opts.Symbols))
		for _, sym := range opts.Symbols {
			sym = symbols.Normalize(sym)
			filter[sym] = struct{}{}
		}
	}
	return &Engine{
		state:    state,
		symbols:  filter,
		strategy: opts.Strategy,
		newID:    opts.NewID,
		gate:     opts.Gate,
		exec:     newExecutor(caller, opts),
		caller:   caller,
		flavor:   opts.Flavor,
		resync:   opts.Resync,
		onSynced: opts.OnSynced,
		log:      logger.GetLogger().WithComponent("trade_engine").WithField("flavor", opts.Flavor.String()),
	}
}

// New fetches the balance and open order snapshot and builds the engine.
func New(ctx context.Context, caller rest.Caller, opts Options) (*Engine, error) {
	e := NewWithState(caller, nil, opts)
	if err := e.Resync(ctx); err != nil {
		return nil, err
	}
	return e, nil
}

// Resync replaces balances and open orders with a fresh exchange snapshot.
// Quotes and the memory of finished orders are kept.
func (e *Engine) Resync(ctx context.Context) error {
	balances, err := fetchBalances(ctx, e.caller, e.flavor)
	if err != nil {
		return fault.New(fault.Init, "engine.snapshot.balances", err)
	}
	open, err := fetchOpenOrders(ctx, e.caller, e.flavor)
	if err != nil {
		return fault.New(fault.Init, "engine.snapshot.open_orders", err)
	}
	e.state.Snapshot(balances, open)
	e.log.WithFields(logger.Fields{
		"balances":    len(balances),
		"open_orders": len(open),
	}).Info("account snapshot loaded")
	if e.onSynced != nil {
		e.onSynced()
	}
	return nil
}

func (e *Engine) State() *State { return e.state }

// OnMarketEvent applies a market event and returns the resulting actions.
func (e *Engine) OnMarketEvent(evt models.MarketEvent) []Action {
	if e.symbols != nil {
		if _, ok := e.symbols[evt.Symbol]; !ok {
			return nil
		}
	}
	if !e.state.applyMarket(evt) {
		return nil
	}
	return e.assignIDs(e.strategy.OnMarket(e.state, evt))
}

// OnAccountEvent applies an account event and returns the resulting actions.
func (e *Engine) OnAccountEvent(evt models.AccountEvent) []Action {
	if !e.state.applyAccount(evt) {
		return nil
	}
	return e.assignIDs(e.strategy.OnAccount(e.state, evt))
}

// OnResult folds an executed action back into the state.
func (e *Engine) OnResult(r Result) {
	e.state.applyResult(r)
}

func (e *Engine) assignIDs(actions []Action) []Action {
	for i := range actions {
		if actions[i].Kind == PlaceOrder && actions[i].ClientOrderID == "" {
			actions[i].ClientOrderID = e.newID()
		}
	}
	return actions
}

// Run consumes both event sources until ctx ends or an order action fails
// for good. Actions are dropped while the gate is closed.
func (e *Engine) Run(ctx context.Context, market <-chan models.MarketEvent, account <-chan models.AccountEvent) error {
	e.log.Info("trade engine started")
	defer e.log.Info("trade engine stopped")

	for {
		var actions []Action
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-market:
			if !ok {
				return nil
			}
			actions = e.OnMarketEvent(evt)
		case evt, ok := <-account:
			if !ok {
				return nil
			}
			actions = e.OnAccountEvent(evt)
		case <-e.resync:
			if err := e.Resync(ctx); err != nil {
				return err
			}
			continue
		}

		if err := e.execute(ctx, actions); err != nil {
			return err
		}
	}
}

func (e *Engine) execute(ctx context.Context, actions []Action) error {
	for _, a := range actions {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if e.gate != nil && !e.gate.Ready() {
			e.log.WithField("action", a.String()).Warn("order submission paused, action dropped")
			e.exec.metrics.OrderAction(a.Kind.String(), "paused")
			continue
		}
		e.state.submitted(a)
		res, err := e.exec.Execute(ctx, a)
		if err != nil {
			return err
		}
		e.OnResult(res)
	}
	return nil
}

type accountSnapshot struct {
	Balances   []snapshotBalance `json:"balances"`
	UserAssets []snapshotBalance `json:"userAssets"`
}

type snapshotBalance struct {
	Asset  string          `json:"asset"`
	Free   decimal.Decimal `json:"free"`
	Locked decimal.Decimal `json:"locked"`
}

type snapshotOrder struct {
	Symbol        string                  `json:"symbol"`
	OrderID       int64                   `json:"orderId"`
	ClientOrderID string                  `json:"clientOrderId"`
	Price         decimal.Decimal         `json:"price"`
	OrigQty       decimal.Decimal         `json:"origQty"`
	ExecutedQty   decimal.Decimal         `json:"executedQty"`
	Status        binance.OrderStatusType `json:"status"`
	TimeInForce   binance.TimeInForceType `json:"timeInForce"`
	Type          binance.OrderType       `json:"type"`
	Side          binance.SideType        `json:"side"`
	UpdateTime    int64                   `json:"updateTime"`
}

func fetchBalances(ctx context.Context, caller rest.Caller, flavor models.Flavor) ([]models.Balance, error) {
	resp, err := caller.Call(ctx, http.MethodGet, flavor.AccountPath(), nil, rest.Signed)
	if err != nil {
		return nil, err
	}
	var snap accountSnapshot
	if err := resp.Decode(&snap); err != nil {
		return nil, err
	}
	raw := snap.Balances
	if flavor.IsMargin() {
		raw = snap.UserAssets
	}
	out := make([]models.Balance, 0, len(raw))
	for _, b := range raw {
		out = append(out, models.Balance{Asset: b.Asset, Free: b.Free, Locked: b.Locked})
	}
	return out, nil
}

func fetchOpenOrders(ctx context.Context, caller rest.Caller, flavor models.Flavor) ([]models.Order, error) {
	resp, err := caller.Call(ctx, http.MethodGet, flavor.OpenOrdersPath(), nil, rest.Signed)
	if err != nil {
		return nil, err
	}
	var raw []snapshotOrder
	if err := resp.Decode(&raw); err != nil {
		return nil, err
	}
	out := make([]models.Order, 0, len(raw))
	for _, o := range raw {
		out = append(out, models.Order{
			ClientOrderID: o.ClientOrderID,
			OrderID:       o.OrderID,
			Symbol:        o.Symbol,
			Side:          o.Side,
			Type:          o.Type,
			TimeInForce:   o.TimeInForce,
			Price:         o.Price,
			Quantity:      o.OrigQty,
			FilledQty:     o.ExecutedQty,
			Status:        o.Status,
			UpdateTime:    o.UpdateTime,
		})
	}
	return out, nil
}
