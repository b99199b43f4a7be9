package engine

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/jpillora/backoff"

	"cryptotrader/internal/fault"
	"cryptotrader/internal/metrics"
	"cryptotrader/internal/rest"
	"cryptotrader/logger"
	"cryptotrader/models"
)

// Executor sends order actions with an idempotent retry policy. Every
// attempt of one action reuses its client order id, so the exchange sees at
// most one order per id.
type Executor struct {
	caller    rest.Caller
	flavor    models.Flavor
	attempts  int
	baseDelay time.Duration
	maxDelay  time.Duration
	metrics   *metrics.Metrics
	log       *logger.Entry
	sleep     func(context.Context, time.Duration) error
}

type orderResponse struct {
	OrderID int64                   `json:"orderId"`
	Status  binance.OrderStatusType `json:"status"`
}

func newExecutor(caller rest.Caller, opts Options) *Executor {
	return &Executor{
		caller:    caller,
		flavor:    opts.Flavor,
		attempts:  opts.OrderAttempts,
		baseDelay: opts.RetryBaseDelay,
		maxDelay:  opts.RetryMaxDelay,
		metrics:   opts.Metrics,
		log:       logger.GetLogger().WithComponent("order_executor"),
		sleep:     sleepCtx,
	}
}

// Execute runs one action. Exchange rejections come back as a Rejected
// result; only a non-retryable credential failure or exhausted retries
// produce an OrderActionFailed error.
func (x *Executor) Execute(ctx context.Context, a Action) (Result, error) {
	b := &backoff.Backoff{Min: x.baseDelay, Max: x.maxDelay, Factor: 2, Jitter: true}
	log := x.log.WithFields(logger.Fields{
		"action":          a.Kind.String(),
		"symbol":          a.Symbol,
		"client_order_id": a.ClientOrderID,
	})

	var lastErr error
	for attempt := 1; attempt <= x.attempts; attempt++ {
		resp, err := x.send(ctx, a)
		if err == nil {
			res := Result{Action: a, Outcome: Accepted, Attempts: attempt}
			var body orderResponse
			if resp != nil && resp.Decode(&body) == nil {
				res.OrderID = body.OrderID
				res.Status = body.Status
			}
			x.record(a, res.Outcome.String())
			return res, nil
		}
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}

		switch {
		case a.Kind == PlaceOrder && attempt > 1 && rest.IsDuplicateOrder(err):
			log.WithField("attempt", attempt).Info("order already known to exchange")
			x.record(a, AlreadyApplied.String())
			return Result{Action: a, Outcome: AlreadyApplied, Attempts: attempt}, nil
		case a.Kind == CancelOrder && attempt > 1 && rest.IsUnknownOrder(err):
			log.WithField("attempt", attempt).Info("order already cancelled by an earlier attempt")
			x.record(a, AlreadyApplied.String())
			return Result{Action: a, Outcome: AlreadyApplied, Attempts: attempt}, nil
		}

		lastErr = err
		kind := rest.KindOf(err)
		switch kind {
		case rest.AuthRejected:
			log.WithError(err).Error("order action rejected by credentials")
			x.record(a, "failed")
			return Result{}, fault.New(fault.OrderActionFailed, "engine."+a.Kind.String(), err)
		case rest.Rejected:
			log.WithError(err).Warn("order action rejected by exchange")
			x.record(a, Rejected.String())
			return Result{Action: a, Outcome: Rejected, Reason: err.Error(), Attempts: attempt}, nil
		}

		if attempt == x.attempts {
			break
		}
		delay := b.Duration()
		var restErr *rest.Error
		if kind == rest.RateLimited && errors.As(err, &restErr) && restErr.RetryAfter > delay {
			delay = restErr.RetryAfter
		}
		log.WithError(err).WithFields(logger.Fields{
			"attempt": attempt,
			"kind":    kind.String(),
			"delay":   delay.String(),
		}).Warn("order action failed, retrying")
		if err := x.sleep(ctx, delay); err != nil {
			return Result{}, err
		}
	}

	x.record(a, "failed")
	log.WithError(lastErr).WithField("attempts", x.attempts).Error("order action retries exhausted")
	return Result{}, fault.New(fault.OrderActionFailed, "engine."+a.Kind.String(), lastErr)
}

func (x *Executor) send(ctx context.Context, a Action) (*rest.Response, error) {
	params := url.Values{"symbol": {a.Symbol}}
	switch a.Kind {
	case CancelOrder:
		params.Set("origClientOrderId", a.ClientOrderID)
		return x.caller.Call(ctx, http.MethodDelete, x.flavor.OrderPath(), params, rest.Signed)
	default:
		params.Set("side", string(a.Side))
		params.Set("type", string(a.Type))
		params.Set("quantity", a.Quantity.String())
		params.Set("newClientOrderId", a.ClientOrderID)
		if a.Type != binance.OrderTypeMarket {
			params.Set("price", a.Price.String())
		}
		if a.TimeInForce != "" {
			params.Set("timeInForce", string(a.TimeInForce))
		}
		return x.caller.Call(ctx, http.MethodPost, x.flavor.OrderPath(), params, rest.Signed)
	}
}

func (x *Executor) record(a Action, result string) {
	x.metrics.OrderAction(a.Kind.String(), result)
	logger.IncrementOrderAction()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
