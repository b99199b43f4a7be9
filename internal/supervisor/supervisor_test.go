package supervisor

import (
	"context"
	"errors"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cryptotrader/internal/engine"
	"cryptotrader/internal/fault"
	"cryptotrader/internal/rest"
	"cryptotrader/models"
)

func waiter(name string, cancelled *atomic.Int32) Unit {
	return UnitFunc(name, func(ctx context.Context) error {
		<-ctx.Done()
		cancelled.Add(1)
		return ctx.Err()
	})
}

func failing(name string, after time.Duration, err error) Unit {
	return UnitFunc(name, func(ctx context.Context) error {
		select {
		case <-time.After(after):
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	})
}

func fastOptions(policy Policy) Options {
	return Options{
		Policy:        policy,
		MaxRestarts:   5,
		BackoffMin:    time.Millisecond,
		BackoffMax:    5 * time.Millisecond,
		ShutdownGrace: 200 * time.Millisecond,
	}
}

func TestFailFastReturnsFirstErrorAndCancelsOthers(t *testing.T) {
	var cancelled atomic.Int32
	s := New(fastOptions(FailFast))

	start := time.Now()
	err := s.Run(context.Background(),
		failing("market", 10*time.Millisecond, fault.Errorf(fault.ConnectionLost, "market.read", "eof")),
		waiter("account", &cancelled),
		waiter("engine", &cancelled),
	)
	require.Error(t, err)

	var supErr *Error
	require.ErrorAs(t, err, &supErr)
	assert.Equal(t, "market", supErr.Unit)
	assert.True(t, fault.Is(err, fault.ConnectionLost))
	assert.Equal(t, int32(2), cancelled.Load())
	assert.Less(t, time.Since(start), time.Second)
	assert.True(t, s.Drained())
}

func TestFailFastBoundedByShutdownGrace(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	stubborn := UnitFunc("stubborn", func(context.Context) error {
		<-release
		return nil
	})

	opts := fastOptions(FailFast)
	opts.ShutdownGrace = 50 * time.Millisecond
	s := New(opts)

	done := make(chan error, 1)
	go func() {
		done <- s.Run(context.Background(), failing("account", time.Millisecond, fault.Errorf(fault.Transport, "x", "boom")), stubborn)
	}()

	select {
	case err := <-done:
		assert.True(t, fault.Is(err, fault.Transport))
		assert.False(t, s.Drained())
	case <-time.After(2 * time.Second):
		t.Fatal("Run hung on a unit ignoring cancellation")
	}
}

func TestCleanStopEndsSession(t *testing.T) {
	var cancelled atomic.Int32
	s := New(fastOptions(FailFast))
	err := s.Run(context.Background(), failing("engine", time.Millisecond, nil), waiter("market", &cancelled))
	assert.NoError(t, err)
	assert.Equal(t, int32(1), cancelled.Load())
}

func TestParentCancellation(t *testing.T) {
	var cancelled atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	s := New(fastOptions(FailFast))

	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	err := s.Run(ctx, waiter("a", &cancelled), waiter("b", &cancelled))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int32(2), cancelled.Load())
}

func TestRestartPolicyRerunsRetryableFailures(t *testing.T) {
	var runs atomic.Int32
	flaky := UnitFunc("market", func(ctx context.Context) error {
		switch runs.Add(1) {
		case 1, 2:
			return fault.Errorf(fault.ConnectionLost, "market.read", "reset")
		default:
			return fault.Errorf(fault.Auth, "market.read", "credentials revoked")
		}
	})

	var cancelled atomic.Int32
	s := New(fastOptions(Restart))
	err := s.Run(context.Background(), flaky, waiter("engine", &cancelled))
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.Auth))
	assert.Equal(t, int32(3), runs.Load())
	assert.Equal(t, int32(1), cancelled.Load())
}

func TestSnapshotTracksUnits(t *testing.T) {
	var runs atomic.Int32
	flaky := UnitFunc("market", func(ctx context.Context) error {
		if runs.Add(1) == 1 {
			return fault.Errorf(fault.ConnectionLost, "market.read", "reset")
		}
		return fault.Errorf(fault.Auth, "market.read", "revoked")
	})
	opts := fastOptions(Restart)
	opts.Readiness = NewReadiness("market")
	s := New(opts)
	require.Error(t, s.Run(context.Background(), flaky))

	snap := s.Snapshot()
	assert.Equal(t, "restart", snap.Policy)
	assert.False(t, snap.Ready)
	assert.Equal(t, []string{"market"}, snap.Down)
	require.Len(t, snap.Units, 1)
	u := snap.Units[0]
	assert.Equal(t, "market", u.Name)
	assert.False(t, u.Running)
	assert.Equal(t, 2, u.Starts)
	assert.Equal(t, 1, u.Restarts)
	assert.Equal(t, "auth", u.LastKind)
	assert.Contains(t, u.LastError, "revoked")
}

func TestRestartPolicyLimit(t *testing.T) {
	var runs atomic.Int32
	flaky := UnitFunc("account", func(ctx context.Context) error {
		runs.Add(1)
		return fault.Errorf(fault.Transport, "account.dial", "refused")
	})

	opts := fastOptions(Restart)
	opts.MaxRestarts = 2
	err := New(opts).Run(context.Background(), flaky)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRestartLimit)
	assert.True(t, fault.Is(err, fault.Transport))
	assert.Equal(t, int32(3), runs.Load())
}

func TestRestartPolicyAuthIsFatal(t *testing.T) {
	var runs atomic.Int32
	u := UnitFunc("account", func(ctx context.Context) error {
		runs.Add(1)
		return fault.Errorf(fault.Auth, "account.open", "rejected")
	})
	err := New(fastOptions(Restart)).Run(context.Background(), u)
	require.Error(t, err)
	assert.Equal(t, int32(1), runs.Load())
}

func TestReadiness(t *testing.T) {
	r := NewReadiness("market", "account")
	assert.False(t, r.Ready())
	assert.Equal(t, []string{"account", "market"}, r.Down())

	r.Hook("market")(true)
	r.Set("account", true)
	r.Set("unknown", false)
	assert.True(t, r.Ready())

	var nilGate *Readiness
	assert.True(t, nilGate.Ready())
}

func TestSupervisorClosesGateWhenUnitStops(t *testing.T) {
	r := NewReadiness("market")
	opts := fastOptions(FailFast)
	opts.Readiness = r
	u := UnitFunc("market", func(ctx context.Context) error {
		r.Set("market", true)
		return errors.New("dropped")
	})
	require.Error(t, New(opts).Run(context.Background(), u))
	assert.False(t, r.Ready())
}

type countingCaller struct{ calls atomic.Int32 }

func (c *countingCaller) Call(context.Context, string, string, url.Values, rest.Security) (*rest.Response, error) {
	c.calls.Add(1)
	return &rest.Response{Status: 200, Body: []byte(`{}`)}, nil
}

// cancelAll cancels every open order on any market event.
type cancelAll struct{}

func (cancelAll) OnMarket(s *engine.State, _ models.MarketEvent) []engine.Action {
	var out []engine.Action
	for _, o := range s.OpenOrders() {
		out = append(out, engine.Action{Kind: engine.CancelOrder, Symbol: o.Symbol, ClientOrderID: o.ClientOrderID})
	}
	return out
}

func (cancelAll) OnAccount(*engine.State, models.AccountEvent) []engine.Action { return nil }

func TestFeedDropStopsOrderActions(t *testing.T) {
	caller := &countingCaller{}
	gate := NewReadiness("market", "account")

	state := engine.NewState()
	state.Snapshot(nil, []models.Order{{
		ClientOrderID: "open-1", Symbol: "BTCUSDT", Side: binance.SideTypeBuy, Type: binance.OrderTypeLimit,
		Price: decimal.NewFromInt(100), Quantity: decimal.NewFromInt(1), Status: binance.OrderStatusTypeNew,
	}})
	eng := engine.NewWithState(caller, state, engine.Options{Strategy: cancelAll{}, Gate: gate})

	marketCh := make(chan models.MarketEvent, 4)
	accountCh := make(chan models.AccountEvent)

	market := UnitFunc("market", func(ctx context.Context) error {
		gate.Set("market", true)
		gate.Set("market", false)
		marketCh <- models.MarketEvent{Kind: models.BookTicker, Symbol: "BTCUSDT", Seq: 1}
		return fault.Errorf(fault.ConnectionLost, "market.read", "connection reset by peer")
	})
	account := UnitFunc("account", func(ctx context.Context) error {
		gate.Set("account", true)
		<-ctx.Done()
		return ctx.Err()
	})
	engineUnit := UnitFunc("engine", func(ctx context.Context) error {
		return eng.Run(ctx, marketCh, accountCh)
	})

	opts := fastOptions(FailFast)
	opts.Readiness = gate
	err := New(opts).Run(context.Background(), market, account, engineUnit)
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.ConnectionLost))

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(0), caller.calls.Load())
	assert.Len(t, eng.State().OpenOrders(), 1)
}
