package account

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"cryptotrader/internal/fault"
	"cryptotrader/internal/metrics"
	"cryptotrader/internal/rest"
	"cryptotrader/internal/wsconn"
	"cryptotrader/logger"
	"cryptotrader/models"
)

// State is a step of the listen-key lifecycle.
type State int32

const (
	Unauthenticated State = iota
	Requesting
	Active
	Renewing
	Closed
)

func (s State) String() string {
	switch s {
	case Unauthenticated:
		return "unauthenticated"
	case Requesting:
		return "requesting"
	case Active:
		return "active"
	case Renewing:
		return "renewing"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

const releaseTimeout = 3 * time.Second

type Options struct {
	Flavor models.Flavor
	// WebSocketURL is the stream base; the listen key is appended as a path
	// segment.
	WebSocketURL     string
	RenewInterval    time.Duration
	Expiry           time.Duration
	RenewRetries     int
	RetryDelay       time.Duration
	HandshakeTimeout time.Duration
	ReadTimeout      time.Duration
	MaxMalformed     int
	BindIP           string
	Metrics          *metrics.Metrics
	// OnConnected is told when the private stream goes up and down.
	OnConnected func(connected bool)
	Now         func() time.Time
}

// Stats summarises renewal history.
type Stats struct {
	Renewals        int
	FailedRenewals  int
	MaxAgeAtRenewal time.Duration
}

// Session owns one listen key and the private stream opened with it. A
// Session is single use: once Closed it stays Closed and a new Session must
// be built to reconnect.
type Session struct {
	caller rest.Caller
	opts   Options
	log    *logger.Entry

	mu    sync.Mutex
	state State
	key   models.ListenKey
	stats Stats
}

func New(caller rest.Caller, opts Options) (*Session, error) {
	if caller == nil {
		return nil, fault.Errorf(fault.Config, "account.new", "rest caller is required")
	}
	if opts.Flavor.ListenKeyPath() == "" {
		opts.Flavor = models.Spot
	}
	if opts.Expiry <= 0 {
		opts.Expiry = 60 * time.Minute
	}
	if opts.RenewInterval <= 0 {
		opts.RenewInterval = opts.Expiry / 2
	}
	if opts.RenewInterval > opts.Expiry/2 {
		return nil, fault.Errorf(fault.Config, "account.new",
			"renew interval %s exceeds half the expiry %s", opts.RenewInterval, opts.Expiry)
	}
	if opts.RenewRetries <= 0 {
		opts.RenewRetries = 3
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 2 * time.Second
	}
	if opts.MaxMalformed <= 0 {
		opts.MaxMalformed = 5
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Session{
		caller: caller,
		opts:   opts,
		state:  Unauthenticated,
		log: logger.GetLogger().WithComponent("account_session").WithFields(logger.Fields{
			"flavor": opts.Flavor.String(),
		}),
	}, nil
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// ListenKey returns the current key, zero before Open.
func (s *Session) ListenKey() models.ListenKey {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.key
}

func (s *Session) transition(from []State, to State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range from {
		if s.state == f {
			s.log.WithFields(logger.Fields{"from": s.state.String(), "to": to.String()}).Debug("state transition")
			s.state = to
			return nil
		}
	}
	return fmt.Errorf("invalid transition %s -> %s", s.state, to)
}

func (s *Session) setState(to State) {
	s.mu.Lock()
	s.state = to
	s.mu.Unlock()
}

// Open requests a new listen key.
func (s *Session) Open(ctx context.Context) (models.ListenKey, error) {
	if err := s.transition([]State{Unauthenticated}, Requesting); err != nil {
		return models.ListenKey{}, fault.New(fault.Protocol, "account.open", err)
	}

	resp, err := s.caller.Call(ctx, http.MethodPost, s.opts.Flavor.ListenKeyPath(), nil, rest.APIKey)
	if err != nil {
		s.setState(Closed)
		return models.ListenKey{}, fault.New(restFault(err), "account.open", err)
	}

	var body struct {
		ListenKey string `json:"listenKey"`
	}
	if err := resp.Decode(&body); err != nil || body.ListenKey == "" {
		s.setState(Closed)
		if err == nil {
			err = errors.New("empty listen key")
		}
		return models.ListenKey{}, fault.New(fault.Protocol, "account.open", err)
	}

	key := models.NewListenKey(body.ListenKey, s.opts.Now(), s.opts.Expiry)
	s.mu.Lock()
	s.key = key
	s.state = Active
	s.mu.Unlock()

	s.log.WithField("renew_by", key.RenewBy).Info("listen key issued")
	return key, nil
}

// Renew sends a keep-alive for the current key, retrying a bounded number
// of times. A final failure closes the session.
func (s *Session) Renew(ctx context.Context) error {
	s.mu.Lock()
	if s.state != Active {
		state := s.state
		s.mu.Unlock()
		return fault.Errorf(fault.Protocol, "account.renew", "cannot renew in state %s", state)
	}
	key := s.key
	s.mu.Unlock()

	params := url.Values{"listenKey": {key.Token}}
	var lastErr error
	for attempt := 0; attempt <= s.opts.RenewRetries; attempt++ {
		if attempt > 0 {
			if err := s.transition([]State{Active, Renewing}, Renewing); err != nil {
				return fault.New(fault.ConnectionLost, "account.renew", err)
			}
			if err := sleep(ctx, s.opts.RetryDelay); err != nil {
				return err
			}
		}

		_, err := s.caller.Call(ctx, http.MethodPut, s.opts.Flavor.ListenKeyPath(), params, rest.APIKey)
		if err == nil {
			s.renewed()
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		lastErr = err
		s.opts.Metrics.Renewal(false)
		s.mu.Lock()
		s.stats.FailedRenewals++
		s.mu.Unlock()
		s.log.WithError(err).WithField("attempt", attempt+1).Warn("listen key renewal failed")
		if !fault.IsRetryable(err) {
			break
		}
	}

	s.setState(Closed)
	return fault.New(restFault(lastErr), "account.renew", lastErr)
}

func (s *Session) renewed() {
	now := s.opts.Now()
	s.mu.Lock()
	age := s.key.Age(now)
	if age > s.stats.MaxAgeAtRenewal {
		s.stats.MaxAgeAtRenewal = age
	}
	s.stats.Renewals++
	s.key = s.key.Renewed(now)
	closed := s.state == Closed
	if !closed {
		s.state = Active
	}
	s.mu.Unlock()

	s.opts.Metrics.Renewal(true)
	logger.IncrementRenewal()
	s.log.WithField("age_at_renewal", age.String()).Debug("listen key renewed")
}

// Close releases the listen key. It is safe to call more than once.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	key := s.key
	s.key = models.ListenKey{}
	s.state = Closed
	s.mu.Unlock()

	if key.IsZero() {
		return nil
	}
	_, err := s.caller.Call(ctx, http.MethodDelete, s.opts.Flavor.ListenKeyPath(), url.Values{"listenKey": {key.Token}}, rest.APIKey)
	if err != nil {
		s.log.WithError(err).Warn("failed to release listen key")
		return fault.New(restFault(err), "account.close", err)
	}
	s.log.Info("listen key released")
	return nil
}

// Run opens the session if needed, connects the private stream and forwards
// decoded events to sink until the stream or the renewal loop fails. The
// key is released on return. Run never reconnects.
func (s *Session) Run(ctx context.Context, sink func(context.Context, models.AccountEvent) error) (err error) {
	if s.State() == Unauthenticated {
		if _, err := s.Open(ctx); err != nil {
			return err
		}
	}
	key := s.ListenKey()
	if key.IsZero() || s.State() != Active {
		return fault.Errorf(fault.Protocol, "account.run", "session is %s", s.State())
	}

	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
		defer cancel()
		_ = s.Close(releaseCtx)
	}()

	streamURL := strings.TrimRight(s.opts.WebSocketURL, "/") + "/" + key.Token
	conn, err := wsconn.Dial(ctx, streamURL, wsconn.Options{
		HandshakeTimeout: s.opts.HandshakeTimeout,
		ReadTimeout:      s.opts.ReadTimeout,
		BindIP:           s.opts.BindIP,
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fault.New(fault.Transport, "account.dial", err)
	}
	defer conn.Close()

	s.log.Info("private stream connected")
	s.connected(true)
	defer s.connected(false)

	g, gctx := errgroup.WithContext(ctx)
	stop := wsconn.CloseOnDone(gctx, conn)
	defer stop()

	g.Go(func() error { return s.readLoop(gctx, conn, sink) })
	g.Go(func() error { return s.renewLoop(gctx) })

	err = g.Wait()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (s *Session) connected(up bool) {
	if s.opts.OnConnected != nil {
		s.opts.OnConnected(up)
	}
}

func (s *Session) renewLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.opts.RenewInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.Renew(ctx); err != nil {
				return err
			}
		}
	}
}

func (s *Session) readLoop(ctx context.Context, conn *websocket.Conn, sink func(context.Context, models.AccountEvent) error) error {
	malformed := 0
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			s.setState(Closed)
			if ctx.Err() != nil {
				return nil
			}
			return fault.New(fault.ConnectionLost, "account.read", err)
		}
		wsconn.ExtendRead(conn, s.opts.ReadTimeout)

		evt, ok, err := decodeEvent(raw)
		if err != nil {
			malformed++
			s.log.WithError(err).WithField("consecutive", malformed).Warn("malformed user data frame")
			if malformed >= s.opts.MaxMalformed {
				s.setState(Closed)
				return fault.New(fault.Protocol, "account.read", err)
			}
			continue
		}
		malformed = 0
		if !ok {
			continue
		}

		if evt.Kind == models.StreamExpired {
			s.setState(Closed)
			return fault.Errorf(fault.ConnectionLost, "account.read", "listen key expired")
		}

		s.opts.Metrics.AccountEvent()
		logger.IncrementAccountEvent(len(raw))
		if err := sink(ctx, evt); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

// restFault picks the session kind for a REST failure.
func restFault(err error) fault.Kind {
	if k := fault.KindOf(err); k != fault.Unknown {
		return k
	}
	return fault.Transport
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
