// Package app wires the session units from the loaded configuration.
package app

import (
	"context"

	"cryptotrader/config"
	"cryptotrader/internal/account"
	"cryptotrader/internal/channel"
	"cryptotrader/internal/dashboard"
	"cryptotrader/internal/engine"
	"cryptotrader/internal/market"
	"cryptotrader/internal/metrics"
	"cryptotrader/internal/rest"
	"cryptotrader/internal/supervisor"
	"cryptotrader/internal/symbols"
	"cryptotrader/logger"
	"cryptotrader/models"
)

const (
	unitMarket  = "market"
	unitAccount = "account"
	unitEngine  = "engine"

	// gateSnapshot is closed until the engine holds an account snapshot
	// taken after the latest account stream connect.
	gateSnapshot = "snapshot"
)

// App holds one trading session. Everything is built once from cfg and
// passed down explicitly.
type App struct {
	cfg        *config.Config
	log        *logger.Log
	metrics    *metrics.Metrics
	client     *rest.Client
	channels   *channel.Channels
	readiness  *supervisor.Readiness
	supervisor *supervisor.Supervisor
	units      []supervisor.Unit
	strategy   engine.Strategy
	dashboard  *dashboard.Server
	resync     chan struct{}
}

type Option func(*App)

// WithStrategy replaces the default idle strategy.
func WithStrategy(s engine.Strategy) Option {
	return func(a *App) { a.strategy = s }
}

// WithMetrics records session metrics in m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

func Build(cfg *config.Config, log *logger.Log, opts ...Option) (*App, error) {
	a := &App{cfg: cfg, log: log, strategy: engine.Idle{}}
	for _, opt := range opts {
		opt(a)
	}

	endpoints := cfg.Network.Endpoints()
	flavor := models.FlavorOf(cfg.Account.Margin)

	client, err := rest.New(rest.Options{
		BaseURL: endpoints.REST,
		Credentials: rest.Credentials{
			APIKey:        cfg.Account.APIKey,
			PrivateKeyPEM: cfg.Account.PrivateKey,
			Secret:        cfg.Account.APISecret,
		},
		Timeout:           cfg.Rest.Timeout,
		RecvWindow:        cfg.Rest.RecvWindow,
		RequestsPerSecond: cfg.Rest.RequestsPerSecond,
		Burst:             cfg.Rest.Burst,
		BindIP:            cfg.Local.BindIP,
		UserAgent:         cfg.Trader.Name + "/" + cfg.Trader.Version,
		Metrics:           a.metrics,
	})
	if err != nil {
		return nil, err
	}
	a.client = client

	a.channels = channel.NewChannels(cfg.Channels.MarketBuffer, cfg.Channels.AccountBuffer)
	a.readiness = supervisor.NewReadiness(unitMarket, unitAccount, gateSnapshot)
	a.resync = make(chan struct{}, 1)

	policy := supervisor.FailFast
	if cfg.Supervisor.Policy == config.PolicyRestart {
		policy = supervisor.Restart
	}
	a.supervisor = supervisor.New(supervisor.Options{
		Policy:        policy,
		MaxRestarts:   cfg.Supervisor.MaxRestarts,
		BackoffMin:    cfg.Supervisor.BackoffMin,
		BackoffMax:    cfg.Supervisor.BackoffMax,
		BackoffFactor: cfg.Supervisor.BackoffFactor,
		ShutdownGrace: cfg.Supervisor.ShutdownGrace,
		Readiness:     a.readiness,
		Metrics:       a.metrics,
	})

	a.units = []supervisor.Unit{
		supervisor.UnitFunc(unitMarket, func(ctx context.Context) error {
			return a.runMarket(ctx, endpoints.WebSocket)
		}),
		supervisor.UnitFunc(unitAccount, func(ctx context.Context) error {
			return a.runAccount(ctx, endpoints.WebSocket, flavor)
		}),
		supervisor.UnitFunc(unitEngine, func(ctx context.Context) error {
			return a.runEngine(ctx, flavor)
		}),
	}

	a.dashboard = dashboard.NewServer(cfg.Dashboard, cfg.Trader.Name, a.supervisor, log, cfg.Local.LogDir)

	log.WithComponent("app").WithFields(logger.Fields{
		"environment": cfg.Network.Environment,
		"rest":        endpoints.REST,
		"websocket":   endpoints.WebSocket,
		"flavor":      flavor.String(),
		"policy":      policy.String(),
	}).Info("session built")
	return a, nil
}

// Run supervises the session until a unit terminates or ctx ends.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go a.channels.StartMetricsReporting(ctx, a.cfg.Logging.ReportInterval)
	if a.dashboard != nil {
		go func() {
			if err := a.dashboard.Run(ctx); err != nil {
				a.log.WithComponent("dashboard").WithError(err).Error("status server stopped")
			}
		}()
	}
	err := a.supervisor.Run(ctx, a.units...)
	if a.supervisor.Drained() {
		a.channels.Close()
	}
	return err
}

// accountConnected records the account stream state. A fresh connect may
// follow a gap in order reports, so submission stays closed until the engine
// has reloaded its snapshot.
func (a *App) accountConnected(connected bool) {
	if connected {
		a.readiness.Set(gateSnapshot, false)
		select {
		case a.resync <- struct{}{}:
		default:
		}
	}
	a.readiness.Set(unitAccount, connected)
}

// Every unit run builds fresh connections so a restart never reuses a dead
// feed or session.
func (a *App) runMarket(ctx context.Context, wsURL string) error {
	feed, err := market.Connect(ctx, market.Options{
		URL:              wsURL,
		Streams:          a.cfg.Market.Streams,
		HandshakeTimeout: a.cfg.Market.HandshakeTimeout,
		ReadTimeout:      a.cfg.Market.ReadTimeout,
		MaxMalformed:     a.cfg.Market.MaxMalformed,
		BindIP:           a.cfg.Local.BindIP,
		Metrics:          a.metrics,
		OnConnected:      a.readiness.Hook(unitMarket),
	})
	if err != nil {
		return err
	}
	return feed.Stream(ctx, a.channels.SendMarket)
}

func (a *App) runAccount(ctx context.Context, wsURL string, flavor models.Flavor) error {
	session, err := account.New(a.client, account.Options{
		Flavor:           flavor,
		WebSocketURL:     wsURL,
		RenewInterval:    a.cfg.ListenKey.RenewInterval,
		Expiry:           a.cfg.ListenKey.Expiry,
		RenewRetries:     a.cfg.ListenKey.RenewRetries,
		RetryDelay:       a.cfg.ListenKey.RetryDelay,
		HandshakeTimeout: a.cfg.Market.HandshakeTimeout,
		ReadTimeout:      a.cfg.Market.ReadTimeout,
		MaxMalformed:     a.cfg.Market.MaxMalformed,
		BindIP:           a.cfg.Local.BindIP,
		Metrics:          a.metrics,
		OnConnected:      a.accountConnected,
	})
	if err != nil {
		return err
	}
	return session.Run(ctx, a.channels.SendAccount)
}

func (a *App) runEngine(ctx context.Context, flavor models.Flavor) error {
	filter := a.cfg.Engine.Symbols
	if len(filter) == 0 {
		filter = symbols.FromStreams(a.cfg.Market.Streams)
	}
	a.readiness.Set(gateSnapshot, false)
	eng, err := engine.New(ctx, a.client, engine.Options{
		Flavor:         flavor,
		Symbols:        filter,
		Strategy:       a.strategy,
		Gate:           a.readiness,
		OrderAttempts:  a.cfg.Engine.OrderAttempts,
		RetryBaseDelay: a.cfg.Engine.RetryBaseDelay,
		RetryMaxDelay:  a.cfg.Engine.RetryMaxDelay,
		Metrics:        a.metrics,
		Resync:         a.resync,
		OnSynced:       func() { a.readiness.Set(gateSnapshot, true) },
	})
	if err != nil {
		return err
	}
	return eng.Run(ctx, a.channels.Market, a.channels.Account)
}
