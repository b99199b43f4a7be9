// Registers:
//
//	#trader_unit_starts_total{unit}
//	#trader_unit_failures_total{unit,kind}
//	#trader_unit_restarts_total{unit}
//	#trader_listen_key_renewals_total{result}
//	#trader_order_actions_total{action,result}
//	#trader_market_events_total / #trader_account_events_total
//	#trader_rest_used_weight{window}
//	#go_* and process_* system metrics
//
// Serve exposes them on /metrics using the Prometheus HTTP handler.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the session collectors. A nil *Metrics is valid and records
// nothing, so components can be built without a registry in tests.
type Metrics struct {
	registry *prometheus.Registry

	unitStarts    *prometheus.CounterVec
	unitFailures  *prometheus.CounterVec
	unitRestarts  *prometheus.CounterVec
	renewals      *prometheus.CounterVec
	orderActions  *prometheus.CounterVec
	marketEvents  prometheus.Counter
	accountEvents prometheus.Counter
	usedWeight    *prometheus.GaugeVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		unitStarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trader_unit_starts_total",
			Help: "Number of times a supervised unit was started",
		}, []string{"unit"}),
		unitFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trader_unit_failures_total",
			Help: "Number of supervised unit terminations with an error",
		}, []string{"unit", "kind"}),
		unitRestarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trader_unit_restarts_total",
			Help: "Number of unit restarts under the restart policy",
		}, []string{"unit"}),
		renewals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trader_listen_key_renewals_total",
			Help: "Listen key keep-alive attempts by result",
		}, []string{"result"}),
		orderActions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trader_order_actions_total",
			Help: "Order placements and cancellations by result",
		}, []string{"action", "result"}),
		marketEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "trader_market_events_total",
			Help: "Market events delivered to the engine",
		}),
		accountEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "trader_account_events_total",
			Help: "Account events delivered to the engine",
		}),
		usedWeight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "trader_rest_used_weight",
			Help: "Request weight used as reported by the exchange",
		}, []string{"window"}),
	}

	m.registry.MustRegister(
		m.unitStarts, m.unitFailures, m.unitRestarts, m.renewals, m.orderActions,
		m.marketEvents, m.accountEvents, m.usedWeight,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Serve exposes the registry on addr until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (m *Metrics) UnitStarted(unit string) {
	if m != nil {
		m.unitStarts.WithLabelValues(unit).Inc()
	}
}

func (m *Metrics) UnitFailed(unit, kind string) {
	if m != nil {
		m.unitFailures.WithLabelValues(unit, kind).Inc()
	}
}

func (m *Metrics) UnitRestarted(unit string) {
	if m != nil {
		m.unitRestarts.WithLabelValues(unit).Inc()
	}
}

func (m *Metrics) Renewal(ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	m.renewals.WithLabelValues(result).Inc()
}

func (m *Metrics) OrderAction(action, result string) {
	if m != nil {
		m.orderActions.WithLabelValues(action, result).Inc()
	}
}

func (m *Metrics) MarketEvent() {
	if m != nil {
		m.marketEvents.Inc()
	}
}

func (m *Metrics) AccountEvent() {
	if m != nil {
		m.accountEvents.Inc()
	}
}

func (m *Metrics) UsedWeight(window string, used float64) {
	if m != nil {
		m.usedWeight.WithLabelValues(window).Set(used)
	}
}
