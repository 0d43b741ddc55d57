package metrics

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"github.com/luxfi/log"
	metric "github.com/luxfi/metric"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// EmberMetrics exposes the node's Prometheus metrics.
type EmberMetrics struct {
	namespace string
	registry  *prometheus.Registry
	logger    log.Logger

	// Matching path
	ordersPlaced    prometheus.Counter
	ordersCancelled prometheus.Counter
	ordersExpired   prometheus.Counter
	ordersEvicted   prometheus.Counter
	tradesExecuted  prometheus.Counter
	volumeMatched   prometheus.Counter
	bookDepth       prometheus.GaugeVec
	matchingLatency prometheus.Histogram

	// Balance flow
	deposits prometheus.Counter
	claims   prometheus.Counter

	// Feeds
	natsPublished prometheus.Counter
	wsClients     prometheus.Gauge

	// System
	memoryUsage prometheus.Gauge
	goroutines  prometheus.Gauge
}

// NewEmberMetrics builds and registers the full metric set.
func NewEmberMetrics(namespace string, logger log.Logger) (*EmberMetrics, error) {
	registry := prometheus.NewRegistry()

	m := &EmberMetrics{
		namespace: namespace,
		registry:  registry,
		logger:    logger,

		ordersPlaced: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_placed_total",
			Help:      "Total limit orders accepted onto a book",
		}),

		ordersCancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_cancelled_total",
			Help:      "Total limit orders cancelled by their owner",
		}),

		ordersExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_expired_total",
			Help:      "Total limit orders removed by the expiry sweep",
		}),

		ordersEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_evicted_total",
			Help:      "Total resident orders evicted by better-priced arrivals",
		}),

		tradesExecuted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trades_executed_total",
			Help:      "Total maker fills produced by market orders",
		}),

		volumeMatched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "volume_matched_total",
			Help:      "Total outcome tokens matched",
		}),

		bookDepth: *prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "orderbook_depth",
			Help:      "Resident order count by market, outcome and side",
		}, []string{"market", "outcome", "side"}),

		matchingLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "matching_latency_nanoseconds",
			Help:      "Market order walk latency in nanoseconds",
			Buckets:   []float64{100, 250, 500, 1000, 2500, 5000, 10000, 25000, 50000},
		}),

		deposits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deposits_total",
			Help:      "Total balance deposits settled",
		}),

		claims: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "claims_total",
			Help:      "Total balance claims settled",
		}),

		natsPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "nats_messages_published_total",
			Help:      "Total NATS feed messages published",
		}),

		wsClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "websocket_clients",
			Help:      "Connected websocket clients",
		}),

		memoryUsage: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "memory_usage_bytes",
			Help:      "Current memory usage in bytes",
		}),

		goroutines: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "goroutines_count",
			Help:      "Current number of goroutines",
		}),
	}

	registry.MustRegister(
		m.ordersPlaced,
		m.ordersCancelled,
		m.ordersExpired,
		m.ordersEvicted,
		m.tradesExecuted,
		m.volumeMatched,
		m.bookDepth,
		m.matchingLatency,
		m.deposits,
		m.claims,
		m.natsPublished,
		m.wsClients,
		m.memoryUsage,
		m.goroutines,
	)

	return m, nil
}

// Handler returns the Prometheus scrape handler for this registry.
func (m *EmberMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// StartServer serves /metrics on the given port.
func (m *EmberMetrics) StartServer(port string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())

	go func() {
		if err := http.ListenAndServe(":"+port, mux); err != nil {
			m.logger.Error("metrics server failed", "error", err)
		}
	}()

	m.logger.Info("Prometheus metrics available", "port", port, "path", "/metrics")
	return nil
}

func (m *EmberMetrics) RecordOrderPlaced()    { m.ordersPlaced.Inc() }
func (m *EmberMetrics) RecordOrderCancelled() { m.ordersCancelled.Inc() }
func (m *EmberMetrics) RecordOrderEvicted()   { m.ordersEvicted.Inc() }
func (m *EmberMetrics) RecordDeposit()        { m.deposits.Inc() }
func (m *EmberMetrics) RecordClaim()          { m.claims.Inc() }
func (m *EmberMetrics) RecordNATSPublish()    { m.natsPublished.Inc() }

// RecordOrdersExpired adds a whole sweep's removals at once.
func (m *EmberMetrics) RecordOrdersExpired(n int) {
	m.ordersExpired.Add(float64(n))
}

// RecordTrade records one maker fill and its matched size.
func (m *EmberMetrics) RecordTrade(size uint64) {
	m.tradesExecuted.Inc()
	m.volumeMatched.Add(float64(size))
}

// RecordMatchingLatency records a market order walk duration.
func (m *EmberMetrics) RecordMatchingLatency(d time.Duration) {
	m.matchingLatency.Observe(float64(d.Nanoseconds()))
}

// UpdateBookDepth sets the resident order count for one book side.
func (m *EmberMetrics) UpdateBookDepth(market, outcome, side string, depth int) {
	m.bookDepth.WithLabelValues(market, outcome, side).Set(float64(depth))
}

// ClientConnected / ClientDisconnected track the websocket population.
func (m *EmberMetrics) ClientConnected()    { m.wsClients.Inc() }
func (m *EmberMetrics) ClientDisconnected() { m.wsClients.Dec() }

// CollectSystemMetrics samples runtime stats until ctx is cancelled.
func (m *EmberMetrics) CollectSystemMetrics(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			var memStats runtime.MemStats
			runtime.ReadMemStats(&memStats)
			m.memoryUsage.Set(float64(memStats.Alloc))
			m.goroutines.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// QuickStats is the lightweight in-process counter set used on paths where a
// full Prometheus round trip is too heavy.
type QuickStats struct {
	OrdersPlaced   metric.Counter
	OrdersRemoved  metric.Counter
	TradesExecuted metric.Counter
	Deposits       metric.Counter
	Claims         metric.Counter
}

// NewQuickStats creates the counter set.
func NewQuickStats() *QuickStats {
	return &QuickStats{
		OrdersPlaced:   metric.NewCounter("ember_orders_placed"),
		OrdersRemoved:  metric.NewCounter("ember_orders_removed"),
		TradesExecuted: metric.NewCounter("ember_trades_executed"),
		Deposits:       metric.NewCounter("ember_deposits"),
		Claims:         metric.NewCounter("ember_claims"),
	}
}
