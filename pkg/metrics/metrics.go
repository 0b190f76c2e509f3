package metrics

import (
	"net/http"
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/uhyunpark/batchauction/pkg/app/auction"
	"github.com/uhyunpark/batchauction/pkg/app/core/order"
	"github.com/uhyunpark/batchauction/pkg/app/core/settlement"
)

const namespace = "auction"

// Metrics records venue activity. It observes rounds and order updates and instruments
// HTTP routes.
type Metrics struct {
	registry *prometheus.Registry

	roundsOpened   prometheus.Counter
	roundsFinished *prometheus.CounterVec
	currentRound   prometheus.Gauge
	auctionOrders  prometheus.Gauge
	proposals      prometheus.Histogram
	objective      prometheus.Gauge
	roundDuration  prometheus.Histogram
	ordersSettled  prometheus.Counter
	ordersReleased prometheus.Counter
	orderUpdates   *prometheus.CounterVec

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

var (
	defaultOnce sync.Once
	defaultReg  *Metrics
)

// Default returns the process-wide metrics set.
func Default() *Metrics {
	defaultOnce.Do(func() { defaultReg = New() })
	return defaultReg
}

// New builds a metrics set on its own registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		roundsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rounds_opened_total",
			Help:      "Rounds opened.",
		}),
		roundsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rounds_finished_total",
			Help:      "Rounds finished, by terminal state.",
		}, []string{"state"}),
		currentRound: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "current_round",
			Help:      "Id of the most recently opened round.",
		}),
		auctionOrders: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "auction_orders",
			Help:      "Orders in the most recent auction snapshot.",
		}),
		proposals: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "round_proposals",
			Help:      "Accepted proposals per finished round.",
			Buckets:   []float64{0, 1, 2, 4, 8, 16, 32},
		}),
		objective: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "winning_objective",
			Help:      "Objective of the last winning settlement in native token units.",
		}),
		roundDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "round_duration_seconds",
			Help:      "Time from round open to its terminal state.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 10),
		}),
		ordersSettled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_settled_total",
			Help:      "Orders settled by executed rounds.",
		}),
		ordersReleased: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_released_total",
			Help:      "Orders returned to open by reverted rounds.",
		}),
		orderUpdates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "order_updates_total",
			Help:      "Order record writes, by resulting status.",
		}, []string{"status"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "requests_total",
			Help:      "HTTP requests by route and status code.",
		}, []string{"route", "code", "method"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "method"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.roundsOpened, m.roundsFinished, m.currentRound, m.auctionOrders, m.proposals,
		m.objective, m.roundDuration, m.ordersSettled, m.ordersReleased, m.orderUpdates,
		m.httpRequests, m.httpDuration,
	)
	return m
}

// Registry exposes the underlying registry for extra collectors.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Instrument counts and times requests to h under route.
func (m *Metrics) Instrument(route string, h http.Handler) http.Handler {
	labels := prometheus.Labels{"route": route}
	return promhttp.InstrumentHandlerDuration(m.httpDuration.MustCurryWith(labels),
		promhttp.InstrumentHandlerCounter(m.httpRequests.MustCurryWith(labels), h))
}

func (m *Metrics) RoundOpened(a *settlement.Auction) {
	m.roundsOpened.Inc()
	m.currentRound.Set(float64(a.RoundID))
	m.auctionOrders.Set(float64(len(a.Orders)))
}

func (m *Metrics) RoundFinished(s *auction.Summary) {
	m.roundsFinished.WithLabelValues(s.State.String()).Inc()
	m.proposals.Observe(float64(s.Proposals))
	if !s.OpenedAt.IsZero() && s.ClosedAt.After(s.OpenedAt) {
		m.roundDuration.Observe(s.ClosedAt.Sub(s.OpenedAt).Seconds())
	}
	if s.State == auction.StateSettled {
		if v, err := strconv.ParseFloat(s.Objective, 64); err == nil {
			m.objective.Set(v)
		}
	}
	m.ordersSettled.Add(float64(len(s.Settled)))
	m.ordersReleased.Add(float64(len(s.Released)))
}

// OrderUpdated is registered as an order manager observer.
func (m *Metrics) OrderUpdated(rec *order.Record) {
	m.orderUpdates.WithLabelValues(rec.Status.String()).Inc()
}

var _ auction.Observer = (*Metrics)(nil)
