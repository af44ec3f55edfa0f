package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics exposes link metrics that are safe to scrape via Prometheus.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry          *prometheus.Registry
	framesTotal       *prometheus.CounterVec
	repairsTotal      *prometheus.CounterVec
	transitionsTotal  *prometheus.CounterVec
	linkState         *prometheus.GaugeVec
	commandsTotal     *prometheus.CounterVec
	handshakesTotal   *prometheus.CounterVec
	handshakeDuration prometheus.Histogram
	scansTotal        prometheus.Counter
	uplinkMessages    *prometheus.CounterVec
}

// New creates a fresh registry with every link metric registered.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	framesTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "seriallink",
		Name:      "frames_total",
		Help:      "Frames produced from the serial stream by kind",
	}, []string{"kind"})

	repairsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "seriallink",
		Name:      "frame_repairs_total",
		Help:      "Repair steps applied to structured lines",
	}, []string{"step"})

	transitionsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "seriallink",
		Name:      "state_transitions_total",
		Help:      "Connection state transitions",
	}, []string{"from", "to"})

	linkState := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "seriallink",
		Name:      "state",
		Help:      "1 for the current connection state, 0 otherwise",
	}, []string{"state"})

	commandsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "seriallink",
		Name:      "commands_total",
		Help:      "Commands submitted to the dispatcher by outcome",
	}, []string{"result"})

	handshakesTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "seriallink",
		Name:      "handshakes_total",
		Help:      "Handshake probes by outcome",
	}, []string{"outcome"})

	handshakeDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "seriallink",
		Name:      "handshake_duration_seconds",
		Help:      "Wall clock time spent probing a candidate port",
		Buckets:   []float64{0.1, 0.5, 1, 2, 3, 5, 10},
	})

	scansTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "seriallink",
		Name:      "port_scans_total",
		Help:      "Port locator scans",
	})

	uplinkMessages := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "seriallink",
		Name:      "uplink_messages_total",
		Help:      "Websocket uplink messages by direction and type",
	}, []string{"direction", "type"})

	registry.MustRegister(
		framesTotal,
		repairsTotal,
		transitionsTotal,
		linkState,
		commandsTotal,
		handshakesTotal,
		handshakeDuration,
		scansTotal,
		uplinkMessages,
	)

	return &Metrics{
		registry:          registry,
		framesTotal:       framesTotal,
		repairsTotal:      repairsTotal,
		transitionsTotal:  transitionsTotal,
		linkState:         linkState,
		commandsTotal:     commandsTotal,
		handshakesTotal:   handshakesTotal,
		handshakeDuration: handshakeDuration,
		scansTotal:        scansTotal,
		uplinkMessages:    uplinkMessages,
	}
}

// ObserveFrame counts a frame and the repair steps it needed.
func (m *Metrics) ObserveFrame(kind string, repairs []string) {
	if m == nil {
		return
	}
	m.framesTotal.WithLabelValues(kind).Inc()
	for _, step := range repairs {
		m.repairsTotal.WithLabelValues(step).Inc()
	}
}

// ObserveTransition records a state change and flips the state gauge.
func (m *Metrics) ObserveTransition(from, to string) {
	if m == nil {
		return
	}
	m.transitionsTotal.WithLabelValues(from, to).Inc()
	m.linkState.WithLabelValues(from).Set(0)
	m.linkState.WithLabelValues(to).Set(1)
}

func (m *Metrics) ObserveCommand(result string) {
	if m == nil {
		return
	}
	m.commandsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveHandshake(outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.handshakesTotal.WithLabelValues(outcome).Inc()
	m.handshakeDuration.Observe(duration.Seconds())
}

func (m *Metrics) IncScan() {
	if m == nil {
		return
	}
	m.scansTotal.Inc()
}

func (m *Metrics) ObserveUplinkMessage(direction, messageType string) {
	if m == nil {
		return
	}
	m.uplinkMessages.WithLabelValues(direction, messageType).Inc()
}

// Handler exposes the Prometheus registry over HTTP.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("metrics unavailable"))
		})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
