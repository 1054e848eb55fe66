// Package metrics provides Prometheus metrics for oxy.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	namespace = "oxy"
)

// Metrics contains all Prometheus metrics for a process.
type Metrics struct {
	// Session metrics
	SessionsActive prometheus.Gauge
	SessionsTotal  *prometheus.CounterVec
	ProtocolErrors *prometheus.CounterVec

	// Exchange metrics
	ExchangesActive   prometheus.Gauge
	ExchangesOpened   *prometheus.CounterVec
	ExchangesRejected *prometheus.CounterVec

	// Wire metrics
	FramesSent     *prometheus.CounterVec
	FramesReceived *prometheus.CounterVec
	BytesSent      prometheus.Counter
	BytesReceived  prometheus.Counter

	// Keepalive metrics
	KeepalivesSent prometheus.Counter
	KeepaliveRTT   prometheus.Histogram

	// Capability metrics
	CommandsStarted  *prometheus.CounterVec
	CommandDuration  prometheus.Histogram
	TransferredBytes *prometheus.CounterVec
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the default metrics instance.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// NewMetrics creates a new Metrics instance registered with the default
// registerer.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a new Metrics instance with a custom
// registry.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of sessions currently running",
		}),
		SessionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Total sessions by outcome",
		}, []string{"result"}),
		ProtocolErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "protocol_errors_total",
			Help:      "Protocol errors by reason",
		}, []string{"reason"}),

		ExchangesActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "exchanges_active",
			Help:      "Number of live exchanges",
		}),
		ExchangesOpened: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "exchanges_opened_total",
			Help:      "Exchanges opened by kind and origin",
		}, []string{"kind", "origin"}),
		ExchangesRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "exchanges_rejected_total",
			Help:      "Exchanges ended by a Reject, by kind",
		}, []string{"kind"}),

		FramesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_sent_total",
			Help:      "Frames written by message type",
		}, []string{"type"}),
		FramesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_received_total",
			Help:      "Frames read by message type",
		}, []string{"type"}),
		BytesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_sent_total",
			Help:      "Encoded frame bytes written",
		}),
		BytesReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_received_total",
			Help:      "Encoded frame bytes read",
		}),

		KeepalivesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "keepalives_sent_total",
			Help:      "Ping messages sent",
		}),
		KeepaliveRTT: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "keepalive_rtt_seconds",
			Help:      "Ping to Pong round trip time",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}),

		CommandsStarted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_started_total",
			Help:      "Commands started by kind (basic, pipe, pty)",
		}, []string{"kind"}),
		CommandDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "command_duration_seconds",
			Help:      "Command run time",
			Buckets:   []float64{.1, .5, 1, 5, 30, 60, 300, 1800, 3600},
		}),
		TransferredBytes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transferred_bytes_total",
			Help:      "File and stream payload bytes by direction",
		}, []string{"direction"}),
	}
}

// RecordSessionStart records a session entering its run loop.
func (m *Metrics) RecordSessionStart() {
	m.SessionsActive.Inc()
}

// RecordSessionEnd records a session ending with the given result label.
func (m *Metrics) RecordSessionEnd(result string) {
	m.SessionsActive.Dec()
	m.SessionsTotal.WithLabelValues(result).Inc()
}

// RecordProtocolError records a protocol error.
func (m *Metrics) RecordProtocolError(reason string) {
	m.ProtocolErrors.WithLabelValues(reason).Inc()
}

// RecordExchangeOpen records a new exchange.
func (m *Metrics) RecordExchangeOpen(kind, origin string) {
	m.ExchangesActive.Inc()
	m.ExchangesOpened.WithLabelValues(kind, origin).Inc()
}

// RecordExchangeClose records an exchange leaving the table.
func (m *Metrics) RecordExchangeClose(kind string, rejected bool) {
	m.ExchangesActive.Dec()
	if rejected {
		m.ExchangesRejected.WithLabelValues(kind).Inc()
	}
}

// RecordFrameSent records a written frame.
func (m *Metrics) RecordFrameSent(msgType string, bytes int) {
	m.FramesSent.WithLabelValues(msgType).Inc()
	m.BytesSent.Add(float64(bytes))
}

// RecordFrameReceived records a read frame.
func (m *Metrics) RecordFrameReceived(msgType string, bytes int) {
	m.FramesReceived.WithLabelValues(msgType).Inc()
	m.BytesReceived.Add(float64(bytes))
}

// RecordKeepaliveSent records a Ping.
func (m *Metrics) RecordKeepaliveSent() {
	m.KeepalivesSent.Inc()
}

// RecordKeepaliveRTT records a Pong round trip.
func (m *Metrics) RecordKeepaliveRTT(rtt time.Duration) {
	m.KeepaliveRTT.Observe(rtt.Seconds())
}

// RecordCommandStart records a spawned command.
func (m *Metrics) RecordCommandStart(kind string) {
	m.CommandsStarted.WithLabelValues(kind).Inc()
}

// RecordCommandEnd records how long a command ran.
func (m *Metrics) RecordCommandEnd(d time.Duration) {
	m.CommandDuration.Observe(d.Seconds())
}

// RecordTransfer records payload bytes moved in a direction ("in" or "out").
func (m *Metrics) RecordTransfer(direction string, bytes int) {
	m.TransferredBytes.WithLabelValues(direction).Add(float64(bytes))
}

// handleHealth answers liveness probes.
func handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK\n"))
}

// Handler returns the HTTP handler of the metrics endpoint: /metrics for
// gatherer and /health for liveness probes.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", handleHealth)
	return mux
}

// Serve exposes Handler(gatherer) on addr until ctx is done.
func Serve(ctx context.Context, addr string, gatherer prometheus.Gatherer) error {
	mux := Handler(gatherer)

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
