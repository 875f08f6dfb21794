package messaging

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Consumer outcomes
const (
	OutcomeDispatched    = "dispatched"
	OutcomeUnknownType   = "unknown_type"
	OutcomeUnroutable    = "unroutable"
	OutcomeDecodeFailed  = "decode_failed"
	OutcomeWiringError   = "wiring_error"
	OutcomeHandlerFailed = "handler_failed"
)

// Producer outcomes
const (
	OutcomeSent         = "sent"
	OutcomeEncodeFailed = "encode_failed"
	OutcomeSendFailed   = "send_failed"
)

// Metrics holds the Prometheus collectors for the messaging core. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	mu sync.Mutex

	consumedTotal   *prometheus.CounterVec
	producedTotal   *prometheus.CounterVec
	handlerDuration *prometheus.HistogramVec
	connectAttempts *prometheus.CounterVec
	restartsTotal   prometheus.Counter

	registerer prometheus.Registerer
	registered bool
}

func newCounterVec(subsystem, name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mqhost",
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

// NewMetrics creates the collectors. Call Register to expose them.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &Metrics{
		registerer:      registerer,
		consumedTotal:   newCounterVec("consumer", "messages_total", "Inbound messages by queue and dispatch outcome", []string{"queue", "outcome"}),
		producedTotal:   newCounterVec("producer", "messages_total", "Outbound messages by queue and outcome", []string{"queue", "outcome"}),
		connectAttempts: newCounterVec("connection", "attempts_total", "Broker connection attempts by result", []string{"result"}),
		handlerDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "mqhost",
				Subsystem: "consumer",
				Name:      "handler_duration_seconds",
				Help:      "Time spent in message handlers",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"queue", "type"},
		),
		restartsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mqhost",
			Subsystem: "host",
			Name:      "restarts_total",
			Help:      "Pipeline rebuilds triggered by connection faults",
		}),
	}
}

// Register registers the collectors. Safe to call multiple times.
func (m *Metrics) Register() error {
	if m == nil {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}

	collectors := []prometheus.Collector{
		m.consumedTotal,
		m.producedTotal,
		m.handlerDuration,
		m.connectAttempts,
		m.restartsTotal,
	}
	for _, c := range collectors {
		if err := m.registerer.Register(c); err != nil {
			var already prometheus.AlreadyRegisteredError
			if !errors.As(err, &already) {
				return err
			}
		}
	}

	m.registered = true
	return nil
}

// ObserveConsumed counts one inbound message
func (m *Metrics) ObserveConsumed(queue, outcome string) {
	if m == nil {
		return
	}
	m.consumedTotal.WithLabelValues(queue, outcome).Inc()
}

// ObserveProduced counts one outbound message
func (m *Metrics) ObserveProduced(queue, outcome string) {
	if m == nil {
		return
	}
	m.producedTotal.WithLabelValues(queue, outcome).Inc()
}

// ObserveHandler records handler latency
func (m *Metrics) ObserveHandler(queue, typeName string, d time.Duration) {
	if m == nil {
		return
	}
	m.handlerDuration.WithLabelValues(queue, typeName).Observe(d.Seconds())
}

// ObserveConnectAttempt counts a broker connection attempt
func (m *Metrics) ObserveConnectAttempt(success bool) {
	if m == nil {
		return
	}
	result := "failure"
	if success {
		result = "success"
	}
	m.connectAttempts.WithLabelValues(result).Inc()
}

// ObserveRestart counts a fault-triggered pipeline rebuild
func (m *Metrics) ObserveRestart() {
	if m == nil {
		return
	}
	m.restartsTotal.Inc()
}
