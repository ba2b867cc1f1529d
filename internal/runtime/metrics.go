package runtime

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "remoting"

// Send routes, used as the "route" label.
const (
	RouteLocal   = "local"
	RouteRemote  = "remote"
	RouteDropped = "dropped"
)

// FabricMetrics tracks messaging fabric statistics for one System.
type FabricMetrics struct {
	mu sync.RWMutex

	deadLetters map[FaultKind]*DeadLetterKindMetrics

	sentTotal        *prometheus.CounterVec
	processedTotal   *prometheus.CounterVec
	handlerSeconds   *prometheus.HistogramVec
	deadLettersTotal *prometheus.CounterVec
	outboundLanes    *prometheus.GaugeVec

	registerer prometheus.Registerer
	registered bool
}

// DeadLetterKindMetrics holds counts for one dead-letter kind.
type DeadLetterKindMetrics struct {
	Count    uint64    `json:"count"`
	FirstAt  time.Time `json:"first_at"`
	LastAt   time.Time `json:"last_at"`
	LastNote string    `json:"last_reason,omitempty"`
}

// DeadLetterSnapshot provides a point-in-time view of dead-letter counts.
type DeadLetterSnapshot struct {
	Total       uint64                                `json:"total"`
	ByKind      map[FaultKind]*DeadLetterKindMetrics `json:"by_kind"`
	CollectedAt time.Time                             `json:"collected_at"`
}

func newFabricCounterVec(subsystem, name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

// NewFabricMetrics creates the collectors. A nil registerer means the
// Prometheus default registerer.
func NewFabricMetrics(registerer prometheus.Registerer) *FabricMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &FabricMetrics{
		deadLetters:      make(map[FaultKind]*DeadLetterKindMetrics),
		registerer:       registerer,
		sentTotal:        newFabricCounterVec("fabric", "messages_sent_total", "Messages handed to Send, by route", []string{"system", "route"}),
		processedTotal:   newFabricCounterVec("fabric", "messages_processed_total", "Handler invocations, by outcome", []string{"system", "handler", "outcome"}),
		deadLettersTotal: newFabricCounterVec("dead_letters", "total", "Undeliverable messages, by kind", []string{"system", "kind"}),
		handlerSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: "fabric",
				Name:      "handler_duration_seconds",
				Help:      "Handler processing time",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"system", "handler"},
		),
		outboundLanes: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: "fabric",
				Name:      "outbound_lanes",
				Help:      "Destination lanes currently active",
			},
			[]string{"system", "endpoint"},
		),
	}
}

// Register registers the Prometheus collectors. Safe to call multiple times;
// collectors already registered by another System are reused.
func (m *FabricMetrics) Register() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}

	var err error
	if m.sentTotal, err = registerOrReuse(m.registerer, m.sentTotal); err != nil {
		return err
	}
	if m.processedTotal, err = registerOrReuse(m.registerer, m.processedTotal); err != nil {
		return err
	}
	if m.deadLettersTotal, err = registerOrReuse(m.registerer, m.deadLettersTotal); err != nil {
		return err
	}
	if m.handlerSeconds, err = registerOrReuse(m.registerer, m.handlerSeconds); err != nil {
		return err
	}
	if m.outboundLanes, err = registerOrReuse(m.registerer, m.outboundLanes); err != nil {
		return err
	}

	m.registered = true
	return nil
}

func registerOrReuse[C prometheus.Collector](registerer prometheus.Registerer, c C) (C, error) {
	if err := registerer.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

func (m *FabricMetrics) recordSent(system, route string) {
	m.sentTotal.WithLabelValues(system, route).Inc()
}

func (m *FabricMetrics) recordProcessed(system, handler string, d time.Duration, err error) {
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	m.processedTotal.WithLabelValues(system, handler, outcome).Inc()
	m.handlerSeconds.WithLabelValues(system, handler).Observe(d.Seconds())
}

func (m *FabricMetrics) recordDeadLetter(system string, kind FaultKind, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	km, ok := m.deadLetters[kind]
	if !ok {
		km = &DeadLetterKindMetrics{FirstAt: now}
		m.deadLetters[kind] = km
	}
	km.Count++
	km.LastAt = now
	km.LastNote = reason

	m.deadLettersTotal.WithLabelValues(system, string(kind)).Inc()
}

func (m *FabricMetrics) setOutboundLanes(system, endpoint string, n int) {
	m.outboundLanes.WithLabelValues(system, endpoint).Set(float64(n))
}

// DeadLetters returns a point-in-time snapshot of dead-letter counts.
func (m *FabricMetrics) DeadLetters() DeadLetterSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snapshot := DeadLetterSnapshot{
		ByKind:      make(map[FaultKind]*DeadLetterKindMetrics, len(m.deadLetters)),
		CollectedAt: time.Now(),
	}
	for kind, km := range m.deadLetters {
		copied := *km
		snapshot.ByKind[kind] = &copied
		snapshot.Total += km.Count
	}
	return snapshot
}
