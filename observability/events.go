package observability

import (
	"math/big"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"taolend/core/events"
	"taolend/core/types"
	"taolend/native/lend"
)

type eventMetrics struct {
	emitted *prometheus.CounterVec
}

var (
	eventMetricsOnce sync.Once
	eventRegistry    *eventMetrics
)

// Events returns the metrics registry tracking structured engine events.
func Events() *eventMetrics {
	eventMetricsOnce.Do(func() {
		eventRegistry = &eventMetrics{
			emitted: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "taolend",
				Subsystem: "events",
				Name:      "emitted_total",
				Help:      "Count of engine events segmented by event type.",
			}, []string{"type"}),
		}
		prometheus.MustRegister(eventRegistry.emitted)
	})
	return eventRegistry
}

// RecordEvent increments the event counter for the supplied event type.
func (m *eventMetrics) RecordEvent(eventType string) {
	if m == nil {
		return
	}
	normalized := strings.TrimSpace(eventType)
	if normalized == "" {
		normalized = "unknown"
	}
	m.emitted.WithLabelValues(normalized).Inc()
}

// MetricsEmitter mirrors engine events into the prometheus registries so
// operators can watch activity without polling node state. It counts every
// event by type and feeds the liquidation and interest counters from the
// event payload.
type MetricsEmitter struct{}

// Emit implements the events.Emitter interface.
func (MetricsEmitter) Emit(evt events.Event) {
	if evt == nil {
		return
	}
	Events().RecordEvent(evt.EventType())
	payload, ok := evt.(interface{ Event() *types.Event })
	if !ok {
		return
	}
	typed := payload.Event()
	if typed == nil {
		return
	}
	switch typed.Type {
	case lend.EventTypeLiquidate:
		PairMetrics().RecordLiquidation(typed.Attributes["dirty"] == "true")
	case lend.EventTypeInterestAccrued:
		if interest, ok := new(big.Int).SetString(typed.Attributes["interest"], 10); ok {
			PairMetrics().RecordInterest(interest)
		}
	}
}
