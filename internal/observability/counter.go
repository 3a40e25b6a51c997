// Package observability collects per-topic event counters and exposes
// them in Prometheus text exposition format.
package observability

import (
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/Sanji78/telegram-voip/internal/eventbus"
)

// EventCounter observes bus publishes and keeps per-topic and per-state
// counts. It is safe for concurrent use.
type EventCounter struct {
	startedAt time.Time

	mu       sync.Mutex
	byTopic  map[eventbus.Topic]uint64
	byState  map[eventbus.CallState]uint64
	byErrors map[string]uint64
}

// NewEventCounter constructs an empty counter set.
func NewEventCounter() *EventCounter {
	return &EventCounter{
		startedAt: time.Now(),
		byTopic:   make(map[eventbus.Topic]uint64),
		byState:   make(map[eventbus.CallState]uint64),
		byErrors:  make(map[string]uint64),
	}
}

// OnPublish implements eventbus.Observer.
func (c *EventCounter) OnPublish(env eventbus.Envelope) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.byTopic[env.Topic]++
	switch payload := env.Payload.(type) {
	case eventbus.CallLifecycleEvent:
		c.byState[payload.State]++
	case eventbus.CallErrorEvent:
		c.byErrors[payload.Stage]++
	}
}

// TopicCount returns the number of events seen on a topic.
func (c *EventCounter) TopicCount(topic eventbus.Topic) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.byTopic[topic]
}

// StateCount returns the number of lifecycle events seen for a state.
func (c *EventCounter) StateCount(state eventbus.CallState) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.byState[state]
}

// WriteMetrics renders counters plus bus totals in Prometheus text format.
func (c *EventCounter) WriteMetrics(w io.Writer, busMetrics eventbus.Metrics) error {
	c.mu.Lock()
	topics := make(map[eventbus.Topic]uint64, len(c.byTopic))
	for k, v := range c.byTopic {
		topics[k] = v
	}
	states := make(map[eventbus.CallState]uint64, len(c.byState))
	for k, v := range c.byState {
		states[k] = v
	}
	stages := make(map[string]uint64, len(c.byErrors))
	for k, v := range c.byErrors {
		stages[k] = v
	}
	c.mu.Unlock()

	var err error
	p := func(format string, args ...any) {
		if err == nil {
			_, err = fmt.Fprintf(w, format, args...)
		}
	}

	p("# HELP tgvoip_uptime_seconds Seconds since the daemon started.\n")
	p("# TYPE tgvoip_uptime_seconds gauge\n")
	p("tgvoip_uptime_seconds %d\n", int64(time.Since(c.startedAt).Seconds()))

	p("# HELP tgvoip_bus_publish_total Events published on the internal bus.\n")
	p("# TYPE tgvoip_bus_publish_total counter\n")
	p("tgvoip_bus_publish_total %d\n", busMetrics.PublishTotal)

	p("# HELP tgvoip_bus_dropped_total Events dropped due to slow subscribers.\n")
	p("# TYPE tgvoip_bus_dropped_total counter\n")
	p("tgvoip_bus_dropped_total %d\n", busMetrics.DroppedTotal)

	p("# HELP tgvoip_events_total Events observed per topic.\n")
	p("# TYPE tgvoip_events_total counter\n")
	for _, topic := range sortedKeys(topics) {
		p("tgvoip_events_total{topic=%q} %d\n", topic, topics[topic])
	}

	p("# HELP tgvoip_call_state_total Lifecycle transitions observed per state.\n")
	p("# TYPE tgvoip_call_state_total counter\n")
	for _, state := range sortedKeys(states) {
		p("tgvoip_call_state_total{state=%q} %d\n", state, states[state])
	}

	p("# HELP tgvoip_call_errors_total Call errors observed per stage.\n")
	p("# TYPE tgvoip_call_errors_total counter\n")
	for _, stage := range sortedKeys(stages) {
		p("tgvoip_call_errors_total{stage=%q} %d\n", stage, stages[stage])
	}

	return err
}

func sortedKeys[K ~string, V any](m map[K]V) []K {
	keys := make([]K, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}
