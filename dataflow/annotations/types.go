// Package annotations provides a low-overhead event system for tracing
// dataflow runs: run lifecycle, operator evaluations, suppressed
// propagation and transform-specific detail.
package annotations

import (
	"sync"
	"time"
)

// Event name constants following a hierarchical naming pattern
const (
	// Run lifecycle
	RunBegin    = "run/begin"
	RunComplete = "run/complete"

	// Operator evaluation
	OperatorEvaluated  = "operator/evaluated"
	OperatorSuppressed = "operator/suppressed"

	// Window transform
	WindowPartitions = "window/partitions"

	// Storage feeds
	StorageFeed = "storage/feed"
)

// Event is a single annotation recorded during a run.
type Event struct {
	Name    string         // Event name using the constants above
	Start   time.Time      // Start timestamp
	End     time.Time      // End timestamp
	Latency time.Duration  // End - Start
	Data    map[string]any // Event-specific data
}

// Handler processes annotation events as they occur.
type Handler func(event Event)

// Collector accumulates events and forwards each one to its handler.
type Collector struct {
	enabled bool
	handler Handler
	events  []Event
	mu      sync.Mutex
}

// NewCollector creates a collector. A nil handler disables collection.
func NewCollector(handler Handler) *Collector {
	return &Collector{
		enabled: handler != nil,
		handler: handler,
		events:  make([]Event, 0, 64),
	}
}

// Enabled reports whether events are being collected.
func (c *Collector) Enabled() bool {
	return c != nil && c.enabled
}

// Add records an event.
// Thread-safe for concurrent access.
func (c *Collector) Add(event Event) {
	if !c.Enabled() {
		return
	}

	c.mu.Lock()
	c.events = append(c.events, event)
	c.mu.Unlock()

	// Call handler outside the lock to avoid deadlocks
	c.handler(event)
}

// AddTiming records an event that started at start and ends now.
func (c *Collector) AddTiming(name string, start time.Time, data map[string]any) {
	if !c.Enabled() {
		return
	}

	end := time.Now()
	c.Add(Event{
		Name:    name,
		Start:   start,
		End:     end,
		Latency: end.Sub(start),
		Data:    data,
	})
}

// Events returns a copy of the collected events.
func (c *Collector) Events() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Event, len(c.events))
	copy(out, c.events)
	return out
}

// Named returns the collected events with the given name.
func (c *Collector) Named(name string) []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Event
	for _, e := range c.events {
		if e.Name == name {
			out = append(out, e)
		}
	}
	return out
}

// Reset clears collected events. The handler is kept.
func (c *Collector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = c.events[:0]
}
