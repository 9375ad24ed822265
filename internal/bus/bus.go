// Package bus provides an in-process publish/subscribe event bus with typed
// events, filterable subscriptions, bounded history, and correlation-id
// grouping for pipeline runs.
package bus

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType represents the kind of event flowing through the bus.
type EventType string

const (
	// EventAgentStarted indicates an agent began processing a step.
	EventAgentStarted EventType = "agent_started"
	// EventAgentCompleted indicates an agent finished successfully.
	EventAgentCompleted EventType = "agent_completed"
	// EventAgentFailed indicates an agent returned an error.
	EventAgentFailed EventType = "agent_failed"
	// EventAgentProgress provides periodic updates on agent execution.
	EventAgentProgress EventType = "agent_progress"

	// EventPipelineStarted indicates a pipeline run began.
	EventPipelineStarted EventType = "pipeline_started"
	// EventPipelineStepStarted indicates a pipeline step began.
	EventPipelineStepStarted EventType = "pipeline_step_started"
	// EventPipelineStepCompleted indicates a pipeline step finished.
	EventPipelineStepCompleted EventType = "pipeline_step_completed"
	// EventPipelineCompleted indicates the whole run finished successfully.
	EventPipelineCompleted EventType = "pipeline_completed"
	// EventPipelineFailed indicates the run aborted.
	EventPipelineFailed EventType = "pipeline_failed"

	// EventDataAvailable indicates a step produced data for its dependents.
	EventDataAvailable EventType = "data_available"
	// EventDataProcessed indicates downstream consumption of produced data.
	EventDataProcessed EventType = "data_processed"
	// EventDataValidationFailed indicates input validation rejected data.
	EventDataValidationFailed EventType = "data_validation_failed"

	// EventSystemError reports an internal error outside step execution.
	EventSystemError EventType = "system_error"
	// EventSystemWarning reports a degraded but non-fatal condition.
	EventSystemWarning EventType = "system_warning"
	// EventSystemInfo reports informational system state.
	EventSystemInfo EventType = "system_info"
)

// Event is an immutable record delivered to subscribers and kept in history.
type Event struct {
	// Type is the kind of event.
	Type EventType `json:"event_type"`
	// Source is the agent name or system component that produced the event.
	Source string `json:"source"`
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`
	// CorrelationID groups events belonging to one logical run, if set.
	CorrelationID string `json:"correlation_id,omitempty"`
	// Data carries the event payload, if any.
	Data any `json:"data,omitempty"`
	// Metadata carries auxiliary key/value context.
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Filter selects a subset of events for a subscription or history query.
// All populated fields must match (logical AND); empty fields match anything.
type Filter struct {
	// Types restricts matching to these event types. Empty matches all.
	Types []EventType
	// Sources restricts matching to these sources. Empty matches all.
	Sources []string
	// CorrelationID requires an exact correlation id. Empty matches all.
	CorrelationID string
}

// Matches reports whether the event passes the filter.
func (f Filter) Matches(e Event) bool {
	if len(f.Types) > 0 {
		found := false
		for _, t := range f.Types {
			if e.Type == t {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	if len(f.Sources) > 0 {
		found := false
		for _, s := range f.Sources {
			if e.Source == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	if f.CorrelationID != "" && e.CorrelationID != f.CorrelationID {
		return false
	}

	return true
}

// Callback receives a matching event. Callbacks run concurrently with each
// other but Publish joins them all before returning, so side effects have
// landed by the time the publisher proceeds. Keep callbacks cheap; a slow
// subscriber back-pressures every publisher.
type Callback func(Event)

// subscription pairs a filter with its callback.
type subscription struct {
	id       string
	filter   Filter
	callback Callback
}

// DefaultHistorySize is the bounded history capacity when none is given.
const DefaultHistorySize = 1000

// Bus is the central event bus. History and subscriber lists are guarded by
// one bus-wide lock; mutation is cheap and contention is expected to be low.
type Bus struct {
	mu          sync.Mutex
	subs        []subscription
	history     []Event
	maxHistory  int
	nextSubID   int
	totalEvents int
	// debugLog is an optional logging function.
	debugLog func(format string, args ...interface{})
}

// New creates a bus with the default history capacity.
func New() *Bus {
	return NewWithHistory(DefaultHistorySize)
}

// NewWithHistory creates a bus whose history holds at most maxHistory events.
func NewWithHistory(maxHistory int) *Bus {
	if maxHistory <= 0 {
		maxHistory = DefaultHistorySize
	}
	return &Bus{
		maxHistory: maxHistory,
		debugLog:   func(format string, args ...interface{}) {},
	}
}

// SetDebugLog sets the debug logging function.
func (b *Bus) SetDebugLog(fn func(format string, args ...interface{})) {
	if fn != nil {
		b.debugLog = fn
	}
}

// Subscribe registers a callback for one event type.
// Returns a subscription id for Unsubscribe.
func (b *Bus) Subscribe(eventType EventType, cb Callback) string {
	return b.SubscribeFiltered(Filter{Types: []EventType{eventType}}, cb)
}

// SubscribeMultiple registers the same callback for several event types.
func (b *Bus) SubscribeMultiple(eventTypes []EventType, cb Callback) []string {
	ids := make([]string, 0, len(eventTypes))
	for _, t := range eventTypes {
		ids = append(ids, b.Subscribe(t, cb))
	}
	return ids
}

// SubscribeFiltered registers a callback with a custom filter.
// Returns a subscription id for Unsubscribe.
func (b *Bus) SubscribeFiltered(filter Filter, cb Callback) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextSubID++
	id := fmt.Sprintf("sub-%d", b.nextSubID)
	b.subs = append(b.subs, subscription{id: id, filter: filter, callback: cb})
	b.debugLog("[bus.Subscribe] added subscription %s (types=%v sources=%v)", id, filter.Types, filter.Sources)
	return id
}

// Unsubscribe removes a subscription by id. Unknown ids are ignored.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, sub := range b.subs {
		if sub.id == id {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			b.debugLog("[bus.Unsubscribe] removed subscription %s", id)
			return
		}
	}
}

// Publish appends the event to history and delivers it to every subscriber
// whose filter matches. Each callback runs in its own goroutine and all are
// joined before Publish returns its notified count. A panicking callback is
// recovered and logged; it never aborts delivery to other subscribers.
func (b *Bus) Publish(event Event) int {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.Lock()
	b.history = append(b.history, event)
	if len(b.history) > b.maxHistory {
		// Oldest entries are evicted first.
		b.history = b.history[len(b.history)-b.maxHistory:]
	}
	b.totalEvents++

	var matched []subscription
	for _, sub := range b.subs {
		if sub.filter.Matches(event) {
			matched = append(matched, sub)
		}
	}
	b.mu.Unlock()

	b.debugLog("[bus.Publish] %s from %s matched %d subscribers", event.Type, event.Source, len(matched))

	var wg sync.WaitGroup
	for _, sub := range matched {
		wg.Add(1)
		go func(sub subscription) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					log.Printf("[bus] WARNING: subscriber %s panicked on %s: %v", sub.id, event.Type, r)
				}
			}()
			sub.callback(event)
		}(sub)
	}
	wg.Wait()

	return len(matched)
}

// CorrelationID creates a globally-unique opaque token used to group all
// events belonging to one orchestration run or sub-request.
func (b *Bus) CorrelationID() string {
	return uuid.New().String()
}

// History returns recorded events, most recent first, optionally filtered
// and truncated to limit entries. A nil filter matches everything; a
// non-positive limit returns all matches.
func (b *Bus) History(filter *Filter, limit int) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []Event
	for i := len(b.history) - 1; i >= 0; i-- {
		e := b.history[i]
		if filter != nil && !filter.Matches(e) {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

// EventsByCorrelationID returns all events with the given correlation id,
// in publication order.
func (b *Bus) EventsByCorrelationID(id string) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []Event
	for _, e := range b.history {
		if e.CorrelationID == id {
			out = append(out, e)
		}
	}
	return out
}

// EventsBySource returns events from a specific source, most recent first.
func (b *Bus) EventsBySource(source string, limit int) []Event {
	return b.History(&Filter{Sources: []string{source}}, limit)
}

// ClearHistory drops all recorded events. Subscriptions are unaffected.
func (b *Bus) ClearHistory() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.history = nil
}

// Stats summarizes bus activity.
type Stats struct {
	// TotalEvents counts every event ever published, including evicted ones.
	TotalEvents int `json:"total_events"`
	// HistorySize is the number of events currently retained.
	HistorySize int `json:"history_size"`
	// Subscribers is the number of active subscriptions.
	Subscribers int `json:"subscribers"`
	// EventTypeCounts counts retained events by type.
	EventTypeCounts map[EventType]int `json:"event_type_counts"`
	// SourceCounts counts retained events by source.
	SourceCounts map[string]int `json:"source_counts"`
}

// GetStats returns a snapshot of bus activity.
func (b *Bus) GetStats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	stats := Stats{
		TotalEvents:     b.totalEvents,
		HistorySize:     len(b.history),
		Subscribers:     len(b.subs),
		EventTypeCounts: make(map[EventType]int),
		SourceCounts:    make(map[string]int),
	}
	for _, e := range b.history {
		stats.EventTypeCounts[e.Type]++
		stats.SourceCounts[e.Source]++
	}
	return stats
}
