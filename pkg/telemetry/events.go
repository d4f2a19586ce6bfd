package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openfroyo/larder/pkg/engine"
)

// Event represents a telemetry event emitted after a run.
type Event struct {
	// ID is the unique identifier for this event.
	ID string `json:"id"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// Type is the event type.
	Type string `json:"type"`

	// Source identifies where the event originated.
	Source string `json:"source"`

	// RunID is the associated run ID, if applicable.
	RunID string `json:"run_id,omitempty"`

	// ResourceID is the associated resource, as type::name, if applicable.
	ResourceID string `json:"resource_id,omitempty"`

	// Message is a human-readable event message.
	Message string `json:"message"`

	// Level is the event severity level (info, warning, error).
	Level string `json:"level"`

	// Data contains additional event-specific data.
	Data map[string]interface{} `json:"data,omitempty"`
}

// Event types.
const (
	EventTypeRunCompleted  = "run.completed"
	EventTypeRunFailed     = "run.failed"
	EventTypeResourceState = "resource.state"
)

// Event levels.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// EventSubscriber is a function that handles events.
type EventSubscriber func(event Event)

// EventFilter determines if an event should be processed.
type EventFilter func(event Event) bool

// EventPublisher manages event publishing and subscriptions. Synchronous
// publishers deliver on the caller's goroutine; asynchronous ones deliver in
// batches from a background goroutine.
type EventPublisher struct {
	config      EventsConfig
	buffer      chan Event
	subscribers []subscriberEntry
	filters     []EventFilter
	wg          sync.WaitGroup
	mu          sync.RWMutex
	ctx         context.Context
	cancel      context.CancelFunc
}

type subscriberEntry struct {
	subscriber EventSubscriber
	filter     EventFilter
}

// NewEventPublisher creates a new event publisher with the given configuration.
func NewEventPublisher(cfg EventsConfig) (*EventPublisher, error) {
	if !cfg.Enabled {
		return &EventPublisher{config: cfg}, nil
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 1
	}

	ctx, cancel := context.WithCancel(context.Background())

	ep := &EventPublisher{
		config: cfg,
		buffer: make(chan Event, cfg.BufferSize),
		ctx:    ctx,
		cancel: cancel,
	}
	if cfg.MinLevel != "" {
		ep.AddFilter(FilterByLevel(cfg.MinLevel))
	}

	if cfg.EnableAsync {
		ep.wg.Add(1)
		go ep.processEvents()
	}

	return ep, nil
}

// Publish publishes an event to all subscribers.
func (ep *EventPublisher) Publish(event Event) error {
	if !ep.config.Enabled {
		return nil
	}

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	ep.mu.RLock()
	for _, filter := range ep.filters {
		if !filter(event) {
			ep.mu.RUnlock()
			return nil
		}
	}
	ep.mu.RUnlock()

	if ep.config.EnableAsync {
		select {
		case <-ep.ctx.Done():
			return fmt.Errorf("event publisher stopped")
		default:
		}
		select {
		case ep.buffer <- event:
			return nil
		default:
			return fmt.Errorf("event buffer full, event dropped")
		}
	}

	ep.deliverEvent(event)
	return nil
}

// Subscribe adds a new event subscriber. A nil filter accepts every event.
func (ep *EventPublisher) Subscribe(subscriber EventSubscriber, filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.subscribers = append(ep.subscribers, subscriberEntry{
		subscriber: subscriber,
		filter:     filter,
	})
}

// AddFilter adds a global event filter.
func (ep *EventPublisher) AddFilter(filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.filters = append(ep.filters, filter)
}

// processEvents delivers buffered events in batches. A partial batch is
// delivered every FlushInterval and on shutdown.
func (ep *EventPublisher) processEvents() {
	defer ep.wg.Done()

	var tick <-chan time.Time
	if ep.config.FlushInterval > 0 {
		ticker := time.NewTicker(ep.config.FlushInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	batch := make([]Event, 0, ep.config.MaxBatchSize)
	flush := func() {
		for _, event := range batch {
			ep.deliverEvent(event)
		}
		batch = batch[:0]
	}

	for {
		select {
		case event := <-ep.buffer:
			batch = append(batch, event)
			if len(batch) >= ep.config.MaxBatchSize {
				flush()
			}

		case <-tick:
			flush()

		case <-ep.ctx.Done():
			for {
				select {
				case event := <-ep.buffer:
					batch = append(batch, event)
				default:
					flush()
					return
				}
			}
		}
	}
}

// deliverEvent delivers an event to all matching subscribers in
// subscription order.
func (ep *EventPublisher) deliverEvent(event Event) {
	ep.mu.RLock()
	defer ep.mu.RUnlock()

	for _, entry := range ep.subscribers {
		if entry.filter != nil && !entry.filter(event) {
			continue
		}
		entry.subscriber(event)
	}
}

// Shutdown stops the publisher after delivering buffered events.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if !ep.config.Enabled {
		return nil
	}

	ep.cancel()

	done := make(chan struct{})
	go func() {
		ep.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown timeout")
	}
}

// FilterByLevel creates a filter that only allows events of a specific level or higher.
func FilterByLevel(minLevel string) EventFilter {
	levels := map[string]int{
		EventLevelInfo:    0,
		EventLevelWarning: 1,
		EventLevelError:   2,
	}

	minLevelValue := levels[minLevel]

	return func(event Event) bool {
		return levels[event.Level] >= minLevelValue
	}
}

// FilterByType creates a filter that only allows events of specific types.
func FilterByType(types ...string) EventFilter {
	typeSet := make(map[string]bool)
	for _, t := range types {
		typeSet[t] = true
	}

	return func(event Event) bool {
		return typeSet[event.Type]
	}
}

// ReportPublisher turns engine reports into events. It implements
// engine.ReportSubscriber.
type ReportPublisher struct {
	events *EventPublisher
	source string
}

// NewReportPublisher creates a report subscriber that publishes to events.
func NewReportPublisher(events *EventPublisher) *ReportPublisher {
	return &ReportPublisher{events: events, source: "engine"}
}

// Notify publishes one resource.state event per report item followed by a
// run.completed event, or run.failed when the run was not successful.
func (p *ReportPublisher) Notify(report *engine.Report) error {
	for _, item := range report.Items() {
		level := EventLevelInfo
		if item.State.IsError() {
			level = EventLevelError
		}
		data := map[string]interface{}{
			"state":                 item.State.String(),
			"duration":              item.Duration.Seconds(),
			"require_administrator": item.RequireAdministrator,
		}
		if item.Error != "" {
			data["error"] = item.Error
		}
		key := item.Resource.Key().String()
		if err := p.events.Publish(Event{
			Type:       EventTypeResourceState,
			Source:     p.source,
			RunID:      report.RunID(),
			ResourceID: key,
			Message:    fmt.Sprintf("Resource %s is %s", key, item.State),
			Level:      level,
			Data:       data,
		}); err != nil {
			return err
		}
	}

	summary := make(map[string]interface{})
	for state, count := range report.Summary() {
		summary[state.String()] = count
	}

	event := Event{
		Type:    EventTypeRunCompleted,
		Source:  p.source,
		RunID:   report.RunID(),
		Message: fmt.Sprintf("Run %s completed with status: %s", report.RunID(), report.Status()),
		Level:   EventLevelInfo,
		Data: map[string]interface{}{
			"status":   report.Status(),
			"duration": report.Duration().Seconds(),
			"items":    report.Count(),
			"summary":  summary,
		},
	}
	if !report.Successful() {
		event.Type = EventTypeRunFailed
		event.Level = EventLevelError
		event.Message = fmt.Sprintf("Run %s failed", report.RunID())
	}

	return p.events.Publish(event)
}
