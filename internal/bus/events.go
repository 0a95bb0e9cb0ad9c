package bus

import (
	"log/slog"
	"strconv"
	"sync"
	"time"
)

// Event is a gateway notification. Payload carries the domain value the
// event is about (an AuditRecord, ApprovalRequest or ApprovalDecision).
type Event struct {
	Type      string
	Source    string
	Payload   any
	Timestamp time.Time
}

type EventHandler func(Event)

// EventBus is a topic-based publish/subscribe hub with a bounded history
// so late subscribers (such as a freshly connected stream client) can
// catch up.
type EventBus struct {
	mu         sync.RWMutex
	handlers   map[string][]namedHandler
	nextID     int
	history    []Event
	maxHistory int
	logger     *slog.Logger
}

type namedHandler struct {
	ID      string
	Handler EventHandler
}

const DefaultHistory = 500

func NewEventBus(logger *slog.Logger, maxHistory int) *EventBus {
	if logger == nil {
		logger = slog.Default()
	}
	if maxHistory <= 0 {
		maxHistory = DefaultHistory
	}
	return &EventBus{
		handlers:   make(map[string][]namedHandler),
		maxHistory: maxHistory,
		logger:     logger,
	}
}

// On registers a handler for the given event type, or "*" for all.
// The returned ID is passed to Off.
func (eb *EventBus) On(eventType string, handler EventHandler) string {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.nextID++
	id := eventType + "-" + strconv.Itoa(eb.nextID)
	eb.handlers[eventType] = append(eb.handlers[eventType], namedHandler{ID: id, Handler: handler})
	return id
}

func (eb *EventBus) Off(eventType, handlerID string) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	handlers := eb.handlers[eventType]
	for i, h := range handlers {
		if h.ID == handlerID {
			eb.handlers[eventType] = append(handlers[:i:i], handlers[i+1:]...)
			return
		}
	}
}

// Emit records the event and calls matching handlers synchronously.
// A panicking handler is logged and does not affect the others.
func (eb *EventBus) Emit(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	eb.mu.Lock()
	if len(eb.history) >= eb.maxHistory {
		eb.history = eb.history[1:]
	}
	eb.history = append(eb.history, event)
	handlers := make([]namedHandler, 0, len(eb.handlers[event.Type])+len(eb.handlers["*"]))
	handlers = append(handlers, eb.handlers[event.Type]...)
	handlers = append(handlers, eb.handlers["*"]...)
	eb.mu.Unlock()

	for _, h := range handlers {
		eb.dispatch(h, event)
	}
}

func (eb *EventBus) dispatch(h namedHandler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			eb.logger.Error("event handler panic", "event", event.Type, "handler", h.ID, "panic", r)
		}
	}()
	h.Handler(event)
}

// Replay returns past events of the given type ("*" for all) at or after since.
func (eb *EventBus) Replay(eventType string, since time.Time) []Event {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	var result []Event
	for _, e := range eb.history {
		if e.Timestamp.Before(since) {
			continue
		}
		if eventType == "*" || e.Type == eventType {
			result = append(result, e)
		}
	}
	return result
}

const (
	EventAuditRecorded   = "audit.recorded"
	EventCommandBlocked  = "command.blocked"
	EventApprovalCreated = "approval.created"
	EventApprovalDecided = "approval.decided"
	EventApprovalExpired = "approval.expired"
	EventGatewayStarted  = "gateway.started"
	EventGatewayStopped  = "gateway.stopped"
)
