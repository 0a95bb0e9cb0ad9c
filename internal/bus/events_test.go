package bus

import (
	"log/slog"
	"os"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestEmit_RoutesByType(t *testing.T) {
	eb := NewEventBus(testLogger(), 0)

	var audits, blocked, all []string
	eb.On(EventAuditRecorded, func(e Event) { audits = append(audits, e.Source) })
	eb.On(EventCommandBlocked, func(e Event) { blocked = append(blocked, e.Source) })
	eb.On("*", func(e Event) { all = append(all, e.Type) })

	eb.Emit(Event{Type: EventAuditRecorded, Source: "gateway"})
	eb.Emit(Event{Type: EventCommandBlocked, Source: "validator"})
	eb.Emit(Event{Type: EventApprovalCreated, Source: "approval"})

	if len(audits) != 1 || len(blocked) != 1 || blocked[0] != "validator" {
		t.Fatalf("typed handlers got audits=%v blocked=%v", audits, blocked)
	}
	if len(all) != 3 {
		t.Fatalf("wildcard should see every event, got %v", all)
	}
}

func TestOff_RemovesOnlyThatHandler(t *testing.T) {
	eb := NewEventBus(testLogger(), 0)

	var first, second int
	id := eb.On(EventApprovalDecided, func(Event) { first++ })
	eb.On(EventApprovalDecided, func(Event) { second++ })

	eb.Emit(Event{Type: EventApprovalDecided})
	eb.Off(EventApprovalDecided, id)
	eb.Off(EventApprovalDecided, "unknown-id")
	eb.Emit(Event{Type: EventApprovalDecided})

	if first != 1 || second != 2 {
		t.Fatalf("first=%d second=%d, want 1 and 2", first, second)
	}
}

func TestReplay(t *testing.T) {
	eb := NewEventBus(testLogger(), 0)
	base := time.Now()

	eb.Emit(Event{Type: EventGatewayStarted, Timestamp: base.Add(-time.Minute)})
	eb.Emit(Event{Type: EventAuditRecorded, Timestamp: base.Add(-30 * time.Second)})
	eb.Emit(Event{Type: EventAuditRecorded, Timestamp: base})

	tests := []struct {
		name      string
		eventType string
		since     time.Time
		want      int
	}{
		{"all types", "*", time.Time{}, 3},
		{"one type", EventAuditRecorded, time.Time{}, 2},
		{"since is inclusive", EventAuditRecorded, base, 1},
		{"nothing newer", "*", base.Add(time.Second), 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := len(eb.Replay(tt.eventType, tt.since)); got != tt.want {
				t.Fatalf("Replay(%q) = %d events, want %d", tt.eventType, got, tt.want)
			}
		})
	}
}

func TestHistory_Bounded(t *testing.T) {
	eb := NewEventBus(testLogger(), 3)
	for i := 0; i < 5; i++ {
		eb.Emit(Event{Type: EventAuditRecorded, Payload: i})
	}

	got := eb.Replay("*", time.Time{})
	if len(got) != 3 {
		t.Fatalf("expected history capped at 3, got %d", len(got))
	}
	if got[0].Payload != 2 || got[2].Payload != 4 {
		t.Fatalf("oldest events should be dropped first, got %v..%v", got[0].Payload, got[2].Payload)
	}
}

func TestEmit_PanickingHandlerIsolated(t *testing.T) {
	eb := NewEventBus(testLogger(), 0)

	called := false
	eb.On(EventApprovalExpired, func(Event) { panic("boom") })
	eb.On(EventApprovalExpired, func(Event) { called = true })

	eb.Emit(Event{Type: EventApprovalExpired})
	if !called {
		t.Fatal("handler after a panicking one should still run")
	}
}

func TestEmit_SetsTimestamp(t *testing.T) {
	eb := NewEventBus(testLogger(), 0)

	var at time.Time
	eb.On(EventGatewayStopped, func(e Event) { at = e.Timestamp })
	before := time.Now()
	eb.Emit(Event{Type: EventGatewayStopped})

	if at.Before(before) {
		t.Fatalf("expected timestamp set at emit, got %v", at)
	}
}

func TestEmit_HandlerMayUnsubscribe(t *testing.T) {
	eb := NewEventBus(testLogger(), 0)

	var id string
	calls := 0
	id = eb.On(EventAuditRecorded, func(Event) {
		calls++
		eb.Off(EventAuditRecorded, id)
	})

	eb.Emit(Event{Type: EventAuditRecorded})
	eb.Emit(Event{Type: EventAuditRecorded})
	if calls != 1 {
		t.Fatalf("expected handler to run once, got %d", calls)
	}
}
