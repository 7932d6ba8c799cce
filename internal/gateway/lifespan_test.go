package gateway

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// lifespanDriver scripts the outer side of a lifespan session.
type lifespanDriver struct {
	events chan Event

	mu      sync.Mutex
	replies []Event
}

func newLifespanDriver(events ...Event) *lifespanDriver {
	d := &lifespanDriver{events: make(chan Event, len(events))}
	for _, ev := range events {
		d.events <- ev
	}
	return d
}

func (d *lifespanDriver) recv(ctx context.Context) (Event, error) {
	select {
	case ev := <-d.events:
		return ev, nil
	case <-ctx.Done():
		return Event{}, ctx.Err()
	}
}

func (d *lifespanDriver) send(ctx context.Context, ev Event) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.replies = append(d.replies, ev)
	return nil
}

func (d *lifespanDriver) sent() []Event {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Event, len(d.replies))
	copy(out, d.replies)
	return out
}

// completingParticipant answers every event with <type>.complete and counts
// the events it has seen.
func completingParticipant(seen *int32) Handler {
	return HandlerFunc(func(ctx context.Context, ex *Exchange, recv ReceiveFunc, send SendFunc) error {
		for {
			msg, err := recv(ctx)
			if err != nil {
				return err
			}
			atomic.AddInt32(seen, 1)
			if err := send(ctx, Event{Type: msg.Type + CompleteSuffix}); err != nil {
				return err
			}
			if msg.Type == EventShutdown {
				return nil
			}
		}
	})
}

// failingStartupParticipant fails startup with message but still completes
// shutdown.
func failingStartupParticipant(message string, seen *int32) Handler {
	return HandlerFunc(func(ctx context.Context, ex *Exchange, recv ReceiveFunc, send SendFunc) error {
		for {
			msg, err := recv(ctx)
			if err != nil {
				return err
			}
			atomic.AddInt32(seen, 1)

			reply := Event{Type: msg.Type + CompleteSuffix}
			if msg.Type == EventStartup {
				reply = Event{Type: msg.Type + FailedSuffix, Message: message}
			}
			if err := send(ctx, reply); err != nil {
				return err
			}
			if msg.Type == EventShutdown {
				return nil
			}
		}
	})
}

func TestLifespanAggregatesStartupFailure(t *testing.T) {
	var goodSeen, badSeen int32

	lifespan := &Lifespan{
		Logger: testLogger(),
		Participants: []Participant{
			{Name: "backup", Handler: completingParticipant(&goodSeen)},
			{Name: "query", Handler: failingStartupParticipant("properties file missing", &badSeen)},
		},
	}

	driver := newLifespanDriver(Event{Type: EventStartup}, Event{Type: EventShutdown})
	ex := &Exchange{Family: FamilyLifespan}

	done := make(chan error, 1)
	go func() { done <- lifespan.Serve(context.Background(), ex, driver.recv, driver.send) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Serve() returned an error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve() did not return after the shutdown event")
	}

	replies := driver.sent()
	if len(replies) != 2 {
		t.Fatalf("expected 2 aggregate replies, got %d: %+v", len(replies), replies)
	}
	if replies[0].Type != EventStartup+FailedSuffix {
		t.Errorf("first reply type = %q, want startup.failed", replies[0].Type)
	}
	// Only the failing participant's message appears in the aggregate.
	if replies[0].Message != "properties file missing" {
		t.Errorf("aggregate failure message = %q, want %q", replies[0].Message, "properties file missing")
	}
	if replies[1].Type != EventShutdown+CompleteSuffix {
		t.Errorf("second reply type = %q, want shutdown.complete", replies[1].Type)
	}

	// A startup failure must not stop shutdown delivery to either participant.
	if n := atomic.LoadInt32(&goodSeen); n != 2 {
		t.Errorf("healthy participant saw %d events, want 2", n)
	}
	if n := atomic.LoadInt32(&badSeen); n != 2 {
		t.Errorf("failing participant saw %d events, want 2", n)
	}
}

func TestLifespanMultipleFailuresJoined(t *testing.T) {
	var a, b int32
	lifespan := &Lifespan{
		Logger: testLogger(),
		Participants: []Participant{
			{Name: "a", Handler: failingStartupParticipant("first problem", &a)},
			{Name: "b", Handler: failingStartupParticipant("second problem", &b)},
		},
	}

	driver := newLifespanDriver(Event{Type: EventStartup}, Event{Type: EventShutdown})
	if err := lifespan.Serve(context.Background(), &Exchange{Family: FamilyLifespan}, driver.recv, driver.send); err != nil {
		t.Fatalf("Serve() returned an error: %v", err)
	}

	replies := driver.sent()
	if len(replies) != 2 {
		t.Fatalf("expected 2 aggregate replies, got %d", len(replies))
	}
	want := "first problem\nsecond problem"
	if replies[0].Message != want {
		t.Errorf("aggregate message = %q, want %q", replies[0].Message, want)
	}
}

func TestLifespanNoParticipants(t *testing.T) {
	lifespan := &Lifespan{Logger: testLogger()}
	driver := newLifespanDriver(Event{Type: EventStartup})

	err := lifespan.Serve(context.Background(), &Exchange{Family: FamilyLifespan}, driver.recv, driver.send)
	if !errors.Is(err, ErrNoParticipants) {
		t.Errorf("Serve() = %v, want ErrNoParticipants", err)
	}
}

func TestLifespanAbsentParticipantDiscarded(t *testing.T) {
	var seen int32

	// One participant exits immediately without ever answering; the session
	// must neither hang nor count it as a failure.
	exitsImmediately := HandlerFunc(func(ctx context.Context, ex *Exchange, recv ReceiveFunc, send SendFunc) error {
		return nil
	})

	lifespan := &Lifespan{
		Logger: testLogger(),
		Participants: []Participant{
			{Name: "ghost", Handler: exitsImmediately},
			{Name: "backup", Handler: completingParticipant(&seen)},
		},
	}

	driver := newLifespanDriver(Event{Type: EventStartup}, Event{Type: EventShutdown})

	done := make(chan error, 1)
	go func() {
		done <- lifespan.Serve(context.Background(), &Exchange{Family: FamilyLifespan}, driver.recv, driver.send)
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Serve() returned an error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve() hung on a participant that exited without replying")
	}

	replies := driver.sent()
	if len(replies) != 2 {
		t.Fatalf("expected 2 aggregate replies, got %d", len(replies))
	}
	if replies[0].Type != EventStartup+CompleteSuffix {
		t.Errorf("first reply type = %q, want startup.complete", replies[0].Type)
	}
}

func TestLifespanCancelsParticipantsOnExit(t *testing.T) {
	cancelled := make(chan struct{})

	// Answers events but never returns on its own; it can only stop via the
	// cancellation the multiplexer performs on exit.
	lingering := HandlerFunc(func(ctx context.Context, ex *Exchange, recv ReceiveFunc, send SendFunc) error {
		for {
			msg, err := recv(ctx)
			if err != nil {
				close(cancelled)
				return err
			}
			if err := send(ctx, Event{Type: msg.Type + CompleteSuffix}); err != nil {
				close(cancelled)
				return err
			}
		}
	})

	lifespan := &Lifespan{
		Logger:       testLogger(),
		Participants: []Participant{{Name: "lingering", Handler: lingering}},
	}

	driver := newLifespanDriver(Event{Type: EventStartup}, Event{Type: EventShutdown})
	if err := lifespan.Serve(context.Background(), &Exchange{Family: FamilyLifespan}, driver.recv, driver.send); err != nil {
		t.Fatalf("Serve() returned an error: %v", err)
	}

	select {
	case <-cancelled:
	case <-time.After(2 * time.Second):
		t.Fatal("participant task was not cancelled after the session ended")
	}
}
