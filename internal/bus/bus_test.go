package bus

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/ernie/warden/internal/domain"
)

func newTestPublisher(t *testing.T) *Publisher {
	t.Helper()
	p, err := Connect(Options{Embedded: true, SubjectPrefix: "wardentest"})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(p.Close)
	return p
}

func subscribe(t *testing.T, p *Publisher, subject string) chan *nats.Msg {
	t.Helper()
	nc, err := nats.Connect(p.URL())
	if err != nil {
		t.Fatalf("connecting subscriber: %v", err)
	}
	t.Cleanup(nc.Close)

	msgs := make(chan *nats.Msg, 10)
	if _, err := nc.ChanSubscribe(subject, msgs); err != nil {
		t.Fatalf("subscribing: %v", err)
	}
	nc.Flush()
	return msgs
}

func TestPublishRoutesBySubject(t *testing.T) {
	p := newTestPublisher(t)
	msgs := subscribe(t, p, "wardentest.events.3")

	err := p.Publish(domain.Event{
		Type:      domain.EventPlayerConnect,
		ServerID:  3,
		Timestamp: time.Now().UTC(),
		Data:      domain.PlayerConnectEvent{Slot: 2, Name: "Alice", GUID: "ABC123"},
	})
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case msg := <-msgs:
		var ev domain.Event
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			t.Fatalf("decoding event: %v", err)
		}
		if ev.Type != domain.EventPlayerConnect || ev.ServerID != 3 {
			t.Errorf("event = %s server %d", ev.Type, ev.ServerID)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no message received")
	}
}

func TestPublishDoesNotCrossServers(t *testing.T) {
	p := newTestPublisher(t)
	other := subscribe(t, p, "wardentest.events.9")

	if err := p.Publish(domain.Event{Type: domain.EventStateChange, ServerID: 1}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case msg := <-other:
		t.Fatalf("server 9 subscriber got %s", msg.Subject)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestRunPumpsChannel(t *testing.T) {
	p := newTestPublisher(t)
	msgs := subscribe(t, p, "wardentest.events.>")

	events := make(chan domain.Event, 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx, events)

	events <- domain.Event{Type: domain.EventChat, ServerID: 1}
	events <- domain.Event{Type: domain.EventKill, ServerID: 2}

	for i := 0; i < 2; i++ {
		select {
		case <-msgs:
		case <-time.After(3 * time.Second):
			t.Fatalf("message %d never arrived", i)
		}
	}
}
