package httpapi

import (
	"testing"

	"pkt.systems/shellhost/internal/eventbus"
	"pkt.systems/shellhost/schema"
)

func TestHubSequencesAndTrimsHistory(t *testing.T) {
	hub := NewHub(3, quietLogger(), nil)
	for i := 0; i < 5; i++ {
		hub.PublishMessage([]byte(`{"jsonrpc":"2.0"}`))
	}
	replay := hub.Replay(0)
	if len(replay) != 3 {
		t.Fatalf("expected 3 retained events, got %d", len(replay))
	}
	if replay[0].Seq != 3 || replay[2].Seq != 5 {
		t.Fatalf("unexpected retained seqs: %d..%d", replay[0].Seq, replay[2].Seq)
	}
	if got := hub.Replay(4); len(got) != 1 || got[0].Seq != 5 {
		t.Fatalf("replay after 4: %+v", got)
	}
}

func TestHubSubscribeHasNoGap(t *testing.T) {
	hub := NewHub(10, quietLogger(), nil)
	hub.PublishMessage([]byte(`{}`))
	ch, unsub, seq, history := hub.Subscribe()
	defer unsub()
	if seq != 1 || len(history) != 1 {
		t.Fatalf("subscribe snapshot: seq=%d history=%d", seq, len(history))
	}
	hub.PublishWorker(schema.WorkerResponse{WorkerID: schema.WorkerGit, RequestID: "r1", OK: true})
	event := <-ch
	if event.Seq != 2 || event.Type != StreamWorker || event.Worker == nil || event.Worker.RequestID != "r1" {
		t.Fatalf("unexpected live event: %+v", event)
	}
	if hub.Subscribers() != 1 {
		t.Fatalf("expected one subscriber")
	}
	unsub()
	unsub()
	if hub.Subscribers() != 0 {
		t.Fatalf("expected no subscribers after unsubscribe")
	}
}

func TestHubDropsForFullSubscriber(t *testing.T) {
	hub := NewHub(1000, quietLogger(), nil)
	_, unsub, _, _ := hub.Subscribe()
	defer unsub()
	for i := 0; i < 300; i++ {
		hub.PublishMessage([]byte(`{}`))
	}
	if got := hub.Replay(0); len(got) != 300 {
		t.Fatalf("history should keep every event, got %d", len(got))
	}
}

func TestEventFromBus(t *testing.T) {
	cases := []struct {
		event eventbus.Event
		check func(StreamEvent) bool
	}{
		{eventbus.Event{Type: eventbus.EventTerminalOutput, Output: schema.TerminalOutputEvent{SessionID: "s1", Data: []byte("hi")}},
			func(e StreamEvent) bool { return e.Output != nil && e.Output.SessionID == "s1" }},
		{eventbus.Event{Type: eventbus.EventTerminalExit, Exit: schema.TerminalExitEvent{SessionID: "s1"}},
			func(e StreamEvent) bool { return e.Exit != nil }},
		{eventbus.Event{Type: eventbus.EventStateChanged, State: schema.StateChangedEvent{Key: "configuration"}},
			func(e StreamEvent) bool { return e.State != nil && e.State.Key == "configuration" }},
		{eventbus.Event{Type: eventbus.EventNotification, Notification: schema.NotificationEvent{Method: "turn/started"}},
			func(e StreamEvent) bool { return e.Notification != nil && e.Notification.Method == "turn/started" }},
	}
	for _, tc := range cases {
		got, ok := EventFromBus(tc.event)
		if !ok || got.Type != string(tc.event.Type) || !tc.check(got) {
			t.Fatalf("EventFromBus(%s) = %+v, %v", tc.event.Type, got, ok)
		}
	}
	if _, ok := EventFromBus(eventbus.Event{Type: "bogus"}); ok {
		t.Fatalf("unknown event type should be ignored")
	}
}
