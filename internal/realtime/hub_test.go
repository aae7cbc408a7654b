package realtime

import "testing"

func TestHubBroadcastDropsSlowClients(t *testing.T) {
	hub := NewHub()
	fast := hub.Register("fast", 4)
	slow := hub.Register("slow", 1)

	if n := hub.Broadcast([]byte("one")); n != 2 {
		t.Fatalf("expected delivery to both clients, got %d", n)
	}
	<-fast.Send

	// slow 的缓冲区已满
	if n := hub.Broadcast([]byte("two")); n != 1 {
		t.Fatalf("expected delivery to fast client only, got %d", n)
	}
	if hub.Count() != 1 {
		t.Fatalf("expected slow client to be removed, got %d clients", hub.Count())
	}
	if msg := <-slow.Send; string(msg) != "one" {
		t.Fatalf("expected buffered message to remain readable, got %q", msg)
	}
	if _, ok := <-slow.Send; ok {
		t.Fatalf("expected slow client channel to be closed")
	}
	if msg := <-fast.Send; string(msg) != "two" {
		t.Fatalf("unexpected message %q", msg)
	}
}

func TestHubUnregisterIsIdempotent(t *testing.T) {
	hub := NewHub()
	c := hub.Register("c", 1)
	hub.Unregister(c)
	hub.Unregister(c)
	if hub.Count() != 0 {
		t.Fatalf("expected no clients")
	}
	if n := hub.Broadcast([]byte("x")); n != 0 {
		t.Fatalf("expected no deliveries, got %d", n)
	}
}
