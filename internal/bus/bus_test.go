package bus

import (
	"context"
	"testing"
	"time"
)

func TestSessionKey(t *testing.T) {
	m := InboundMessage{Channel: "telegram", ChatID: "42"}
	if got := m.SessionKey(); got != "telegram:42" {
		t.Errorf("SessionKey() = %q, want telegram:42", got)
	}
}

func TestDispatchOutboundRoutesBySubscriber(t *testing.T) {
	b := NewMessageBus(4)
	got := make(chan OutboundMessage, 1)
	b.SubscribeOutbound("telegram", func(msg OutboundMessage) {
		got <- msg
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.DispatchOutbound(ctx)

	b.Outbound <- OutboundMessage{Channel: "telegram", ChatID: "42", Content: "hi"}

	select {
	case msg := <-got:
		if msg.ChatID != "42" || msg.Content != "hi" {
			t.Errorf("delivered %+v", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("message never delivered")
	}
}

func TestDispatchOutboundDropsUnknownChannel(t *testing.T) {
	b := NewMessageBus(4)
	got := make(chan OutboundMessage, 1)
	b.SubscribeOutbound("telegram", func(msg OutboundMessage) {
		got <- msg
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.DispatchOutbound(ctx)

	b.Outbound <- OutboundMessage{Channel: "nosuch", Content: "lost"}
	b.Outbound <- OutboundMessage{Channel: "telegram", Content: "kept"}

	select {
	case msg := <-got:
		if msg.Content != "kept" {
			t.Errorf("got %q, want the message after the dropped one", msg.Content)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("loop stalled after unroutable message")
	}
}

func TestDispatchOutboundStopsOnCancel(t *testing.T) {
	b := NewMessageBus(1)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		b.DispatchOutbound(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("DispatchOutbound did not return after cancel")
	}
}
