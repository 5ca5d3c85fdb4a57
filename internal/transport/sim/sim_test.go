package sim

import (
	"context"
	"errors"
	"testing"
	"time"

	"promodispatch/internal/transport"
	logx "promodispatch/pkg/logx"
)

func TestPairingThenSend(t *testing.T) {
	c := New(Config{AuthDelay: 10 * time.Millisecond}, logx.Nop())
	events := make(chan transport.Event, 4)
	ctx := context.Background()

	if _, err := c.Send(ctx, "42", []byte("hi")); !errors.Is(err, transport.ErrCredentialsInvalid) {
		t.Fatalf("send before pairing err = %v", err)
	}
	if err := c.Connect(ctx, events); err != nil {
		t.Fatalf("connect: %v", err)
	}

	ev := <-events
	if ev.Kind != transport.EventAuthChallengeIssued || ev.Challenge == "" {
		t.Fatalf("first event = %+v", ev)
	}
	select {
	case ev = <-events:
		if ev.Kind != transport.EventAuthenticated {
			t.Fatalf("second event = %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no authenticated event")
	}

	ack, err := c.Send(ctx, "42", []byte("hi"))
	if err != nil || ack.Ref == "" {
		t.Fatalf("send: ack=%+v err=%v", ack, err)
	}
	if _, err := c.Send(ctx, UnreachablePrefix+"7", []byte("hi")); !errors.Is(err, transport.ErrRecipientUnreachable) {
		t.Fatalf("unreachable err = %v", err)
	}
	if c.Sent() != 1 {
		t.Fatalf("sent = %d", c.Sent())
	}
	if err := c.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestReconnectSkipsChallengeOncePaired(t *testing.T) {
	c := New(Config{AuthDelay: time.Millisecond}, logx.Nop())
	events := make(chan transport.Event, 4)
	ctx := context.Background()
	_ = c.Connect(ctx, events)
	<-events
	<-events

	if err := c.Connect(ctx, events); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	if ev := <-events; ev.Kind != transport.EventAuthenticated {
		t.Fatalf("reconnect event = %+v", ev)
	}
	_ = c.Close(ctx)
}
