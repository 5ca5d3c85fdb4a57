package telegram

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"promodispatch/internal/transport"
	logx "promodispatch/pkg/logx"
)

const goodToken = "123:good"

// fakeBotAPI answers the few Bot API methods the client uses.
func fakeBotAPI(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		if !strings.Contains(r.URL.Path, "/bot"+goodToken+"/") {
			_, _ = io.WriteString(w, `{"ok":false,"error_code":401,"description":"Unauthorized"}`)
			return
		}
		switch {
		case strings.HasSuffix(r.URL.Path, "/getMe"):
			_, _ = io.WriteString(w, `{"ok":true,"result":{"id":1,"is_bot":true,"first_name":"Promo","username":"promo_bot"}}`)
		case strings.HasSuffix(r.URL.Path, "/sendMessage"):
			if strings.Contains(string(body), "401") {
				_, _ = io.WriteString(w, `{"ok":false,"error_code":401,"description":"Unauthorized"}`)
				return
			}
			if strings.Contains(string(body), "404") {
				_, _ = io.WriteString(w, `{"ok":false,"error_code":400,"description":"Bad Request: chat not found"}`)
				return
			}
			_, _ = io.WriteString(w, `{"ok":true,"result":{"message_id":42,"date":1700000000,"chat":{"id":5,"type":"private"},"text":"hi"}}`)
		default:
			_, _ = io.WriteString(w, `{"ok":false,"error_code":404,"description":"Not Found"}`)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func nextEvent(t *testing.T, ch <-chan transport.Event) transport.Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatalf("no transport event")
		return transport.Event{}
	}
}

func TestConnectWithoutTokenIssuesChallenge(t *testing.T) {
	c := New(Config{}, logx.Nop())
	events := make(chan transport.Event, 4)
	if err := c.Connect(context.Background(), events); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer c.Close(context.Background())

	ev := nextEvent(t, events)
	if ev.Kind != transport.EventAuthChallengeIssued || ev.Challenge == "" {
		t.Fatalf("event = %+v", ev)
	}
	if _, err := c.Send(context.Background(), "5", []byte("hi")); !errors.Is(err, transport.ErrNotConnected) {
		t.Fatalf("send before pairing err = %v", err)
	}
}

func TestPairThenSend(t *testing.T) {
	srv := fakeBotAPI(t)
	c := New(Config{URL: srv.URL}, logx.Nop())
	events := make(chan transport.Event, 4)
	ctx := context.Background()
	if err := c.Connect(ctx, events); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer c.Close(ctx)
	nextEvent(t, events)

	if err := c.Pair(ctx, goodToken); err != nil {
		t.Fatalf("pair: %v", err)
	}
	if ev := nextEvent(t, events); ev.Kind != transport.EventAuthenticated {
		t.Fatalf("event after pairing = %+v", ev)
	}

	ack, err := c.Send(ctx, "5", []byte("hi"))
	if err != nil || ack.Ref != "42" {
		t.Fatalf("send: ack=%+v err=%v", ack, err)
	}
	if _, err := c.Send(ctx, "404", []byte("hi")); !errors.Is(err, transport.ErrRecipientUnreachable) {
		t.Fatalf("chat not found err = %v", err)
	}
	if _, err := c.Send(ctx, "not-a-chat", []byte("hi")); !errors.Is(err, transport.ErrRecipientUnreachable) {
		t.Fatalf("bad chat id err = %v", err)
	}
}

func TestRejectedTokenInvalidatesCredentials(t *testing.T) {
	srv := fakeBotAPI(t)
	c := New(Config{URL: srv.URL, Token: "999:bad"}, logx.Nop())
	events := make(chan transport.Event, 4)
	ctx := context.Background()
	err := c.Connect(ctx, events)
	if !errors.Is(err, transport.ErrCredentialsInvalid) {
		t.Fatalf("connect err = %v, want ErrCredentialsInvalid", err)
	}
	defer c.Close(ctx)
	if ev := nextEvent(t, events); ev.Kind != transport.EventCredentialsInvalidated {
		t.Fatalf("first event = %+v", ev)
	}
	if ev := nextEvent(t, events); ev.Kind != transport.EventAuthChallengeIssued {
		t.Fatalf("second event = %+v", ev)
	}
}

func TestUnauthorizedSendIssuesFreshChallenge(t *testing.T) {
	srv := fakeBotAPI(t)
	c := New(Config{URL: srv.URL, Token: goodToken}, logx.Nop())
	events := make(chan transport.Event, 4)
	ctx := context.Background()
	if err := c.Connect(ctx, events); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer c.Close(ctx)
	if ev := nextEvent(t, events); ev.Kind != transport.EventAuthenticated {
		t.Fatalf("first event = %+v", ev)
	}

	if _, err := c.Send(ctx, "401", []byte("hi")); !errors.Is(err, transport.ErrCredentialsInvalid) {
		t.Fatalf("send err = %v, want ErrCredentialsInvalid", err)
	}
	if ev := nextEvent(t, events); ev.Kind != transport.EventCredentialsInvalidated {
		t.Fatalf("event = %+v, want credentials invalidated", ev)
	}
	if ev := nextEvent(t, events); ev.Kind != transport.EventAuthChallengeIssued || ev.Challenge != pairingChallenge {
		t.Fatalf("event = %+v, want pairing challenge", ev)
	}
	if _, err := c.Send(ctx, "5", []byte("hi")); !errors.Is(err, transport.ErrNotConnected) {
		t.Fatalf("send after revocation err = %v, want ErrNotConnected", err)
	}
}

func TestClassify(t *testing.T) {
	if err := classify(nil); err != nil {
		t.Fatalf("classify(nil) = %v", err)
	}
	if err := classify(context.DeadlineExceeded); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("deadline lost: %v", err)
	}
	err := classify(errors.New("connection reset"))
	if errors.Is(err, transport.ErrRecipientUnreachable) || errors.Is(err, transport.ErrCredentialsInvalid) {
		t.Fatalf("generic error misclassified: %v", err)
	}
}
