// Package telegram is the Bot API transport.
//
// Credentials are a bot token. An empty token is the "not paired" state: Connect
// issues a challenge asking the operator to supply one, and Pair completes it.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"

	rtsup "promodispatch/internal/runtime/supervisor"
	"promodispatch/internal/transport"
	logx "promodispatch/pkg/logx"
)

const pairingChallenge = "set transport.telegram.token (or $PROMODISPATCH_TELEGRAM_TOKEN) to a bot token from @BotFather"

type Config struct {
	Token string
	// Timeout bounds each Bot API request.
	Timeout time.Duration
	// HealthInterval is how often a connected client probes getMe. 0 disables probing.
	HealthInterval time.Duration
	// URL overrides the Bot API endpoint.
	URL string
}

type Client struct {
	log logx.Logger

	mu         sync.Mutex
	cfg        Config
	bot        *tele.Bot
	sup        *rtsup.Supervisor
	outq       chan transport.Event
	probeStop  context.CancelFunc
	probeEpoch uint64
}

func New(cfg Config, log logx.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Client{cfg: cfg, log: log.With(logx.String("comp", "transport.telegram"))}
}

func (c *Client) Connect(ctx context.Context, events chan<- transport.Event) error {
	c.mu.Lock()
	if c.sup == nil {
		// Events are forwarded in order by a single goroutine owned by the client.
		c.sup = rtsup.New(context.WithoutCancel(ctx), rtsup.WithLogger(c.log))
		c.outq = make(chan transport.Event, 16)
		outq := c.outq
		c.sup.Go0("telegram.events", func(ctx context.Context) {
			for {
				select {
				case <-ctx.Done():
					return
				case ev := <-outq:
					transport.Emit(ctx, events, ev)
				}
			}
		})
	}
	token := strings.TrimSpace(c.cfg.Token)
	c.mu.Unlock()

	if token == "" {
		c.log.Warn("telegram token missing; waiting for pairing")
		c.enqueue(transport.Event{Kind: transport.EventAuthChallengeIssued, Challenge: pairingChallenge})
		return nil
	}
	return c.login(ctx, token)
}

// Pair installs a new token and re-authenticates with it.
func (c *Client) Pair(ctx context.Context, token string) error {
	token = strings.TrimSpace(token)
	c.mu.Lock()
	if token == strings.TrimSpace(c.cfg.Token) && c.bot != nil {
		c.mu.Unlock()
		return nil
	}
	c.cfg.Token = token
	connected := c.sup != nil
	c.mu.Unlock()

	if !connected {
		return nil
	}
	if token == "" {
		c.setBot(nil)
		c.enqueue(
			transport.Event{Kind: transport.EventCredentialsInvalidated, Reason: "token removed"},
			transport.Event{Kind: transport.EventAuthChallengeIssued, Challenge: pairingChallenge},
		)
		return nil
	}
	return c.login(ctx, token)
}

func (c *Client) login(ctx context.Context, token string) error {
	c.mu.Lock()
	settings := tele.Settings{
		Token:  token,
		URL:    c.cfg.URL,
		Client: &http.Client{Timeout: c.cfg.Timeout},
	}
	c.mu.Unlock()

	// NewBot authenticates with getMe.
	bot, err := call(ctx, func() (*tele.Bot, error) { return tele.NewBot(settings) })
	if err = classify(err); err != nil {
		if errors.Is(err, transport.ErrCredentialsInvalid) {
			c.log.Warn("telegram token rejected")
			c.invalidate(nil, "token rejected")
		}
		return err
	}

	c.setBot(bot)
	c.log.Info("telegram authenticated", logx.String("bot", bot.Me.Username))
	c.enqueue(transport.Event{Kind: transport.EventAuthenticated, Reason: "getMe ok"})
	return nil
}

// setBot swaps the active bot and (re)starts the health probe for it.
func (c *Client) setBot(bot *tele.Bot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.probeStop != nil {
		c.probeStop()
		c.probeStop = nil
	}
	c.bot = bot
	if bot == nil || c.sup == nil || c.cfg.HealthInterval <= 0 {
		return
	}
	pctx, cancel := context.WithCancel(c.sup.Context())
	c.probeStop = cancel
	c.probeEpoch++
	every := c.cfg.HealthInterval
	c.sup.Go0("telegram.probe."+strconv.FormatUint(c.probeEpoch, 10), func(context.Context) {
		c.probe(pctx, bot, every)
	})
}

// probe reports Disconnected or CredentialsInvalidated once getMe starts failing.
func (c *Client) probe(ctx context.Context, bot *tele.Bot, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		_, err := call(ctx, func() ([]byte, error) { return bot.Raw("getMe", nil) })
		err = classify(err)
		switch {
		case err == nil:
			continue
		case ctx.Err() != nil:
			return
		case errors.Is(err, transport.ErrCredentialsInvalid):
			c.invalidate(bot, err.Error())
		default:
			c.enqueue(transport.Event{Kind: transport.EventDisconnected, Reason: err.Error()})
		}
		return
	}
}

func (c *Client) Send(ctx context.Context, to string, payload []byte) (transport.Ack, error) {
	c.mu.Lock()
	bot := c.bot
	c.mu.Unlock()
	if bot == nil {
		return transport.Ack{}, transport.ErrNotConnected
	}

	chatID, err := strconv.ParseInt(strings.TrimSpace(to), 10, 64)
	if err != nil || chatID == 0 {
		return transport.Ack{}, fmt.Errorf("telegram: bad chat id %q: %w", to, transport.ErrRecipientUnreachable)
	}

	msg, err := call(ctx, func() (*tele.Message, error) {
		return bot.Send(&tele.Chat{ID: chatID}, string(payload), &tele.SendOptions{DisableWebPagePreview: true})
	})
	if err = classify(err); err != nil {
		if errors.Is(err, transport.ErrCredentialsInvalid) {
			c.log.Warn("telegram token revoked during send")
			c.invalidate(bot, err.Error())
		}
		return transport.Ack{}, err
	}
	return transport.Ack{Ref: strconv.Itoa(msg.ID), At: time.Now()}, nil
}

// invalidate drops bot and asks the operator to pair again. A nil bot drops
// whatever is active; a bot that was already replaced by Pair is ignored.
func (c *Client) invalidate(bot *tele.Bot, reason string) {
	c.mu.Lock()
	stale := bot != nil && c.bot != bot
	c.mu.Unlock()
	if stale {
		return
	}
	c.setBot(nil)
	c.enqueue(
		transport.Event{Kind: transport.EventCredentialsInvalidated, Reason: reason},
		transport.Event{Kind: transport.EventAuthChallengeIssued, Challenge: pairingChallenge},
	)
}

func (c *Client) Close(ctx context.Context) error {
	c.setBot(nil)
	c.mu.Lock()
	sup := c.sup
	c.sup = nil
	c.outq = nil
	c.mu.Unlock()
	if sup != nil {
		return sup.Stop(ctx)
	}
	return nil
}

// enqueue hands events to the forwarder without blocking the caller.
func (c *Client) enqueue(evs ...transport.Event) {
	c.mu.Lock()
	outq := c.outq
	c.mu.Unlock()
	if outq == nil {
		return
	}
	for _, ev := range evs {
		if ev.At.IsZero() {
			ev.At = time.Now()
		}
		select {
		case outq <- ev:
		default:
			c.log.Warn("transport event dropped (queue full)", logx.String("kind", string(ev.Kind)))
		}
	}
}

// call runs fn but returns as soon as ctx ends. telebot calls take no context.
func call[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn()
		ch <- result{v, err}
	}()
	select {
	case r := <-ch:
		return r.v, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// classify maps Bot API errors onto transport sentinels.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return err
	case errors.Is(err, tele.ErrUnauthorized):
		return fmt.Errorf("telegram: %w: %v", transport.ErrCredentialsInvalid, err)
	case errors.Is(err, tele.ErrChatNotFound),
		errors.Is(err, tele.ErrBlockedByUser),
		errors.Is(err, tele.ErrUserIsDeactivated),
		errors.Is(err, tele.ErrNotStartedByUser),
		errors.Is(err, tele.ErrKickedFromGroup):
		return fmt.Errorf("telegram: %w: %v", transport.ErrRecipientUnreachable, err)
	}
	return fmt.Errorf("telegram: %w", err)
}
