// Package sim is a development transport. It pairs with a generated code,
// authenticates after a delay and logs every send.
package sim

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"promodispatch/internal/transport"
	logx "promodispatch/pkg/logx"
)

// UnreachablePrefix marks recipients the simulator rejects as unreachable.
const UnreachablePrefix = "unreachable:"

type Config struct {
	AuthDelay time.Duration
}

type Client struct {
	cfg Config
	log logx.Logger

	mu     sync.Mutex
	paired bool
	cancel context.CancelFunc
	wg     sync.WaitGroup

	sent atomic.Uint64
}

func New(cfg Config, log logx.Logger) *Client {
	if cfg.AuthDelay <= 0 {
		cfg.AuthDelay = 2 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Client{cfg: cfg, log: log.With(logx.String("comp", "transport.sim"))}
}

func (c *Client) Connect(ctx context.Context, events chan<- transport.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		c.cancel()
	}
	lctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.cancel = cancel

	if c.paired {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			transport.Emit(lctx, events, transport.Event{Kind: transport.EventAuthenticated, Reason: "resumed"})
		}()
		return nil
	}

	code := uuid.NewString()
	c.log.Info("pairing challenge issued", logx.String("code", code), logx.Duration("auth_delay", c.cfg.AuthDelay))
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		transport.Emit(lctx, events, transport.Event{Kind: transport.EventAuthChallengeIssued, Challenge: code})
		t := time.NewTimer(c.cfg.AuthDelay)
		defer t.Stop()
		select {
		case <-lctx.Done():
			return
		case <-t.C:
		}
		c.mu.Lock()
		c.paired = true
		c.mu.Unlock()
		transport.Emit(lctx, events, transport.Event{Kind: transport.EventAuthenticated, Reason: "paired"})
	}()
	return nil
}

func (c *Client) Send(ctx context.Context, to string, payload []byte) (transport.Ack, error) {
	if err := ctx.Err(); err != nil {
		return transport.Ack{}, err
	}
	c.mu.Lock()
	paired := c.paired
	c.mu.Unlock()
	if !paired {
		return transport.Ack{}, transport.ErrCredentialsInvalid
	}
	to = strings.TrimSpace(to)
	if to == "" || strings.HasPrefix(to, UnreachablePrefix) {
		return transport.Ack{}, fmt.Errorf("sim: %q: %w", to, transport.ErrRecipientUnreachable)
	}
	n := c.sent.Add(1)
	c.log.Info("message sent", logx.String("to", to), logx.Int("bytes", len(payload)), logx.Uint64("seq", n))
	return transport.Ack{Ref: fmt.Sprintf("sim-%d", n), At: time.Now()}, nil
}

// Sent reports how many sends succeeded.
func (c *Client) Sent() uint64 { return c.sent.Load() }

func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
