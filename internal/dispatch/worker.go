// Package dispatch moves messages from the outbox through a session.
//
// A Worker is the single consumer of one session: it waits for Ready, asks the
// limiter for admission, makes one attempt and turns the result into a status
// transition plus a ledger entry. No error leaves the worker.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"promodispatch/internal/eventbus"
	"promodispatch/internal/ledger"
	"promodispatch/internal/outbox"
	"promodispatch/internal/ratelimit"
	rtsup "promodispatch/internal/runtime/supervisor"
	"promodispatch/internal/session"
	"promodispatch/internal/storage"
	"promodispatch/internal/transport"
	logx "promodispatch/pkg/logx"
)

// ErrRateLimited is recorded when the limiter rejects an attempt.
var ErrRateLimited = errors.New("dispatch: rate limited")

// Session is the part of *session.Session a worker uses.
type Session interface {
	Bind() error
	Watch() (session.State, <-chan struct{})
	TrySend(ctx context.Context, recipient string, payload []byte) (transport.Ack, error)
}

// Admitter is the part of *ratelimit.Limiter a worker uses. A ticket is
// refunded when the attempt never reached the transport.
type Admitter interface {
	Reserve(recipient string) (*ratelimit.Ticket, bool)
	Refund(t *ratelimit.Ticket)
}

type Config struct {
	// RateLimitedDelay reschedules a message the limiter rejected. Default 5s.
	RateLimitedDelay time.Duration
	// NotReadyDelay reschedules a message whose session stopped being ready. Default 5s.
	NotReadyDelay time.Duration
	// StoreRetryDelay paces retries after a store write failed. Default 1s.
	StoreRetryDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.RateLimitedDelay <= 0 {
		c.RateLimitedDelay = 5 * time.Second
	}
	if c.NotReadyDelay <= 0 {
		c.NotReadyDelay = 5 * time.Second
	}
	if c.StoreRetryDelay <= 0 {
		c.StoreRetryDelay = time.Second
	}
	return c
}

// Result is published on the dispatch.* topics.
type Result struct {
	ID        string         `json:"id"`
	Recipient string         `json:"recipient"`
	Status    storage.Status `json:"status"`
	Attempt   int            `json:"attempt"`
	Error     string         `json:"error,omitempty"`
	Took      time.Duration  `json:"took"`
	Retry     time.Time      `json:"retry,omitempty"`
}

type Worker struct {
	queue   *outbox.Queue
	sess    Session
	limiter Admitter
	ledger  *ledger.Ledger
	bus     eventbus.Bus
	log     logx.Logger

	mu  sync.Mutex
	cfg Config
	sup *rtsup.Supervisor

	stopDone chan struct{}
}

// NewWorker binds the worker to sess. A session accepts only one worker.
func NewWorker(q *outbox.Queue, sess Session, lim Admitter, led *ledger.Ledger, cfg Config, log logx.Logger, bus eventbus.Bus) (*Worker, error) {
	if err := sess.Bind(); err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Worker{
		queue:   q,
		sess:    sess,
		limiter: lim,
		ledger:  led,
		bus:     bus,
		log:     log.With(logx.String("comp", "dispatch.worker")),
		cfg:     cfg.withDefaults(),
	}, nil
}

func (w *Worker) SetConfig(cfg Config) {
	w.mu.Lock()
	w.cfg = cfg.withDefaults()
	w.mu.Unlock()
}

func (w *Worker) config() Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cfg
}

func (w *Worker) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.sup != nil {
		return
	}
	w.sup = rtsup.New(ctx, rtsup.WithLogger(w.log))
	w.stopDone = make(chan struct{})
	done := w.stopDone
	w.sup.Go0("dispatch.loop", func(ctx context.Context) {
		defer close(done)
		w.run(ctx)
	})
	w.log.Info("worker started")
}

// Stop asks the loop to exit and waits. An attempt already handed to the
// session runs to completion (bounded by the session's send timeout).
func (w *Worker) Stop(ctx context.Context) error {
	w.mu.Lock()
	sup := w.sup
	w.sup = nil
	w.mu.Unlock()
	if sup == nil {
		return nil
	}
	err := sup.Stop(ctx)
	w.log.Info("worker stopped", logx.Err(err))
	return err
}

func (w *Worker) run(ctx context.Context) {
	defer w.flush(context.WithoutCancel(ctx))
	for {
		if ctx.Err() != nil {
			return
		}
		w.flush(ctx)
		st, changed := w.sess.Watch()
		switch st.Phase {
		case session.Closed:
			w.log.Info("session closed; worker exiting")
			return
		case session.Ready:
		default:
			select {
			case <-ctx.Done():
				return
			case <-changed:
			}
			continue
		}

		m, ok := w.queue.Next(time.Now())
		if !ok {
			w.sleep(ctx, changed)
			continue
		}
		w.process(ctx, m)
	}
}

// flush retries outcomes the queue could not persist.
func (w *Worker) flush(ctx context.Context) {
	if w.queue.Unsaved() == 0 {
		return
	}
	if err := w.queue.Flush(ctx); err != nil {
		w.log.Warn("held outcomes still not persisted", logx.Int("held", w.queue.Unsaved()), logx.Err(err))
	}
}

// sleep returns on a new enqueue, the earliest retry time, a phase change,
// a pending flush or shutdown.
func (w *Worker) sleep(ctx context.Context, changed <-chan struct{}) {
	var timerC, retryC <-chan time.Time
	if at, ok := w.queue.NextWakeup(); ok {
		t := time.NewTimer(time.Until(at))
		defer t.Stop()
		timerC = t.C
	}
	if w.queue.Unsaved() > 0 {
		t := time.NewTimer(w.config().StoreRetryDelay)
		defer t.Stop()
		retryC = t.C
	}
	select {
	case <-ctx.Done():
	case <-changed:
	case <-w.queue.Wake():
	case <-timerC:
	case <-retryC:
	}
}

func (w *Worker) pause(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// saved reports whether the outcome of op can be acted on. A held outcome
// counts: the queue already applied it and will persist it on Flush.
func saved(log logx.Logger, op string, err error) bool {
	switch {
	case err == nil:
		return true
	case errors.Is(err, outbox.ErrUnsaved):
		log.Warn(op+" not persisted; holding outcome", logx.Err(err))
		return true
	default:
		log.Error(op+" failed", logx.Err(err))
		return false
	}
}

func (w *Worker) process(ctx context.Context, m outbox.Message) {
	// Bookkeeping and the send itself must survive shutdown.
	bg := context.WithoutCancel(ctx)
	cfg := w.config()
	log := w.log.With(logx.String("id", m.ID), logx.String("recipient", m.Recipient))

	m, err := w.queue.Claim(bg, m.ID)
	if err != nil {
		log.Error("claim failed", logx.Err(err), logx.Duration("retry_in", cfg.StoreRetryDelay))
		w.pause(ctx, cfg.StoreRetryDelay)
		return
	}

	var ticket *ratelimit.Ticket
	if w.limiter != nil {
		t, ok := w.limiter.Reserve(m.Recipient)
		if !ok {
			w.deferred(bg, log, m, cfg.RateLimitedDelay, ErrRateLimited)
			return
		}
		ticket = t
	}

	start := time.Now()
	_, sendErr := w.sess.TrySend(bg, m.Recipient, m.Payload)
	took := time.Since(start)

	switch {
	case sendErr == nil:
		done, err := w.queue.Complete(bg, m.ID)
		if !saved(log, "complete", err) {
			return
		}
		w.record(bg, log, done, storage.StatusDelivered, nil)
		log.Info("delivered", logx.Int("attempt", done.AttemptCount), logx.Duration("took", took))
		w.publish(eventbus.TopicDelivered, done, storage.StatusDelivered, nil, took)

	case errors.Is(sendErr, session.ErrRecipientUnreachable):
		done, err := w.queue.Abandon(bg, m.ID, sendErr)
		if !saved(log, "abandon", err) {
			return
		}
		w.record(bg, log, done, storage.StatusAbandoned, sendErr)
		log.Warn("recipient unreachable; abandoned", logx.Err(sendErr))
		w.publish(eventbus.TopicAbandoned, done, storage.StatusAbandoned, sendErr, took)

	case errors.Is(sendErr, session.ErrNotReady), errors.Is(sendErr, session.ErrAuthExpired):
		// Nothing was delivered, so the admission is given back.
		if w.limiter != nil {
			w.limiter.Refund(ticket)
		}
		w.deferred(bg, log, m, cfg.NotReadyDelay, sendErr)

	default:
		// Timeout, transport failure or anything unclassified counts as an attempt.
		next, err := w.queue.Requeue(bg, m.ID, sendErr)
		if !saved(log, "requeue", err) {
			return
		}
		if next.Status == storage.StatusAbandoned {
			cause := fmt.Errorf("retry ceiling reached after %d attempts: %w", next.AttemptCount, sendErr)
			w.record(bg, log, next, storage.StatusAbandoned, cause)
			log.Warn("retry ceiling reached; abandoned", logx.Int("attempt", next.AttemptCount), logx.Err(sendErr))
			w.publish(eventbus.TopicAbandoned, next, storage.StatusAbandoned, cause, took)
			return
		}
		w.record(bg, log, next, storage.StatusFailed, sendErr)
		log.Warn("attempt failed; retry scheduled",
			logx.Int("attempt", next.AttemptCount),
			logx.Time("retry_at", next.NextEligibleAt),
			logx.Err(sendErr),
		)
		w.publish(eventbus.TopicRetry, next, storage.StatusFailed, sendErr, took)
	}
}

func (w *Worker) deferred(ctx context.Context, log logx.Logger, m outbox.Message, delay time.Duration, cause error) {
	next, err := w.queue.Defer(ctx, m.ID, delay, cause.Error())
	if !saved(log, "defer", err) {
		return
	}
	w.record(ctx, log, next, storage.StatusPending, cause)
	log.Debug("deferred", logx.Duration("delay", delay), logx.Err(cause))
	w.publish(eventbus.TopicDeferred, next, storage.StatusPending, cause, 0)
}

func (w *Worker) record(ctx context.Context, log logx.Logger, m outbox.Message, status storage.Status, cause error) {
	if w.ledger == nil {
		return
	}
	if _, err := w.ledger.Record(ctx, m.ID, ledger.Entry{Status: status, Attempt: m.AttemptCount, Err: cause}); err != nil {
		log.Error("ledger record failed", logx.String("status", string(status)), logx.Err(err))
	}
}

func (w *Worker) publish(topic string, m outbox.Message, status storage.Status, cause error, took time.Duration) {
	if w.bus == nil {
		return
	}
	r := Result{ID: m.ID, Recipient: m.Recipient, Status: status, Attempt: m.AttemptCount, Took: took}
	if cause != nil {
		r.Error = cause.Error()
	}
	if status == storage.StatusPending || status == storage.StatusFailed {
		r.Retry = m.NextEligibleAt
	}
	w.bus.Publish(eventbus.Event{Type: topic, Data: r})
}
