package dispatch

import (
	"context"
	"time"

	"promodispatch/internal/eventbus"
	"promodispatch/internal/ledger"
	"promodispatch/internal/outbox"
	"promodispatch/internal/storage"
	logx "promodispatch/pkg/logx"
)

// StatusView is what callers see for a message.
type StatusView struct {
	ID             string         `json:"id"`
	Recipient      string         `json:"recipient"`
	Status         storage.Status `json:"status"`
	AttemptCount   int            `json:"attempt_count"`
	LastError      string         `json:"last_error,omitempty"`
	EnqueuedAt     time.Time      `json:"enqueued_at"`
	NextEligibleAt time.Time      `json:"next_eligible_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// NewStatusView projects a stored message.
func NewStatusView(m outbox.Message) StatusView {
	return StatusView{
		ID:             m.ID,
		Recipient:      m.Recipient,
		Status:         m.Status,
		AttemptCount:   m.AttemptCount,
		LastError:      m.LastError,
		EnqueuedAt:     m.EnqueuedAt,
		NextEligibleAt: m.NextEligibleAt,
		UpdatedAt:      m.UpdatedAt,
	}
}

// Service is the inbound API of the dispatcher. Enqueue never waits for the worker.
type Service struct {
	queue  *outbox.Queue
	ledger *ledger.Ledger
	bus    eventbus.Bus
	log    logx.Logger
}

func NewService(q *outbox.Queue, led *ledger.Ledger, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{queue: q, ledger: led, bus: bus, log: log.With(logx.String("comp", "dispatch"))}
}

// Enqueue accepts a message. Repeating an id is a no-op returning the current status.
func (s *Service) Enqueue(ctx context.Context, id, recipient string, payload []byte) (storage.Status, error) {
	m, inserted, err := s.queue.Enqueue(ctx, id, recipient, payload)
	if err != nil {
		return "", err
	}
	if inserted {
		s.log.Debug("enqueued", logx.String("id", m.ID), logx.String("recipient", m.Recipient))
		if s.bus != nil {
			s.bus.Publish(eventbus.Event{Type: eventbus.TopicEnqueued, Data: Result{ID: m.ID, Recipient: m.Recipient, Status: m.Status}})
		}
	}
	return m.Status, nil
}

func (s *Service) Status(ctx context.Context, id string) (StatusView, error) {
	m, err := s.queue.Get(ctx, id)
	if err != nil {
		return StatusView{}, err
	}
	return NewStatusView(m), nil
}

func (s *Service) History(ctx context.Context, id string) ([]ledger.Outcome, error) {
	return s.ledger.History(ctx, id)
}
