package storage

import (
	"context"
	"errors"
	"strings"

	logx "promodispatch/pkg/logx"
)

// Store is the persistence API used by the outbox and the ledger.
//
// Implementations are safe for concurrent use. Every write is synchronous:
// when a call returns nil the change survives a process crash (memory excepted).
type Store interface {
	// InsertMessage stores m unless a message with the same id exists.
	// It returns the stored message and whether m was inserted.
	InsertMessage(ctx context.Context, m Message) (Message, bool, error)
	GetMessage(ctx context.Context, id string) (Message, error)
	UpdateMessage(ctx context.Context, m Message) error
	// ListMessages returns messages in (EnqueuedAt, ID) order.
	// With no statuses it returns every message.
	ListMessages(ctx context.Context, statuses ...Status) ([]Message, error)

	// AppendOutcome assigns o.Seq and stores it.
	AppendOutcome(ctx context.Context, o Outcome) (Outcome, error)
	ListOutcomes(ctx context.Context, messageID string) ([]Outcome, error)
	// LastOutcome returns the newest outcome for messageID, or ErrNotFound.
	LastOutcome(ctx context.Context, messageID string) (Outcome, error)

	// Compact reclaims space (checkpoint, snapshot). Safe to call at any time.
	Compact(ctx context.Context) error
	Close() error
}

const DefaultPath = "./data/promodispatch.db"

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if log.IsZero() {
		log = logx.Nop()
	}
	if strings.TrimSpace(cfg.Path) == "" {
		cfg.Path = DefaultPath
	}
	log = log.With(logx.String("comp", "storage"), logx.String("driver", driver))

	switch driver {
	case "", "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "file":
		return openFile(cfg, log)
	case "memory":
		log.Warn("memory storage is not durable; messages are lost on exit")
		return NewMemory(), nil
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}

func matchStatus(s Status, statuses []Status) bool {
	if len(statuses) == 0 {
		return true
	}
	for _, want := range statuses {
		if s == want {
			return true
		}
	}
	return false
}

func cloneMessage(m Message) Message {
	if m.Payload != nil {
		m.Payload = append([]byte(nil), m.Payload...)
	}
	return m
}

// lessMessage orders by (EnqueuedAt, ID).
func lessMessage(a, b Message) bool {
	if !a.EnqueuedAt.Equal(b.EnqueuedAt) {
		return a.EnqueuedAt.Before(b.EnqueuedAt)
	}
	return a.ID < b.ID
}
