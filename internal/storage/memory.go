package storage

import (
	"context"
	"sort"
	"sync"
)

type memoryStore struct {
	mu       sync.Mutex
	closed   bool
	messages map[string]Message
	outcomes map[string][]Outcome
	seq      int64
}

// NewMemory returns a non-durable Store.
func NewMemory() Store {
	return &memoryStore{
		messages: map[string]Message{},
		outcomes: map[string][]Outcome{},
	}
}

func (s *memoryStore) InsertMessage(_ context.Context, m Message) (Message, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Message{}, false, ErrClosed
	}
	if cur, ok := s.messages[m.ID]; ok {
		return cloneMessage(cur), false, nil
	}
	s.messages[m.ID] = cloneMessage(m)
	return cloneMessage(m), true, nil
}

func (s *memoryStore) GetMessage(_ context.Context, id string) (Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Message{}, ErrClosed
	}
	m, ok := s.messages[id]
	if !ok {
		return Message{}, ErrNotFound
	}
	return cloneMessage(m), nil
}

func (s *memoryStore) UpdateMessage(_ context.Context, m Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if _, ok := s.messages[m.ID]; !ok {
		return ErrNotFound
	}
	s.messages[m.ID] = cloneMessage(m)
	return nil
}

func (s *memoryStore) ListMessages(_ context.Context, statuses ...Status) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	out := make([]Message, 0, len(s.messages))
	for _, m := range s.messages {
		if matchStatus(m.Status, statuses) {
			out = append(out, cloneMessage(m))
		}
	}
	sort.Slice(out, func(i, j int) bool { return lessMessage(out[i], out[j]) })
	return out, nil
}

func (s *memoryStore) AppendOutcome(_ context.Context, o Outcome) (Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Outcome{}, ErrClosed
	}
	s.seq++
	o.Seq = s.seq
	s.outcomes[o.MessageID] = append(s.outcomes[o.MessageID], o)
	return o, nil
}

func (s *memoryStore) ListOutcomes(_ context.Context, messageID string) ([]Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	return append([]Outcome(nil), s.outcomes[messageID]...), nil
}

func (s *memoryStore) LastOutcome(_ context.Context, messageID string) (Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Outcome{}, ErrClosed
	}
	hist := s.outcomes[messageID]
	if len(hist) == 0 {
		return Outcome{}, ErrNotFound
	}
	return hist[len(hist)-1], nil
}

func (s *memoryStore) Compact(context.Context) error { return nil }

func (s *memoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
