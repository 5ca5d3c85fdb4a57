package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	logx "promodispatch/pkg/logx"
)

// fileStore keeps everything in memory and persists through append-only files.
//
// Files:
//   - <prefix>.messages.snapshot.json (written by Compact)
//   - <prefix>.messages.journal.jsonl (one full message per write)
//   - <prefix>.outcomes.jsonl         (append-only ledger)
//
// Compact folds the journal into the snapshot and truncates it.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	snapshotPath string
	journal      *os.File
	outcomesFile *os.File

	messages map[string]Message
	outcomes map[string][]Outcome
	seq      int64

	journalWrites int
}

// compactEvery bounds journal growth between scheduled compactions.
const compactEvery = 1000

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{
		log:          log,
		snapshotPath: prefix + ".messages.snapshot.json",
		messages:     map[string]Message{},
		outcomes:     map[string][]Outcome{},
	}
	journalPath := prefix + ".messages.journal.jsonl"
	outcomesPath := prefix + ".outcomes.jsonl"

	if err := s.loadSnapshot(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	if err := replayLines(journalPath, func(b []byte) {
		var m Message
		if json.Unmarshal(b, &m) == nil && m.ID != "" {
			s.messages[m.ID] = m
		}
	}); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	if err := replayLines(outcomesPath, func(b []byte) {
		var o Outcome
		if json.Unmarshal(b, &o) == nil && o.MessageID != "" {
			s.outcomes[o.MessageID] = append(s.outcomes[o.MessageID], o)
			if o.Seq > s.seq {
				s.seq = o.Seq
			}
		}
	}); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	of, err := os.OpenFile(outcomesPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		_ = jf.Close()
		return nil, err
	}
	s.journal = jf
	s.outcomesFile = of

	log.Debug("file store opened", logx.String("prefix", prefix), logx.Int("messages", len(s.messages)))
	return s, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	if s.journal != nil {
		errs = append(errs, s.journal.Close())
		s.journal = nil
	}
	if s.outcomesFile != nil {
		errs = append(errs, s.outcomesFile.Close())
		s.outcomesFile = nil
	}
	return errors.Join(errs...)
}

func (s *fileStore) InsertMessage(_ context.Context, m Message) (Message, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return Message{}, false, ErrClosed
	}
	if cur, ok := s.messages[m.ID]; ok {
		return cloneMessage(cur), false, nil
	}
	if err := s.writeMessageLocked(m); err != nil {
		return Message{}, false, err
	}
	return cloneMessage(m), true, nil
}

func (s *fileStore) GetMessage(_ context.Context, id string) (Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return Message{}, ErrClosed
	}
	m, ok := s.messages[id]
	if !ok {
		return Message{}, ErrNotFound
	}
	return cloneMessage(m), nil
}

func (s *fileStore) UpdateMessage(_ context.Context, m Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return ErrClosed
	}
	if _, ok := s.messages[m.ID]; !ok {
		return ErrNotFound
	}
	return s.writeMessageLocked(m)
}

func (s *fileStore) ListMessages(_ context.Context, statuses ...Status) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
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

func (s *fileStore) AppendOutcome(_ context.Context, o Outcome) (Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return Outcome{}, ErrClosed
	}
	o.Seq = s.seq + 1
	if err := appendJSONLine(s.outcomesFile, o); err != nil {
		return Outcome{}, err
	}
	s.seq = o.Seq
	s.outcomes[o.MessageID] = append(s.outcomes[o.MessageID], o)
	return o, nil
}

func (s *fileStore) ListOutcomes(_ context.Context, messageID string) ([]Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil, ErrClosed
	}
	return append([]Outcome(nil), s.outcomes[messageID]...), nil
}

func (s *fileStore) LastOutcome(_ context.Context, messageID string) (Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return Outcome{}, ErrClosed
	}
	hist := s.outcomes[messageID]
	if len(hist) == 0 {
		return Outcome{}, ErrNotFound
	}
	return hist[len(hist)-1], nil
}

func (s *fileStore) Compact(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return ErrClosed
	}
	return s.compactLocked()
}

func (s *fileStore) writeMessageLocked(m Message) error {
	if err := appendJSONLine(s.journal, m); err != nil {
		return err
	}
	s.messages[m.ID] = cloneMessage(m)
	s.journalWrites++
	if s.journalWrites%compactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("journal compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) compactLocked() error {
	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.messages); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	_, err = s.journal.Seek(0, io.SeekEnd)
	return err
}

func (s *fileStore) loadSnapshot() error {
	f, err := os.Open(s.snapshotPath)
	if err != nil {
		return err
	}
	defer f.Close()
	var m map[string]Message
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return err
	}
	for k, v := range m {
		s.messages[k] = v
	}
	return nil
}

// appendJSONLine writes v as one line and syncs it to disk.
func appendJSONLine(f *os.File, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	b = append(b, '\n')
	if _, err := f.Write(b); err != nil {
		return err
	}
	return f.Sync()
}

// replayLines calls fn for every line; a torn last line is skipped.
func replayLines(path string, fn func([]byte)) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		if len(sc.Bytes()) > 0 {
			fn(sc.Bytes())
		}
	}
	return sc.Err()
}
