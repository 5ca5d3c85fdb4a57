package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "promodispatch/pkg/logx"
)

//go:embed migrations.sql
var migrationSQL string

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

const messageColumns = `id, recipient, payload, enqueued_at, attempt_count, next_eligible_at, status, last_error, updated_at`

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// Single writer; also keeps per-id operations linearizable.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	pragmas := []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()),
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = FULL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlite %q: %w", p, err)
		}
	}

	st := &sqliteStore{db: db, log: log}
	if _, err := db.ExecContext(context.Background(), migrationSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	log.Debug("sqlite store opened", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) InsertMessage(ctx context.Context, m Message) (Message, bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO messages(`+messageColumns+`) VALUES(?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO NOTHING`,
		m.ID, m.Recipient, m.Payload, unixNano(m.EnqueuedAt), m.AttemptCount,
		unixNano(m.NextEligibleAt), string(m.Status), nullStr(m.LastError), unixNano(m.UpdatedAt),
	)
	if err != nil {
		return Message{}, false, err
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return cloneMessage(m), true, nil
	}
	cur, err := s.GetMessage(ctx, m.ID)
	return cur, false, err
}

func (s *sqliteStore) GetMessage(ctx context.Context, id string) (Message, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Message{}, ErrNotFound
	}
	return m, err
}

func (s *sqliteStore) UpdateMessage(ctx context.Context, m Message) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET recipient=?, payload=?, enqueued_at=?, attempt_count=?,
		 next_eligible_at=?, status=?, last_error=?, updated_at=? WHERE id=?`,
		m.Recipient, m.Payload, unixNano(m.EnqueuedAt), m.AttemptCount,
		unixNano(m.NextEligibleAt), string(m.Status), nullStr(m.LastError), unixNano(m.UpdatedAt), m.ID,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) ListMessages(ctx context.Context, statuses ...Status) ([]Message, error) {
	q := `SELECT ` + messageColumns + ` FROM messages`
	args := make([]any, 0, len(statuses))
	if len(statuses) > 0 {
		ph := make([]string, len(statuses))
		for i, st := range statuses {
			ph[i] = "?"
			args = append(args, string(st))
		}
		q += ` WHERE status IN (` + strings.Join(ph, ",") + `)`
	}
	q += ` ORDER BY enqueued_at, id`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *sqliteStore) AppendOutcome(ctx context.Context, o Outcome) (Outcome, error) {
	if o.At.IsZero() {
		o.At = time.Now()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO outcomes(message_id, status, attempt, err, at) VALUES(?,?,?,?,?)`,
		o.MessageID, string(o.Status), o.Attempt, nullStr(o.Error), unixNano(o.At),
	)
	if err != nil {
		return Outcome{}, err
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return Outcome{}, err
	}
	o.Seq = seq
	return o, nil
}

const outcomeColumns = `seq, message_id, status, attempt, err, at`

func (s *sqliteStore) ListOutcomes(ctx context.Context, messageID string) ([]Outcome, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+outcomeColumns+` FROM outcomes WHERE message_id = ? ORDER BY seq`,
		messageID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Outcome
	for rows.Next() {
		o, err := scanOutcome(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (s *sqliteStore) LastOutcome(ctx context.Context, messageID string) (Outcome, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+outcomeColumns+` FROM outcomes WHERE message_id = ? ORDER BY seq DESC LIMIT 1`,
		messageID,
	)
	o, err := scanOutcome(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Outcome{}, ErrNotFound
	}
	return o, err
}

func scanOutcome(r rowScanner) (Outcome, error) {
	var (
		o      Outcome
		status string
		errStr sql.NullString
		at     int64
	)
	if err := r.Scan(&o.Seq, &o.MessageID, &status, &o.Attempt, &errStr, &at); err != nil {
		return Outcome{}, err
	}
	o.Status = Status(status)
	o.Error = errStr.String
	o.At = fromUnixNano(at)
	return o, nil
}

// Compact checkpoints the WAL back into the main database file.
func (s *sqliteStore) Compact(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `PRAGMA wal_checkpoint(TRUNCATE)`)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(r rowScanner) (Message, error) {
	var (
		m                           Message
		status                      string
		lastErr                     sql.NullString
		enqueued, nextEligible, upd int64
	)
	if err := r.Scan(&m.ID, &m.Recipient, &m.Payload, &enqueued, &m.AttemptCount, &nextEligible, &status, &lastErr, &upd); err != nil {
		return Message{}, err
	}
	m.EnqueuedAt = fromUnixNano(enqueued)
	m.NextEligibleAt = fromUnixNano(nextEligible)
	m.UpdatedAt = fromUnixNano(upd)
	m.Status = Status(status)
	m.LastError = lastErr.String
	return m, nil
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.Unix(0, v)
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
