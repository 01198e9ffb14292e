// Package deadletter persists failed webhook payloads for redelivery.
// Webhook processing happens after the HTTP response is sent, so a
// failure there is invisible to the sender; the queue preserves the "ack
// fast" contract while making those failures recoverable.
package deadletter

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS webhook_queue (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    source      TEXT    NOT NULL,
    fingerprint TEXT    NOT NULL,
    payload     BLOB    NOT NULL,
    attempts    INTEGER NOT NULL DEFAULT 0,
    last_error  TEXT    NOT NULL DEFAULT '',
    due_time    TIMESTAMP NOT NULL,
    create_time TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_webhook_queue_due ON webhook_queue (due_time);
`

// Entry is one failed webhook awaiting redelivery.
type Entry struct {
	ID          int64     `db:"id"`
	Source      string    `db:"source"`
	Fingerprint string    `db:"fingerprint"`
	Payload     []byte    `db:"payload"`
	Attempts    int       `db:"attempts"`
	LastError   string    `db:"last_error"`
	DueTime     time.Time `db:"due_time"`
	CreateTime  time.Time `db:"create_time"`
}

// Store is the sqlite-backed queue.
type Store struct {
	db          *sqlx.DB
	maxAttempts int
	now         func() time.Time
}

// Open creates or opens the queue database at path. maxAttempts bounds
// redelivery; exhausted rows are kept for inspection but never retried.
func Open(path string, maxAttempts int) (*Store, error) {
	db, err := sqlx.Connect("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open dead letter store: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init dead letter schema: %w", err)
	}
	return &Store{db: db, maxAttempts: maxAttempts, now: time.Now}, nil
}

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

// Enqueue records a failed payload. The first redelivery attempt is due
// after one minute.
func (s *Store) Enqueue(ctx context.Context, source, fingerprint string, payload []byte, lastErr string) error {
	now := s.now().UTC()
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO webhook_queue (source, fingerprint, payload, attempts, last_error, due_time, create_time)
        VALUES (?, ?, ?, 1, ?, ?, ?)`,
		source, fingerprint, payload, lastErr, now.Add(time.Minute), now)
	if err != nil {
		return fmt.Errorf("enqueue dead letter: %w", err)
	}
	return nil
}

// Due returns entries ready for redelivery, oldest first.
func (s *Store) Due(ctx context.Context, limit int) ([]Entry, error) {
	var entries []Entry
	err := s.db.SelectContext(ctx, &entries, `
        SELECT id, source, fingerprint, payload, attempts, last_error, due_time, create_time
        FROM webhook_queue
        WHERE due_time <= ? AND attempts < ?
        ORDER BY create_time ASC
        LIMIT ?`,
		s.now().UTC(), s.maxAttempts, limit)
	if err != nil {
		return nil, fmt.Errorf("list due dead letters: %w", err)
	}
	return entries, nil
}

// Pending counts entries still awaiting redelivery, due or not.
func (s *Store) Pending(ctx context.Context) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM webhook_queue WHERE attempts < ?`, s.maxAttempts)
	if err != nil {
		return 0, fmt.Errorf("count pending dead letters: %w", err)
	}
	return n, nil
}

// Complete removes a successfully redelivered entry.
func (s *Store) Complete(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM webhook_queue WHERE id = ?`, id); err != nil {
		return fmt.Errorf("complete dead letter %d: %w", id, err)
	}
	return nil
}

// Fail records another failed attempt and pushes the due time out with
// linear backoff on the attempt count.
func (s *Store) Fail(ctx context.Context, id int64, attempts int, lastErr string) error {
	due := s.now().UTC().Add(time.Duration(attempts+1) * time.Minute)
	_, err := s.db.ExecContext(ctx, `
        UPDATE webhook_queue SET attempts = ?, last_error = ?, due_time = ? WHERE id = ?`,
		attempts+1, lastErr, due, id)
	if err != nil {
		return fmt.Errorf("fail dead letter %d: %w", id, err)
	}
	return nil
}

// Redeliver drains due entries through handler. Entries whose handler
// call succeeds are removed; the rest get another attempt recorded.
func (s *Store) Redeliver(ctx context.Context, limit int, handler func(ctx context.Context, source string, payload []byte) error) error {
	entries, err := s.Due(ctx, limit)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if err := handler(ctx, entry.Source, entry.Payload); err != nil {
			if err := s.Fail(ctx, entry.ID, entry.Attempts, err.Error()); err != nil {
				return err
			}
			continue
		}
		if err := s.Complete(ctx, entry.ID); err != nil {
			return err
		}
	}
	return nil
}
