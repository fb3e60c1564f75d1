package dedup

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// SQLiteStore keeps message ids in the message_ledger table so redeliveries
// that arrive after a restart are still caught.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger

	stop chan struct{}
	wg   sync.WaitGroup
	once sync.Once

	// Now is the clock used for expiry columns.
	Now func() time.Time
}

// NewSQLiteStore wraps a database opened by storage.OpenSQLite. When
// pruneEvery is positive a background loop deletes expired rows.
func NewSQLiteStore(db *sql.DB, pruneEvery time.Duration, logger *slog.Logger) *SQLiteStore {
	s := &SQLiteStore{
		db:     db,
		logger: logger,
		stop:   make(chan struct{}),
		Now:    time.Now,
	}
	if pruneEvery > 0 {
		s.wg.Add(1)
		go s.pruneLoop(pruneEvery)
	}
	return s
}

func (s *SQLiteStore) Seen(ctx context.Context, id string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		"SELECT 1 FROM message_ledger WHERE message_id = ? AND expires_at > ?;",
		id, s.Now().UnixMilli(),
	).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read message ledger: %w", err)
	}
	return true, nil
}

func (s *SQLiteStore) Claim(ctx context.Context, id string, window time.Duration) (bool, error) {
	now := s.Now().UnixMilli()
	res, err := s.db.ExecContext(ctx, `
INSERT INTO message_ledger(message_id, received_at, expires_at)
VALUES(?, ?, ?)
ON CONFLICT(message_id) DO UPDATE SET
  received_at = excluded.received_at,
  expires_at = excluded.expires_at
WHERE message_ledger.expires_at <= excluded.received_at;
`, id, now, now+window.Milliseconds())
	if err != nil {
		return false, fmt.Errorf("claim message ledger: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim message ledger: %w", err)
	}
	return n == 1, nil
}

// Prune deletes expired rows and returns how many were removed.
func (s *SQLiteStore) Prune(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM message_ledger WHERE expires_at <= ?;", s.Now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune message ledger: %w", err)
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) pruneLoop(every time.Duration) {
	defer s.wg.Done()
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			n, err := s.Prune(context.Background())
			if err != nil {
				s.logger.Warn("message ledger prune failed", "error", err)
				continue
			}
			if n > 0 {
				s.logger.Debug("message ledger pruned", "rows", n)
			}
		}
	}
}

// Close stops the prune loop and closes the database.
func (s *SQLiteStore) Close() error {
	var err error
	s.once.Do(func() {
		close(s.stop)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

var _ Store = (*SQLiteStore)(nil)
