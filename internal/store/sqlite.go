package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/rmacdonaldsmith/websub-hub-go/pkg/subscription"
)

const schema = `
CREATE TABLE IF NOT EXISTS subscriptions (
	id TEXT PRIMARY KEY,
	topic TEXT NOT NULL,
	topic_query TEXT,
	callback_url TEXT NOT NULL,
	callback_query TEXT,
	protocol TEXT NOT NULL,
	mode TEXT NOT NULL,
	lease_seconds INTEGER NOT NULL,
	lease_end_at INTEGER NOT NULL,
	secret TEXT,
	format TEXT NOT NULL DEFAULT 'json',
	use_socket INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	UNIQUE(topic, callback_url)
);

CREATE INDEX IF NOT EXISTS idx_subscriptions_lease_end_at ON subscriptions(lease_end_at);
CREATE INDEX IF NOT EXISTS idx_subscriptions_topic ON subscriptions(topic);
`

const selectColumns = `id, topic, topic_query, callback_url, callback_query, protocol, mode,
	lease_seconds, lease_end_at, secret, format, use_socket, created_at, updated_at`

// SQLiteStore implements subscription.Store on a SQLite database file.
// Times are stored as Unix nanoseconds so lease comparisons stay in SQL.
type SQLiteStore struct {
	db   *sql.DB
	path string
	now  func() time.Time

	closeOnce sync.Once
	closeErr  error
}

// NewSQLiteStore opens (creating if needed) the database at dbPath and ensures the schema exists.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dbPath == "" {
		return nil, errors.New("sqlite store: path is required")
	}

	if dir := filepath.Dir(dbPath); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("sqlite store: create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("sqlite store: open: %w", err)
	}
	// a single writer avoids SQLITE_BUSY between the hub and the sweeper
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite store: initialize schema: %w", err)
	}

	log.Infow("opened subscription database", "path", dbPath)

	return &SQLiteStore{db: db, path: dbPath, now: time.Now}, nil
}

// Exists reports whether an active subscription matches key.
func (s *SQLiteStore) Exists(ctx context.Context, key subscription.Key) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM subscriptions WHERE topic = ? AND callback_url = ? AND lease_end_at > ?`,
		key.Topic, key.CallbackURL, s.now().UnixNano(),
	).Scan(&n)
	if err != nil {
		return false, s.wrap(err)
	}
	return n > 0, nil
}

// Get returns the active subscription for key.
func (s *SQLiteStore) Get(ctx context.Context, key subscription.Key) (*subscription.Subscription, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+selectColumns+` FROM subscriptions WHERE topic = ? AND callback_url = ? AND lease_end_at > ?`,
		key.Topic, key.CallbackURL, s.now().UnixNano(),
	)
	sub, err := scanSubscription(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, subscription.ErrNotFound
	}
	if err != nil {
		return nil, s.wrap(err)
	}
	return sub, nil
}

// Create inserts sub. An expired row with the same key is purged first; an active one yields ErrConflict.
func (s *SQLiteStore) Create(ctx context.Context, sub *subscription.Subscription) error {
	topicQuery, err := encodeQuery(sub.TopicQuery)
	if err != nil {
		return err
	}
	callbackQuery, err := encodeQuery(sub.CallbackQuery)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return s.wrap(err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM subscriptions WHERE topic = ? AND callback_url = ? AND lease_end_at <= ?`,
		sub.Topic, sub.CallbackURL, s.now().UnixNano(),
	); err != nil {
		return s.wrap(err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO subscriptions (`+selectColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sub.ID,
		sub.Topic,
		topicQuery,
		sub.CallbackURL,
		callbackQuery,
		sub.Protocol,
		string(sub.Mode),
		sub.LeaseSeconds,
		sub.LeaseEndAt.UnixNano(),
		sub.Secret,
		string(sub.Format),
		sub.UseSocket,
		sub.CreatedAt.UnixNano(),
		sub.UpdatedAt.UnixNano(),
	)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
			return subscription.ErrConflict
		}
		return s.wrap(err)
	}

	return tx.Commit()
}

// Renew extends the lease of the active subscription for key from now.
func (s *SQLiteStore) Renew(ctx context.Context, key subscription.Key, opts subscription.RenewOptions) (*subscription.Subscription, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, s.wrap(err)
	}
	defer tx.Rollback()

	now := s.now()
	row := tx.QueryRowContext(ctx,
		`SELECT `+selectColumns+` FROM subscriptions WHERE topic = ? AND callback_url = ? AND lease_end_at > ?`,
		key.Topic, key.CallbackURL, now.UnixNano(),
	)
	sub, err := scanSubscription(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, subscription.ErrNotFound
	}
	if err != nil {
		return nil, s.wrap(err)
	}

	applyRenewal(sub, opts, now)

	topicQuery, err := encodeQuery(sub.TopicQuery)
	if err != nil {
		return nil, err
	}
	callbackQuery, err := encodeQuery(sub.CallbackQuery)
	if err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE subscriptions
		SET topic_query = ?, callback_query = ?, lease_seconds = ?, lease_end_at = ?, secret = ?, format = ?, use_socket = ?, updated_at = ?
		WHERE id = ?`,
		topicQuery,
		callbackQuery,
		sub.LeaseSeconds,
		sub.LeaseEndAt.UnixNano(),
		sub.Secret,
		string(sub.Format),
		sub.UseSocket,
		sub.UpdatedAt.UnixNano(),
		sub.ID,
	)
	if err != nil {
		return nil, s.wrap(err)
	}

	if err := tx.Commit(); err != nil {
		return nil, s.wrap(err)
	}
	return sub, nil
}

// Delete removes the subscription for key and reports whether an active one was removed.
func (s *SQLiteStore) Delete(ctx context.Context, key subscription.Key) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, s.wrap(err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`DELETE FROM subscriptions WHERE topic = ? AND callback_url = ? AND lease_end_at > ?`,
		key.Topic, key.CallbackURL, s.now().UnixNano(),
	)
	if err != nil {
		return false, s.wrap(err)
	}
	removed, err := res.RowsAffected()
	if err != nil {
		return false, s.wrap(err)
	}

	// expired leftovers go too
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM subscriptions WHERE topic = ? AND callback_url = ?`,
		key.Topic, key.CallbackURL,
	); err != nil {
		return false, s.wrap(err)
	}

	if err := tx.Commit(); err != nil {
		return false, s.wrap(err)
	}
	return removed > 0, nil
}

// ListActive returns all active subscriptions for topic ordered by creation time.
func (s *SQLiteStore) ListActive(ctx context.Context, topic string) ([]*subscription.Subscription, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+selectColumns+` FROM subscriptions
		WHERE topic = ? AND lease_end_at > ?
		ORDER BY created_at, id`,
		topic, s.now().UnixNano(),
	)
	if err != nil {
		return nil, s.wrap(err)
	}
	defer rows.Close()

	result := make([]*subscription.Subscription, 0)
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, s.wrap(err)
		}
		result = append(result, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, s.wrap(err)
	}
	return result, nil
}

// ListAll returns a page of active subscriptions without secrets.
func (s *SQLiteStore) ListAll(ctx context.Context, skip, limit int) ([]subscription.Subscription, error) {
	if skip < 0 {
		skip = 0
	}
	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+selectColumns+` FROM subscriptions
		WHERE lease_end_at > ?
		ORDER BY created_at, id
		LIMIT ? OFFSET ?`,
		s.now().UnixNano(), limit, skip,
	)
	if err != nil {
		return nil, s.wrap(err)
	}
	defer rows.Close()

	page := make([]subscription.Subscription, 0)
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, s.wrap(err)
		}
		page = append(page, sub.Public())
	}
	if err := rows.Err(); err != nil {
		return nil, s.wrap(err)
	}
	return page, nil
}

// DeleteExpired removes every row whose lease ended at or before now.
func (s *SQLiteStore) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM subscriptions WHERE lease_end_at <= ?`, now.UnixNano())
	if err != nil {
		return 0, s.wrap(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, s.wrap(err)
	}
	return int(n), nil
}

// Ping checks that the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.wrap(s.db.PingContext(ctx))
}

// Close closes the database. Calling Close more than once is safe.
func (s *SQLiteStore) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.db.Close()
	})
	return s.closeErr
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string {
	return s.path
}

func (s *SQLiteStore) wrap(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrConnDone) || err.Error() == "sql: database is closed" {
		return subscription.ErrStoreClosed
	}
	return fmt.Errorf("sqlite store: %w", err)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSubscription(row rowScanner) (*subscription.Subscription, error) {
	var (
		sub                       subscription.Subscription
		topicQuery, callbackQuery sql.NullString
		secret                    sql.NullString
		mode, format              string
		leaseEndAt                int64
		createdAt, updatedAt      int64
	)

	err := row.Scan(
		&sub.ID,
		&sub.Topic,
		&topicQuery,
		&sub.CallbackURL,
		&callbackQuery,
		&sub.Protocol,
		&mode,
		&sub.LeaseSeconds,
		&leaseEndAt,
		&secret,
		&format,
		&sub.UseSocket,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	if sub.TopicQuery, err = decodeQuery(topicQuery); err != nil {
		return nil, err
	}
	if sub.CallbackQuery, err = decodeQuery(callbackQuery); err != nil {
		return nil, err
	}
	sub.Mode = subscription.Mode(mode)
	sub.Format = subscription.Format(format)
	sub.Secret = secret.String
	sub.LeaseEndAt = time.Unix(0, leaseEndAt).UTC()
	sub.CreatedAt = time.Unix(0, createdAt).UTC()
	sub.UpdatedAt = time.Unix(0, updatedAt).UTC()
	return &sub, nil
}

func encodeQuery(q map[string]string) (sql.NullString, error) {
	if len(q) == 0 {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(q)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("encode query: %w", err)
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func decodeQuery(s sql.NullString) (map[string]string, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	var q map[string]string
	if err := json.Unmarshal([]byte(s.String), &q); err != nil {
		return nil, fmt.Errorf("decode query: %w", err)
	}
	return q, nil
}

// Verify that SQLiteStore implements the Store interface at compile time
var _ subscription.Store = (*SQLiteStore)(nil)
