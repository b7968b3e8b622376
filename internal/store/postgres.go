package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"

	"github.com/osmtools/revertd/internal/userinfo"
)

const (
	postgresOperationTimeout = 5 * time.Second
	postgresQueryTimeout     = 30 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresStore implements ChangesetStore and StateStore on top of
// Postgres. The schema is created lazily on first use.
type PostgresStore struct {
	dsn    string
	openDB sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresStore{dsn: dsn, openDB: sql.Open}, nil
}

func (s *PostgresStore) ensureReady() error {
	s.initOnce.Do(func() {
		db, err := s.openDB("postgres", s.dsn)
		if err != nil {
			s.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		statements := []string{
			`CREATE TABLE IF NOT EXISTS changesets (
				id BIGINT PRIMARY KEY,
				uid BIGINT NOT NULL,
				username TEXT NOT NULL DEFAULT '',
				created_at TIMESTAMPTZ NOT NULL,
				closed_at TIMESTAMPTZ NOT NULL,
				open BOOLEAN NOT NULL,
				num_changes INTEGER NOT NULL,
				comments_count INTEGER NOT NULL,
				tags JSONB NOT NULL DEFAULT '{}'::jsonb,
				author JSONB
			)`,
			`CREATE INDEX IF NOT EXISTS changesets_closed_at_idx ON changesets (closed_at)`,
			`CREATE INDEX IF NOT EXISTS changesets_tags_idx ON changesets USING GIN (tags)`,
			`CREATE TABLE IF NOT EXISTS named_state (
				name TEXT PRIMARY KEY,
				doc JSONB NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`,
		}
		for _, statement := range statements {
			if _, err := db.ExecContext(ctx, statement); err != nil {
				_ = db.Close()
				s.initErr = err
				return
			}
		}
		s.db = db
	})
	return s.initErr
}

func (s *PostgresStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *PostgresStore) UpsertBatch(ctx context.Context, changesets []Changeset) error {
	if len(changesets) == 0 {
		return nil
	}
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresQueryTimeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	// Author snapshots are refreshed independently of replication, so
	// the upsert leaves the stored author untouched.
	const query = `
		INSERT INTO changesets (id, uid, username, created_at, closed_at, open, num_changes, comments_count, tags)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			uid = EXCLUDED.uid,
			username = EXCLUDED.username,
			created_at = EXCLUDED.created_at,
			closed_at = EXCLUDED.closed_at,
			open = EXCLUDED.open,
			num_changes = EXCLUDED.num_changes,
			comments_count = EXCLUDED.comments_count,
			tags = EXCLUDED.tags`
	for _, cs := range changesets {
		tags, err := json.Marshal(cs.Tags)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, query,
			cs.ID, cs.UID, cs.User, cs.CreatedAt, cs.ClosedAt,
			cs.Open, cs.NumChanges, cs.CommentsCount, tags,
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *PostgresStore) DeleteClosedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	if err := s.ensureReady(); err != nil {
		return 0, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresQueryTimeout)
	defer cancel()

	result, err := s.db.ExecContext(ctx, `DELETE FROM changesets WHERE closed_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (s *PostgresStore) ClosedTimeRange(ctx context.Context) (TimeRange, error) {
	return s.closedRange(ctx, `SELECT MIN(closed_at), MAX(closed_at) FROM changesets`)
}

func (s *PostgresStore) ClosedTimeRangeOf(ctx context.Context, ids []int64) (TimeRange, error) {
	return s.closedRange(ctx,
		`SELECT MIN(closed_at), MAX(closed_at) FROM changesets WHERE id = ANY($1)`,
		pq.Array(ids))
}

func (s *PostgresStore) closedRange(ctx context.Context, query string, args ...any) (TimeRange, error) {
	if err := s.ensureReady(); err != nil {
		return TimeRange{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	var from, to sql.NullTime
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&from, &to); err != nil {
		return TimeRange{}, err
	}
	if !from.Valid || !to.Valid {
		return TimeRange{}, ErrNotFound
	}
	return TimeRange{From: from.Time, To: to.Time}, nil
}

func (s *PostgresStore) Query(ctx context.Context, from, to time.Time, tags []string) ([]Changeset, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresQueryTimeout)
	defer cancel()

	where := []string{"closed_at >= $1", "closed_at <= $2"}
	args := []any{from, to}
	for _, p := range parseTagPredicates(tags) {
		if p.exact {
			args = append(args, p.key, p.value)
			where = append(where, fmt.Sprintf("tags->>$%d = $%d", len(args)-1, len(args)))
		} else {
			args = append(args, p.key)
			where = append(where, fmt.Sprintf("tags ? $%d", len(args)))
		}
	}
	query := fmt.Sprintf(`
		SELECT id, uid, username, created_at, closed_at, open, num_changes, comments_count, tags, author
		FROM changesets
		WHERE %s
		ORDER BY id ASC`, strings.Join(where, " AND "))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Changeset
	for rows.Next() {
		var (
			cs        Changeset
			tagsJSON  []byte
			authorRaw []byte
		)
		if err := rows.Scan(&cs.ID, &cs.UID, &cs.User, &cs.CreatedAt, &cs.ClosedAt,
			&cs.Open, &cs.NumChanges, &cs.CommentsCount, &tagsJSON, &authorRaw); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(tagsJSON, &cs.Tags); err != nil {
			return nil, err
		}
		if len(authorRaw) > 0 {
			var author userinfo.User
			if err := json.Unmarshal(authorRaw, &author); err != nil {
				return nil, err
			}
			cs.Author = &author
		}
		result = append(result, cs)
	}
	return result, rows.Err()
}

func (s *PostgresStore) GetNamedState(ctx context.Context, name string, doc any) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	var payload []byte
	err := s.db.QueryRowContext(ctx, `SELECT doc FROM named_state WHERE name = $1`, name).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(payload, doc)
}

func (s *PostgresStore) SetNamedState(ctx context.Context, name string, doc any) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	payload, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO named_state (name, doc, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (name)
		DO UPDATE SET doc = EXCLUDED.doc, updated_at = NOW()`, name, payload)
	return err
}
