package eventstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/loqalabs/loqa-digest/internal/config"
	"github.com/loqalabs/loqa-digest/internal/summary"
	_ "modernc.org/sqlite"
)

// Store keeps a history of completed digest batches in SQLite.
type Store struct {
	db    *sql.DB
	cfg   config.EventStoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the event store according to config.
func Open(ctx context.Context, cfg config.EventStoreConfig, log *slog.Logger) (*Store, error) {
	log = log.With(slog.String("component", "eventstore"))
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.VacuumOnStart {
		if err := s.vacuum(ctx); err != nil {
			log.Warn("event store vacuum failed", slog.String("error", err.Error()))
		}
	}

	if err := s.Prune(ctx); err != nil {
		log.Warn("event store prune on start failed", slog.String("error", err.Error()))
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	ddl := `
CREATE TABLE IF NOT EXISTS batches (
    batch_id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    started_at INTEGER NOT NULL,
    completed_at INTEGER NOT NULL,
    failures INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS summaries (
    batch_id TEXT NOT NULL,
    position INTEGER NOT NULL,
    channel_id TEXT NOT NULL,
    channel_name TEXT,
    status TEXT NOT NULL,
    summary TEXT,
    error TEXT,
    PRIMARY KEY(batch_id, position),
    FOREIGN KEY(batch_id) REFERENCES batches(batch_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_batches_user_completed ON batches(user_id, completed_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) vacuum(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) disabled() bool {
	return s.cfg.RetentionMode == "ephemeral" || s.db == nil
}

// AppendBatch records a finished batch with its summaries. Writing the same
// batch twice replaces the earlier rows.
func (s *Store) AppendBatch(ctx context.Context, b summary.Batch) (err error) {
	if s.disabled() {
		return nil
	}
	if b.ID == "" {
		return errors.New("batch id required")
	}
	completed := b.CompletedAt
	if completed.IsZero() {
		completed = s.clock().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `DELETE FROM batches WHERE batch_id = ?`, b.ID); err != nil {
		return err
	}
	if _, err = tx.ExecContext(ctx,
		`INSERT INTO batches(batch_id, user_id, started_at, completed_at, failures) VALUES(?, ?, ?, ?, ?)`,
		b.ID, b.UserID, b.StartedAt.UnixMilli(), completed.UnixMilli(), b.Failures()); err != nil {
		return err
	}
	for i, rec := range b.Records {
		if _, err = tx.ExecContext(ctx,
			`INSERT INTO summaries(batch_id, position, channel_id, channel_name, status, summary, error)
			 VALUES(?, ?, ?, ?, ?, ?, ?)`,
			b.ID, i, rec.ChannelID, rec.ChannelName, rec.Status.String(), rec.Summary, rec.Error); err != nil {
			return err
		}
	}
	err = tx.Commit()
	return err
}

// ListBatches returns up to limit batches for userID, newest first.
func (s *Store) ListBatches(ctx context.Context, userID string, limit int) ([]summary.Batch, error) {
	if s.disabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT batch_id, user_id, started_at, completed_at FROM batches
		 WHERE user_id = ? ORDER BY completed_at DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, err
	}
	var batches []summary.Batch
	for rows.Next() {
		var (
			b                  summary.Batch
			started, completed int64
		)
		if err := rows.Scan(&b.ID, &b.UserID, &started, &completed); err != nil {
			rows.Close()
			return nil, err
		}
		b.StartedAt = time.UnixMilli(started).UTC()
		b.CompletedAt = time.UnixMilli(completed).UTC()
		batches = append(batches, b)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	for i := range batches {
		recs, err := s.listSummaries(ctx, batches[i].ID)
		if err != nil {
			return nil, err
		}
		batches[i].Records = recs
	}
	return batches, nil
}

func (s *Store) listSummaries(ctx context.Context, batchID string) ([]summary.Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT channel_id, channel_name, status, summary, error FROM summaries
		 WHERE batch_id = ? ORDER BY position ASC`, batchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []summary.Record
	for rows.Next() {
		var (
			rec    summary.Record
			status string
			name   sql.NullString
			text   sql.NullString
			reason sql.NullString
		)
		if err := rows.Scan(&rec.ChannelID, &name, &status, &text, &reason); err != nil {
			return nil, err
		}
		if err := rec.Status.UnmarshalText([]byte(status)); err != nil {
			return nil, err
		}
		rec.ChannelName, rec.Summary, rec.Error = name.String, text.String, reason.String
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// Prune applies the configured retention. Open runs it once at startup.
func (s *Store) Prune(ctx context.Context) (err error) {
	if s.disabled() {
		return nil
	}
	if s.cfg.RetentionMode != "persistent" && s.cfg.RetentionMode != "session" {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour)
		if _, err = tx.ExecContext(ctx, `DELETE FROM batches WHERE completed_at < ?`, cutoff.UnixMilli()); err != nil {
			return err
		}
	}
	if s.cfg.MaxBatches > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM batches WHERE batch_id IN (
			SELECT batch_id FROM batches ORDER BY completed_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxBatches)
		if err != nil {
			return err
		}
	}
	err = tx.Commit()
	return err
}
