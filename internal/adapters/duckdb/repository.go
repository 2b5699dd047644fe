package duckdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/marcboeker/go-duckdb"

	"github.com/manthysbr/scribed/internal/core/domain"
	"github.com/manthysbr/scribed/internal/core/ports"
)

const schema = `
CREATE TABLE IF NOT EXISTS job_snapshots (
	id VARCHAR PRIMARY KEY,
	job_type VARCHAR NOT NULL,
	url VARCHAR NOT NULL,
	video_id VARCHAR,
	title VARCHAR,
	state VARCHAR NOT NULL,
	progress DOUBLE NOT NULL,
	error VARCHAR,
	interrupt_reason VARCHAR,
	started_at BIGINT NOT NULL,
	completed_at BIGINT,
	model VARCHAR,
	prompt VARCHAR,
	sections VARCHAR,
	context VARCHAR
);`

const snapshotColumns = `id, job_type, url, video_id, title, state, progress, error, interrupt_reason, started_at, completed_at, model, prompt, sections, context`

// Repository is a SnapshotStore backed by a DuckDB file. Timestamps are
// stored as Unix nanoseconds so snapshots round-trip exactly.
type Repository struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ ports.SnapshotStore = (*Repository)(nil)

// NewRepository opens (or creates) the database at path. An empty path
// gives an in-memory database.
func NewRepository(logger *slog.Logger, path string) (*Repository, error) {
	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Repository{db: db, logger: logger}, nil
}

func (r *Repository) Close() error {
	return r.db.Close()
}

func (r *Repository) Save(ctx context.Context, s domain.Snapshot) error {
	sections, err := json.Marshal(s.Sections)
	if err != nil {
		return fmt.Errorf("marshal sections: %w", err)
	}

	query := `
	INSERT INTO job_snapshots (` + snapshotColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (id) DO UPDATE SET
		video_id = excluded.video_id,
		title = excluded.title,
		state = excluded.state,
		progress = excluded.progress,
		error = excluded.error,
		interrupt_reason = excluded.interrupt_reason,
		started_at = excluded.started_at,
		completed_at = excluded.completed_at;
	`
	_, err = r.db.ExecContext(ctx, query,
		string(s.ID), string(s.Kind), s.URL, s.VideoID, s.Title,
		string(s.State), s.Progress, s.Error, string(s.InterruptReason),
		s.StartedAt.UnixNano(), unixNanoOrNil(s.CompletedAt),
		s.Model, s.Prompt, string(sections), s.Context,
	)
	if err != nil {
		return fmt.Errorf("upsert snapshot %s: %w", s.ID, err)
	}
	return nil
}

func (r *Repository) Load(ctx context.Context, id domain.JobID) (domain.Snapshot, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+snapshotColumns+` FROM job_snapshots WHERE id = ?`, string(id))
	s, err := scanSnapshot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Snapshot{}, domain.ErrSnapshotNotFound
	}
	if err != nil {
		return domain.Snapshot{}, fmt.Errorf("load snapshot %s: %w", id, err)
	}
	return s, nil
}

func (r *Repository) Delete(ctx context.Context, id domain.JobID) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM job_snapshots WHERE id = ?`, string(id)); err != nil {
		return fmt.Errorf("delete snapshot %s: %w", id, err)
	}
	return nil
}

func (r *Repository) List(ctx context.Context) ([]domain.Snapshot, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+snapshotColumns+` FROM job_snapshots ORDER BY started_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	defer rows.Close()

	var out []domain.Snapshot
	for rows.Next() {
		s, err := scanSnapshot(rows)
		if err != nil {
			r.logger.Warn("skipping unreadable snapshot row", "error", err)
			continue
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSnapshot(row rowScanner) (domain.Snapshot, error) {
	var (
		s                                   domain.Snapshot
		id, kind, state                     string
		videoID, title, errMsg, reason      sql.NullString
		model, prompt, sections, jobContext sql.NullString
		startedAt                           int64
		completedAt                         sql.NullInt64
	)
	err := row.Scan(
		&id, &kind, &s.URL, &videoID, &title,
		&state, &s.Progress, &errMsg, &reason,
		&startedAt, &completedAt,
		&model, &prompt, &sections, &jobContext,
	)
	if err != nil {
		return domain.Snapshot{}, err
	}

	s.ID = domain.JobID(id)
	s.StartedAt = time.Unix(0, startedAt).UTC()
	s.Kind = domain.JobKind(kind)
	s.State = domain.JobState(state)
	s.VideoID = videoID.String
	s.Title = title.String
	s.Error = errMsg.String
	s.InterruptReason = domain.InterruptReason(reason.String)
	s.Model = model.String
	s.Prompt = prompt.String
	s.Context = jobContext.String
	if completedAt.Valid {
		t := time.Unix(0, completedAt.Int64).UTC()
		s.CompletedAt = &t
	}
	if sections.Valid && sections.String != "" && sections.String != "null" {
		if err := json.Unmarshal([]byte(sections.String), &s.Sections); err != nil {
			return domain.Snapshot{}, fmt.Errorf("decode sections: %w", err)
		}
	}
	return s, nil
}

func unixNanoOrNil(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}
