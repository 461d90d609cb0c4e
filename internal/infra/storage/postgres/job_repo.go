package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/Byk3y/PREPAI-sub003/internal/core/domain"
	"github.com/Byk3y/PREPAI-sub003/internal/infra/storage"
)

const jobColumns = `id, subject_id, user_id, parent_id, status, progress, progress_message,
	estimated_units, processed_units, error_message, result, version,
	created_at, started_at, completed_at, updated_at`

type jobRow struct {
	ID              string         `db:"id"`
	SubjectID       string         `db:"subject_id"`
	UserID          sql.NullString `db:"user_id"`
	ParentID        sql.NullString `db:"parent_id"`
	Status          string         `db:"status"`
	Progress        int            `db:"progress"`
	ProgressMessage sql.NullString `db:"progress_message"`
	EstimatedUnits  int            `db:"estimated_units"`
	ProcessedUnits  int            `db:"processed_units"`
	ErrorMessage    sql.NullString `db:"error_message"`
	Result          []byte         `db:"result"`
	Version         int64          `db:"version"`
	CreatedAt       time.Time      `db:"created_at"`
	StartedAt       sql.NullTime   `db:"started_at"`
	CompletedAt     sql.NullTime   `db:"completed_at"`
	UpdatedAt       time.Time      `db:"updated_at"`
}

func (r *jobRow) toDomain() *domain.Job {
	j := &domain.Job{
		ID:              r.ID,
		SubjectID:       r.SubjectID,
		UserID:          r.UserID.String,
		ParentID:        r.ParentID.String,
		Status:          domain.JobStatus(r.Status),
		Progress:        r.Progress,
		ProgressMessage: r.ProgressMessage.String,
		EstimatedUnits:  r.EstimatedUnits,
		ProcessedUnits:  r.ProcessedUnits,
		ErrorMessage:    r.ErrorMessage.String,
		Version:         r.Version,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
	}
	if len(r.Result) > 0 {
		j.Result = append([]byte(nil), r.Result...)
	}
	if r.StartedAt.Valid {
		t := r.StartedAt.Time
		j.StartedAt = &t
	}
	if r.CompletedAt.Valid {
		t := r.CompletedAt.Time
		j.CompletedAt = &t
	}
	return j
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

// JobRepo implements storage.JobRepository on the processing_jobs table.
type JobRepo struct {
	db  *sqlx.DB
	now func() time.Time
}

func NewJobRepo(db *DB) *JobRepo {
	return &JobRepo{db: db.DB, now: time.Now}
}

func (r *JobRepo) Create(ctx context.Context, job *domain.Job) error {
	if job.CreatedAt.IsZero() {
		job.CreatedAt = r.now()
	}
	if job.Status == "" {
		job.Status = domain.JobStatusPending
	}
	job.UpdatedAt = job.CreatedAt
	job.Version = 1

	query := `
		INSERT INTO processing_jobs (id, subject_id, user_id, parent_id, status, progress,
			estimated_units, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err := r.db.ExecContext(ctx, query,
		job.ID, job.SubjectID, nullString(job.UserID), nullString(job.ParentID), string(job.Status),
		job.Progress, job.EstimatedUnits, job.Version, job.CreatedAt, job.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert job %s: %w", job.ID, err)
	}
	return nil
}

func (r *JobRepo) Get(ctx context.Context, id string) (*domain.Job, error) {
	return r.getWith(ctx, r.db, id, false)
}

func (r *JobRepo) getWith(ctx context.Context, q sqlx.QueryerContext, id string, lock bool) (*domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM processing_jobs WHERE id = $1`
	if lock {
		query += ` FOR UPDATE`
	}
	var row jobRow
	if err := sqlx.GetContext(ctx, q, &row, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrJobNotFound
		}
		return nil, err
	}
	return row.toDomain(), nil
}

func (r *JobRepo) Latest(ctx context.Context, filter domain.JobFilter) (*domain.Job, error) {
	column, value, err := filterColumn(filter)
	if err != nil {
		return nil, err
	}
	query := `SELECT ` + jobColumns + ` FROM processing_jobs WHERE ` + column + ` = $1
		ORDER BY created_at DESC LIMIT 1`

	var row jobRow
	if err := r.db.GetContext(ctx, &row, query, value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrJobNotFound
		}
		return nil, err
	}
	return row.toDomain(), nil
}

func (r *JobRepo) List(ctx context.Context, q storage.JobQuery) ([]*domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM processing_jobs
		WHERE ($1::text = '' OR status = $1)
		  AND ($2::text = '' OR subject_id = $2)
		  AND ($3::text = '' OR user_id = $3)
		ORDER BY created_at DESC`
	args := []any{string(q.Status), q.SubjectID, q.UserID}
	if q.Limit > 0 {
		query += ` LIMIT $4`
		args = append(args, q.Limit)
	}

	var rows []jobRow
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	return toJobs(rows), nil
}

// Transition locks the row, checks the expected status and writes the same
// side fields the in-memory store does.
func (r *JobRepo) Transition(
	ctx context.Context,
	id string,
	from, to domain.JobStatus,
	patch storage.JobPatch,
) (*domain.Job, bool, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, false, err
	}
	defer func() { _ = tx.Rollback() }()

	j, err := r.getWith(ctx, tx, id, true)
	if err != nil {
		return nil, false, err
	}
	if j.Status != from {
		return j, false, nil
	}

	storage.ApplyTransition(j, to, patch, r.now())

	// version and updated_at are maintained by the processing_jobs_version trigger.
	query := `
		UPDATE processing_jobs SET
			status = $2, progress = $3, progress_message = $4, processed_units = $5,
			error_message = $6, result = $7, started_at = $8, completed_at = $9
		WHERE id = $1
		RETURNING ` + jobColumns

	var row jobRow
	err = tx.GetContext(ctx, &row, query,
		j.ID, string(j.Status), j.Progress, nullString(j.ProgressMessage), j.ProcessedUnits,
		nullString(j.ErrorMessage), nullJSON(j.Result),
		nullTime(j.StartedAt), nullTime(j.CompletedAt),
	)
	if err != nil {
		return nil, false, fmt.Errorf("update job %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, false, err
	}
	return row.toDomain(), true, nil
}

func (r *JobRepo) UpdateProgress(
	ctx context.Context,
	id string,
	progress int,
	message string,
	processedUnits int,
) (*domain.Job, error) {
	query := `
		UPDATE processing_jobs SET
			progress = $2, progress_message = $3, processed_units = $4
		WHERE id = $1 AND status = 'processing'
		RETURNING ` + jobColumns

	var row jobRow
	progress = min(max(progress, 0), 100)
	err := r.db.GetContext(ctx, &row, query, id, progress, nullString(message), processedUnits)
	if errors.Is(err, sql.ErrNoRows) {
		// Either missing or not processing; report what is there.
		j, gerr := r.Get(ctx, id)
		if gerr != nil {
			return nil, gerr
		}
		return nil, fmt.Errorf("job %s is %s: %w", id, j.Status, storage.ErrNotProcessing)
	}
	if err != nil {
		return nil, err
	}
	return row.toDomain(), nil
}

// Touch relies on the version trigger to set updated_at.
func (r *JobRepo) Touch(ctx context.Context, id string, status domain.JobStatus) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE processing_jobs SET status = status WHERE id = $1 AND status = $2`, id, string(status))
	if err != nil {
		return false, fmt.Errorf("touch job %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		if _, err := r.Get(ctx, id); err != nil {
			return false, err
		}
	}
	return n > 0, nil
}

func (r *JobRepo) ListStale(
	ctx context.Context,
	status domain.JobStatus,
	before time.Time,
	limit int,
) ([]*domain.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + jobColumns + ` FROM processing_jobs
		WHERE status = $1 AND updated_at < $2
		ORDER BY updated_at ASC LIMIT $3`

	var rows []jobRow
	if err := r.db.SelectContext(ctx, &rows, query, string(status), before, limit); err != nil {
		return nil, err
	}
	return toJobs(rows), nil
}

func (r *JobRepo) DeleteFinishedBefore(ctx context.Context, before time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM processing_jobs
		WHERE status IN ('completed', 'failed', 'cancelled') AND completed_at < $1
	`, before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func filterColumn(f domain.JobFilter) (string, string, error) {
	switch {
	case !f.Valid():
		return "", "", fmt.Errorf("invalid job filter %s", f)
	case f.JobID != "":
		return "id", f.JobID, nil
	case f.SubjectID != "":
		return "subject_id", f.SubjectID, nil
	default:
		return "parent_id", f.ParentID, nil
	}
}

func toJobs(rows []jobRow) []*domain.Job {
	jobs := make([]*domain.Job, 0, len(rows))
	for i := range rows {
		jobs = append(jobs, rows[i].toDomain())
	}
	return jobs
}
