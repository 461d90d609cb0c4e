package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/Byk3y/PREPAI-sub003/internal/core/domain"
	"github.com/Byk3y/PREPAI-sub003/internal/infra/storage"
)

type materialRow struct {
	ID             string         `db:"id"`
	SubjectID      string         `db:"subject_id"`
	UserID         sql.NullString `db:"user_id"`
	FileName       string         `db:"file_name"`
	ContentType    string         `db:"content_type"`
	SizeBytes      int64          `db:"size_bytes"`
	StoragePath    string         `db:"storage_path"`
	EstimatedPages int            `db:"estimated_pages"`
	CreatedAt      time.Time      `db:"created_at"`
}

type MaterialRepo struct {
	db *sqlx.DB
}

func NewMaterialRepo(db *DB) *MaterialRepo {
	return &MaterialRepo{db: db.DB}
}

func (r *MaterialRepo) Create(ctx context.Context, m *domain.Material) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	row := materialRow{
		ID:             m.ID,
		SubjectID:      m.SubjectID,
		UserID:         nullString(m.UserID),
		FileName:       m.FileName,
		ContentType:    m.ContentType,
		SizeBytes:      m.SizeBytes,
		StoragePath:    m.StoragePath,
		EstimatedPages: m.EstimatedPages,
		CreatedAt:      m.CreatedAt,
	}
	_, err := r.db.NamedExecContext(ctx, `
		INSERT INTO materials (id, subject_id, user_id, file_name, content_type,
			size_bytes, storage_path, estimated_pages, created_at)
		VALUES (:id, :subject_id, :user_id, :file_name, :content_type,
			:size_bytes, :storage_path, :estimated_pages, :created_at)
	`, row)
	return err
}

func (r *MaterialRepo) Get(ctx context.Context, id string) (*domain.Material, error) {
	var row materialRow
	err := r.db.GetContext(ctx, &row, `
		SELECT id, subject_id, user_id, file_name, content_type, size_bytes,
			storage_path, estimated_pages, created_at
		FROM materials WHERE id = $1
	`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrMaterialNotFound
	}
	if err != nil {
		return nil, err
	}
	return &domain.Material{
		ID:             row.ID,
		SubjectID:      row.SubjectID,
		UserID:         row.UserID.String,
		FileName:       row.FileName,
		ContentType:    row.ContentType,
		SizeBytes:      row.SizeBytes,
		StoragePath:    row.StoragePath,
		EstimatedPages: row.EstimatedPages,
		CreatedAt:      row.CreatedAt,
	}, nil
}
