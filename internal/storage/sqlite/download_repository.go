package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/italolelis/drogue/internal/storage"
)

// timeFormat has a fixed width so stored timestamps sort lexically.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

const selectColumns = `SELECT id, source_url, destination_name, status, bytes_downloaded, total_bytes,
	attempt_count, supports_resume, last_error, created_at, updated_at FROM downloads`

type DownloadRepository struct {
	db *sql.DB
}

func NewDownloadRepository(dbConn *sql.DB) *DownloadRepository {
	return &DownloadRepository{db: dbConn}
}

// Put upserts the record. UpdatedAt is stamped here; CreatedAt is kept from the first insert.
func (r *DownloadRepository) Put(ctx context.Context, record *storage.DownloadRecord) error {
	now := time.Now().UTC()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}

	record.UpdatedAt = now

	var total sql.NullInt64
	if record.TotalBytes != nil {
		total = sql.NullInt64{Int64: *record.TotalBytes, Valid: true}
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO downloads (id, source_url, destination_name, status, bytes_downloaded, total_bytes,
			attempt_count, supports_resume, last_error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			bytes_downloaded = excluded.bytes_downloaded,
			total_bytes = excluded.total_bytes,
			attempt_count = excluded.attempt_count,
			supports_resume = excluded.supports_resume,
			last_error = excluded.last_error,
			updated_at = excluded.updated_at
	`,
		record.ID, record.SourceURL, record.DestinationName, string(record.Status), record.BytesDownloaded, total,
		record.AttemptCount, string(record.SupportsResume), record.LastError,
		record.CreatedAt.Format(timeFormat), record.UpdatedAt.Format(timeFormat),
	)
	if err != nil {
		return fmt.Errorf("failed to put download %s: %w", record.ID, err)
	}

	return nil
}

func (r *DownloadRepository) Get(ctx context.Context, id string) (*storage.DownloadRecord, error) {
	row := r.db.QueryRowContext(ctx, selectColumns+` WHERE id = ?`, id)

	record, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("failed to get download %s: %w", id, err)
	}

	return record, nil
}

func (r *DownloadRepository) List(ctx context.Context) ([]storage.DownloadRecord, error) {
	return r.query(ctx, selectColumns+` ORDER BY created_at, id`)
}

func (r *DownloadRepository) ListUnfinished(ctx context.Context) ([]storage.DownloadRecord, error) {
	return r.query(ctx, selectColumns+` WHERE status NOT IN (?, ?) ORDER BY created_at, id`,
		string(storage.StatusCompleted), string(storage.StatusFailed))
}

// Delete removes the record. Deleting a missing record returns storage.ErrNotFound.
func (r *DownloadRepository) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM downloads WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete download %s: %w", id, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}

	if affected == 0 {
		return storage.ErrNotFound
	}

	return nil
}

func (r *DownloadRepository) query(ctx context.Context, query string, args ...any) ([]storage.DownloadRecord, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var downloads []storage.DownloadRecord

	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}

		downloads = append(downloads, *record)
	}

	return downloads, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (*storage.DownloadRecord, error) {
	var (
		record             storage.DownloadRecord
		status, resume     string
		total              sql.NullInt64
		createdAt, updated string
	)

	err := s.Scan(&record.ID, &record.SourceURL, &record.DestinationName, &status, &record.BytesDownloaded, &total,
		&record.AttemptCount, &resume, &record.LastError, &createdAt, &updated)
	if err != nil {
		return nil, err
	}

	record.Status = storage.Status(status)
	record.SupportsResume = storage.ResumeSupport(resume)

	if total.Valid {
		record.SetTotal(total.Int64)
	}

	if record.CreatedAt, err = time.Parse(timeFormat, createdAt); err != nil {
		return nil, fmt.Errorf("invalid created_at for %s: %w", record.ID, err)
	}

	if record.UpdatedAt, err = time.Parse(timeFormat, updated); err != nil {
		return nil, fmt.Errorf("invalid updated_at for %s: %w", record.ID, err)
	}

	return &record, nil
}
