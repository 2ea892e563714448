package sqlite

import (
	"context"
	"database/sql"

	"github.com/google/uuid"

	bodhi "github.com/bodhiapp/bodhi/internal"
)

// CreateDownload inserts a new download request, assigning an ID if absent.
func (s *Store) CreateDownload(ctx context.Context, d *bodhi.DownloadRequest) error {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	now := s.clock.Now()
	d.CreatedAt, d.UpdatedAt = now, now
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO download_requests (id, repo, filename, status, progress, error, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.Repo, d.Filename, string(d.Status), d.Progress, nullStr(d.Error),
		timeToStr(d.CreatedAt), timeToStr(d.UpdatedAt),
	)
	if err != nil {
		return err
	}
	return nil
}

// GetDownload retrieves a download request by ID.
func (s *Store) GetDownload(ctx context.Context, id string) (*bodhi.DownloadRequest, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT id, repo, filename, status, progress, error, created_at, updated_at
		 FROM download_requests WHERE id = ?`, id)
	return scanDownload(row)
}

// GetPendingByRepoFile returns the non-terminal request for (repo, filename),
// if any. The partial unique index in the schema guarantees at most one row
// can ever match.
func (s *Store) GetPendingByRepoFile(ctx context.Context, repo, filename string) (*bodhi.DownloadRequest, bool, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT id, repo, filename, status, progress, error, created_at, updated_at
		 FROM download_requests WHERE repo = ? AND filename = ? AND status IN ('pending', 'downloading')`,
		repo, filename)
	d, err := scanDownload(row)
	if err == bodhi.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return d, true, nil
}

// UpdateDownloadProgress advances the progress fraction of an in-flight download.
func (s *Store) UpdateDownloadProgress(ctx context.Context, id string, progress float64) error {
	result, err := s.write.ExecContext(ctx,
		`UPDATE download_requests SET progress=?, updated_at=? WHERE id=?`,
		progress, timeToStr(s.clock.Now()), id,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(result)
}

// UpdateDownloadStatus transitions a download request's status, recording an
// error message for terminal Error transitions.
func (s *Store) UpdateDownloadStatus(ctx context.Context, id string, status bodhi.DownloadStatus, errMsg string) error {
	result, err := s.write.ExecContext(ctx,
		`UPDATE download_requests SET status=?, error=?, updated_at=? WHERE id=?`,
		string(status), nullStr(errMsg), timeToStr(s.clock.Now()), id,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(result)
}

// ListDownloads returns download requests ordered newest first.
func (s *Store) ListDownloads(ctx context.Context, offset, limit int) ([]*bodhi.DownloadRequest, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT id, repo, filename, status, progress, error, created_at, updated_at
		 FROM download_requests ORDER BY created_at DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*bodhi.DownloadRequest
	for rows.Next() {
		d, err := scanDownload(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func scanDownload(row scanner) (*bodhi.DownloadRequest, error) {
	var d bodhi.DownloadRequest
	var status string
	var progress sql.NullFloat64
	var errMsg sql.NullString
	var createdAt, updatedAt string

	err := row.Scan(&d.ID, &d.Repo, &d.Filename, &status, &progress, &errMsg, &createdAt, &updatedAt)
	if err != nil {
		return nil, notFoundErr(err)
	}
	d.Status = bodhi.DownloadStatus(status)
	if progress.Valid {
		d.Progress = &progress.Float64
	}
	d.Error = errMsg.String
	d.CreatedAt = parseTime(createdAt)
	d.UpdatedAt = parseTime(updatedAt)
	return &d, nil
}
