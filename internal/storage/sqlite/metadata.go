package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"

	bodhi "github.com/bodhiapp/bodhi/internal"
)

// UpsertMetadata stores or replaces a file's extracted GGUF metadata.
func (s *Store) UpsertMetadata(ctx context.Context, m *bodhi.ModelMetadata) error {
	kv, err := json.Marshal(m.KV)
	if err != nil {
		return err
	}
	_, err = s.write.ExecContext(ctx,
		`INSERT INTO model_metadata (repo, filename, snapshot, architecture, context_length, kv_json, extracted_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (repo, filename, snapshot) DO UPDATE SET
		   architecture=excluded.architecture,
		   context_length=excluded.context_length,
		   kv_json=excluded.kv_json,
		   extracted_at=excluded.extracted_at`,
		m.Repo, m.Filename, m.Snapshot, nullStr(m.Architecture), m.ContextLength, string(kv), timeToStr(m.ExtractedAt),
	)
	return err
}

// GetMetadata retrieves extracted metadata for a (repo, filename, snapshot) triple.
func (s *Store) GetMetadata(ctx context.Context, repo, filename, snapshot string) (*bodhi.ModelMetadata, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT repo, filename, snapshot, architecture, context_length, kv_json, extracted_at
		 FROM model_metadata WHERE repo = ? AND filename = ? AND snapshot = ?`,
		repo, filename, snapshot)

	var m bodhi.ModelMetadata
	var architecture sql.NullString
	var contextLength sql.NullInt64
	var kvJSON string
	var extractedAt string

	err := row.Scan(&m.Repo, &m.Filename, &m.Snapshot, &architecture, &contextLength, &kvJSON, &extractedAt)
	if err != nil {
		return nil, notFoundErr(err)
	}
	m.Architecture = architecture.String
	if contextLength.Valid {
		m.ContextLength = &contextLength.Int64
	}
	m.ExtractedAt = parseTime(extractedAt)
	if err := json.Unmarshal([]byte(kvJSON), &m.KV); err != nil {
		return nil, err
	}
	return &m, nil
}
