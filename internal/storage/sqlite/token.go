package sqlite

import (
	"context"

	"github.com/google/uuid"

	bodhi "github.com/bodhiapp/bodhi/internal"
)

// CreateToken inserts a new app-issued API token, assigning an ID if absent.
func (s *Store) CreateToken(ctx context.Context, t *bodhi.ApiToken) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	now := s.clock.Now()
	t.CreatedAt, t.UpdatedAt = now, now
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO api_tokens (id, user_id, name, token_prefix, token_hash, scope, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.UserID, t.Name, t.TokenPrefix, t.TokenHash, t.Scope.String(), string(t.Status),
		timeToStr(t.CreatedAt), timeToStr(t.UpdatedAt),
	)
	return err
}

// GetTokenByPrefix looks up a token by its displayed prefix, ahead of a
// constant-time hash comparison against the raw bearer value.
func (s *Store) GetTokenByPrefix(ctx context.Context, prefix string) (*bodhi.ApiToken, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT id, user_id, name, token_prefix, token_hash, scope, status, created_at, updated_at
		 FROM api_tokens WHERE token_prefix = ?`, prefix)
	return scanApiToken(row)
}

// GetToken retrieves an API token by ID.
func (s *Store) GetToken(ctx context.Context, id string) (*bodhi.ApiToken, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT id, user_id, name, token_prefix, token_hash, scope, status, created_at, updated_at
		 FROM api_tokens WHERE id = ?`, id)
	return scanApiToken(row)
}

// ListTokensByUser returns all API tokens issued to a user, newest first.
func (s *Store) ListTokensByUser(ctx context.Context, userID string) ([]*bodhi.ApiToken, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT id, user_id, name, token_prefix, token_hash, scope, status, created_at, updated_at
		 FROM api_tokens WHERE user_id = ? ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*bodhi.ApiToken
	for rows.Next() {
		t, err := scanApiToken(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// UpdateTokenStatus transitions an API token between active and inactive.
func (s *Store) UpdateTokenStatus(ctx context.Context, id string, status bodhi.TokenStatus) error {
	result, err := s.write.ExecContext(ctx,
		`UPDATE api_tokens SET status=?, updated_at=? WHERE id=?`,
		string(status), timeToStr(s.clock.Now()), id,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(result)
}

func scanApiToken(row scanner) (*bodhi.ApiToken, error) {
	var t bodhi.ApiToken
	var scope, status string
	var createdAt, updatedAt string

	err := row.Scan(&t.ID, &t.UserID, &t.Name, &t.TokenPrefix, &t.TokenHash, &scope, &status, &createdAt, &updatedAt)
	if err != nil {
		return nil, notFoundErr(err)
	}
	role, err := bodhi.ParseRole(scope)
	if err != nil {
		return nil, err
	}
	t.Scope = role
	t.Status = bodhi.TokenStatus(status)
	t.CreatedAt = parseTime(createdAt)
	t.UpdatedAt = parseTime(updatedAt)
	return &t, nil
}
