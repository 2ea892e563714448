package sqlite

import (
	"context"
	"database/sql"

	"github.com/google/uuid"

	bodhi "github.com/bodhiapp/bodhi/internal"
)

// --- UserAlias (storage.AliasStore) ---

// CreateAlias inserts a new user alias, assigning an ID if absent.
func (s *Store) CreateAlias(ctx context.Context, a *bodhi.UserAlias) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	a.CreatedAt = s.clock.Now()
	reqParams, err := marshalJSONMap(a.RequestParams)
	if err != nil {
		return err
	}
	ctxParams, err := marshalJSONMap(a.ContextParams)
	if err != nil {
		return err
	}
	_, err = s.write.ExecContext(ctx,
		`INSERT INTO user_aliases (id, alias_name, repo, filename, snapshot, request_params, context_params, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.AliasName, a.Repo, a.Filename, a.Snapshot, reqParams, ctxParams, timeToStr(a.CreatedAt),
	)
	return err
}

// GetAlias retrieves a user alias by its alias name.
func (s *Store) GetAlias(ctx context.Context, aliasName string) (*bodhi.UserAlias, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT id, alias_name, repo, filename, snapshot, request_params, context_params, created_at
		 FROM user_aliases WHERE alias_name = ?`, aliasName)
	return scanUserAlias(row)
}

// ListAliases returns all user aliases.
func (s *Store) ListAliases(ctx context.Context) ([]*bodhi.UserAlias, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT id, alias_name, repo, filename, snapshot, request_params, context_params, created_at
		 FROM user_aliases ORDER BY alias_name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*bodhi.UserAlias
	for rows.Next() {
		a, err := scanUserAlias(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// UpdateAlias overwrites an existing user alias's mutable fields.
func (s *Store) UpdateAlias(ctx context.Context, a *bodhi.UserAlias) error {
	reqParams, err := marshalJSONMap(a.RequestParams)
	if err != nil {
		return err
	}
	ctxParams, err := marshalJSONMap(a.ContextParams)
	if err != nil {
		return err
	}
	result, err := s.write.ExecContext(ctx,
		`UPDATE user_aliases SET repo=?, filename=?, snapshot=?, request_params=?, context_params=? WHERE alias_name=?`,
		a.Repo, a.Filename, a.Snapshot, reqParams, ctxParams, a.AliasName,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(result)
}

// DeleteAlias removes a user alias by name.
func (s *Store) DeleteAlias(ctx context.Context, aliasName string) error {
	result, err := s.write.ExecContext(ctx, `DELETE FROM user_aliases WHERE alias_name=?`, aliasName)
	if err != nil {
		return err
	}
	return checkRowsAffected(result)
}

func scanUserAlias(row scanner) (*bodhi.UserAlias, error) {
	var a bodhi.UserAlias
	var reqParams, ctxParams sql.NullString
	var createdAt string

	err := row.Scan(&a.ID, &a.AliasName, &a.Repo, &a.Filename, &a.Snapshot, &reqParams, &ctxParams, &createdAt)
	if err != nil {
		return nil, notFoundErr(err)
	}
	requestParams, err := unmarshalJSONMap(reqParams)
	if err != nil {
		return nil, err
	}
	contextParams, err := unmarshalJSONMap(ctxParams)
	if err != nil {
		return nil, err
	}
	a.RequestParams = requestParams
	a.ContextParams = contextParams
	a.CreatedAt = parseTime(createdAt)
	return &a, nil
}

// --- ApiAlias (storage.ApiAliasStore) ---

// CreateApiAlias inserts a new API-forwarding alias, assigning an ID if absent.
func (s *Store) CreateApiAlias(ctx context.Context, a *bodhi.ApiAlias) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	now := s.clock.Now()
	a.CreatedAt, a.UpdatedAt = now, now
	models, err := marshalStrings(a.Models)
	if err != nil {
		return err
	}
	_, err = s.write.ExecContext(ctx,
		`INSERT INTO api_aliases (id, api_format, base_url, models_json, prefix, forward_all_with_prefix, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.ApiFormat, a.BaseURL, models, nullStr(a.Prefix), boolToInt(a.ForwardAllWithPrefix),
		timeToStr(a.CreatedAt), timeToStr(a.UpdatedAt),
	)
	return err
}

// GetApiAlias retrieves an API-forwarding alias by ID.
func (s *Store) GetApiAlias(ctx context.Context, id string) (*bodhi.ApiAlias, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT id, api_format, base_url, models_json, prefix, forward_all_with_prefix, created_at, updated_at
		 FROM api_aliases WHERE id = ?`, id)
	return scanApiAlias(row)
}

// ListApiAliases returns all API-forwarding aliases.
func (s *Store) ListApiAliases(ctx context.Context) ([]*bodhi.ApiAlias, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT id, api_format, base_url, models_json, prefix, forward_all_with_prefix, created_at, updated_at
		 FROM api_aliases ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*bodhi.ApiAlias
	for rows.Next() {
		a, err := scanApiAlias(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// UpdateApiAlias overwrites an API-forwarding alias's mutable fields.
func (s *Store) UpdateApiAlias(ctx context.Context, a *bodhi.ApiAlias) error {
	models, err := marshalStrings(a.Models)
	if err != nil {
		return err
	}
	a.UpdatedAt = s.clock.Now()
	result, err := s.write.ExecContext(ctx,
		`UPDATE api_aliases SET api_format=?, base_url=?, models_json=?, prefix=?, forward_all_with_prefix=?, updated_at=?
		 WHERE id=?`,
		a.ApiFormat, a.BaseURL, models, nullStr(a.Prefix), boolToInt(a.ForwardAllWithPrefix), timeToStr(a.UpdatedAt), a.ID,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(result)
}

// DeleteApiAlias removes an API-forwarding alias and its encrypted key side row.
func (s *Store) DeleteApiAlias(ctx context.Context, id string) error {
	result, err := s.write.ExecContext(ctx, `DELETE FROM api_aliases WHERE id=?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(result)
}

// SetEncryptedKey stores (or replaces) the encrypted API key material for
// an alias, kept in a side table so it never appears in an alias scan.
func (s *Store) SetEncryptedKey(ctx context.Context, aliasID string, encryptedKey []byte) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO api_alias_keys (alias_id, encrypted_key) VALUES (?, ?)
		 ON CONFLICT (alias_id) DO UPDATE SET encrypted_key = excluded.encrypted_key`,
		aliasID, encryptedKey,
	)
	return err
}

// GetEncryptedKey retrieves the encrypted API key material for an alias.
func (s *Store) GetEncryptedKey(ctx context.Context, aliasID string) ([]byte, error) {
	var encryptedKey []byte
	err := s.read.QueryRowContext(ctx,
		`SELECT encrypted_key FROM api_alias_keys WHERE alias_id = ?`, aliasID,
	).Scan(&encryptedKey)
	if err != nil {
		return nil, notFoundErr(err)
	}
	return encryptedKey, nil
}

func scanApiAlias(row scanner) (*bodhi.ApiAlias, error) {
	var a bodhi.ApiAlias
	var modelsJSON, prefix sql.NullString
	var forwardAll int
	var createdAt, updatedAt string

	err := row.Scan(&a.ID, &a.ApiFormat, &a.BaseURL, &modelsJSON, &prefix, &forwardAll, &createdAt, &updatedAt)
	if err != nil {
		return nil, notFoundErr(err)
	}
	models, err := unmarshalStrings(modelsJSON)
	if err != nil {
		return nil, err
	}
	a.Models = models
	a.Prefix = prefix.String
	a.ForwardAllWithPrefix = forwardAll != 0
	a.CreatedAt = parseTime(createdAt)
	a.UpdatedAt = parseTime(updatedAt)
	return &a, nil
}
