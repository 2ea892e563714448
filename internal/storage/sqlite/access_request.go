package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	bodhi "github.com/bodhiapp/bodhi/internal"
)

// CreateAccessRequest inserts a new external OAuth app access request.
func (s *Store) CreateAccessRequest(ctx context.Context, a *bodhi.AccessRequest) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	a.CreatedAt = s.clock.Now()
	requested, err := marshalJSONMap(a.Requested)
	if err != nil {
		return err
	}
	approved, err := marshalJSONMap(a.Approved)
	if err != nil {
		return err
	}
	_, err = s.write.ExecContext(ctx,
		`INSERT INTO access_requests (id, app_client_id, flow_type, redirect_uri, status, requested_json, approved_json,
		 user_id, requested_role, approved_role, expires_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.AppClientID, string(a.FlowType), nullStr(a.RedirectURI), string(a.Status),
		requested, approved, nullStr(a.UserID), a.RequestedRole.String(), nullRoleStr(a.ApprovedRole),
		timeToStr(a.ExpiresAt), timeToStr(a.CreatedAt),
	)
	return err
}

// GetAccessRequest applies the Draft->Expired auto-transition (persisting
// it) before returning.
func (s *Store) GetAccessRequest(ctx context.Context, id string) (*bodhi.AccessRequest, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT id, app_client_id, flow_type, redirect_uri, status, requested_json, approved_json,
		 user_id, requested_role, approved_role, expires_at, created_at
		 FROM access_requests WHERE id = ?`, id)
	a, err := scanAccessRequest(row)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()
	effective := a.EffectiveStatus(now)
	if effective != a.Status {
		if _, err := s.write.ExecContext(ctx, `UPDATE access_requests SET status=? WHERE id=?`, string(effective), a.ID); err != nil {
			return nil, err
		}
		a.Status = effective
	}
	return a, nil
}

// ListAccessRequests returns access requests ordered newest first.
func (s *Store) ListAccessRequests(ctx context.Context, offset, limit int) ([]*bodhi.AccessRequest, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT id, app_client_id, flow_type, redirect_uri, status, requested_json, approved_json,
		 user_id, requested_role, approved_role, expires_at, created_at
		 FROM access_requests ORDER BY created_at DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*bodhi.AccessRequest
	for rows.Next() {
		a, err := scanAccessRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// UpdateAccessRequestStatus records the outcome of an admin decision
// (Approved/Denied).
func (s *Store) UpdateAccessRequestStatus(ctx context.Context, id string, status bodhi.AccessRequestStatus, approvedRole *bodhi.Role, approved map[string]any, userID string) error {
	approvedJSON, err := marshalJSONMap(approved)
	if err != nil {
		return err
	}
	result, err := s.write.ExecContext(ctx,
		`UPDATE access_requests SET status=?, approved_role=?, approved_json=?, user_id=? WHERE id=?`,
		string(status), nullRoleStr(approvedRole), approvedJSON, nullStr(userID), id,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(result)
}

// Expire sweeps every Draft row past its expiry into Expired.
func (s *Store) Expire(ctx context.Context, now time.Time) (int, error) {
	result, err := s.write.ExecContext(ctx,
		`UPDATE access_requests SET status='expired' WHERE status='draft' AND expires_at < ?`,
		timeToStr(now),
	)
	if err != nil {
		return 0, err
	}
	n, err := result.RowsAffected()
	return int(n), err
}

func nullRoleStr(r *bodhi.Role) sql.NullString {
	if r == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: r.String(), Valid: true}
}

func scanAccessRequest(row scanner) (*bodhi.AccessRequest, error) {
	var a bodhi.AccessRequest
	var flowType, status, requestedRole string
	var redirectURI, userID, approvedRole sql.NullString
	var requested, approved sql.NullString
	var expiresAt, createdAt string

	err := row.Scan(&a.ID, &a.AppClientID, &flowType, &redirectURI, &status, &requested, &approved,
		&userID, &requestedRole, &approvedRole, &expiresAt, &createdAt)
	if err != nil {
		return nil, notFoundErr(err)
	}

	a.FlowType = bodhi.FlowType(flowType)
	a.RedirectURI = redirectURI.String
	a.Status = bodhi.AccessRequestStatus(status)
	a.UserID = userID.String
	a.ExpiresAt = parseTime(expiresAt)
	a.CreatedAt = parseTime(createdAt)

	requestedMap, err := unmarshalJSONMap(requested)
	if err != nil {
		return nil, err
	}
	a.Requested = requestedMap

	approvedMap, err := unmarshalJSONMap(approved)
	if err != nil {
		return nil, err
	}
	a.Approved = approvedMap

	role, err := bodhi.ParseRole(requestedRole)
	if err != nil {
		return nil, err
	}
	a.RequestedRole = role

	if approvedRole.Valid {
		r, err := bodhi.ParseRole(approvedRole.String)
		if err != nil {
			return nil, err
		}
		a.ApprovedRole = &r
	}

	return &a, nil
}
