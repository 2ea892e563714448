// Package storage defines the persistence interfaces backing the ledger
// (C3): downloads, extracted GGUF metadata, user/API aliases, access
// requests, API tokens, and sessions. Generalizes gandalf's
// internal/storage/storage.go (APIKeyStore/ProviderStore/RouteStore/
// UsageStore/OrgStore) to bodhi's domain. Every interface in Ledger uses
// entity-qualified method names (CreateAlias, not Create) because a
// single sqlite.Store implements all of them at once, and Go forbids two
// methods of the same name with different signatures on one type.
// SessionStore, implemented separately by sessions.Store, uses plain names.
package storage

import (
	"context"
	"time"

	bodhi "github.com/bodhiapp/bodhi/internal"
)

// TimeService is the injected clock every repository uses for timestamps,
// so tests can supply a fixed clock instead of wall time.
type TimeService interface {
	Now() time.Time
}

// SystemTime is the production TimeService, wrapping time.Now().UTC().
type SystemTime struct{}

func (SystemTime) Now() time.Time { return time.Now().UTC() }

// DownloadStore manages model download request persistence.
type DownloadStore interface {
	CreateDownload(ctx context.Context, d *bodhi.DownloadRequest) error
	GetDownload(ctx context.Context, id string) (*bodhi.DownloadRequest, error)
	// GetPendingByRepoFile returns the single non-terminal request for
	// (repo, filename), if one exists, enforcing the "at most one
	// in-flight download per file" invariant.
	GetPendingByRepoFile(ctx context.Context, repo, filename string) (*bodhi.DownloadRequest, bool, error)
	UpdateDownloadProgress(ctx context.Context, id string, progress float64) error
	UpdateDownloadStatus(ctx context.Context, id string, status bodhi.DownloadStatus, errMsg string) error
	ListDownloads(ctx context.Context, offset, limit int) ([]*bodhi.DownloadRequest, error)
}

// MetadataStore manages extracted GGUF metadata, keyed by (repo, filename, snapshot).
type MetadataStore interface {
	UpsertMetadata(ctx context.Context, m *bodhi.ModelMetadata) error
	GetMetadata(ctx context.Context, repo, filename, snapshot string) (*bodhi.ModelMetadata, error)
}

// AliasStore manages user-created aliases.
type AliasStore interface {
	CreateAlias(ctx context.Context, a *bodhi.UserAlias) error
	GetAlias(ctx context.Context, aliasName string) (*bodhi.UserAlias, error)
	ListAliases(ctx context.Context) ([]*bodhi.UserAlias, error)
	UpdateAlias(ctx context.Context, a *bodhi.UserAlias) error
	DeleteAlias(ctx context.Context, aliasName string) error
}

// ApiAliasStore manages API-forwarding aliases and their encrypted API
// key material, held in a side table so the alias row itself never
// carries key bytes.
type ApiAliasStore interface {
	CreateApiAlias(ctx context.Context, a *bodhi.ApiAlias) error
	GetApiAlias(ctx context.Context, id string) (*bodhi.ApiAlias, error)
	ListApiAliases(ctx context.Context) ([]*bodhi.ApiAlias, error)
	UpdateApiAlias(ctx context.Context, a *bodhi.ApiAlias) error
	DeleteApiAlias(ctx context.Context, id string) error

	SetEncryptedKey(ctx context.Context, aliasID string, encryptedKey []byte) error
	GetEncryptedKey(ctx context.Context, aliasID string) ([]byte, error)
}

// AccessRequestStore manages external OAuth app access requests.
type AccessRequestStore interface {
	CreateAccessRequest(ctx context.Context, a *bodhi.AccessRequest) error
	// GetAccessRequest applies the Draft->Expired auto-transition
	// (persisting it) before returning, per spec.md's "auto-transitions to
	// Expired on read".
	GetAccessRequest(ctx context.Context, id string) (*bodhi.AccessRequest, error)
	ListAccessRequests(ctx context.Context, offset, limit int) ([]*bodhi.AccessRequest, error)
	UpdateAccessRequestStatus(ctx context.Context, id string, status bodhi.AccessRequestStatus, approvedRole *bodhi.Role, approved map[string]any, userID string) error
	// Expire sweeps all Draft rows past their expiry into Expired, returning
	// the count updated.
	Expire(ctx context.Context, now time.Time) (int, error)
}

// TokenStore manages app-issued API tokens.
type TokenStore interface {
	CreateToken(ctx context.Context, t *bodhi.ApiToken) error
	GetTokenByPrefix(ctx context.Context, prefix string) (*bodhi.ApiToken, error)
	GetToken(ctx context.Context, id string) (*bodhi.ApiToken, error)
	ListTokensByUser(ctx context.Context, userID string) ([]*bodhi.ApiToken, error)
	UpdateTokenStatus(ctx context.Context, id string, status bodhi.TokenStatus) error
}

// TaskStore manages the durable side-table backing C12's queue. A task is
// created Pending, moved to Processing when the worker pops it, and
// finally Done or Error; ListPending drives the "idle|processing" queue
// status endpoint without the worker having to track state itself.
type TaskStore interface {
	CreateTask(ctx context.Context, t *bodhi.Task) error
	GetTask(ctx context.Context, id string) (*bodhi.Task, error)
	UpdateTaskStatus(ctx context.Context, id string, status bodhi.TaskStatus, errMsg string) error
	ListPending(ctx context.Context) ([]*bodhi.Task, error)
}

// SessionStore manages browser session persistence, backed by a separate
// database file from the rest of the ledger (spec.md 6).
type SessionStore interface {
	Create(ctx context.Context, s *bodhi.Session) error
	Get(ctx context.Context, id string) (*bodhi.Session, error)
	Update(ctx context.Context, s *bodhi.Session) error
	Delete(ctx context.Context, id string) error
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
}

// Ledger combines every repository interface backed by the main database
// file, excluding SessionStore which lives in its own file/connection.
type Ledger interface {
	DownloadStore
	MetadataStore
	AliasStore
	ApiAliasStore
	AccessRequestStore
	TokenStore
	TaskStore
	Ping(ctx context.Context) error
	Close() error
}
