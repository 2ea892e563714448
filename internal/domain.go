// Package bodhi defines the domain types shared across the runtime: the
// Alias tagged union, the ledger's durable record shapes, the per-request
// AuthContext, and the closed error taxonomy. This package has no project
// imports -- it is the dependency root, same role gandalf's internal/gateway.go
// plays for that codebase.
package bodhi

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"time"
)

// --- Role (RBAC) ---

// Role is a total order of access levels, highest first: Admin > Manager >
// PowerUser > User. Ported from original_source's objs::Role.
type Role int

const (
	RoleUser Role = iota
	RolePowerUser
	RoleManager
	RoleAdmin
)

func (r Role) String() string {
	switch r {
	case RoleUser:
		return "user"
	case RolePowerUser:
		return "power_user"
	case RoleManager:
		return "manager"
	case RoleAdmin:
		return "admin"
	default:
		return "unknown"
	}
}

// ResourceRole is the "resource_<role>" form used in JWT role claims.
func (r Role) ResourceRole() string { return "resource_" + r.String() }

// HasAccessTo reports whether r grants access to endpoints requiring required.
func (r Role) HasAccessTo(required Role) bool { return r >= required }

// ParseRole parses a bare role name ("user", "power_user", "manager", "admin").
func ParseRole(s string) (Role, error) {
	switch s {
	case "user":
		return RoleUser, nil
	case "power_user":
		return RolePowerUser, nil
	case "manager":
		return RoleManager, nil
	case "admin":
		return RoleAdmin, nil
	default:
		return 0, NewError(KindBadRequest, "invalid_role_name", fmt.Sprintf("invalid role name: %s", s))
	}
}

// HighestResourceRole parses a list of "resource_*" claim strings and
// returns the highest role among them. Unrecognized strings are skipped.
func HighestResourceRole(resourceRoles []string) (Role, error) {
	var (
		found   bool
		highest Role
	)
	for _, rr := range resourceRoles {
		var r Role
		switch rr {
		case "resource_user":
			r = RoleUser
		case "resource_power_user":
			r = RolePowerUser
		case "resource_manager":
			r = RoleManager
		case "resource_admin":
			r = RoleAdmin
		default:
			continue
		}
		if !found || r > highest {
			highest = r
		}
		found = true
	}
	if !found {
		return 0, NewError(KindBadRequest, "invalid_role_name", "no valid resource roles found")
	}
	return highest, nil
}

// --- AppStatus ---

// AppStatus is the application's overall lifecycle state, persisted in the
// secret store (C2). Setup means no admin has registered yet.
type AppStatus string

const (
	AppStatusSetup         AppStatus = "setup"
	AppStatusResourceAdmin AppStatus = "resource-admin"
	AppStatusReady         AppStatus = "ready"
)

// --- Alias (C5 data model) ---
//
// Alias is a closed tagged union with exactly three variants. Go has no
// native sum types, so the union is emulated with an unexported marker
// method: only types in this package can implement Alias, and every
// consumer must exhaustively switch over the three concrete types (a
// missing case is a silent bug, caught by the default-panic convention
// used throughout, e.g. in internal/alias).
type Alias interface {
	aliasName() string
	isAlias()
}

// UserAlias is a user-created mapping from a short name to a local GGUF file.
type UserAlias struct {
	ID            string
	AliasName     string
	Repo          string
	Filename      string
	Snapshot      string
	RequestParams map[string]any
	ContextParams map[string]any
	CreatedAt     time.Time
}

func (a UserAlias) aliasName() string { return a.AliasName }
func (UserAlias) isAlias()            {}
func (UserAlias) Source() string      { return "user" }

// ModelAlias is auto-discovered from the hub cache; AliasName is synthesized
// as "<repo>:<quant>" at discovery time, never stored.
type ModelAlias struct {
	AliasName string
	Repo      string
	Filename  string
	Snapshot  string
}

func (a ModelAlias) aliasName() string { return a.AliasName }
func (ModelAlias) isAlias()            {}
func (ModelAlias) Source() string      { return "model" }

// ApiAlias fronts a remote OpenAI-compatible (or similarly shaped) endpoint.
// When ForwardAllWithPrefix is true, Prefix must be non-empty and Models is
// a cache only (never consulted for matching); otherwise Models must be
// non-empty. The API key, if any, is stored out-of-band and encrypted --
// ApiAlias itself never carries key material.
type ApiAlias struct {
	ID                   string
	ApiFormat            string
	BaseURL              string
	Models               []string
	Prefix               string
	ForwardAllWithPrefix bool
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

func (a ApiAlias) aliasName() string { return a.ID }
func (ApiAlias) isAlias()            {}
func (ApiAlias) Source() string      { return "api" }

// --- Hub cache (C4 data model) ---

// HubFile identifies a file within the Hugging Face-shaped snapshot cache.
type HubFile struct {
	Repo     string
	Filename string
	Snapshot string
	Size     *int64
	Path     string // <hf_cache>/<repo-as-path>/snapshots/<snapshot>/<filename>
}

// --- Downloads (C3/C4 data model) ---

type DownloadStatus string

const (
	DownloadPending     DownloadStatus = "pending"
	DownloadDownloading DownloadStatus = "downloading"
	DownloadCompleted   DownloadStatus = "completed"
	DownloadError       DownloadStatus = "error"
)

// IsTerminal reports whether the status admits no further transitions.
func (s DownloadStatus) IsTerminal() bool {
	return s == DownloadCompleted || s == DownloadError
}

// DownloadRequest tracks a single model-file pull. At most one non-terminal
// row may exist per (Repo, Filename).
type DownloadRequest struct {
	ID        string
	Repo      string
	Filename  string
	Status    DownloadStatus
	Progress  *float64
	Error     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// --- GGUF metadata (C13 data model) ---

// ModelMetadata is the canonical extraction of a GGUF file's key/value
// header, keyed by (Repo, Filename, Snapshot).
type ModelMetadata struct {
	Repo          string
	Filename      string
	Snapshot      string
	Architecture  string
	ContextLength *int64
	KV            map[string]any
	ExtractedAt   time.Time
}

// --- API tokens (C3/C9 data model) ---

type TokenStatus string

const (
	TokenActive   TokenStatus = "active"
	TokenInactive TokenStatus = "inactive"
)

// ApiToken is an app-issued opaque bearer token. The plaintext value is
// shown to the caller exactly once, at creation; thereafter lookup is by
// TokenPrefix followed by a constant-time hash comparison.
type ApiToken struct {
	ID          string
	UserID      string
	Name        string
	TokenPrefix string // first N chars of the raw token after the fixed literal prefix
	TokenHash   string // SHA-256 hex of the full raw token
	Scope       Role
	Status      TokenStatus
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ApiTokenPrefix is the fixed literal prefix for all app-issued API tokens.
const ApiTokenPrefix = "bodhiapp_"

// MaskToken implements the display-masking rule: tokens of length <= 12 are
// masked entirely; longer tokens show their first 3 and last 6 characters.
func MaskToken(raw string) string {
	if len(raw) <= 12 {
		return "***"
	}
	return raw[:3] + "..." + raw[len(raw)-6:]
}

// HashToken returns the hex-encoded SHA-256 hash of a raw token value.
func HashToken(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}

// --- Sessions (C3/C11 data model) ---

// SessionData holds the mutable, per-session key/value bag used by the
// OAuth flow and token service. Keys are cleared individually on
// unrecoverable refresh failure; the whole Session is deleted on logout.
type SessionData struct {
	AccessToken  string
	RefreshToken string
	UserID       string
	OAuthState   string
	PKCEVerifier string
	CallbackURL  string
}

// Well-known session data keys, matching original_source's session key
// literals (used by internal/oauthflow and internal/tokensvc).
const (
	SessionKeyAccessToken  = "access_token"
	SessionKeyRefreshToken = "refresh_token"
	SessionKeyUserID       = "user_id"
	SessionKeyOAuthState   = "oauth_state"
	SessionKeyPKCEVerifier = "pkce_verifier"
	SessionKeyCallbackURL  = "callback_url"
)

type Session struct {
	ID        string
	Data      SessionData
	ExpiresAt time.Time
}

// --- Access requests (external OAuth app registration) ---

type AccessRequestStatus string

const (
	AccessRequestDraft    AccessRequestStatus = "draft"
	AccessRequestApproved AccessRequestStatus = "approved"
	AccessRequestDenied   AccessRequestStatus = "denied"
	AccessRequestExpired  AccessRequestStatus = "expired"
)

type FlowType string

const (
	FlowPopup    FlowType = "popup"
	FlowRedirect FlowType = "redirect"
)

// AccessRequest models an external OAuth client's request for a scoped
// role. The state machine is Draft -> {Approved, Denied}, with an implicit
// auto-transition to Expired observed on read past ExpiresAt; all terminal
// states reject further transitions.
type AccessRequest struct {
	ID            string
	AppClientID   string
	FlowType      FlowType
	RedirectURI   string
	Status        AccessRequestStatus
	Requested     map[string]any
	Approved      map[string]any
	UserID        string
	RequestedRole Role
	ApprovedRole  *Role
	ExpiresAt     time.Time
	CreatedAt     time.Time
}

// EffectiveStatus returns Expired if the request is still Draft but past
// ExpiresAt, else the stored status. Terminal states are never overridden.
func (a AccessRequest) EffectiveStatus(now time.Time) AccessRequestStatus {
	if a.Status == AccessRequestDraft && now.After(a.ExpiresAt) {
		return AccessRequestExpired
	}
	return a.Status
}

// Transition validates a state-machine move and returns the resulting
// status, or an error if the current state is terminal or the target is
// not reachable from Draft.
func (a AccessRequest) Transition(to AccessRequestStatus, now time.Time) (AccessRequestStatus, error) {
	current := a.EffectiveStatus(now)
	if current != AccessRequestDraft {
		return current, NewError(KindUnprocessableEntity, "access_request-already_processed", "access request already processed")
	}
	if to != AccessRequestApproved && to != AccessRequestDenied {
		return current, NewError(KindBadRequest, "access_request-invalid_transition", "invalid access request transition")
	}
	return to, nil
}

// --- AuthContext (C9 data model) ---

// AuthContext is the per-request, non-persisted result of authentication.
// It is a closed sum type with exactly four variants; consumers must
// exhaustively switch (see internal/authn).
type AuthContext interface {
	isAuthContext()
}

type AnonymousAuth struct{}

func (AnonymousAuth) isAuthContext() {}

type SessionAuth struct {
	UserID   string
	Username string
	Role     *Role
	Token    string
}

func (SessionAuth) isAuthContext() {}

// BearerAuth represents an OAuth-exchanged JWT bearer token.
type BearerAuth struct {
	UserID string
	Scope  Role
	Token  string
}

func (BearerAuth) isAuthContext() {}

// ApiTokenAuth represents an opaque app-issued API token.
type ApiTokenAuth struct {
	UserID string
	Scope  Role
	Token  string
}

func (ApiTokenAuth) isAuthContext() {}

// --- CachedToken (C10 data model) ---

// CachedToken is the in-memory cache value for both JWT (keyed by jti) and
// session access/refresh tokens.
type CachedToken struct {
	Token     string
	SHA256    string
	CreatedAt time.Time
	ExpiresAt time.Time
}

func NewCachedToken(token string, expiresAt time.Time, createdAt time.Time) CachedToken {
	h := sha256.Sum256([]byte(token))
	return CachedToken{
		Token:     token,
		SHA256:    hex.EncodeToString(h[:]),
		CreatedAt: createdAt,
		ExpiresAt: expiresAt,
	}
}

func (c CachedToken) IsExpired(now time.Time) bool { return now.After(c.ExpiresAt) }

func (c CachedToken) VerifyHash(token string) bool {
	h := sha256.Sum256([]byte(token))
	return hex.EncodeToString(h[:]) == c.SHA256
}

// --- ServerState (emitted by C6, consumed by C7) ---

// ServerState is a closed sum type describing supervisor state transitions.
type ServerState interface {
	isServerState()
}

type ServerStart struct{}

func (ServerStart) isServerState() {}

type ServerStop struct{}

func (ServerStop) isServerState() {}

type ServerChatCompletions struct{ Alias string }

func (ServerChatCompletions) isServerState() {}

type ServerVariant struct{ Variant string }

func (ServerVariant) isServerState() {}

// --- Queue + tasks (C12 data model) ---

type TaskKind string

// TaskRefreshAll is the only task kind currently defined: iterate every
// locally cached model file, extract GGUF metadata, and upsert the ledger.
const TaskRefreshAll TaskKind = "refresh_all"

type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskProcessing TaskStatus = "processing"
	TaskDone       TaskStatus = "done"
	TaskError      TaskStatus = "error"
)

// IsTerminal reports whether the status admits no further transitions.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskDone || s == TaskError
}

// Task is a durable queue entry consumed by the single background worker.
// Tasks are idempotent: re-running RefreshAll after a crash mid-run simply
// re-extracts metadata already on file.
type Task struct {
	ID        string
	Kind      TaskKind
	Status    TaskStatus
	Error     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// --- Context keys ---

type contextKey int

const (
	ctxKeyRequestID contextKey = iota
	ctxKeyAuth
)

// ContextWithRequestID returns a context carrying the given request ID.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyRequestID, id)
}

// RequestIDFromContext extracts the request ID from context, or "".
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(ctxKeyRequestID).(string)
	return id
}

// ContextWithAuth stores the resolved AuthContext for downstream handlers.
func ContextWithAuth(ctx context.Context, auth AuthContext) context.Context {
	return context.WithValue(ctx, ctxKeyAuth, auth)
}

// AuthFromContext extracts the AuthContext from context, defaulting to
// AnonymousAuth when none was set (e.g. in tests that skip middleware).
func AuthFromContext(ctx context.Context) AuthContext {
	if a, ok := ctx.Value(ctxKeyAuth).(AuthContext); ok && a != nil {
		return a
	}
	return AnonymousAuth{}
}

// --- HTTP helper shared across server handlers ---

// Authenticator validates request credentials and returns the resulting
// auth context.
type Authenticator interface {
	Authenticate(ctx context.Context, r *http.Request) (AuthContext, error)
}

// StateListener receives supervisor state transitions emitted by C6.
// Implemented by internal/keepalive.Timer.
type StateListener interface {
	OnStateChange(ServerState)
}
