// Package sessions implements storage.SessionStore using a SQLite database
// kept separate from the main ledger file (spec.md 6: "Session store
// (separate DB file)"), grounded on the same connection-pool shape as
// internal/storage/sqlite.Store.
package sessions

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"runtime"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	bodhi "github.com/bodhiapp/bodhi/internal"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Store implements storage.SessionStore.
type Store struct {
	write *sql.DB
	read  *sql.DB
}

// New opens the sessions database at dsn and runs its migrations.
func New(dsn string) (*Store, error) {
	pragmas := "_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"

	var fullDSN string
	if dsn == ":memory:" {
		fullDSN = "file::memory:?mode=memory&cache=shared&" + pragmas
	} else {
		fullDSN = "file:" + dsn + "?" + pragmas
	}

	write, err := sql.Open("sqlite", fullDSN)
	if err != nil {
		return nil, fmt.Errorf("open sessions write db: %w", err)
	}
	write.SetMaxOpenConns(1)

	read, err := sql.Open("sqlite", fullDSN)
	if err != nil {
		write.Close()
		return nil, fmt.Errorf("open sessions read db: %w", err)
	}
	read.SetMaxOpenConns(max(4, runtime.NumCPU()))

	if err := runMigrations(write); err != nil {
		write.Close()
		read.Close()
		return nil, fmt.Errorf("sessions migrations: %w", err)
	}

	return &Store{write: write, read: read}, nil
}

func runMigrations(db *sql.DB) error {
	fsys, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("sub fs: %w", err)
	}
	provider, err := goose.NewProvider(goose.DialectSQLite3, db, fsys)
	if err != nil {
		return fmt.Errorf("create migration provider: %w", err)
	}
	_, err = provider.Up(context.Background())
	return err
}

func (s *Store) Close() error {
	return errors.Join(s.write.Close(), s.read.Close())
}

func notFoundErr(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return bodhi.ErrNotFound
	}
	return err
}

func timeToStr(t time.Time) string { return t.UTC().Format(time.RFC3339) }

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// Create inserts a new session.
func (s *Store) Create(ctx context.Context, sess *bodhi.Session) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO sessions (id, access_token, refresh_token, user_id, oauth_state, pkce_verifier, callback_url, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.Data.AccessToken, sess.Data.RefreshToken, sess.Data.UserID,
		sess.Data.OAuthState, sess.Data.PKCEVerifier, sess.Data.CallbackURL,
		timeToStr(sess.ExpiresAt),
	)
	return err
}

// Get retrieves a session by ID.
func (s *Store) Get(ctx context.Context, id string) (*bodhi.Session, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT id, access_token, refresh_token, user_id, oauth_state, pkce_verifier, callback_url, expires_at
		 FROM sessions WHERE id = ?`, id)
	return scanSession(row)
}

// Update overwrites an existing session's mutable fields.
func (s *Store) Update(ctx context.Context, sess *bodhi.Session) error {
	result, err := s.write.ExecContext(ctx,
		`UPDATE sessions SET access_token=?, refresh_token=?, user_id=?, oauth_state=?, pkce_verifier=?, callback_url=?, expires_at=?
		 WHERE id=?`,
		sess.Data.AccessToken, sess.Data.RefreshToken, sess.Data.UserID,
		sess.Data.OAuthState, sess.Data.PKCEVerifier, sess.Data.CallbackURL,
		timeToStr(sess.ExpiresAt), sess.ID,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(result)
}

// Delete removes a session, e.g. on logout.
func (s *Store) Delete(ctx context.Context, id string) error {
	_, err := s.write.ExecContext(ctx, `DELETE FROM sessions WHERE id=?`, id)
	return err
}

// DeleteExpired removes every session whose expiry has passed.
func (s *Store) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	result, err := s.write.ExecContext(ctx, `DELETE FROM sessions WHERE expires_at < ?`, timeToStr(now))
	if err != nil {
		return 0, err
	}
	n, err := result.RowsAffected()
	return int(n), err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (*bodhi.Session, error) {
	var sess bodhi.Session
	var accessToken, refreshToken, userID, oauthState, pkceVerifier, callbackURL sql.NullString
	var expiresAt string

	err := row.Scan(&sess.ID, &accessToken, &refreshToken, &userID, &oauthState, &pkceVerifier, &callbackURL, &expiresAt)
	if err != nil {
		return nil, notFoundErr(err)
	}
	sess.Data = bodhi.SessionData{
		AccessToken:  accessToken.String,
		RefreshToken: refreshToken.String,
		UserID:       userID.String,
		OAuthState:   oauthState.String,
		PKCEVerifier: pkceVerifier.String,
		CallbackURL:  callbackURL.String,
	}
	sess.ExpiresAt = parseTime(expiresAt)
	return &sess, nil
}

func checkRowsAffected(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return bodhi.ErrNotFound
	}
	return nil
}
