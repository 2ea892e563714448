// Package secretstore implements the encrypted key/value file backing app
// registration info and the app's lifecycle status (C2): a single file
// under $BODHI_HOME holding a map[string]string, encrypted at rest with
// golang.org/x/crypto/nacl/secretbox using a key derived from
// BODHI_ENCRYPTION_KEY via HKDF-SHA256.
package secretstore

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/nacl/secretbox"

	bodhi "github.com/bodhiapp/bodhi/internal"
)

const fileName = "secrets.json.enc"

const (
	keyAppStatus    = "app_status"
	keyClientID     = "client_id"
	keyClientSecret = "client_secret"
	keyIssuer       = "issuer"
)

// AppRegInfo is the OAuth client registration recorded during setup.
type AppRegInfo struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	Issuer       string `json:"issuer"`
}

// Store is the encrypted secret file, guarded by a single mutex: writes
// are read-modify-write-encrypt-replace, so there is no benefit to
// separate read/write locks the way settings.Service splits its layers --
// every access touches the same one file.
type Store struct {
	mu   sync.Mutex
	path string
	key  [32]byte
}

// New derives the file encryption key from secret via HKDF-SHA256 and
// returns a Store rooted at home/secrets.json.enc.
func New(home, secret string) (*Store, error) {
	if secret == "" {
		return nil, bodhi.NewError(bodhi.KindInternal, "secretstore_error-missing_key", "BODHI_ENCRYPTION_KEY is required")
	}
	var key [32]byte
	kdf := hkdf.New(sha256.New, []byte(secret), nil, []byte("bodhi-secretstore"))
	if _, err := io.ReadFull(kdf, key[:]); err != nil {
		return nil, bodhi.WrapError(bodhi.KindInternal, "secretstore_error-kdf", "derive secret store key", err)
	}
	return &Store{path: filepath.Join(home, fileName), key: key}, nil
}

func (s *Store) readLocked() (map[string]string, error) {
	raw, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, bodhi.WrapError(bodhi.KindInternal, "secretstore_error-io", "read secret store", err)
	}
	if len(raw) < 24 {
		return nil, bodhi.NewError(bodhi.KindInternal, "secretstore_error-corrupt", "secret store file is too short to contain a nonce")
	}
	var nonce [24]byte
	copy(nonce[:], raw[:24])
	plain, ok := secretbox.Open(nil, raw[24:], &nonce, &s.key)
	if !ok {
		return nil, bodhi.NewError(bodhi.KindInternal, "secretstore_error-decrypt", "secret store decryption failed (wrong key or corrupt file)")
	}
	m := map[string]string{}
	if len(plain) > 0 {
		if err := json.Unmarshal(plain, &m); err != nil {
			return nil, bodhi.WrapError(bodhi.KindInternal, "secretstore_error-corrupt", "unmarshal secret store contents", err)
		}
	}
	return m, nil
}

func (s *Store) writeLocked(m map[string]string) error {
	plain, err := json.Marshal(m)
	if err != nil {
		return bodhi.WrapError(bodhi.KindInternal, "secretstore_error-marshal", "marshal secret store contents", err)
	}
	var nonce [24]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return bodhi.WrapError(bodhi.KindInternal, "secretstore_error-nonce", "generate secret store nonce", err)
	}
	sealed := secretbox.Seal(nonce[:], plain, &nonce, &s.key)

	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return bodhi.WrapError(bodhi.KindInternal, "secretstore_error-io", "create secret store directory", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, sealed, 0o600); err != nil {
		return bodhi.WrapError(bodhi.KindInternal, "secretstore_error-io", "write secret store", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return bodhi.WrapError(bodhi.KindInternal, "secretstore_error-io", "replace secret store", err)
	}
	return nil
}

// Get returns the opaque value stored under key, or "" if absent.
func (s *Store) Get(key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.readLocked()
	if err != nil {
		return "", err
	}
	return m[key], nil
}

// Set stores an opaque value under key.
func (s *Store) Set(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.readLocked()
	if err != nil {
		return err
	}
	m[key] = value
	return s.writeLocked(m)
}

// Delete removes key, if present.
func (s *Store) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.readLocked()
	if err != nil {
		return err
	}
	delete(m, key)
	return s.writeLocked(m)
}

// Seal encrypts plaintext with the store's derived key, for callers that
// need to persist opaque secret bytes outside the key/value file itself
// (C8's ApiAlias API keys, stored as a BLOB column by the ledger).
func (s *Store) Seal(plaintext []byte) ([]byte, error) {
	var nonce [24]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, bodhi.WrapError(bodhi.KindInternal, "secretstore_error-nonce", "generate seal nonce", err)
	}
	return secretbox.Seal(nonce[:], plaintext, &nonce, &s.key), nil
}

// Open decrypts a value produced by Seal.
func (s *Store) Open(sealed []byte) ([]byte, error) {
	if len(sealed) < 24 {
		return nil, bodhi.NewError(bodhi.KindInternal, "secretstore_error-corrupt", "sealed value is too short to contain a nonce")
	}
	var nonce [24]byte
	copy(nonce[:], sealed[:24])
	plain, ok := secretbox.Open(nil, sealed[24:], &nonce, &s.key)
	if !ok {
		return nil, bodhi.NewError(bodhi.KindInternal, "secretstore_error-decrypt", "api key decryption failed (wrong key or corrupt value)")
	}
	return plain, nil
}

// AppRegInfo returns the stored OAuth client registration, or nil if the
// app has not completed the registration step of setup.
func (s *Store) AppRegInfo() (*AppRegInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.readLocked()
	if err != nil {
		return nil, err
	}
	clientID, ok := m[keyClientID]
	if !ok || clientID == "" {
		return nil, nil
	}
	return &AppRegInfo{
		ClientID:     clientID,
		ClientSecret: m[keyClientSecret],
		Issuer:       m[keyIssuer],
	}, nil
}

// SetAppRegInfo persists the OAuth client registration.
func (s *Store) SetAppRegInfo(info AppRegInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.readLocked()
	if err != nil {
		return err
	}
	m[keyClientID] = info.ClientID
	m[keyClientSecret] = info.ClientSecret
	m[keyIssuer] = info.Issuer
	return s.writeLocked(m)
}

// AppStatus returns the app's persisted lifecycle status, defaulting to
// Setup when nothing has been recorded yet.
func (s *Store) AppStatus() (bodhi.AppStatus, error) {
	v, err := s.Get(keyAppStatus)
	if err != nil {
		return "", err
	}
	if v == "" {
		return bodhi.AppStatusSetup, nil
	}
	return bodhi.AppStatus(v), nil
}

// SetAppStatus persists the app's lifecycle status.
func (s *Store) SetAppStatus(status bodhi.AppStatus) error {
	return s.Set(keyAppStatus, string(status))
}
