package oauthflow

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	bodhi "github.com/bodhiapp/bodhi/internal"
	"github.com/bodhiapp/bodhi/internal/secretstore"
	"github.com/bodhiapp/bodhi/internal/settings"
)

type fakeAuth struct {
	accessToken  string
	refreshToken string
	promoted     []string
	exchangeErr  error
	refreshErr   error
}

func (f *fakeAuth) ExchangeAuthCode(context.Context, string, string, string, string, string, string) (string, string, error) {
	if f.exchangeErr != nil {
		return "", "", f.exchangeErr
	}
	return f.accessToken, f.refreshToken, nil
}

func (f *fakeAuth) RefreshToken(context.Context, string, string, string, string) (string, string, error) {
	if f.refreshErr != nil {
		return "", "", f.refreshErr
	}
	return f.accessToken, f.refreshToken, nil
}

func (f *fakeAuth) MakeResourceAdmin(_ context.Context, _, _, _, userID string) error {
	f.promoted = append(f.promoted, userID)
	return nil
}

func newTestSettings(t *testing.T) *settings.Service {
	t.Helper()
	s := settings.New(t.TempDir()+"/settings.yaml", nil)
	settings.RegisterDefaults(s, t.TempDir(), t.TempDir())
	_ = s.Set(settings.KeyBodhiAuthURL, "https://id.example.com", settings.SourceSettingsFile)
	_ = s.Set(settings.KeyBodhiAuthRealm, "bodhi", settings.SourceSettingsFile)
	_ = s.Set(settings.KeyBodhiHost, "localhost", settings.SourceSettingsFile)
	_ = s.Set(settings.KeyBodhiPort, int64(1135), settings.SourceSettingsFile)
	return s
}

func newTestSecrets(t *testing.T) *secretstore.Store {
	t.Helper()
	store, err := secretstore.New(t.TempDir(), "test-secret-key-value")
	if err != nil {
		t.Fatal(err)
	}
	if err := store.SetAppRegInfo(secretstore.AppRegInfo{ClientID: "bodhi-client", ClientSecret: "s3cr3t", Issuer: "https://id.example.com/realms/bodhi"}); err != nil {
		t.Fatal(err)
	}
	return store
}

func unsignedAccessToken(t *testing.T, subject string) string {
	t.Helper()
	claims := idClaims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("unused"))
	if err != nil {
		t.Fatal(err)
	}
	return tok
}

func TestInitiateAlreadyAuthenticatedReturnsHome(t *testing.T) {
	t.Parallel()
	svc := New(newTestSettings(t), newTestSecrets(t), &fakeAuth{})
	sess := &bodhi.Session{ID: "s1"}

	loc, status, err := svc.Initiate(context.Background(), sess, bodhi.SessionAuth{UserID: "u1"}, "localhost:1135")
	if err != nil {
		t.Fatal(err)
	}
	if status != http.StatusOK {
		t.Errorf("status = %d, want 200", status)
	}
	if !strings.HasSuffix(loc, FrontendChatPath) {
		t.Errorf("location = %q, want suffix %q", loc, FrontendChatPath)
	}
}

func TestInitiateAnonymousBuildsAuthURL(t *testing.T) {
	t.Parallel()
	svc := New(newTestSettings(t), newTestSecrets(t), &fakeAuth{})
	sess := &bodhi.Session{ID: "s1"}

	loc, status, err := svc.Initiate(context.Background(), sess, bodhi.AnonymousAuth{}, "localhost:1135")
	if err != nil {
		t.Fatal(err)
	}
	if status != http.StatusCreated {
		t.Errorf("status = %d, want 201", status)
	}
	if !strings.Contains(loc, "client_id=bodhi-client") || !strings.Contains(loc, "code_challenge_method=S256") {
		t.Errorf("location missing expected params: %s", loc)
	}
	if sess.Data.OAuthState == "" || sess.Data.PKCEVerifier == "" || sess.Data.CallbackURL == "" {
		t.Errorf("expected session to carry oauth state/verifier/callback, got %+v", sess.Data)
	}
	if len(sess.Data.PKCEVerifier) != 43 {
		t.Errorf("pkce verifier length = %d, want 43", len(sess.Data.PKCEVerifier))
	}
}

func TestCallbackStateMismatch(t *testing.T) {
	t.Parallel()
	svc := New(newTestSettings(t), newTestSecrets(t), &fakeAuth{})
	sess := &bodhi.Session{ID: "s1", Data: bodhi.SessionData{OAuthState: "expected", PKCEVerifier: "v", CallbackURL: "http://localhost:1135/ui/auth/callback"}}

	if _, err := svc.Callback(context.Background(), sess, bodhi.AppStatusReady, "code", "wrong", "", ""); err == nil {
		t.Fatal("expected state mismatch error")
	}
}

func TestCallbackSetupRejected(t *testing.T) {
	t.Parallel()
	svc := New(newTestSettings(t), newTestSecrets(t), &fakeAuth{})
	sess := &bodhi.Session{ID: "s1"}

	if _, err := svc.Callback(context.Background(), sess, bodhi.AppStatusSetup, "code", "state", "", ""); err == nil {
		t.Fatal("expected setup-required error")
	}
}

func TestCallbackSuccess(t *testing.T) {
	t.Parallel()
	access := unsignedAccessToken(t, "user-1")
	auth := &fakeAuth{accessToken: access, refreshToken: "rt1"}
	svc := New(newTestSettings(t), newTestSecrets(t), auth)
	sess := &bodhi.Session{ID: "s1", Data: bodhi.SessionData{
		OAuthState: "state1", PKCEVerifier: strings.Repeat("v", 43), CallbackURL: "http://localhost:1135/ui/auth/callback",
	}}

	loc, err := svc.Callback(context.Background(), sess, bodhi.AppStatusReady, "auth-code", "state1", "", "")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasSuffix(loc, FrontendChatPath) {
		t.Errorf("location = %q, want suffix %q", loc, FrontendChatPath)
	}
	if sess.Data.UserID != "user-1" || sess.Data.AccessToken != access || sess.Data.RefreshToken != "rt1" {
		t.Errorf("unexpected session data: %+v", sess.Data)
	}
	if sess.Data.OAuthState != "" || sess.Data.PKCEVerifier != "" || sess.Data.CallbackURL != "" {
		t.Errorf("expected oauth/pkce/callback keys cleared, got %+v", sess.Data)
	}
	if len(auth.promoted) != 0 {
		t.Errorf("expected no promotion outside ResourceAdmin status, got %v", auth.promoted)
	}
}

func TestCallbackPromotesResourceAdmin(t *testing.T) {
	t.Parallel()
	access := unsignedAccessToken(t, "user-1")
	auth := &fakeAuth{accessToken: access, refreshToken: "rt2"}
	secrets := newTestSecrets(t)
	if err := secrets.SetAppStatus(bodhi.AppStatusResourceAdmin); err != nil {
		t.Fatal(err)
	}
	svc := New(newTestSettings(t), secrets, auth)
	sess := &bodhi.Session{ID: "s1", Data: bodhi.SessionData{
		OAuthState: "state1", PKCEVerifier: strings.Repeat("v", 43), CallbackURL: "http://localhost:1135/ui/auth/callback",
	}}

	if _, err := svc.Callback(context.Background(), sess, bodhi.AppStatusResourceAdmin, "auth-code", "state1", "", ""); err != nil {
		t.Fatal(err)
	}
	if len(auth.promoted) != 1 || auth.promoted[0] != "user-1" {
		t.Errorf("expected user-1 promoted, got %v", auth.promoted)
	}
	status, err := secrets.AppStatus()
	if err != nil {
		t.Fatal(err)
	}
	if status != bodhi.AppStatusReady {
		t.Errorf("status = %q, want ready", status)
	}
}

func TestCallbackFromProvider(t *testing.T) {
	t.Parallel()
	svc := New(newTestSettings(t), newTestSecrets(t), &fakeAuth{})
	sess := &bodhi.Session{ID: "s1", Data: bodhi.SessionData{OAuthState: "state1", PKCEVerifier: "v", CallbackURL: "http://localhost:1135/ui/auth/callback"}}

	if _, err := svc.Callback(context.Background(), sess, bodhi.AppStatusReady, "", "state1", "access_denied", "user cancelled"); err == nil {
		t.Fatal("expected provider error to surface")
	}
}

func TestCallbackURLExplicitPublicHost(t *testing.T) {
	t.Parallel()
	s := newTestSettings(t)
	if err := s.Set(settings.KeyBodhiPublicHost, "bodhi.example.com", settings.SourceSettingsFile); err != nil {
		t.Fatal(err)
	}
	if err := s.Set(settings.KeyBodhiPublicPort, int64(443), settings.SourceSettingsFile); err != nil {
		t.Fatal(err)
	}
	if err := s.Set(settings.KeyBodhiPublicScheme, "https", settings.SourceSettingsFile); err != nil {
		t.Fatal(err)
	}
	svc := New(s, newTestSecrets(t), &fakeAuth{})
	sess := &bodhi.Session{ID: "s1"}

	_, _, err := svc.Initiate(context.Background(), sess, bodhi.AnonymousAuth{}, "some-lan-host:9999")
	if err != nil {
		t.Fatal(err)
	}
	want := "https://bodhi.example.com:443" + CallbackPath
	if sess.Data.CallbackURL != want {
		t.Errorf("callback URL = %q, want %q", sess.Data.CallbackURL, want)
	}
}
