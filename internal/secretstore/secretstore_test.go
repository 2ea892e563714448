package secretstore

import (
	"testing"

	bodhi "github.com/bodhiapp/bodhi/internal"
)

func TestSetGetDeleteRoundTrip(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	s, err := New(dir, "test-encryption-key")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if v, err := s.Get("missing"); err != nil || v != "" {
		t.Fatalf("Get(missing) = (%q, %v), want (\"\", nil)", v, err)
	}

	if err := s.Set("k", "v1"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if v, err := s.Get("k"); err != nil || v != "v1" {
		t.Fatalf("Get = (%q, %v), want (v1, nil)", v, err)
	}

	if err := s.Delete("k"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if v, err := s.Get("k"); err != nil || v != "" {
		t.Fatalf("Get after delete = (%q, %v), want (\"\", nil)", v, err)
	}
}

func TestAppRegInfoRoundTrip(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	s, err := New(dir, "test-encryption-key")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if info, err := s.AppRegInfo(); err != nil || info != nil {
		t.Fatalf("AppRegInfo before setup = (%v, %v), want (nil, nil)", info, err)
	}

	want := AppRegInfo{ClientID: "abc", ClientSecret: "shh", Issuer: "https://auth.example.com/realms/bodhi"}
	if err := s.SetAppRegInfo(want); err != nil {
		t.Fatalf("SetAppRegInfo: %v", err)
	}

	got, err := s.AppRegInfo()
	if err != nil {
		t.Fatalf("AppRegInfo: %v", err)
	}
	if got == nil || *got != want {
		t.Fatalf("AppRegInfo = %+v, want %+v", got, want)
	}
}

func TestAppStatusDefaultsToSetup(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	s, err := New(dir, "test-encryption-key")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	status, err := s.AppStatus()
	if err != nil {
		t.Fatalf("AppStatus: %v", err)
	}
	if status != bodhi.AppStatusSetup {
		t.Fatalf("AppStatus = %v, want %v", status, bodhi.AppStatusSetup)
	}

	if err := s.SetAppStatus(bodhi.AppStatusReady); err != nil {
		t.Fatalf("SetAppStatus: %v", err)
	}
	status, err = s.AppStatus()
	if err != nil {
		t.Fatalf("AppStatus: %v", err)
	}
	if status != bodhi.AppStatusReady {
		t.Fatalf("AppStatus = %v, want %v", status, bodhi.AppStatusReady)
	}
}

func TestNewRejectsEmptyEncryptionKey(t *testing.T) {
	t.Parallel()
	if _, err := New(t.TempDir(), ""); err == nil {
		t.Fatal("expected error for empty encryption key")
	}
}

func TestWrongKeyFailsToDecrypt(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	s1, err := New(dir, "key-one")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s1.Set("k", "v"); err != nil {
		t.Fatalf("Set: %v", err)
	}

	s2, err := New(dir, "key-two")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := s2.Get("k"); err == nil {
		t.Fatal("expected decryption error with mismatched key")
	}
}
