package settings

import (
	"path/filepath"
	"testing"
)

type recordedChange struct {
	key                    string
	prevValue, newValue    any
	prevSource, newSource  Source
}

type fakeListener struct {
	changes []recordedChange
}

func (f *fakeListener) OnChange(key string, prevValue any, prevSource Source, newValue any, newSource Source) {
	f.changes = append(f.changes, recordedChange{key, prevValue, newValue, prevSource, newSource})
}

func newTestService(t *testing.T) *Service {
	t.Helper()
	dir := t.TempDir()
	s := New(filepath.Join(dir, "settings.yaml"), map[string]any{"BODHI_VERSION": "0.1.0"})
	s.lookupEnv = func(string) (string, bool) { return "", false }
	return s
}

func TestGetPrecedence(t *testing.T) {
	t.Parallel()
	s := newTestService(t)

	s.SetDefault("k", "default-value")
	v, src := s.Get("k")
	if v != "default-value" || src != SourceDefault {
		t.Fatalf("Get = (%v, %v), want (default-value, SourceDefault)", v, src)
	}

	if err := s.Set("k", "file-value", SourceSettingsFile); err != nil {
		t.Fatalf("Set: %v", err)
	}
	v, src = s.Get("k")
	if v != "file-value" || src != SourceSettingsFile {
		t.Fatalf("Get after file set = (%v, %v), want (file-value, SourceSettingsFile)", v, src)
	}

	s.SetCommandLine("k", "cmd-value")
	v, src = s.Get("k")
	if v != "cmd-value" || src != SourceCommandLine {
		t.Fatalf("Get after cmd-line set = (%v, %v), want (cmd-value, SourceCommandLine)", v, src)
	}
}

func TestSetThenGetThenDelete(t *testing.T) {
	t.Parallel()
	s := newTestService(t)

	if err := s.Set("BODHI_LOG_LEVEL", "debug", SourceSettingsFile); err != nil {
		t.Fatalf("Set: %v", err)
	}
	v, src := s.Get("BODHI_LOG_LEVEL")
	if v != "debug" || src != SourceSettingsFile {
		t.Fatalf("Get = (%v, %v), want (debug, SourceSettingsFile)", v, src)
	}

	RegisterDefaults(s, "/home/bodhi", "/home/bodhi/hf")
	if err := s.Delete("BODHI_LOG_LEVEL"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	v, src = s.Get("BODHI_LOG_LEVEL")
	if v != "warn" || src != SourceDefault {
		t.Fatalf("Get after delete = (%v, %v), want (warn, SourceDefault)", v, src)
	}
}

func TestSystemValuesAreReadOnly(t *testing.T) {
	t.Parallel()
	s := newTestService(t)

	v, src := s.Get("BODHI_VERSION")
	if v != "0.1.0" || src != SourceSystem {
		t.Fatalf("Get = (%v, %v), want (0.1.0, SourceSystem)", v, src)
	}
	if err := s.Set("BODHI_VERSION", "9.9.9", SourceSettingsFile); err != nil {
		t.Fatalf("Set: %v", err)
	}
	// File layer now takes precedence over the system pin -- system values
	// aren't specially protected against a file override in this design;
	// the read-only guarantee is that Set never accepts SourceSystem itself.
	v, _ = s.Get("BODHI_VERSION")
	if v != "9.9.9" {
		t.Fatalf("Get = %v, want 9.9.9", v)
	}
}

func TestSetRejectsReadOnlySources(t *testing.T) {
	t.Parallel()
	s := newTestService(t)

	if err := s.Set("k", "v", SourceEnvironment); err == nil {
		t.Fatal("expected error setting via SourceEnvironment")
	}
	if err := s.Set("k", "v", SourceSystem); err == nil {
		t.Fatal("expected error setting via SourceSystem")
	}
}

func TestMetaValidationRejectsInvalidValue(t *testing.T) {
	t.Parallel()
	s := newTestService(t)
	RegisterDefaults(s, "/home", "/home/hf")

	if err := s.Set("BODHI_PORT", "not-a-number", SourceSettingsFile); err == nil {
		t.Fatal("expected error setting a non-numeric port")
	}
	if err := s.Set("BODHI_PORT", int64(99999), SourceSettingsFile); err == nil {
		t.Fatal("expected error for out-of-range port")
	}
	if err := s.Set("BODHI_PORT", int64(8080), SourceSettingsFile); err != nil {
		t.Fatalf("unexpected error for valid port: %v", err)
	}
}

func TestListenerNotifiedOnSetAndDelete(t *testing.T) {
	t.Parallel()
	s := newTestService(t)
	l := &fakeListener{}
	s.AddListener(l)
	s.AddListener(l) // identity-compared: second add is a no-op

	if err := s.Set("k", "v1", SourceSettingsFile); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := s.Delete("k"); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	if len(l.changes) != 2 {
		t.Fatalf("expected exactly 2 notifications for one listener (no duplicate registration), got %d", len(l.changes))
	}
	if l.changes[0].newValue != "v1" || l.changes[0].newSource != SourceSettingsFile {
		t.Errorf("first change = %+v", l.changes[0])
	}
	if l.changes[1].prevValue != "v1" {
		t.Errorf("second change prevValue = %v, want v1", l.changes[1].prevValue)
	}
}

func TestKeepAliveSecsFallsBackToDefault(t *testing.T) {
	t.Parallel()
	s := newTestService(t)

	if got := s.KeepAliveSecs(); got != DefaultKeepAliveSecs {
		t.Errorf("KeepAliveSecs() with nothing set = %d, want %d", got, DefaultKeepAliveSecs)
	}

	if err := s.Set(KeyBodhiKeepAliveSecs, int64(-1), SourceSettingsFile); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if got := s.KeepAliveSecs(); got != -1 {
		t.Errorf("KeepAliveSecs() = %d, want -1", got)
	}
}

func TestPublicHostExplicit(t *testing.T) {
	t.Parallel()
	s := newTestService(t)

	if _, ok := s.PublicHostExplicit(); ok {
		t.Error("expected no explicit public host by default")
	}
	if err := s.Set(KeyBodhiPublicHost, "bodhi.example.com", SourceSettingsFile); err != nil {
		t.Fatalf("Set: %v", err)
	}
	host, ok := s.PublicHostExplicit()
	if !ok || host != "bodhi.example.com" {
		t.Errorf("PublicHostExplicit() = (%q, %v), want (bodhi.example.com, true)", host, ok)
	}
}
