package alias

import (
	"context"
	"testing"

	bodhi "github.com/bodhiapp/bodhi/internal"
	"github.com/bodhiapp/bodhi/internal/hub"
)

// fakeAliasStore is an in-memory AliasStore, mirroring the shape of
// testutil's gandalf-era FakeStore but scoped to this package's tests.
type fakeAliasStore struct {
	byName map[string]*bodhi.UserAlias
}

func (s *fakeAliasStore) CreateAlias(_ context.Context, a *bodhi.UserAlias) error {
	s.byName[a.AliasName] = a
	return nil
}

func (s *fakeAliasStore) GetAlias(_ context.Context, name string) (*bodhi.UserAlias, error) {
	a, ok := s.byName[name]
	if !ok {
		return nil, bodhi.ErrNotFound
	}
	return a, nil
}

func (s *fakeAliasStore) ListAliases(context.Context) ([]*bodhi.UserAlias, error) {
	out := make([]*bodhi.UserAlias, 0, len(s.byName))
	for _, a := range s.byName {
		out = append(out, a)
	}
	return out, nil
}

func (s *fakeAliasStore) UpdateAlias(_ context.Context, a *bodhi.UserAlias) error {
	s.byName[a.AliasName] = a
	return nil
}

func (s *fakeAliasStore) DeleteAlias(_ context.Context, name string) error {
	delete(s.byName, name)
	return nil
}

type fakeApiAliasStore struct {
	aliases []*bodhi.ApiAlias
}

func (s *fakeApiAliasStore) CreateApiAlias(context.Context, *bodhi.ApiAlias) error { return nil }
func (s *fakeApiAliasStore) GetApiAlias(context.Context, string) (*bodhi.ApiAlias, error) {
	return nil, bodhi.ErrNotFound
}
func (s *fakeApiAliasStore) ListApiAliases(context.Context) ([]*bodhi.ApiAlias, error) {
	return s.aliases, nil
}
func (s *fakeApiAliasStore) UpdateApiAlias(context.Context, *bodhi.ApiAlias) error { return nil }
func (s *fakeApiAliasStore) DeleteApiAlias(context.Context, string) error          { return nil }
func (s *fakeApiAliasStore) SetEncryptedKey(context.Context, string, []byte) error { return nil }
func (s *fakeApiAliasStore) GetEncryptedKey(context.Context, string) ([]byte, error) {
	return nil, bodhi.ErrNotFound
}

type fakeHub struct {
	models []bodhi.HubFile
}

func (h *fakeHub) FindLocal(context.Context, string, string, string) (*bodhi.HubFile, bool, error) {
	return nil, false, nil
}
func (h *fakeHub) Download(context.Context, string, string, string, hub.ProgressFunc) (*bodhi.HubFile, error) {
	return nil, bodhi.ErrNotFound
}
func (h *fakeHub) LocalFileExists(context.Context, string, string, string) bool { return false }
func (h *fakeHub) ListLocalModels(context.Context) ([]bodhi.HubFile, error)     { return h.models, nil }
func (h *fakeHub) ListLocalTokenizerConfigs(context.Context) ([]bodhi.HubFile, error) {
	return nil, nil
}

func newResolver(t *testing.T, aliases *fakeAliasStore, apiAliases *fakeApiAliasStore, h *fakeHub) *Resolver {
	t.Helper()
	r, err := New(aliases, apiAliases, h)
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func TestResolveUserAliasWins(t *testing.T) {
	t.Parallel()
	aliases := &fakeAliasStore{byName: map[string]*bodhi.UserAlias{
		"myalias": {AliasName: "myalias", Repo: "org/repo", Filename: "model.gguf"},
	}}
	apiAliases := &fakeApiAliasStore{aliases: []*bodhi.ApiAlias{
		{ID: "a1", Prefix: "myalias", ForwardAllWithPrefix: true, BaseURL: "https://example.com"},
	}}
	r := newResolver(t, aliases, apiAliases, &fakeHub{})

	got, forward, err := r.Resolve(context.Background(), "myalias")
	if err != nil {
		t.Fatal(err)
	}
	if KindOf(got) != KindUser {
		t.Errorf("expected user alias to win, got kind %v", KindOf(got))
	}
	if forward != "myalias" {
		t.Errorf("forward = %q, want unchanged model string", forward)
	}
}

func TestResolveAPIAliasPrefixStripsOnce(t *testing.T) {
	t.Parallel()
	apiAliases := &fakeApiAliasStore{aliases: []*bodhi.ApiAlias{
		{ID: "a1", Prefix: "claude/", ForwardAllWithPrefix: true, BaseURL: "https://api.anthropic.com"},
	}}
	r := newResolver(t, &fakeAliasStore{byName: map[string]*bodhi.UserAlias{}}, apiAliases, &fakeHub{})

	got, forward, err := r.Resolve(context.Background(), "claude/claude-3-opus")
	if err != nil {
		t.Fatal(err)
	}
	if KindOf(got) != KindAPI {
		t.Fatalf("expected api alias match, got kind %v", KindOf(got))
	}
	if forward != "claude-3-opus" {
		t.Errorf("forward = %q, want claude-3-opus", forward)
	}
}

func TestResolveAPIAliasExactModelMatch(t *testing.T) {
	t.Parallel()
	apiAliases := &fakeApiAliasStore{aliases: []*bodhi.ApiAlias{
		{ID: "a1", Models: []string{"gpt-4o"}, BaseURL: "https://api.openai.com"},
	}}
	r := newResolver(t, &fakeAliasStore{byName: map[string]*bodhi.UserAlias{}}, apiAliases, &fakeHub{})

	got, forward, err := r.Resolve(context.Background(), "gpt-4o")
	if err != nil {
		t.Fatal(err)
	}
	if KindOf(got) != KindAPI || forward != "gpt-4o" {
		t.Errorf("got kind=%v forward=%q, want api alias unchanged forward", KindOf(got), forward)
	}
}

func TestResolveModelAliasAutoDiscovered(t *testing.T) {
	t.Parallel()
	h := &fakeHub{models: []bodhi.HubFile{
		{Repo: "MyFactory/testalias-gguf", Filename: "testalias.Q4_K_M.gguf", Snapshot: "snap1"},
	}}
	r := newResolver(t, &fakeAliasStore{byName: map[string]*bodhi.UserAlias{}}, &fakeApiAliasStore{}, h)

	got, forward, err := r.Resolve(context.Background(), "MyFactory/testalias-gguf:Q4_K_M")
	if err != nil {
		t.Fatal(err)
	}
	if KindOf(got) != KindModel || forward != "MyFactory/testalias-gguf:Q4_K_M" {
		t.Errorf("got kind=%v forward=%q", KindOf(got), forward)
	}
}

func TestResolveNotFound(t *testing.T) {
	t.Parallel()
	r := newResolver(t, &fakeAliasStore{byName: map[string]*bodhi.UserAlias{}}, &fakeApiAliasStore{}, &fakeHub{})

	if _, _, err := r.Resolve(context.Background(), "nonexistent"); err == nil {
		t.Fatal("expected error for unresolvable model")
	}
}

func TestQuantTag(t *testing.T) {
	t.Parallel()
	cases := map[string]string{
		"testalias.Q4_K_M.gguf": "Q4_K_M",
		"plainmodel.gguf":       "latest",
		"a.b.c.gguf":            "b.c",
	}
	for filename, want := range cases {
		if got := quantTag(filename); got != want {
			t.Errorf("quantTag(%q) = %q, want %q", filename, got, want)
		}
	}
}
