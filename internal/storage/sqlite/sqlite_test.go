package sqlite

import (
	"context"
	"testing"
	"time"

	bodhi "github.com/bodhiapp/bodhi/internal"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := t.TempDir() + "/test.db"
	s, err := New(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestDownloadRoundTrip(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	d := &bodhi.DownloadRequest{Repo: "org/model", Filename: "model.Q4_K_M.gguf", Status: bodhi.DownloadPending}
	if err := s.CreateDownload(ctx, d); err != nil {
		t.Fatal("create:", err)
	}
	if d.ID == "" {
		t.Fatal("expected generated id")
	}

	got, err := s.GetDownload(ctx, d.ID)
	if err != nil {
		t.Fatal("get:", err)
	}
	if got.Repo != d.Repo || got.Filename != d.Filename {
		t.Errorf("got = %+v", got)
	}

	pending, ok, err := s.GetPendingByRepoFile(ctx, d.Repo, d.Filename)
	if err != nil {
		t.Fatal(err)
	}
	if !ok || pending.ID != d.ID {
		t.Fatalf("expected pending download %s, got %+v", d.ID, pending)
	}

	if err := s.UpdateDownloadProgress(ctx, d.ID, 0.5); err != nil {
		t.Fatal("progress:", err)
	}
	got, _ = s.GetDownload(ctx, d.ID)
	if got.Progress == nil || *got.Progress != 0.5 {
		t.Errorf("progress = %v, want 0.5", got.Progress)
	}

	if err := s.UpdateDownloadStatus(ctx, d.ID, bodhi.DownloadCompleted, ""); err != nil {
		t.Fatal("status:", err)
	}

	_, ok, err = s.GetPendingByRepoFile(ctx, d.Repo, d.Filename)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("download should no longer be pending after completion")
	}

	list, err := s.ListDownloads(ctx, 0, 10)
	if err != nil {
		t.Fatal("list:", err)
	}
	if len(list) != 1 {
		t.Fatalf("list count = %d, want 1", len(list))
	}
}

func TestDownloadDedupeAtMostOnePending(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	first := &bodhi.DownloadRequest{Repo: "org/model", Filename: "f.gguf", Status: bodhi.DownloadPending}
	if err := s.CreateDownload(ctx, first); err != nil {
		t.Fatal(err)
	}
	second := &bodhi.DownloadRequest{Repo: "org/model", Filename: "f.gguf", Status: bodhi.DownloadDownloading}
	if err := s.CreateDownload(ctx, second); err == nil {
		t.Fatal("expected unique constraint violation for second non-terminal download of the same file")
	}
}

func TestMetadataUpsertAndGet(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	ctxLen := int64(4096)
	m := &bodhi.ModelMetadata{
		Repo: "org/model", Filename: "f.gguf", Snapshot: "main",
		Architecture: "llama", ContextLength: &ctxLen,
		KV:          map[string]any{"general.name": "test-model"},
		ExtractedAt: time.Now().UTC().Truncate(time.Second),
	}
	if err := s.UpsertMetadata(ctx, m); err != nil {
		t.Fatal("upsert:", err)
	}

	got, err := s.GetMetadata(ctx, "org/model", "f.gguf", "main")
	if err != nil {
		t.Fatal("get:", err)
	}
	if got.Architecture != "llama" {
		t.Errorf("architecture = %q, want llama", got.Architecture)
	}
	if got.ContextLength == nil || *got.ContextLength != 4096 {
		t.Errorf("context_length = %v, want 4096", got.ContextLength)
	}
	if got.KV["general.name"] != "test-model" {
		t.Errorf("kv = %v", got.KV)
	}

	m.Architecture = "mistral"
	if err := s.UpsertMetadata(ctx, m); err != nil {
		t.Fatal("re-upsert:", err)
	}
	got, _ = s.GetMetadata(ctx, "org/model", "f.gguf", "main")
	if got.Architecture != "mistral" {
		t.Errorf("architecture after re-upsert = %q, want mistral", got.Architecture)
	}
}

func TestAliasRoundTrip(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	a := &bodhi.UserAlias{
		AliasName: "mymodel", Repo: "org/model", Filename: "f.gguf", Snapshot: "main",
		RequestParams: map[string]any{"temperature": 0.7},
	}
	if err := s.CreateAlias(ctx, a); err != nil {
		t.Fatal("create:", err)
	}

	got, err := s.GetAlias(ctx, "mymodel")
	if err != nil {
		t.Fatal("get:", err)
	}
	if got.Repo != a.Repo {
		t.Errorf("repo = %q, want %q", got.Repo, a.Repo)
	}

	list, err := s.ListAliases(ctx)
	if err != nil {
		t.Fatal("list:", err)
	}
	if len(list) != 1 {
		t.Fatalf("list count = %d, want 1", len(list))
	}

	a.Filename = "f2.gguf"
	if err := s.UpdateAlias(ctx, a); err != nil {
		t.Fatal("update:", err)
	}
	got, _ = s.GetAlias(ctx, "mymodel")
	if got.Filename != "f2.gguf" {
		t.Errorf("filename after update = %q, want f2.gguf", got.Filename)
	}

	if err := s.DeleteAlias(ctx, "mymodel"); err != nil {
		t.Fatal("delete:", err)
	}
	_, err = s.GetAlias(ctx, "mymodel")
	if err != bodhi.ErrNotFound {
		t.Errorf("err after delete = %v, want ErrNotFound", err)
	}
}

func TestApiAliasRoundTripWithEncryptedKey(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	a := &bodhi.ApiAlias{
		ApiFormat: "openai", BaseURL: "https://api.openai.com/v1",
		Models: []string{"gpt-4o"},
	}
	if err := s.CreateApiAlias(ctx, a); err != nil {
		t.Fatal("create:", err)
	}
	if a.ID == "" {
		t.Fatal("expected generated id")
	}

	if err := s.SetEncryptedKey(ctx, a.ID, []byte("ciphertext")); err != nil {
		t.Fatal("set key:", err)
	}
	key, err := s.GetEncryptedKey(ctx, a.ID)
	if err != nil {
		t.Fatal("get key:", err)
	}
	if string(key) != "ciphertext" {
		t.Errorf("key = %q, want ciphertext", key)
	}

	got, err := s.GetApiAlias(ctx, a.ID)
	if err != nil {
		t.Fatal("get:", err)
	}
	if len(got.Models) != 1 || got.Models[0] != "gpt-4o" {
		t.Errorf("models = %v", got.Models)
	}

	got.BaseURL = "https://api.openai.com/v2"
	if err := s.UpdateApiAlias(ctx, got); err != nil {
		t.Fatal("update:", err)
	}

	list, err := s.ListApiAliases(ctx)
	if err != nil {
		t.Fatal("list:", err)
	}
	if len(list) != 1 {
		t.Fatalf("list count = %d, want 1", len(list))
	}

	if err := s.DeleteApiAlias(ctx, a.ID); err != nil {
		t.Fatal("delete:", err)
	}
	// Encrypted key side row is removed via ON DELETE CASCADE.
	if _, err := s.GetEncryptedKey(ctx, a.ID); err != bodhi.ErrNotFound {
		t.Errorf("err after cascade delete = %v, want ErrNotFound", err)
	}
}

func TestAccessRequestLifecycle(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	ar := &bodhi.AccessRequest{
		AppClientID:   "client-1",
		FlowType:      bodhi.FlowRedirect,
		Status:        bodhi.AccessRequestDraft,
		RequestedRole: bodhi.RoleUser,
		Requested:     map[string]any{"scope": "chat"},
		ExpiresAt:     time.Now().UTC().Add(time.Hour),
	}
	if err := s.CreateAccessRequest(ctx, ar); err != nil {
		t.Fatal("create:", err)
	}

	got, err := s.GetAccessRequest(ctx, ar.ID)
	if err != nil {
		t.Fatal("get:", err)
	}
	if got.Status != bodhi.AccessRequestDraft {
		t.Errorf("status = %v, want draft", got.Status)
	}

	role := bodhi.RoleUser
	if err := s.UpdateAccessRequestStatus(ctx, ar.ID, bodhi.AccessRequestApproved, &role, map[string]any{"scope": "chat"}, "user-1"); err != nil {
		t.Fatal("update status:", err)
	}
	got, _ = s.GetAccessRequest(ctx, ar.ID)
	if got.Status != bodhi.AccessRequestApproved {
		t.Errorf("status after approval = %v, want approved", got.Status)
	}
	if got.ApprovedRole == nil || *got.ApprovedRole != bodhi.RoleUser {
		t.Errorf("approved role = %v", got.ApprovedRole)
	}

	list, err := s.ListAccessRequests(ctx, 0, 10)
	if err != nil {
		t.Fatal("list:", err)
	}
	if len(list) != 1 {
		t.Fatalf("list count = %d, want 1", len(list))
	}
}

func TestAccessRequestExpiresOnReadAndSweep(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	past := time.Now().UTC().Add(-time.Minute)
	ar := &bodhi.AccessRequest{
		AppClientID:   "client-2",
		FlowType:      bodhi.FlowPopup,
		Status:        bodhi.AccessRequestDraft,
		RequestedRole: bodhi.RoleUser,
		ExpiresAt:     past,
	}
	if err := s.CreateAccessRequest(ctx, ar); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetAccessRequest(ctx, ar.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != bodhi.AccessRequestExpired {
		t.Errorf("status = %v, want expired after auto-transition on read", got.Status)
	}

	ar2 := &bodhi.AccessRequest{
		AppClientID: "client-3", FlowType: bodhi.FlowPopup,
		Status: bodhi.AccessRequestDraft, RequestedRole: bodhi.RoleUser, ExpiresAt: past,
	}
	if err := s.CreateAccessRequest(ctx, ar2); err != nil {
		t.Fatal(err)
	}
	n, err := s.Expire(ctx, time.Now().UTC())
	if err != nil {
		t.Fatal("expire sweep:", err)
	}
	if n != 1 {
		t.Errorf("expired count = %d, want 1", n)
	}
}

func TestTokenRoundTrip(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	tok := &bodhi.ApiToken{
		UserID: "user-1", Name: "ci token", TokenPrefix: "abc123",
		TokenHash: bodhi.HashToken("bodhiapp_abc123rest"), Scope: bodhi.RoleUser, Status: bodhi.TokenActive,
	}
	if err := s.CreateToken(ctx, tok); err != nil {
		t.Fatal("create:", err)
	}

	got, err := s.GetTokenByPrefix(ctx, "abc123")
	if err != nil {
		t.Fatal("get by prefix:", err)
	}
	if got.ID != tok.ID {
		t.Errorf("id = %q, want %q", got.ID, tok.ID)
	}

	got, err = s.GetToken(ctx, tok.ID)
	if err != nil {
		t.Fatal("get:", err)
	}
	if got.Name != "ci token" {
		t.Errorf("name = %q", got.Name)
	}

	list, err := s.ListTokensByUser(ctx, "user-1")
	if err != nil {
		t.Fatal("list:", err)
	}
	if len(list) != 1 {
		t.Fatalf("list count = %d, want 1", len(list))
	}

	if err := s.UpdateTokenStatus(ctx, tok.ID, bodhi.TokenInactive); err != nil {
		t.Fatal("update status:", err)
	}
	got, _ = s.GetToken(ctx, tok.ID)
	if got.Status != bodhi.TokenInactive {
		t.Errorf("status = %v, want inactive", got.Status)
	}
}

func TestPingAndClose(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	if err := s.Ping(context.Background()); err != nil {
		t.Fatal("ping:", err)
	}
}
