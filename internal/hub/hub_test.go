package hub

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func newTestCache(t *testing.T) *FileCache {
	t.Helper()
	c, err := New(t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func seedFile(t *testing.T, c *FileCache, repo, snapshot, filename string, content string) {
	t.Helper()
	dir := c.snapshotDir(repo, snapshot)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, filename), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestFindLocal(t *testing.T) {
	t.Parallel()
	c := newTestCache(t)
	seedFile(t, c, "MyFactory/testalias-gguf", "snap1", "testalias.Q4_K_M.gguf", "data")

	hf, found, err := c.FindLocal(context.Background(), "MyFactory/testalias-gguf", "testalias.Q4_K_M.gguf", "snap1")
	if err != nil {
		t.Fatal(err)
	}
	if !found {
		t.Fatal("expected file to be found")
	}
	if hf.Snapshot != "snap1" || *hf.Size != 4 {
		t.Errorf("unexpected hub file: %+v", hf)
	}

	if _, found, _ := c.FindLocal(context.Background(), "MyFactory/testalias-gguf", "missing.gguf", "snap1"); found {
		t.Error("expected missing file to not be found")
	}
}

func TestFindLocalResolvesMainRef(t *testing.T) {
	t.Parallel()
	c := newTestCache(t)
	seedFile(t, c, "org/repo", "abcd1234", "model.gguf", "data")
	refDir := filepath.Join(c.root, repoPath("org/repo"), "refs")
	if err := os.MkdirAll(refDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(refDir, "main"), []byte("abcd1234\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	hf, found, err := c.FindLocal(context.Background(), "org/repo", "model.gguf", "")
	if err != nil {
		t.Fatal(err)
	}
	if !found || hf.Snapshot != "abcd1234" {
		t.Errorf("expected resolved snapshot abcd1234, got %+v found=%v", hf, found)
	}
}

func TestLocalFileExistsCached(t *testing.T) {
	t.Parallel()
	c := newTestCache(t)
	seedFile(t, c, "org/repo", "snap1", "model.gguf", "data")

	if !c.LocalFileExists(context.Background(), "org/repo", "model.gguf", "snap1") {
		t.Error("expected file to exist")
	}
	// Remove the file; cached result should still report true within the TTL.
	os.Remove(filepath.Join(c.snapshotDir("org/repo", "snap1"), "model.gguf"))
	if !c.LocalFileExists(context.Background(), "org/repo", "model.gguf", "snap1") {
		t.Error("expected cached true result despite removal")
	}
}

func TestListLocalModels(t *testing.T) {
	t.Parallel()
	c := newTestCache(t)
	seedFile(t, c, "org/a", "s1", "weights.gguf", "x")
	seedFile(t, c, "org/b", "s1", "weights.gguf", "x")
	seedFile(t, c, "org/b", "s1", "tokenizer_config.json", "{}")

	models, err := c.ListLocalModels(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(models) != 2 {
		t.Fatalf("got %d models, want 2: %+v", len(models), models)
	}
	if models[0].Repo != "org/a" || models[1].Repo != "org/b" {
		t.Errorf("expected sorted by repo, got %+v", models)
	}

	tcs, err := c.ListLocalTokenizerConfigs(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(tcs) != 1 || tcs[0].Repo != "org/b" {
		t.Errorf("expected one tokenizer config for org/b, got %+v", tcs)
	}
}
