package queue

import (
	"bytes"
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	bodhi "github.com/bodhiapp/bodhi/internal"
	"github.com/bodhiapp/bodhi/internal/hub"
)

// writeGGUF writes a minimal valid little-endian GGUF file with one
// string key/value pair, mirroring internal/gguf's own test fixture.
func writeGGUF(t *testing.T, path string) {
	t.Helper()
	var buf bytes.Buffer
	buf.WriteString("GGUF")
	var tmp [8]byte
	binary.LittleEndian.PutUint32(tmp[:4], 3) // version
	buf.Write(tmp[:4])
	binary.LittleEndian.PutUint64(tmp[:], 0) // num_tensors
	buf.Write(tmp[:])
	binary.LittleEndian.PutUint64(tmp[:], 1) // num_kv
	buf.Write(tmp[:])

	key := "general.architecture"
	binary.LittleEndian.PutUint64(tmp[:], uint64(len(key)))
	buf.Write(tmp[:])
	buf.WriteString(key)
	binary.LittleEndian.PutUint32(tmp[:4], 8) // typeString
	buf.Write(tmp[:4])
	val := "llama"
	binary.LittleEndian.PutUint64(tmp[:], uint64(len(val)))
	buf.Write(tmp[:])
	buf.WriteString(val)

	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
}

type listOnlyHub struct {
	files []bodhi.HubFile
}

func (h *listOnlyHub) FindLocal(context.Context, string, string, string) (*bodhi.HubFile, bool, error) {
	return nil, false, nil
}
func (h *listOnlyHub) Download(context.Context, string, string, string, hub.ProgressFunc) (*bodhi.HubFile, error) {
	return nil, nil
}
func (h *listOnlyHub) LocalFileExists(context.Context, string, string, string) bool { return false }
func (h *listOnlyHub) ListLocalModels(context.Context) ([]bodhi.HubFile, error)     { return h.files, nil }
func (h *listOnlyHub) ListLocalTokenizerConfigs(context.Context) ([]bodhi.HubFile, error) {
	return nil, nil
}

type fakeMetadataStore struct {
	mu   sync.Mutex
	rows map[string]*bodhi.ModelMetadata
}

func (f *fakeMetadataStore) UpsertMetadata(_ context.Context, m *bodhi.ModelMetadata) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rows == nil {
		f.rows = map[string]*bodhi.ModelMetadata{}
	}
	cp := *m
	f.rows[m.Repo+"/"+m.Filename+"@"+m.Snapshot] = &cp
	return nil
}

func (f *fakeMetadataStore) GetMetadata(_ context.Context, repo, filename, snapshot string) (*bodhi.ModelMetadata, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.rows[repo+"/"+filename+"@"+snapshot]
	if !ok {
		return nil, bodhi.ErrNotFound
	}
	return m, nil
}

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

func TestRefreshAllHandlerExtractsEveryFile(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "model.gguf")
	writeGGUF(t, path)

	h := &listOnlyHub{files: []bodhi.HubFile{
		{Repo: "org/repo", Filename: "model.gguf", Snapshot: "snap1", Path: path},
	}}
	metadata := &fakeMetadataStore{}
	clock := fixedClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}

	handler := NewRefreshAllHandler(h, metadata, clock)
	if err := handler(context.Background(), &bodhi.Task{}); err != nil {
		t.Fatal(err)
	}

	got, err := metadata.GetMetadata(context.Background(), "org/repo", "model.gguf", "snap1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Architecture != "llama" {
		t.Errorf("architecture = %q, want llama", got.Architecture)
	}
	if !got.ExtractedAt.Equal(clock.t) {
		t.Errorf("extracted_at = %v, want %v", got.ExtractedAt, clock.t)
	}
}

func TestRefreshAllHandlerContinuesPastParseFailure(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	badPath := filepath.Join(dir, "bad.gguf")
	if err := os.WriteFile(badPath, []byte("not a gguf file"), 0o644); err != nil {
		t.Fatal(err)
	}
	goodPath := filepath.Join(dir, "good.gguf")
	writeGGUF(t, goodPath)

	h := &listOnlyHub{files: []bodhi.HubFile{
		{Repo: "org/repo", Filename: "bad.gguf", Snapshot: "snap1", Path: badPath},
		{Repo: "org/repo", Filename: "good.gguf", Snapshot: "snap1", Path: goodPath},
	}}
	metadata := &fakeMetadataStore{}

	handler := NewRefreshAllHandler(h, metadata, fixedClock{t: time.Now()})
	err := handler(context.Background(), &bodhi.Task{})
	if err == nil {
		t.Fatal("expected an error surfaced from the bad file")
	}

	if _, err := metadata.GetMetadata(context.Background(), "org/repo", "good.gguf", "snap1"); err != nil {
		t.Errorf("expected good.gguf metadata to be stored despite bad.gguf failing: %v", err)
	}
}
