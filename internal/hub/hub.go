// Package hub implements the read/download layer over the on-disk,
// content-addressed model cache (C4): $HF_HOME/hub/<repo-as-path>/snapshots/<snapshot>/<filename>.
// Grounded on the path-derivation note in spec.md 3 and
// original_source/crates/services/src/data_service.rs + .../pull.rs for the
// snapshot-tree layout and the "download is idempotent, resolves refs/main
// for snapshot=latest" contract. The download client is built the same way
// gandalf's cmd/gandalf/run.go buildProviderClient assembles provider
// clients: a dnscache-backed Transport shared across every outbound call,
// since hub downloads are themselves outbound HTTP just like provider
// forwarding is in the teacher.
package hub

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/maypok86/otter/v2"
	"github.com/rs/dnscache"

	bodhi "github.com/bodhiapp/bodhi/internal"
	"github.com/bodhiapp/bodhi/internal/transport"
)

// existsCacheTTL bounds how long a LocalFileExists probe is trusted before
// re-stat-ing the file, avoiding a syscall on every chat_completions call
// for files that are known to exist (or not) moments earlier.
const existsCacheTTL = 5 * time.Second

// ProgressFunc is invoked with monotonically increasing byte counts during
// Download; total is the upstream Content-Length, -1 when the upstream
// doesn't report one.
type ProgressFunc func(downloaded, total int64)

// Cache is the hub cache contract: local lookup, download, existence
// probes, and cache enumeration.
type Cache interface {
	FindLocal(ctx context.Context, repo, filename, snapshot string) (*bodhi.HubFile, bool, error)
	Download(ctx context.Context, repo, filename, snapshot string, progress ProgressFunc) (*bodhi.HubFile, error)
	LocalFileExists(ctx context.Context, repo, filename, snapshot string) bool
	ListLocalModels(ctx context.Context) ([]bodhi.HubFile, error)
	ListLocalTokenizerConfigs(ctx context.Context) ([]bodhi.HubFile, error)
}

// FileCache is the production Cache, rooted at $HF_HOME/hub.
type FileCache struct {
	root   string
	client *http.Client
	exists *otter.Cache[string, bool]
}

// New returns a FileCache rooted at hfHome/hub, downloading through an
// http.Client built over a shared dnscache.Resolver the same way gandalf's
// buildProviderClient wires one transport per provider client.
func New(hfHome string, resolver *dnscache.Resolver) (*FileCache, error) {
	client := &http.Client{
		Transport: transport.New(resolver, true),
		Timeout:   0, // per-call timeout applied via context by callers
	}
	c, err := otter.New(&otter.Options[string, bool]{
		MaximumSize:      4096,
		ExpiryCalculator: otter.ExpiryWriting[string, bool](existsCacheTTL),
	})
	if err != nil {
		return nil, fmt.Errorf("create hub exists cache: %w", err)
	}
	return &FileCache{root: filepath.Join(hfHome, "hub"), client: client, exists: c}, nil
}

// repoPath renders repo ("org/name") into the hub's on-disk directory
// convention: "models--org--name".
func repoPath(repo string) string {
	parts := strings.SplitN(repo, "/", 2)
	if len(parts) == 2 {
		return "models--" + parts[0] + "--" + parts[1]
	}
	return "models--" + repo
}

func (c *FileCache) snapshotDir(repo, snapshot string) string {
	return filepath.Join(c.root, repoPath(repo), "snapshots", snapshot)
}

// resolveSnapshot maps an empty snapshot to "main"'s resolved ref, reading
// refs/main the way the hub layout stores the current pointer.
func (c *FileCache) resolveSnapshot(repo, snapshot string) (string, error) {
	if snapshot != "" {
		return snapshot, nil
	}
	refPath := filepath.Join(c.root, repoPath(repo), "refs", "main")
	raw, err := os.ReadFile(refPath)
	if err != nil {
		return "", bodhi.WrapError(bodhi.KindNotFound, "hub_error-no_snapshot", "no known snapshot for "+repo, err)
	}
	return strings.TrimSpace(string(raw)), nil
}

func (c *FileCache) FindLocal(_ context.Context, repo, filename, snapshot string) (*bodhi.HubFile, bool, error) {
	resolved, err := c.resolveSnapshot(repo, snapshot)
	if err != nil {
		return nil, false, nil
	}
	path := filepath.Join(c.snapshotDir(repo, resolved), filename)
	info, err := os.Stat(path)
	if err != nil {
		return nil, false, nil
	}
	size := info.Size()
	return &bodhi.HubFile{Repo: repo, Filename: filename, Snapshot: resolved, Size: &size, Path: path}, true, nil
}

func (c *FileCache) LocalFileExists(ctx context.Context, repo, filename, snapshot string) bool {
	key := repo + "\x00" + filename + "\x00" + snapshot
	if v, ok := c.exists.GetIfPresent(key); ok {
		return v
	}
	_, found, _ := c.FindLocal(ctx, repo, filename, snapshot)
	c.exists.Set(key, found)
	return found
}

// Download fetches repo/filename@snapshot from the hub's resolve endpoint
// into the local snapshot tree, idempotently: an existing file is returned
// without re-downloading (its size is not checked). progress, if non-nil,
// is invoked with monotonically increasing byte counts.
func (c *FileCache) Download(ctx context.Context, repo, filename, snapshot string, progress ProgressFunc) (*bodhi.HubFile, error) {
	resolved := snapshot
	if resolved == "" {
		resolved = "main"
	}
	if hf, found, _ := c.FindLocal(ctx, repo, filename, resolved); found {
		return hf, nil
	}

	url := fmt.Sprintf("https://huggingface.co/%s/resolve/%s/%s", repo, resolved, filename)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, bodhi.WrapError(bodhi.KindInternal, "hub_error-request", "build download request", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, bodhi.WrapError(bodhi.KindServiceUnavailable, "hub_error-network", "download "+repo+"/"+filename, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, bodhi.NewError(bodhi.KindNotFound, "hub_error-not_found", "model file not found: "+repo+"/"+filename)
	}
	if resp.StatusCode >= 300 {
		return nil, bodhi.NewError(bodhi.KindServiceUnavailable, "hub_error-upstream_status", fmt.Sprintf("hub returned status %d", resp.StatusCode))
	}

	dir := c.snapshotDir(repo, resolved)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, bodhi.WrapError(bodhi.KindInternal, "hub_error-io", "create snapshot directory", err)
	}
	dest := filepath.Join(dir, filename)
	tmp := dest + ".part"
	f, err := os.Create(tmp)
	if err != nil {
		return nil, bodhi.WrapError(bodhi.KindInternal, "hub_error-io", "create download file", err)
	}

	var written int64
	total := resp.ContentLength
	buf := make([]byte, 64*1024)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := f.Write(buf[:n]); werr != nil {
				f.Close()
				os.Remove(tmp)
				return nil, bodhi.WrapError(bodhi.KindInternal, "hub_error-io", "write download file", werr)
			}
			written += int64(n)
			if progress != nil {
				progress(written, total)
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			f.Close()
			os.Remove(tmp)
			return nil, bodhi.WrapError(bodhi.KindServiceUnavailable, "hub_error-network", "read download body", readErr)
		}
	}
	f.Close()
	if err := os.Rename(tmp, dest); err != nil {
		return nil, bodhi.WrapError(bodhi.KindInternal, "hub_error-io", "finalize download file", err)
	}

	size := written
	return &bodhi.HubFile{Repo: repo, Filename: filename, Snapshot: resolved, Size: &size, Path: dest}, nil
}

// ListLocalModels enumerates every *.gguf file across every snapshot
// directory of every cached repo, sorted by repo then filename.
func (c *FileCache) ListLocalModels(_ context.Context) ([]bodhi.HubFile, error) {
	return c.listByExt(".gguf")
}

// ListLocalTokenizerConfigs enumerates every tokenizer_config.json found
// across cached snapshots.
func (c *FileCache) ListLocalTokenizerConfigs(_ context.Context) ([]bodhi.HubFile, error) {
	return c.listByName("tokenizer_config.json")
}

func (c *FileCache) listByExt(ext string) ([]bodhi.HubFile, error) {
	return c.walk(func(name string) bool { return strings.HasSuffix(name, ext) })
}

func (c *FileCache) listByName(name string) ([]bodhi.HubFile, error) {
	return c.walk(func(n string) bool { return n == name })
}

func (c *FileCache) walk(match func(string) bool) ([]bodhi.HubFile, error) {
	var out []bodhi.HubFile
	entries, err := os.ReadDir(c.root)
	if err != nil {
		if os.IsNotExist(err) {
			return out, nil
		}
		return nil, bodhi.WrapError(bodhi.KindInternal, "hub_error-io", "read hub cache root", err)
	}
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), "models--") {
			continue
		}
		repo := strings.Replace(strings.TrimPrefix(e.Name(), "models--"), "--", "/", 1)
		snapDir := filepath.Join(c.root, e.Name(), "snapshots")
		snaps, err := os.ReadDir(snapDir)
		if err != nil {
			continue
		}
		for _, snap := range snaps {
			if !snap.IsDir() {
				continue
			}
			files, err := os.ReadDir(filepath.Join(snapDir, snap.Name()))
			if err != nil {
				continue
			}
			for _, f := range files {
				if f.IsDir() || !match(f.Name()) {
					continue
				}
				info, err := f.Info()
				if err != nil {
					continue
				}
				size := info.Size()
				out = append(out, bodhi.HubFile{
					Repo:     repo,
					Filename: f.Name(),
					Snapshot: snap.Name(),
					Size:     &size,
					Path:     filepath.Join(snapDir, snap.Name(), f.Name()),
				})
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Repo != out[j].Repo {
			return out[i].Repo < out[j].Repo
		}
		return out[i].Filename < out[j].Filename
	})
	return out, nil
}
