package queue

import (
	"context"
	"fmt"

	bodhi "github.com/bodhiapp/bodhi/internal"
	"github.com/bodhiapp/bodhi/internal/gguf"
	"github.com/bodhiapp/bodhi/internal/hub"
	"github.com/bodhiapp/bodhi/internal/storage"
)

// NewRefreshAllHandler builds the Handler for bodhi.TaskRefreshAll: iterate
// every locally cached model file, extract its GGUF metadata, and upsert
// it into the ledger, per spec.md 4.13's bulk-refresh description. A
// parse or store failure on one file does not abort the rest; the first
// error encountered is returned so the task still lands in Error, but
// every file that did succeed keeps its refreshed metadata.
func NewRefreshAllHandler(h hub.Cache, metadata storage.MetadataStore, clock storage.TimeService) Handler {
	if clock == nil {
		clock = storage.SystemTime{}
	}
	return func(ctx context.Context, _ *bodhi.Task) error {
		files, err := h.ListLocalModels(ctx)
		if err != nil {
			return fmt.Errorf("list local models: %w", err)
		}

		var firstErr error
		for _, f := range files {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			md, err := gguf.ParseFile(f.Path)
			if err != nil {
				if firstErr == nil {
					firstErr = fmt.Errorf("parse %s/%s: %w", f.Repo, f.Filename, err)
				}
				continue
			}
			m := md.ToModelMetadata(f.Repo, f.Filename, f.Snapshot, clock.Now())
			if err := metadata.UpsertMetadata(ctx, &m); err != nil {
				if firstErr == nil {
					firstErr = fmt.Errorf("upsert metadata for %s/%s: %w", f.Repo, f.Filename, err)
				}
			}
		}
		return firstErr
	}
}
