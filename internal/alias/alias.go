// Package alias implements the three-tier alias resolver (C5): user
// aliases, API aliases (prefix or exact-model match), and auto-discovered
// model aliases, matched in that priority order per spec.md 4.5. Resolution
// results are cached the same shape gandalf's internal/app/router.go
// (RouterService) caches provider/model targets -- a short-TTL
// otter.Cache keyed by the incoming model string, generalized here from a
// flat []ResolvedTarget to the three-way bodhi.Alias union.
package alias

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/maypok86/otter/v2"

	bodhi "github.com/bodhiapp/bodhi/internal"
	"github.com/bodhiapp/bodhi/internal/hub"
	"github.com/bodhiapp/bodhi/internal/storage"
)

// cacheTTL mirrors gandalf's routeCacheTTL: short enough to observe alias
// CRUD changes quickly, long enough to remove per-request store/hub hits.
const cacheTTL = 10 * time.Second

type resolved struct {
	alias   bodhi.Alias
	forward string
}

// Resolver implements spec.md 4.5's three-tier resolution.
type Resolver struct {
	aliases    storage.AliasStore
	apiAliases storage.ApiAliasStore
	hub        hub.Cache
	cache      *otter.Cache[string, resolved]
}

// New constructs a Resolver backed by the ledger's alias stores and the
// hub cache (for model-alias auto-discovery).
func New(aliases storage.AliasStore, apiAliases storage.ApiAliasStore, h hub.Cache) (*Resolver, error) {
	c, err := otter.New(&otter.Options[string, resolved]{
		MaximumSize:      1024,
		ExpiryCalculator: otter.ExpiryWriting[string, resolved](cacheTTL),
	})
	if err != nil {
		return nil, err
	}
	return &Resolver{aliases: aliases, apiAliases: apiAliases, hub: h, cache: c}, nil
}

// Resolve matches model against, in order: user aliases, API aliases
// (prefix then exact), then auto-discovered model aliases. It returns the
// matched Alias and the model string to forward downstream -- identical to
// the input except for an ApiAlias match, where exactly one occurrence of
// the alias's prefix is stripped.
func (r *Resolver) Resolve(ctx context.Context, model string) (bodhi.Alias, string, error) {
	if v, ok := r.cache.GetIfPresent(model); ok {
		return v.alias, v.forward, nil
	}

	switch ua, err := r.aliases.GetAlias(ctx, model); {
	case err == nil:
		r.cache.Set(model, resolved{alias: *ua, forward: model})
		return *ua, model, nil
	case errors.Is(err, bodhi.ErrNotFound):
		// fall through to the API-alias tier
	default:
		return nil, "", err
	}

	apiAliases, err := r.apiAliases.ListApiAliases(ctx)
	if err != nil {
		return nil, "", err
	}
	if a, forward, ok := matchAPIAlias(apiAliases, model); ok {
		r.cache.Set(model, resolved{alias: a, forward: forward})
		return a, forward, nil
	}

	models, err := r.hub.ListLocalModels(ctx)
	if err != nil {
		return nil, "", err
	}
	for _, hf := range models {
		ma := bodhi.ModelAlias{
			AliasName: hf.Repo + ":" + quantTag(hf.Filename),
			Repo:      hf.Repo,
			Filename:  hf.Filename,
			Snapshot:  hf.Snapshot,
		}
		if ma.AliasName == model {
			r.cache.Set(model, resolved{alias: ma, forward: model})
			return ma, model, nil
		}
	}

	return nil, "", bodhi.NewError(bodhi.KindNotFound, "alias_error-not_found", "no alias matches model "+model)
}

// matchAPIAlias implements spec.md 4.5's API-alias tier: a prefix match
// wins over an exact models[] match, and forward_all_with_prefix aliases
// are matched by prefix alone -- their Models field is never consulted.
func matchAPIAlias(aliases []*bodhi.ApiAlias, model string) (bodhi.Alias, string, bool) {
	for _, a := range aliases {
		if a.Prefix != "" && strings.HasPrefix(model, a.Prefix) {
			return *a, strings.TrimPrefix(model, a.Prefix), true
		}
	}
	for _, a := range aliases {
		if a.ForwardAllWithPrefix {
			continue
		}
		if a.Prefix != "" {
			continue
		}
		for _, m := range a.Models {
			if m == model {
				return *a, model, true
			}
		}
	}
	return nil, "", false
}

// quantTag derives the synthesized ModelAlias suffix from a GGUF filename:
// the dot-separated segment(s) between the base name and the ".gguf"
// extension (e.g. "testalias.Q4_K_M.gguf" -> "Q4_K_M"), defaulting to
// "latest" when the filename carries no such segment. This parse rule has
// no grounding in the retrieved original_source (no alias-synthesis file
// was retrieved) -- see DESIGN.md.
func quantTag(filename string) string {
	name := strings.TrimSuffix(filename, ".gguf")
	parts := strings.Split(name, ".")
	if len(parts) < 2 {
		return "latest"
	}
	return strings.Join(parts[1:], ".")
}

// Kind discriminates the three Alias variants for consumers that need a
// comparable tag rather than a type switch (e.g. JSON envelopes).
type Kind int

const (
	KindUser Kind = iota
	KindModel
	KindAPI
)

// KindOf exhaustively classifies a, panicking on an unrecognized
// implementation -- the closed-union discipline spec.md 9 asks for,
// applied the same way internal/keepalive.Timer.OnStateChange panics on
// an unhandled ServerState variant.
func KindOf(a bodhi.Alias) Kind {
	switch a.(type) {
	case bodhi.UserAlias:
		return KindUser
	case bodhi.ModelAlias:
		return KindModel
	case bodhi.ApiAlias:
		return KindAPI
	default:
		panic("alias: unknown alias kind")
	}
}
