// Package router implements C8: dispatching a validated chat-completion
// request, already matched to an Alias by internal/alias, to either the
// supervised local model engine (UserAlias/ModelAlias) or a remote
// OpenAI-compatible endpoint (ApiAlias). Grounded on gandalf's
// internal/app/router.go (RouterService) for the short-TTL otter.Cache
// shape -- here caching compiled chat templates instead of resolved
// provider targets, since alias resolution itself already moved to
// internal/alias -- and on internal/transport (adapted from gandalf's
// internal/provider/proxy.go) for the outbound HTTP plumbing.
package router

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"text/template"
	"time"

	"github.com/maypok86/otter/v2"

	bodhi "github.com/bodhiapp/bodhi/internal"
	"github.com/bodhiapp/bodhi/internal/hub"
	"github.com/bodhiapp/bodhi/internal/secretstore"
	"github.com/bodhiapp/bodhi/internal/storage"
	"github.com/bodhiapp/bodhi/internal/supervisor"
	"github.com/bodhiapp/bodhi/internal/transport"
)

// templateCacheTTL mirrors gandalf's routeCacheTTL: short enough to pick up
// a freshly downloaded tokenizer_config.json quickly, long enough to avoid
// re-reading and re-parsing it on every chat completion.
const templateCacheTTL = 10 * time.Second

const tokenizerConfigFilename = "tokenizer_config.json"

// apiChatPath is the literal outbound path spec.md 6 names for ApiAlias
// forwarding: "{base_url}/chat/completions".
const apiChatPath = "/chat/completions"

type chatTemplate struct {
	tmpl *template.Template
	raw  string
}

// Router implements spec.md 4.8's dispatch.
type Router struct {
	hub        hub.Cache
	apiAliases storage.ApiAliasStore
	secrets    *secretstore.Store
	supervisor *supervisor.Supervisor
	client     *http.Client
	templates  *otter.Cache[string, chatTemplate]
}

// New constructs a Router. client is used for outbound ApiAlias forwarding;
// if nil, a plain http.Client is used.
func New(h hub.Cache, apiAliases storage.ApiAliasStore, secrets *secretstore.Store, sup *supervisor.Supervisor, client *http.Client) (*Router, error) {
	if client == nil {
		client = &http.Client{}
	}
	c, err := otter.New(&otter.Options[string, chatTemplate]{
		MaximumSize:      256,
		ExpiryCalculator: otter.ExpiryWriting[string, chatTemplate](templateCacheTTL),
	})
	if err != nil {
		return nil, fmt.Errorf("create chat template cache: %w", err)
	}
	return &Router{hub: h, apiAliases: apiAliases, secrets: secrets, supervisor: sup, client: client, templates: c}, nil
}

// Dispatch routes a resolved alias to its target per spec.md 4.8.
// forwardModel is the model string to send onward -- unchanged from the
// caller's input except for an ApiAlias match, where internal/alias has
// already stripped the matched prefix. body is the raw incoming JSON
// request. The response (streamed or not) is written directly to w.
func (rt *Router) Dispatch(ctx context.Context, a bodhi.Alias, forwardModel string, body []byte, r *http.Request, w http.ResponseWriter) error {
	switch v := a.(type) {
	case bodhi.UserAlias:
		return rt.dispatchLocal(ctx, v.Repo, v.Filename, v.Snapshot, v.AliasName, v.ContextParams, v.RequestParams, body, w)
	case bodhi.ModelAlias:
		return rt.dispatchLocal(ctx, v.Repo, v.Filename, v.Snapshot, v.AliasName, nil, nil, body, w)
	case bodhi.ApiAlias:
		return rt.dispatchAPI(ctx, v, forwardModel, body, r, w)
	default:
		panic("router: unknown alias kind")
	}
}

func (rt *Router) dispatchLocal(ctx context.Context, repo, filename, snapshot, aliasName string,
	contextParams, requestParams map[string]any, body []byte, w http.ResponseWriter) error {

	hf, found, err := rt.hub.FindLocal(ctx, repo, filename, snapshot)
	if err != nil {
		return bodhi.WrapError(bodhi.KindInternal, "router_error-hub_lookup", "locate model file", err)
	}
	if !found {
		return bodhi.NewError(bodhi.KindNotFound, "router_error-model_missing", "model file not found: "+repo+"/"+filename)
	}

	ct := rt.loadChatTemplate(ctx, repo, hf.Snapshot)
	params := supervisor.LoadParams{
		Alias:         aliasName,
		ModelPath:     hf.Path,
		ChatTemplate:  ct.raw,
		ContextParams: contextParams,
		RequestParams: requestParams,
	}
	return rt.supervisor.ChatCompletions(ctx, params, body, ct.tmpl, w)
}

// loadChatTemplate reads and compiles repo@snapshot's tokenizer_config.json
// "chat_template" field lazily, per spec.md 4.8, caching the result. A
// missing config, missing field, or parse failure yields a zero-value
// chatTemplate (nil tmpl), which supervisor.ChatCompletions treats as "no
// template: forward the OAI request body unchanged" -- the engine is then
// responsible for its own prompt formatting.
func (rt *Router) loadChatTemplate(ctx context.Context, repo, snapshot string) chatTemplate {
	key := repo + "\x00" + snapshot
	if ct, ok := rt.templates.GetIfPresent(key); ok {
		return ct
	}
	ct := rt.readChatTemplate(ctx, repo, snapshot)
	rt.templates.Set(key, ct)
	return ct
}

func (rt *Router) readChatTemplate(ctx context.Context, repo, snapshot string) chatTemplate {
	hf, found, err := rt.hub.FindLocal(ctx, repo, tokenizerConfigFilename, snapshot)
	if err != nil || !found {
		return chatTemplate{}
	}
	raw, err := os.ReadFile(hf.Path)
	if err != nil {
		return chatTemplate{}
	}
	var cfg struct {
		ChatTemplate string `json:"chat_template"`
	}
	if err := json.Unmarshal(raw, &cfg); err != nil || cfg.ChatTemplate == "" {
		return chatTemplate{}
	}
	tmpl, err := template.New(repo).Parse(cfg.ChatTemplate)
	if err != nil {
		return chatTemplate{}
	}
	return chatTemplate{tmpl: tmpl, raw: cfg.ChatTemplate}
}

func (rt *Router) dispatchAPI(ctx context.Context, a bodhi.ApiAlias, forwardModel string, body []byte, r *http.Request, w http.ResponseWriter) error {
	rewritten, err := rewriteModel(body, forwardModel)
	if err != nil {
		return bodhi.WrapError(bodhi.KindBadRequest, "router_error-body", "parse request body", err)
	}

	setAuth := func(h http.Header) {
		key, err := rt.apiKey(ctx, a.ID)
		if err != nil || key == "" {
			return
		}
		h.Set("Authorization", "Bearer "+key)
	}

	outReq := r.Clone(ctx)
	outReq.Body = io.NopCloser(bytes.NewReader(rewritten))
	outReq.ContentLength = int64(len(rewritten))

	resp, err := transport.Do(ctx, rt.client, strings.TrimRight(a.BaseURL, "/"), setAuth, outReq, apiChatPath)
	if err != nil {
		return bodhi.WrapError(bodhi.KindServiceUnavailable, "router_error-upstream", "forward to api alias", err)
	}
	if resp.StatusCode >= 400 {
		return upstreamError(resp)
	}
	return transport.CopyResponse(w, resp)
}

// apiKey decrypts and returns the stored API key for an ApiAlias, or "" if
// none is configured.
func (rt *Router) apiKey(ctx context.Context, aliasID string) (string, error) {
	sealed, err := rt.apiAliases.GetEncryptedKey(ctx, aliasID)
	if err != nil || len(sealed) == 0 {
		return "", err
	}
	plain, err := rt.secrets.Open(sealed)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}

// rewriteModel replaces body's top-level "model" field with model,
// implementing spec.md 4.8's prefix-stripping rule for ApiAlias forwarding.
func rewriteModel(body []byte, model string) ([]byte, error) {
	var req map[string]any
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, err
	}
	req["model"] = model
	return json.Marshal(req)
}

// upstreamError reads a bounded upstream error body and maps the status
// code to a typed bodhi.Error per spec.md 4.8's 401/403/404/429/5xx rule,
// grounded on gandalf's internal/provider.ParseAPIError status-to-body
// capture shape.
func upstreamError(resp *http.Response) error {
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	msg := fmt.Sprintf("upstream returned status %d: %s", resp.StatusCode, string(body))

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return bodhi.NewError(bodhi.KindAuthentication, "router_error-upstream_auth", msg)
	case resp.StatusCode == http.StatusNotFound:
		return bodhi.NewError(bodhi.KindNotFound, "router_error-upstream_not_found", msg)
	case resp.StatusCode == http.StatusTooManyRequests:
		return bodhi.NewError(bodhi.KindServiceUnavailable, "router_error-upstream_rate_limited", msg)
	case resp.StatusCode >= 500:
		return bodhi.NewError(bodhi.KindServiceUnavailable, "router_error-upstream_5xx", msg)
	default:
		return bodhi.NewError(bodhi.KindInternal, "router_error-upstream_status", msg)
	}
}
