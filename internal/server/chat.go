package server

import (
	"bytes"
	"net/http"

	"github.com/tidwall/gjson"

	bodhi "github.com/bodhiapp/bodhi/internal"
)

// readBody reads the full request body through bodyPool, the same pooling
// discipline decodeJSON uses, but returns the raw bytes instead of
// unmarshaling -- needed here since the chat/Ollama handlers only need a
// single field (gjson.GetBytes) before forwarding the body unchanged.
func readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	buf := bodyPool.Get().(*bytes.Buffer)
	buf.Reset()
	if _, err := buf.ReadFrom(r.Body); err != nil {
		bodyPool.Put(buf)
		writeError(w, bodhi.NewError(bodhi.KindBadRequest, "server_error-body_read", "failed to read request body"))
		return nil, false
	}
	out := append([]byte(nil), buf.Bytes()...)
	bodyPool.Put(buf)
	return out, true
}

// handleChatCompletion implements spec.md 6's POST /v1/chat/completions:
// resolve the requested model through the three-tier alias resolver, then
// dispatch to whichever engine that alias names. Streaming vs. non-streaming
// is entirely a router/supervisor concern -- the response is written
// directly to w either way.
func (s *server) handleChatCompletion(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}

	model := gjson.GetBytes(body, "model").String()
	if model == "" {
		writeError(w, bodhi.NewError(bodhi.KindBadRequest, "chat_error-missing_model", "request body must name a model"))
		return
	}

	a, forward, err := s.deps.Aliases.Resolve(r.Context(), model)
	if err != nil {
		writeError(w, err)
		return
	}

	if err := s.deps.Router.Dispatch(r.Context(), a, forward, body, r, w); err != nil {
		writeError(w, err)
	}
}
