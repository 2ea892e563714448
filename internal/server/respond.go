package server

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	bodhi "github.com/bodhiapp/bodhi/internal"
)

// bodyPool reuses buffers for request body reads, avoiding a per-request
// allocation from json.NewDecoder (which cannot be pooled/reset).
var bodyPool = sync.Pool{New: func() any { return new(bytes.Buffer) }}

// maxRequestBody bounds inbound JSON bodies; spec.md names no explicit
// limit, so this reuses gandalf's own figure for the same concern.
const maxRequestBody = 4 << 20

// jsonCT is a pre-allocated header value slice. Direct map assignment
// avoids the []string{v} alloc that Header.Set creates on every call.
var jsonCT = []string{"application/json"}

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Error("failed to encode response", "error", err)
		return
	}
	w.Header()["Content-Type"] = jsonCT
	w.WriteHeader(status)
	w.Write(data)
}

// errorEnvelope is spec.md 6's stable error shape, the same as
// internal/authn's own envelope plus the optional param field -- the two
// are kept in sync by hand since
// authn runs ahead of routing and can't import this package.
type errorEnvelope struct {
	Error struct {
		Type    string         `json:"type"`
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Param   map[string]any `json:"param,omitempty"`
	} `json:"error"`
}

// writeError renders any error as spec.md 6's {error:{message,type,code,param?}}
// envelope, mapping through bodhi.Kind.HTTPStatus()/TypeString() so callers
// never switch on error kind by hand. Errors not already a *bodhi.Error are
// wrapped as KindInternal, the same fallback internal/authn.writeAuthError uses.
func writeError(w http.ResponseWriter, err error) {
	e, ok := bodhi.AsError(err)
	if !ok {
		e = bodhi.WrapError(bodhi.KindInternal, "server_error-internal", "internal server error", err)
	}
	var env errorEnvelope
	env.Error.Type = e.Kind.TypeString()
	env.Error.Code = e.Code
	env.Error.Message = e.Message
	env.Error.Param = e.Param
	writeJSON(w, e.HTTPStatus(), env)
}

// decodeJSON reads the request body through bodyPool and unmarshals it into
// v, writing a 400 error envelope on failure.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	buf := bodyPool.Get().(*bytes.Buffer)
	buf.Reset()
	if _, err := buf.ReadFrom(r.Body); err != nil {
		bodyPool.Put(buf)
		writeError(w, bodhi.NewError(bodhi.KindBadRequest, "server_error-body_read", "failed to read request body"))
		return false
	}
	if err := json.Unmarshal(buf.Bytes(), v); err != nil {
		bodyPool.Put(buf)
		writeError(w, bodhi.NewError(bodhi.KindBadRequest, "server_error-body_decode", "invalid JSON request body"))
		return false
	}
	bodyPool.Put(buf)
	return true
}
