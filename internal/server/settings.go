package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/bodhiapp/bodhi/internal/settings"
)

// listedKeys is every setting exposed through the HTTP surface, in display
// order. Unlike internal/settings.Service, which has no native enumeration
// (each layer is an independently locked map with no combined key set),
// the admin UI needs a fixed list to render -- so this lists the key
// constants from internal/settings/keys.go, all but BODHI_ENCRYPTION_KEY,
// rather than inventing dynamic discovery.
var listedKeys = []string{
	settings.KeyBodhiHome,
	settings.KeyBodhiLogs,
	settings.KeyHFHome,
	settings.KeyBodhiScheme,
	settings.KeyBodhiHost,
	settings.KeyBodhiPort,
	settings.KeyBodhiPublicHost,
	settings.KeyBodhiPublicPort,
	settings.KeyBodhiPublicScheme,
	settings.KeyBodhiAuthURL,
	settings.KeyBodhiAuthRealm,
	settings.KeyBodhiLogLevel,
	settings.KeyBodhiLogStdout,
	settings.KeyBodhiExecLookupPath,
	settings.KeyBodhiExecVariant,
	settings.KeyBodhiKeepAliveSecs,
	settings.KeyBodhiCanonicalRedirect,
}

type settingEntry struct {
	Key    string `json:"key"`
	Value  any    `json:"value"`
	Source string `json:"source"`
}

// handleListSettings implements spec.md 6's GET /bodhi/v1/settings.
func (s *server) handleListSettings(w http.ResponseWriter, r *http.Request) {
	entries := make([]settingEntry, 0, len(listedKeys))
	for _, k := range listedKeys {
		v, src := s.deps.Settings.Get(k)
		entries = append(entries, settingEntry{Key: k, Value: v, Source: src.String()})
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": entries})
}

// handleGetSetting implements spec.md 6's GET /bodhi/v1/settings/{key}.
func (s *server) handleGetSetting(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	v, src := s.deps.Settings.Get(key)
	writeJSON(w, http.StatusOK, settingEntry{Key: key, Value: v, Source: src.String()})
}

type updateSettingRequest struct {
	Value any `json:"value"`
}

// handleUpdateSetting implements spec.md 6's PUT /bodhi/v1/settings/{key},
// always writing at the settings-file layer -- the one layer an admin
// request can durably change, per internal/settings.Service.Set's
// valid-source restriction.
func (s *server) handleUpdateSetting(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	var req updateSettingRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.deps.Settings.Set(key, req.Value, settings.SourceSettingsFile); err != nil {
		writeError(w, err)
		return
	}
	v, src := s.deps.Settings.Get(key)
	writeJSON(w, http.StatusOK, settingEntry{Key: key, Value: v, Source: src.String()})
}

// handleResetSetting implements spec.md 6's DELETE /bodhi/v1/settings/{key}.
func (s *server) handleResetSetting(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if err := s.deps.Settings.Delete(key); err != nil {
		writeError(w, err)
		return
	}
	v, src := s.deps.Settings.Get(key)
	writeJSON(w, http.StatusOK, settingEntry{Key: key, Value: v, Source: src.String()})
}
