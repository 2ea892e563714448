package settings

// Well-known setting keys, matching original_source's BODHI_* environment
// variable literals (services::setting_service::default_service).
const (
	KeyBodhiHome           = "BODHI_HOME"
	KeyBodhiLogs           = "BODHI_LOGS"
	KeyHFHome              = "HF_HOME"
	KeyBodhiScheme         = "BODHI_SCHEME"
	KeyBodhiHost           = "BODHI_HOST"
	KeyBodhiPort           = "BODHI_PORT"
	KeyBodhiPublicHost     = "BODHI_PUBLIC_HOST"
	KeyBodhiPublicPort     = "BODHI_PUBLIC_PORT"
	KeyBodhiPublicScheme   = "BODHI_PUBLIC_SCHEME"
	KeyBodhiAuthURL        = "BODHI_AUTH_URL"
	KeyBodhiAuthRealm      = "BODHI_AUTH_REALM"
	KeyBodhiLogLevel       = "BODHI_LOG_LEVEL"
	KeyBodhiLogStdout      = "BODHI_LOG_STDOUT"
	KeyBodhiExecLookupPath = "BODHI_EXEC_LOOKUP_PATH"
	KeyBodhiExecVariant    = "BODHI_EXEC_VARIANT"
	KeyBodhiKeepAliveSecs  = "BODHI_KEEP_ALIVE_SECS"
	KeyBodhiEncryptionKey  = "BODHI_ENCRYPTION_KEY"
	KeyBodhiCanonicalRedirect = "BODHI_CANONICAL_REDIRECT"
)

// DefaultKeepAliveSecs is the fallback keep-alive duration used by C7 when
// the setting is absent or unparsable.
const DefaultKeepAliveSecs int64 = 300

// RegisterDefaults installs runtime defaults and metadata for every
// recognized key, mirroring DefaultSettingService::init_defaults. home and
// hfHome are resolved once at startup (typically from $HOME) and baked in
// as the default BODHI_HOME/HF_HOME.
func RegisterDefaults(s *Service, home, hfHome string) {
	s.SetDefault(KeyBodhiHome, home)
	s.SetDefault(KeyBodhiLogs, home+"/logs")
	s.SetDefault(KeyHFHome, hfHome)
	s.SetDefault(KeyBodhiScheme, "http")
	s.SetDefault(KeyBodhiHost, "localhost")
	s.SetDefault(KeyBodhiPort, int64(1135))
	s.SetDefault(KeyBodhiLogLevel, "warn")
	s.SetDefault(KeyBodhiLogStdout, false)
	s.SetDefault(KeyBodhiExecVariant, "default")
	s.SetDefault(KeyBodhiKeepAliveSecs, DefaultKeepAliveSecs)
	s.SetDefault(KeyBodhiCanonicalRedirect, true)

	s.RegisterMeta(KeyBodhiPort, Meta{Type: TypeNumber, Min: int64Ptr(1), Max: int64Ptr(65535)})
	s.RegisterMeta(KeyBodhiPublicPort, Meta{Type: TypeNumber, Min: int64Ptr(1), Max: int64Ptr(65535)})
	s.RegisterMeta(KeyBodhiKeepAliveSecs, Meta{Type: TypeNumber, Min: int64Ptr(-1)})
	s.RegisterMeta(KeyBodhiLogLevel, Meta{Type: TypeOption, Options: []string{"error", "warn", "info", "debug", "trace"}})
	s.RegisterMeta(KeyBodhiLogStdout, Meta{Type: TypeBoolean})
	s.RegisterMeta(KeyBodhiCanonicalRedirect, Meta{Type: TypeBoolean})
	s.RegisterMeta(KeyBodhiScheme, Meta{Type: TypeOption, Options: []string{"http", "https"}})
}

func int64Ptr(v int64) *int64 { return &v }

// KeepAliveSecs reads the effective keep-alive value, applying the
// documented fallback when the setting is missing or the wrong type.
func (s *Service) KeepAliveSecs() int64 {
	v, _ := s.Get(KeyBodhiKeepAliveSecs)
	n, ok := toInt64(v)
	if !ok {
		return DefaultKeepAliveSecs
	}
	return n
}

// PublicHostExplicit reports whether an operator has explicitly pinned a
// public host, consulted by C11's callback-URL resolution rule.
func (s *Service) PublicHostExplicit() (string, bool) {
	v, src := s.Get(KeyBodhiPublicHost)
	if src == SourceDefault && v == nil {
		return "", false
	}
	host, _ := v.(string)
	return host, host != ""
}
