// Package settings implements layered configuration (C1): command-line
// overrides, process environment, a YAML settings file, runtime defaults,
// and immutable system-pinned values, each independently locked so a read
// of one layer never blocks a write to another. Grounded on gandalf's
// internal/config/config.go (YAML + ${VAR} env-expansion) and
// original_source's services::setting_service::default_service (the
// four-independently-locked-layer design: settings_lock, defaults lock,
// cmd_lines lock, listeners lock).
package settings

import (
	"fmt"
	"os"
	"regexp"
	"sync"

	bodhi "github.com/bodhiapp/bodhi/internal"
	"go.yaml.in/yaml/v3"
)

// Source identifies which layer produced an effective value.
type Source int

const (
	SourceDefault Source = iota
	SourceSystem
	SourceSettingsFile
	SourceEnvironment
	SourceCommandLine
)

func (s Source) String() string {
	switch s {
	case SourceDefault:
		return "default"
	case SourceSystem:
		return "system"
	case SourceSettingsFile:
		return "settings_file"
	case SourceEnvironment:
		return "environment"
	case SourceCommandLine:
		return "command_line"
	default:
		return "unknown"
	}
}

// ValueType enumerates the metadata type tags consulted on Set.
type ValueType int

const (
	TypeString ValueType = iota
	TypeNumber
	TypeOption
	TypeBoolean
)

// Meta describes the type and constraints for a single settings key.
type Meta struct {
	Type    ValueType
	Min     *int64
	Max     *int64
	Options []string
}

func (m Meta) validate(key string, v any) error {
	switch m.Type {
	case TypeString:
		if _, ok := v.(string); !ok {
			return bodhi.NewError(bodhi.KindBadRequest, "setting_error-invalid_type", fmt.Sprintf("setting %q expects a string", key))
		}
	case TypeBoolean:
		if _, ok := v.(bool); !ok {
			return bodhi.NewError(bodhi.KindBadRequest, "setting_error-invalid_type", fmt.Sprintf("setting %q expects a boolean", key))
		}
	case TypeNumber:
		n, ok := toInt64(v)
		if !ok {
			return bodhi.NewError(bodhi.KindBadRequest, "setting_error-invalid_type", fmt.Sprintf("setting %q expects a number", key))
		}
		if m.Min != nil && n < *m.Min {
			return bodhi.NewError(bodhi.KindBadRequest, "setting_error-out_of_range", fmt.Sprintf("setting %q below minimum %d", key, *m.Min))
		}
		if m.Max != nil && n > *m.Max {
			return bodhi.NewError(bodhi.KindBadRequest, "setting_error-out_of_range", fmt.Sprintf("setting %q above maximum %d", key, *m.Max))
		}
	case TypeOption:
		s, ok := v.(string)
		if !ok {
			return bodhi.NewError(bodhi.KindBadRequest, "setting_error-invalid_type", fmt.Sprintf("setting %q expects a string option", key))
		}
		if len(m.Options) > 0 {
			found := false
			for _, o := range m.Options {
				if o == s {
					found = true
					break
				}
			}
			if !found {
				return bodhi.NewError(bodhi.KindBadRequest, "setting_error-invalid_option", fmt.Sprintf("setting %q must be one of %v", key, m.Options))
			}
		}
	}
	return nil
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		return int64(n), true
	default:
		return 0, false
	}
}

// Listener is notified after a successful Set or Delete. Registration is
// identity-compared: the same listener (by pointer identity of a wrapping
// struct, typically) is registered at most once.
type Listener interface {
	OnChange(key string, prevValue any, prevSource Source, newValue any, newSource Source)
}

// LookupEnv abstracts process environment reads, overridable in tests.
type LookupEnv func(key string) (string, bool)

// Service is the settings store. It is safe for concurrent use; each layer
// below is guarded by its own mutex so that, per spec.md 4.1, reads never
// block writes of unrelated keys beyond a short file-lock window.
type Service struct {
	path string

	cmdMu   sync.RWMutex
	cmdLine map[string]any

	fileMu sync.RWMutex // guards the settings file read/write, including disk I/O

	defMu    sync.RWMutex
	defaults map[string]any

	sysMu  sync.RWMutex
	system map[string]any

	metaMu sync.RWMutex
	meta   map[string]Meta

	listenersMu sync.RWMutex
	listeners   []Listener

	lookupEnv LookupEnv
}

// New constructs a Service backed by a YAML file at path (created lazily on
// first Set). system holds immutable system-pinned values (app type, env
// type, version, auth URL, realm) that are never writable via Set.
func New(path string, system map[string]any) *Service {
	return &Service{
		path:      path,
		cmdLine:   make(map[string]any),
		defaults:  make(map[string]any),
		system:    cloneMap(system),
		meta:      make(map[string]Meta),
		lookupEnv: os.LookupEnv,
	}
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// RegisterMeta declares the type/constraints for key, consulted on Set.
func (s *Service) RegisterMeta(key string, m Meta) {
	s.metaMu.Lock()
	s.meta[key] = m
	s.metaMu.Unlock()
}

// SetCommandLine installs a command-line override. Command-line values are
// set once at startup and are not persisted or notified (they have no
// prior "unset" state meaningful to listeners at boot).
func (s *Service) SetCommandLine(key string, value any) {
	s.cmdMu.Lock()
	s.cmdLine[key] = value
	s.cmdMu.Unlock()
}

// SetDefault installs a runtime default (lowest layer above system pins).
func (s *Service) SetDefault(key string, value any) {
	s.defMu.Lock()
	s.defaults[key] = value
	s.defMu.Unlock()
}

// AddListener registers l if it is not already registered (identity compare).
func (s *Service) AddListener(l Listener) {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	for _, existing := range s.listeners {
		if existing == l {
			return
		}
	}
	s.listeners = append(s.listeners, l)
}

func (s *Service) notify(key string, prevValue any, prevSource Source, newValue any, newSource Source) {
	s.listenersMu.RLock()
	listeners := make([]Listener, len(s.listeners))
	copy(listeners, s.listeners)
	s.listenersMu.RUnlock()
	for _, l := range listeners {
		l.OnChange(key, prevValue, prevSource, newValue, newSource)
	}
}

// envKey maps a settings key to its environment variable name. Settings
// keys in this system are already upper-snake-case (BODHI_*), matching
// their environment variable names one-to-one.
func envKey(key string) string { return key }

// Get resolves key by precedence: command-line, environment, settings
// file, runtime defaults, system-pinned. Returns (nil, SourceDefault) if
// the key is entirely unset.
func (s *Service) Get(key string) (any, Source) {
	s.cmdMu.RLock()
	if v, ok := s.cmdLine[key]; ok {
		s.cmdMu.RUnlock()
		return v, SourceCommandLine
	}
	s.cmdMu.RUnlock()

	if v, ok := s.lookupEnv(envKey(key)); ok {
		return v, SourceEnvironment
	}

	s.fileMu.RLock()
	fileSettings, _ := s.readFileLocked()
	s.fileMu.RUnlock()
	if v, ok := fileSettings[key]; ok {
		return v, SourceSettingsFile
	}

	s.defMu.RLock()
	if v, ok := s.defaults[key]; ok {
		s.defMu.RUnlock()
		return v, SourceDefault
	}
	s.defMu.RUnlock()

	s.sysMu.RLock()
	defer s.sysMu.RUnlock()
	if v, ok := s.system[key]; ok {
		return v, SourceSystem
	}
	return nil, SourceDefault
}

// Set writes value at the given source layer. Only SourceCommandLine,
// SourceSettingsFile, and SourceDefault are valid targets; environment and
// system values are read-only through this API. SourceSettingsFile persists
// to disk under the file lock and fires a change notification.
func (s *Service) Set(key string, value any, source Source) error {
	s.metaMu.RLock()
	m, hasMeta := s.meta[key]
	s.metaMu.RUnlock()
	if hasMeta {
		if err := m.validate(key, value); err != nil {
			return err
		}
	}

	prevValue, prevSource := s.Get(key)

	switch source {
	case SourceCommandLine:
		s.cmdMu.Lock()
		s.cmdLine[key] = value
		s.cmdMu.Unlock()
	case SourceDefault:
		s.defMu.Lock()
		s.defaults[key] = value
		s.defMu.Unlock()
	case SourceSettingsFile:
		s.fileMu.Lock()
		fileSettings, err := s.readFileLocked()
		if err != nil {
			s.fileMu.Unlock()
			return err
		}
		fileSettings[key] = value
		err = s.writeFileLocked(fileSettings)
		s.fileMu.Unlock()
		if err != nil {
			return err
		}
	default:
		return bodhi.NewError(bodhi.KindBadRequest, "setting_error-readonly_source", fmt.Sprintf("cannot set %q via source %s", key, source))
	}

	s.notify(key, prevValue, prevSource, value, source)
	return nil
}

// Delete removes the settings-file override for key, if any, and fires a
// notification reflecting the value re-resolved from the next layer down.
func (s *Service) Delete(key string) error {
	prevValue, prevSource := s.Get(key)

	s.fileMu.Lock()
	fileSettings, err := s.readFileLocked()
	if err != nil {
		s.fileMu.Unlock()
		return err
	}
	delete(fileSettings, key)
	err = s.writeFileLocked(fileSettings)
	s.fileMu.Unlock()
	if err != nil {
		return err
	}

	newValue, newSource := s.Get(key)
	s.notify(key, prevValue, prevSource, newValue, newSource)
	return nil
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// readFileLocked reads and parses the settings YAML file. Caller must hold
// fileMu. A missing file is treated as empty, matching
// with_settings_read_lock's fallback in original_source.
func (s *Service) readFileLocked() (map[string]any, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[string]any), nil
		}
		return nil, bodhi.WrapError(bodhi.KindInternal, "setting_error-read_failed", "read settings file", err)
	}
	data = envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		name := string(match[2 : len(match)-1])
		if v, ok := os.LookupEnv(name); ok {
			return []byte(v)
		}
		return match
	})
	out := make(map[string]any)
	if len(data) == 0 {
		return out, nil
	}
	if err := yaml.Unmarshal(data, &out); err != nil {
		// A corrupt settings file falls back to empty, same as the original's
		// with_settings_read_lock, rather than failing every Get call.
		return make(map[string]any), nil
	}
	return out, nil
}

// writeFileLocked serializes and writes the settings file. Caller must
// hold fileMu.
func (s *Service) writeFileLocked(m map[string]any) error {
	data, err := yaml.Marshal(m)
	if err != nil {
		return bodhi.WrapError(bodhi.KindInternal, "setting_error-marshal_failed", "marshal settings file", err)
	}
	if err := os.WriteFile(s.path, data, 0o600); err != nil {
		return bodhi.WrapError(bodhi.KindInternal, "setting_error-write_failed", "write settings file", err)
	}
	return nil
}
