// Package config provides hot-reloadable YAML/JSON configuration with
// dotted-path access and environment variable expansion.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// snapshot is an immutable view of the configuration tree. Readers load it
// through an atomic pointer so a reload never produces a torn read.
type snapshot struct {
	tree    map[string]any
	modTime time.Time
}

// Store holds the configuration for the whole process. Construct one at
// startup and pass it to every component; there are no package-level globals.
type Store struct {
	path string
	log  zerolog.Logger

	cur atomic.Pointer[snapshot]

	// mu serializes writers (Set, Save, reload). Readers never take it.
	mu sync.Mutex

	reloadMu     sync.Mutex
	reloading    bool
	reloadStopCh chan struct{}
	reloadDoneCh chan struct{}
}

// Load reads the configuration file at path. A missing or malformed file is
// not an error: the store falls back to built-in defaults and logs a warning.
func Load(path string, log zerolog.Logger) *Store {
	s := &Store{path: path, log: log}

	tree, modTime, err := readFile(path)
	if err != nil {
		s.log.Warn().Err(err).Str("path", path).
			Str("event_type", "config_fallback").
			Msg("config unavailable, using built-in defaults")
		tree = Defaults()
	}

	s.cur.Store(&snapshot{tree: tree, modTime: modTime})
	return s
}

// readFile parses the file as JSON when the extension is .json, YAML
// otherwise, and expands ${NAME} scalars from the environment.
func readFile(path string) (map[string]any, time.Time, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("stat config: %w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("read config: %w", err)
	}

	tree := map[string]any{}
	if strings.EqualFold(filepath.Ext(path), ".json") {
		if err := json.Unmarshal(data, &tree); err != nil {
			return nil, time.Time{}, fmt.Errorf("parse config: %w", err)
		}
	} else {
		if err := yaml.Unmarshal(data, &tree); err != nil {
			return nil, time.Time{}, fmt.Errorf("parse config: %w", err)
		}
	}

	expanded, _ := expandEnv(tree).(map[string]any)
	if expanded == nil {
		expanded = map[string]any{}
	}
	return expanded, info.ModTime(), nil
}

// expandEnv replaces scalar strings of the exact form ${NAME} with the value
// of the environment variable NAME, if set. Applied at load time only.
func expandEnv(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = expandEnv(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = expandEnv(val)
		}
		return out
	case string:
		if strings.HasPrefix(t, "${") && strings.HasSuffix(t, "}") && len(t) > 3 {
			name := t[2 : len(t)-1]
			if env, ok := os.LookupEnv(name); ok {
				return env
			}
		}
		return t
	default:
		return v
	}
}

// Get resolves a dotted path like "monitoring.cpu_threshold". Any missing
// segment or type mismatch returns def; Get never fails.
func (s *Store) Get(path string, def any) any {
	cur := any(s.cur.Load().tree)
	for _, key := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return def
		}
		cur, ok = m[key]
		if !ok {
			return def
		}
	}
	return cur
}

// GetString returns the string at path, or def.
func (s *Store) GetString(path, def string) string {
	if v, ok := s.Get(path, def).(string); ok {
		return v
	}
	return def
}

// GetBool returns the bool at path, or def.
func (s *Store) GetBool(path string, def bool) bool {
	if v, ok := s.Get(path, def).(bool); ok {
		return v
	}
	return def
}

// GetFloat returns the float at path, or def. YAML decodes whole numbers as
// int, so both numeric kinds are accepted.
func (s *Store) GetFloat(path string, def float64) float64 {
	switch v := s.Get(path, def).(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	default:
		return def
	}
}

// GetInt returns the int at path, or def.
func (s *Store) GetInt(path string, def int) int {
	switch v := s.Get(path, def).(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return def
	}
}

// GetDuration interprets the value at path as seconds when numeric, or as a
// Go duration string.
func (s *Store) GetDuration(path string, def time.Duration) time.Duration {
	switch v := s.Get(path, nil).(type) {
	case int:
		return time.Duration(v) * time.Second
	case int64:
		return time.Duration(v) * time.Second
	case float64:
		return time.Duration(v * float64(time.Second))
	case string:
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
		return def
	default:
		return def
	}
}

// GetStringSlice returns the string sequence at path, or def.
func (s *Store) GetStringSlice(path string, def []string) []string {
	raw, ok := s.Get(path, nil).([]any)
	if !ok {
		return def
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		str, ok := item.(string)
		if !ok {
			return def
		}
		out = append(out, str)
	}
	return out
}

// Set writes value at the dotted path, creating intermediate maps as needed.
// The change is in-memory only until Save. Readers observe the new tree
// atomically.
func (s *Store) Set(path string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()

	old := s.cur.Load()
	tree, _ := deepCopy(old.tree).(map[string]any)
	if tree == nil {
		tree = map[string]any{}
	}

	keys := strings.Split(path, ".")
	cur := tree
	for _, key := range keys[:len(keys)-1] {
		next, ok := cur[key].(map[string]any)
		if !ok {
			next = map[string]any{}
			cur[key] = next
		}
		cur = next
	}
	cur[keys[len(keys)-1]] = value

	s.cur.Store(&snapshot{tree: tree, modTime: old.modTime})
}

func deepCopy(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = deepCopy(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = deepCopy(val)
		}
		return out
	default:
		return v
	}
}

// Save writes the current tree back to the config file via a temp file and
// rename. Failure is logged, not returned as a crash to the caller.
func (s *Store) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.cur.Load()

	var (
		data []byte
		err  error
	)
	if strings.EqualFold(filepath.Ext(s.path), ".json") {
		data, err = json.MarshalIndent(cur.tree, "", "  ")
	} else {
		data, err = yaml.Marshal(cur.tree)
	}
	if err != nil {
		s.log.Error().Err(err).Msg("failed to encode config")
		return fmt.Errorf("encode config: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		s.log.Error().Err(err).Str("path", s.path).Msg("failed to write config")
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		s.log.Error().Err(err).Str("path", s.path).Msg("failed to replace config")
		return fmt.Errorf("replace config: %w", err)
	}
	return nil
}

// Tree returns the current configuration tree. The returned map is shared;
// callers must treat it as read-only.
func (s *Store) Tree() map[string]any {
	return s.cur.Load().tree
}

// EnableHotReload starts a background poller that reloads the file when its
// modification time advances. Calling it while a poller is already running is
// a no-op.
func (s *Store) EnableHotReload(interval time.Duration) {
	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()

	if s.reloading {
		return
	}
	if interval <= 0 {
		interval = time.Second
	}

	s.reloading = true
	s.reloadStopCh = make(chan struct{})
	s.reloadDoneCh = make(chan struct{})

	go s.reloadLoop(interval, s.reloadStopCh, s.reloadDoneCh)
	s.log.Info().Dur("interval", interval).Msg("config hot-reload enabled")
}

// DisableHotReload stops the poller and waits for it to exit, bounded by one
// poll interval plus a grace period. Safe to call multiple times.
func (s *Store) DisableHotReload() {
	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()

	if !s.reloading {
		return
	}
	s.reloading = false
	close(s.reloadStopCh)

	select {
	case <-s.reloadDoneCh:
	case <-time.After(5 * time.Second):
		s.log.Warn().Msg("config hot-reload poller did not stop in time")
	}
}

func (s *Store) reloadLoop(interval time.Duration, stopCh, doneCh chan struct{}) {
	defer close(doneCh)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			s.maybeReload()
		}
	}
}

func (s *Store) maybeReload() {
	info, err := os.Stat(s.path)
	if err != nil {
		return
	}
	if !info.ModTime().After(s.cur.Load().modTime) {
		return
	}

	tree, modTime, err := readFile(s.path)
	if err != nil {
		s.log.Warn().Err(err).Str("path", s.path).Msg("config changed but reload failed, keeping previous")
		return
	}

	s.mu.Lock()
	s.cur.Store(&snapshot{tree: tree, modTime: modTime})
	s.mu.Unlock()

	s.log.Info().Str("path", s.path).
		Str("event_type", "config_reloaded").
		Msg("configuration reloaded")
}
