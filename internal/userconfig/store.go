package userconfig

import (
	"os"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
)

const configTOMLFileName = "config.toml"

type EditorPrefs struct {
	Theme        string `json:"theme" toml:"theme"`
	TabWidth     int    `json:"tab_width" toml:"tab_width"`
	DebounceMS   int    `json:"write_debounce_ms" toml:"write_debounce_ms"`
	DefaultOwner string `json:"default_owner" toml:"default_owner"`
}

type Prefs struct {
	LocalPort      int         `json:"local_port" toml:"local_port"`
	Transport      string      `json:"transport" toml:"transport"`
	PollIntervalMS int         `json:"poll_interval_ms" toml:"poll_interval_ms"`
	Editor         EditorPrefs `json:"editor" toml:"editor"`
}

type Store struct {
	dir string
}

func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

func (s *Store) LoadOrInit() (Prefs, error) {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return Prefs{}, err
	}

	path := filepath.Join(s.dir, configTOMLFileName)
	if b, err := os.ReadFile(path); err == nil {
		var prefs Prefs
		if err := toml.Unmarshal(b, &prefs); err != nil {
			return Prefs{}, err
		}
		return normalizePrefs(prefs), nil
	} else if !os.IsNotExist(err) {
		return Prefs{}, err
	}

	prefs := normalizePrefs(Prefs{})
	if err := writeTOMLAtomically(path, prefs); err != nil {
		return Prefs{}, err
	}
	return prefs, nil
}

func (s *Store) Save(prefs Prefs) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return err
	}
	return writeTOMLAtomically(filepath.Join(s.dir, configTOMLFileName), normalizePrefs(prefs))
}

func normalizePrefs(prefs Prefs) Prefs {
	if prefs.LocalPort <= 0 {
		prefs.LocalPort = 4680
	}
	switch strings.ToLower(strings.TrimSpace(prefs.Transport)) {
	case "poll":
		prefs.Transport = "poll"
	default:
		prefs.Transport = "stream"
	}
	if prefs.PollIntervalMS <= 0 {
		prefs.PollIntervalMS = 1000
	}
	if prefs.Editor.Theme == "" {
		prefs.Editor.Theme = "dracula"
	}
	if prefs.Editor.TabWidth <= 0 {
		prefs.Editor.TabWidth = 4
	}
	if prefs.Editor.DebounceMS <= 0 {
		prefs.Editor.DebounceMS = 500
	}
	return prefs
}

func writeTOMLAtomically(path string, v any) error {
	b, err := toml.Marshal(v)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
