package settings

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// Store persists Advanced settings between runs.
type Store interface {
	// Load returns the persisted settings, or Defaults() when nothing was
	// saved yet.
	Load() (Advanced, error)
	// Save persists a and clears its dirty flag on success.
	Save(a *Advanced) error
	// Reset removes the persisted state. Subsequent Loads return Defaults().
	Reset() error
}

// FileStore keeps settings as a JSON document at a fixed path.
type FileStore struct {
	Path string
}

func NewFileStore(path string) *FileStore {
	return &FileStore{Path: path}
}

func (s *FileStore) Load() (Advanced, error) {
	data, err := os.ReadFile(s.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return Defaults(), nil
	}
	if err != nil {
		return Defaults(), fmt.Errorf("settings: read %s: %w", s.Path, err)
	}

	// Unknown fields from newer versions are ignored; missing fields keep
	// their defaults.
	loaded := Defaults()
	if err := json.Unmarshal(data, &loaded); err != nil {
		return Defaults(), fmt.Errorf("settings: parse %s: %w", s.Path, err)
	}
	loaded.dirty = false
	return loaded, nil
}

func (s *FileStore) Save(a *Advanced) error {
	data, err := json.MarshalIndent(a, "", "  ")
	if err != nil {
		return fmt.Errorf("settings: encode: %w", err)
	}
	if dir := filepath.Dir(s.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("settings: create %s: %w", dir, err)
		}
	}
	// Write to a sibling temp file and rename so a crash mid-write never
	// leaves a truncated settings file behind.
	tmp := s.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("settings: write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, s.Path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("settings: replace %s: %w", s.Path, err)
	}
	a.dirty = false
	return nil
}

func (s *FileStore) Reset() error {
	err := os.Remove(s.Path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("settings: remove %s: %w", s.Path, err)
	}
	return nil
}
