// Package store persists small JSON documents (error logs, usage stats,
// project metadata) with atomic replacement.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"

	"github.com/spf13/afero"
)

// ErrCorrupted is returned when a document exists but cannot be decoded.
var ErrCorrupted = errors.New("document corrupted")

// ReadJSON decodes path into v. It reports false with no error when the
// file does not exist or is empty.
func ReadJSON(fsys afero.Fs, path string, v any) (bool, error) {
	data, err := afero.ReadFile(fsys, path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read %s: %w", filepath.Base(path), err)
	}
	if len(data) == 0 {
		return false, nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("%w: %s: %v", ErrCorrupted, filepath.Base(path), err)
	}
	return true, nil
}

// WriteJSON writes v to a sibling temp file and renames it over path, so a
// reader sees either the old or the new document.
func WriteJSON(fsys afero.Fs, path string, v any) error {
	if err := fsys.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", filepath.Dir(path), err)
	}

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", filepath.Base(path), err)
	}

	tmpPath := path + ".tmp"
	if err := afero.WriteFile(fsys, tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", filepath.Base(path), err)
	}
	if err := fsys.Rename(tmpPath, path); err != nil {
		_ = fsys.Remove(tmpPath)
		return fmt.Errorf("failed to rename %s: %w", filepath.Base(path), err)
	}
	return nil
}
