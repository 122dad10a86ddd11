package catalog

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// ErrNoOverride is returned by Watch when the store has no override file.
var ErrNoOverride = errors.New("no catalog override file configured")

// Store serves the current catalog and reloads it when the override file
// changes. A failed reload keeps the previous catalog.
type Store struct {
	path    string
	logger  *zap.Logger
	current atomic.Pointer[Catalog]
	reloads atomic.Int64
}

// NewStore loads the catalog for path (may be empty).
func NewStore(path string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	c, err := Load(path)
	if err != nil {
		return nil, err
	}
	s := &Store{path: path, logger: logger}
	s.current.Store(c)
	return s, nil
}

// Current returns the active catalog.
func (s *Store) Current() *Catalog {
	return s.current.Load()
}

// Reloads counts successful reloads.
func (s *Store) Reloads() int64 {
	return s.reloads.Load()
}

// Reload re-reads the override file.
func (s *Store) Reload() error {
	c, err := Load(s.path)
	if err != nil {
		return err
	}
	s.current.Store(c)
	s.reloads.Add(1)
	return nil
}

// Watch reloads on changes to the override file until ctx is done. The
// parent directory is watched so editors that replace the file are seen.
// ready, if non-nil, is closed once the watch is registered.
func (s *Store) Watch(ctx context.Context, ready chan<- struct{}) error {
	if s.path == "" {
		return ErrNoOverride
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating catalog watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()

	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		return fmt.Errorf("watching %s: %w", filepath.Dir(s.path), err)
	}
	if ready != nil {
		close(ready)
	}

	target := filepath.Clean(s.path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if err := s.Reload(); err != nil {
				s.logger.Warn("catalog reload failed, keeping previous catalog",
					zap.String("path", s.path), zap.Error(err))
				continue
			}
			s.logger.Info("catalog reloaded", zap.String("path", s.path))
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("catalog watcher error", zap.Error(err))
		}
	}
}
