package ratelimit

import (
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fyrsmithlabs/foundry/internal/store"
	"github.com/spf13/afero"
	"go.uber.org/zap"
)

// StatsFile is the usage document location relative to the base dir.
const StatsFile = ".orchestrator/api_stats.json"

// ProviderUsage holds monotonic counters for one provider.
type ProviderUsage struct {
	Requests    int64     `json:"requests"`
	Tokens      int64     `json:"tokens"`
	LastUpdated time.Time `json:"last_updated"`
}

// UsageStore persists aggregate provider usage across runs.
type UsageStore struct {
	fs     afero.Fs
	path   string
	logger *zap.Logger
	now    func() time.Time

	mu    sync.Mutex
	usage map[string]ProviderUsage
}

// NewUsageStore loads existing counters under baseDir. A corrupt file is
// logged and counting restarts from zero.
func NewUsageStore(fsys afero.Fs, baseDir string, logger *zap.Logger) *UsageStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &UsageStore{
		fs:     fsys,
		path:   filepath.Join(baseDir, StatsFile),
		logger: logger,
		now:    time.Now,
		usage:  make(map[string]ProviderUsage),
	}

	usage, err := LoadUsage(fsys, baseDir)
	if err != nil {
		logger.Warn("could not load api usage stats", zap.String("path", s.path), zap.Error(err))
	}
	for name, u := range usage {
		s.usage[name] = u
	}
	return s
}

// Add counts one request with tokens and persists. Write failures are
// logged, never returned.
func (s *UsageStore) Add(provider string, tokens int) {
	s.mu.Lock()
	u := s.usage[provider]
	u.Requests++
	if tokens > 0 {
		u.Tokens += int64(tokens)
	}
	u.LastUpdated = s.now().UTC()
	s.usage[provider] = u
	snapshot := s.copyLocked()
	err := store.WriteJSON(s.fs, s.path, snapshot)
	s.mu.Unlock()

	if err != nil {
		s.logger.Warn("could not update api usage stats", zap.String("provider", provider), zap.Error(err))
	}
}

// Usage returns a copy of all counters.
func (s *UsageStore) Usage() map[string]ProviderUsage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.copyLocked()
}

func (s *UsageStore) copyLocked() map[string]ProviderUsage {
	out := make(map[string]ProviderUsage, len(s.usage))
	for k, v := range s.usage {
		out[k] = v
	}
	return out
}

// LoadUsage reads persisted counters; a missing file yields an empty map.
func LoadUsage(fsys afero.Fs, baseDir string) (map[string]ProviderUsage, error) {
	usage := make(map[string]ProviderUsage)
	if _, err := store.ReadJSON(fsys, filepath.Join(baseDir, StatsFile), &usage); err != nil {
		return map[string]ProviderUsage{}, err
	}
	return usage, nil
}

// SortedProviders returns the keys of usage in name order.
func SortedProviders(usage map[string]ProviderUsage) []string {
	names := make([]string, 0, len(usage))
	for name := range usage {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
