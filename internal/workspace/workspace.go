// Package workspace creates and inspects the per-project output directory:
// the fixed directory skeleton, the metadata document, quality scoring,
// secret scanning and the optional local git snapshot.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fyrsmithlabs/foundry/internal/logging"
	"github.com/fyrsmithlabs/foundry/internal/project"
	"github.com/fyrsmithlabs/foundry/internal/recovery"
	"github.com/fyrsmithlabs/foundry/internal/store"
	"github.com/spf13/afero"
	"go.uber.org/zap"
)

// Layout relative to a workspace root.
const (
	StateDir     = ".orchestrator"
	MetadataFile = ".orchestrator/project_metadata.json"
	OutputsDir   = ".orchestrator/outputs"
	ReportFile   = "PROJECT_REPORT.md"
)

// Dirs is the fixed skeleton created for every project.
var Dirs = []string{"src", "docs", "tests", "config", "scripts", "assets", StateDir}

// Metadata status values.
const (
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// Metadata is persisted at MetadataFile.
type Metadata struct {
	ProjectID string          `json:"project_id"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
	Request   project.Request `json:"request"`
	Plan      project.Plan    `json:"project_plan"`
	Status    string          `json:"status"`
}

// Workspace is one project's output directory.
type Workspace struct {
	Root string
	fs   afero.Fs
}

// Fs returns the filesystem the workspace lives on.
func (w *Workspace) Fs() afero.Fs { return w.fs }

// Path joins elem onto the workspace root.
func (w *Workspace) Path(elem ...string) string {
	return filepath.Join(append([]string{w.Root}, elem...)...)
}

// Manager creates workspaces under a base directory.
type Manager struct {
	fs      afero.Fs
	baseDir string
	now     func() time.Time
	logger  *zap.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithFs replaces the OS filesystem.
func WithFs(fsys afero.Fs) Option {
	return func(m *Manager) { m.fs = fsys }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// NewManager returns a Manager rooted at baseDir.
func NewManager(baseDir string, opts ...Option) *Manager {
	m := &Manager{
		fs:      afero.NewOsFs(),
		baseDir: baseDir,
		now:     time.Now,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// BaseDir returns the directory workspaces are created in.
func (m *Manager) BaseDir() string { return m.baseDir }

// Fs returns the manager's filesystem.
func (m *Manager) Fs() afero.Fs { return m.fs }

// Allocate picks the workspace root for a project without touching disk.
// The directory name is "<project id>_<YYYYmmdd_HHMMSS>".
func (m *Manager) Allocate(projectID string) *Workspace {
	name := fmt.Sprintf("%s_%s", projectID, m.now().Format("20060102_150405"))
	return &Workspace{Root: filepath.Join(m.baseDir, name), fs: m.fs}
}

// ErrOutsideBase is returned for workspace roots that are not under the
// manager's base directory.
var ErrOutsideBase = &recovery.Error{
	Kind: recovery.KindInvalidConfiguration,
	Err:  errors.New("workspace root is outside the base directory"),
}

const maxReserveAttempts = 100

// Reserve allocates a workspace root and creates it exclusively, so no two
// projects ever share a directory. A taken name gets a "_<n>" suffix.
func (m *Manager) Reserve(projectID string) (*Workspace, error) {
	w := m.Allocate(projectID)
	if !Within(m.baseDir, w.Root) {
		return nil, fmt.Errorf("%w: %s", ErrOutsideBase, w.Root)
	}
	if m.baseDir != "" {
		if err := m.fs.MkdirAll(m.baseDir, 0o755); err != nil {
			return nil, recovery.Wrap(recovery.Classify(err), "creating base directory", err)
		}
	}

	root := w.Root
	for n := 2; n <= maxReserveAttempts+1; n++ {
		err := m.fs.Mkdir(root, 0o755)
		if err == nil {
			w.Root = root
			return w, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, recovery.Wrap(recovery.Classify(err), "reserving workspace", err)
		}
		root = fmt.Sprintf("%s_%d", w.Root, n)
	}
	return nil, recovery.Wrap(recovery.KindResourceExhaustion, "reserving workspace",
		fmt.Errorf("no free directory for %s after %d attempts", w.Root, maxReserveAttempts))
}

// Within reports whether dir is base or lies under it. An empty base
// accepts every dir.
func Within(base, dir string) bool {
	if base == "" {
		return true
	}
	rel, err := filepath.Rel(filepath.Clean(base), filepath.Clean(dir))
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// Open returns a handle on an existing workspace root.
func (m *Manager) Open(root string) *Workspace {
	return &Workspace{Root: root, fs: m.fs}
}

// Setup creates the directory skeleton and writes the metadata document.
// Running it again on the same workspace keeps the original created_at.
func (m *Manager) Setup(ctx context.Context, w *Workspace, projectID string, req project.Request, plan project.Plan) error {
	if !Within(m.baseDir, w.Root) {
		return fmt.Errorf("%w: %s", ErrOutsideBase, w.Root)
	}
	for _, dir := range Dirs {
		if err := m.fs.MkdirAll(w.Path(dir), 0o755); err != nil {
			return recovery.Wrap(recovery.Classify(err), "creating workspace", err)
		}
	}

	now := m.now().UTC()
	meta := Metadata{CreatedAt: now}
	found, err := store.ReadJSON(m.fs, w.Path(MetadataFile), &meta)
	if err != nil {
		m.logger.Warn("could not read project metadata, rewriting",
			append(logging.ContextFields(ctx), zap.String("workspace", w.Root), zap.Error(err))...)
		meta = Metadata{CreatedAt: now}
	}
	if !found || meta.CreatedAt.IsZero() {
		meta.CreatedAt = now
	}
	meta.ProjectID = projectID
	meta.Request = req
	meta.Plan = plan
	meta.Status = StatusInProgress
	meta.UpdatedAt = now

	if err := store.WriteJSON(m.fs, w.Path(MetadataFile), meta); err != nil {
		return recovery.Wrap(recovery.Classify(err), "writing project metadata", err)
	}

	m.logger.Info("workspace ready", append(logging.ContextFields(ctx),
		zap.String("workspace", w.Root), zap.Bool("existing", found))...)
	return nil
}

// SetStatus updates the status recorded in the metadata document.
func (m *Manager) SetStatus(w *Workspace, status string) error {
	var meta Metadata
	found, err := store.ReadJSON(m.fs, w.Path(MetadataFile), &meta)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("%w: %s", errMissingMetadata, w.Root)
	}
	meta.Status = status
	meta.UpdatedAt = m.now().UTC()
	return store.WriteJSON(m.fs, w.Path(MetadataFile), meta)
}

var errMissingMetadata = &recovery.Error{
	Kind: recovery.KindMissingResource,
	Err:  errors.New("project metadata not found"),
}

// ReadMetadata loads a workspace's metadata document.
func ReadMetadata(fsys afero.Fs, root string) (Metadata, error) {
	var meta Metadata
	found, err := store.ReadJSON(fsys, filepath.Join(root, MetadataFile), &meta)
	if err != nil {
		return Metadata{}, err
	}
	if !found {
		return Metadata{}, fmt.Errorf("%w: %s", errMissingMetadata, root)
	}
	return meta, nil
}
