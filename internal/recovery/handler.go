package recovery

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fyrsmithlabs/foundry/internal/logging"
	"github.com/fyrsmithlabs/foundry/internal/store"
	"github.com/google/uuid"
	"github.com/spf13/afero"
	"go.uber.org/zap"
)

// Severity ranks how much operator attention a record needs.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// ErrorLogFile is the history location relative to a workspace root.
const ErrorLogFile = ".orchestrator/error_log.json"

// Record is one append-only entry in a workspace's error history.
type Record struct {
	ID             string    `json:"id"`
	Timestamp      time.Time `json:"timestamp"`
	Kind           Kind      `json:"error_type"`
	Message        string    `json:"error_message"`
	Severity       Severity  `json:"severity"`
	Context        string    `json:"context"`
	Recoverable    bool      `json:"recoverable"`
	RecoveryAction string    `json:"recovery_action,omitempty"`
	Suggestion     string    `json:"suggestion"`
}

// Entry describes a failure being logged.
type Entry struct {
	Err            error
	Severity       Severity
	Context        string
	Recoverable    bool
	RecoveryAction string
}

// Handler keeps the error history of one workspace in memory and on disk.
// Safe for concurrent use.
type Handler struct {
	fs     afero.Fs
	path   string
	logger *zap.Logger
	now    func() time.Time

	mu      sync.Mutex
	history []Record
}

// Option configures a Handler.
type Option func(*Handler)

// WithFs replaces the OS filesystem.
func WithFs(fsys afero.Fs) Option {
	return func(h *Handler) { h.fs = fsys }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(h *Handler) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(h *Handler) { h.now = now }
}

// NewHandler loads any prior history under workspaceDir. An unreadable or
// corrupt file is logged and the handler starts empty.
func NewHandler(workspaceDir string, opts ...Option) *Handler {
	h := &Handler{
		fs:     afero.NewOsFs(),
		path:   filepath.Join(workspaceDir, ErrorLogFile),
		logger: zap.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}

	history, err := readHistory(h.fs, h.path)
	if err != nil {
		h.logger.Warn("could not load error history, starting empty",
			zap.String("path", h.path), zap.Error(err))
	}
	h.history = history
	return h
}

// Log classifies, records and persists a failure, returning the record.
// Persistence failures are logged; the record is still kept in memory.
func (h *Handler) Log(ctx context.Context, e Entry) Record {
	kind := Classify(e.Err)
	if kind == "" {
		kind = KindUnexpectedRuntime
	}
	severity := e.Severity
	if severity == "" {
		severity = SeverityMedium
	}

	rec := Record{
		ID:             uuid.NewString(),
		Timestamp:      h.now().UTC(),
		Kind:           kind,
		Severity:       severity,
		Context:        e.Context,
		Recoverable:    e.Recoverable,
		RecoveryAction: e.RecoveryAction,
		Suggestion:     Suggestion(kind),
	}
	if e.Err != nil {
		rec.Message = e.Err.Error()
	}

	h.mu.Lock()
	h.history = append(h.history, rec)
	snapshot := append([]Record(nil), h.history...)
	err := store.WriteJSON(h.fs, h.path, snapshot)
	h.mu.Unlock()

	ErrorsRecorded.WithLabelValues(string(kind), string(severity)).Inc()
	if err != nil {
		PersistFailures.Inc()
		h.logger.Warn("could not save error log", zap.String("path", h.path), zap.Error(err))
	}

	h.logRecord(ctx, rec)
	return rec
}

func (h *Handler) logRecord(ctx context.Context, rec Record) {
	fields := append(logging.ContextFields(ctx),
		zap.String("error.id", rec.ID),
		zap.String("error.kind", string(rec.Kind)),
		zap.String("severity", string(rec.Severity)),
		zap.String("context", rec.Context),
		zap.Bool("recoverable", rec.Recoverable),
		zap.String("error", rec.Message),
	)
	if rec.RecoveryAction != "" {
		fields = append(fields, zap.String("recovery_action", rec.RecoveryAction))
	}

	switch rec.Severity {
	case SeverityCritical, SeverityHigh:
		h.logger.Error("pipeline error recorded", fields...)
	case SeverityMedium:
		h.logger.Warn("pipeline error recorded", fields...)
	default:
		h.logger.Info("pipeline error recorded", fields...)
	}
}

// History returns a copy of all records, oldest first.
func (h *Handler) History() []Record {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Record(nil), h.history...)
}

// Path returns the error log location.
func (h *Handler) Path() string {
	return h.path
}

// LoadHistory reads the error history of a workspace. A missing file
// yields an empty history.
func LoadHistory(fsys afero.Fs, workspaceDir string) ([]Record, error) {
	return readHistory(fsys, filepath.Join(workspaceDir, ErrorLogFile))
}

func readHistory(fsys afero.Fs, path string) ([]Record, error) {
	var records []Record
	if _, err := store.ReadJSON(fsys, path, &records); err != nil {
		return nil, err
	}
	return records, nil
}
