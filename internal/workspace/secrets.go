package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/fyrsmithlabs/foundry/internal/project"
	"github.com/spf13/afero"
	"github.com/zricethezav/gitleaks/v8/detect"
)

// maxScanSize skips large generated artifacts.
const maxScanSize = 1 << 20

// SecretScanner looks for committed credentials in generated output.
type SecretScanner struct {
	mu       sync.Mutex
	detector *detect.Detector
}

// NewSecretScanner loads the default gitleaks rule set.
func NewSecretScanner() (*SecretScanner, error) {
	d, err := detect.NewDetectorDefaultConfig()
	if err != nil {
		return nil, fmt.Errorf("loading secret rules: %w", err)
	}
	return &SecretScanner{detector: d}, nil
}

// Scan reports findings for every regular file outside .git and
// .orchestrator, sorted by file then line.
func (s *SecretScanner) Scan(w *Workspace) ([]project.SecretFinding, error) {
	var findings []project.SecretFinding

	err := afero.Walk(w.fs, w.Root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			if path != w.Root && skipDirs[info.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if !info.Mode().IsRegular() || info.Size() > maxScanSize {
			return nil
		}

		data, err := afero.ReadFile(w.fs, path)
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(w.Root, path)
		if err != nil {
			return err
		}

		s.mu.Lock()
		found := s.detector.DetectString(string(data))
		s.mu.Unlock()

		for _, f := range found {
			findings = append(findings, project.SecretFinding{
				File:   rel,
				RuleID: f.RuleID,
				Line:   f.StartLine,
			})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scanning for secrets: %w", err)
	}

	sort.Slice(findings, func(i, j int) bool {
		if findings[i].File != findings[j].File {
			return findings[i].File < findings[j].File
		}
		return findings[i].Line < findings[j].Line
	})
	return findings, nil
}
