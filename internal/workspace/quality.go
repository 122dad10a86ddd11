package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fyrsmithlabs/foundry/internal/project"
	"github.com/spf13/afero"
)

// File categories in QualityReport.FileCounts.
const (
	CategoryCode          = "code"
	CategoryDocumentation = "documentation"
	CategoryManifest      = "manifest"
	CategoryOther         = "other"
)

var (
	codeExtensions = map[string]bool{
		".py": true, ".js": true, ".ts": true, ".go": true, ".java": true,
		".rs": true, ".rb": true, ".jsx": true, ".tsx": true,
	}
	docExtensions = map[string]bool{".md": true, ".txt": true}
	manifests     = map[string]bool{
		"requirements.txt": true, "package.json": true, "go.mod": true,
		"Cargo.toml": true, "pom.xml": true,
	}
	skipDirs = map[string]bool{".git": true, StateDir: true}
)

// Score weights.
const (
	baseScore     = 50
	codeBonus     = 20
	docsBonus     = 15
	readmeBonus   = 10
	manifestBonus = 5
	maxScore      = 100
)

// Categorize returns the category of a file by name.
func Categorize(name string) string {
	base := filepath.Base(name)
	switch {
	case manifests[base]:
		return CategoryManifest
	case codeExtensions[strings.ToLower(filepath.Ext(base))]:
		return CategoryCode
	case docExtensions[strings.ToLower(filepath.Ext(base))]:
		return CategoryDocumentation
	default:
		return CategoryOther
	}
}

// Assess walks the workspace and scores the generated file set. Only
// regular files count; .git, .orchestrator and the project report are
// excluded.
func Assess(w *Workspace) (project.QualityReport, error) {
	counts := map[string]int{
		CategoryCode:          0,
		CategoryDocumentation: 0,
		CategoryManifest:      0,
		CategoryOther:         0,
	}
	total := 0
	readme := false

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
		if !info.Mode().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(w.Root, path)
		if err != nil {
			return err
		}
		if rel == ReportFile {
			return nil
		}
		if rel == "README.md" {
			readme = true
		}
		counts[Categorize(rel)]++
		total++
		return nil
	})
	if err != nil {
		return project.QualityReport{}, fmt.Errorf("scanning workspace: %w", err)
	}

	score := baseScore
	if counts[CategoryCode] > 0 {
		score += codeBonus
	}
	if counts[CategoryDocumentation] > 0 {
		score += docsBonus
	}
	if readme {
		score += readmeBonus
	}
	if counts[CategoryManifest] > 0 {
		score += manifestBonus
	}
	score = min(score, maxScore)

	return project.QualityReport{
		Score:      score,
		TotalFiles: total,
		FileCounts: counts,
		Summary: fmt.Sprintf("Generated %d files (%d code, %d documentation); quality score %d/100",
			total, counts[CategoryCode], counts[CategoryDocumentation], score),
	}, nil
}
