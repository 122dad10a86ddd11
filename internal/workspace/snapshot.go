package workspace

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/spf13/afero"
)

const gitignore = StateDir + "/\n"

// Snapshot commits the workspace's generated files to a local git
// repository, creating it on first use. It returns the commit hash, or ""
// when nothing changed. Snapshots need a workspace on the OS filesystem.
func Snapshot(w *Workspace, message string, when time.Time) (string, error) {
	if _, ok := w.fs.(*afero.OsFs); !ok {
		return "", errors.New("git snapshot requires an os filesystem")
	}

	repo, err := git.PlainOpen(w.Root)
	if errors.Is(err, git.ErrRepositoryNotExists) {
		repo, err = git.PlainInit(w.Root, false)
		if err == nil {
			err = afero.WriteFile(w.fs, filepath.Join(w.Root, ".gitignore"), []byte(gitignore), 0o644)
		}
	}
	if err != nil {
		return "", fmt.Errorf("opening workspace repository: %w", err)
	}

	wt, err := repo.Worktree()
	if err != nil {
		return "", fmt.Errorf("opening worktree: %w", err)
	}
	if err := wt.AddWithOptions(&git.AddOptions{All: true}); err != nil {
		return "", fmt.Errorf("staging files: %w", err)
	}

	status, err := wt.Status()
	if err != nil {
		return "", fmt.Errorf("reading worktree status: %w", err)
	}
	if status.IsClean() {
		return "", nil
	}

	hash, err := wt.Commit(message, &git.CommitOptions{
		Author: &object.Signature{Name: "foundry", Email: "foundry@localhost", When: when},
	})
	if err != nil {
		return "", fmt.Errorf("committing snapshot: %w", err)
	}
	return hash.String(), nil
}
