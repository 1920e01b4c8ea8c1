// Package gitinfo resolves git metadata recorded alongside cached
// artifacts. A missing repository is expected for pipelines run
// outside version control and is reported as an error the caller can
// ignore.
package gitinfo

import (
	"fmt"

	git "github.com/go-git/go-git/v5"
)

// Info describes the state of the enclosing git repository.
type Info struct {
	SHA      string
	ShortSHA string
	Branch   string
	Dirty    bool
}

// Describe resolves HEAD and worktree state for the repository
// containing dir.
func Describe(dir string) (*Info, error) {
	repo, err := git.PlainOpenWithOptions(dir, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return nil, fmt.Errorf("open repository: %w", err)
	}

	head, err := repo.Head()
	if err != nil {
		return nil, fmt.Errorf("resolve HEAD: %w", err)
	}

	sha := head.Hash().String()
	info := &Info{
		SHA:      sha,
		ShortSHA: sha[:8],
	}
	if head.Name().IsBranch() {
		info.Branch = head.Name().Short()
	}

	wt, err := repo.Worktree()
	if err != nil {
		return nil, fmt.Errorf("open worktree: %w", err)
	}
	status, err := wt.Status()
	if err != nil {
		return nil, fmt.Errorf("worktree status: %w", err)
	}
	info.Dirty = !status.IsClean()

	return info, nil
}
