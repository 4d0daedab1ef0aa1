package worktree

import "errors"

var (
	// ErrRepoNotGit means the configured repo path is not a git repository.
	ErrRepoNotGit = errors.New("path is not a git repository")
	// ErrInvalidBaseBranch means the requested base branch does not exist.
	ErrInvalidBaseBranch = errors.New("base branch does not exist")
	// ErrGitCommandFailed wraps git CLI failures with their output.
	ErrGitCommandFailed = errors.New("git command failed")
)
