// Package worktree provisions git worktrees so concurrent agents never
// share a checkout. The orchestrator consumes the RepoManager
// interface; Manager is the git-CLI implementation.
package worktree

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/bloom/bloom/internal/common/logger"
)

// RepoManager is the orchestrator's view of worktree provisioning.
type RepoManager interface {
	// GetWorktreePath returns the deterministic checkout path for a
	// repo/branch pair without touching git.
	GetWorktreePath(repo, branch string) string
	// EnsureWorktree makes sure a checkout exists for the branch,
	// creating the branch from baseBranch when it does not exist yet.
	EnsureWorktree(ctx context.Context, repo, branch, baseBranch string) error
	// BareRepoExists reports whether repo points at a git repository.
	BareRepoExists(repo string) bool
}

// Config holds worktree settings.
type Config struct {
	// BaseDir is where checkouts are created, one subdirectory per
	// repo name and branch.
	BaseDir string `mapstructure:"base_dir"`
}

// Manager implements RepoManager with the git CLI. Per-repo locks
// serialize worktree mutations; git does not tolerate concurrent
// `worktree add` against one repository.
type Manager struct {
	cfg Config
	log *logger.Logger

	repoLockMu sync.Mutex
	repoLocks  map[string]*sync.Mutex
}

// NewManager creates a Manager and its base directory.
func NewManager(cfg Config, log *logger.Logger) (*Manager, error) {
	if cfg.BaseDir == "" {
		return nil, fmt.Errorf("worktree base dir is required")
	}
	if err := os.MkdirAll(cfg.BaseDir, 0o755); err != nil {
		return nil, fmt.Errorf("create worktree base dir: %w", err)
	}
	return &Manager{
		cfg:       cfg,
		log:       log.WithFields(zap.String("component", "worktree-manager")),
		repoLocks: make(map[string]*sync.Mutex),
	}, nil
}

var unsafePathChars = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

func sanitize(s string) string {
	s = unsafePathChars.ReplaceAllString(s, "-")
	return strings.Trim(s, "-")
}

// GetWorktreePath returns <baseDir>/<repoName>/<branch> with unsafe
// characters collapsed.
func (m *Manager) GetWorktreePath(repo, branch string) string {
	repoName := sanitize(filepath.Base(strings.TrimSuffix(repo, ".git")))
	return filepath.Join(m.cfg.BaseDir, repoName, sanitize(branch))
}

// BareRepoExists reports whether repo is a git repository (working
// checkout or bare).
func (m *Manager) BareRepoExists(repo string) bool {
	if _, err := os.Stat(repo); err != nil {
		return false
	}
	cmd := exec.Command("git", "-C", repo, "rev-parse", "--git-dir")
	return cmd.Run() == nil
}

// EnsureWorktree creates the checkout if missing. Existing valid
// checkouts are reused; a leftover directory that git no longer knows
// about is an error surfaced to the caller rather than silently
// deleted.
func (m *Manager) EnsureWorktree(ctx context.Context, repo, branch, baseBranch string) error {
	if !m.BareRepoExists(repo) {
		return fmt.Errorf("%w: %s", ErrRepoNotGit, repo)
	}

	lock := m.repoLock(repo)
	lock.Lock()
	defer lock.Unlock()

	path := m.GetWorktreePath(repo, branch)
	if m.isValidWorktree(path) {
		return nil
	}
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%w: %s exists but is not a worktree", ErrGitCommandFailed, path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create worktree parent dir: %w", err)
	}

	var cmd *exec.Cmd
	if m.branchExists(repo, branch) {
		cmd = exec.CommandContext(ctx, "git", "worktree", "add", path, branch)
	} else {
		base := baseBranch
		if base == "" {
			base = "HEAD"
		}
		if base != "HEAD" && !m.branchExists(repo, base) {
			return fmt.Errorf("%w: %s", ErrInvalidBaseBranch, base)
		}
		cmd = exec.CommandContext(ctx, "git", "worktree", "add", "-b", branch, path, base)
	}
	cmd.Dir = repo

	output, err := cmd.CombinedOutput()
	if err != nil {
		m.log.Error("git worktree add failed",
			zap.String("repo", repo),
			zap.String("branch", branch),
			zap.String("output", string(output)),
			zap.Error(err))
		return fmt.Errorf("%w: %s", ErrGitCommandFailed, strings.TrimSpace(string(output)))
	}

	m.log.Info("created worktree",
		zap.String("repo", repo),
		zap.String("branch", branch),
		zap.String("path", path))
	return nil
}

// RemoveWorktree detaches and deletes a checkout. Missing worktrees
// are not an error.
func (m *Manager) RemoveWorktree(ctx context.Context, repo, branch string) error {
	lock := m.repoLock(repo)
	lock.Lock()
	defer lock.Unlock()

	path := m.GetWorktreePath(repo, branch)
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	cmd := exec.CommandContext(ctx, "git", "worktree", "remove", "--force", path)
	cmd.Dir = repo
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("%w: %s", ErrGitCommandFailed, strings.TrimSpace(string(output)))
	}
	return nil
}

func (m *Manager) repoLock(repo string) *sync.Mutex {
	m.repoLockMu.Lock()
	defer m.repoLockMu.Unlock()
	if lock, ok := m.repoLocks[repo]; ok {
		return lock
	}
	lock := &sync.Mutex{}
	m.repoLocks[repo] = lock
	return lock
}

// isValidWorktree checks the .git pointer file a linked worktree holds.
func (m *Manager) isValidWorktree(path string) bool {
	info, err := os.Stat(filepath.Join(path, ".git"))
	return err == nil && !info.IsDir()
}

func (m *Manager) branchExists(repo, branch string) bool {
	cmd := exec.Command("git", "-C", repo, "rev-parse", "--verify", "--quiet",
		"refs/heads/"+branch)
	return cmd.Run() == nil
}
