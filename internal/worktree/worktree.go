// Package worktree manages one isolated git worktree per protocol run.
package worktree

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/cloud-shuttle/muster/internal/db"
	"github.com/cloud-shuttle/muster/pkg/types"
)

// Manager creates and removes per-run git worktrees. The worktree path
// is persisted on the run exactly once; concurrent Prepare calls for the
// same run converge on the same path.
type Manager struct {
	repoDir string
	baseDir string
	store   *db.Store
	logger  *zap.Logger

	mu    sync.Mutex
	locks map[int64]*sync.Mutex
}

// NewManager builds a manager rooted at repoDir creating worktrees under
// baseDir.
func NewManager(repoDir, baseDir string, store *db.Store, logger *zap.Logger) *Manager {
	return &Manager{
		repoDir: repoDir,
		baseDir: baseDir,
		store:   store,
		logger:  logger,
		locks:   make(map[int64]*sync.Mutex),
	}
}

func (m *Manager) runLock(runID int64) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.locks[runID]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[runID] = lock
	}
	return lock
}

// Prepare returns the run's worktree path, creating the worktree on
// first use. The persisted path wins over any concurrently created one.
func (m *Manager) Prepare(ctx context.Context, run *types.ProtocolRun) (string, error) {
	lock := m.runLock(run.ID)
	lock.Lock()
	defer lock.Unlock()

	current, err := m.store.GetProtocolRun(run.ID)
	if err != nil {
		return "", err
	}
	if current == nil {
		return "", types.NewError(types.ErrValidation, fmt.Sprintf("protocol run %d not found", run.ID))
	}
	if current.WorktreePath != "" {
		return current.WorktreePath, nil
	}

	path := filepath.Join(m.baseDir, fmt.Sprintf("run-%d", run.ID))
	branch := fmt.Sprintf("muster/run-%d", run.ID)

	if err := os.MkdirAll(m.baseDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create worktree base dir: %w", err)
	}

	base := current.BaseBranch
	if base == "" {
		base = "HEAD"
	}
	if err := m.git(ctx, m.repoDir, "worktree", "add", "-b", branch, path, base); err != nil {
		return "", fmt.Errorf("failed to add worktree for run %d: %w", run.ID, err)
	}

	set, err := m.store.SetProtocolWorktree(run.ID, path)
	if err != nil {
		return "", err
	}
	if !set {
		// Another preparer persisted a different path first. Discard
		// ours and use theirs.
		if rmErr := m.git(ctx, m.repoDir, "worktree", "remove", "--force", path); rmErr != nil {
			m.logger.Warn("failed to remove losing worktree",
				zap.Int64("run_id", run.ID), zap.Error(rmErr))
		}
		current, err = m.store.GetProtocolRun(run.ID)
		if err != nil {
			return "", err
		}
		return current.WorktreePath, nil
	}

	m.logger.Info("worktree created",
		zap.Int64("run_id", run.ID),
		zap.String("path", path),
		zap.String("branch", branch))
	return path, nil
}

// Remove deletes the run's worktree. Failures are logged, not returned:
// a leftover worktree never blocks run completion.
func (m *Manager) Remove(ctx context.Context, run *types.ProtocolRun) {
	if run.WorktreePath == "" {
		return
	}
	if err := m.git(ctx, m.repoDir, "worktree", "remove", "--force", run.WorktreePath); err != nil {
		m.logger.Warn("failed to remove worktree",
			zap.Int64("run_id", run.ID),
			zap.String("path", run.WorktreePath),
			zap.Error(err))
	}
	if err := m.git(ctx, m.repoDir, "worktree", "prune"); err != nil {
		m.logger.Warn("failed to prune worktrees", zap.Error(err))
	}
}

func (m *Manager) git(ctx context.Context, dir string, args ...string) error {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return nil
}
