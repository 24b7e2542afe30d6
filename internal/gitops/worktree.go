// Package gitops performs the source-control side effects of a task:
// a per-task worktree and branch, change collection and push.
package gitops

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// Manager handles git worktree operations for task branches
type Manager struct {
	repoDir     string
	worktreeDir string
}

// New creates a Manager for the repository at repoDir, placing worktrees
// under worktreeDir
func New(repoDir, worktreeDir string) *Manager {
	return &Manager{
		repoDir:     repoDir,
		worktreeDir: worktreeDir,
	}
}

// Prepare returns a worktree checked out on branch. An existing worktree
// for the branch is reused so a resumed task continues where it stopped;
// otherwise the branch is created from base.
func (m *Manager) Prepare(branch, base string) (string, error) {
	if err := os.MkdirAll(m.worktreeDir, 0755); err != nil {
		return "", fmt.Errorf("creating worktree dir: %w", err)
	}

	// Prune stale entries left by removed directories
	m.git(m.repoDir, "worktree", "prune")

	if path, ok := m.findWorktree(branch); ok {
		return path, nil
	}

	wtPath := filepath.Join(m.worktreeDir, DirName(branch))

	if m.branchExists(branch) {
		if out, err := m.gitCombined(m.repoDir, "worktree", "add", wtPath, branch); err != nil {
			return "", fmt.Errorf("git worktree add: %s: %w", out, err)
		}
		return wtPath, nil
	}

	if out, err := m.gitCombined(m.repoDir, "worktree", "add", "-b", branch, wtPath, m.BaseRef(base)); err != nil {
		return "", fmt.Errorf("git worktree add: %s: %w", out, err)
	}
	return wtPath, nil
}

// BaseRef resolves base to origin/<base>, then <base>, then HEAD
func (m *Manager) BaseRef(base string) string {
	if base != "" {
		// Ignore error - remote might not exist
		m.git(m.repoDir, "fetch", "origin", base)
		for _, ref := range []string{"origin/" + base, base} {
			if _, err := m.git(m.repoDir, "rev-parse", "--verify", "--quiet", ref); err == nil {
				return ref
			}
		}
	}
	return "HEAD"
}

// Changes lists files modified and commits made on the worktree's branch
// relative to base. Uncommitted changes are committed first so nothing the
// agent wrote is lost.
func (m *Manager) Changes(wtPath, base, message string) (files, commits []string, err error) {
	status, err := m.git(wtPath, "status", "--porcelain")
	if err != nil {
		return nil, nil, fmt.Errorf("git status: %w", err)
	}
	if strings.TrimSpace(status) != "" {
		if out, err := m.gitCombined(wtPath, "add", "-A"); err != nil {
			return nil, nil, fmt.Errorf("git add: %s: %w", out, err)
		}
		if out, err := m.gitCombined(wtPath, "commit", "-m", message); err != nil {
			return nil, nil, fmt.Errorf("git commit: %s: %w", out, err)
		}
	}

	ref := m.BaseRef(base)
	logOut, err := m.git(wtPath, "log", "--format=%H", ref+"..HEAD")
	if err != nil {
		return nil, nil, fmt.Errorf("git log: %w", err)
	}
	diffOut, err := m.git(wtPath, "diff", "--name-only", ref+"...HEAD")
	if err != nil {
		return nil, nil, fmt.Errorf("git diff: %w", err)
	}
	return splitLines(diffOut), splitLines(logOut), nil
}

// Push publishes the branch to origin
func (m *Manager) Push(wtPath, branch string) error {
	if out, err := m.gitCombined(wtPath, "push", "-u", "origin", branch); err != nil {
		return fmt.Errorf("git push: %s: %w", out, err)
	}
	return nil
}

// Remove removes a worktree, keeping its branch
func (m *Manager) Remove(wtPath string) error {
	if out, err := m.gitCombined(m.repoDir, "worktree", "remove", "--force", wtPath); err != nil {
		return fmt.Errorf("git worktree remove: %s: %w", out, err)
	}
	return nil
}

// List returns all worktree paths under the manager's worktree directory
func (m *Manager) List() ([]string, error) {
	out, err := m.git(m.repoDir, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, err
	}

	var paths []string
	for _, line := range strings.Split(out, "\n") {
		if strings.HasPrefix(line, "worktree ") {
			path := strings.TrimPrefix(line, "worktree ")
			if strings.HasPrefix(path, m.worktreeDir) {
				paths = append(paths, path)
			}
		}
	}
	return paths, nil
}

func (m *Manager) findWorktree(branch string) (string, bool) {
	out, err := m.git(m.repoDir, "worktree", "list", "--porcelain")
	if err != nil {
		return "", false
	}
	var current string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "worktree "):
			current = strings.TrimPrefix(line, "worktree ")
		case line == "branch refs/heads/"+branch && current != "":
			return current, true
		}
	}
	return "", false
}

func (m *Manager) branchExists(branch string) bool {
	_, err := m.git(m.repoDir, "rev-parse", "--verify", "--quiet", "refs/heads/"+branch)
	return err == nil
}

func (m *Manager) git(dir string, args ...string) (string, error) {
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.Output()
	return string(out), err
}

func (m *Manager) gitCombined(dir string, args ...string) (string, error) {
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	return string(out), err
}

// DirName turns a branch name into a worktree directory name
func DirName(branch string) string {
	return strings.NewReplacer("/", "-", "\\", "-", " ", "-").Replace(branch)
}

func splitLines(s string) []string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
		}
	}
	return out
}
