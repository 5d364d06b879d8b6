package suite

import (
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
)

// GitInfo captures the state of the checkout that produced a run.
type GitInfo struct {
	SHA      string `json:"sha"`
	ShortSHA string `json:"short_sha"`
	Branch   string `json:"branch"`
	Dirty    bool   `json:"dirty"`
	Root     string `json:"root"`
	Diff     string `json:"diff,omitempty"`
	Status   string `json:"status,omitempty"`
}

// GetGitInfo reads git state for dir. It fails if dir is not in a git
// checkout.
func GetGitInfo(dir string) (*GitInfo, error) {
	root, err := gitCommand(dir, "rev-parse", "--show-toplevel")
	if err != nil {
		return nil, fmt.Errorf("not a git checkout: %w", err)
	}
	info := &GitInfo{Root: filepath.Clean(root)}

	sha, err := gitCommand(dir, "rev-parse", "HEAD")
	if err != nil {
		return nil, fmt.Errorf("failed to get HEAD SHA: %w", err)
	}
	info.SHA = sha
	info.ShortSHA = sha
	if len(sha) >= 7 {
		info.ShortSHA = sha[:7]
	}

	// Detached HEAD is not an error.
	if branch, err := gitCommand(dir, "rev-parse", "--abbrev-ref", "HEAD"); err == nil {
		info.Branch = branch
	} else {
		info.Branch = "HEAD"
	}

	if status, err := gitCommand(dir, "status", "--porcelain"); err == nil {
		info.Status = status
		info.Dirty = status != ""
	}
	if info.Dirty {
		info.Diff, _ = gitCommand(dir, "diff")
	}
	return info, nil
}

// String returns branch@sha with a dirty marker.
func (g *GitInfo) String() string {
	if g == nil {
		return "unknown"
	}
	dirty := ""
	if g.Dirty {
		dirty = " (dirty)"
	}
	return fmt.Sprintf("%s@%s%s", g.Branch, g.ShortSHA, dirty)
}

func gitCommand(dir string, args ...string) (string, error) {
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	output, err := cmd.Output()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(output)), nil
}
