package gitsubstrate

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// runGit executes the git binary with its working directory (or, for
// "worktree add" against a bare mirror, its --git-dir) set to repoPath.
// Grounded on AbdelazizMoustafa10m-Raven's GitClient.runSilent: stdout and
// stderr are captured separately so callers can distinguish "git exited
// non-zero" from "the binary could not be started at all".
func runGit(ctx context.Context, gitBin, repoPath string, args ...string) (string, error) {
	bin := gitBin
	if bin == "" {
		bin = "git"
	}
	fullArgs := append([]string{"--git-dir=" + repoPath}, args...)
	cmd := exec.CommandContext(ctx, bin, fullArgs...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return strings.TrimSpace(stdout.String()), fmt.Errorf("git %s: exit %d: %s", strings.Join(args, " "), exitErr.ExitCode(), strings.TrimSpace(stderr.String()))
		}
		return "", fmt.Errorf("git %s: %w", strings.Join(args, " "), err)
	}
	return strings.TrimSpace(stdout.String()), nil
}

// runGitIn runs git with a plain working directory (used inside a leased
// worktree, where --git-dir would bypass the worktree's own index/HEAD).
func runGitIn(ctx context.Context, gitBin, workDir string, args ...string) (string, string, error) {
	bin := gitBin
	if bin == "" {
		bin = "git"
	}
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Dir = workDir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return strings.TrimSpace(stdout.String()), strings.TrimSpace(stderr.String()), err
}
