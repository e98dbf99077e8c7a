package gitsubstrate

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/storer"
	"github.com/google/uuid"
	"github.com/lazyaf/lazyaf/internal/domain"
)

// Commit is one entry in a branch's commit history (spec §4.5 commits).
type Commit struct {
	Hash    string
	Message string
	Author  string
	When    time.Time
}

// Commits returns up to limit commits reachable from branch, newest
// first. limit <= 0 means unbounded.
func (s *Substrate) Commits(ctx context.Context, repoID uuid.UUID, branch string, limit int) ([]Commit, error) {
	repo, err := git.PlainOpen(s.repoPath(repoID))
	if err != nil {
		return nil, fmt.Errorf("gitsubstrate: open repo %s: %w", repoID, err)
	}
	ref, err := repo.Reference(plumbing.NewBranchReferenceName(branch), true)
	if err != nil {
		return nil, fmt.Errorf("gitsubstrate: resolve branch %s: %w", branch, err)
	}
	head, err := repo.CommitObject(ref.Hash())
	if err != nil {
		return nil, fmt.Errorf("gitsubstrate: load head commit for %s: %w", branch, err)
	}

	var out []Commit
	iter := object.NewCommitPreorderIter(head, nil, nil)
	err = iter.ForEach(func(c *object.Commit) error {
		if limit > 0 && len(out) >= limit {
			return storer.ErrStop
		}
		out = append(out, Commit{
			Hash:    c.Hash.String(),
			Message: c.Message,
			Author:  c.Author.Name,
			When:    c.Author.When,
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("gitsubstrate: walk commits for %s: %w", branch, err)
	}
	return out, nil
}

// Diff returns a unified patch of base...head, read straight off the bare
// mirror: a diff needs no working tree, so this skips the worktree lease
// AcquireWorktree/Merge/Rebase all go through.
func (s *Substrate) Diff(ctx context.Context, repoID uuid.UUID, base, head string) (string, error) {
	out, err := s.run(ctx, s.repoPath(repoID), "diff", base+"..."+head)
	if err != nil {
		return "", fmt.Errorf("gitsubstrate: diff %s...%s: %w", base, head, err)
	}
	return out, nil
}

// BranchInfo is one entry in a repo's branch listing.
type BranchInfo struct {
	Name    string
	Head    string
	Damaged bool
}

// ListBranches enumerates the repo's local branches. With verify set, each
// branch is walked the same way VerifyRepo walks the whole repo, scoped to
// that one ref, so a caller can surface per-branch damage instead of
// failing the whole listing.
func (s *Substrate) ListBranches(ctx context.Context, repoID uuid.UUID, verify bool) ([]BranchInfo, error) {
	repo, err := git.PlainOpen(s.repoPath(repoID))
	if err != nil {
		return nil, fmt.Errorf("gitsubstrate: open repo %s: %w", repoID, err)
	}

	refs, err := repo.Branches()
	if err != nil {
		return nil, fmt.Errorf("gitsubstrate: list branches for %s: %w", repoID, err)
	}
	defer refs.Close()

	var branches []BranchInfo
	err = refs.ForEach(func(ref *plumbing.Reference) error {
		info := BranchInfo{Name: ref.Name().Short(), Head: ref.Hash().String()}
		if verify {
			info.Damaged = verifyRef(repo, ref) != nil
		}
		branches = append(branches, info)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("gitsubstrate: walk branches for %s: %w", repoID, err)
	}
	return branches, nil
}

// verifyRef walks one ref's reachable history, same check VerifyRepo runs
// across every ref at once.
func verifyRef(repo *git.Repository, ref *plumbing.Reference) error {
	commit, err := repo.CommitObject(ref.Hash())
	if err != nil {
		return fmt.Errorf("%s: %w", ref.Name(), domain.ErrBranchDamaged)
	}
	iter := object.NewCommitPreorderIter(commit, nil, nil)
	return iter.ForEach(func(c *object.Commit) error {
		if _, err := c.Tree(); err != nil {
			return fmt.Errorf("%s: %w", ref.Name(), domain.ErrBranchDamaged)
		}
		return nil
	})
}

// Rebase replays branch's commits onto the tip of onto, inside a leased
// worktree. Conflict handling mirrors Merge: a "CONFLICT" marker in git's
// output is treated as a structured MergeConflictError, and the worktree is
// retained (keyed by the error's OpID) instead of aborted, so
// ResolveConflicts can complete it with `git rebase --continue`.
func (s *Substrate) Rebase(ctx context.Context, repoID uuid.UUID, branch, onto string) error {
	path, err := s.AcquireWorktree(ctx, repoID, branch, uuid.Nil, -1)
	if err != nil {
		return err
	}

	stdout, stderr, err := runGitIn(ctx, s.gitBin, path, "rebase", onto)
	if err == nil {
		return s.ReleaseWorktree(context.Background(), repoID, path)
	}

	if !strings.Contains(stdout, "CONFLICT") && !strings.Contains(stderr, "CONFLICT") {
		_ = s.ReleaseWorktree(context.Background(), repoID, path)
		return fmt.Errorf("gitsubstrate: rebase %s onto %s: %s", branch, onto, stderr)
	}

	conflicts, convErr := s.collectConflicts(ctx, path)
	if convErr != nil {
		_, _ = runGitIn(ctx, s.gitBin, path, "rebase", "--abort")
		_ = s.ReleaseWorktree(context.Background(), repoID, path)
		return fmt.Errorf("gitsubstrate: collect conflicts for rebase %s onto %s: %w", branch, onto, convErr)
	}

	opID := uuid.New()
	s.pendingMu.Lock()
	s.pending[opID] = &pendingConflictOp{
		kind:         conflictKindRebase,
		repoID:       repoID,
		worktreePath: path,
		sourceBranch: branch,
		targetBranch: onto,
	}
	s.pendingMu.Unlock()

	return &MergeConflictError{OpID: opID, Conflicts: conflicts}
}
