package gitsubstrate

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/lazyaf/lazyaf/internal/domain"
)

// MergeConflictError wraps domain.ErrMergeConflict with the structured,
// per-file detail spec.md's Conflict Detail glossary entry describes, plus
// the OpID a caller passes back to ResolveConflicts to complete or abandon
// the conflicted merge/rebase this error represents.
type MergeConflictError struct {
	OpID      uuid.UUID
	Conflicts []domain.ConflictDetail
}

func (e *MergeConflictError) Error() string {
	return fmt.Sprintf("merge conflict in %d file(s)", len(e.Conflicts))
}

func (e *MergeConflictError) Is(target error) bool {
	return target == domain.ErrMergeConflict
}

type conflictKind int

const (
	conflictKindMerge conflictKind = iota
	conflictKindRebase
)

// pendingConflictOp is the retained state of a merge or rebase left
// mid-operation by a conflict, keyed by MergeConflictError.OpID, until
// ResolveConflicts applies resolutions and completes it.
type pendingConflictOp struct {
	kind         conflictKind
	repoID       uuid.UUID
	worktreePath string
	sourceBranch string // merge: the branch merged in; rebase: the branch being replayed
	targetBranch string // merge: the branch merged into; rebase: the "onto" branch
}

// Merge satisfies executor.GitExecutor: it merges the run's source branch
// (the trigger's feature branch) into targetBranch inside a leased
// worktree. Synthesized merge steps and merge(branch) terminal actions both
// call this. On conflict the worktree is retained, not discarded — see
// ResolveConflicts.
func (s *Substrate) Merge(ctx context.Context, runID uuid.UUID, targetBranch string) error {
	if s.runs == nil {
		return fmt.Errorf("gitsubstrate: merge: no run repository configured")
	}
	run, err := s.runs.GetByID(ctx, runID)
	if err != nil {
		return fmt.Errorf("gitsubstrate: merge: load run %s: %w", runID, err)
	}
	sourceBranch := run.Trigger.Branch
	if sourceBranch == "" {
		return fmt.Errorf("gitsubstrate: merge: run %s has no source branch", runID)
	}

	path, err := s.AcquireWorktree(ctx, run.RepoID, targetBranch, runID, -1)
	if err != nil {
		return err
	}

	stdout, stderr, err := runGitIn(ctx, s.gitBin, path, "merge", "--no-commit", "--no-ff", sourceBranch)
	if err == nil {
		if _, cErr := runGitIn(ctx, s.gitBin, path, "commit", "-m", fmt.Sprintf("merge %s into %s", sourceBranch, targetBranch)); cErr != nil {
			_ = s.ReleaseWorktree(context.Background(), run.RepoID, path)
			return fmt.Errorf("gitsubstrate: commit merge of %s into %s: %v", sourceBranch, targetBranch, cErr)
		}
		return s.ReleaseWorktree(context.Background(), run.RepoID, path)
	}

	if !strings.Contains(stdout, "CONFLICT") && !strings.Contains(stderr, "CONFLICT") {
		_ = s.ReleaseWorktree(context.Background(), run.RepoID, path)
		return fmt.Errorf("gitsubstrate: merge %s into %s: %s", sourceBranch, targetBranch, stderr)
	}

	conflicts, convErr := s.collectConflicts(ctx, path)
	if convErr != nil {
		_, _ = runGitIn(ctx, s.gitBin, path, "merge", "--abort")
		_ = s.ReleaseWorktree(context.Background(), run.RepoID, path)
		return fmt.Errorf("gitsubstrate: collect conflicts for %s into %s: %w", sourceBranch, targetBranch, convErr)
	}

	opID := uuid.New()
	s.pendingMu.Lock()
	s.pending[opID] = &pendingConflictOp{
		kind:         conflictKindMerge,
		repoID:       run.RepoID,
		worktreePath: path,
		sourceBranch: sourceBranch,
		targetBranch: targetBranch,
	}
	s.pendingMu.Unlock()

	return &MergeConflictError{OpID: opID, Conflicts: conflicts}
}

// ResolveConflicts applies per-file resolutions to a merge or rebase left
// pending by a MergeConflictError and completes it (spec §4.5
// resolve_conflicts): a merge commits, a rebase continues. A caller
// expresses take-ours/take-theirs by passing the matching
// ConflictDetail.Ours/Theirs value back as a resolution's Content; any
// other Content is a literal replacement. opID must name an operation
// still awaiting resolution, or this returns domain.ErrNoConflictOp.
func (s *Substrate) ResolveConflicts(ctx context.Context, opID uuid.UUID, resolutions []domain.ConflictResolution) error {
	s.pendingMu.Lock()
	op, ok := s.pending[opID]
	if ok {
		delete(s.pending, opID)
	}
	s.pendingMu.Unlock()
	if !ok {
		return domain.ErrNoConflictOp
	}
	defer func() { _ = s.ReleaseWorktree(context.Background(), op.repoID, op.worktreePath) }()

	for _, res := range resolutions {
		fullPath := filepath.Join(op.worktreePath, res.Path)
		if err := os.WriteFile(fullPath, []byte(res.Content), 0o644); err != nil {
			return fmt.Errorf("gitsubstrate: resolve conflicts: write %s: %w", res.Path, err)
		}
		if _, _, err := runGitIn(ctx, s.gitBin, op.worktreePath, "add", res.Path); err != nil {
			return fmt.Errorf("gitsubstrate: resolve conflicts: git add %s: %w", res.Path, err)
		}
	}

	switch op.kind {
	case conflictKindRebase:
		if _, stderr, err := runGitIn(ctx, s.gitBin, op.worktreePath, "rebase", "--continue"); err != nil {
			return fmt.Errorf("gitsubstrate: resolve conflicts: rebase --continue: %s: %w", stderr, err)
		}
	default:
		if _, _, err := runGitIn(ctx, s.gitBin, op.worktreePath, "commit", "-m", fmt.Sprintf("merge %s into %s", op.sourceBranch, op.targetBranch)); err != nil {
			return fmt.Errorf("gitsubstrate: resolve conflicts: commit merge: %w", err)
		}
	}
	return nil
}

// collectConflicts reads the unmerged index stages (1=base, 2=ours,
// 3=theirs) for every conflicted path in a mid-merge worktree.
func (s *Substrate) collectConflicts(ctx context.Context, worktreePath string) ([]domain.ConflictDetail, error) {
	out, _, err := runGitIn(ctx, s.gitBin, worktreePath, "diff", "--name-only", "--diff-filter=U")
	if err != nil {
		return nil, fmt.Errorf("list conflicted paths: %w", err)
	}
	var details []domain.ConflictDetail
	for _, path := range strings.Split(out, "\n") {
		path = strings.TrimSpace(path)
		if path == "" {
			continue
		}
		detail := domain.ConflictDetail{Path: path}
		detail.Base = s.showStage(ctx, worktreePath, 1, path)
		detail.Ours = s.showStage(ctx, worktreePath, 2, path)
		detail.Theirs = s.showStage(ctx, worktreePath, 3, path)
		details = append(details, detail)
	}
	return details, nil
}

// showStage reads one index stage of a conflicted path via `git show
// :<stage>:<path>`. A missing stage (file absent on that side) yields "".
func (s *Substrate) showStage(ctx context.Context, worktreePath string, stage int, path string) string {
	ref := ":" + strconv.Itoa(stage) + ":" + path
	out, _, err := runGitIn(ctx, s.gitBin, worktreePath, "show", ref)
	if err != nil {
		return ""
	}
	return out
}
