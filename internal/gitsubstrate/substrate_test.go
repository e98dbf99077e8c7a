package gitsubstrate

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/lazyaf/lazyaf/internal/domain"
	"github.com/lazyaf/lazyaf/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRunRepo stands in for repository.RunRepository so Merge's run lookup
// doesn't need a database, following the same fake-repository idiom used
// throughout internal/dispatcher and internal/executor's tests.
type fakeRunRepo struct {
	run *domain.PipelineRun
}

func (f *fakeRunRepo) Create(ctx context.Context, run *domain.PipelineRun) error { return nil }
func (f *fakeRunRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.PipelineRun, error) {
	if f.run == nil || f.run.ID != id {
		return nil, domain.ErrRunNotFound
	}
	return f.run, nil
}
func (f *fakeRunRepo) Update(ctx context.Context, run *domain.PipelineRun) error { return nil }
func (f *fakeRunRepo) ListNonTerminal(ctx context.Context) ([]*domain.PipelineRun, error) {
	return nil, nil
}
func (f *fakeRunRepo) ListByRepo(ctx context.Context, repoID uuid.UUID, filter repository.RunFilter) ([]*domain.PipelineRun, int, error) {
	return nil, 0, nil
}

func mustRun(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, "git %v failed: %s", args, out)
	return string(out)
}

// newBareFixture creates a bare repo at baseDir/repos/<id>.git seeded via a
// throwaway working clone, then removes the clone.
func newBareFixture(t *testing.T, baseDir string, repoID uuid.UUID) {
	t.Helper()
	repoPath := filepath.Join(baseDir, "repos", repoID.String()+".git")
	require.NoError(t, os.MkdirAll(filepath.Dir(repoPath), 0o755))
	mustRun(t, filepath.Dir(repoPath), "init", "--bare", "-b", "main", repoPath)

	seedDir := t.TempDir()
	mustRun(t, seedDir, "init", "-b", "main")
	mustRun(t, seedDir, "config", "user.email", "test@example.com")
	mustRun(t, seedDir, "config", "user.name", "Test")
	require.NoError(t, os.WriteFile(filepath.Join(seedDir, "README.md"), []byte("hello\n"), 0o644))
	mustRun(t, seedDir, "add", ".")
	mustRun(t, seedDir, "commit", "-m", "initial commit")
	mustRun(t, seedDir, "remote", "add", "origin", repoPath)
	mustRun(t, seedDir, "push", "origin", "main")
}

func TestSubstrate_VerifyRepoPassesOnHealthyRepo(t *testing.T) {
	base := t.TempDir()
	repoID := uuid.New()
	newBareFixture(t, base, repoID)

	s := New(base, nil)
	require.NoError(t, s.VerifyRepo(context.Background(), repoID))
}

func TestSubstrate_AcquireAndReleaseWorktree(t *testing.T) {
	base := t.TempDir()
	repoID := uuid.New()
	newBareFixture(t, base, repoID)

	s := New(base, nil)
	runID := uuid.New()
	path, err := s.AcquireWorktree(context.Background(), repoID, "main", runID, 0)
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(path, "README.md"))
	require.NoError(t, err)

	require.NoError(t, s.ReleaseWorktree(context.Background(), repoID, path))
}

func TestSubstrate_DeleteBranchRefusesDefault(t *testing.T) {
	base := t.TempDir()
	repoID := uuid.New()
	newBareFixture(t, base, repoID)

	s := New(base, nil)
	err := s.DeleteBranch(context.Background(), repoID, "main", "main")
	assert.ErrorIs(t, err, domain.ErrDefaultBranchGuard)
}

func TestSubstrate_MergeCleanFastForward(t *testing.T) {
	base := t.TempDir()
	repoID := uuid.New()
	newBareFixture(t, base, repoID)

	runsRepo := &fakeRunRepo{}
	s := New(base, runsRepo)
	runID := uuid.New()

	// Create a feature branch with one extra commit in a throwaway worktree.
	featurePath, err := s.AcquireWorktree(context.Background(), repoID, "main", runID, 0)
	require.NoError(t, err)
	mustRun(t, featurePath, "checkout", "-b", "feature/x")
	require.NoError(t, os.WriteFile(filepath.Join(featurePath, "feature.txt"), []byte("hi\n"), 0o644))
	mustRun(t, featurePath, "add", ".")
	mustRun(t, featurePath, "config", "user.email", "test@example.com")
	mustRun(t, featurePath, "config", "user.name", "Test")
	mustRun(t, featurePath, "commit", "-m", "add feature file")
	require.NoError(t, s.ReleaseWorktree(context.Background(), repoID, featurePath))

	run := domain.NewPipelineRun(repoID, uuid.New(), 1, domain.Trigger{Type: domain.TriggerCard, Branch: "feature/x"})
	run.ID = runID
	runsRepo.run = run

	require.NoError(t, s.Merge(context.Background(), runID, "main"))
}
