// Package bootstrap implements the startup reconciliation spec.md's
// Persisted state section calls for: "On startup, the core reconciles
// in-memory executor state from the database (resuming non-terminal runs by
// rebuilding their frontiers) and verifies each repo."
//
// Not grounded on any single teacher file — the teacher's worker main.go
// starts cold from an empty queue and has no resume pass of its own. The
// overall shape (collect work, log each outcome, never let one bad record
// stop the rest) follows the same defensive-loop idiom the teacher uses in
// engine.UsageRecorder and handler.RunStream's per-event error handling.
package bootstrap

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"
	"github.com/lazyaf/lazyaf/internal/domain"
	"github.com/lazyaf/lazyaf/internal/executor"
	"github.com/lazyaf/lazyaf/internal/gitsubstrate"
	"github.com/lazyaf/lazyaf/internal/repository"
)

// Reconciler runs once at process startup, before the HTTP/WS surface
// starts accepting traffic.
type Reconciler struct {
	runs      repository.RunRepository
	pipelines repository.PipelineRepository
	exec      *executor.Executor
	git       *gitsubstrate.Substrate
	logger    *slog.Logger
}

func New(runs repository.RunRepository, pipelines repository.PipelineRepository, exec *executor.Executor, git *gitsubstrate.Substrate, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{runs: runs, pipelines: pipelines, exec: exec, git: git, logger: logger}
}

// Run resumes every non-terminal run and verifies the repos they touch. It
// never returns an error for a single bad run or repo: those are
// Catastrophic per-run failures (spec §7) and are isolated to that run so
// the rest of the fleet still comes back up.
func (r *Reconciler) Run(ctx context.Context) error {
	nonTerminal, err := r.runs.ListNonTerminal(ctx)
	if err != nil {
		return err
	}
	r.logger.Info("reconciling non-terminal runs", "count", len(nonTerminal))

	repoIDs := make(map[uuid.UUID]struct{})
	for _, run := range nonTerminal {
		repoIDs[run.RepoID] = struct{}{}
		r.resumeRun(ctx, run)
	}

	for repoID := range repoIDs {
		r.verifyRepo(ctx, repoID)
	}
	return nil
}

func (r *Reconciler) resumeRun(ctx context.Context, run *domain.PipelineRun) {
	def, err := r.pipelines.GetByIDAndVersion(ctx, run.PipelineID, run.PipelineVersion)
	if err != nil {
		r.logger.Error("catastrophic: run references a missing pipeline definition, refusing to dispatch further steps",
			"run_id", run.ID, "pipeline_id", run.PipelineID, "pipeline_version", run.PipelineVersion, "error", err)
		r.quarantineRun(ctx, run, "missing pipeline definition on reconcile: "+err.Error())
		return
	}

	if err := r.exec.RebuildFrontier(ctx, run, def); err != nil {
		r.logger.Error("catastrophic: failed to rebuild frontier for persisted run, refusing to dispatch further steps",
			"run_id", run.ID, "error", err)
		r.quarantineRun(ctx, run, "frontier rebuild failed on reconcile: "+err.Error())
		return
	}
	r.logger.Info("resumed run", "run_id", run.ID, "status", run.Status)
}

// quarantineRun finalizes a run as failed with a recorded reason rather
// than leaving it stuck non-terminal forever with no one driving it
// forward — the "refuse to dispatch further steps for that run until
// operator intervention" half of the Catastrophic severity class.
func (r *Reconciler) quarantineRun(ctx context.Context, run *domain.PipelineRun, reason string) {
	run.Fail(reason)
	if err := r.runs.Update(ctx, run); err != nil {
		r.logger.Error("failed to persist quarantined run", "run_id", run.ID, "error", err)
	}
}

func (r *Reconciler) verifyRepo(ctx context.Context, repoID uuid.UUID) {
	err := r.git.VerifyRepo(ctx, repoID)
	switch {
	case err == nil:
		r.logger.Info("repo verified", "repo_id", repoID)
	case errors.Is(err, domain.ErrBranchDamaged):
		r.logger.Warn("repo has a damaged branch, awaiting operator quarantine/reinit", "repo_id", repoID, "error", err)
	default:
		r.logger.Warn("repo verify skipped: local mirror unavailable", "repo_id", repoID, "error", err)
	}
}
