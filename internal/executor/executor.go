// Package executor implements the Pipeline Executor (spec §4.3): it walks a
// PipelineDefinition's step graph for one PipelineRun, materializing Step
// records, submitting dispatchable ones to the Dispatcher, and advancing the
// frontier as results come back.
//
// Grounded on the teacher's internal/engine.Executor for the overall
// responsibility split (Graph lookups, a step-type switch, event
// publication), but NOT on its concurrency model: the teacher spawns one
// goroutine per frontier node and recurses in parallel, coordinated only by
// a mutex around a "completed" set. That conflicts with this spec's
// single-writer-per-run invariant, so every run here is instead driven by a
// single actor goroutine consuming a serialized mailbox of closures — the
// same shape as the teacher's EventBroadcaster/Registry's mutex-guarded
// state, pushed one level further into "one goroutine owns this run".
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/lazyaf/lazyaf/internal/domain"
	"github.com/lazyaf/lazyaf/internal/eventbus"
	"github.com/lazyaf/lazyaf/internal/repository"
)

// Dispatchable is the subset of *dispatcher.Dispatcher the executor needs,
// narrowed to an interface to keep this package free of a transport/registry
// dependency and to make it testable without a live Redis queue.
type Dispatchable interface {
	Submit(ctx context.Context, step *domain.Step) error
}

// GitExecutor runs a merge step or a merge(branch) terminal action inline.
// Implemented by internal/gitsubstrate; narrowed to an interface here so the
// executor has no direct dependency on go-git.
type GitExecutor interface {
	Merge(ctx context.Context, runID uuid.UUID, branch string) error
}

// CancelSender delivers a live cancellation notice to whichever runner is
// currently executing a step. Implemented by internal/runnerchannel.Hub;
// narrowed to an interface so the executor has no direct websocket/registry
// dependency.
type CancelSender interface {
	CancelStep(ctx context.Context, runnerID, runID, stepID uuid.UUID) error
}

// joinState tracks how many of a step template's inbound edges remain
// unresolved, and whether any resolved one fired. Spec §4.3: "ready means
// all inbound edges with satisfied conditions have fired" — read as: a
// target only becomes ready once every inbound edge's source has reached a
// terminal outcome (so the final set of satisfied edges is known), and at
// least one of those edges is satisfied. If none are, the branch was never
// meant to run and the target is skipped rather than starved forever.
type joinState struct {
	remaining int
	satisfied bool
}

// runState is the in-memory bookkeeping for one live run, owned exclusively
// by that run's actor goroutine.
type runState struct {
	run   *domain.PipelineRun
	def   *domain.PipelineDefinition
	joins map[uuid.UUID]*joinState // template ID -> join bookkeeping
	live  map[uuid.UUID]bool      // template IDs with a non-terminal materialized step
	byTemplate map[uuid.UUID]*domain.Step
	failedAny  bool
	finalized  bool
	cancelling bool // set by Cancel; overrides every subsequent step outcome to cancelled
}

// Executor owns one actor goroutine per in-flight run.
type Executor struct {
	runs      repository.RunRepository
	steps     repository.StepRepository
	pipelines repository.PipelineRepository
	dispatch  Dispatchable
	bus       *eventbus.Bus
	git       GitExecutor

	cancelSender CancelSender

	mu     sync.Mutex
	actors map[uuid.UUID]chan func()
	states map[uuid.UUID]*runState
}

func New(runs repository.RunRepository, steps repository.StepRepository, pipelines repository.PipelineRepository, dispatch Dispatchable, bus *eventbus.Bus, git GitExecutor) *Executor {
	return &Executor{
		runs:      runs,
		steps:     steps,
		pipelines: pipelines,
		dispatch:  dispatch,
		bus:       bus,
		git:       git,
		actors:    make(map[uuid.UUID]chan func()),
		states:    make(map[uuid.UUID]*runState),
	}
}

// SetCancelSender wires the runner-channel hub after construction, mirroring
// dispatcher.SetSender: the hub itself depends on the executor, so it can't
// be passed to New.
func (e *Executor) SetCancelSender(c CancelSender) {
	e.cancelSender = c
}

// do posts fn onto runID's mailbox and blocks until it has run, giving every
// caller a synchronous call while guaranteeing the run itself only ever has
// one goroutine touching its state at a time.
func (e *Executor) do(runID uuid.UUID, fn func()) {
	e.mu.Lock()
	inbox, ok := e.actors[runID]
	if !ok {
		inbox = make(chan func(), 64)
		e.actors[runID] = inbox
		go func() {
			for f := range inbox {
				f()
			}
		}()
	}
	e.mu.Unlock()

	done := make(chan struct{})
	inbox <- func() {
		fn()
		close(done)
	}
	<-done
}

// stopActor tears down a run's mailbox once it has reached a terminal state.
func (e *Executor) stopActor(runID uuid.UUID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if inbox, ok := e.actors[runID]; ok {
		close(inbox)
		delete(e.actors, runID)
	}
	delete(e.states, runID)
}

// Start begins traversing def for run, materializing and submitting every
// entry step. Safe to call once per run.
func (e *Executor) Start(ctx context.Context, run *domain.PipelineRun, def *domain.PipelineDefinition) error {
	var startErr error
	e.do(run.ID, func() {
		st := &runState{
			run:        run,
			def:        def,
			joins:      make(map[uuid.UUID]*joinState),
			live:       make(map[uuid.UUID]bool),
			byTemplate: make(map[uuid.UUID]*domain.Step),
		}
		e.mu.Lock()
		e.states[run.ID] = st
		e.mu.Unlock()

		if len(def.Steps) == 0 {
			run.StepsTotal = 0
			run.Pass()
			startErr = e.runs.Update(ctx, run)
			e.publishRunDone(run)
			e.stopActor(run.ID)
			return
		}

		run.StepsTotal = len(def.Steps)
		run.Start()
		if err := e.runs.Update(ctx, run); err != nil {
			startErr = err
			return
		}
		e.bus.Publish(domain.Topic{Kind: domain.TopicRunState, ID: run.ID}, domain.EventRunStarted, run)

		for _, entry := range def.Entries {
			if err := e.materializeAndSubmit(ctx, st, entry, nil); err != nil {
				startErr = err
				return
			}
		}
	})
	return startErr
}

// materializeAndSubmit creates the Step for templateID and hands it off for
// execution. prior is the immediate predecessor step that made this one
// ready, or nil for an entry step; when templateID's template has
// continue_in_context set, prior's reported branch and log tail (spec §6)
// are carried onto the new step so an AI successor picks up where it left
// off instead of starting cold.
func (e *Executor) materializeAndSubmit(ctx context.Context, st *runState, templateID uuid.UUID, prior *domain.Step) error {
	tmpl, ok := st.def.Steps[templateID]
	if !ok {
		return fmt.Errorf("executor: template %s not found in definition %s", templateID, st.def.ID)
	}
	step := domain.NewStep(st.run.ID, len(st.byTemplate), tmpl)
	if tmpl.ContinueInContext && prior != nil {
		step.Branch = prior.ProducedBranch
		step.PriorContext = prior.LogTail
	}
	step.MarkReady()
	if err := e.steps.Create(ctx, step); err != nil {
		return err
	}
	st.byTemplate[templateID] = step
	st.live[templateID] = true
	e.bus.Publish(domain.Topic{Kind: domain.TopicRunState, ID: st.run.ID}, domain.EventRunStepReady, step)

	if tmpl.Type == domain.StepTypeMerge {
		// Synthesized step: run inline rather than via the Dispatcher (spec §9).
		go e.runMergeStep(ctx, st.run.ID, step, tmpl)
		return nil
	}
	return e.dispatch.Submit(ctx, step)
}

func (e *Executor) runMergeStep(ctx context.Context, runID uuid.UUID, step *domain.Step, tmpl domain.StepTemplate) {
	branch := mergeBranchFromConfig(tmpl)
	err := e.git.Merge(ctx, runID, branch)
	e.HandleStepResult(ctx, runID, step.ID, err != nil, 0, errString(err))
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// HandleStepResult is called by the transport layer once a runner reports a
// step's outcome (or, for inline merge steps, by the executor itself). It
// advances the frontier for the step's run.
func (e *Executor) HandleStepResult(ctx context.Context, runID, stepID uuid.UUID, failed bool, exitCode int, errMsg string) {
	e.handleStepResult(ctx, runID, stepID, failed, exitCode, errMsg, "", "", "")
}

// HandleStepResultContext is HandleStepResult plus the spec §6 hand-off
// fields a runner's StepResult carries: the branch and diff it left behind,
// and the trailing log output a continue_in_context successor reads as its
// prior context.
func (e *Executor) HandleStepResultContext(ctx context.Context, runID, stepID uuid.UUID, failed bool, exitCode int, errMsg, producedBranch, producedDiff, logTail string) {
	e.handleStepResult(ctx, runID, stepID, failed, exitCode, errMsg, producedBranch, producedDiff, logTail)
}

func (e *Executor) handleStepResult(ctx context.Context, runID, stepID uuid.UUID, failed bool, exitCode int, errMsg, producedBranch, producedDiff, logTail string) {
	e.do(runID, func() {
		e.mu.Lock()
		st := e.states[runID]
		e.mu.Unlock()
		if st == nil {
			slog.Warn("executor: step result for unknown/already-finished run", "run_id", runID, "step_id", stepID)
			return
		}

		step, err := e.steps.GetByID(ctx, runID, stepID)
		if err != nil {
			slog.Error("executor: load step failed", "step_id", stepID, "error", err)
			return
		}
		if step.State.Terminal() {
			return // duplicate result delivery; idempotent no-op, including a late
			// reply for a step the dispatcher's execution-timeout already failed
		}

		step.MarkCompleting()
		e.bus.Publish(domain.Topic{Kind: domain.TopicRunState, ID: runID}, domain.EventRunStepDone, step)
		step.RecordProduced(producedBranch, producedDiff, logTail)

		switch {
		case st.cancelling:
			step.Cancel()
		case failed:
			step.Fail(errMsg)
			st.failedAny = true
		default:
			step.Complete(exitCode)
		}
		if err := e.steps.Update(ctx, step); err != nil {
			slog.Error("executor: persist step result failed", "step_id", stepID, "error", err)
		}
		delete(st.live, step.TemplateID)
		st.run.RecordStepCompleted()

		if !st.cancelling {
			e.advance(ctx, st, step, failed)
		}

		if !st.finalized && len(st.live) == 0 && (st.cancelling || !e.hasOutstandingJoins(st)) {
			e.finalize(ctx, st, st.failedAny)
		}
		if st.finalized {
			if err := e.runs.Update(ctx, st.run); err != nil {
				slog.Error("executor: persist finalized run failed", "run_id", runID, "error", err)
			}
			e.publishRunDone(st.run)
			e.stopActor(runID)
		}
	})
}

// Cancel propagates a client-initiated cancellation to every live step of
// runID (spec §5): steps not yet running (ready/dispatched) are cancelled
// immediately, and busy steps get a CancelStep notice. The run terminates
// cancelled once every step has reached a terminal state, even if a runner
// never replies to its CancelStep — handleStepResult and the Dispatcher's
// execution-timeout both know to finalize a cancelling run's steps as
// cancelled regardless of what outcome arrives.
func (e *Executor) Cancel(ctx context.Context, runID uuid.UUID) error {
	var cancelErr error
	e.do(runID, func() {
		e.mu.Lock()
		st := e.states[runID]
		e.mu.Unlock()
		if st == nil || st.run.Status.Terminal() {
			cancelErr = domain.ErrRunNotCancellable
			return
		}
		if st.cancelling {
			return // already in progress; idempotent
		}
		st.cancelling = true

		for templateID := range st.live {
			step, ok := st.byTemplate[templateID]
			if !ok || step.State.Terminal() {
				delete(st.live, templateID)
				continue
			}
			if step.State == domain.StepStateBusy {
				if step.RunnerID != nil && e.cancelSender != nil {
					if err := e.cancelSender.CancelStep(ctx, *step.RunnerID, runID, step.ID); err != nil {
						slog.Error("executor: send cancel to runner failed", "step_id", step.ID, "error", err)
					}
				}
				continue
			}
			step.Cancel()
			if err := e.steps.Update(ctx, step); err != nil {
				slog.Error("executor: persist cancelled step failed", "step_id", step.ID, "error", err)
			}
			delete(st.live, templateID)
		}

		if !st.finalized && len(st.live) == 0 {
			e.finalize(ctx, st, false)
			if err := e.runs.Update(ctx, st.run); err != nil {
				cancelErr = err
				return
			}
			e.publishRunDone(st.run)
			e.stopActor(runID)
		}
	})
	return cancelErr
}

func (e *Executor) hasOutstandingJoins(st *runState) bool {
	for _, js := range st.joins {
		if js.remaining > 0 {
			return true
		}
	}
	return false
}

// advance fires every out edge of step's template given its outcome,
// implementing spec §4.3's join and failure-takeover rules.
func (e *Executor) advance(ctx context.Context, st *runState, step *domain.Step, failed bool) {
	edges := st.def.OutEdges(step.TemplateID)

	if failed {
		hasFailurePath := false
		for _, edge := range edges {
			if edge.Condition == domain.EdgeOnFailure || edge.Condition == domain.EdgeAlways {
				hasFailurePath = true
				break
			}
		}
		if !hasFailurePath {
			// "If none exist, the run terminates failed" — immediate, regardless
			// of any other still-live branch.
			e.finalize(ctx, st, true)
			return
		}
	}

	for _, edge := range edges {
		satisfied := edge.Condition.Satisfied(failed)

		if edge.To == nil {
			if satisfied && !edge.Terminal.IsZero() {
				e.fireTerminal(ctx, st, edge.Terminal)
			}
			continue
		}

		target := *edge.To
		js, ok := st.joins[target]
		if !ok {
			js = &joinState{remaining: len(st.def.InEdges(target))}
			st.joins[target] = js
		}
		js.remaining--
		if satisfied {
			js.satisfied = true
		}
		if js.remaining == 0 {
			if js.satisfied {
				if _, already := st.byTemplate[target]; already {
					// Rebuild path: the step was already materialized before the
					// crash/restart; the ready-step resubmit pass picks up its
					// dispatch, so there's nothing more to do here.
				} else if err := e.materializeAndSubmit(ctx, st, target, step); err != nil {
					slog.Error("executor: materialize next step failed", "template_id", target, "error", err)
				}
			}
			// else: every inbound edge resolved but none fired — this branch of
			// the graph was never meant to execute; the target is simply never
			// materialized.
		}
	}
}

func (e *Executor) fireTerminal(ctx context.Context, st *runState, action domain.TerminalAction) {
	if st.finalized {
		return
	}
	if action.MergeBranch != "" {
		err := e.git.Merge(ctx, st.run.ID, action.MergeBranch)
		e.finalize(ctx, st, err != nil)
		return
	}
	if action.Stop != "" {
		e.finalize(ctx, st, action.Stop == string(domain.RunStatusFailed))
	}
}

func (e *Executor) finalize(ctx context.Context, st *runState, failed bool) {
	if st.finalized {
		return
	}
	st.finalized = true
	switch {
	case st.cancelling:
		st.run.Cancel()
	case failed:
		st.run.Fail("one or more steps failed")
	default:
		st.run.Pass()
	}
}

func (e *Executor) publishRunDone(run *domain.PipelineRun) {
	evType := domain.EventRunCompleted
	if run.Status == domain.RunStatusCancelled {
		evType = domain.EventRunCancelled
	}
	e.bus.Publish(domain.Topic{Kind: domain.TopicRunState, ID: run.ID}, evType, run)
}

// RebuildFrontier is the idempotent resume path (spec: "re-invoking the
// Executor on a persisted run in a non-terminal state safely rebuilds the
// frontier from persisted step states"). It replays every already-resolved
// step's edges to reconstruct join bookkeeping, then re-submits any step
// left in the "ready" state that was never handed to the Dispatcher (a crash
// between materialize and submit) or re-dispatches nothing further: a step
// already "dispatched"/"busy" is left alone, since the Dispatcher/Registry
// own its in-flight delivery and will report its result independently.
func (e *Executor) RebuildFrontier(ctx context.Context, run *domain.PipelineRun, def *domain.PipelineDefinition) error {
	persisted, err := e.steps.ListByRun(ctx, run.ID)
	if err != nil {
		return err
	}

	var rebuildErr error
	e.do(run.ID, func() {
		st := &runState{
			run:        run,
			def:        def,
			joins:      make(map[uuid.UUID]*joinState),
			live:       make(map[uuid.UUID]bool),
			byTemplate: make(map[uuid.UUID]*domain.Step),
		}
		e.mu.Lock()
		e.states[run.ID] = st
		e.mu.Unlock()

		for _, step := range persisted {
			st.byTemplate[step.TemplateID] = step
			if !step.State.Terminal() {
				st.live[step.TemplateID] = true
			}
			if step.State == domain.StepStateFailed {
				st.failedAny = true
			}
		}

		for _, step := range persisted {
			if step.State.Terminal() {
				e.advance(ctx, st, step, step.State == domain.StepStateFailed)
			}
		}

		for _, step := range persisted {
			if step.State != domain.StepStateReady {
				continue
			}
			tmpl, ok := def.Steps[step.TemplateID]
			if !ok {
				continue
			}
			if tmpl.Type == domain.StepTypeMerge {
				go e.runMergeStep(ctx, run.ID, step, tmpl)
				continue
			}
			if err := e.dispatch.Submit(ctx, step); err != nil {
				rebuildErr = err
				return
			}
		}

		if !st.finalized && len(st.live) == 0 && !e.hasOutstandingJoins(st) {
			e.finalize(ctx, st, st.failedAny)
			if err := e.runs.Update(ctx, st.run); err != nil {
				rebuildErr = err
				return
			}
			e.publishRunDone(st.run)
			e.stopActor(run.ID)
		}
	})
	return rebuildErr
}

// mergeBranchFromConfig reads the target branch a merge step template was
// configured with. Kept as a small free function since the executor itself
// has no opinion on step Config beyond this one field for merge steps.
func mergeBranchFromConfig(tmpl domain.StepTemplate) string {
	var cfg struct {
		Branch string `json:"branch"`
	}
	if len(tmpl.Config) == 0 {
		return ""
	}
	_ = json.Unmarshal(tmpl.Config, &cfg)
	return cfg.Branch
}
