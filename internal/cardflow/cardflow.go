// Package cardflow drives a Card (spec §5) through its lifecycle. Pipeline
// and card CRUD are out of scope (external-collaborator territory), so
// Service owns the one shape of pipeline that does belong here: a
// transient, single-step PipelineDefinition synthesized from a Card on
// Start and handed straight to the Pipeline Executor, never surfaced
// through any definition-listing endpoint.
//
// Grounded on the teacher's usecase.RunUsecase for the constructor/struct
// shape (named repository fields, one exported method per operation), and
// on internal/bootstrap.Reconciler for the "own a background goroutine,
// talk to the bus" idiom used here to watch a run to completion.
package cardflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/lazyaf/lazyaf/internal/domain"
	"github.com/lazyaf/lazyaf/internal/eventbus"
	"github.com/lazyaf/lazyaf/internal/executor"
	"github.com/lazyaf/lazyaf/internal/repository"
)

// GitOps is the subset of gitsubstrate.Substrate a card needs: realizing an
// approval as a merge, and replaying a stale feature branch onto the
// default branch before retrying. Narrowed to an interface so this package
// doesn't import go-git.
type GitOps interface {
	Merge(ctx context.Context, runID uuid.UUID, targetBranch string) error
	Rebase(ctx context.Context, repoID uuid.UUID, branch, onto string) error
}

// Service implements the Card operations spec §5 and §6 describe as HTTP
// verbs: start, approve, reject, retry, rebase.
type Service struct {
	cards     repository.CardRepository
	runs      repository.RunRepository
	pipelines repository.PipelineRepository
	exec      *executor.Executor
	git       GitOps
	bus       *eventbus.Bus
	logger    *slog.Logger
}

func New(cards repository.CardRepository, runs repository.RunRepository, pipelines repository.PipelineRepository, exec *executor.Executor, git GitOps, bus *eventbus.Bus, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{cards: cards, runs: runs, pipelines: pipelines, exec: exec, git: git, bus: bus, logger: logger}
}

// agentStepConfig is the shape the runner-side agent reads out of a
// synthesized step's Config. The card's description is the only input a
// one-step card run carries — there is no pipeline author behind it.
type agentStepConfig struct {
	Instructions string `json:"instructions"`
	Branch       string `json:"branch"`
}

// Start transitions a card to in_progress and kicks off its run: a
// single-step agent pipeline definition synthesized on the fly (persisted
// so a restart can still resume it) targeting the card's feature branch.
func (s *Service) Start(ctx context.Context, cardID uuid.UUID) (*domain.PipelineRun, error) {
	card, err := s.cards.GetByID(ctx, cardID)
	if err != nil {
		return nil, fmt.Errorf("cardflow: start: load card %s: %w", cardID, err)
	}
	if err := card.Transition(domain.CardStatusInProgress); err != nil {
		return nil, err
	}

	def, err := s.synthesizeDefinition(card)
	if err != nil {
		return nil, err
	}
	if err := s.pipelines.Create(ctx, def); err != nil {
		return nil, fmt.Errorf("cardflow: start: persist synthesized pipeline: %w", err)
	}

	run := domain.NewPipelineRun(card.RepoID, def.ID, def.Version, domain.Trigger{
		Type:   domain.TriggerCard,
		CardID: &card.ID,
		Branch: card.FeatureBranch,
	})
	if err := s.runs.Create(ctx, run); err != nil {
		return nil, fmt.Errorf("cardflow: start: persist run: %w", err)
	}

	if err := card.BindRun(run.ID); err != nil {
		return nil, err
	}
	if err := s.cards.Update(ctx, card); err != nil {
		return nil, fmt.Errorf("cardflow: start: persist card: %w", err)
	}

	if err := s.exec.Start(ctx, run, def); err != nil {
		return nil, fmt.Errorf("cardflow: start: %w", err)
	}

	go s.watchRun(card.ID, run.ID)
	return run, nil
}

// synthesizeDefinition builds the one-step agent pipeline a card-triggered
// run executes. Entry and only step, no edges: the run reaches a terminal
// state the moment that single step resolves.
func (s *Service) synthesizeDefinition(card *domain.Card) (*domain.PipelineDefinition, error) {
	cfg, err := json.Marshal(agentStepConfig{Instructions: card.Description, Branch: card.FeatureBranch})
	if err != nil {
		return nil, fmt.Errorf("cardflow: marshal step config: %w", err)
	}

	def := domain.NewPipelineDefinition(uuid.New(), fmt.Sprintf("card:%s", card.Title), 1)
	stepID := uuid.New()
	def.Steps[stepID] = domain.StepTemplate{
		ID:       stepID,
		Name:     card.Title,
		Type:     domain.StepTypeAgent,
		Config:   cfg,
		Selector: "any",
	}
	def.Entries = []uuid.UUID{stepID}
	return def, nil
}

// watchRun subscribes to the run's state topic and waits for a terminal
// event, then reconciles the card's status against the run's outcome.
// Runs in its own goroutine for the lifetime of one card-triggered run;
// the executor's own actor keeps driving the run regardless of whether
// anyone is watching.
func (s *Service) watchRun(cardID, runID uuid.UUID) {
	topic := domain.Topic{Kind: domain.TopicRunState, ID: runID}
	sub, ok := s.bus.Subscribe(topic, 0, 8)
	if !ok {
		s.logger.Warn("cardflow: could not subscribe to run topic", "card_id", cardID, "run_id", runID)
		return
	}
	defer s.bus.Unsubscribe(sub)

	for ev := range sub.Events() {
		switch ev.Type {
		case domain.EventRunCompleted, domain.EventRunCancelled:
			passed := false
			if run, ok := ev.Payload.(*domain.PipelineRun); ok && ev.Type == domain.EventRunCompleted {
				passed = run.Status == domain.RunStatusPassed
			}
			s.reconcileCard(cardID, passed)
			return
		}
	}
}

// reconcileCard moves an in_progress card to in_review on a passed run, or
// to failed otherwise. Best-effort: a card reconciliation failure is logged,
// not propagated, since no caller is left waiting on watchRun's goroutine.
func (s *Service) reconcileCard(cardID uuid.UUID, passed bool) {
	ctx := context.Background()
	card, err := s.cards.GetByID(ctx, cardID)
	if err != nil {
		s.logger.Warn("cardflow: reconcile: load card", "card_id", cardID, "error", err)
		return
	}
	to := domain.CardStatusFailed
	if passed {
		to = domain.CardStatusInReview
	}
	if err := card.Transition(to); err != nil {
		s.logger.Warn("cardflow: reconcile: transition", "card_id", cardID, "to", to, "error", err)
		return
	}
	if err := s.cards.Update(ctx, card); err != nil {
		s.logger.Warn("cardflow: reconcile: persist card", "card_id", cardID, "error", err)
	}
}

// Approve merges the card's feature branch into defaultBranch and, only on
// a clean merge, moves the card to done. A conflict leaves the card in
// in_review so Rebase + a retried Approve can resolve it.
func (s *Service) Approve(ctx context.Context, cardID uuid.UUID, defaultBranch string) error {
	card, err := s.cards.GetByID(ctx, cardID)
	if err != nil {
		return fmt.Errorf("cardflow: approve: load card %s: %w", cardID, err)
	}
	if card.Status != domain.CardStatusInReview {
		return domain.ErrCardInvalidTransition
	}
	if card.CurrentRunID == nil {
		return fmt.Errorf("cardflow: approve: card %s has no run to merge", cardID)
	}

	if err := s.git.Merge(ctx, *card.CurrentRunID, defaultBranch); err != nil {
		return err
	}

	if err := card.Transition(domain.CardStatusDone); err != nil {
		return err
	}
	return s.cards.Update(ctx, card)
}

// Reject fails the card outright, without attempting a merge. An
// in_progress card owns exactly one live run (spec §5), so rejecting it
// cancels that run first — otherwise the runner keeps executing a step for
// a card that's already failed.
func (s *Service) Reject(ctx context.Context, cardID uuid.UUID) error {
	card, err := s.cards.GetByID(ctx, cardID)
	if err != nil {
		return fmt.Errorf("cardflow: reject: load card %s: %w", cardID, err)
	}
	if card.CurrentRunID != nil {
		if err := s.exec.Cancel(ctx, *card.CurrentRunID); err != nil && !errors.Is(err, domain.ErrRunNotCancellable) {
			return fmt.Errorf("cardflow: reject: cancel run %s: %w", *card.CurrentRunID, err)
		}
	}
	if err := card.Transition(domain.CardStatusFailed); err != nil {
		return err
	}
	return s.cards.Update(ctx, card)
}

// Retry resets a failed card back to todo so Start can be called again.
func (s *Service) Retry(ctx context.Context, cardID uuid.UUID) error {
	card, err := s.cards.GetByID(ctx, cardID)
	if err != nil {
		return fmt.Errorf("cardflow: retry: load card %s: %w", cardID, err)
	}
	if err := card.Transition(domain.CardStatusTodo); err != nil {
		return err
	}
	return s.cards.Update(ctx, card)
}

// Rebase replays the card's feature branch onto defaultBranch, surfacing
// conflicts the same structured way Approve's merge does. Does not change
// the card's status: conflicts are resolved out of band, then Approve (or
// another Rebase) is retried.
func (s *Service) Rebase(ctx context.Context, cardID uuid.UUID, defaultBranch string) error {
	card, err := s.cards.GetByID(ctx, cardID)
	if err != nil {
		return fmt.Errorf("cardflow: rebase: load card %s: %w", cardID, err)
	}
	return s.git.Rebase(ctx, card.RepoID, card.FeatureBranch, defaultBranch)
}
