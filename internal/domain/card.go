package domain

import (
	"time"

	"github.com/google/uuid"
)

// CardStatus is a Card's lifecycle state (spec §5 supplement, modeled on the
// teacher's Run/StepRun status idiom).
type CardStatus string

const (
	CardStatusTodo       CardStatus = "todo"
	CardStatusInProgress CardStatus = "in_progress"
	CardStatusInReview   CardStatus = "in_review"
	CardStatusDone       CardStatus = "done"
	CardStatusFailed     CardStatus = "failed"
)

var cardTransitions = map[CardStatus][]CardStatus{
	CardStatusTodo:       {CardStatusInProgress},
	CardStatusInProgress: {CardStatusInReview, CardStatusFailed},
	CardStatusInReview:   {CardStatusDone, CardStatusFailed, CardStatusInProgress},
	CardStatusDone:       {},
	CardStatusFailed:     {CardStatusTodo},
}

// Card tracks a unit of agent-driven work against a feature branch, bound to
// at most one live PipelineRun at a time.
type Card struct {
	ID            uuid.UUID  `json:"id"`
	RepoID        uuid.UUID  `json:"repo_id"`
	Title         string     `json:"title"`
	Description   string     `json:"description,omitempty"`
	Status        CardStatus `json:"status"`
	FeatureBranch string     `json:"feature_branch"`
	CurrentRunID  *uuid.UUID `json:"current_run_id,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// NewCard creates a card in the todo state with no bound run.
func NewCard(repoID uuid.UUID, title, featureBranch string) *Card {
	now := time.Now().UTC()
	return &Card{
		ID:            uuid.New(),
		RepoID:        repoID,
		Title:         title,
		FeatureBranch: featureBranch,
		Status:        CardStatusTodo,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// CanTransition reports whether `to` is a legal next status from the card's
// current status.
func (c *Card) CanTransition(to CardStatus) bool {
	for _, allowed := range cardTransitions[c.Status] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Transition moves the card to `to`, enforcing legality and the
// one-live-run invariant.
func (c *Card) Transition(to CardStatus) error {
	if !c.CanTransition(to) {
		return ErrCardInvalidTransition
	}
	c.Status = to
	c.UpdatedAt = time.Now().UTC()
	if to == CardStatusDone || to == CardStatusFailed {
		c.CurrentRunID = nil
	}
	return nil
}

// BindRun attaches a live run to the card, refusing to clobber an existing
// in-flight run (spec §5 "Card already has a live run").
func (c *Card) BindRun(runID uuid.UUID) error {
	if c.CurrentRunID != nil {
		return ErrCardAlreadyRunning
	}
	c.CurrentRunID = &runID
	c.UpdatedAt = time.Now().UTC()
	return nil
}
