package domain

import "errors"

// Domain errors
var (
	// Runner errors
	ErrRunnerNotFound           = errors.New("runner not found")
	ErrRunnerDuplicateRegistration = errors.New("runner already connected")
	ErrRunnerNotIdle             = errors.New("runner is not idle")
	ErrRunnerStepMismatch        = errors.New("runner is not holding the expected step")

	// Step errors
	ErrStepNotFound    = errors.New("step not found")
	ErrInvalidStepType = errors.New("invalid step type")
	ErrStepNotReady    = errors.New("step is not ready for dispatch")
	ErrStepNotDispatched = errors.New("step is not dispatched")

	// Pipeline / run errors
	ErrPipelineNotFound    = errors.New("pipeline definition not found")
	ErrPipelineHasCycle    = errors.New("pipeline definition contains a cycle")
	ErrPipelineUnreachable = errors.New("pipeline definition has unreachable steps")
	ErrPipelineNoEntry     = errors.New("pipeline definition has no entry point")
	ErrRunNotFound         = errors.New("run not found")
	ErrRunNotCancellable   = errors.New("run cannot be cancelled")
	ErrRunNotResumable     = errors.New("run is already terminal")

	// Card errors
	ErrCardNotFound          = errors.New("card not found")
	ErrCardInvalidTransition = errors.New("card cannot make this state transition")
	ErrCardAlreadyRunning    = errors.New("card already has a live run")

	// Debug session errors
	ErrDebugSessionNotFound  = errors.New("debug session not found")
	ErrDebugSessionExpired   = errors.New("debug session has expired")
	ErrDebugSessionConflict  = errors.New("run already has a non-terminal debug session")

	// Git substrate errors
	ErrRepoNotFound       = errors.New("repository not found")
	ErrBranchNotFound     = errors.New("branch not found")
	ErrBranchDamaged      = errors.New("branch is damaged: missing objects")
	ErrDefaultBranchGuard = errors.New("refusing to delete the default branch")
	ErrMergeConflict      = errors.New("merge produced conflicts")
	ErrNoConflictOp       = errors.New("no in-progress merge/rebase operation for this id")

	// Event bus errors
	ErrSubscriberGone  = errors.New("subscriber disconnected")
	ErrSinceSeqExpired = errors.New("requested seq is older than the replay window")
)
