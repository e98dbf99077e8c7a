package domain

import (
	"errors"
	"testing"
)

func TestDomainErrors_NotNil(t *testing.T) {
	errs := []error{
		ErrRunnerNotFound,
		ErrRunnerDuplicateRegistration,
		ErrRunnerNotIdle,
		ErrRunnerStepMismatch,
		ErrStepNotFound,
		ErrInvalidStepType,
		ErrStepNotReady,
		ErrStepNotDispatched,
		ErrPipelineNotFound,
		ErrPipelineHasCycle,
		ErrPipelineUnreachable,
		ErrPipelineNoEntry,
		ErrRunNotFound,
		ErrRunNotCancellable,
		ErrRunNotResumable,
		ErrCardNotFound,
		ErrCardInvalidTransition,
		ErrCardAlreadyRunning,
		ErrDebugSessionNotFound,
		ErrDebugSessionExpired,
		ErrDebugSessionConflict,
		ErrRepoNotFound,
		ErrBranchNotFound,
		ErrBranchDamaged,
		ErrDefaultBranchGuard,
		ErrMergeConflict,
		ErrNoConflictOp,
		ErrSubscriberGone,
		ErrSinceSeqExpired,
	}
	for _, err := range errs {
		if err == nil {
			t.Fatal("expected non-nil domain error")
		}
	}
}

func TestDomainErrors_Distinct(t *testing.T) {
	if errors.Is(ErrRunnerNotFound, ErrStepNotFound) {
		t.Fatal("distinct sentinel errors must not match each other")
	}
}
