package ci

import (
	"errors"
	"fmt"
)

var (
	ErrCommitNotFound        = errors.New("commit not found")
	ErrBranchResolution      = errors.New("branch could not be resolved")
	ErrParticipationNotFound = errors.New("participation not found")
	ErrExerciseNotFound      = errors.New("exercise not found")
	ErrInvalidRepository     = errors.New("invalid repository")
)

// CommitNotFoundError reports a hash that does not name a commit in the repository.
type CommitNotFoundError struct {
	Hash       string
	Repository string
	Err        error
}

func (e *CommitNotFoundError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("commit %s not found in %s: %v", e.Hash, e.Repository, e.Err)
	}
	return fmt.Sprintf("commit %s not found in %s", e.Hash, e.Repository)
}

func (e *CommitNotFoundError) Unwrap() error { return e.Err }

func (e *CommitNotFoundError) Is(target error) bool { return target == ErrCommitNotFound }

// BranchResolutionError reports a commit that no single local branch points at.
type BranchResolutionError struct {
	Hash       string
	Repository string
	Candidates []string
}

func (e *BranchResolutionError) Error() string {
	if len(e.Candidates) > 1 {
		return fmt.Sprintf("commit %s in %s is ambiguous between branches %v", e.Hash, e.Repository, e.Candidates)
	}
	return fmt.Sprintf("commit %s in %s is not on a local branch", e.Hash, e.Repository)
}

func (e *BranchResolutionError) Is(target error) bool { return target == ErrBranchResolution }

// ParticipationNotFoundError reports that no single participation matched a push.
type ParticipationNotFoundError struct {
	ExerciseID     int64
	RoleOrUsername string
	Err            error
}

func (e *ParticipationNotFoundError) Error() string {
	msg := fmt.Sprintf("no participation for %q in exercise %d", e.RoleOrUsername, e.ExerciseID)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ParticipationNotFoundError) Unwrap() error { return e.Err }

func (e *ParticipationNotFoundError) Is(target error) bool { return target == ErrParticipationNotFound }
