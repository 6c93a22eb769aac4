package ports

import (
	"context"
	"errors"

	"localci/internal/domain/ci"
)

var (
	// ErrNotFound is returned by stores when no row matches.
	ErrNotFound = errors.New("not found")
	// ErrAmbiguous is returned by stores when more than one row matches a lookup that must be unique.
	ErrAmbiguous = errors.New("ambiguous match")
)

// ExerciseStore loads exercises and records exercise-level build flags.
type ExerciseStore interface {
	FindByProjectKey(ctx context.Context, projectKey string) (ci.Exercise, error)
	SetTestCasesChanged(ctx context.Context, exerciseID int64, changed bool) error
}

// ParticipationStore looks up participations of an exercise.
type ParticipationStore interface {
	FindSolution(ctx context.Context, exerciseID int64, withSubmissions bool) (ci.Participation, error)
	FindTemplate(ctx context.Context, exerciseID int64, withSubmissions bool) (ci.Participation, error)
	FindTeam(ctx context.Context, exerciseID int64, teamShortName string, withSubmissions bool) (ci.Participation, error)
	FindStudent(ctx context.Context, exerciseID int64, login string, testRun bool, withSubmissions bool) (ci.Participation, error)
	// FindStudentAnyRun ignores the test-run flag.
	FindStudentAnyRun(ctx context.Context, exerciseID int64, login string, withSubmissions bool) (ci.Participation, error)
}

// Authorizer answers role questions about users.
type Authorizer interface {
	IsAtLeastEditor(ctx context.Context, exercise ci.Exercise, login string) (bool, error)
}

// SubmissionRepository creates submissions and tracks their lifecycle.
type SubmissionRepository interface {
	CreateSubmission(ctx context.Context, participation ci.Participation, commit ci.Commit, kind ci.SubmissionType) (ci.Submission, error)
	UpdateState(ctx context.Context, submissionID string, state ci.SubmissionState) error
}
