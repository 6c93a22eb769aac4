package ports

import (
	"context"

	"localci/internal/domain/ci"
)

// Grader turns a build result into a stored result for the participation.
// The boolean is false when no result was recorded.
type Grader interface {
	ProcessBuildResult(ctx context.Context, participation ci.Participation, result ci.BuildResult) (ci.GradedResult, bool, error)
}

// Notifier broadcasts pipeline events to interested clients.
type Notifier interface {
	NotifySubmissionCreated(ctx context.Context, submission ci.Submission) error
	NotifyResultReady(ctx context.Context, result ci.GradedResult, participation ci.Participation) error
	NotifySubmissionError(ctx context.Context, submission ci.Submission, cause error) error
}
