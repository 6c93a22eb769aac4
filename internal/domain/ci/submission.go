package ci

import "time"

// SubmissionType tells a student push apart from a build caused by a test change.
type SubmissionType string

const (
	SubmissionManual SubmissionType = "manual"
	SubmissionTest   SubmissionType = "test"
)

// SubmissionState tracks a submission through created, queued, built and failed.
type SubmissionState string

const (
	SubmissionCreated SubmissionState = "created"
	SubmissionQueued  SubmissionState = "queued"
	SubmissionBuilt   SubmissionState = "built"
	SubmissionFailed  SubmissionState = "failed"
)

// Submission records that a participation pushed a commit that must be built.
type Submission struct {
	ID            string
	Participation Participation
	Commit        Commit
	Type          SubmissionType
	State         SubmissionState
	CreatedAt     time.Time
}

// GradedResult is the outcome the grading collaborator stored for a build.
type GradedResult struct {
	ID              string
	ParticipationID int64
	SubmissionID    string
	Successful      bool
	PassedTests     int
	FailedTests     int
	CompletedAt     time.Time
}
