package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"localci/internal/domain/ci"
)

// insertResult only stores rows for a submission of the given participation.
const insertResult = `INSERT INTO results
    (id, participation_id, submission_id, successful, passed_tests, failed_tests, completed_at, details)
SELECT $1::uuid, $2::bigint, $3::uuid, $4::boolean, $5::integer, $6::integer, $7::timestamptz, $8::jsonb
WHERE EXISTS (SELECT 1 FROM submissions WHERE id = $3::uuid AND participation_id = $2::bigint)
ON CONFLICT (submission_id) DO NOTHING`

// ErrNoSubmission is returned for results that do not name the submission they were built for.
var ErrNoSubmission = errors.New("build result names no submission")

type resultDetails struct {
	Branch               string         `json:"branch"`
	AssignmentCommitHash string         `json:"assignment_commit_hash"`
	TestsCommitHash      string         `json:"tests_commit_hash"`
	Jobs                 []ci.JobReport `json:"jobs"`
}

// ProcessBuildResult stores result against result.SubmissionID. A submission is graded at most
// once; redelivered results and submissions of other participations are reported as not recorded.
func (s *Store) ProcessBuildResult(ctx context.Context, participation ci.Participation, result ci.BuildResult) (ci.GradedResult, bool, error) {
	submissionID := result.SubmissionID
	if _, err := uuid.Parse(submissionID); err != nil {
		return ci.GradedResult{}, false, fmt.Errorf("%w: %q", ErrNoSubmission, submissionID)
	}

	details, err := json.Marshal(resultDetails{
		Branch:               result.Branch,
		AssignmentCommitHash: result.AssignmentCommitHash,
		TestsCommitHash:      result.TestsCommitHash,
		Jobs:                 result.Jobs,
	})
	if err != nil {
		return ci.GradedResult{}, false, fmt.Errorf("encode result details: %w", err)
	}

	graded := ci.GradedResult{
		ID:              uuid.NewString(),
		ParticipationID: participation.ID,
		SubmissionID:    submissionID,
		Successful:      result.Successful,
		PassedTests:     result.PassedCount(),
		FailedTests:     result.FailedCount(),
		CompletedAt:     result.CompletedAt,
	}
	res, err := s.db.ExecContext(ctx, insertResult,
		graded.ID, graded.ParticipationID, graded.SubmissionID, graded.Successful,
		graded.PassedTests, graded.FailedTests, graded.CompletedAt, details,
	)
	if err != nil {
		return ci.GradedResult{}, false, fmt.Errorf("insert result for submission %s: %w", submissionID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return ci.GradedResult{}, false, fmt.Errorf("rows affected: %w", err)
	}
	return graded, n > 0, nil
}
