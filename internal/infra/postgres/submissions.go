package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"localci/internal/domain/ci"
)

const submissionColumns = `id, commit_hash, branch, author_name, author_email, message, type, state, created_at`

const (
	insertSubmission = `INSERT INTO submissions
    (id, participation_id, commit_hash, branch, author_name, author_email, message, type, state)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
RETURNING created_at`
	updateSubmissionState = `UPDATE submissions SET state = $2 WHERE id = $1`
)

func (s *Store) CreateSubmission(ctx context.Context, participation ci.Participation, commit ci.Commit, kind ci.SubmissionType) (ci.Submission, error) {
	sub := ci.Submission{
		ID:            uuid.NewString(),
		Participation: participation,
		Commit:        commit,
		Type:          kind,
		State:         ci.SubmissionCreated,
	}

	err := s.db.QueryRowContext(ctx, insertSubmission,
		sub.ID, participation.ID, commit.Hash, commit.Branch, commit.AuthorName, commit.AuthorEmail, commit.Message,
		string(kind), string(sub.State),
	).Scan(&sub.CreatedAt)
	if err != nil {
		return ci.Submission{}, fmt.Errorf("insert submission for participation %d: %w", participation.ID, err)
	}
	return sub, nil
}

func (s *Store) UpdateState(ctx context.Context, submissionID string, state ci.SubmissionState) error {
	if _, err := uuid.Parse(submissionID); err != nil {
		return fmt.Errorf("submission id %q: %w", submissionID, err)
	}
	if _, err := s.db.ExecContext(ctx, updateSubmissionState, submissionID, string(state)); err != nil {
		return fmt.Errorf("update submission %s: %w", submissionID, err)
	}
	return nil
}

func scanSubmission(r rowScanner) (ci.Submission, error) {
	var (
		sub         ci.Submission
		kind, state string
	)
	err := r.Scan(&sub.ID, &sub.Commit.Hash, &sub.Commit.Branch, &sub.Commit.AuthorName, &sub.Commit.AuthorEmail,
		&sub.Commit.Message, &kind, &state, &sub.CreatedAt)
	if err != nil {
		return ci.Submission{}, err
	}
	sub.Type = ci.SubmissionType(kind)
	sub.State = ci.SubmissionState(state)
	return sub, nil
}
