package postgres

import (
	"context"
	"fmt"

	"localci/internal/domain/ci"
)

const (
	selectExerciseByKey = `SELECT id, project_key, title, team_mode, exam_exercise, toolchain
FROM exercises WHERE upper(project_key) = upper($1)`
	updateTestCasesChanged = `UPDATE exercises SET test_cases_changed = $2 WHERE id = $1`
	selectIsEditor         = `SELECT EXISTS (SELECT 1 FROM exercise_editors WHERE exercise_id = $1 AND login = $2)`
)

func (s *Store) FindByProjectKey(ctx context.Context, projectKey string) (ci.Exercise, error) {
	var ex ci.Exercise
	err := s.db.QueryRowContext(ctx, selectExerciseByKey, projectKey).Scan(
		&ex.ID, &ex.ProjectKey, &ex.Title, &ex.TeamMode, &ex.ExamExercise, &ex.Toolchain,
	)
	if err != nil {
		return ci.Exercise{}, fmt.Errorf("find exercise %s: %w", projectKey, notFound(err))
	}
	return ex, nil
}

func (s *Store) SetTestCasesChanged(ctx context.Context, exerciseID int64, changed bool) error {
	res, err := s.db.ExecContext(ctx, updateTestCasesChanged, exerciseID, changed)
	if err != nil {
		return fmt.Errorf("update exercise %d: %w", exerciseID, err)
	}
	return expectRow(res, "exercise", exerciseID)
}

// IsAtLeastEditor reports whether login is registered as an editor of exercise.
func (s *Store) IsAtLeastEditor(ctx context.Context, exercise ci.Exercise, login string) (bool, error) {
	var ok bool
	if err := s.db.QueryRowContext(ctx, selectIsEditor, exercise.ID, login).Scan(&ok); err != nil {
		return false, fmt.Errorf("check editor %s: %w", login, err)
	}
	return ok, nil
}
