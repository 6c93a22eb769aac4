// Package participation maps pushed repositories to the participation they belong to.
package participation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"localci/internal/domain/ci"
	"localci/internal/ports"
	"localci/internal/vcs/localvc"
)

// Resolver looks up the participation behind a repository's role-or-username.
type Resolver struct {
	store  ports.ParticipationStore
	auth   ports.Authorizer
	logger *slog.Logger
}

// NewResolver constructs a Resolver. auth may be nil, in which case nobody is treated as an
// editor of exam exercises.
func NewResolver(store ports.ParticipationStore, auth ports.Authorizer, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{store: store, auth: auth, logger: logger}
}

// Resolve returns the single participation of exercise identified by roleOrUsername.
//
// The solution and tests repositories both belong to the solution participation. Team
// exercises are looked up by team short name. Editors pushing to an exam exercise match their
// participation regardless of the test-run flag.
func (r *Resolver) Resolve(ctx context.Context, exercise ci.Exercise, roleOrUsername string, practice, withHistory bool) (ci.Participation, error) {
	var (
		p   ci.Participation
		err error
	)

	switch {
	case roleOrUsername == localvc.RoleSolution || roleOrUsername == localvc.RoleTests:
		p, err = r.store.FindSolution(ctx, exercise.ID, withHistory)
	case roleOrUsername == localvc.RoleTemplate:
		p, err = r.store.FindTemplate(ctx, exercise.ID, withHistory)
	case exercise.TeamMode:
		p, err = r.store.FindTeam(ctx, exercise.ID, roleOrUsername, withHistory)
	default:
		editor, authErr := r.isExamEditor(ctx, exercise, roleOrUsername)
		if authErr != nil {
			return ci.Participation{}, authErr
		}
		if editor {
			r.logger.Debug("resolving exam participation for editor", "exercise", exercise.ID, "login", roleOrUsername)
			p, err = r.store.FindStudentAnyRun(ctx, exercise.ID, roleOrUsername, withHistory)
		} else {
			p, err = r.store.FindStudent(ctx, exercise.ID, roleOrUsername, practice, withHistory)
		}
	}

	if err != nil {
		return ci.Participation{}, r.wrap(exercise, roleOrUsername, err)
	}
	return p, nil
}

// Template returns the template participation of exercise.
func (r *Resolver) Template(ctx context.Context, exercise ci.Exercise, withHistory bool) (ci.Participation, error) {
	p, err := r.store.FindTemplate(ctx, exercise.ID, withHistory)
	if err != nil {
		return ci.Participation{}, r.wrap(exercise, localvc.RoleTemplate, err)
	}
	return p, nil
}

// Solution returns the solution participation of exercise.
func (r *Resolver) Solution(ctx context.Context, exercise ci.Exercise, withHistory bool) (ci.Participation, error) {
	p, err := r.store.FindSolution(ctx, exercise.ID, withHistory)
	if err != nil {
		return ci.Participation{}, r.wrap(exercise, localvc.RoleSolution, err)
	}
	return p, nil
}

func (r *Resolver) isExamEditor(ctx context.Context, exercise ci.Exercise, login string) (bool, error) {
	if !exercise.ExamExercise || r.auth == nil {
		return false, nil
	}
	ok, err := r.auth.IsAtLeastEditor(ctx, exercise, login)
	if err != nil {
		return false, fmt.Errorf("check editor rights of %s: %w", login, err)
	}
	return ok, nil
}

func (r *Resolver) wrap(exercise ci.Exercise, roleOrUsername string, err error) error {
	if errors.Is(err, ports.ErrNotFound) || errors.Is(err, ports.ErrAmbiguous) {
		return &ci.ParticipationNotFoundError{ExerciseID: exercise.ID, RoleOrUsername: roleOrUsername, Err: err}
	}
	return fmt.Errorf("load participation %s of exercise %d: %w", roleOrUsername, exercise.ID, err)
}
