package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"localci/internal/domain/ci"
	"localci/internal/ports"
)

const participationColumns = `id, kind, exercise_id, owner, test_run, repository_path`

const (
	selectParticipationByKind = `SELECT ` + participationColumns + `
FROM participations WHERE exercise_id = $1 AND kind = $2`
	selectParticipationByOwner = `SELECT ` + participationColumns + `
FROM participations WHERE exercise_id = $1 AND kind = $2 AND owner = $3`
	selectStudentParticipation = `SELECT ` + participationColumns + `
FROM participations WHERE exercise_id = $1 AND kind = 'student' AND owner = $2 AND test_run = $3`
	selectSubmissionsOf = `SELECT ` + submissionColumns + `
FROM submissions WHERE participation_id = $1 ORDER BY created_at`
	markBuilding = `UPDATE participations SET building_since = $2 WHERE id = $1`
	markInactive = `UPDATE participations SET building_since = NULL WHERE id = $1`
)

func (s *Store) FindSolution(ctx context.Context, exerciseID int64, withSubmissions bool) (ci.Participation, error) {
	return s.findParticipation(ctx, withSubmissions, selectParticipationByKind, exerciseID, string(ci.ParticipationSolution))
}

func (s *Store) FindTemplate(ctx context.Context, exerciseID int64, withSubmissions bool) (ci.Participation, error) {
	return s.findParticipation(ctx, withSubmissions, selectParticipationByKind, exerciseID, string(ci.ParticipationTemplate))
}

func (s *Store) FindTeam(ctx context.Context, exerciseID int64, teamShortName string, withSubmissions bool) (ci.Participation, error) {
	return s.findParticipation(ctx, withSubmissions, selectParticipationByOwner, exerciseID, string(ci.ParticipationTeam), teamShortName)
}

func (s *Store) FindStudent(ctx context.Context, exerciseID int64, login string, testRun, withSubmissions bool) (ci.Participation, error) {
	return s.findParticipation(ctx, withSubmissions, selectStudentParticipation, exerciseID, login, testRun)
}

func (s *Store) FindStudentAnyRun(ctx context.Context, exerciseID int64, login string, withSubmissions bool) (ci.Participation, error) {
	return s.findParticipation(ctx, withSubmissions, selectParticipationByOwner, exerciseID, string(ci.ParticipationStudent), login)
}

func (s *Store) findParticipation(ctx context.Context, withSubmissions bool, query string, args ...any) (ci.Participation, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return ci.Participation{}, fmt.Errorf("query participation: %w", err)
	}
	p, err := scanOne(rows, scanParticipation)
	if err != nil {
		return ci.Participation{}, fmt.Errorf("find participation: %w", err)
	}
	if !withSubmissions {
		return p, nil
	}

	subRows, err := s.db.QueryContext(ctx, selectSubmissionsOf, p.ID)
	if err != nil {
		return ci.Participation{}, fmt.Errorf("query submissions of %d: %w", p.ID, err)
	}
	p.Submissions, err = scanAll(subRows, func(r rowScanner) (ci.Submission, error) {
		sub, err := scanSubmission(r)
		sub.Participation = ci.Participation{ID: p.ID, Kind: p.Kind, ExerciseID: p.ExerciseID, Owner: p.Owner}
		return sub, err
	})
	if err != nil {
		return ci.Participation{}, fmt.Errorf("scan submissions of %d: %w", p.ID, err)
	}
	return p, nil
}

func scanParticipation(r rowScanner) (ci.Participation, error) {
	var (
		p    ci.Participation
		kind string
	)
	if err := r.Scan(&p.ID, &kind, &p.ExerciseID, &p.Owner, &p.TestRun, &p.RepositoryPath); err != nil {
		return ci.Participation{}, err
	}
	p.Kind = ci.ParticipationKind(kind)
	return p, nil
}

func scanAll[T any](rows rowScanner, scan func(rowScanner) (T, error)) ([]T, error) {
	defer rows.Close()
	var out []T
	for rows.Next() {
		value, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, value)
	}
	return out, rows.Err()
}

func (s *Store) MarkBuilding(ctx context.Context, participationID int64) error {
	res, err := s.db.ExecContext(ctx, markBuilding, participationID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("mark participation %d building: %w", participationID, err)
	}
	return expectRow(res, "participation", participationID)
}

func (s *Store) MarkInactive(ctx context.Context, participationID int64) error {
	if _, err := s.db.ExecContext(ctx, markInactive, participationID); err != nil {
		return fmt.Errorf("mark participation %d inactive: %w", participationID, err)
	}
	return nil
}

func expectRow(res sql.Result, entity string, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%s %d: %w", entity, id, ports.ErrNotFound)
	}
	return nil
}
