// Package localvc maps hosted repository folders to the exercise and owner they belong to.
//
// Repositories live at <root>/<PROJECTKEY>/<projectkey>-<suffix>.git where the suffix is either a
// repository role (exercise, solution, tests) or a username, optionally prefixed with "practice-".
package localvc

import (
	"fmt"
	"path/filepath"
	"strings"

	"localci/internal/domain/ci"
)

// Repository roles that are not owned by a student.
const (
	RoleTemplate = "exercise"
	RoleSolution = "solution"
	RoleTests    = "tests"
)

const practicePrefix = "practice-"

// Location is the parsed identity of a hosted repository.
type Location struct {
	ProjectKey     string
	RoleOrUsername string
	Practice       bool
}

// Slug returns the repository name without the .git suffix.
func (l Location) Slug() string {
	suffix := l.RoleOrUsername
	if l.Practice {
		suffix = practicePrefix + suffix
	}
	return strings.ToLower(l.ProjectKey) + "-" + suffix
}

// IsTests reports whether the location is the exercise's tests repository.
func (l Location) IsTests() bool {
	return l.RoleOrUsername == RoleTests
}

// Parse extracts the location of the repository folder at path below root.
func Parse(root, path string) (Location, error) {
	rel, err := filepath.Rel(filepath.Clean(root), filepath.Clean(path))
	if err != nil || strings.HasPrefix(rel, "..") {
		return Location{}, fmt.Errorf("%w: %s is not below %s", ci.ErrInvalidRepository, path, root)
	}

	parts := strings.Split(filepath.ToSlash(rel), "/")
	if len(parts) != 2 {
		return Location{}, fmt.Errorf("%w: %s does not match <project>/<slug>.git", ci.ErrInvalidRepository, rel)
	}

	projectKey, folder := parts[0], parts[1]
	if projectKey == "" || !strings.HasSuffix(folder, ".git") {
		return Location{}, fmt.Errorf("%w: %s does not match <project>/<slug>.git", ci.ErrInvalidRepository, rel)
	}

	slug := strings.TrimSuffix(folder, ".git")
	prefix := strings.ToLower(projectKey) + "-"
	if !strings.HasPrefix(strings.ToLower(slug), prefix) {
		return Location{}, fmt.Errorf("%w: repository %s does not belong to project %s", ci.ErrInvalidRepository, slug, projectKey)
	}

	suffix := slug[len(prefix):]
	loc := Location{ProjectKey: projectKey}
	if strings.HasPrefix(suffix, practicePrefix) {
		loc.Practice = true
		suffix = strings.TrimPrefix(suffix, practicePrefix)
	}
	if suffix == "" {
		return Location{}, fmt.Errorf("%w: repository %s has no role or username", ci.ErrInvalidRepository, slug)
	}
	loc.RoleOrUsername = suffix

	return loc, nil
}

// Path returns the folder of the repository at loc below root.
func Path(root string, loc Location) string {
	return filepath.Join(root, loc.ProjectKey, loc.Slug()+".git")
}
