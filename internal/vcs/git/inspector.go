package git

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"slices"
	"strings"

	"localci/internal/domain/ci"
)

var objectName = regexp.MustCompile(`^[0-9a-fA-F]{4,64}$`)

// Inspector resolves commit hashes in hosted repositories.
type Inspector struct {
	logger *slog.Logger
}

// NewInspector constructs an Inspector. A nil logger falls back to slog.Default().
func NewInspector(logger *slog.Logger) *Inspector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Inspector{logger: logger}
}

// Resolve returns author, message and branch of the commit named by hash.
//
// The branch is the local branch pointing at the commit. When several do, the branch HEAD refers
// to wins; any other ambiguity is reported as a BranchResolutionError.
func (i *Inspector) Resolve(ctx context.Context, hash string, repo ci.Repository) (ci.Commit, error) {
	if !objectName.MatchString(hash) {
		return ci.Commit{}, &ci.CommitNotFoundError{Hash: hash, Repository: repo.Path}
	}

	r := NewRepository(repo.Path)
	full, err := r.Run(ctx, "rev-parse", "--verify", "--quiet", hash+"^{commit}")
	if err != nil {
		return ci.Commit{}, &ci.CommitNotFoundError{Hash: hash, Repository: repo.Path, Err: err}
	}
	full = strings.TrimSpace(full)

	details, err := r.Run(ctx, "log", "-1", "--format=%an%x00%ae%x00%B", full)
	if err != nil {
		return ci.Commit{}, fmt.Errorf("read commit %s: %w", full, err)
	}
	fields := strings.SplitN(details, "\x00", 3)
	if len(fields) != 3 {
		return ci.Commit{}, fmt.Errorf("read commit %s: unexpected log output %q", full, details)
	}

	branch, err := i.branchOf(ctx, r, full)
	if err != nil {
		return ci.Commit{}, err
	}

	return ci.Commit{
		Hash:        full,
		AuthorName:  fields[0],
		AuthorEmail: fields[1],
		Branch:      branch,
		Message:     strings.TrimRight(fields[2], "\n"),
	}, nil
}

// LatestCommit returns the hash HEAD currently resolves to.
func (i *Inspector) LatestCommit(ctx context.Context, repo ci.Repository) (string, error) {
	out, err := NewRepository(repo.Path).Run(ctx, "rev-parse", "--verify", "HEAD^{commit}")
	if err != nil {
		return "", &ci.CommitNotFoundError{Hash: "HEAD", Repository: repo.Path, Err: err}
	}
	return strings.TrimSpace(out), nil
}

func (i *Inspector) branchOf(ctx context.Context, r *Repository, hash string) (string, error) {
	out, err := r.Run(ctx, "for-each-ref", "--points-at="+hash, "--format=%(refname:short)", "refs/heads/")
	if err != nil {
		return "", fmt.Errorf("list branches of %s: %w", hash, err)
	}

	branches := splitLines(out)
	switch len(branches) {
	case 0:
		return "", &ci.BranchResolutionError{Hash: hash, Repository: r.Dir()}
	case 1:
		return branches[0], nil
	}

	head, err := r.Run(ctx, "symbolic-ref", "--quiet", "--short", "HEAD")
	if err == nil {
		if current := strings.TrimSpace(head); slices.Contains(branches, current) {
			i.logger.Debug("commit on several branches, using HEAD", "commit", hash, "branch", current)
			return current, nil
		}
	}
	return "", &ci.BranchResolutionError{Hash: hash, Repository: r.Dir(), Candidates: branches}
}
