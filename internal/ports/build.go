package ports

import (
	"context"

	"localci/internal/domain/ci"
)

// BuildRunner prepares and runs sandboxed builds.
type BuildRunner interface {
	PrepareJob(req ci.BuildRequest) (ci.BuildJobSpec, error)
	RunBuild(ctx context.Context, spec ci.BuildJobSpec) (ci.BuildResult, error)
	Close() error
}

// BuildStatusTracker records whether a participation currently has a build running.
type BuildStatusTracker interface {
	MarkBuilding(ctx context.Context, participationID int64) error
	MarkInactive(ctx context.Context, participationID int64) error
}

// LogArchive stores the console output of finished builds.
type LogArchive interface {
	StoreBuildLog(ctx context.Context, buildID string, log []byte) error
}

// PushEvent is a completed push delivered by an ingress transport.
type PushEvent struct {
	Repository ci.Repository
	Updates    []ci.RefUpdate
}

// PushEventSource yields completed pushes until it returns io.EOF or the context ends.
type PushEventSource interface {
	NextPush(ctx context.Context) (PushEvent, error)
	Close() error
}
