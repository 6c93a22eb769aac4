// Package builder runs a single build request on the local build runtime.
package builder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"localci/internal/cluster"
	"localci/internal/domain/ci"
	"localci/internal/ports"
	"localci/internal/results"
)

// TaskName is the cluster task name builds are dispatched under.
const TaskName = "build"

// ErrInvalidRequest is returned for build requests that no member could ever run.
var ErrInvalidRequest = errors.New("invalid build request")

// ErrorCodes lists the build errors that keep their identity across cluster members.
func ErrorCodes() []cluster.ErrorCode {
	return []cluster.ErrorCode{
		{Code: "invalid_build_request", Err: ErrInvalidRequest},
		{Code: "malformed_results", Err: results.ErrMalformedResults},
	}
}

// Service drives the build runtime and keeps the participation's build status current.
type Service struct {
	runner ports.BuildRunner
	status ports.BuildStatusTracker
	logger *slog.Logger
}

// NewService constructs a Service. status may be nil.
func NewService(runner ports.BuildRunner, status ports.BuildStatusTracker, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{runner: runner, status: status, logger: logger}
}

// Build prepares and runs req. Errors that a retry cannot fix are marked cluster.Permanent.
func (s *Service) Build(ctx context.Context, req ci.BuildRequest) (ci.BuildResult, error) {
	logger := s.logger.With("submission", req.SubmissionID, "participation", req.ParticipationID)

	if s.status != nil {
		if err := s.status.MarkBuilding(ctx, req.ParticipationID); err != nil {
			logger.Warn("mark participation building", "error", err)
		}
		defer func() {
			if err := s.status.MarkInactive(context.WithoutCancel(ctx), req.ParticipationID); err != nil {
				logger.Warn("mark participation inactive", "error", err)
			}
		}()
	}

	spec, err := s.runner.PrepareJob(req)
	if err != nil {
		return ci.BuildResult{}, cluster.Permanent(fmt.Errorf("%w: %w", ErrInvalidRequest, err))
	}

	logger.Info("build started", "job", spec.ID, "toolchain", spec.Toolchain, "branch", spec.Branch)
	result, err := s.runner.RunBuild(ctx, spec)
	if err != nil {
		if errors.Is(err, results.ErrMalformedResults) {
			return ci.BuildResult{}, cluster.Permanent(err)
		}
		return ci.BuildResult{}, fmt.Errorf("run build %s: %w", spec.ID, err)
	}
	result.SubmissionID = req.SubmissionID

	logger.Info("build finished",
		"job", spec.ID,
		"successful", result.Successful,
		"passed", result.PassedCount(),
		"failed", result.FailedCount(),
	)
	return result, nil
}

// Handle is the cluster handler for TaskName.
func (s *Service) Handle(ctx context.Context, payload json.RawMessage) (any, error) {
	var req ci.BuildRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, cluster.Permanent(fmt.Errorf("%w: decode payload: %w", ErrInvalidRequest, err))
	}
	return s.Build(ctx, req)
}

// Register installs the build handler in registry.
func (s *Service) Register(registry *cluster.Registry) error {
	return registry.Register(TaskName, s.Handle)
}

// Close releases the build runtime.
func (s *Service) Close() error {
	return s.runner.Close()
}
