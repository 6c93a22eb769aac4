package docker

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
)

type sandboxState int

const (
	stateCreated sandboxState = iota
	stateRunning
	stateResultsExtracted
	stateStopping
	stateRemoved
)

func (s sandboxState) String() string {
	switch s {
	case stateCreated:
		return "created"
	case stateRunning:
		return "running"
	case stateResultsExtracted:
		return "results_extracted"
	case stateStopping:
		return "stopping"
	case stateRemoved:
		return "removed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var sandboxTransitions = map[sandboxState][]sandboxState{
	stateCreated:          {stateRunning, stateStopping},
	stateRunning:          {stateResultsExtracted, stateStopping},
	stateResultsExtracted: {stateStopping},
	stateStopping:         {stateRemoved},
}

// idleCommand keeps the sandbox alive between execs and exits promptly on SIGTERM.
var idleCommand = []string{"sh", "-c", "trap 'exit 0' TERM INT; while true; do sleep 1 & wait $!; done"}

// sandbox is one build container. Only the orchestrator moves it through its states.
type sandbox struct {
	id          string
	state       sandboxState
	cli         dockerClient
	logger      *slog.Logger
	stopTimeout time.Duration
}

func (s *sandbox) transition(next sandboxState) error {
	for _, allowed := range sandboxTransitions[s.state] {
		if allowed == next {
			s.logger.Debug("sandbox state changed", "container", s.id, "from", s.state.String(), "to", next.String())
			s.state = next
			return nil
		}
	}
	return fmt.Errorf("sandbox %s: invalid transition from %s to %s", s.id, s.state, next)
}

func (s *sandbox) start(ctx context.Context) error {
	if err := s.cli.ContainerStart(ctx, s.id, container.StartOptions{}); err != nil {
		return fmt.Errorf("start container: %w", err)
	}
	return s.transition(stateRunning)
}

type execOutput struct {
	stdout   bytes.Buffer
	stderr   bytes.Buffer
	exitCode int
}

// exec runs cmd inside the sandbox and returns once its output stream ends, which is the
// completion signal of the command.
func (s *sandbox) exec(ctx context.Context, cmd []string) (*execOutput, error) {
	created, err := s.cli.ContainerExecCreate(ctx, s.id, container.ExecOptions{
		Cmd:          cmd,
		AttachStdout: true,
		AttachStderr: true,
		WorkingDir:   "/",
	})
	if err != nil {
		return nil, fmt.Errorf("create exec: %w", err)
	}

	attach, err := s.cli.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return nil, fmt.Errorf("attach exec: %w", err)
	}
	defer attach.Close()

	out := &execOutput{}
	copied := make(chan error, 1)
	go func() {
		_, err := stdcopy.StdCopy(&out.stdout, &out.stderr, attach.Reader)
		copied <- err
	}()

	select {
	case err := <-copied:
		if err != nil {
			return nil, fmt.Errorf("read exec output: %w", err)
		}
	case <-ctx.Done():
		attach.Close()
		<-copied
		return nil, fmt.Errorf("wait for exec: %w", ctx.Err())
	}

	inspect, err := s.cli.ContainerExecInspect(context.WithoutCancel(ctx), created.ID)
	if err != nil {
		return nil, fmt.Errorf("inspect exec: %w", err)
	}
	out.exitCode = inspect.ExitCode
	return out, nil
}

func (s *sandbox) extracted() error {
	return s.transition(stateResultsExtracted)
}

// teardown stops and removes the container. Failures are logged, never returned.
func (s *sandbox) teardown() {
	if s.state == stateRemoved {
		return
	}
	if err := s.transition(stateStopping); err != nil {
		s.logger.Error("sandbox teardown", "container", s.id, "error", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.stopTimeout+15*time.Second)
	defer cancel()

	seconds := int(s.stopTimeout / time.Second)
	if err := s.cli.ContainerStop(ctx, s.id, container.StopOptions{Timeout: &seconds}); err != nil && !errdefs.IsNotFound(err) {
		s.logger.Warn("stop build container", "container", s.id, "error", err)
	}
	// The container is created with AutoRemove; a forced remove covers daemons that did not.
	if err := s.cli.ContainerRemove(ctx, s.id, container.RemoveOptions{Force: true}); err != nil &&
		!errdefs.IsNotFound(err) && !errdefs.IsConflict(err) {
		s.logger.Warn("remove build container", "container", s.id, "error", err)
	}

	if err := s.transition(stateRemoved); err != nil {
		s.logger.Error("sandbox teardown", "container", s.id, "error", err)
	}
}
