// Package docker runs builds in throwaway Docker containers.
package docker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	typesimage "github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/google/uuid"

	"localci/internal/clock"
	"localci/internal/domain/ci"
	"localci/internal/metrics"
	"localci/internal/ports"
	"localci/internal/results"
	runtimex "localci/internal/runtime"
)

// ErrProvision is returned when the build image cannot be made available.
var ErrProvision = errors.New("provision build image")

var branchName = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._/-]*$`)

var _ ports.BuildRunner = (*Orchestrator)(nil)

// Options carries the optional collaborators of an Orchestrator.
type Options struct {
	Logger  *slog.Logger
	Clock   clock.Clock
	Metrics *metrics.Metrics
	// Archive receives the console output of every build when set.
	Archive ports.LogArchive
}

// Orchestrator provisions a sandbox per build, runs the toolchain's script in it, extracts
// the test reports and tears the sandbox down again.
type Orchestrator struct {
	cli      dockerClient
	registry *runtimex.Registry
	cfg      Config
	logger   *slog.Logger
	clock    clock.Clock
	metrics  *metrics.Metrics
	archive  ports.LogArchive

	imagesMu sync.Mutex
	images   map[string]*imageState
}

type imageState struct {
	mu      sync.Mutex
	present bool
}

// New constructs an Orchestrator connected to the Docker daemon from the environment.
func New(cfg Config, opts Options) (*Orchestrator, error) {
	if len(cfg.Toolchains) == 0 {
		return nil, fmt.Errorf("docker runtime: at least one toolchain must be configured")
	}

	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker runtime: create client: %w", err)
	}

	orchestrator, err := newOrchestratorWithClient(cli, cfg, opts)
	if err != nil {
		_ = cli.Close()
		return nil, err
	}
	return orchestrator, nil
}

func newOrchestratorWithClient(cli dockerClient, cfg Config, opts Options) (*Orchestrator, error) {
	toolchains := make([]runtimex.Toolchain, 0, len(cfg.Toolchains))
	for name, tcCfg := range cfg.Toolchains {
		tc, err := newToolchain(name, tcCfg)
		if err != nil {
			return nil, err
		}
		toolchains = append(toolchains, tc)
	}

	registry, err := runtimex.NewRegistry(toolchains...)
	if err != nil {
		return nil, err
	}

	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}

	return &Orchestrator{
		cli:      cli,
		registry: registry,
		cfg:      cfg.normalized(),
		logger:   opts.Logger,
		clock:    opts.Clock,
		metrics:  opts.Metrics,
		archive:  opts.Archive,
		images:   make(map[string]*imageState),
	}, nil
}

// Toolchains returns the names of the configured toolchains.
func (o *Orchestrator) Toolchains() []string {
	return o.registry.Names()
}

// PrepareJob writes the toolchain's build script to a private temporary file and returns the
// job description for req.
func (o *Orchestrator) PrepareJob(req ci.BuildRequest) (ci.BuildJobSpec, error) {
	tc, err := o.registry.Lookup(req.Toolchain)
	if err != nil {
		return ci.BuildJobSpec{}, err
	}
	if !branchName.MatchString(req.Branch) || strings.Contains(req.Branch, "..") {
		return ci.BuildJobSpec{}, fmt.Errorf("docker runtime: invalid branch name %q", req.Branch)
	}
	if req.RepositoryPath == "" || req.TestsRepositoryPath == "" {
		return ci.BuildJobSpec{}, fmt.Errorf("docker runtime: assignment and tests repositories are required")
	}

	id := req.SubmissionID
	if id == "" {
		id = uuid.NewString()
	}

	script, err := os.CreateTemp(o.cfg.ScriptDir, "localci-build-*.sh")
	if err != nil {
		return ci.BuildJobSpec{}, fmt.Errorf("create build script: %w", err)
	}
	_, writeErr := script.Write(tc.Script())
	closeErr := script.Close()
	if err := errors.Join(writeErr, closeErr, os.Chmod(script.Name(), 0o644)); err != nil {
		_ = os.Remove(script.Name())
		return ci.BuildJobSpec{}, fmt.Errorf("write build script: %w", err)
	}

	return ci.BuildJobSpec{
		ID:                       id,
		AssignmentRepositoryPath: req.RepositoryPath,
		TestsRepositoryPath:      req.TestsRepositoryPath,
		ScriptPath:               script.Name(),
		TemporaryScript:          true,
		Branch:                   req.Branch,
		Toolchain:                tc.Name(),
	}, nil
}

// RunBuild runs spec to completion and returns its result.
//
// Builds that run out of time, whose provenance cannot be read, or that leave no test reports
// yield an unsuccessful result rather than an error.
func (o *Orchestrator) RunBuild(ctx context.Context, spec ci.BuildJobSpec) (ci.BuildResult, error) {
	defer o.removeScript(spec)

	start := o.clock.Now()
	tc, err := o.registry.Lookup(spec.Toolchain)
	if err != nil {
		return ci.BuildResult{}, err
	}

	if err := o.ensureImage(ctx, tc.Image()); err != nil {
		o.metrics.ObserveBuild("error", o.clock.Now().Sub(start))
		return ci.BuildResult{}, fmt.Errorf("%w %s: %w", ErrProvision, tc.Image(), err)
	}

	sb, err := o.createSandbox(ctx, tc, spec)
	if err != nil {
		o.metrics.ObserveBuild("error", o.clock.Now().Sub(start))
		return ci.BuildResult{}, err
	}
	defer sb.teardown()

	result, outcome, err := o.build(ctx, sb, tc, spec)
	if err != nil {
		outcome = "error"
	}
	o.metrics.ObserveBuild(outcome, o.clock.Now().Sub(start))
	return result, err
}

func (o *Orchestrator) build(ctx context.Context, sb *sandbox, tc runtimex.Toolchain, spec ci.BuildJobSpec) (ci.BuildResult, string, error) {
	logger := o.logger.With("build", spec.ID, "container", sb.id)

	if err := sb.start(ctx); err != nil {
		return ci.BuildResult{}, "", err
	}

	execCtx, cancel := context.WithTimeout(ctx, o.cfg.BuildTimeout)
	output, err := sb.exec(execCtx, []string{"sh", scriptMount})
	cancel()
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			logger.Warn("build timed out", "timeout", o.cfg.BuildTimeout)
			return ci.FailedBuildResult(ci.BuildMetadata{Branch: spec.Branch, CompletedAt: o.clock.Now()}), "timeout", nil
		}
		return ci.BuildResult{}, "", fmt.Errorf("run build script: %w", err)
	}
	logger.Debug("build script finished", "exit_code", output.exitCode)
	o.storeLog(ctx, logger, spec.ID, output)

	meta := ci.BuildMetadata{Branch: spec.Branch, CompletedAt: o.clock.Now()}

	assignmentHash, err := o.readCommitHash(ctx, sb.id, assignmentCheckout, spec.Branch)
	if err != nil {
		logger.Warn("read assignment commit", "error", err)
		return ci.FailedBuildResult(meta), "failure", nil
	}
	testsHash, err := o.readCommitHash(ctx, sb.id, testsCheckout, spec.Branch)
	if err != nil {
		logger.Warn("read tests commit", "error", err)
		return ci.FailedBuildResult(meta), "failure", nil
	}
	meta.AssignmentCommitHash = assignmentHash
	meta.TestsCommitHash = testsHash

	archive, _, err := o.cli.CopyFromContainer(ctx, sb.id, tc.ResultsPath())
	if err != nil {
		if errdefs.IsNotFound(err) {
			logger.Info("build produced no test reports", "path", tc.ResultsPath())
			return ci.FailedBuildResult(meta), "failure", nil
		}
		return ci.BuildResult{}, "", fmt.Errorf("copy test reports: %w", err)
	}
	defer archive.Close()

	result, err := results.NewExtractor(tc.ResultsPath()).Parse(archive, meta)
	if err != nil {
		return ci.BuildResult{}, "", err
	}
	if err := sb.extracted(); err != nil {
		return ci.BuildResult{}, "", err
	}

	outcome := "failure"
	if result.Successful {
		outcome = "success"
	}
	return result, outcome, nil
}

func (o *Orchestrator) createSandbox(ctx context.Context, tc runtimex.Toolchain, spec ci.BuildJobSpec) (*sandbox, error) {
	hostConfig := &container.HostConfig{
		AutoRemove: true,
		Binds: []string{
			spec.AssignmentRepositoryPath + ":" + assignmentMount + ":ro",
			spec.TestsRepositoryPath + ":" + testsMount + ":ro",
			spec.ScriptPath + ":" + scriptMount + ":ro",
		},
		Resources: container.Resources{
			NanoCPUs: o.cfg.NanoCPUs,
		},
	}
	if o.cfg.MemoryLimitBytes > 0 {
		hostConfig.Resources.Memory = o.cfg.MemoryLimitBytes
		hostConfig.Resources.MemorySwap = o.cfg.MemoryLimitBytes
	}

	resp, err := o.cli.ContainerCreate(
		ctx,
		&container.Config{
			Image:      tc.Image(),
			Cmd:        idleCommand,
			Env:        []string{buildToolEnv + "=" + tc.Name(), branchEnv + "=" + spec.Branch},
			WorkingDir: "/",
			Labels:     map[string]string{"localci.build": spec.ID},
		},
		hostConfig,
		nil,
		nil,
		"",
	)
	if err != nil {
		return nil, fmt.Errorf("create container: %w", err)
	}

	return &sandbox{
		id:          resp.ID,
		state:       stateCreated,
		cli:         o.cli,
		logger:      o.logger,
		stopTimeout: o.cfg.StopTimeout,
	}, nil
}

// ensureImage pulls ref unless the daemon already has it. Concurrent builds of the same image
// share one pull.
func (o *Orchestrator) ensureImage(ctx context.Context, ref string) error {
	o.imagesMu.Lock()
	state, ok := o.images[ref]
	if !ok {
		state = &imageState{}
		o.images[ref] = state
	}
	o.imagesMu.Unlock()

	state.mu.Lock()
	defer state.mu.Unlock()
	if state.present {
		return nil
	}

	_, _, err := o.cli.ImageInspectWithRaw(ctx, ref)
	if err == nil {
		state.present = true
		return nil
	}
	if !errdefs.IsNotFound(err) {
		return fmt.Errorf("inspect image: %w", err)
	}

	o.logger.Info("pulling build image", "image", ref)
	if err := o.pullImage(ctx, ref); err != nil {
		return err
	}
	state.present = true
	return nil
}

func (o *Orchestrator) pullImage(ctx context.Context, ref string) error {
	reader, err := o.cli.ImagePull(ctx, ref, typesimage.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull image %s: %w", ref, err)
	}
	defer reader.Close()
	_, err = io.Copy(io.Discard, reader)
	if err != nil {
		return fmt.Errorf("consume pull output for %s: %w", ref, err)
	}
	return nil
}

func (o *Orchestrator) storeLog(ctx context.Context, logger *slog.Logger, buildID string, output *execOutput) {
	if o.archive == nil {
		return
	}
	log := append(output.stdout.Bytes(), output.stderr.Bytes()...)
	storeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
	defer cancel()
	if err := o.archive.StoreBuildLog(storeCtx, buildID, log); err != nil {
		logger.Warn("archive build log", "error", err)
	}
}

func (o *Orchestrator) removeScript(spec ci.BuildJobSpec) {
	if !spec.TemporaryScript || spec.ScriptPath == "" {
		return
	}
	if err := os.Remove(spec.ScriptPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		o.logger.Error("delete temporary build script", "path", spec.ScriptPath, "error", err)
	}
}

// Close releases the Docker client.
func (o *Orchestrator) Close() error {
	if err := o.cli.Close(); err != nil {
		return fmt.Errorf("docker client: %w", err)
	}
	return nil
}
