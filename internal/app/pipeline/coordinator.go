// Package pipeline turns resolved pushes into submissions and graded build results.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"localci/internal/app/builder"
	"localci/internal/cluster"
	"localci/internal/domain/ci"
	"localci/internal/ports"
	"localci/internal/vcs/localvc"
)

// ErrClosed is returned by ProcessPush after Close.
var ErrClosed = errors.New("pipeline coordinator closed")

// CommitInspector reads commit metadata from a local repository.
type CommitInspector interface {
	Resolve(ctx context.Context, hash string, repo ci.Repository) (ci.Commit, error)
	LatestCommit(ctx context.Context, repo ci.Repository) (string, error)
}

// ParticipationResolver finds the participation behind a repository.
type ParticipationResolver interface {
	Resolve(ctx context.Context, exercise ci.Exercise, roleOrUsername string, practice, withHistory bool) (ci.Participation, error)
	Template(ctx context.Context, exercise ci.Exercise, withHistory bool) (ci.Participation, error)
	Solution(ctx context.Context, exercise ci.Exercise, withHistory bool) (ci.Participation, error)
}

// BuildFunc runs a build in-process.
type BuildFunc func(ctx context.Context, req ci.BuildRequest) (ci.BuildResult, error)

// Config wires a Coordinator.
type Config struct {
	// RepositoryRoot is the directory local repositories live under.
	RepositoryRoot string
	Exercises      ports.ExerciseStore
	Inspector      CommitInspector
	Participations ParticipationResolver
	Submissions    ports.SubmissionRepository
	Grader         ports.Grader
	Notifier       ports.Notifier
	Dispatcher     *cluster.Dispatcher
	// LocalBuild runs builds the dispatcher assigns to this process. Optional when the local
	// member serves builds from its registry.
	LocalBuild BuildFunc
	Logger     *slog.Logger
}

// Coordinator creates a submission per push and builds it in the background.
type Coordinator struct {
	root          string
	exercises     ports.ExerciseStore
	inspector     CommitInspector
	participation ParticipationResolver
	submissions   ports.SubmissionRepository
	grader        ports.Grader
	notifier      ports.Notifier
	dispatcher    *cluster.Dispatcher
	localBuild    BuildFunc
	logger        *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewCoordinator validates cfg.
func NewCoordinator(cfg Config) (*Coordinator, error) {
	switch {
	case cfg.RepositoryRoot == "":
		return nil, errors.New("pipeline: repository root is required")
	case cfg.Exercises == nil, cfg.Inspector == nil, cfg.Participations == nil:
		return nil, errors.New("pipeline: exercise store, commit inspector and participation resolver are required")
	case cfg.Submissions == nil, cfg.Grader == nil, cfg.Notifier == nil:
		return nil, errors.New("pipeline: submission repository, grader and notifier are required")
	case cfg.Dispatcher == nil:
		return nil, errors.New("pipeline: dispatcher is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		root:          cfg.RepositoryRoot,
		exercises:     cfg.Exercises,
		inspector:     cfg.Inspector,
		participation: cfg.Participations,
		submissions:   cfg.Submissions,
		grader:        cfg.Grader,
		notifier:      cfg.Notifier,
		dispatcher:    cfg.Dispatcher,
		localBuild:    cfg.LocalBuild,
		logger:        cfg.Logger,
		ctx:           ctx,
		cancel:        cancel,
	}, nil
}

// ProcessPush creates the submission for commitHash in repo and schedules its build. An empty
// commitHash selects the repository's HEAD.
//
// It returns once the submission exists; the build and its propagation run asynchronously.
func (c *Coordinator) ProcessPush(ctx context.Context, commitHash string, repo ci.Repository) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}

	loc, err := localvc.Parse(c.root, repo.Path)
	if err != nil {
		return err
	}

	exercise, err := c.exercises.FindByProjectKey(ctx, loc.ProjectKey)
	if err != nil {
		if errors.Is(err, ports.ErrNotFound) {
			return fmt.Errorf("%w: project key %s: %w", ci.ErrExerciseNotFound, loc.ProjectKey, err)
		}
		return fmt.Errorf("load exercise %s: %w", loc.ProjectKey, err)
	}

	if commitHash == "" {
		commitHash, err = c.inspector.LatestCommit(ctx, repo)
		if err != nil {
			return fmt.Errorf("resolve latest commit of %s: %w", repo.Path, err)
		}
	}
	commit, err := c.inspector.Resolve(ctx, commitHash, repo)
	if err != nil {
		return err
	}

	if loc.IsTests() {
		return c.processTestsPush(ctx, exercise, commit)
	}
	return c.processParticipationPush(ctx, exercise, loc, commit)
}

func (c *Coordinator) processParticipationPush(ctx context.Context, exercise ci.Exercise, loc localvc.Location, commit ci.Commit) error {
	participation, err := c.participation.Resolve(ctx, exercise, loc.RoleOrUsername, loc.Practice, true)
	if err != nil {
		return err
	}

	submission, err := c.submissions.CreateSubmission(ctx, participation, commit, ci.SubmissionManual)
	if err != nil {
		return fmt.Errorf("create submission for %s: %w", commit.Hash, err)
	}
	submission.Participation.Submissions = nil
	c.logger.Info("submission created",
		"submission", submission.ID, "participation", participation.ID, "commit", commit.Hash, "branch", commit.Branch)
	c.notifySubmissionCreated(ctx, submission)

	req := c.buildRequest(exercise, submission)
	return c.schedule(ctx, submission, func(ctx context.Context) {
		c.buildAndPropagate(ctx, exercise, submission, req)
	})
}

func (c *Coordinator) processTestsPush(ctx context.Context, exercise ci.Exercise, commit ci.Commit) error {
	solution, err := c.participation.Solution(ctx, exercise, false)
	if err != nil {
		return err
	}

	submission, err := c.submissions.CreateSubmission(ctx, solution, commit, ci.SubmissionTest)
	if err != nil {
		return fmt.Errorf("create test submission for %s: %w", commit.Hash, err)
	}
	submission.Participation.Submissions = nil
	c.logger.Info("test submission created", "submission", submission.ID, "exercise", exercise.ID, "commit", commit.Hash)
	c.notifySubmissionCreated(ctx, submission)

	if err := c.exercises.SetTestCasesChanged(ctx, exercise.ID, true); err != nil {
		c.logger.Warn("flag changed test cases", "exercise", exercise.ID, "error", err)
	}

	return c.schedule(ctx, submission, func(ctx context.Context) {
		c.runTestsCascade(ctx, exercise, submission)
	})
}

// runTestsCascade rebuilds the solution and then the template against the new tests. The
// template is only built when the solution build succeeded in producing a result.
func (c *Coordinator) runTestsCascade(ctx context.Context, exercise ci.Exercise, solutionSubmission ci.Submission) {
	if !c.buildAndPropagate(ctx, exercise, solutionSubmission, c.buildRequest(exercise, solutionSubmission)) {
		c.logger.Info("template build skipped after solution build failure", "exercise", exercise.ID)
		return
	}

	bookkeeping := context.WithoutCancel(ctx)
	template, err := c.participation.Template(bookkeeping, exercise, false)
	if err != nil {
		c.logger.Error("load template participation", "exercise", exercise.ID, "error", err)
		return
	}

	commit := ci.Commit{Hash: solutionSubmission.Commit.Hash, Branch: solutionSubmission.Commit.Branch}
	submission, err := c.submissions.CreateSubmission(bookkeeping, template, commit, ci.SubmissionTest)
	if err != nil {
		c.logger.Error("create template test submission", "exercise", exercise.ID, "error", err)
		return
	}
	submission.Participation.Submissions = nil
	c.notifySubmissionCreated(bookkeeping, submission)

	c.buildAndPropagate(ctx, exercise, submission, c.buildRequest(exercise, submission))
}

// buildAndPropagate dispatches req and records its outcome on submission. It reports whether
// the result was propagated.
func (c *Coordinator) buildAndPropagate(ctx context.Context, exercise ci.Exercise, submission ci.Submission, req ci.BuildRequest) bool {
	logger := c.logger.With("submission", submission.ID, "participation", submission.Participation.ID)
	bookkeeping := context.WithoutCancel(ctx)

	if err := c.submissions.UpdateState(bookkeeping, submission.ID, ci.SubmissionQueued); err != nil {
		logger.Warn("mark submission queued", "error", err)
	}

	result, err := c.dispatch(ctx, exercise, req)
	if err != nil {
		logger.Error("build failed", "error", err)
		c.fail(bookkeeping, logger, submission, err)
		return false
	}

	result.SubmissionID = submission.ID
	graded, recorded, err := c.grader.ProcessBuildResult(bookkeeping, submission.Participation, result)
	if err != nil {
		logger.Error("grade build result", "error", err)
		c.fail(bookkeeping, logger, submission, fmt.Errorf("grade build result: %w", err))
		return false
	}
	if err := c.submissions.UpdateState(bookkeeping, submission.ID, ci.SubmissionBuilt); err != nil {
		logger.Warn("mark submission built", "error", err)
	}
	if !recorded {
		logger.Info("build result not recorded", "successful", result.Successful)
		return true
	}

	logger.Info("result ready", "result", graded.ID, "successful", graded.Successful,
		"passed", graded.PassedTests, "failed", graded.FailedTests)
	if err := c.notifier.NotifyResultReady(bookkeeping, graded, submission.Participation); err != nil {
		logger.Warn("notify result ready", "error", err)
	}
	return true
}

func (c *Coordinator) dispatch(ctx context.Context, exercise ci.Exercise, req ci.BuildRequest) (ci.BuildResult, error) {
	task := cluster.Task[ci.BuildResult]{Name: builder.TaskName, Payload: req}
	if c.localBuild != nil {
		build := c.localBuild
		task.Run = func(ctx context.Context) (ci.BuildResult, error) { return build(ctx, req) }
	}
	return cluster.Submit(ctx, c.dispatcher, exercise.Toolchain, task)
}

func (c *Coordinator) fail(ctx context.Context, logger *slog.Logger, submission ci.Submission, cause error) {
	if err := c.submissions.UpdateState(ctx, submission.ID, ci.SubmissionFailed); err != nil {
		logger.Warn("mark submission failed", "error", err)
	}
	if err := c.notifier.NotifySubmissionError(ctx, submission, cause); err != nil {
		logger.Warn("notify submission error", "error", err)
	}
}

func (c *Coordinator) notifySubmissionCreated(ctx context.Context, submission ci.Submission) {
	if err := c.notifier.NotifySubmissionCreated(ctx, submission); err != nil {
		c.logger.Warn("notify submission created", "submission", submission.ID, "error", err)
	}
}

func (c *Coordinator) buildRequest(exercise ci.Exercise, submission ci.Submission) ci.BuildRequest {
	p := submission.Participation
	repoPath := p.RepositoryPath
	if repoPath == "" {
		repoPath = localvc.Path(c.root, c.locationOf(exercise, p))
	}
	return ci.BuildRequest{
		SubmissionID:        submission.ID,
		ParticipationID:     p.ID,
		RepositoryPath:      repoPath,
		TestsRepositoryPath: localvc.Path(c.root, localvc.Location{ProjectKey: exercise.ProjectKey, RoleOrUsername: localvc.RoleTests}),
		Branch:              submission.Commit.Branch,
		Toolchain:           exercise.Toolchain,
	}
}

func (c *Coordinator) locationOf(exercise ci.Exercise, p ci.Participation) localvc.Location {
	loc := localvc.Location{ProjectKey: exercise.ProjectKey, RoleOrUsername: p.Owner, Practice: p.TestRun}
	switch p.Kind {
	case ci.ParticipationTemplate:
		loc.RoleOrUsername, loc.Practice = localvc.RoleTemplate, false
	case ci.ParticipationSolution:
		loc.RoleOrUsername, loc.Practice = localvc.RoleSolution, false
	}
	return loc
}

// schedule runs fn in the background. A submission that cannot be scheduled is marked failed.
func (c *Coordinator) schedule(ctx context.Context, submission ci.Submission, fn func(ctx context.Context)) error {
	if err := c.goAsync(fn); err != nil {
		logger := c.logger.With("submission", submission.ID, "participation", submission.Participation.ID)
		logger.Warn("build not scheduled", "error", err)
		c.fail(context.WithoutCancel(ctx), logger, submission, err)
		return err
	}
	return nil
}

func (c *Coordinator) goAsync(fn func(ctx context.Context)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		fn(c.ctx)
	}()
	return nil
}

// Shutdown stops accepting pushes and waits for outstanding builds to be propagated. When ctx
// ends first, the remaining builds are interrupted as by Close and ctx.Err() is returned.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		c.cancel()
		return nil
	case <-ctx.Done():
		c.cancel()
		<-drained
		return ctx.Err()
	}
}

// Close stops waiting for outstanding builds and waits for their bookkeeping to finish.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()
	return nil
}
