package docker

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"localci/internal/domain/ci"
)

const (
	assignmentSHA = "1111111111111111111111111111111111111111"
	testsSHA      = "2222222222222222222222222222222222222222"
)

type recordingArchive struct {
	mu   sync.Mutex
	logs map[string][]byte
}

func (a *recordingArchive) StoreBuildLog(ctx context.Context, buildID string, log []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.logs == nil {
		a.logs = make(map[string][]byte)
	}
	a.logs[buildID] = append([]byte(nil), log...)
	return nil
}

func newTestOrchestrator(t *testing.T, cli *fakeDockerClient, cfg Config, opts Options) *Orchestrator {
	t.Helper()
	if cfg.Toolchains == nil {
		cfg.Toolchains = map[string]ToolchainConfig{"gradle": {Image: "gradle:8-jdk17"}}
	}
	if cfg.ScriptDir == "" {
		cfg.ScriptDir = t.TempDir()
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	o, err := newOrchestratorWithClient(cli, cfg, opts)
	if err != nil {
		t.Fatalf("newOrchestratorWithClient: %v", err)
	}
	return o
}

func buildRequest() ci.BuildRequest {
	return ci.BuildRequest{
		SubmissionID:        "sub-1",
		ParticipationID:     7,
		RepositoryPath:      "/srv/repos/EX/ex-alice.git",
		TestsRepositoryPath: "/srv/repos/EX/ex-tests.git",
		Branch:              "main",
		Toolchain:           "gradle",
	}
}

func seedProvenance(t *testing.T, cli *fakeDockerClient) {
	t.Helper()
	cli.putFile(t, assignmentCheckout+"/.git/refs/heads/main", assignmentSHA+"\n")
	cli.putFile(t, testsCheckout+"/.git/refs/heads/main", testsSHA+"\n")
}

const passingReport = `<?xml version="1.0" encoding="UTF-8"?>
<testsuite name="ExampleTest" tests="2">
  <testcase name="adds" classname="ExampleTest"/>
  <testcase name="subtracts" classname="ExampleTest"/>
</testsuite>`

const failingReport = `<testsuite name="OtherTest" tests="1">
  <testcase name="divides"><failure message="expected 2 but was 3">stack</failure></testcase>
</testsuite>`

func TestPrepareJobWritesScript(t *testing.T) {
	t.Parallel()

	o := newTestOrchestrator(t, newFakeDockerClient(), Config{}, Options{})
	spec, err := o.PrepareJob(buildRequest())
	if err != nil {
		t.Fatalf("PrepareJob: %v", err)
	}
	if spec.ID != "sub-1" {
		t.Fatalf("expected job id sub-1, got %q", spec.ID)
	}
	if !spec.TemporaryScript {
		t.Fatalf("expected temporary script")
	}
	data, err := os.ReadFile(spec.ScriptPath)
	if err != nil {
		t.Fatalf("read script: %v", err)
	}
	if !strings.Contains(string(data), "./gradlew clean test") {
		t.Fatalf("expected gradle command in script, got %q", data)
	}
	info, err := os.Stat(spec.ScriptPath)
	if err != nil {
		t.Fatalf("stat script: %v", err)
	}
	if info.Mode().Perm() != 0o644 {
		t.Fatalf("expected mode 0644, got %v", info.Mode().Perm())
	}
}

func TestPrepareJobGeneratesIDWithoutSubmission(t *testing.T) {
	t.Parallel()

	o := newTestOrchestrator(t, newFakeDockerClient(), Config{}, Options{})
	req := buildRequest()
	req.SubmissionID = ""
	spec, err := o.PrepareJob(req)
	if err != nil {
		t.Fatalf("PrepareJob: %v", err)
	}
	if spec.ID == "" {
		t.Fatalf("expected generated job id")
	}
}

func TestPrepareJobRejectsInvalidInput(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*ci.BuildRequest)
	}{
		{name: "unknown toolchain", mutate: func(r *ci.BuildRequest) { r.Toolchain = "cargo" }},
		{name: "branch with dots", mutate: func(r *ci.BuildRequest) { r.Branch = "main/../x" }},
		{name: "branch with quote", mutate: func(r *ci.BuildRequest) { r.Branch = `main"; rm -rf /` }},
		{name: "missing tests repository", mutate: func(r *ci.BuildRequest) { r.TestsRepositoryPath = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			dir := t.TempDir()
			o := newTestOrchestrator(t, newFakeDockerClient(), Config{ScriptDir: dir}, Options{})
			req := buildRequest()
			tt.mutate(&req)
			if _, err := o.PrepareJob(req); err == nil {
				t.Fatalf("expected error")
			}
			entries, _ := os.ReadDir(dir)
			if len(entries) != 0 {
				t.Fatalf("expected no leftover scripts, got %d", len(entries))
			}
		})
	}
}

func TestRunBuildCollectsResults(t *testing.T) {
	t.Parallel()

	cli := newFakeDockerClient()
	cli.execStdout = "BUILD SUCCESSFUL\n"
	seedProvenance(t, cli)
	resultsDir := testsCheckout + "/build/test-results/test"
	cli.putArchive(resultsDir, tarArchive(t, map[string]string{
		"test/TEST-ExampleTest.xml": passingReport,
		"test/TEST-OtherTest.xml":   failingReport,
		"test/binary/output.bin":    "ignored",
	}))

	archive := &recordingArchive{}
	o := newTestOrchestrator(t, cli, Config{}, Options{Archive: archive})
	spec, err := o.PrepareJob(buildRequest())
	if err != nil {
		t.Fatalf("PrepareJob: %v", err)
	}

	result, err := o.RunBuild(context.Background(), spec)
	if err != nil {
		t.Fatalf("RunBuild: %v", err)
	}
	if result.Successful {
		t.Fatalf("expected unsuccessful build with a failing test")
	}
	if result.AssignmentCommitHash != assignmentSHA || result.TestsCommitHash != testsSHA {
		t.Fatalf("unexpected provenance %q/%q", result.AssignmentCommitHash, result.TestsCommitHash)
	}
	if result.PassedCount() != 2 || result.FailedCount() != 1 {
		t.Fatalf("expected 2 passed and 1 failed, got %d/%d", result.PassedCount(), result.FailedCount())
	}
	if _, err := os.Stat(spec.ScriptPath); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected script to be removed, stat err = %v", err)
	}
	if len(cli.imagePulls) != 1 || cli.imagePulls[0] != "gradle:8-jdk17" {
		t.Fatalf("expected one pull of the toolchain image, got %v", cli.imagePulls)
	}
	if len(cli.stopCalls) != 1 || len(cli.removeCalls) != 1 {
		t.Fatalf("expected sandbox teardown, got stops=%v removes=%v", cli.stopCalls, cli.removeCalls)
	}
	if !bytes.Contains(archive.logs["sub-1"], []byte("BUILD SUCCESSFUL")) {
		t.Fatalf("expected archived build log, got %q", archive.logs["sub-1"])
	}

	call := cli.createCalls[0]
	for _, bind := range call.hostConfig.Binds {
		if !strings.HasSuffix(bind, ":ro") {
			t.Fatalf("expected read-only bind, got %q", bind)
		}
	}
	if !containsString(call.config.Env, branchEnv+"=main") || !containsString(call.config.Env, buildToolEnv+"=gradle") {
		t.Fatalf("unexpected sandbox env %v", call.config.Env)
	}
	if got := strings.Join(cli.execCmds[0], " "); got != "sh "+scriptMount {
		t.Fatalf("expected build script exec, got %q", got)
	}
}

func TestRunBuildSkipsPullForPresentImage(t *testing.T) {
	t.Parallel()

	cli := newFakeDockerClient()
	cli.images["gradle:8-jdk17"] = true
	seedProvenance(t, cli)

	o := newTestOrchestrator(t, cli, Config{}, Options{})
	for i := 0; i < 2; i++ {
		spec, err := o.PrepareJob(buildRequest())
		if err != nil {
			t.Fatalf("PrepareJob: %v", err)
		}
		if _, err := o.RunBuild(context.Background(), spec); err != nil {
			t.Fatalf("RunBuild: %v", err)
		}
	}
	if len(cli.imagePulls) != 0 {
		t.Fatalf("expected no pulls, got %v", cli.imagePulls)
	}
}

func TestRunBuildWithoutReportsFails(t *testing.T) {
	t.Parallel()

	cli := newFakeDockerClient()
	seedProvenance(t, cli)

	o := newTestOrchestrator(t, cli, Config{}, Options{})
	spec, err := o.PrepareJob(buildRequest())
	if err != nil {
		t.Fatalf("PrepareJob: %v", err)
	}
	result, err := o.RunBuild(context.Background(), spec)
	if err != nil {
		t.Fatalf("RunBuild: %v", err)
	}
	if result.Successful {
		t.Fatalf("expected failed build")
	}
	if result.AssignmentCommitHash != assignmentSHA {
		t.Fatalf("expected provenance to be kept, got %q", result.AssignmentCommitHash)
	}
	if len(result.Jobs) != 1 || result.Jobs[0].FailedTests == nil || result.Jobs[0].SuccessfulTests == nil {
		t.Fatalf("expected a single job with empty lists, got %+v", result.Jobs)
	}
}

func TestRunBuildWithoutProvenanceFails(t *testing.T) {
	t.Parallel()

	cli := newFakeDockerClient()
	o := newTestOrchestrator(t, cli, Config{}, Options{})
	spec, err := o.PrepareJob(buildRequest())
	if err != nil {
		t.Fatalf("PrepareJob: %v", err)
	}
	result, err := o.RunBuild(context.Background(), spec)
	if err != nil {
		t.Fatalf("RunBuild: %v", err)
	}
	if result.Successful || result.AssignmentCommitHash != "" {
		t.Fatalf("expected failed build without hashes, got %+v", result)
	}
}

func TestRunBuildReadsPackedRefs(t *testing.T) {
	t.Parallel()

	cli := newFakeDockerClient()
	cli.putFile(t, assignmentCheckout+"/.git/packed-refs",
		"# pack-refs with: peeled fully-peeled sorted\n"+assignmentSHA+" refs/heads/main\n")
	cli.putFile(t, testsCheckout+"/.git/refs/heads/main", testsSHA)

	o := newTestOrchestrator(t, cli, Config{}, Options{})
	spec, err := o.PrepareJob(buildRequest())
	if err != nil {
		t.Fatalf("PrepareJob: %v", err)
	}
	result, err := o.RunBuild(context.Background(), spec)
	if err != nil {
		t.Fatalf("RunBuild: %v", err)
	}
	if result.AssignmentCommitHash != assignmentSHA {
		t.Fatalf("expected hash from packed-refs, got %q", result.AssignmentCommitHash)
	}
}

func TestRunBuildTimeout(t *testing.T) {
	t.Parallel()

	cli := newFakeDockerClient()
	cli.execBlocks = true
	seedProvenance(t, cli)

	o := newTestOrchestrator(t, cli, Config{BuildTimeout: 50 * time.Millisecond}, Options{})
	spec, err := o.PrepareJob(buildRequest())
	if err != nil {
		t.Fatalf("PrepareJob: %v", err)
	}
	result, err := o.RunBuild(context.Background(), spec)
	if err != nil {
		t.Fatalf("RunBuild: %v", err)
	}
	if result.Successful {
		t.Fatalf("expected timed out build to fail")
	}
	if len(cli.stopCalls) != 1 {
		t.Fatalf("expected timed out sandbox to be stopped, got %v", cli.stopCalls)
	}
}

func TestRunBuildCancelledReturnsError(t *testing.T) {
	t.Parallel()

	cli := newFakeDockerClient()
	cli.execBlocks = true

	o := newTestOrchestrator(t, cli, Config{}, Options{})
	spec, err := o.PrepareJob(buildRequest())
	if err != nil {
		t.Fatalf("PrepareJob: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := o.RunBuild(ctx, spec); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected caller deadline error, got %v", err)
	}
}

func TestRunBuildPullFailure(t *testing.T) {
	t.Parallel()

	cli := newFakeDockerClient()
	cli.pullErr = errors.New("registry unavailable")

	o := newTestOrchestrator(t, cli, Config{}, Options{})
	spec, err := o.PrepareJob(buildRequest())
	if err != nil {
		t.Fatalf("PrepareJob: %v", err)
	}
	_, err = o.RunBuild(context.Background(), spec)
	if !errors.Is(err, ErrProvision) {
		t.Fatalf("expected ErrProvision, got %v", err)
	}
	if len(cli.createCalls) != 0 {
		t.Fatalf("expected no container to be created")
	}
	if _, statErr := os.Stat(spec.ScriptPath); !errors.Is(statErr, os.ErrNotExist) {
		t.Fatalf("expected script cleanup after failure")
	}
}

func TestSandboxRejectsInvalidTransition(t *testing.T) {
	t.Parallel()

	sb := &sandbox{id: "c", state: stateCreated, logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
	if err := sb.extracted(); err == nil {
		t.Fatalf("expected created -> results_extracted to be rejected")
	}
}

func TestNewRequiresToolchains(t *testing.T) {
	t.Parallel()

	if _, err := New(Config{ScriptDir: filepath.Join(t.TempDir(), "x")}, Options{}); err == nil {
		t.Fatalf("expected error without toolchains")
	}
}

func TestCloseClosesClient(t *testing.T) {
	t.Parallel()

	cli := newFakeDockerClient()
	o := newTestOrchestrator(t, cli, Config{}, Options{})
	if err := o.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !cli.closed {
		t.Fatalf("expected client to be closed")
	}
}

func containsString(values []string, want string) bool {
	for _, v := range values {
		if v == want {
			return true
		}
	}
	return false
}
