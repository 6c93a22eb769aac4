package ci

import "time"

// BuildRequest is the serializable description of a build task sent to a cluster member.
type BuildRequest struct {
	SubmissionID        string `json:"submission_id"`
	ParticipationID     int64  `json:"participation_id"`
	RepositoryPath      string `json:"repository_path"`
	TestsRepositoryPath string `json:"tests_repository_path"`
	Branch              string `json:"branch"`
	Toolchain           string `json:"toolchain"`
}

// BuildJobSpec is everything a sandbox needs to build one submission. It is consumed once.
type BuildJobSpec struct {
	ID                       string
	AssignmentRepositoryPath string
	TestsRepositoryPath      string
	ScriptPath               string
	// TemporaryScript marks ScriptPath for deletion during teardown.
	TemporaryScript bool
	Branch          string
	Toolchain       string
}

// BuildMetadata carries the provenance recorded alongside parsed test results.
type BuildMetadata struct {
	Branch               string
	AssignmentCommitHash string
	TestsCommitHash      string
	CompletedAt          time.Time
}

// TestCase is a single test outcome. Messages is never nil.
type TestCase struct {
	Name     string   `json:"name"`
	Messages []string `json:"messages"`
}

// JobReport groups the test outcomes of one build job.
type JobReport struct {
	FailedTests     []TestCase `json:"failed_tests"`
	SuccessfulTests []TestCase `json:"successful_tests"`
}

// BuildResult is the structured outcome of a build.
type BuildResult struct {
	// SubmissionID names the submission the build was requested for.
	SubmissionID         string      `json:"submission_id,omitempty"`
	Branch               string      `json:"branch"`
	AssignmentCommitHash string      `json:"assignment_commit_hash"`
	TestsCommitHash      string      `json:"tests_commit_hash"`
	Successful           bool        `json:"successful"`
	CompletedAt          time.Time   `json:"completed_at"`
	Jobs                 []JobReport `json:"jobs"`
}

// FailedBuildResult reports a build that produced no usable test results.
func FailedBuildResult(meta BuildMetadata) BuildResult {
	return BuildResult{
		Branch:               meta.Branch,
		AssignmentCommitHash: meta.AssignmentCommitHash,
		TestsCommitHash:      meta.TestsCommitHash,
		Successful:           false,
		CompletedAt:          meta.CompletedAt,
		Jobs: []JobReport{{
			FailedTests:     []TestCase{},
			SuccessfulTests: []TestCase{},
		}},
	}
}

// PassedCount returns the number of successful tests over all jobs.
func (r BuildResult) PassedCount() int {
	count := 0
	for _, job := range r.Jobs {
		count += len(job.SuccessfulTests)
	}
	return count
}

// FailedCount returns the number of failed tests over all jobs.
func (r BuildResult) FailedCount() int {
	count := 0
	for _, job := range r.Jobs {
		count += len(job.FailedTests)
	}
	return count
}
