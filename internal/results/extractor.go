// Package results turns the test report archive copied out of a build sandbox into a BuildResult.
package results

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"localci/internal/domain/ci"
)

// ErrMalformedResults matches every MalformedResultsError.
var ErrMalformedResults = errors.New("malformed test results")

// MalformedResultsError reports a report entry that is not a JUnit test suite.
type MalformedResultsError struct {
	Entry string
	Err   error
}

func (e *MalformedResultsError) Error() string {
	return fmt.Sprintf("malformed test results in %s: %v", e.Entry, e.Err)
}

func (e *MalformedResultsError) Unwrap() error { return e.Err }

func (e *MalformedResultsError) Is(target error) bool { return target == ErrMalformedResults }

// Extractor parses tar archives whose entries below Dir are JUnit XML reports.
type Extractor struct {
	// Dir is the directory name the archive entries are rooted at, usually the base name of
	// the copied results path.
	Dir string
}

// NewExtractor returns an Extractor for archives of the directory resultsPath.
func NewExtractor(resultsPath string) *Extractor {
	return &Extractor{Dir: path.Base(strings.TrimSuffix(resultsPath, "/"))}
}

// Parse streams archive and collects every test case of every TEST-*.xml report.
//
// A build is successful when at least one report was parsed and no test failed.
func (e *Extractor) Parse(archive io.Reader, meta ci.BuildMetadata) (ci.BuildResult, error) {
	job := ci.JobReport{
		FailedTests:     []ci.TestCase{},
		SuccessfulTests: []ci.TestCase{},
	}
	suites := 0

	tr := tar.NewReader(archive)
	for {
		header, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return ci.BuildResult{}, fmt.Errorf("read results archive: %w", err)
		}
		if !e.isReport(header) {
			continue
		}

		if err := parseSuite(tr, &job); err != nil {
			return ci.BuildResult{}, &MalformedResultsError{Entry: header.Name, Err: err}
		}
		suites++
	}

	return ci.BuildResult{
		Branch:               meta.Branch,
		AssignmentCommitHash: meta.AssignmentCommitHash,
		TestsCommitHash:      meta.TestsCommitHash,
		Successful:           suites > 0 && len(job.FailedTests) == 0,
		CompletedAt:          meta.CompletedAt,
		Jobs:                 []ci.JobReport{job},
	}, nil
}

func (e *Extractor) isReport(header *tar.Header) bool {
	if header.Typeflag != tar.TypeReg && header.Typeflag != tar.TypeRegA {
		return false
	}
	name := strings.TrimPrefix(header.Name, "./")
	dir, base := path.Split(name)
	if path.Clean(dir) != e.Dir {
		return false
	}
	return strings.HasPrefix(base, "TEST-") && strings.HasSuffix(base, ".xml")
}
