package results

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"

	"localci/internal/domain/ci"
)

func parseSuite(r io.Reader, job *ci.JobReport) error {
	dec := xml.NewDecoder(r)
	rootSeen := false

	for {
		token, err := dec.Token()
		if errors.Is(err, io.EOF) {
			if !rootSeen {
				return errors.New("document has no root element")
			}
			return nil
		}
		if err != nil {
			return err
		}

		start, ok := token.(xml.StartElement)
		if !ok {
			continue
		}

		if !rootSeen {
			if start.Name.Local != "testsuite" {
				return fmt.Errorf("expected testsuite element, got %s", start.Name.Local)
			}
			rootSeen = true
			continue
		}

		if start.Name.Local != "testcase" {
			continue
		}

		testCase, failed, err := readTestCase(dec, start)
		if err != nil {
			return err
		}
		if failed {
			job.FailedTests = append(job.FailedTests, testCase)
		} else {
			job.SuccessfulTests = append(job.SuccessfulTests, testCase)
		}
	}
}

// readTestCase consumes the testcase element opened by start. A failure or error child marks
// the case as failed; its message attribute becomes the single message.
func readTestCase(dec *xml.Decoder, start xml.StartElement) (ci.TestCase, bool, error) {
	testCase := ci.TestCase{Name: attr(start, "name"), Messages: []string{}}
	failed := false

	for {
		token, err := dec.Token()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return ci.TestCase{}, false, io.ErrUnexpectedEOF
			}
			return ci.TestCase{}, false, err
		}

		switch el := token.(type) {
		case xml.StartElement:
			if !failed && (el.Name.Local == "failure" || el.Name.Local == "error") {
				failed = true
				if message, ok := lookupAttr(el, "message"); ok {
					testCase.Messages = []string{message}
				}
			}
			if err := dec.Skip(); err != nil {
				return ci.TestCase{}, false, err
			}
		case xml.EndElement:
			return testCase, failed, nil
		}
	}
}

func attr(el xml.StartElement, name string) string {
	value, _ := lookupAttr(el, name)
	return value
}

func lookupAttr(el xml.StartElement, name string) (string, bool) {
	for _, a := range el.Attr {
		if a.Name.Local == name && a.Name.Space == "" {
			return a.Value, true
		}
	}
	return "", false
}
