package hook

import (
	"bufio"
	"fmt"
	"io"
	"regexp"
	"strings"

	"localci/internal/domain/ci"
)

var objectID = regexp.MustCompile(`^[0-9a-f]{40}([0-9a-f]{24})?$`)

// ParseRefUpdates reads git's post-receive input, one "<old-id> <new-id> <ref-name>" line per
// updated ref. An all-zero old id marks a created ref and an all-zero new id a deleted one.
func ParseRefUpdates(r io.Reader) ([]ci.RefUpdate, error) {
	var updates []ci.RefUpdate

	scanner := bufio.NewScanner(r)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}

		fields := strings.Fields(text)
		if len(fields) != 3 {
			return nil, fmt.Errorf("ref update line %d: expected 3 fields, got %d", line, len(fields))
		}
		oldID, newID, ref := fields[0], fields[1], fields[2]
		if !objectID.MatchString(oldID) || !objectID.MatchString(newID) {
			return nil, fmt.Errorf("ref update line %d: invalid object id", line)
		}

		if isZeroID(oldID) && isZeroID(newID) {
			return nil, fmt.Errorf("ref update line %d: both object ids are zero", line)
		}
		updates = append(updates, ci.RefUpdate{RefName: ref, OldID: oldID, NewID: newID, Kind: ci.KindOf(oldID, newID)})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read ref updates: %w", err)
	}
	return updates, nil
}

func isZeroID(id string) bool {
	return strings.Trim(id, "0") == ""
}
