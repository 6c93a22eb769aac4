package ci

import "strings"

// RefUpdateKind classifies a single ref change received by a push.
type RefUpdateKind string

const (
	KindCreate               RefUpdateKind = "create"
	KindUpdate               RefUpdateKind = "update"
	KindUpdateNonFastForward RefUpdateKind = "update_non_fast_forward"
	KindDelete               RefUpdateKind = "delete"
)

// RefUpdate is one ref change of a completed push.
type RefUpdate struct {
	RefName string
	OldID   string
	NewID   string
	Kind    RefUpdateKind
}

// Modifies reports whether the update moves an existing ref to a new commit.
func (u RefUpdate) Modifies() bool {
	return u.Kind == KindUpdate || u.Kind == KindUpdateNonFastForward
}

// KindOf classifies an update from its object ids. An all-zero old id creates the ref and an
// all-zero new id deletes it.
func KindOf(oldID, newID string) RefUpdateKind {
	switch {
	case isZeroID(oldID):
		return KindCreate
	case isZeroID(newID):
		return KindDelete
	default:
		return KindUpdate
	}
}

func isZeroID(id string) bool {
	return id == "" || strings.Trim(id, "0") == ""
}
