// Package conflict implements the field-level last-writer-wins resolver
// that decides, per mutation, which proposed field changes are causally
// current against a row's per-field version stamps.
package conflict

import (
	"fmt"
	"sort"
	"strings"
)

// FieldVersions exposes the per-field stamps of the row an Analyse call is
// run against. *domain.Task satisfies this via its FieldVersion method.
type FieldVersions interface {
	FieldVersion(field string) int64
}

// Resolution names the outcome communicated to clients in a
// CONFLICT_RESOLVED message.
type Resolution string

const (
	ResolutionMerged   Resolution = "MERGED"
	ResolutionRejected Resolution = "REJECTED"
)

// Analysis is the pure result of comparing a proposed change set against a
// row's current per-field version stamps and the client's baseVersion.
type Analysis struct {
	MergedChanges  map[string]interface{}
	MergedFields   []string
	RejectedFields []string
}

// HasConflict reports whether any field was rejected.
func (a Analysis) HasConflict() bool {
	return len(a.RejectedFields) > 0
}

// FullyRejected reports whether every proposed field was rejected, i.e.
// nothing merged and at least one field was rejected.
func (a Analysis) FullyRejected() bool {
	return len(a.MergedFields) == 0 && len(a.RejectedFields) > 0
}

// Resolution classifies the analysis for the CONFLICT_RESOLVED envelope.
// Callers should only consult this when HasConflict() is true.
func (a Analysis) Resolution() Resolution {
	if a.FullyRejected() {
		return ResolutionRejected
	}
	return ResolutionMerged
}

// Analyse compares changes against the row's current per-field stamps and
// the client's baseVersion. A field is merged when the row's stamp for that
// field is still <= baseVersion (no concurrent writer has touched it since
// the client last observed the row); otherwise it is rejected and the
// server-resident value wins.
//
// changes must be restricted to the known mutable fields (title,
// description, columnId, position); callers are expected to have already
// scoped the map to the operation's field set (update vs. move).
func Analyse(current FieldVersions, baseVersion int64, changes map[string]interface{}) Analysis {
	analysis := Analysis{
		MergedChanges:  make(map[string]interface{}, len(changes)),
		MergedFields:   make([]string, 0, len(changes)),
		RejectedFields: make([]string, 0, len(changes)),
	}

	// Deterministic iteration order keeps reasonString and the rejected/merged
	// field slices stable across runs, which matters for tests and for
	// clients that display the field list verbatim.
	fields := make([]string, 0, len(changes))
	for f := range changes {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	for _, field := range fields {
		value := changes[field]
		if current.FieldVersion(field) <= baseVersion {
			analysis.MergedChanges[field] = value
			analysis.MergedFields = append(analysis.MergedFields, field)
		} else {
			analysis.RejectedFields = append(analysis.RejectedFields, field)
		}
	}

	return analysis
}

// ReasonString renders a deterministic, human-readable explanation of the
// analysis outcome, selected from one of three templates.
func ReasonString(a Analysis) string {
	switch {
	case !a.HasConflict():
		return "no conflict: all fields applied"
	case a.FullyRejected():
		return fmt.Sprintf("all changes rejected, already modified: %s", strings.Join(a.RejectedFields, ", "))
	default:
		return fmt.Sprintf("partial merge: applied %s, rejected %s",
			strings.Join(a.MergedFields, ", "), strings.Join(a.RejectedFields, ", "))
	}
}
