package conflict

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

type fakeVersions map[string]int64

func (f fakeVersions) FieldVersion(field string) int64 {
	return f[field]
}

func TestAnalyse_NoConflict(t *testing.T) {
	current := fakeVersions{"title": 3, "description": 1}
	changes := map[string]interface{}{"title": "new title"}

	a := Analyse(current, 3, changes)

	assert.False(t, a.HasConflict())
	assert.Equal(t, []string{"title"}, a.MergedFields)
	assert.Empty(t, a.RejectedFields)
	assert.Equal(t, "new title", a.MergedChanges["title"])
	assert.Equal(t, "no conflict: all fields applied", ReasonString(a))
}

func TestAnalyse_FullyRejected(t *testing.T) {
	current := fakeVersions{"title": 5}
	changes := map[string]interface{}{"title": "stale title"}

	a := Analyse(current, 3, changes)

	assert.True(t, a.HasConflict())
	assert.True(t, a.FullyRejected())
	assert.Equal(t, ResolutionRejected, a.Resolution())
	assert.Empty(t, a.MergedFields)
	assert.Equal(t, []string{"title"}, a.RejectedFields)
	assert.Contains(t, ReasonString(a), "title")
}

func TestAnalyse_PartialMerge(t *testing.T) {
	current := fakeVersions{"title": 5, "description": 1, "columnId": 1}
	changes := map[string]interface{}{
		"title":       "stale",
		"description": "fresh description",
		"columnId":    "done",
	}

	a := Analyse(current, 1, changes)

	assert.True(t, a.HasConflict())
	assert.False(t, a.FullyRejected())
	assert.Equal(t, ResolutionMerged, a.Resolution())
	assert.Equal(t, []string{"columnId", "description"}, a.MergedFields)
	assert.Equal(t, []string{"title"}, a.RejectedFields)
	assert.Len(t, a.MergedChanges, 2)

	reason := ReasonString(a)
	assert.Contains(t, reason, "columnId")
	assert.Contains(t, reason, "description")
	assert.Contains(t, reason, "title")
}

func TestAnalyse_NewerFieldStampRejectsChange(t *testing.T) {
	current := fakeVersions{"title": 9, "position": 9}
	changes := map[string]interface{}{"position": 131072.0}

	a := Analyse(current, 0, changes)

	assert.True(t, a.FullyRejected())
	assert.Equal(t, []string{"position"}, a.RejectedFields)
}

func TestAnalyse_EmptyChanges(t *testing.T) {
	current := fakeVersions{"title": 1}

	a := Analyse(current, 1, map[string]interface{}{})

	assert.False(t, a.HasConflict())
	assert.Empty(t, a.MergedFields)
	assert.Empty(t, a.MergedChanges)
}

func TestAnalyse_DeterministicFieldOrder(t *testing.T) {
	current := fakeVersions{"title": 1, "description": 1, "columnId": 1, "position": 1}
	changes := map[string]interface{}{
		"position":    1.0,
		"columnId":    "todo",
		"description": "d",
		"title":       "t",
	}

	a := Analyse(current, 1, changes)

	assert.Equal(t, []string{"columnId", "description", "position", "title"}, a.MergedFields)
}
