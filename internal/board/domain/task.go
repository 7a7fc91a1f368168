// Package domain holds the persisted task board entities and the in-memory
// presence/connection state that rides alongside them.
package domain

import "time"

// Column is the enumerated lane a task lives in.
type Column string

const (
	ColumnTodo       Column = "todo"
	ColumnInProgress Column = "inprogress"
	ColumnDone       Column = "done"
)

// ValidColumn reports whether c is one of the three known lanes.
func ValidColumn(c Column) bool {
	switch c {
	case ColumnTodo, ColumnInProgress, ColumnDone:
		return true
	}
	return false
}

const (
	// MaxTitleLength bounds Task.Title.
	MaxTitleLength = 200
	// MaxDescriptionLength bounds Task.Description.
	MaxDescriptionLength = 2000

	// DefaultTitle is assigned to tasks created without an explicit title.
	DefaultTitle = "New Task"
)

// Task is the sole persisted entity. Every field that can be independently
// overwritten by a client carries its own version stamp so the conflict
// resolver can decide, field by field, whether a write is causally current.
type Task struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	ColumnID    Column `json:"columnId"`
	Position    float64 `json:"position"`

	// Version is the monotonically increasing per-row counter. It advances
	// by exactly one on every write that changes a non-empty field set.
	Version int64 `json:"version"`

	TitleVersion       int64 `json:"titleVersion"`
	DescriptionVersion int64 `json:"descriptionVersion"`
	ColumnVersion      int64 `json:"columnVersion"`
	PositionVersion    int64 `json:"positionVersion"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// FieldVersion returns the per-field stamp for one of the four mutable
// logical fields. It panics on an unknown field name since callers only
// ever pass names drawn from the conflict-resolver's closed field set.
func (t *Task) FieldVersion(field string) int64 {
	switch field {
	case "title":
		return t.TitleVersion
	case "description":
		return t.DescriptionVersion
	case "columnId":
		return t.ColumnVersion
	case "position":
		return t.PositionVersion
	default:
		panic("domain: unknown task field " + field)
	}
}

// PresenceUser is ephemeral per-session activity metadata. It is never
// persisted; its lifetime is bounded by the duplex session that created it.
type PresenceUser struct {
	ClientID     string    `json:"clientId"`
	Username     string    `json:"username"`
	Color        string    `json:"color"`
	ViewingTask  *string   `json:"viewingTask,omitempty"`
	EditingTask  *string   `json:"editingTask,omitempty"`
	ConnectedAt  time.Time `json:"connectedAt"`
}

// PresencePatch describes the fields presence.Registry.UpdateUser may merge.
// A nil pointer leaves the corresponding field untouched; the sentinel
// struct fields in patches that clear a value are expressed via
// ClearViewingTask/ClearEditingTask rather than overloading nil.
type PresencePatch struct {
	Username        *string
	ViewingTask     *string
	EditingTask     *string
	ClearViewingTask bool
	ClearEditingTask bool
}
