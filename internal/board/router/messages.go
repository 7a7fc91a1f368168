// Package router implements the message router (spec component C6): it
// decodes inbound duplex frames, dispatches them to the task service or the
// presence registry, and orchestrates the resulting broadcasts.
package router

import (
	"encoding/json"
	"time"

	"github.com/taskboard/realtime-board/internal/board/domain"
)

// Inbound client message discriminators.
const (
	TypeSyncRequest    = "SYNC_REQUEST"
	TypeCreateTask     = "CREATE_TASK"
	TypeUpdateTask     = "UPDATE_TASK"
	TypeMoveTask       = "MOVE_TASK"
	TypeDeleteTask     = "DELETE_TASK"
	TypePresenceUpdate = "PRESENCE_UPDATE"
	TypeReplayQueue    = "REPLAY_QUEUE"
)

// Outbound server message discriminators.
const (
	TypeInitialState     = "INITIAL_STATE"
	TypeTaskCreated      = "TASK_CREATED"
	TypeTaskUpdated      = "TASK_UPDATED"
	TypeTaskMoved        = "TASK_MOVED"
	TypeTaskDeleted      = "TASK_DELETED"
	TypeConflictResolved = "CONFLICT_RESOLVED"
	TypeRebalanced       = "REBALANCED"
	TypeError            = "ERROR"
)

// ERROR message codes.
const (
	ErrCodeInvalidJSON        = "INVALID_JSON"
	ErrCodeUnknownMessageType = "UNKNOWN_MESSAGE_TYPE"
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeInternalError      = "INTERNAL_ERROR"
)

// ClientMessage is the discriminated-union envelope every inbound frame is
// decoded into before being routed by Type.
type ClientMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// ServerMessage is the envelope every outbound frame is encoded as.
type ServerMessage struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// InitialStatePayload answers SYNC_REQUEST and the connect-time snapshot.
type InitialStatePayload struct {
	Tasks    []domain.Task         `json:"tasks"`
	Presence []domain.PresenceUser `json:"presence"`
}

// TaskCreatedPayload echoes the client's tempId alongside the persisted task.
type TaskCreatedPayload struct {
	Task   domain.Task `json:"task"`
	TempID string      `json:"tempId"`
}

// TaskDeletedPayload names the removed row.
type TaskDeletedPayload struct {
	TaskID string `json:"taskId"`
}

// ConflictResolvedPayload reports how the conflict resolver disposed of an
// UPDATE_TASK or MOVE_TASK.
type ConflictResolvedPayload struct {
	TaskID         string      `json:"taskId"`
	Resolution     string      `json:"resolution"`
	Task           domain.Task `json:"task"`
	MergedFields   []string    `json:"mergedFields,omitempty"`
	RejectedFields []string    `json:"rejectedFields"`
	Reason         string      `json:"reason"`
}

// RebalancedPayload carries a column's new layout after an amortized
// rebalance.
type RebalancedPayload struct {
	ColumnID string        `json:"columnId"`
	Tasks    []domain.Task `json:"tasks"`
}

// ErrorPayload is sent to the originating session only; the session stays
// open.
type ErrorPayload struct {
	Code    string  `json:"code"`
	Message string  `json:"message"`
	TaskID  *string `json:"taskId,omitempty"`
}

type syncRequestPayload struct {
	ClientID string `json:"clientId" validate:"required"`
}

type createTaskPayload struct {
	ClientID    string  `json:"clientId" validate:"required"`
	TempID      string  `json:"tempId"`
	Title       string  `json:"title" validate:"max=200"`
	Description string  `json:"description" validate:"max=2000"`
	ColumnID    string  `json:"columnId" validate:"required,oneof=todo inprogress done"`
	Position    float64 `json:"position"`
}

type updateTaskPayload struct {
	ClientID    string                 `json:"clientId" validate:"required"`
	TaskID      string                 `json:"taskId" validate:"required"`
	BaseVersion int64                  `json:"baseVersion"`
	Changes     map[string]interface{} `json:"changes"`
}

type moveTaskPayload struct {
	ClientID    string  `json:"clientId" validate:"required"`
	TaskID      string  `json:"taskId" validate:"required"`
	BaseVersion int64   `json:"baseVersion"`
	ColumnID    string  `json:"columnId" validate:"required,oneof=todo inprogress done"`
	Position    float64 `json:"position" validate:"gt=0"`
}

type deleteTaskPayload struct {
	ClientID    string `json:"clientId" validate:"required"`
	TaskID      string `json:"taskId" validate:"required"`
	BaseVersion int64  `json:"baseVersion"`
}

type presenceUpdatePayload struct {
	ClientID    string  `json:"clientId" validate:"required"`
	Username    *string `json:"username"`
	ViewingTask *string `json:"viewingTask"`
	EditingTask *string `json:"editingTask"`
}

type replayOperation struct {
	Type       string          `json:"type"`
	Payload    json.RawMessage `json:"payload"`
	EnqueuedAt time.Time       `json:"enqueuedAt"`
}

type replayQueuePayload struct {
	ClientID   string            `json:"clientId" validate:"required"`
	Operations []replayOperation `json:"operations"`
}
