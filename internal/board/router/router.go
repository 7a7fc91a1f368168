package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/go-playground/validator/v10"

	"github.com/taskboard/realtime-board/internal/board/conflict"
	"github.com/taskboard/realtime-board/internal/board/domain"
	"github.com/taskboard/realtime-board/internal/board/snapshot"
	"github.com/taskboard/realtime-board/internal/board/taskservice"
	"github.com/taskboard/realtime-board/internal/realtime"
)

// Router decodes inbound frames and dispatches them to the task service or
// presence registry, translating the result into outbound broadcasts. It
// has no notion of the underlying transport: the connection supervisor
// (spec component C7) owns the websocket and only ever calls Dispatch.
type Router struct {
	tasks       *taskservice.Service
	presence    presenceUpdater
	snapshots   *snapshot.Provider
	broadcaster *realtime.Broadcaster
	validate    *validator.Validate
	logger      *slog.Logger
}

// presenceUpdater is the subset of *presence.Registry the router needs;
// declared here so router_internal_test.go can exercise handlers without a
// full registry if needed.
type presenceUpdater interface {
	UpdateUser(clientID string, patch domain.PresencePatch) (domain.PresenceUser, bool)
	GetAllUsers() []domain.PresenceUser
}

// New builds a Router wired to its collaborators.
func New(tasks *taskservice.Service, presenceReg presenceUpdater, snapshots *snapshot.Provider, broadcaster *realtime.Broadcaster, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		tasks:       tasks,
		presence:    presenceReg,
		snapshots:   snapshots,
		broadcaster: broadcaster,
		validate:    validator.New(),
		logger:      logger.With("component", "router"),
	}
}

// Dispatch decodes one inbound frame from senderID and routes it. It never
// returns an error to the caller: every failure is reported to the sender
// as an ERROR frame and the session stays open. It runs inside the
// connection supervisor's read-loop goroutine, so a panic here must never
// propagate: recover() turns it into an INTERNAL_ERROR frame for the
// offending sender instead of crashing every other connected session along
// with it.
func (r *Router) Dispatch(ctx context.Context, senderID string, raw []byte) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("recovered panic in dispatch", "sender_id", senderID, "panic", rec)
			r.sendError(senderID, ErrCodeInternalError, "internal error", nil)
		}
	}()

	var msg ClientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		r.sendError(senderID, ErrCodeInvalidJSON, err.Error(), nil)
		return
	}
	r.dispatchTyped(ctx, senderID, msg)
}

func (r *Router) dispatchTyped(ctx context.Context, senderID string, msg ClientMessage) {
	switch msg.Type {
	case TypeSyncRequest:
		r.handleSyncRequest(ctx, senderID, msg.Payload)
	case TypeCreateTask:
		r.handleCreateTask(ctx, senderID, msg.Payload)
	case TypeUpdateTask:
		r.handleUpdateTask(ctx, senderID, msg.Payload)
	case TypeMoveTask:
		r.handleMoveTask(ctx, senderID, msg.Payload)
	case TypeDeleteTask:
		r.handleDeleteTask(ctx, senderID, msg.Payload)
	case TypePresenceUpdate:
		r.handlePresenceUpdate(ctx, senderID, msg.Payload)
	case TypeReplayQueue:
		r.handleReplayQueue(ctx, senderID, msg.Payload)
	default:
		r.sendError(senderID, ErrCodeUnknownMessageType, fmt.Sprintf("unknown message type %q", msg.Type), nil)
	}
}

func (r *Router) handleSyncRequest(ctx context.Context, senderID string, raw json.RawMessage) {
	var p syncRequestPayload
	if !r.decodeAndValidate(senderID, raw, &p) {
		return
	}

	state, err := r.snapshots.Assemble(ctx)
	if err != nil {
		r.sendError(senderID, ErrCodeInternalError, err.Error(), nil)
		return
	}

	_ = r.broadcaster.SendTo(senderID, ServerMessage{
		Type:    TypeInitialState,
		Payload: InitialStatePayload{Tasks: state.Tasks, Presence: state.Presence},
	})
}

func (r *Router) handleCreateTask(ctx context.Context, senderID string, raw json.RawMessage) {
	var p createTaskPayload
	if !r.decodeAndValidate(senderID, raw, &p) {
		return
	}

	task, err := r.tasks.CreateTask(ctx, taskservice.CreateTaskPayload{
		Title:       p.Title,
		Description: p.Description,
		ColumnID:    domain.Column(p.ColumnID),
		Position:    p.Position,
	})
	if err != nil {
		r.sendError(senderID, ErrCodeInternalError, err.Error(), nil)
		return
	}

	_ = r.broadcaster.BroadcastAll(ServerMessage{
		Type:    TypeTaskCreated,
		Payload: TaskCreatedPayload{Task: task, TempID: p.TempID},
	})
}

func (r *Router) handleUpdateTask(ctx context.Context, senderID string, raw json.RawMessage) {
	var p updateTaskPayload
	if !r.decodeAndValidate(senderID, raw, &p) {
		return
	}

	changes, err := sanitizeChanges(p.Changes, "title", "description")
	if err != nil {
		r.sendError(senderID, ErrCodeInvalidJSON, err.Error(), &p.TaskID)
		return
	}

	result, err := r.tasks.UpdateTask(ctx, taskservice.UpdateTaskPayload{
		TaskID:      p.TaskID,
		BaseVersion: p.BaseVersion,
		Changes:     changes,
	})
	if r.reportTaskServiceError(senderID, p.TaskID, err) {
		return
	}

	r.routeConflictResult(senderID, TypeTaskUpdated, result)
}

func (r *Router) handleMoveTask(ctx context.Context, senderID string, raw json.RawMessage) {
	var p moveTaskPayload
	if !r.decodeAndValidate(senderID, raw, &p) {
		return
	}

	result, err := r.tasks.MoveTask(ctx, taskservice.MoveTaskPayload{
		TaskID:      p.TaskID,
		BaseVersion: p.BaseVersion,
		ColumnID:    domain.Column(p.ColumnID),
		Position:    p.Position,
	})
	if r.reportTaskServiceError(senderID, p.TaskID, err) {
		return
	}

	r.routeConflictResult(senderID, TypeTaskMoved, result.UpdateResult)

	if !result.Analysis.FullyRejected() && result.NeedsRebalance {
		r.rebalance(ctx, domain.Column(p.ColumnID))
	}
}

func (r *Router) handleDeleteTask(ctx context.Context, senderID string, raw json.RawMessage) {
	var p deleteTaskPayload
	if !r.decodeAndValidate(senderID, raw, &p) {
		return
	}

	deleted, err := r.tasks.DeleteTask(ctx, taskservice.DeleteTaskPayload{
		TaskID:      p.TaskID,
		BaseVersion: p.BaseVersion,
	})
	if err != nil {
		r.sendError(senderID, ErrCodeInternalError, err.Error(), &p.TaskID)
		return
	}
	if !deleted {
		r.sendError(senderID, ErrCodeNotFound, "task not found", &p.TaskID)
		return
	}

	_ = r.broadcaster.BroadcastAll(ServerMessage{
		Type:    TypeTaskDeleted,
		Payload: TaskDeletedPayload{TaskID: p.TaskID},
	})
}

func (r *Router) handlePresenceUpdate(ctx context.Context, senderID string, raw json.RawMessage) {
	var p presenceUpdatePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		r.sendError(senderID, ErrCodeInvalidJSON, err.Error(), nil)
		return
	}
	if err := r.validate.Struct(p); err != nil {
		r.sendError(senderID, ErrCodeInvalidJSON, err.Error(), nil)
		return
	}

	patch := buildPresencePatch(raw, p)
	if _, ok := r.presence.UpdateUser(p.ClientID, patch); !ok {
		return
	}

	_ = r.broadcaster.BroadcastAll(ServerMessage{
		Type:    TypePresenceUpdate,
		Payload: r.presence.GetAllUsers(),
	})
}

func (r *Router) handleReplayQueue(ctx context.Context, senderID string, raw json.RawMessage) {
	var p replayQueuePayload
	if !r.decodeAndValidate(senderID, raw, &p) {
		return
	}

	for _, op := range p.Operations {
		r.dispatchTyped(ctx, p.ClientID, ClientMessage{Type: op.Type, Payload: op.Payload})
	}
}

// routeConflictResult translates a mutation's conflict analysis into the
// right sequence of CONFLICT_RESOLVED / update broadcasts:
//   - fully rejected: the sender alone learns about the rejection, and
//     everyone else still receives the task's unchanged current state so
//     their view never drifts from the authoritative row.
//   - partial merge: the sender learns exactly which fields lost, everyone
//     (sender included) gets the merged task.
//   - clean merge: a plain update broadcast to everyone.
func (r *Router) routeConflictResult(senderID, updateType string, result taskservice.UpdateResult) {
	analysis := result.Analysis

	switch {
	case analysis.FullyRejected():
		r.sendConflictResolved(senderID, result)
		_ = r.broadcaster.Broadcast(ServerMessage{Type: updateType, Payload: result.Task}, senderID)
	case analysis.HasConflict():
		r.sendConflictResolved(senderID, result)
		_ = r.broadcaster.BroadcastAll(ServerMessage{Type: updateType, Payload: result.Task})
	default:
		_ = r.broadcaster.BroadcastAll(ServerMessage{Type: updateType, Payload: result.Task})
	}
}

func (r *Router) sendConflictResolved(senderID string, result taskservice.UpdateResult) {
	_ = r.broadcaster.SendTo(senderID, ServerMessage{
		Type: TypeConflictResolved,
		Payload: ConflictResolvedPayload{
			TaskID:         result.Task.ID,
			Resolution:     string(result.Analysis.Resolution()),
			Task:           result.Task,
			MergedFields:   result.Analysis.MergedFields,
			RejectedFields: result.Analysis.RejectedFields,
			Reason:         conflict.ReasonString(result.Analysis),
		},
	})
}

func (r *Router) rebalance(ctx context.Context, columnID domain.Column) {
	tasks, err := r.tasks.RebalanceColumn(ctx, columnID)
	if err != nil {
		r.logger.Error("rebalance failed", "column_id", columnID, "error", err)
		return
	}

	_ = r.broadcaster.BroadcastRebalance(string(columnID), ServerMessage{
		Type:    TypeRebalanced,
		Payload: RebalancedPayload{ColumnID: string(columnID), Tasks: tasks},
	})
}

func (r *Router) reportTaskServiceError(senderID, taskID string, err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, taskservice.ErrNotFound) {
		r.sendError(senderID, ErrCodeNotFound, "task not found", &taskID)
		return true
	}
	r.sendError(senderID, ErrCodeInternalError, err.Error(), &taskID)
	return true
}

func (r *Router) decodeAndValidate(senderID string, raw json.RawMessage, dst interface{}) bool {
	if err := json.Unmarshal(raw, dst); err != nil {
		r.sendError(senderID, ErrCodeInvalidJSON, err.Error(), nil)
		return false
	}
	if err := r.validate.Struct(dst); err != nil {
		r.sendError(senderID, ErrCodeInvalidJSON, err.Error(), nil)
		return false
	}
	return true
}

func (r *Router) sendError(clientID, code, message string, taskID *string) {
	_ = r.broadcaster.SendTo(clientID, ServerMessage{
		Type:    TypeError,
		Payload: ErrorPayload{Code: code, Message: message, TaskID: taskID},
	})
}

// sanitizeChanges drops any key not present in allowed, so a client cannot
// smuggle a mutation into a field the message type isn't supposed to touch.
// It also rejects the whole change set if a present key's value isn't a
// string: changes decodes straight off client JSON as map[string]interface{},
// so a payload like {"title": 123} would otherwise reach the task service's
// v.(string) assertion and panic rather than producing an ERROR frame.
func sanitizeChanges(changes map[string]interface{}, allowed ...string) (map[string]interface{}, error) {
	allowedSet := make(map[string]bool, len(allowed))
	for _, field := range allowed {
		allowedSet[field] = true
	}
	out := make(map[string]interface{}, len(changes))
	for k, v := range changes {
		if !allowedSet[k] {
			continue
		}
		if _, ok := v.(string); !ok {
			return nil, fmt.Errorf("changes.%s must be a string", k)
		}
		out[k] = v
	}
	return out, nil
}

// buildPresencePatch distinguishes an absent key (leave field untouched)
// from an explicit null (clear the field) by re-decoding raw into a map of
// untyped JSON, since encoding/json collapses both cases to a nil pointer
// on a typed struct.
func buildPresencePatch(raw json.RawMessage, p presenceUpdatePayload) domain.PresencePatch {
	var generic map[string]json.RawMessage
	_ = json.Unmarshal(raw, &generic)

	patch := domain.PresencePatch{Username: p.Username}

	if v, ok := generic["viewingTask"]; ok {
		if string(v) == "null" {
			patch.ClearViewingTask = true
		} else {
			patch.ViewingTask = p.ViewingTask
		}
	}
	if v, ok := generic["editingTask"]; ok {
		if string(v) == "null" {
			patch.ClearEditingTask = true
		} else {
			patch.EditingTask = p.EditingTask
		}
	}
	return patch
}
