package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/taskboard/realtime-board/internal/board/domain"
	"github.com/taskboard/realtime-board/internal/board/taskservice"
)

// TasksHandlers serves the read-only tasks endpoint (spec component C9).
type TasksHandlers struct {
	tasks *taskservice.Service
}

// tasksResponse wraps the task list in an object, matching the {tasks}
// shape InitialStatePayload and the rest of the wire protocol use instead
// of a bare top-level JSON array.
type tasksResponse struct {
	Tasks []domain.Task `json:"tasks"`
}

// NewTasksHandlers builds a TasksHandlers over the task service.
func NewTasksHandlers(tasks *taskservice.Service) *TasksHandlers {
	return &TasksHandlers{tasks: tasks}
}

// List handles GET /api/tasks, returning every task currently on the board.
func (h *TasksHandlers) List(w http.ResponseWriter, r *http.Request) {
	tasks, err := h.tasks.GetAllTasks(r.Context())
	if err != nil {
		slog.Error("failed to list tasks", "error", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(tasksResponse{Tasks: tasks}); err != nil {
		slog.Error("failed to encode tasks response", "error", err)
	}
}
