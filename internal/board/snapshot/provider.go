// Package snapshot assembles the board's connect-time view: every task and
// every connected user's presence, taken without any cross-component lock
// (spec component C8). A snapshot racing a concurrent mutation is
// acceptable — the receiving session's store is expected to upsert tasks
// idempotently, so it converges whether or not it saw the snapshot before
// or after the mutation's own broadcast.
package snapshot

import (
	"context"

	"github.com/taskboard/realtime-board/internal/board/domain"
	"github.com/taskboard/realtime-board/internal/board/presence"
	"github.com/taskboard/realtime-board/internal/board/taskservice"
)

// State is the payload sent to a newly connected session and returned for
// SYNC_REQUEST.
type State struct {
	Tasks    []domain.Task         `json:"tasks"`
	Presence []domain.PresenceUser `json:"presence"`
}

// Provider assembles a State on demand from the task service and presence
// registry.
type Provider struct {
	tasks    *taskservice.Service
	presence *presence.Registry
}

// New builds a Provider over the task service and presence registry.
func New(tasks *taskservice.Service, presenceRegistry *presence.Registry) *Provider {
	return &Provider{tasks: tasks, presence: presenceRegistry}
}

// Assemble returns the current tasks and presence list. Each is read
// independently of the other, so the two can reflect slightly different
// instants.
func (p *Provider) Assemble(ctx context.Context) (State, error) {
	tasks, err := p.tasks.GetAllTasks(ctx)
	if err != nil {
		return State{}, err
	}
	return State{
		Tasks:    tasks,
		Presence: p.presence.GetAllUsers(),
	}, nil
}
