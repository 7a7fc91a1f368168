package presence

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskboard/realtime-board/internal/board/domain"
)

func TestAddUser_AssignsRoundRobinColor(t *testing.T) {
	r := NewRegistry()

	first := r.AddUser("c1", "alice")
	second := r.AddUser("c2", "bob")

	assert.Equal(t, Palette[0], first.Color)
	assert.Equal(t, Palette[1], second.Color)
}

func TestAddUser_PaletteWrapsAround(t *testing.T) {
	r := NewRegistry()

	for i := 0; i < len(Palette); i++ {
		r.AddUser(fmt.Sprintf("client-%d", i), "user")
	}

	wrapped := r.AddUser("wrap-check", "user")
	assert.Equal(t, Palette[0], wrapped.Color)
}

func TestUpdateUser_MergesFields(t *testing.T) {
	r := NewRegistry()
	r.AddUser("c1", "alice")

	taskID := "task-1"
	updated, ok := r.UpdateUser("c1", domain.PresencePatch{ViewingTask: &taskID})
	require.True(t, ok)
	require.NotNil(t, updated.ViewingTask)
	assert.Equal(t, taskID, *updated.ViewingTask)
	assert.Equal(t, "alice", updated.Username)
}

func TestUpdateUser_ClearsField(t *testing.T) {
	r := NewRegistry()
	r.AddUser("c1", "alice")

	taskID := "task-1"
	r.UpdateUser("c1", domain.PresencePatch{ViewingTask: &taskID})

	updated, ok := r.UpdateUser("c1", domain.PresencePatch{ClearViewingTask: true})
	require.True(t, ok)
	assert.Nil(t, updated.ViewingTask)
}

func TestUpdateUser_UnknownClientReturnsFalse(t *testing.T) {
	r := NewRegistry()
	_, ok := r.UpdateUser("ghost", domain.PresencePatch{})
	assert.False(t, ok)
}

func TestRemoveUser(t *testing.T) {
	r := NewRegistry()
	r.AddUser("c1", "alice")
	r.RemoveUser("c1")

	_, ok := r.UpdateUser("c1", domain.PresencePatch{})
	assert.False(t, ok)
	assert.Empty(t, r.GetAllUsers())
}

func TestGetAllUsers_StableSnapshot(t *testing.T) {
	r := NewRegistry()
	r.AddUser("c1", "alice")
	r.AddUser("c2", "bob")

	snapshot := r.GetAllUsers()
	require.Len(t, snapshot, 2)

	r.AddUser("c3", "carol")
	assert.Len(t, snapshot, 2)
}
