package router

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitizeChanges_DropsDisallowedKeys(t *testing.T) {
	in := map[string]interface{}{
		"title":       "new title",
		"columnId":    "done",
		"description": "new description",
	}

	out, err := sanitizeChanges(in, "title", "description")

	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{
		"title":       "new title",
		"description": "new description",
	}, out)
}

func TestSanitizeChanges_EmptyInput(t *testing.T) {
	out, err := sanitizeChanges(map[string]interface{}{}, "title", "description")
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestSanitizeChanges_RejectsNonStringValue(t *testing.T) {
	in := map[string]interface{}{
		"title": float64(123),
	}

	out, err := sanitizeChanges(in, "title", "description")

	require.Error(t, err)
	assert.Nil(t, out)
}

func TestBuildPresencePatch_AbsentKeyLeavesFieldUntouched(t *testing.T) {
	raw := json.RawMessage(`{"clientId":"c1","username":"alice"}`)
	var p presenceUpdatePayload
	require.NoError(t, json.Unmarshal(raw, &p))

	patch := buildPresencePatch(raw, p)

	assert.False(t, patch.ClearViewingTask)
	assert.False(t, patch.ClearEditingTask)
	assert.Nil(t, patch.ViewingTask)
	require.NotNil(t, patch.Username)
	assert.Equal(t, "alice", *patch.Username)
}

func TestBuildPresencePatch_ExplicitNullClearsField(t *testing.T) {
	raw := json.RawMessage(`{"clientId":"c1","viewingTask":null}`)
	var p presenceUpdatePayload
	require.NoError(t, json.Unmarshal(raw, &p))

	patch := buildPresencePatch(raw, p)

	assert.True(t, patch.ClearViewingTask)
	assert.Nil(t, patch.ViewingTask)
}

func TestBuildPresencePatch_PresentValueSetsField(t *testing.T) {
	raw := json.RawMessage(`{"clientId":"c1","editingTask":"task-123"}`)
	var p presenceUpdatePayload
	require.NoError(t, json.Unmarshal(raw, &p))

	patch := buildPresencePatch(raw, p)

	assert.False(t, patch.ClearEditingTask)
	require.NotNil(t, patch.EditingTask)
	assert.Equal(t, "task-123", *patch.EditingTask)
}

func TestClientMessage_DecodesEnvelopeAndLeavesPayloadRaw(t *testing.T) {
	raw := []byte(`{"type":"CREATE_TASK","payload":{"clientId":"c1","columnId":"todo"}}`)

	var msg ClientMessage
	require.NoError(t, json.Unmarshal(raw, &msg))

	assert.Equal(t, TypeCreateTask, msg.Type)

	var p createTaskPayload
	require.NoError(t, json.Unmarshal(msg.Payload, &p))
	assert.Equal(t, "c1", p.ClientID)
	assert.Equal(t, "todo", p.ColumnID)
}

func TestServerMessage_EncodesEnvelope(t *testing.T) {
	msg := ServerMessage{Type: TypeTaskDeleted, Payload: TaskDeletedPayload{TaskID: "t1"}}

	data, err := json.Marshal(msg)
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, TypeTaskDeleted, decoded["type"])
}
