package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockSession struct {
	id     string
	mu     sync.Mutex
	frames [][]byte
	closed bool
	ctx    context.Context
	cancel context.CancelFunc
	failOn int // Send fails once frames reaches this count, 0 = never
}

func newMockSession(id string) *mockSession {
	ctx, cancel := context.WithCancel(context.Background())
	return &mockSession{id: id, ctx: ctx, cancel: cancel}
}

func (m *mockSession) ClientID() string { return m.id }

func (m *mockSession) Send(data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrSessionClosed
	}
	if m.failOn != 0 && len(m.frames)+1 == m.failOn {
		m.frames = append(m.frames, data)
		return ErrSessionClosed
	}
	m.frames = append(m.frames, data)
	return nil
}

func (m *mockSession) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.cancel()
	return nil
}

func (m *mockSession) Context() context.Context { return m.ctx }

func (m *mockSession) Frames() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]byte, len(m.frames))
	copy(out, m.frames)
	return out
}

func TestBroadcaster_RegisterUnregister(t *testing.T) {
	b := NewBroadcaster(nil, nil)
	s := newMockSession("c1")

	b.Register(s)
	assert.Equal(t, 1, b.ActiveSessions())

	b.Unregister("c1")
	assert.Equal(t, 0, b.ActiveSessions())
}

func TestBroadcaster_SendTo(t *testing.T) {
	b := NewBroadcaster(nil, nil)
	s1 := newMockSession("c1")
	s2 := newMockSession("c2")
	b.Register(s1)
	b.Register(s2)

	err := b.SendTo("c1", map[string]string{"type": "PING"})
	require.NoError(t, err)

	assert.Len(t, s1.Frames(), 1)
	assert.Empty(t, s2.Frames())
}

func TestBroadcaster_SendTo_UnknownClientIsNoop(t *testing.T) {
	b := NewBroadcaster(nil, nil)
	err := b.SendTo("ghost", map[string]string{"type": "PING"})
	assert.NoError(t, err)
}

func TestBroadcaster_BroadcastAll(t *testing.T) {
	b := NewBroadcaster(nil, nil)
	s1 := newMockSession("c1")
	s2 := newMockSession("c2")
	s3 := newMockSession("c3")
	b.Register(s1)
	b.Register(s2)
	b.Register(s3)

	err := b.BroadcastAll(map[string]string{"type": "PRESENCE_UPDATE"})
	require.NoError(t, err)

	assert.Len(t, s1.Frames(), 1)
	assert.Len(t, s2.Frames(), 1)
	assert.Len(t, s3.Frames(), 1)
}

func TestBroadcaster_Broadcast_SkipsSender(t *testing.T) {
	b := NewBroadcaster(nil, nil)
	s1 := newMockSession("c1")
	s2 := newMockSession("c2")
	b.Register(s1)
	b.Register(s2)

	err := b.Broadcast(map[string]string{"type": "TASK_UPDATED"}, "c1")
	require.NoError(t, err)

	assert.Empty(t, s1.Frames())
	assert.Len(t, s2.Frames(), 1)
}

func TestBroadcaster_Broadcast_EncodesOncePerPayload(t *testing.T) {
	b := NewBroadcaster(nil, nil)
	s1 := newMockSession("c1")
	s2 := newMockSession("c2")
	b.Register(s1)
	b.Register(s2)

	require.NoError(t, b.BroadcastAll(map[string]string{"type": "TASK_DELETED"}))

	var f1, f2 map[string]string
	require.NoError(t, json.Unmarshal(s1.Frames()[0], &f1))
	require.NoError(t, json.Unmarshal(s2.Frames()[0], &f2))
	assert.Equal(t, f1, f2)
}

func TestBroadcaster_Broadcast_FailedSendDoesNotBlockOthers(t *testing.T) {
	b := NewBroadcaster(nil, nil)
	s1 := newMockSession("c1")
	s1.failOn = 1
	s2 := newMockSession("c2")
	b.Register(s1)
	b.Register(s2)

	err := b.BroadcastAll(map[string]string{"type": "TASK_CREATED"})
	require.NoError(t, err)
	assert.Len(t, s2.Frames(), 1)
}

func TestBroadcaster_BroadcastRebalance_SkipsIdenticalResend(t *testing.T) {
	b := NewBroadcaster(nil, nil)
	s1 := newMockSession("c1")
	b.Register(s1)

	msg := map[string]string{"columnId": "todo"}
	require.NoError(t, b.BroadcastRebalance("todo", msg))
	require.NoError(t, b.BroadcastRebalance("todo", msg))

	assert.Len(t, s1.Frames(), 1)
}

func TestBroadcaster_BroadcastRebalance_ResendsOnChange(t *testing.T) {
	b := NewBroadcaster(nil, nil)
	s1 := newMockSession("c1")
	b.Register(s1)

	require.NoError(t, b.BroadcastRebalance("todo", map[string]string{"v": "1"}))
	require.NoError(t, b.BroadcastRebalance("todo", map[string]string{"v": "2"}))

	assert.Len(t, s1.Frames(), 2)
}
