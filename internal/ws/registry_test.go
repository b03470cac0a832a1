package ws

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chat-gateway/internal/models"
)

type recordingOutbound struct {
	mu     sync.Mutex
	frames []models.Event
	err    error
}

func (r *recordingOutbound) Deliver(payload []byte) error {
	if r.err != nil {
		return r.err
	}
	var event models.Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, event)
	return nil
}

func (r *recordingOutbound) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.frames)
}

func TestRegistryConnectRejectsDuplicate(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Connect("c1", "alice", &recordingOutbound{}))
	require.ErrorIs(t, reg.Connect("c1", "bob", &recordingOutbound{}), ErrDuplicateConnection)

	userID, err := reg.UserID("c1")
	require.NoError(t, err)
	assert.Equal(t, "alice", userID)
	assert.Equal(t, 1, reg.Count())
}

func TestRegistryDisconnectReleasesRooms(t *testing.T) {
	reg := NewRegistry()
	out := &recordingOutbound{}
	require.NoError(t, reg.Connect("c1", "alice", out))
	require.NoError(t, reg.JoinRoom("c1", "r1"))
	require.NoError(t, reg.JoinRoom("c1", "r2"))
	assert.Equal(t, 1, reg.RoomSize("r1"))

	require.NoError(t, reg.Disconnect("c1"))
	assert.Equal(t, 0, reg.Count())
	assert.Equal(t, 0, reg.RoomSize("r1"))
	assert.Equal(t, 0, reg.RoomSize("r2"))

	assert.Equal(t, 0, reg.BroadcastToRoom("r1", models.Event{Type: models.EventMessage}))
	assert.Equal(t, 0, reg.BroadcastToAll(models.PresenceEvent(models.EventUserConnected, "bob")))
	assert.Equal(t, 0, out.count())

	require.ErrorIs(t, reg.Disconnect("c1"), ErrConnectionNotFound)
	_, err := reg.Rooms("c1")
	require.ErrorIs(t, err, ErrConnectionNotFound)
}

func TestRegistryLeaveRoomIsIdempotent(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Connect("c1", "alice", &recordingOutbound{}))
	require.NoError(t, reg.JoinRoom("c1", "r1"))
	require.NoError(t, reg.JoinRoom("c1", "r2"))

	require.NoError(t, reg.LeaveRoom("c1", "r1"))
	require.NoError(t, reg.LeaveRoom("c1", "r1"))
	require.NoError(t, reg.LeaveRoom("c1", "never-joined"))

	rooms, err := reg.Rooms("c1")
	require.NoError(t, err)
	assert.Equal(t, []string{"r2"}, rooms)
	require.ErrorIs(t, reg.LeaveRoom("missing", "r1"), ErrConnectionNotFound)
	require.ErrorIs(t, reg.JoinRoom("missing", "r1"), ErrConnectionNotFound)
}

func TestRegistryBroadcastToRoomTargetsMembersOnly(t *testing.T) {
	reg := NewRegistry()
	inRoom, other, failing := &recordingOutbound{}, &recordingOutbound{}, &recordingOutbound{err: ErrSlowConsumer}
	require.NoError(t, reg.Connect("c1", "alice", inRoom))
	require.NoError(t, reg.Connect("c2", "bob", other))
	require.NoError(t, reg.Connect("c3", "carol", failing))
	require.NoError(t, reg.JoinRoom("c1", "r1"))
	require.NoError(t, reg.JoinRoom("c3", "r1"))

	delivered := reg.BroadcastToRoom("r1", models.MessageEvent(models.Message{ID: "m1", RoomID: "r1", Content: "hi"}))
	assert.Equal(t, 1, delivered)
	assert.Equal(t, 1, inRoom.count())
	assert.Equal(t, 0, other.count())

	assert.Equal(t, 2, reg.BroadcastToAll(models.PresenceEvent(models.EventUserConnected, "dave")))
	assert.Equal(t, 2, inRoom.count())
	assert.Equal(t, 1, other.count())
}

func TestRegistryConcurrentMutationAndBroadcast(t *testing.T) {
	reg := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			connID := fmt.Sprintf("c%d", i)
			assert.NoError(t, reg.Connect(connID, "u", &recordingOutbound{}))
			assert.NoError(t, reg.JoinRoom(connID, "shared"))
			reg.BroadcastToRoom("shared", models.Event{Type: models.EventMessage})
			reg.BroadcastToAll(models.Event{Type: models.EventUserConnected})
			if i%2 == 0 {
				assert.NoError(t, reg.Disconnect(connID))
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 16, reg.Count())
	assert.Equal(t, 16, reg.RoomSize("shared"))
}

func TestPresenceBroadcastsToEveryone(t *testing.T) {
	reg := NewRegistry()
	a, b := &recordingOutbound{}, &recordingOutbound{}
	require.NoError(t, reg.Connect("c1", "alice", a))
	require.NoError(t, reg.Connect("c2", "bob", b))
	presence := NewPresence(reg)

	presence.Connected("bob")
	require.NoError(t, reg.Disconnect("c2"))
	presence.Disconnected("bob")

	require.Equal(t, 2, a.count())
	assert.Equal(t, models.EventUserConnected, a.frames[0].Type)
	assert.Equal(t, "bob", a.frames[0].UserID)
	assert.Equal(t, models.EventUserDisconnected, a.frames[1].Type)
	assert.Equal(t, 1, b.count())
}

func TestClientDeliverBoundsAndClose(t *testing.T) {
	client := NewClient(nil, 1)

	require.NoError(t, client.Deliver([]byte("one")))
	require.ErrorIs(t, client.Deliver([]byte("two")), ErrSlowConsumer)

	client.Close()
	client.Close()
	require.ErrorIs(t, client.Deliver([]byte("three")), ErrConnectionClosed)
}
