package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"chat-gateway/internal/cache"
	"chat-gateway/internal/mocks"
	"chat-gateway/internal/telemetry"
	"chat-gateway/internal/ws"
)

type nopOutbound struct{}

func (nopOutbound) Deliver([]byte) error { return nil }

func setupDebugRouter(t *testing.T, emitter *telemetry.AuditEmitter) (*gin.Engine, *ws.Registry) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	registry := ws.NewRegistry()
	require.NoError(t, registry.Connect("c1", "alice", nopOutbound{}))
	require.NoError(t, registry.JoinRoom("c1", "room-b"))
	require.NoError(t, registry.JoinRoom("c1", "room-a"))
	require.NoError(t, registry.Connect("c2", "bob", nopOutbound{}))

	roomCache := cache.NewRoomRepository(new(mocks.RoomRepositoryMock), nil, "test:", time.Minute)
	r := gin.New()
	RegisterDebugRoutes(r, emitter, registry, roomCache, true)
	return r, registry
}

func get(r *gin.Engine, path string, header ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestDebugRoutesDisabled(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	RegisterDebugRoutes(r, nil, ws.NewRegistry(), nil, false)

	assert.Equal(t, http.StatusNotFound, get(r, "/debug/connections").Code)
}

func TestDebugConnectionsListsRooms(t *testing.T) {
	r, _ := setupDebugRouter(t, nil)

	rec := get(r, "/debug/connections")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Count       int                    `json:"count"`
		Connections []ws.ConnectionSummary `json:"connections"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 2, body.Count)
	require.Len(t, body.Connections, 2)
	assert.Equal(t, ws.ConnectionSummary{ConnID: "c1", UserID: "alice", Rooms: []string{"room-a", "room-b"}}, body.Connections[0])
	assert.Equal(t, "bob", body.Connections[1].UserID)
}

func TestDebugSingleConnectionAndRoom(t *testing.T) {
	r, registry := setupDebugRouter(t, nil)

	rec := get(r, "/debug/connections/c1")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"conn_id":"c1","user_id":"alice","rooms":["room-a","room-b"]}`, rec.Body.String())

	assert.Equal(t, http.StatusNotFound, get(r, "/debug/connections/missing").Code)

	rec = get(r, "/debug/rooms/room-a")
	assert.JSONEq(t, `{"room_id":"room-a","live_connections":1}`, rec.Body.String())

	require.NoError(t, registry.Disconnect("c1"))
	rec = get(r, "/debug/rooms/room-a")
	assert.JSONEq(t, `{"room_id":"room-a","live_connections":0}`, rec.Body.String())
}

func TestDebugCacheStats(t *testing.T) {
	r, _ := setupDebugRouter(t, nil)

	rec := get(r, "/debug/cache")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"hits":0,"misses":0,"errors":0}`, rec.Body.String())
}

func TestDebugAuditIgnoresClientSuppliedIdentity(t *testing.T) {
	publisher := new(mocks.PublisherMock)
	publisher.On("Publish", mock.Anything, "audit.test", mock.MatchedBy(func(env telemetry.AuditEnvelope) bool {
		return env.UserID == ""
	}), mock.Anything).Return(nil).Once()
	r, _ := setupDebugRouter(t, telemetry.NewAuditEmitter(publisher, "audit.test", "chat-gateway", "test"))

	rec := get(r, "/debug/audit-test", "X-User-ID", "admin")
	require.Equal(t, http.StatusOK, rec.Code)
	publisher.AssertExpectations(t)
}

func TestUserIDFromContextOnlyTrustsAuthenticatedValue(t *testing.T) {
	gin.SetMode(gin.TestMode)
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	c.Request = httptest.NewRequest(http.MethodGet, "/", nil).WithContext(context.Background())
	c.Request.Header.Set("X-User-ID", "spoofed")
	assert.Equal(t, "", userIDFromContext(c))

	c.Set("userID", "alice")
	assert.Equal(t, "alice", userIDFromContext(c))
}
