package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"chat-gateway/internal/admission"
	"chat-gateway/internal/auth"
	"chat-gateway/internal/dispatch"
	"chat-gateway/internal/models"
	"chat-gateway/internal/observability"
)

type Admitter interface {
	Admit(clientID string) bool
	RetryAfter(clientID string) time.Duration
}

type MembershipChecker interface {
	IsMember(ctx context.Context, roomID, userID string) (bool, error)
}

type Sender interface {
	Send(ctx context.Context, senderID, roomID, content string) (models.Message, error)
}

// GatewayConfig wires the gateway to its collaborators.
type GatewayConfig struct {
	Registry       *Registry
	Presence       *Presence
	Admission      Admitter
	Verifier       auth.Verifier
	Rooms          MembershipChecker
	Dispatcher     Sender
	SendBuffer     int
	AllowedOrigins []string
}

// Gateway upgrades authenticated requests to websockets and serves the
// join_room, leave_room and send_message commands.
type Gateway struct {
	registry   *Registry
	presence   *Presence
	admission  Admitter
	verifier   auth.Verifier
	rooms      MembershipChecker
	dispatcher Sender
	sendBuffer int
	upgrader   websocket.Upgrader
}

func NewGateway(cfg GatewayConfig) *Gateway {
	return &Gateway{
		registry:   cfg.Registry,
		presence:   cfg.Presence,
		admission:  cfg.Admission,
		verifier:   cfg.Verifier,
		rooms:      cfg.Rooms,
		dispatcher: cfg.Dispatcher,
		sendBuffer: cfg.SendBuffer,
		upgrader:   websocket.Upgrader{CheckOrigin: originChecker(cfg.AllowedOrigins)},
	}
}

// Handle authenticates and admits the handshake, then upgrades.
func (g *Gateway) Handle(c *gin.Context) {
	ctx, span := otel.Tracer("chat-gateway/ws").Start(c.Request.Context(), "ws.handshake")
	defer span.End()
	c.Request = c.Request.WithContext(ctx)

	userID, err := g.verifier.Verify(ctx, tokenFromRequest(c.Request))
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}
	span.SetAttributes(attribute.String("user.id", userID))

	ip := observability.IPFromRequest(c.Request)
	clientID := admission.ClientID(userID, ip)
	if !g.admission.Admit(clientID) {
		c.Header("Retry-After", strconv.Itoa(admission.RetryAfterSeconds(g.admission.RetryAfter(clientID))))
		c.JSON(http.StatusTooManyRequests, gin.H{"error": admission.ErrThrottled.Error()})
		return
	}

	conn, err := g.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}

	info := ConnInfo{
		ConnID:      newConnID(),
		UserID:      userID,
		IP:          ip,
		RequestID:   observability.RequestIDFromRequest(c.Request),
		TraceID:     span.SpanContext().TraceID().String(),
		ConnectedAt: time.Now(),
	}
	client := NewClient(conn, g.sendBuffer)
	if err := g.registry.Connect(info.ConnID, userID, client); err != nil {
		log.Printf("ws register failed conn_id=%s err=%v", info.ConnID, err)
		conn.Close()
		return
	}

	observability.IncWSActive()
	observability.IncWSEvent("ws_connect")
	g.publish(ctx, "ws_connect", info, "")
	g.presence.Connected(userID)

	go client.writePump()
	go g.readPump(context.WithoutCancel(ctx), client, info, clientID)
}

func (g *Gateway) readPump(ctx context.Context, client *Client, info ConnInfo, clientID string) {
	var closeReason string
	defer func() {
		if err := g.registry.Disconnect(info.ConnID); err != nil && !errors.Is(err, ErrConnectionNotFound) {
			log.Printf("ws disconnect failed conn_id=%s err=%v", info.ConnID, err)
		}
		client.Close()
		g.presence.Disconnected(info.UserID)
		observability.DecWSActive()
		observability.IncWSEvent("ws_disconnect")
		g.publish(ctx, "ws_disconnect", info, closeReason)
	}()

	client.prepareRead()
	for {
		_, raw, err := client.conn.ReadMessage()
		if err != nil {
			closeReason = err.Error()
			if !isExpectedClose(err) {
				observability.IncWSEvent("ws_error")
				g.publish(ctx, "ws_error", info, closeReason)
			}
			return
		}

		if !g.admission.Admit(clientID) {
			g.reply(client, models.ErrorEvent("", models.CodeThrottled, admission.ErrThrottled.Error()))
			continue
		}
		g.handleCommand(ctx, client, info, raw)
	}
}

func (g *Gateway) handleCommand(ctx context.Context, client *Client, info ConnInfo, raw []byte) {
	var cmd models.Command
	if err := json.Unmarshal(raw, &cmd); err != nil {
		g.reply(client, models.ErrorEvent("", models.CodeBadRequest, "malformed frame"))
		return
	}
	if !isKnownCommand(cmd.Type) {
		g.reply(client, models.ErrorEvent(cmd.RoomID, models.CodeBadRequest, "unknown command "+cmd.Type))
		return
	}
	if cmd.RoomID == "" {
		g.reply(client, models.ErrorEvent("", models.CodeBadRequest, "room_id is required"))
		return
	}
	observability.IncWSEvent(cmd.Type)

	switch cmd.Type {
	case models.CommandJoinRoom:
		member, err := g.rooms.IsMember(ctx, cmd.RoomID, info.UserID)
		if err != nil {
			log.Printf("ws membership lookup failed room_id=%s user_id=%s err=%v", cmd.RoomID, info.UserID, err)
			g.reply(client, models.ErrorEvent(cmd.RoomID, models.CodePersistenceError, "membership lookup failed"))
			return
		}
		if !member {
			g.reply(client, models.ErrorEvent(cmd.RoomID, models.CodeNotAMember, dispatch.ErrNotAMember.Error()))
			return
		}
		if err := g.registry.JoinRoom(info.ConnID, cmd.RoomID); err != nil {
			return
		}
		g.reply(client, models.Event{Type: models.EventJoined, RoomID: cmd.RoomID})
	case models.CommandLeaveRoom:
		if err := g.registry.LeaveRoom(info.ConnID, cmd.RoomID); err != nil {
			return
		}
		g.reply(client, models.Event{Type: models.EventLeft, RoomID: cmd.RoomID})
	case models.CommandSendMessage:
		msg, err := g.dispatcher.Send(ctx, info.UserID, cmd.RoomID, cmd.Content)
		if err != nil {
			g.reply(client, models.ErrorEvent(cmd.RoomID, errorCode(err), err.Error()))
			return
		}
		g.reply(client, models.Event{Type: models.EventSent, RoomID: cmd.RoomID, Message: &msg})
	}
}

func isKnownCommand(commandType string) bool {
	switch commandType {
	case models.CommandJoinRoom, models.CommandLeaveRoom, models.CommandSendMessage:
		return true
	}
	return false
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, dispatch.ErrNotAMember):
		return models.CodeNotAMember
	case errors.Is(err, dispatch.ErrInvalidContent):
		return models.CodeInvalidContent
	case errors.Is(err, dispatch.ErrPersistence):
		return models.CodePersistenceError
	default:
		return models.CodeBadRequest
	}
}

func (g *Gateway) reply(client *Client, event models.Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		log.Printf("ws reply marshal failed type=%s err=%v", event.Type, err)
		return
	}
	if err := client.Deliver(payload); err != nil {
		log.Printf("ws reply dropped type=%s err=%v", event.Type, err)
	}
}

func (g *Gateway) publish(ctx context.Context, event string, info ConnInfo, reason string) {
	_ = observability.PublishEvent(ctx, observability.RoutingKeyWSEvents,
		observability.NewEnvelope("ws_events", event, info.eventPayload(event, reason)),
		observability.BuildHeaders(info.RequestID, info.TraceID))
}
