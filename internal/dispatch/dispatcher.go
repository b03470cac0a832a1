// Package dispatch persists room messages and fans them out to the room's
// live connections.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"chat-gateway/internal/models"
	"chat-gateway/internal/observability"
)

var (
	ErrNotAMember     = errors.New("sender is not a member of the room")
	ErrPersistence    = errors.New("message could not be persisted")
	ErrInvalidContent = errors.New("message content must be 1-2000 characters")
)

type MembershipStore interface {
	IsMember(ctx context.Context, roomID, userID string) (bool, error)
}

type MessageStore interface {
	CreateMessage(ctx context.Context, msg models.Message) (models.Message, error)
}

// Broadcaster fans an event out to the live connections of a room.
type Broadcaster interface {
	BroadcastToRoom(roomID string, event models.Event) int
}

// Dispatcher runs the send pipeline: validate, check membership, persist,
// broadcast. Persist and broadcast are serialized per room.
type Dispatcher struct {
	rooms       MembershipStore
	messages    MessageStore
	broadcaster Broadcaster
	locks       *roomLocks
	now         func() time.Time
}

type Option func(*Dispatcher)

func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) {
		if now != nil {
			d.now = now
		}
	}
}

func New(rooms MembershipStore, messages MessageStore, broadcaster Broadcaster, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		rooms:       rooms,
		messages:    messages,
		broadcaster: broadcaster,
		locks:       newRoomLocks(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// ValidateContent rejects blank content and content over the length limit.
func ValidateContent(content string) error {
	if strings.TrimSpace(content) == "" || utf8.RuneCountInString(content) > models.MaxContentLength {
		return ErrInvalidContent
	}
	return nil
}

// Send stores a message from senderID in roomID and broadcasts it to the
// room. Nothing is broadcast unless the message was stored.
func (d *Dispatcher) Send(ctx context.Context, senderID, roomID, content string) (models.Message, error) {
	ctx, span := otel.Tracer("chat-gateway/dispatch").Start(ctx, "dispatch.send",
		trace.WithAttributes(attribute.String("room.id", roomID), attribute.String("user.id", senderID)))
	defer span.End()

	start := time.Now()
	defer func() { observability.ObserveDispatchDuration(time.Since(start)) }()

	if err := ValidateContent(content); err != nil {
		observability.IncDispatch("invalid_content")
		return models.Message{}, err
	}

	member, err := d.rooms.IsMember(ctx, roomID, senderID)
	if err != nil {
		observability.IncDispatch("persistence_error")
		span.RecordError(err)
		span.SetStatus(codes.Error, "membership lookup failed")
		return models.Message{}, fmt.Errorf("%w: membership lookup: %v", ErrPersistence, err)
	}
	if !member {
		observability.IncDispatch("not_a_member")
		return models.Message{}, ErrNotAMember
	}

	saved, delivered, err := d.persistAndBroadcast(ctx, models.Message{
		ID:       uuid.NewString(),
		RoomID:   roomID,
		AuthorID: senderID,
		Content:  content,
	})
	if err != nil {
		observability.IncDispatch("persistence_error")
		span.RecordError(err)
		span.SetStatus(codes.Error, "persist failed")
		return models.Message{}, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	span.SetAttributes(attribute.Int("broadcast.delivered", delivered))
	observability.IncDispatch("sent")

	d.publishSent(ctx, saved, delivered)
	return saved, nil
}

func (d *Dispatcher) persistAndBroadcast(ctx context.Context, msg models.Message) (models.Message, int, error) {
	unlock := d.locks.lock(msg.RoomID)
	defer unlock()

	msg.CreatedAt = d.now().UTC()
	saved, err := d.messages.CreateMessage(ctx, msg)
	if err != nil {
		return models.Message{}, 0, err
	}
	return saved, d.broadcaster.BroadcastToRoom(saved.RoomID, models.MessageEvent(saved)), nil
}

func (d *Dispatcher) publishSent(ctx context.Context, msg models.Message, delivered int) {
	traceID := trace.SpanContextFromContext(ctx).TraceID().String()
	_ = observability.PublishEvent(ctx, observability.RoutingKeyMessageEvents, observability.NewEnvelope("message_events", "message_sent", map[string]interface{}{
		"message_id": msg.ID,
		"room_id":    msg.RoomID,
		"author_id":  msg.AuthorID,
		"length":     utf8.RuneCountInString(msg.Content),
		"recipients": delivered,
		"created_at": msg.CreatedAt,
	}), observability.BuildHeaders("", traceID))
}
