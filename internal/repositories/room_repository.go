package repositories

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"chat-gateway/internal/models"
)

var (
	ErrRoomNotFound  = errors.New("room not found")
	ErrAlreadyMember = errors.New("already a member")
)

// uniqueViolation is the Postgres SQLSTATE for duplicate keys.
const uniqueViolation = "23505"

// RoomRepository abstracts room and durable membership persistence.
type RoomRepository interface {
	CreateRoom(ctx context.Context, ownerID, name string, description *string, isPrivate bool) (models.Room, error)
	GetRoom(ctx context.Context, roomID string) (models.Room, error)
	AddMember(ctx context.Context, roomID, userID string, role models.Role) (models.RoomMember, error)
	IsMember(ctx context.Context, roomID, userID string) (bool, error)
	ListRoomsForUser(ctx context.Context, userID string) ([]models.Room, error)
}

// RoomRepo is a sqlx implementation of RoomRepository.
type RoomRepo struct {
	db *sqlx.DB
}

// NewRoomRepo constructs a RoomRepo.
func NewRoomRepo(db *sqlx.DB) *RoomRepo {
	return &RoomRepo{db: db}
}

// CreateRoom inserts the room and its owner membership atomically.
func (r *RoomRepo) CreateRoom(ctx context.Context, ownerID, name string, description *string, isPrivate bool) (models.Room, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return models.Room{}, err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	room := models.Room{
		ID:          uuid.NewString(),
		Name:        name,
		Description: description,
		IsPrivate:   isPrivate,
		CreatedBy:   ownerID,
		CreatedAt:   time.Now().UTC(),
		MemberCount: 1,
	}
	if _, err = tx.ExecContext(ctx, `INSERT INTO rooms (id, name, description, is_private, created_by, created_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		room.ID, room.Name, room.Description, room.IsPrivate, room.CreatedBy, room.CreatedAt); err != nil {
		return models.Room{}, err
	}
	if _, err = tx.ExecContext(ctx, `INSERT INTO room_members (room_id, user_id, role, joined_at) VALUES ($1, $2, $3, $4)`,
		room.ID, ownerID, models.RoleOwner, room.CreatedAt); err != nil {
		return models.Room{}, err
	}

	if err = tx.Commit(); err != nil {
		return models.Room{}, err
	}
	return room, nil
}

// GetRoom fetches a single room with its member count.
func (r *RoomRepo) GetRoom(ctx context.Context, roomID string) (models.Room, error) {
	if _, err := uuid.Parse(roomID); err != nil {
		return models.Room{}, ErrRoomNotFound
	}
	var room models.Room
	err := r.db.GetContext(ctx, &room, `SELECT r.id, r.name, r.description, r.is_private, r.created_by, r.created_at,
        (SELECT COUNT(*) FROM room_members m WHERE m.room_id = r.id) AS member_count
        FROM rooms r WHERE r.id=$1`, roomID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Room{}, ErrRoomNotFound
	}
	return room, err
}

// AddMember records a durable membership. Joining twice yields ErrAlreadyMember.
func (r *RoomRepo) AddMember(ctx context.Context, roomID, userID string, role models.Role) (models.RoomMember, error) {
	member := models.RoomMember{RoomID: roomID, UserID: userID, Role: role, JoinedAt: time.Now().UTC()}
	_, err := r.db.ExecContext(ctx, `INSERT INTO room_members (room_id, user_id, role, joined_at) VALUES ($1, $2, $3, $4)`,
		member.RoomID, member.UserID, member.Role, member.JoinedAt)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return models.RoomMember{}, ErrAlreadyMember
	}
	if err != nil {
		return models.RoomMember{}, err
	}
	return member, nil
}

// IsMember checks durable membership.
func (r *RoomRepo) IsMember(ctx context.Context, roomID, userID string) (bool, error) {
	if _, err := uuid.Parse(roomID); err != nil {
		return false, nil
	}
	var exists bool
	err := r.db.GetContext(ctx, &exists, `SELECT EXISTS(SELECT 1 FROM room_members WHERE room_id=$1 AND user_id=$2)`, roomID, userID)
	return exists, err
}

// ListRoomsForUser returns rooms that include the user, newest first.
func (r *RoomRepo) ListRoomsForUser(ctx context.Context, userID string) ([]models.Room, error) {
	rooms := []models.Room{}
	err := r.db.SelectContext(ctx, &rooms, `SELECT r.id, r.name, r.description, r.is_private, r.created_by, r.created_at,
        (SELECT COUNT(*) FROM room_members m WHERE m.room_id = r.id) AS member_count
        FROM rooms r INNER JOIN room_members rm ON rm.room_id = r.id
        WHERE rm.user_id=$1 ORDER BY r.created_at DESC`, userID)
	return rooms, err
}
