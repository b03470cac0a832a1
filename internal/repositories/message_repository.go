package repositories

import (
	"context"

	"github.com/jmoiron/sqlx"

	"chat-gateway/internal/models"
)

const (
	DefaultPageSize = 50
	MaxPageSize     = 100
)

// MessageRepository defines interactions for room messages.
type MessageRepository interface {
	CreateMessage(ctx context.Context, msg models.Message) (models.Message, error)
	ListRoomMessages(ctx context.Context, roomID string, page, pageSize int) ([]models.Message, error)
}

// MessageRepo is a sqlx-backed implementation.
type MessageRepo struct {
	db *sqlx.DB
}

// NewMessageRepo constructs a MessageRepo.
func NewMessageRepo(db *sqlx.DB) *MessageRepo {
	return &MessageRepo{db: db}
}

// CreateMessage persists msg in its own transaction and returns the stored row.
func (r *MessageRepo) CreateMessage(ctx context.Context, msg models.Message) (models.Message, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return models.Message{}, err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	var saved models.Message
	if err = tx.QueryRowxContext(ctx, `INSERT INTO messages (id, room_id, author_id, content, created_at) VALUES ($1, $2, $3, $4, $5) RETURNING id, room_id, author_id, content, created_at, is_edited, edited_at`,
		msg.ID, msg.RoomID, msg.AuthorID, msg.Content, msg.CreatedAt).StructScan(&saved); err != nil {
		return models.Message{}, err
	}

	if err = tx.Commit(); err != nil {
		return models.Message{}, err
	}
	return saved, nil
}

// seq breaks created_at ties so history matches insertion order.
const listRoomMessagesQuery = `SELECT id, room_id, author_id, content, created_at, is_edited, edited_at FROM (
            SELECT id, room_id, author_id, content, created_at, is_edited, edited_at, seq FROM messages
            WHERE room_id=$1 ORDER BY created_at DESC, seq DESC LIMIT $2 OFFSET $3
        ) page ORDER BY created_at ASC, seq ASC`

// ListRoomMessages returns one page of history. Pages count back from the
// newest message; each page is ordered oldest first.
func (r *MessageRepo) ListRoomMessages(ctx context.Context, roomID string, page, pageSize int) ([]models.Message, error) {
	page, pageSize = NormalizePage(page, pageSize)

	msgs := []models.Message{}
	err := r.db.SelectContext(ctx, &msgs, listRoomMessagesQuery, roomID, pageSize, (page-1)*pageSize)
	return msgs, err
}

// NormalizePage clamps paging parameters to sane bounds.
func NormalizePage(page, pageSize int) (int, int) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = DefaultPageSize
	}
	if pageSize > MaxPageSize {
		pageSize = MaxPageSize
	}
	return page, pageSize
}
