package models

import "time"

// MaxContentLength bounds message content, counted in characters.
const MaxContentLength = 2000

// Message is a room message. It is never mutated once persisted.
type Message struct {
	ID        string     `db:"id" json:"id"`
	RoomID    string     `db:"room_id" json:"room_id"`
	AuthorID  string     `db:"author_id" json:"author_id"`
	Content   string     `db:"content" json:"content"`
	CreatedAt time.Time  `db:"created_at" json:"created_at"`
	IsEdited  bool       `db:"is_edited" json:"is_edited"`
	EditedAt  *time.Time `db:"edited_at" json:"edited_at,omitempty"`
}
