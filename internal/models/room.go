package models

import "time"

// Role is a member's standing inside a room.
type Role string

const (
	RoleMember Role = "Member"
	RoleAdmin  Role = "Admin"
	RoleOwner  Role = "Owner"
)

// Room is a named group that users join durably.
type Room struct {
	ID          string    `db:"id" json:"id"`
	Name        string    `db:"name" json:"name"`
	Description *string   `db:"description" json:"description,omitempty"`
	IsPrivate   bool      `db:"is_private" json:"is_private"`
	CreatedBy   string    `db:"created_by" json:"created_by"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
	MemberCount int       `db:"member_count" json:"member_count"`
}

// RoomMember is the durable association between a user and a room.
type RoomMember struct {
	RoomID   string    `db:"room_id" json:"room_id"`
	UserID   string    `db:"user_id" json:"user_id"`
	Role     Role      `db:"role" json:"role"`
	JoinedAt time.Time `db:"joined_at" json:"joined_at"`
}
