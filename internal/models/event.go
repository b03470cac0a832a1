package models

// Outbound event types written to websocket clients.
const (
	EventMessage          = "message"
	EventUserConnected    = "user_connected"
	EventUserDisconnected = "user_disconnected"
	EventJoined           = "joined"
	EventLeft             = "left"
	EventSent             = "sent"
	EventError            = "error"
)

// Inbound command types accepted from websocket clients.
const (
	CommandJoinRoom    = "join_room"
	CommandLeaveRoom   = "leave_room"
	CommandSendMessage = "send_message"
)

// Error codes carried by EventError frames.
const (
	CodeThrottled        = "throttled"
	CodeNotAMember       = "not_a_member"
	CodePersistenceError = "persistence_error"
	CodeInvalidContent   = "invalid_content"
	CodeBadRequest       = "bad_request"
)

// Event is broadcast through websockets.
type Event struct {
	Type    string   `json:"type"`
	RoomID  string   `json:"room_id,omitempty"`
	UserID  string   `json:"user_id,omitempty"`
	Message *Message `json:"message,omitempty"`
	Code    string   `json:"code,omitempty"`
	Error   string   `json:"error,omitempty"`
}

// Command is a frame sent by a websocket client.
type Command struct {
	Type    string `json:"type"`
	RoomID  string `json:"room_id"`
	Content string `json:"content,omitempty"`
}

// MessageEvent wraps a persisted message for fan-out.
func MessageEvent(msg Message) Event {
	return Event{Type: EventMessage, RoomID: msg.RoomID, Message: &msg}
}

// PresenceEvent announces a user coming online or going offline.
func PresenceEvent(eventType, userID string) Event {
	return Event{Type: eventType, UserID: userID}
}

// ErrorEvent reports a rejected command back to its sender.
func ErrorEvent(roomID, code, text string) Event {
	return Event{Type: EventError, RoomID: roomID, Code: code, Error: text}
}
