package models

import (
	"fmt"
	"time"

	"gorm.io/datatypes"
)

// Message types stored with each chat message.
const (
	MessageTypeChat   = "CHAT"
	MessageTypeJoin   = "JOIN"
	MessageTypeLeave  = "LEAVE"
	MessageTypeSystem = "SYSTEM"
	MessageTypeFile   = "FILE"
)

// wireMessageTypes is the single bidirectional mapping between wire-level
// message types and stored ones. SYSTEM messages are surfaced to clients as
// plain CHAT entries; everything else maps onto itself.
var wireMessageTypes = map[string]string{
	MessageTypeChat:   MessageTypeChat,
	MessageTypeJoin:   MessageTypeJoin,
	MessageTypeLeave:  MessageTypeLeave,
	MessageTypeFile:   MessageTypeFile,
	MessageTypeSystem: MessageTypeChat,
}

// MessageTypeFromWire normalises a client-supplied message type to its stored
// form. Unknown or empty values collapse to CHAT.
func MessageTypeFromWire(wire string) string {
	switch wire {
	case MessageTypeChat, MessageTypeJoin, MessageTypeLeave, MessageTypeFile:
		return wire
	}
	return MessageTypeChat
}

// MessageTypeToWire maps a stored message type to the value clients see.
func MessageTypeToWire(stored string) string {
	if wire, ok := wireMessageTypes[stored]; ok {
		return wire
	}
	return MessageTypeChat
}

// ChatRoom is a group or 1:1 conversation inside a workspace.
type ChatRoom struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	Name        string    `gorm:"size:100;not null" json:"name"`
	Description string    `gorm:"size:500" json:"description,omitempty"`
	WorkspaceID uint      `gorm:"index;not null" json:"workspace_id"`
	CreatorID   uint      `gorm:"index" json:"creator_id"`
	IsDirect    bool      `gorm:"not null;default:false" json:"is_direct"`
	// DirectKey is the canonical "workspace:minUser:maxUser" identity of a
	// direct room. The unique index makes concurrent direct-room resolution
	// converge on a single row.
	DirectKey *string   `gorm:"size:64;uniqueIndex" json:"-"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DirectKey builds the canonical identity for a direct room between two users
// in a workspace. The pair is unordered, so the smaller id always comes first.
func DirectKey(workspaceID, userA, userB uint) string {
	if userA > userB {
		userA, userB = userB, userA
	}
	return fmt.Sprintf("%d:%d:%d", workspaceID, userA, userB)
}

// ChatRoomMember is one (room, user) membership row. UserStatus mirrors
// User.Status so per-room presence reads avoid a join; the mirror is written
// in the same transaction as the source of truth.
type ChatRoomMember struct {
	ChatRoomID  uint       `gorm:"primaryKey" json:"chat_room_id"`
	UserID      uint       `gorm:"primaryKey;index" json:"user_id"`
	WorkspaceID uint       `gorm:"index" json:"workspace_id"`
	UserStatus  string     `gorm:"size:20;default:OFFLINE" json:"user_status"`
	JoinedAt    time.Time  `gorm:"autoCreateTime" json:"joined_at"`
	LastReadAt  *time.Time `json:"last_read_at,omitempty"`
}

// ChatMessage is the durable record of a routed chat event. EventID is the
// identifier stamped by the router and broadcast to subscribers, so the
// real-time event and the stored row stay correlated.
type ChatMessage struct {
	ID         uint           `gorm:"primaryKey" json:"id"`
	EventID    string         `gorm:"size:36;uniqueIndex" json:"event_id"`
	ChatRoomID uint           `gorm:"index;not null" json:"chat_room_id"`
	SenderID   uint           `gorm:"index;not null" json:"sender_id"`
	Content    string         `gorm:"type:text" json:"content"`
	Type       string         `gorm:"size:20;default:CHAT" json:"type"`
	FileInfo   datatypes.JSON `gorm:"type:json" json:"file_info,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}
