package dto

import (
	"encoding/json"
	"time"

	"github.com/wavechat/wavechat-api/internal/models"
)

// ClientFrame is the envelope every websocket client sends. Destination
// selects the operation, payload carries the operation body.
type ClientFrame struct {
	Destination string          `json:"destination"`
	Payload     json.RawMessage `json:"payload"`
}

// ServerFrame is the envelope pushed to websocket subscribers of a topic.
type ServerFrame struct {
	Topic   string      `json:"topic"`
	Event   string      `json:"event"`
	Payload interface{} `json:"payload"`
}

// Server frame event kinds.
const (
	EventMessage    = "message"
	EventTyping     = "typing"
	EventStatus     = "status"
	EventSystem     = "system"
	EventReassigned = "reassigned"
)

// SubscribeRequest registers or removes a topic subscription on a connection.
type SubscribeRequest struct {
	Topic string `json:"topic" validate:"required,min=1,max=128"`
}

// FileInfo describes the attachment carried by FILE messages. Upload storage
// is external; only the resulting metadata travels with the message.
type FileInfo struct {
	URL      string `json:"url" validate:"required,max=512"`
	Name     string `json:"name" validate:"required,max=255"`
	MimeType string `json:"mime_type" validate:"omitempty,max=128"`
	Size     int64  `json:"size" validate:"omitempty,min=0"`
}

// MessageEvent is the wire form of a chat message, inbound on
// chat.sendMessage and outbound on room topics. ID and Timestamp are
// server-assigned; client-supplied values are discarded by the router.
type MessageEvent struct {
	ID               string     `json:"id,omitempty"`
	ChatRoomID       uint       `json:"chat_room_id" validate:"required"`
	SenderID         uint       `json:"sender_id" validate:"required"`
	SenderName       string     `json:"sender_name,omitempty"`
	SenderProfileURL string     `json:"sender_profile_url,omitempty"`
	Content          string     `json:"content" validate:"omitempty,max=4000"`
	Type             string     `json:"type" validate:"omitempty,oneof=CHAT JOIN LEAVE SYSTEM FILE"`
	FileInfo         *FileInfo  `json:"file_info,omitempty"`
	Timestamp        *time.Time `json:"timestamp,omitempty"`
}

// TypingEvent is relayed to the room typing topic and never persisted.
type TypingEvent struct {
	ChatRoomID uint   `json:"chat_room_id" validate:"required"`
	SenderID   uint   `json:"sender_id" validate:"required"`
	Username   string `json:"username" validate:"omitempty,max=50"`
	Typing     bool   `json:"typing"`
}

// StatusChangeRequest updates a user's presence. The user is addressed by id
// or by username; chat.updateStatus frames from legacy clients also carry the
// room the change originated from.
type StatusChangeRequest struct {
	UserID     uint   `json:"user_id" validate:"omitempty"`
	Username   string `json:"username" validate:"omitempty,max=50"`
	Status     string `json:"status" validate:"required,oneof=ONLINE OFFLINE AWAY"`
	ChatRoomID uint   `json:"chat_room_id" validate:"omitempty"`
}

// StatusEvent is the payload broadcast to every room, workspace, and global
// status topic after a presence change.
type StatusEvent struct {
	UserID    uint      `json:"user_id"`
	Username  string    `json:"username"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// RoomReassignedNotice tells subscribers of the originally addressed topic
// that their message was routed to a resolved default room instead.
type RoomReassignedNotice struct {
	OriginalID  uint `json:"original_id"`
	ChatRoomID  uint `json:"chat_room_id"`
	WorkspaceID uint `json:"workspace_id"`
}

// CreateChatRoomRequest is the REST payload for creating a room.
type CreateChatRoomRequest struct {
	WorkspaceID uint   `json:"workspace_id" validate:"required"`
	Name        string `json:"name" validate:"omitempty,max=100"`
	Description string `json:"description" validate:"omitempty,max=500"`
	MemberIDs   []uint `json:"member_ids" validate:"omitempty,dive,required"`
	IsDirect    bool   `json:"is_direct"`
}

// RoomMemberResponse is one member row with the mirrored per-room status.
type RoomMemberResponse struct {
	UserID          uint   `json:"user_id"`
	Username        string `json:"username"`
	ProfileImageURL string `json:"profile_image_url,omitempty"`
	Status          string `json:"status"`
}

// LastMessageSummary is the newest message shown in room lists.
type LastMessageSummary struct {
	Content    string    `json:"content"`
	SenderID   uint      `json:"sender_id"`
	SenderName string    `json:"sender_name"`
	Timestamp  time.Time `json:"timestamp"`
}

// ChatRoomResponse is the serialized representation of a room.
type ChatRoomResponse struct {
	ID          uint                 `json:"id"`
	Name        string               `json:"name"`
	Description string               `json:"description,omitempty"`
	WorkspaceID uint                 `json:"workspace_id"`
	CreatorID   uint                 `json:"creator_id"`
	IsDirect    bool                 `json:"is_direct"`
	CreatedAt   time.Time            `json:"created_at"`
	UpdatedAt   time.Time            `json:"updated_at"`
	Members     []RoomMemberResponse `json:"members,omitempty"`
	LastMessage *LastMessageSummary  `json:"last_message,omitempty"`
	UnreadCount int64                `json:"unread_count"`
}

// NewChatRoomResponse converts a room model into a DTO.
func NewChatRoomResponse(room models.ChatRoom) ChatRoomResponse {
	return ChatRoomResponse{
		ID:          room.ID,
		Name:        room.Name,
		Description: room.Description,
		WorkspaceID: room.WorkspaceID,
		CreatorID:   room.CreatorID,
		IsDirect:    room.IsDirect,
		CreatedAt:   room.CreatedAt,
		UpdatedAt:   room.UpdatedAt,
	}
}

// MessageResponse is the serialized representation of a stored message.
type MessageResponse struct {
	ID               string     `json:"id"`
	ChatRoomID       uint       `json:"chat_room_id"`
	SenderID         uint       `json:"sender_id"`
	SenderName       string     `json:"sender_name,omitempty"`
	SenderProfileURL string     `json:"sender_profile_url,omitempty"`
	Content          string     `json:"content"`
	Type             string     `json:"type"`
	FileInfo         *FileInfo  `json:"file_info,omitempty"`
	Timestamp        time.Time  `json:"timestamp"`
	ReadAt           *time.Time `json:"read_at,omitempty"`
}

// NewMessageResponse converts a message model into its wire form, applying
// the stored-to-wire type mapping.
func NewMessageResponse(message models.ChatMessage) MessageResponse {
	response := MessageResponse{
		ID:         message.EventID,
		ChatRoomID: message.ChatRoomID,
		SenderID:   message.SenderID,
		Content:    message.Content,
		Type:       models.MessageTypeToWire(message.Type),
		Timestamp:  message.CreatedAt,
	}
	if len(message.FileInfo) > 0 {
		var info FileInfo
		if err := json.Unmarshal(message.FileInfo, &info); err == nil {
			response.FileInfo = &info
		}
	}
	return response
}

// PagedMessages is one page of room history, newest first.
type PagedMessages struct {
	Messages    []MessageResponse `json:"messages"`
	CurrentPage int               `json:"current_page"`
	TotalItems  int64             `json:"total_items"`
	TotalPages  int               `json:"total_pages"`
}

// UserStatusResponse reports the outcome of a presence update.
type UserStatusResponse struct {
	UserID      uint       `json:"user_id"`
	Username    string     `json:"username"`
	Status      string     `json:"status"`
	LastLoginAt *time.Time `json:"last_login_at,omitempty"`
	Changed     bool       `json:"changed"`
}
