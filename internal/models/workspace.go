package models

import "time"

// Workspace groups users and chat rooms. Workspace CRUD and role management
// live in the workspace service; the chat core reads these rows only.
type Workspace struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	Name        string    `gorm:"size:100;not null" json:"name"`
	Description string    `gorm:"size:500" json:"description,omitempty"`
	OwnerID     uint      `gorm:"index" json:"owner_id"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// WorkspaceMember links a user to a workspace. Presence propagation uses it to
// enumerate the workspace topics a status change must reach.
type WorkspaceMember struct {
	WorkspaceID uint      `gorm:"primaryKey" json:"workspace_id"`
	UserID      uint      `gorm:"primaryKey;index" json:"user_id"`
	Role        string    `gorm:"size:20;default:member" json:"role"`
	JoinedAt    time.Time `gorm:"autoCreateTime" json:"joined_at"`
}
