package models

import "time"

// User statuses recognised by presence propagation.
const (
	StatusOnline  = "ONLINE"
	StatusOffline = "OFFLINE"
	StatusAway    = "AWAY"
)

// ValidStatus reports whether the given presence status is one of the known values.
func ValidStatus(status string) bool {
	switch status {
	case StatusOnline, StatusOffline, StatusAway:
		return true
	}
	return false
}

// User represents a chat participant. Accounts are created and verified by the
// auth service; this core only reads identity fields and owns the status column.
type User struct {
	ID              uint       `gorm:"primaryKey" json:"id"`
	Username        string     `gorm:"size:50;uniqueIndex;not null" json:"username"`
	Email           string     `gorm:"size:100;uniqueIndex" json:"email,omitempty"`
	Status          string     `gorm:"size:20;default:OFFLINE" json:"status"`
	ProfileImageURL string     `gorm:"size:512" json:"profile_image_url,omitempty"`
	LastLoginAt     *time.Time `json:"last_login_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}
