package model

import "time"

// User is the persisted profile slice the presence core works with.
// Status is the stated preference, not necessarily what others see.
type User struct {
	ID            string    `json:"id"`
	DisplayName   string    `json:"display_name"`
	Status        Status    `json:"status"`
	CustomMessage string    `json:"custom_message,omitempty"`
	LastSeen      time.Time `json:"last_seen"`
	CreatedAt     time.Time `json:"created_at"`
}

// UserPublic is what other users receive; Status is the effective status.
type UserPublic struct {
	ID            string    `json:"id"`
	DisplayName   string    `json:"display_name"`
	Status        Status    `json:"status"`
	CustomMessage string    `json:"custom_message,omitempty"`
	LastSeen      time.Time `json:"last_seen"`
}

func (u *User) ToPublic(effective Status) UserPublic {
	return UserPublic{
		ID:            u.ID,
		DisplayName:   u.DisplayName,
		Status:        effective,
		CustomMessage: u.CustomMessage,
		LastSeen:      u.LastSeen,
	}
}
