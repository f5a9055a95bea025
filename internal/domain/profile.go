// Package domain contains core domain types for the phantom server.
package domain

import (
	"time"
)

// Profile is the base account profile of a platform user.
type Profile struct {
	UserID    string    `json:"user_id"`
	Username  string    `json:"username"`
	IsMinor   bool      `json:"is_minor"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
