package domain

import (
	"time"
)

// PhantomTurn is the audit record of one admitted AI NPC turn.
type PhantomTurn struct {
	ID            string
	WorldID       string
	RoomID        string
	UserID        string
	CharacterID   string
	MessageLength int
	ShouldRespond bool
	ResponseCount int
	Error         string
	Duration      time.Duration
	CreatedAt     time.Time
}

// Failed reports whether the generation call behind the turn failed.
func (t *PhantomTurn) Failed() bool {
	return t.Error != ""
}
