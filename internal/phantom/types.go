// Package phantom implements the Phantom AI NPC turn controller: admission
// (cooldown and per-session budget), the thinking phase state machine, and the
// clients for the external turn generation service.
package phantom

import (
	"context"
	"fmt"
)

// SessionKey identifies one client's session in a chat room. One controller
// exists per key, so two users in the same room never share cooldown or budget.
type SessionKey struct {
	WorldID string
	RoomID  string
	UserID  string
}

func (k SessionKey) String() string {
	return k.WorldID + "/" + k.RoomID + "/" + k.UserID
}

// Room is the room context sent to the generation service.
type Room struct {
	ID          string `json:"id"`
	WorldID     string `json:"world_id"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
}

// MessageContext is one recent chat message used as generation context.
type MessageContext struct {
	Content       string `json:"content"`
	CharacterName string `json:"characterName,omitempty"`
	CharacterID   string `json:"characterId,omitempty"`
	Type          string `json:"type,omitempty"`
}

// TurnRequest is a candidate chat event asking for an AI turn.
type TurnRequest struct {
	Message     string
	CharacterID string
	History     []MessageContext
	RoomName    string
	RoomDesc    string
}

// GenerateRequest is the payload of the external "generate NPC turn" call.
type GenerateRequest struct {
	Room               Room             `json:"room"`
	TriggerMessage     string           `json:"triggerMessage"`
	TriggerCharacterID string           `json:"triggerCharacterId"`
	MessageHistory     []MessageContext `json:"messageHistory"`
}

// GeneratedMessage is one in-character message produced by the generation service.
type GeneratedMessage struct {
	Content       string `json:"content"`
	CharacterName string `json:"characterName,omitempty"`
	CharacterID   string `json:"characterId,omitempty"`
	DelayMs       int    `json:"delay,omitempty"`
}

// TurnResult is the generation service's answer.
type TurnResult struct {
	ShouldRespond bool               `json:"shouldRespond"`
	Responses     []GeneratedMessage `json:"responses,omitempty"`
	Reason        string             `json:"reason,omitempty"`
}

// FirstContent returns the content of the first generated message, if the AI intends to respond.
func (r *TurnResult) FirstContent() (string, bool) {
	if r == nil || !r.ShouldRespond || len(r.Responses) == 0 {
		return "", false
	}
	return r.Responses[0].Content, true
}

// Generator requests an AI NPC turn from the external generation service.
type Generator interface {
	Generate(ctx context.Context, req GenerateRequest) (*TurnResult, error)
}

// UpstreamError reports a failure of the generation service.
type UpstreamError struct {
	StatusCode int // transport status when known, 0 otherwise
	Message    string
	Err        error
}

func (e *UpstreamError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("generation service returned status %d", e.StatusCode)
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}
