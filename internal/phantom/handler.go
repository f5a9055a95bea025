package phantom

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/ashureev/phantom/internal/api"
	"github.com/ashureev/phantom/internal/identity"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
)

// defaultMaxRequestBodySize bounds turn requests, history included (1MB).
const defaultMaxRequestBodySize = 1 << 20

// maxHistory caps the context forwarded to the generation service.
const maxHistory = 50

// Handler exposes the room AI controllers over HTTP.
type Handler struct {
	registry *Registry
}

// NewHandler creates a new phantom handler.
func NewHandler(registry *Registry) *Handler {
	return &Handler{registry: registry}
}

type turnRequestBody struct {
	Message        string           `json:"message"`
	CharacterID    string           `json:"characterId"`
	MessageHistory []MessageContext `json:"messageHistory"`
	Room           struct {
		Name        string `json:"name"`
		Description string `json:"description"`
	} `json:"room"`
}

type turnResponseBody struct {
	Status string      `json:"status"`
	Result *TurnResult `json:"result,omitempty"`
	Reason string      `json:"reason,omitempty"`
}

// RegisterRoutes registers phantom routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api/worlds/{worldID}/rooms/{roomID}/phantom", func(r chi.Router) {
		r.Post("/turn", h.HandleTurn)
		r.Get("/state", h.HandleState)
	})
	r.Get("/ws/worlds/{worldID}/rooms/{roomID}/phantom", h.HandlePhaseStream)
}

// sessionKeyFromRequest scopes the controller to the caller, so each client in
// a room gets its own cooldown and budget.
func sessionKeyFromRequest(r *http.Request) (SessionKey, bool) {
	key := SessionKey{
		WorldID: strings.TrimSpace(chi.URLParam(r, "worldID")),
		RoomID:  strings.TrimSpace(chi.URLParam(r, "roomID")),
		UserID:  identity.UserIDFromContext(r.Context()),
	}
	return key, key.WorldID != "" && key.RoomID != ""
}

// HandleTurn handles POST /api/worlds/{worldID}/rooms/{roomID}/phantom/turn.
func (h *Handler) HandleTurn(w http.ResponseWriter, r *http.Request) {
	key, ok := sessionKeyFromRequest(r)
	if !ok {
		api.Error(w, http.StatusBadRequest, "world and room are required")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, defaultMaxRequestBodySize)
	var body turnRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			api.Error(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		api.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(body.Message) == "" {
		api.Error(w, http.StatusBadRequest, "message is required")
		return
	}

	history := body.MessageHistory
	if len(history) > maxHistory {
		history = history[len(history)-maxHistory:]
	}

	slog.Info("Phantom turn request",
		"user_id", key.UserID,
		"world_id", key.WorldID,
		"room_id", key.RoomID,
		"character_id", body.CharacterID,
		"message_length", len(body.Message),
		"request_id", chiMiddleware.GetReqID(r.Context()),
	)

	out := h.registry.Get(key).RequestTurn(r.Context(), TurnRequest{
		Message:     body.Message,
		CharacterID: body.CharacterID,
		History:     history,
		RoomName:    body.Room.Name,
		RoomDesc:    body.Room.Description,
	})

	switch out.Status {
	case OutcomeNoop:
		w.WriteHeader(http.StatusNoContent)
	case OutcomeSuccess:
		api.JSON(w, http.StatusOK, turnResponseBody{Status: out.Status.String(), Result: out.Result})
	default:
		api.JSON(w, failureStatus(out), turnResponseBody{Status: out.Status.String(), Reason: out.Reason})
	}
}

func failureStatus(out Outcome) int {
	switch {
	case errors.Is(out.Err, ErrSessionBudgetExceeded):
		return http.StatusTooManyRequests
	case errors.Is(out.Err, ErrEmptyMessage):
		return http.StatusBadRequest
	case errors.Is(out.Err, ErrControllerClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}

// HandleState handles GET /api/worlds/{worldID}/rooms/{roomID}/phantom/state.
func (h *Handler) HandleState(w http.ResponseWriter, r *http.Request) {
	key, ok := sessionKeyFromRequest(r)
	if !ok {
		api.Error(w, http.StatusBadRequest, "world and room are required")
		return
	}

	state := State{}
	if c, exists := h.registry.Lookup(key); exists {
		state = c.State()
	}
	api.JSON(w, http.StatusOK, state)
}
