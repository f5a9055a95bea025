package verification

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ashureev/phantom/internal/api"
	"github.com/ashureev/phantom/internal/domain"
	"github.com/ashureev/phantom/internal/identity"
	"github.com/ashureev/phantom/internal/middleware"
	"github.com/go-chi/chi/v5"
)

const defaultMaxBodyBytes = 20 << 20

// StatusReader reads the persisted verification state of a user.
type StatusReader interface {
	GetVerification(ctx context.Context, userID string) (*domain.AgeVerification, error)
	GetProfile(ctx context.Context, userID string) (*domain.Profile, error)
}

// Handler serves the verify-age function and the verification status endpoint.
type Handler struct {
	policy       *Policy
	status       StatusReader
	limiter      *middleware.RateLimiter
	maxBodyBytes int64
	now          func() time.Time
}

// NewHandler creates a verification handler. A nil limiter disables rate limiting.
func NewHandler(policy *Policy, status StatusReader, limiter *middleware.RateLimiter, maxBodyBytes int64) *Handler {
	if maxBodyBytes <= 0 {
		maxBodyBytes = defaultMaxBodyBytes
	}
	return &Handler{
		policy:       policy,
		status:       status,
		limiter:      limiter,
		maxBodyBytes: maxBodyBytes,
		now:          time.Now,
	}
}

type verifyRequestBody struct {
	SelfieBase64 string `json:"selfieBase64"`
	IDBase64     string `json:"idBase64"`
	UserID       string `json:"userId"`
}

type verifyResponseBody struct {
	Verified   bool   `json:"verified"`
	Reason     string `json:"reason"`
	Confidence string `json:"confidence,omitempty"`
}

type statusResponseBody struct {
	Status     string     `json:"status"`
	VerifiedAt *time.Time `json:"verifiedAt"`
	ExpiresAt  *time.Time `json:"expiresAt"`
	IsMinor    bool       `json:"isMinor"`
}

// RegisterRoutes registers verification routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		if h.limiter != nil {
			r.Use(middleware.RateLimit(h.limiter, rateKey, func(w http.ResponseWriter, _ *http.Request) {
				writeVerify(w, http.StatusTooManyRequests, verifyResponseBody{Reason: ReasonRateLimited})
			}))
		}
		r.Post("/api/verify-age", h.HandleVerify)
	})
	r.Get("/api/verification/status", h.HandleStatus)
}

// rateKey limits forwarded users by ID and everyone else by IP, since
// anonymous cookies can be discarded at will.
func rateKey(r *http.Request) string {
	if identity.IsForwarded(r.Context()) {
		return identity.UserIDFromContext(r.Context())
	}
	return identity.IPFromRequest(r)
}

// HandleVerify handles POST /api/verify-age.
func (h *Handler) HandleVerify(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodyBytes)
	var body verifyRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeVerify(w, http.StatusRequestEntityTooLarge, verifyResponseBody{Reason: "images too large"})
			return
		}
		writeVerify(w, http.StatusBadRequest, verifyResponseBody{Reason: "invalid request body"})
		return
	}

	// A gateway-authenticated caller may only verify itself. Anonymous device
	// identities carry no such claim, so the body's userId is taken as given.
	caller := identity.UserIDFromContext(r.Context())
	if identity.IsForwarded(r.Context()) && body.UserID != "" && strings.TrimSpace(body.UserID) != caller {
		slog.Warn("Age verification user mismatch", "user_id", caller)
		writeVerify(w, http.StatusForbidden, verifyResponseBody{Reason: "cannot verify another user"})
		return
	}

	result, err := h.policy.Verify(r.Context(), Request{
		SelfieBase64: body.SelfieBase64,
		IDBase64:     body.IDBase64,
		UserID:       body.UserID,
	})
	if err != nil {
		var verr *Error
		if !errors.As(err, &verr) {
			slog.Error("Age verification failed unexpectedly", "error", err, "user_id", caller)
			writeVerify(w, http.StatusInternalServerError, verifyResponseBody{Reason: "internal error"})
			return
		}
		writeVerify(w, verr.Kind.HTTPStatus(), verifyResponseBody{
			Reason:     verr.Reason,
			Confidence: string(verr.Confidence),
		})
		return
	}

	writeVerify(w, http.StatusOK, verifyResponseBody{
		Verified:   result.Verified,
		Reason:     result.Reason,
		Confidence: string(result.Confidence),
	})
}

func writeVerify(w http.ResponseWriter, status int, body verifyResponseBody) {
	api.JSON(w, status, body)
}

// HandleStatus handles GET /api/verification/status for the calling user.
func (h *Handler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		api.Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	profile, err := h.status.GetProfile(r.Context(), userID)
	if err != nil {
		slog.Error("Failed to load profile", "error", err, "user_id", userID)
		api.Error(w, http.StatusInternalServerError, "failed to load verification status")
		return
	}
	rec, err := h.status.GetVerification(r.Context(), userID)
	if err != nil {
		slog.Error("Failed to load age verification", "error", err, "user_id", userID)
		api.Error(w, http.StatusInternalServerError, "failed to load verification status")
		return
	}

	resp := statusResponseBody{Status: "unverified", IsMinor: profile == nil || profile.IsMinor}
	if rec != nil {
		resp.Status = rec.Status
		if rec.Status == domain.VerificationStatusVerified && !rec.IsActive(h.now()) {
			resp.Status = domain.VerificationStatusExpired
		}
		resp.VerifiedAt = &rec.VerifiedAt
		resp.ExpiresAt = &rec.ExpiresAt
	}
	api.JSON(w, http.StatusOK, resp)
}
