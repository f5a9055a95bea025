// Package identity provides per-device user identity primitives.
package identity

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/ashureev/phantom/internal/domain"
	"github.com/ashureev/phantom/internal/store"
)

const (
	AnonCookieName   = "phantom_anon_id"
	UserIDHeaderName = "X-User-ID"
	anonCookieMaxAge = 30 * 24 * time.Hour
)

type contextKey int

const (
	userIDKey contextKey = iota
	usernameKey
	forwardedKey
)

var (
	anonIDPattern = regexp.MustCompile(`^anon_[a-f0-9]{32}$`)
	userIDPattern = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,128}$`)
)

// UserIDFromContext extracts the user ID from the request context.
func UserIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(userIDKey).(string); ok {
		return v
	}
	return ""
}

// UsernameFromContext extracts the username from the request context.
func UsernameFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(usernameKey).(string); ok {
		return v
	}
	return ""
}

// IsForwarded reports whether the caller's identity came from the gateway's
// X-User-ID header rather than an anonymous device cookie.
func IsForwarded(ctx context.Context) bool {
	v, _ := ctx.Value(forwardedKey).(bool)
	return v
}

// WithForwardedUserID is WithUserID for identities asserted by the gateway.
func WithForwardedUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(WithUserID(ctx, userID), forwardedKey, true)
}

// WithUserID returns a copy of ctx carrying userID. Intended for tests and internal callers.
func WithUserID(ctx context.Context, userID string) context.Context {
	ctx = context.WithValue(ctx, userIDKey, userID)
	return context.WithValue(ctx, usernameKey, deriveUsername(userID))
}

func generateAnonID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate anonymous id: %w", err)
	}
	return "anon_" + hex.EncodeToString(buf), nil
}

func isValidAnonID(id string) bool {
	return anonIDPattern.MatchString(id)
}

func deriveUsername(userID string) string {
	if len(userID) > 13 {
		return "anon-" + userID[len(userID)-8:]
	}
	return "anon-user"
}

// ensureProfile creates a profile for first-seen users. New profiles start
// flagged as minors; only an accepted age verification clears the flag.
func ensureProfile(ctx context.Context, repo store.Repository, userID string) error {
	profile, err := repo.GetProfile(ctx, userID)
	if err != nil {
		return err
	}
	if profile != nil {
		return nil
	}

	now := time.Now()
	return repo.UpsertProfile(ctx, &domain.Profile{
		UserID:    userID,
		Username:  deriveUsername(userID),
		IsMinor:   true,
		CreatedAt: now,
		UpdatedAt: now,
	})
}

func setAnonCookie(w http.ResponseWriter, id string, isDev bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     AnonCookieName,
		Value:    id,
		Path:     "/",
		MaxAge:   int(anonCookieMaxAge.Seconds()),
		Expires:  time.Now().Add(anonCookieMaxAge),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   !isDev,
	})
}

func getOrCreateAnonID(w http.ResponseWriter, r *http.Request, isDev bool) (string, error) {
	if c, err := r.Cookie(AnonCookieName); err == nil && isValidAnonID(c.Value) {
		setAnonCookie(w, c.Value, isDev)
		return c.Value, nil
	}

	id, err := generateAnonID()
	if err != nil {
		return "", err
	}
	setAnonCookie(w, id, isDev)
	return id, nil
}

// userIDFromHeader returns a platform-assigned user ID forwarded by the gateway, if valid.
func userIDFromHeader(r *http.Request) string {
	id := strings.TrimSpace(r.Header.Get(UserIDHeaderName))
	if id == "" || !userIDPattern.MatchString(id) {
		return ""
	}
	return id
}

// Middleware injects the caller's user identity. A valid X-User-ID header wins;
// otherwise an anonymous per-device cookie identity is issued.
func Middleware(repo store.Repository, isDev bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := userIDFromHeader(r)
			forwarded := userID != ""
			if !forwarded {
				var err error
				userID, err = getOrCreateAnonID(w, r, isDev)
				if err != nil {
					http.Error(w, `{"error":"failed to establish anonymous identity"}`, http.StatusInternalServerError)
					return
				}
			}

			if err := ensureProfile(r.Context(), repo, userID); err != nil {
				http.Error(w, `{"error":"failed to initialize user profile"}`, http.StatusInternalServerError)
				return
			}

			var ctx context.Context
			if forwarded {
				ctx = WithForwardedUserID(r.Context(), userID)
			} else {
				ctx = WithUserID(r.Context(), userID)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// IPFromRequest returns a normalized remote IP for rate limiting and tracing.
func IPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
