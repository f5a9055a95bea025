package domain

import (
	"time"
)

// Verification statuses.
const (
	VerificationStatusVerified = "verified"
	VerificationStatusExpired  = "expired"
)

// AgeVerification is the persisted outcome of an accepted age check.
// There is at most one record per user.
type AgeVerification struct {
	UserID     string    `json:"user_id"`
	Status     string    `json:"status"`
	VerifiedAt time.Time `json:"verified_at"`
	ExpiresAt  time.Time `json:"expires_at"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// NewAgeVerification builds a verified record valid for one calendar year from verifiedAt.
func NewAgeVerification(userID string, verifiedAt time.Time) *AgeVerification {
	return &AgeVerification{
		UserID:     userID,
		Status:     VerificationStatusVerified,
		VerifiedAt: verifiedAt,
		ExpiresAt:  verifiedAt.AddDate(1, 0, 0),
		CreatedAt:  verifiedAt,
		UpdatedAt:  verifiedAt,
	}
}

// IsActive reports whether the record is verified and not yet expired at now.
func (v *AgeVerification) IsActive(now time.Time) bool {
	return v.Status == VerificationStatusVerified && now.Before(v.ExpiresAt)
}
