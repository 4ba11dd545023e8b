package auth

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultTTL is how long issued tokens stay valid.
const DefaultTTL = 7 * 24 * time.Hour

// IssueToken signs an HS256 token for subject.
func IssueToken(secret, audience, subject string, ttl time.Duration, now time.Time) (string, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return "", errMissingSecret
	}
	if subject == "" {
		return "", errors.New("subject required")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	if audience = strings.TrimSpace(audience); audience != "" {
		claims.Audience = jwt.ClaimStrings{audience}
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
