package auth

import (
	"context"
	"errors"
	"net/http"
	"os"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

type contextKey string

const userIDKey contextKey = "authUserID"

// QueryParam carries the token for clients that cannot set headers, such as
// browser websockets.
const QueryParam = "token"

var (
	errMissingSecret  = errors.New("missing JWT secret")
	errInvalidToken   = errors.New("invalid token")
	errInvalidAud     = errors.New("invalid audience")
	errMissingSubject = errors.New("missing subject")
)

// GetUserID retrieves the authenticated subject from context.
func GetUserID(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	if value, ok := ctx.Value(userIDKey).(string); ok && value != "" {
		return value, true
	}
	return "", false
}

// WithUserID returns a context carrying subject as the authenticated user.
func WithUserID(ctx context.Context, subject string) context.Context {
	return context.WithValue(ctx, userIDKey, subject)
}

// JWTMiddleware validates bearer tokens and injects user identity.
func JWTMiddleware(secret, audience string) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString, err := extractBearerToken(c.Request.Header.Get("Authorization"))
		if err != nil {
			unauthorized(c, err.Error())
			return
		}

		subject, err := ParseSubject(secret, audience, tokenString)
		if err != nil {
			unauthorized(c, err.Error())
			return
		}

		c.Request = c.Request.WithContext(WithUserID(c.Request.Context(), subject))
		c.Set(string(userIDKey), subject)

		c.Next()
	}
}

// OptionalSubject returns the subject of the request's token, taken from the
// Authorization header or the token query parameter. Requests without a
// valid token yield an empty subject.
func OptionalSubject(r *http.Request, secret, audience string) string {
	tokenString, err := extractBearerToken(r.Header.Get("Authorization"))
	if err != nil {
		tokenString = strings.TrimSpace(r.URL.Query().Get(QueryParam))
	}
	if tokenString == "" {
		return ""
	}
	subject, err := ParseSubject(secret, audience, tokenString)
	if err != nil {
		return ""
	}
	return subject
}

// ParseSubject validates an HMAC signed token and returns its subject. Empty
// secret and audience fall back to JWT_SECRET and JWT_AUDIENCE.
func ParseSubject(secret, audience, tokenString string) (string, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		secret = strings.TrimSpace(os.Getenv("JWT_SECRET"))
	}
	if secret == "" {
		return "", errMissingSecret
	}

	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(secret), nil
	})
	if err != nil || !token.Valid {
		return "", errInvalidToken
	}

	audience = strings.TrimSpace(audience)
	if audience == "" {
		audience = strings.TrimSpace(os.Getenv("JWT_AUDIENCE"))
	}
	if audience != "" && !containsAudience(claims.Audience, audience) {
		return "", errInvalidAud
	}

	if claims.Subject == "" {
		return "", errMissingSubject
	}
	return claims.Subject, nil
}

func extractBearerToken(header string) (string, error) {
	if header == "" {
		return "", errors.New("authorization header required")
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", errors.New("invalid authorization header")
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", errors.New("token missing")
	}
	return token, nil
}

func unauthorized(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"success": false, "message": message})
}

func containsAudience(claims jwt.ClaimStrings, expected string) bool {
	for _, aud := range claims {
		if aud == expected {
			return true
		}
	}
	return false
}
