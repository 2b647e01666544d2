package auth

import (
	"errors"
	"net/http"
	"strings"
)

var (
	// ErrMissingSessionToken indicates no bearer token was supplied.
	ErrMissingSessionToken = errors.New("session validator: token required")
	// ErrInvalidSessionToken indicates the token failed signature or claim checks.
	ErrInvalidSessionToken = errors.New("session validator: invalid token")
)

// Session is the identity the rest of the core trusts: an opaque user id
// plus a display name for message attribution.
type Session struct {
	UserID      string
	DisplayName string
}

// SessionValidator resolves a Session from an HTTP request, playing the role
// of the external auth collaborator's getSession call.
type SessionValidator struct {
	issuer *TokenIssuer
}

// NewSessionValidator constructs a validator backed by the shared token issuer.
func NewSessionValidator(issuer *TokenIssuer) *SessionValidator {
	return &SessionValidator{issuer: issuer}
}

// ValidateToken validates a bearer token string and returns the session.
func (v *SessionValidator) ValidateToken(tokenString string) (Session, error) {
	token := strings.TrimSpace(tokenString)
	if token == "" {
		return Session{}, ErrMissingSessionToken
	}
	claims, err := v.issuer.ValidateToken(token)
	if err != nil {
		return Session{}, errors.Join(ErrInvalidSessionToken, err)
	}
	return Session{UserID: claims.Subject, DisplayName: claims.DisplayName}, nil
}

// ValidateRequest extracts the Authorization header and validates it.
func (v *SessionValidator) ValidateRequest(r *http.Request) (Session, error) {
	if r == nil {
		return Session{}, ErrMissingSessionToken
	}
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return Session{}, ErrMissingSessionToken
	}
	return v.ValidateToken(strings.TrimPrefix(header, "Bearer "))
}
