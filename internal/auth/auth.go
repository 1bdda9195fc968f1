package auth

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken covers every authentication failure: missing, malformed,
// badly signed, or expired tokens. Callers must not distinguish the cases
// to the client.
var ErrInvalidToken = errors.New("invalid token")

// Identity is the authenticated principal extracted from a token.
type Identity struct {
	UserID string
	Admin  bool
}

// Validator checks bearer tokens for the HTTP API and the WebSocket
// handshake.
type Validator interface {
	Validate(token string) (*Identity, error)
}

type claims struct {
	Admin bool `json:"admin,omitempty"`
	jwt.RegisteredClaims
}

// JWTValidator validates HS256 tokens signed with a shared secret.
type JWTValidator struct {
	secret []byte
}

// NewJWTValidator creates a validator for the given signing secret.
func NewJWTValidator(secret string) *JWTValidator {
	return &JWTValidator{secret: []byte(secret)}
}

// Validate parses and verifies the token and returns its identity.
// Expiry and not-before are enforced by the parser.
func (v *JWTValidator) Validate(token string) (*Identity, error) {
	if token == "" {
		return nil, ErrInvalidToken
	}
	var c claims
	parsed, err := jwt.ParseWithClaims(token, &c, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %q", t.Method.Alg())
		}
		return v.secret, nil
	})
	if err != nil || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if c.Subject == "" {
		return nil, ErrInvalidToken
	}
	return &Identity{UserID: c.Subject, Admin: c.Admin}, nil
}

// Sign issues a token for tests and local tooling.
func (v *JWTValidator) Sign(c jwt.RegisteredClaims, admin bool) (string, error) {
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{Admin: admin, RegisteredClaims: c})
	return tok.SignedString(v.secret)
}
