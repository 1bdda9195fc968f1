package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestValidateRoundTrip(t *testing.T) {
	v := NewJWTValidator("test-secret")
	token, err := v.Sign(jwt.RegisteredClaims{
		Subject:   "user-1",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}, false)
	if err != nil {
		t.Fatal(err)
	}

	ident, err := v.Validate(token)
	if err != nil {
		t.Fatal(err)
	}
	if ident.UserID != "user-1" {
		t.Errorf("UserID = %q, want user-1", ident.UserID)
	}
	if ident.Admin {
		t.Error("Admin = true, want false")
	}
}

func TestValidateAdminClaim(t *testing.T) {
	v := NewJWTValidator("test-secret")
	token, _ := v.Sign(jwt.RegisteredClaims{
		Subject:   "root",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}, true)

	ident, err := v.Validate(token)
	if err != nil {
		t.Fatal(err)
	}
	if !ident.Admin {
		t.Error("Admin = false, want true")
	}
}

func TestValidateRejections(t *testing.T) {
	v := NewJWTValidator("test-secret")
	other := NewJWTValidator("other-secret")

	expired, _ := v.Sign(jwt.RegisteredClaims{
		Subject:   "user-1",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
	}, false)
	wrongKey, _ := other.Sign(jwt.RegisteredClaims{
		Subject:   "user-1",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}, false)
	noSubject, _ := v.Sign(jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}, false)

	tests := []struct {
		name  string
		token string
	}{
		{"empty", ""},
		{"garbage", "not.a.jwt"},
		{"expired", expired},
		{"wrong key", wrongKey},
		{"no subject", noSubject},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := v.Validate(tt.token); !errors.Is(err, ErrInvalidToken) {
				t.Errorf("err = %v, want ErrInvalidToken", err)
			}
		})
	}
}
