// Package auth verifies the identity tokens issued by the account service.
// The relay only consumes tokens; it never mints them.
package auth

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"chatrelay/internal/domain"
)

// CookieName is where the account service leaves the signed token.
const CookieName = "authToken"

var ErrInvalidToken = errors.New("invalid auth token")

// Identity is the verified result of decoding a token.
type Identity struct {
	ID        domain.UserID
	FirstName string
	LastName  string
}

func (i Identity) DisplayName() string {
	return i.FirstName + " " + i.LastName
}

// User converts the identity into the domain user the registry stores.
func (i Identity) User() (*domain.User, error) {
	return domain.NewUser(i.ID, i.DisplayName())
}

type claims struct {
	ID        string `json:"_id"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	jwt.RegisteredClaims
}

type Verifier struct {
	secret []byte
}

func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// Verify checks the token's HMAC signature and returns the identity it
// carries. Any failure, including an unexpected signing method, yields
// ErrInvalidToken.
func (v *Verifier) Verify(token string) (*Identity, error) {
	var c claims
	_, err := jwt.ParseWithClaims(token, &c, func(t *jwt.Token) (any, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if c.ID == "" {
		return nil, fmt.Errorf("%w: missing subject id", ErrInvalidToken)
	}
	return &Identity{
		ID:        domain.UserID(c.ID),
		FirstName: c.FirstName,
		LastName:  c.LastName,
	}, nil
}
