// Package domain contains entity without logic, just meta-data
package domain

import "errors"

const MaxUsernameLen = 72

var (
	ErrUsernameTooLong = errors.New("username too long")
	ErrUsernameEmpty   = errors.New("username empty")
	ErrUserIDEmpty     = errors.New("user id empty")
)

type UserID string

type User struct {
	ID         UserID `json:"id"`
	Username   string `json:"username"`
	AvatarLink string `json:"avatarLink,omitempty"`
}

// NewUser is a tiny helper to avoid ad-hoc struct literals in adapters.
func NewUser(id UserID, username string) (*User, error) {
	if id == "" {
		return nil, ErrUserIDEmpty
	}
	if len(username) == 0 {
		return nil, ErrUsernameEmpty
	}
	if len(username) > MaxUsernameLen {
		return nil, ErrUsernameTooLong
	}
	return &User{ID: id, Username: username}, nil
}
