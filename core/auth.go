package core

import (
	"context"
	"errors"
	"time"
)

type Session struct {
	Username  string    `json:"username"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

var (
	ErrBadCredentials  = errors.New("invalid credentials")
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrUnauthorized    = errors.New("unauthorized")
)

type AuthStore interface {
	// NewSession returns ErrBadCredentials if the username or password is wrong.
	NewSession(ctx context.Context, username, password string) (*Session, error)

	DestroySession(ctx context.Context, session Session) error

	// Session returns ErrUnauthenticated if the token is invalid, expired or revoked.
	Session(ctx context.Context, token string) (*Session, error)

	// PruneRevoked drops revocations of tokens that have expired anyway.
	PruneRevoked(ctx context.Context) (int64, error)
}
