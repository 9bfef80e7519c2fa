package core

import (
	"context"
	"errors"
)

type User struct {
	Name     string `json:"name" validate:"required,max=64"`
	Username string `json:"username" validate:"required,alphanum,min=3,max=32"`
	Password string `json:"password" validate:"required,min=8,max=72"`
}

func (u *User) Validate() error {
	return validate.Struct(u)
}

type UserWithoutSecrets struct {
	Name     string `json:"name"`
	Username string `json:"username"`
}

var (
	ErrConflictedUser = errors.New("user already exists")
)

type GetUsersOptions struct {
	Limit  int
	Offset int
	// Q filters users whose username starts with it.
	Q string
}

type UserStore interface {
	CreateUser(ctx context.Context, user User) error

	// GetUserByUsername returns nil if the user does not exist.
	GetUserByUsername(ctx context.Context, username string) (*UserWithoutSecrets, error)

	// GetUsersByUsernames returns the users that exist among usernames.
	GetUsersByUsernames(ctx context.Context, usernames ...string) ([]UserWithoutSecrets, error)

	ComparePassword(ctx context.Context, username, password string) (bool, error)

	GetUsers(ctx context.Context, opts *GetUsersOptions) ([]UserWithoutSecrets, error)
}
