package core

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

type SQLiteAuthStore struct {
	tokenExp  time.Duration
	secret    []byte
	userStore UserStore
	db        *sql.DB
	now       func() time.Time
}

type AuthOption func(*SQLiteAuthStore)

func WithTokenExp(exp time.Duration) AuthOption {
	return func(a *SQLiteAuthStore) {
		if exp > 0 {
			a.tokenExp = exp
		}
	}
}

func NewSQLiteAuthStore(db *sql.DB, userStore UserStore, secret []byte, opts ...AuthOption) *SQLiteAuthStore {
	auth := &SQLiteAuthStore{
		tokenExp:  time.Hour * 24,
		secret:    secret,
		userStore: userStore,
		db:        db,
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(auth)
	}
	return auth
}

func (a *SQLiteAuthStore) NewSession(ctx context.Context, username, password string) (*Session, error) {
	ok, err := a.userStore.ComparePassword(ctx, username, password)
	if err != nil {
		return nil, fmt.Errorf("ComparePassword: %w", err)
	}
	if !ok {
		return nil, ErrBadCredentials
	}
	user, err := a.userStore.GetUserByUsername(ctx, username)
	if err != nil {
		return nil, fmt.Errorf("GetUserByUsername: %w", err)
	}
	if user == nil {
		return nil, ErrBadCredentials
	}

	token, claims, err := IssueToken(*user, a.tokenExp, a.secret)
	if err != nil {
		return nil, err
	}
	return &Session{Username: user.Username, Token: token, ExpiresAt: claims.Expiry()}, nil
}

// DestroySession revokes the token of the session until it expires.
// A token that no longer verifies cannot be used anyway and is ignored.
func (a *SQLiteAuthStore) DestroySession(ctx context.Context, session Session) error {
	claims, err := ParseToken(session.Token, a.secret)
	if err != nil {
		return nil
	}
	_, err = a.db.ExecContext(ctx,
		`INSERT INTO revoked_sessions (jti, expires_at) VALUES (@jti, @expires_at) ON CONFLICT DO NOTHING`,
		sql.Named("jti", claims.ID), sql.Named("expires_at", claims.Expiry().UTC()))
	if err != nil {
		return fmt.Errorf("ExecContext(revoke): %w", err)
	}
	return nil
}

func (a *SQLiteAuthStore) isRevoked(ctx context.Context, jti string) (bool, error) {
	var count int
	err := a.db.QueryRowContext(ctx,
		`SELECT count(*) FROM revoked_sessions WHERE jti = @jti`, sql.Named("jti", jti)).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("QueryRowContext(revoked): %w", err)
	}
	return count > 0, nil
}

// PruneRevoked forgets revocations of tokens that have expired since,
// returning how many were removed.
func (a *SQLiteAuthStore) PruneRevoked(ctx context.Context) (int64, error) {
	res, err := a.db.ExecContext(ctx,
		`DELETE FROM revoked_sessions WHERE expires_at <= @now`, sql.Named("now", a.now()))
	if err != nil {
		return 0, fmt.Errorf("ExecContext(prune): %w", err)
	}
	return res.RowsAffected()
}

func (a *SQLiteAuthStore) Session(ctx context.Context, token string) (*Session, error) {
	claims, err := ParseToken(token, a.secret)
	if errors.Is(err, ErrTokenExpired) || errors.Is(err, ErrTokenInvalid) {
		return nil, ErrUnauthenticated
	}
	if err != nil {
		return nil, err
	}

	revoked, err := a.isRevoked(ctx, claims.ID)
	if err != nil {
		return nil, err
	}
	if revoked {
		return nil, ErrUnauthenticated
	}
	return &Session{Username: claims.Username(), Token: token, ExpiresAt: claims.Expiry()}, nil
}
