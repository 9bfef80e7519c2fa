package core

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrMissingIdentity is returned when a connection does not carry a user identifier.
	ErrMissingIdentity = errors.New("missing user identifier")
	// ErrUnresolvedIdentity is returned when the claimed user identifier does not resolve to a user.
	ErrUnresolvedIdentity = errors.New("unresolved user identifier")
)

type Authenticator interface {
	// Authenticate returns the user identifier claimed by the request.
	// It returns ErrMissingIdentity when the request does not carry one.
	// Authenticate should be safe to be called concurrently.
	Authenticate(r *http.Request) (string, error)
}

// QueryAuthenticator takes the user identifier from a query parameter.
// It does not verify the claim; the gateway still resolves the identifier
// against the user store.
type QueryAuthenticator struct {
	Param string
}

func NewQueryAuthenticator(param string) *QueryAuthenticator {
	if param == "" {
		param = "userId"
	}
	return &QueryAuthenticator{Param: param}
}

func (a *QueryAuthenticator) Authenticate(r *http.Request) (string, error) {
	id := r.URL.Query().Get(a.Param)
	if id == "" {
		return "", ErrMissingIdentity
	}
	return id, nil
}

// TokenAuthenticator takes the user identifier from a session token found
// in the Authorization header, the auth cookie or the token query parameter.
// Browsers cannot set headers on a WebSocket handshake, hence the query parameter.
type TokenAuthenticator struct {
	authStore AuthStore
}

func NewTokenAuthenticator(authStore AuthStore) *TokenAuthenticator {
	return &TokenAuthenticator{authStore: authStore}
}

func (a *TokenAuthenticator) Authenticate(r *http.Request) (string, error) {
	token := tokenFromRequest(r)
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	if token == "" {
		return "", ErrMissingIdentity
	}
	session, err := a.authStore.Session(r.Context(), token)
	if err != nil {
		if errors.Is(err, ErrUnauthenticated) {
			return "", ErrUnresolvedIdentity
		}
		return "", fmt.Errorf("Session: %w", err)
	}
	return session.Username, nil
}
