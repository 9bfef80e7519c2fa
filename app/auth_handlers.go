package chatline

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/putto11262002/chatline/core"
	"github.com/putto11262002/chatline/pkg/router"
)

type AuthHandler struct {
	store core.AuthStore
}

func NewAuthHandler(store core.AuthStore) *AuthHandler {
	return &AuthHandler{store: store}
}

type SigninPayload struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

func (h *AuthHandler) SigninHandler(w http.ResponseWriter, r *http.Request) error {
	var payload SigninPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		return errInvalidInput
	}
	defer r.Body.Close()

	if err := validate.Struct(payload); err != nil {
		return validationError(err)
	}

	session, err := h.store.NewSession(r.Context(), payload.Username, payload.Password)
	if err != nil {
		return fmt.Errorf("NewSession: %w", err)
	}

	http.SetCookie(w, core.CookieFromSession(*session, true, "/"))
	return router.JSON(w, http.StatusOK, session)
}

func (h *AuthHandler) SignoutHandler(w http.ResponseWriter, r *http.Request) error {
	session := core.SessionFromRequest(r)
	if err := h.store.DestroySession(r.Context(), session); err != nil {
		return err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     core.AuthCookieName,
		Value:    "",
		Expires:  time.Unix(0, 0),
		HttpOnly: true,
		Path:     "/",
	})
	w.WriteHeader(http.StatusNoContent)
	return nil
}
