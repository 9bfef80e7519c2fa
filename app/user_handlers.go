package chatline

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/putto11262002/chatline/core"
	"github.com/putto11262002/chatline/pkg/router"
)

type UserHandler struct {
	store core.UserStore
}

func NewUserHandler(store core.UserStore) *UserHandler {
	return &UserHandler{store: store}
}

func (h *UserHandler) RegisterUserHandler(w http.ResponseWriter, r *http.Request) error {
	var user core.User
	if err := json.NewDecoder(r.Body).Decode(&user); err != nil {
		return errInvalidInput
	}
	defer r.Body.Close()

	if err := validate.Struct(user); err != nil {
		return validationError(err)
	}

	if err := h.store.CreateUser(r.Context(), user); err != nil {
		return err
	}

	return router.JSON(w, http.StatusCreated, core.UserWithoutSecrets{Name: user.Name, Username: user.Username})
}

func (h *UserHandler) MeHandler(w http.ResponseWriter, r *http.Request) error {
	session := core.SessionFromRequest(r)
	user, err := h.store.GetUserByUsername(r.Context(), session.Username)
	if err != nil {
		return fmt.Errorf("get user by username: %w", err)
	}
	if user == nil {
		return router.NewJsonError(http.StatusNotFound, "user not found")
	}

	return router.JSON(w, http.StatusOK, user)
}

func (h *UserHandler) GetUserByUsernameHandler(w http.ResponseWriter, r *http.Request) error {
	user, err := h.store.GetUserByUsername(r.Context(), r.PathValue("username"))
	if err != nil {
		return err
	}
	if user == nil {
		return router.NewJsonError(http.StatusNotFound, "user not found")
	}

	return router.JSON(w, http.StatusOK, user)
}

func (h *UserHandler) GetUsersHandler(w http.ResponseWriter, r *http.Request) error {
	query := r.URL.Query()
	limit, _ := strconv.Atoi(query.Get("limit"))
	offset, _ := strconv.Atoi(query.Get("offset"))

	users, err := h.store.GetUsers(r.Context(), &core.GetUsersOptions{
		Q:      query.Get("q"),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		return err
	}
	return router.JSON(w, http.StatusOK, users)
}
