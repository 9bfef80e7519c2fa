package chatline

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/putto11262002/chatline/core"
	"github.com/putto11262002/chatline/pkg/router"
)

type ChatHandler struct {
	chatStore core.ChatStore
}

func NewChatHandler(chatStore core.ChatStore) *ChatHandler {
	return &ChatHandler{chatStore: chatStore}
}

type CreateChatPayload struct {
	Name         string   `json:"name" validate:"required,max=128"`
	Participants []string `json:"participants" validate:"max=256,dive,required"`
}

type CreateChatResponse struct {
	ID string `json:"id"`
}

type AddParticipantPayload struct {
	Username string               `json:"username" validate:"required"`
	Role     core.ParticipantRole `json:"role" validate:"omitempty,oneof=admin member"`
}

func (h *ChatHandler) CreateChatHandler(w http.ResponseWriter, r *http.Request) error {
	session := core.SessionFromRequest(r)
	var payload CreateChatPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		return errInvalidInput
	}
	r.Body.Close()

	if err := validate.Struct(payload); err != nil {
		return validationError(err)
	}

	id, err := h.chatStore.CreateChat(r.Context(), payload.Name, session.Username, payload.Participants...)
	if err != nil {
		return err
	}

	return router.JSON(w, http.StatusCreated, CreateChatResponse{ID: id})
}

// requireRole checks that the user is a participant of the chat with one of the roles.
// Any role is accepted when roles is empty.
func (h *ChatHandler) requireRole(r *http.Request, chatID, username string, roles ...core.ParticipantRole) error {
	ok, role, err := h.chatStore.IsParticipant(r.Context(), chatID, username)
	if err != nil {
		return err
	}
	if !ok {
		return router.NewJsonError(http.StatusForbidden, "you are not a participant in this chat")
	}
	if len(roles) == 0 {
		return nil
	}
	for _, allowed := range roles {
		if role == allowed {
			return nil
		}
	}
	return core.ErrDisAllowedOperation
}

func (h *ChatHandler) AddParticipantHandler(w http.ResponseWriter, r *http.Request) error {
	session := core.SessionFromRequest(r)
	chatID := r.PathValue("chatID")
	if err := h.requireRole(r, chatID, session.Username, core.Owner, core.Admin); err != nil {
		return err
	}

	var payload AddParticipantPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		return errInvalidInput
	}
	r.Body.Close()

	if err := validate.Struct(payload); err != nil {
		return validationError(err)
	}

	if err := h.chatStore.AddParticipant(r.Context(), chatID, payload.Username, payload.Role); err != nil {
		return err
	}

	w.WriteHeader(http.StatusNoContent)
	return nil
}

// RemoveParticipantHandler removes a participant. Owners and admins can remove
// anyone but the owner, and any participant can remove themselves.
func (h *ChatHandler) RemoveParticipantHandler(w http.ResponseWriter, r *http.Request) error {
	session := core.SessionFromRequest(r)
	chatID := r.PathValue("chatID")
	username := r.PathValue("username")

	if username == session.Username {
		if err := h.requireRole(r, chatID, session.Username); err != nil {
			return err
		}
	} else if err := h.requireRole(r, chatID, session.Username, core.Owner, core.Admin); err != nil {
		return err
	}

	if err := h.chatStore.RemoveParticipant(r.Context(), chatID, username); err != nil {
		return err
	}

	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (h *ChatHandler) GetChatByIDHandler(w http.ResponseWriter, r *http.Request) error {
	session := core.SessionFromRequest(r)
	chatID := r.PathValue("chatID")

	chat, err := h.chatStore.GetChatByID(r.Context(), chatID)
	if err != nil {
		return err
	}
	if chat == nil {
		return router.NewJsonError(http.StatusNotFound, "chat not found")
	}
	if err := h.requireRole(r, chatID, session.Username); err != nil {
		return err
	}

	return router.JSON(w, http.StatusOK, chat)
}

func (h *ChatHandler) GetMyChatsHandler(w http.ResponseWriter, r *http.Request) error {
	session := core.SessionFromRequest(r)
	query := r.URL.Query()
	limit, _ := strconv.Atoi(query.Get("limit"))
	offset, _ := strconv.Atoi(query.Get("offset"))

	chats, err := h.chatStore.GetUserChats(r.Context(), session.Username, offset, limit)
	if err != nil {
		return err
	}

	return router.JSON(w, http.StatusOK, chats)
}

// GetChatMessagesHandler pages backwards through the history of a chat:
// pass the ID of the oldest message seen as before to get the previous page.
func (h *ChatHandler) GetChatMessagesHandler(w http.ResponseWriter, r *http.Request) error {
	session := core.SessionFromRequest(r)
	chatID := r.PathValue("chatID")
	if err := h.requireRole(r, chatID, session.Username); err != nil {
		return err
	}

	query := r.URL.Query()
	limit, _ := strconv.Atoi(query.Get("limit"))
	before, _ := strconv.ParseInt(query.Get("before"), 10, 64)
	if limit > 500 {
		limit = 500
	}

	messages, err := h.chatStore.GetChatMessages(r.Context(), chatID, before, limit)
	if err != nil {
		return err
	}

	return router.JSON(w, http.StatusOK, messages)
}

func (h *ChatHandler) GetReadReceiptsHandler(w http.ResponseWriter, r *http.Request) error {
	session := core.SessionFromRequest(r)
	messageID, err := strconv.ParseInt(r.PathValue("messageID"), 10, 64)
	if err != nil {
		return router.NewJsonError(http.StatusBadRequest, "invalid message id")
	}

	message, err := h.chatStore.GetMessageByID(r.Context(), messageID)
	if err != nil {
		return err
	}
	if message == nil {
		return router.NewJsonError(http.StatusNotFound, "message not found")
	}
	if err := h.requireRole(r, message.ChatID, session.Username); err != nil {
		return err
	}

	receipts, err := h.chatStore.GetReadReceipts(r.Context(), messageID)
	if err != nil {
		return err
	}

	return router.JSON(w, http.StatusOK, receipts)
}
