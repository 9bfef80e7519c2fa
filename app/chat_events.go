package chatline

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/putto11262002/chatline/core"
)

// Client to server events.
const (
	JoinChatEvent         = "join_chat"
	SendMessageEvent      = "send_message"
	MarkMessagesReadEvent = "mark_messages_read"
	LeaveChatEvent        = "leave_chat"
	TypingEvent           = "typing"
	GetActiveUsersEvent   = "get_active_users"
	GetChatInfoEvent      = "get_chat_info"
	PingEvent             = "ping"
)

// Server to client events.
const (
	ChatHistoryEvent      = "chat_history"
	JoinedChatEvent       = "joined_chat"
	UserJoinedChatEvent   = "user_joined_chat"
	NewMessageEvent       = "new_message"
	MessageSentEvent      = "message_sent"
	MessagesReadEvent     = "messages_read"
	LeftChatEvent         = "left_chat"
	UserLeftChatEvent     = "user_left_chat"
	UserDisconnectedEvent = "user_disconnected"
	UserOnlineEvent       = "user_online"
	UserOfflineEvent      = "user_offline"
	ActiveUsersEvent      = "active_users"
	ChatInfoEvent         = "chat_info"
	PongEvent             = "pong"
)

type ChatRefPayload struct {
	ChatID string `json:"chatId" validate:"required"`
}

type SendMessagePayload struct {
	ChatID      string `json:"chatId" validate:"required"`
	Content     string `json:"content" validate:"required,max=4000"`
	MessageType string `json:"messageType" validate:"omitempty,oneof=text image file system"`
	ReplyTo     *int64 `json:"replyTo" validate:"omitempty,gt=0"`
}

type MarkMessagesReadPayload struct {
	ChatID     string  `json:"chatId" validate:"required"`
	MessageIDs []int64 `json:"messageIds" validate:"required,min=1,max=500,dive,gt=0"`
}

type TypingPayload struct {
	ChatID string `json:"chatId" validate:"required"`
	Typing bool   `json:"typing"`
}

type TypingEventPayload struct {
	ChatID string `json:"chatId"`
	UserID string `json:"userId"`
	Typing bool   `json:"typing"`
}

type ChatHistoryPayload struct {
	ChatID   string         `json:"chatId"`
	Messages []core.Message `json:"messages"`
}

type JoinedChatPayload struct {
	ChatID    string    `json:"chatId"`
	Members   []string  `json:"members"`
	Timestamp time.Time `json:"timestamp"`
}

type LeftChatPayload struct {
	ChatID    string    `json:"chatId"`
	Timestamp time.Time `json:"timestamp"`
}

// RoomPresencePayload is the payload of user_joined_chat, user_left_chat and user_disconnected.
type RoomPresencePayload struct {
	UserID    string    `json:"userId"`
	ChatID    string    `json:"chatId"`
	Timestamp time.Time `json:"timestamp"`
}

// PresencePayload is the payload of user_online and user_offline.
type PresencePayload struct {
	UserID    string    `json:"userId"`
	Timestamp time.Time `json:"timestamp"`
}

type MessageSentPayload struct {
	MessageID int64     `json:"messageId"`
	ChatID    string    `json:"chatId"`
	Timestamp time.Time `json:"timestamp"`
}

type MessagesReadPayload struct {
	ChatID     string    `json:"chatId"`
	UserID     string    `json:"userId"`
	MessageIDs []int64   `json:"messageIds"`
	Timestamp  time.Time `json:"timestamp"`
}

type ActiveUsersPayload struct {
	Users     []core.ActiveUser `json:"users"`
	Count     int               `json:"count"`
	Timestamp time.Time         `json:"timestamp"`
}

type ChatInfoPayload struct {
	ChatID             string   `json:"chatId"`
	ParticipantCount   int      `json:"participantCount"`
	ActiveParticipants []string `json:"activeParticipants"`
	IsActive           bool     `json:"isActive"`
}

type PongPayload struct {
	Timestamp time.Time `json:"timestamp"`
}

func (a *App) registerEventHandlers() {
	a.eventRouter.On(JoinChatEvent, a.JoinChatHandler)
	a.eventRouter.On(SendMessageEvent, a.SendMessageHandler)
	a.eventRouter.On(MarkMessagesReadEvent, a.MarkMessagesReadHandler)
	a.eventRouter.On(LeaveChatEvent, a.LeaveChatHandler)
	a.eventRouter.On(TypingEvent, a.TypingHandler)
	a.eventRouter.On(GetActiveUsersEvent, a.GetActiveUsersHandler)
	a.eventRouter.On(GetChatInfoEvent, a.GetChatInfoHandler)
	a.eventRouter.On(PingEvent, a.PingHandler)
}

// storeError converts chat store errors into errors that can be reported to the client.
func storeError(op string, err error) error {
	switch {
	case errors.Is(err, core.ErrInvalidChat):
		return core.ErrNotParticipant
	case errors.Is(err, core.ErrInvalidMessage),
		errors.Is(err, core.ErrInvalidMessageType),
		errors.Is(err, core.ErrInvalidReply):
		return core.InvalidPayload(err.Error())
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}

// JoinChatHandler subscribes the connection to the chat and sends it the recent history.
// History is read under the room lock so no message falls between the snapshot
// and the live stream, and none is delivered twice.
func (a *App) JoinChatHandler(ctx context.Context, e *core.Event) error {
	var payload ChatRefPayload
	if err := core.DecodePayload(e, &payload); err != nil {
		return err
	}

	chat, err := a.chatStore.GetChatByID(ctx, payload.ChatID)
	if err != nil {
		return fmt.Errorf("GetChatByID: %w", err)
	}
	if chat == nil {
		return core.ErrChatNotFound
	}

	ok, _, err := a.chatStore.IsParticipant(ctx, payload.ChatID, e.Dispatcher)
	if err != nil {
		return fmt.Errorf("IsParticipant: %w", err)
	}
	if !ok {
		if !a.config.Chat.OpenJoin {
			return core.ErrNotParticipant
		}
		if err := a.chatStore.AddParticipant(ctx, payload.ChatID, e.Dispatcher, core.Member); err != nil {
			return fmt.Errorf("AddParticipant: %w", err)
		}
	}

	unlock := a.rooms.Lock(payload.ChatID)
	res := a.rooms.Join(payload.ChatID, e.Dispatcher, e.ConnID)
	// a connection dropped while this handler ran has already left every room
	if !a.wsManager.IsConnOpen(e.Source()) {
		a.rooms.Leave(payload.ChatID, e.Dispatcher, e.ConnID)
		unlock()
		return core.ErrConnClosed
	}
	history, err := a.chatStore.GetChatMessages(ctx, payload.ChatID, 0, a.config.Chat.HistoryLimit)
	if err != nil {
		if !res.AlreadySubscribed {
			a.rooms.Leave(payload.ChatID, e.Dispatcher, e.ConnID)
		}
		unlock()
		return fmt.Errorf("GetChatMessages: %w", err)
	}
	err = a.eventRouter.Reply(e, ChatHistoryEvent, ChatHistoryPayload{ChatID: payload.ChatID, Messages: history})
	unlock()
	if err != nil {
		return err
	}

	now := time.Now()
	if res.NewMember {
		if err := a.eventRouter.EmitToConns(UserJoinedChatEvent, RoomPresencePayload{
			UserID:    e.Dispatcher,
			ChatID:    payload.ChatID,
			Timestamp: now,
		}, a.rooms.Subscribers(payload.ChatID, e.Dispatcher)...); err != nil {
			a.logger.Error(fmt.Sprintf("emit %s: %v", UserJoinedChatEvent, err))
		}
	}

	return a.eventRouter.Reply(e, JoinedChatEvent, JoinedChatPayload{
		ChatID:    payload.ChatID,
		Members:   res.Members,
		Timestamp: now,
	})
}

// SendMessageHandler persists the message and broadcasts it to every subscriber,
// the sender included. Persist and broadcast happen under the room lock.
func (a *App) SendMessageHandler(ctx context.Context, e *core.Event) error {
	var payload SendMessagePayload
	if err := core.DecodePayload(e, &payload); err != nil {
		return err
	}

	unlock := a.rooms.Lock(payload.ChatID)
	defer unlock()

	if !a.rooms.IsSubscribed(payload.ChatID, e.Dispatcher, e.ConnID) {
		return core.ErrNotInChat
	}

	message, err := a.chatStore.SendMessage(ctx, core.MessageCreateInput{
		ChatID:  payload.ChatID,
		Sender:  e.Dispatcher,
		Content: payload.Content,
		Type:    payload.MessageType,
		ReplyTo: payload.ReplyTo,
	})
	if err != nil {
		return storeError("SendMessage", err)
	}

	if err := a.eventRouter.EmitToConns(NewMessageEvent, message, a.rooms.Subscribers(payload.ChatID)...); err != nil {
		return err
	}

	return a.eventRouter.Reply(e, MessageSentEvent, MessageSentPayload{
		MessageID: message.ID,
		ChatID:    message.ChatID,
		Timestamp: message.CreatedAt,
	})
}

// MarkMessagesReadHandler records read receipts. It requires durable participation only,
// so a user can mark messages read without being subscribed to the room.
func (a *App) MarkMessagesReadHandler(ctx context.Context, e *core.Event) error {
	var payload MarkMessagesReadPayload
	if err := core.DecodePayload(e, &payload); err != nil {
		return err
	}

	chat, err := a.chatStore.GetChatByID(ctx, payload.ChatID)
	if err != nil {
		return fmt.Errorf("GetChatByID: %w", err)
	}
	if chat == nil {
		return core.ErrChatNotFound
	}

	marked, err := a.chatStore.MarkMessagesRead(ctx, payload.ChatID, e.Dispatcher, payload.MessageIDs)
	if err != nil {
		return storeError("MarkMessagesRead", err)
	}

	read := MessagesReadPayload{
		ChatID:     payload.ChatID,
		UserID:     e.Dispatcher,
		MessageIDs: marked,
		Timestamp:  time.Now(),
	}
	if len(marked) > 0 {
		source := e.Source()
		others := slices.DeleteFunc(a.rooms.Subscribers(payload.ChatID), func(ref core.ConnRef) bool {
			return ref == source
		})
		if err := a.eventRouter.EmitToConns(MessagesReadEvent, read, others...); err != nil {
			return err
		}
	}
	return a.eventRouter.Reply(e, MessagesReadEvent, read)
}

// LeaveChatHandler unsubscribes the connection from the chat. It always acknowledges,
// even when the connection was not subscribed.
func (a *App) LeaveChatHandler(ctx context.Context, e *core.Event) error {
	var payload ChatRefPayload
	if err := core.DecodePayload(e, &payload); err != nil {
		return err
	}

	unlock := a.rooms.Lock(payload.ChatID)
	res := a.rooms.Leave(payload.ChatID, e.Dispatcher, e.ConnID)
	now := time.Now()
	if res.MemberLeft && !res.RoomDeleted {
		if err := a.eventRouter.EmitToConns(UserLeftChatEvent, RoomPresencePayload{
			UserID:    e.Dispatcher,
			ChatID:    payload.ChatID,
			Timestamp: now,
		}, a.rooms.Subscribers(payload.ChatID)...); err != nil {
			a.logger.Error(fmt.Sprintf("emit %s: %v", UserLeftChatEvent, err))
		}
	}
	unlock()

	if res.RoomDeleted {
		a.logger.Debug(fmt.Sprintf("room %s deleted", payload.ChatID))
	}

	return a.eventRouter.Reply(e, LeftChatEvent, LeftChatPayload{ChatID: payload.ChatID, Timestamp: now})
}

func (a *App) TypingHandler(ctx context.Context, e *core.Event) error {
	var payload TypingPayload
	if err := core.DecodePayload(e, &payload); err != nil {
		return err
	}
	if !a.rooms.IsSubscribed(payload.ChatID, e.Dispatcher, e.ConnID) {
		return core.ErrNotInChat
	}
	return a.eventRouter.EmitToConns(TypingEvent, TypingEventPayload{
		ChatID: payload.ChatID,
		UserID: e.Dispatcher,
		Typing: payload.Typing,
	}, a.rooms.Subscribers(payload.ChatID, e.Dispatcher)...)
}

func (a *App) GetActiveUsersHandler(ctx context.Context, e *core.Event) error {
	users := a.wsManager.ActiveUsers()
	return a.eventRouter.Reply(e, ActiveUsersEvent, ActiveUsersPayload{
		Users:     users,
		Count:     len(users),
		Timestamp: time.Now(),
	})
}

// GetChatInfoHandler reports the live state of a chat. A chat that is not live
// but exists durably is reported as inactive with no participants.
func (a *App) GetChatInfoHandler(ctx context.Context, e *core.Event) error {
	var payload ChatRefPayload
	if err := core.DecodePayload(e, &payload); err != nil {
		return err
	}

	info, live := a.rooms.Info(payload.ChatID)
	if !live {
		chat, err := a.chatStore.GetChatByID(ctx, payload.ChatID)
		if err != nil {
			return fmt.Errorf("GetChatByID: %w", err)
		}
		if chat == nil {
			return core.ErrChatNotFound
		}
		info.Members = []string{}
	}

	return a.eventRouter.Reply(e, ChatInfoEvent, ChatInfoPayload{
		ChatID:             payload.ChatID,
		ParticipantCount:   len(info.Members),
		ActiveParticipants: info.Members,
		IsActive:           live,
	})
}

func (a *App) PingHandler(ctx context.Context, e *core.Event) error {
	return a.eventRouter.Reply(e, PongEvent, PongPayload{Timestamp: time.Now()})
}
