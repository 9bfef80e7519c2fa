package core

import (
	"context"
	"errors"
	"time"
)

// MessageType tells the client how the message content should be interpreted.
type MessageType = string

const (
	TextMessage   MessageType = "text"
	ImageMessage  MessageType = "image"
	FileMessage   MessageType = "file"
	SystemMessage MessageType = "system"
)

type ParticipantRole string

const (
	Owner  ParticipantRole = "owner"
	Admin  ParticipantRole = "admin"
	Member ParticipantRole = "member"
)

// Participant is a durable member of a chat: a user that is allowed to join it.
type Participant struct {
	ChatID   string          `json:"chatId"`
	Username string          `json:"username"`
	Role     ParticipantRole `json:"role"`
	JoinedAt time.Time       `json:"joinedAt"`
}

// Chat is a durable chat room.
type Chat struct {
	ID           string        `json:"id"`
	Name         string        `json:"name"`
	CreatedBy    string        `json:"createdBy"`
	CreatedAt    time.Time     `json:"createdAt"`
	Participants []Participant `json:"participants"`
}

// ChatSummary is a chat from the perspective of one of its participants.
type ChatSummary struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Participants []string `json:"participants"`
	// LastMessageID is 0 when the chat has no messages.
	LastMessageID int64 `json:"lastMessageId"`
	UnreadCount   int   `json:"unreadCount"`
}

// Message is an immutable chat message. IDs grow in the order messages were written.
type Message struct {
	ID         int64       `json:"id"`
	ChatID     string      `json:"chatId"`
	SenderID   string      `json:"senderId"`
	SenderName string      `json:"senderName,omitempty"`
	Type       MessageType `json:"messageType"`
	Content    string      `json:"content"`
	ReplyTo    *int64      `json:"replyTo,omitempty"`
	CreatedAt  time.Time   `json:"createdAt"`
}

// ReadReceipt records that a reader has read a message.
type ReadReceipt struct {
	MessageID int64     `json:"messageId"`
	Reader    string    `json:"reader"`
	ReadAt    time.Time `json:"readAt"`
}

var (
	// ErrInvalidUser is returned when a user is not found or is invalid.
	ErrInvalidUser = errors.New("invalid user")
	// ErrInvalidChat is returned when a chat is not found.
	ErrInvalidChat = errors.New("invalid chat")
	// ErrInvalidMessage is returned when a message is invalid.
	ErrInvalidMessage = errors.New("invalid message")
	// ErrInvalidMessageType is returned when the type of the message is not supported.
	ErrInvalidMessageType = errors.New("invalid message type")
	// ErrInvalidReply is returned when a reply references a message outside the chat.
	ErrInvalidReply        = errors.New("invalid reply reference")
	ErrDisAllowedOperation = errors.New("disallowed operation")
	ErrInvalidParticipant  = errors.New("invalid participant")
)

const DefaultHistoryLimit = 50

// MessageCreateInput represents the input for creating a message.
type MessageCreateInput struct {
	ChatID  string      `json:"chatId" validate:"required"`
	Sender  string      `json:"sender" validate:"required"`
	Content string      `json:"content" validate:"required,max=4000"`
	Type    MessageType `json:"messageType" validate:"omitempty,oneof=text image file system"`
	ReplyTo *int64      `json:"replyTo" validate:"omitempty,gt=0"`
}

// Validate validates the message input.
func (m *MessageCreateInput) Validate() error {
	return validate.Struct(m)
}

type ChatStore interface {
	// CreateChat creates a chat owned by owner with the other participants as members.
	// If one of the users does not exist, it returns ErrInvalidUser.
	// Duplicate participants are deduplicated.
	CreateChat(ctx context.Context, name, owner string, participants ...string) (string, error)

	// AddParticipant adds a user to the chat. Adding an existing participant is a no-op.
	AddParticipant(ctx context.Context, chatID, username string, role ParticipantRole) error

	// RemoveParticipant removes a user from the chat. The owner cannot be removed.
	RemoveParticipant(ctx context.Context, chatID, username string) error

	// GetChatByID returns the chat with the given ID or nil if it does not exist.
	GetChatByID(ctx context.Context, chatID string) (*Chat, error)

	// GetUserChats returns the chats of a user, the ones with the most recent message first.
	// If the limit is a zero value, the limit is set to 20.
	GetUserChats(ctx context.Context, username string, offset, limit int) ([]ChatSummary, error)

	// IsParticipant reports whether the user is a durable participant of the chat.
	IsParticipant(ctx context.Context, chatID, username string) (bool, ParticipantRole, error)

	// SendMessage persists a message. The ID and timestamp are assigned here.
	// If the sender is not a participant, it returns ErrInvalidChat.
	SendMessage(ctx context.Context, message MessageCreateInput) (*Message, error)

	// GetChatMessages returns the newest messages with an ID lower than before
	// (no bound when before is 0), ordered oldest to newest.
	// If the limit is a zero value, DefaultHistoryLimit is used.
	GetChatMessages(ctx context.Context, chatID string, before int64, limit int) ([]Message, error)

	// GetMessageByID returns the message with the given ID or nil if it does not exist.
	GetMessageByID(ctx context.Context, messageID int64) (*Message, error)

	// MarkMessagesRead records read receipts for the messages of the chat.
	// Marking a message twice is a no-op. Messages outside the chat are ignored.
	// It returns the IDs that belong to the chat.
	MarkMessagesRead(ctx context.Context, chatID, reader string, messageIDs []int64) ([]int64, error)

	// GetReadReceipts returns the receipts of a message ordered by read time.
	GetReadReceipts(ctx context.Context, messageID int64) ([]ReadReceipt, error)

	// GetUnreadCount returns the number of messages in the chat not sent by
	// the user and without a receipt from the user.
	GetUnreadCount(ctx context.Context, chatID, username string) (int, error)
}
