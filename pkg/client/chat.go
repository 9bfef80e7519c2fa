package client

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

const (
	joinChatEvent         = "join_chat"
	joinedChatEvent       = "joined_chat"
	leaveChatEvent        = "leave_chat"
	leftChatEvent         = "left_chat"
	sendMessageEvent      = "send_message"
	messageSentEvent      = "message_sent"
	markMessagesReadEvent = "mark_messages_read"
	messagesReadEvent     = "messages_read"
	pingEvent             = "ping"
	pongEvent             = "pong"
)

type chatRef struct {
	ChatID string `json:"chatId"`
}

type JoinedChat struct {
	ChatID    string    `json:"chatId"`
	Members   []string  `json:"members"`
	Timestamp time.Time `json:"timestamp"`
}

type MessageSent struct {
	MessageID int64     `json:"messageId"`
	ChatID    string    `json:"chatId"`
	Timestamp time.Time `json:"timestamp"`
}

type MessagesRead struct {
	ChatID     string    `json:"chatId"`
	UserID     string    `json:"userId"`
	MessageIDs []int64   `json:"messageIds"`
	Timestamp  time.Time `json:"timestamp"`
}

type sendMessage struct {
	ChatID      string `json:"chatId"`
	Content     string `json:"content"`
	MessageType string `json:"messageType,omitempty"`
	ReplyTo     *int64 `json:"replyTo,omitempty"`
}

type markMessagesRead struct {
	ChatID     string  `json:"chatId"`
	MessageIDs []int64 `json:"messageIds"`
}

type MessageOption func(*sendMessage)

func WithReplyTo(messageID int64) MessageOption {
	return func(m *sendMessage) {
		m.ReplyTo = &messageID
	}
}

func WithMessageType(t string) MessageOption {
	return func(m *sendMessage) {
		m.MessageType = t
	}
}

func decode[T any](payload json.RawMessage) (*T, error) {
	var v T
	if err := json.Unmarshal(payload, &v); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	return &v, nil
}

// Join subscribes to a chat. The recent history arrives on Events as a
// chat_history event before Join returns. The chat is joined back after a reconnect.
func (c *Client) Join(ctx context.Context, chatID string) (*JoinedChat, error) {
	reply, err := c.request(ctx, joinChatEvent, chatRef{ChatID: chatID}, joinedChatEvent)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.rooms[chatID] = struct{}{}
	c.mu.Unlock()
	return decode[JoinedChat](reply.Payload)
}

// Leave unsubscribes from a chat. The chat is forgotten even if the request fails.
func (c *Client) Leave(ctx context.Context, chatID string) error {
	c.mu.Lock()
	delete(c.rooms, chatID)
	c.mu.Unlock()
	_, err := c.request(ctx, leaveChatEvent, chatRef{ChatID: chatID}, leftChatEvent)
	return err
}

// SendMessage sends a message and waits for the server to persist it.
// ErrAckTimeout means the outcome is unknown.
func (c *Client) SendMessage(ctx context.Context, chatID, content string, opts ...MessageOption) (*MessageSent, error) {
	payload := sendMessage{ChatID: chatID, Content: content}
	for _, opt := range opts {
		opt(&payload)
	}
	reply, err := c.request(ctx, sendMessageEvent, payload, messageSentEvent)
	if err != nil {
		return nil, err
	}
	return decode[MessageSent](reply.Payload)
}

// MarkMessagesRead records read receipts and returns the ids the server accepted.
func (c *Client) MarkMessagesRead(ctx context.Context, chatID string, messageIDs ...int64) ([]int64, error) {
	reply, err := c.request(ctx, markMessagesReadEvent,
		markMessagesRead{ChatID: chatID, MessageIDs: messageIDs}, messagesReadEvent)
	if err != nil {
		return nil, err
	}
	read, err := decode[MessagesRead](reply.Payload)
	if err != nil {
		return nil, err
	}
	return read.MessageIDs, nil
}

// Ping checks that the server is still answering.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.request(ctx, pingEvent, nil, pongEvent)
	return err
}
