package core

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
)

type SQLiteChatStore struct {
	db        *sql.DB
	userStore UserStore
	now       func() time.Time
}

func NewSQLiteChatStore(db *sql.DB, userStore UserStore) *SQLiteChatStore {
	return &SQLiteChatStore{
		db:        db,
		userStore: userStore,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (s *SQLiteChatStore) CreateChat(ctx context.Context, name, owner string, participants ...string) (string, error) {
	members := make([]string, 0, len(participants))
	for _, p := range participants {
		if p != owner && !slices.Contains(members, p) {
			members = append(members, p)
		}
	}

	users, err := s.userStore.GetUsersByUsernames(ctx, append([]string{owner}, members...)...)
	if err != nil {
		return "", fmt.Errorf("GetUsersByUsernames: %w", err)
	}
	if len(users) != len(members)+1 {
		return "", ErrInvalidUser
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("BeginTx: %w", err)
	}
	defer tx.Rollback()

	id := uuid.New().String()
	now := s.now()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO chats (id, name, created_by, created_at) VALUES (@id, @name, @created_by, @created_at)`,
		sql.Named("id", id), sql.Named("name", name),
		sql.Named("created_by", owner), sql.Named("created_at", now))
	if err != nil {
		return "", fmt.Errorf("ExecContext(insert chat): %w", err)
	}

	query := `INSERT INTO chat_participants (chat_id, username, role, joined_at)
		VALUES (@chat_id, @username, @role, @joined_at)`
	if _, err := tx.ExecContext(ctx, query,
		sql.Named("chat_id", id), sql.Named("username", owner),
		sql.Named("role", Owner), sql.Named("joined_at", now)); err != nil {
		return "", fmt.Errorf("ExecContext(insert owner): %w", err)
	}
	for _, m := range members {
		if _, err := tx.ExecContext(ctx, query,
			sql.Named("chat_id", id), sql.Named("username", m),
			sql.Named("role", Member), sql.Named("joined_at", now)); err != nil {
			return "", fmt.Errorf("ExecContext(insert participant): %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("Commit: %w", err)
	}
	return id, nil
}

func (s *SQLiteChatStore) AddParticipant(ctx context.Context, chatID, username string, role ParticipantRole) error {
	if role == Owner {
		return ErrDisAllowedOperation
	}
	if role == "" {
		role = Member
	}

	user, err := s.userStore.GetUserByUsername(ctx, username)
	if err != nil {
		return fmt.Errorf("GetUserByUsername: %w", err)
	}
	if user == nil {
		return ErrInvalidUser
	}

	exists, err := s.chatExists(ctx, chatID)
	if err != nil {
		return err
	}
	if !exists {
		return ErrInvalidChat
	}

	query := `INSERT INTO chat_participants (chat_id, username, role, joined_at)
		VALUES (@chat_id, @username, @role, @joined_at) ON CONFLICT DO NOTHING`
	_, err = s.db.ExecContext(ctx, query,
		sql.Named("chat_id", chatID), sql.Named("username", username),
		sql.Named("role", role), sql.Named("joined_at", s.now()))
	if err != nil {
		return fmt.Errorf("ExecContext: %w", err)
	}
	return nil
}

func (s *SQLiteChatStore) RemoveParticipant(ctx context.Context, chatID, username string) error {
	exists, err := s.chatExists(ctx, chatID)
	if err != nil {
		return err
	}
	if !exists {
		return ErrInvalidChat
	}

	ok, role, err := s.IsParticipant(ctx, chatID, username)
	if err != nil {
		return fmt.Errorf("IsParticipant: %w", err)
	}
	if !ok {
		return ErrInvalidParticipant
	}
	if role == Owner {
		return ErrDisAllowedOperation
	}

	_, err = s.db.ExecContext(ctx,
		`DELETE FROM chat_participants WHERE chat_id = @chat_id AND username = @username`,
		sql.Named("chat_id", chatID), sql.Named("username", username))
	if err != nil {
		return fmt.Errorf("ExecContext: %w", err)
	}
	return nil
}

func (s *SQLiteChatStore) chatExists(ctx context.Context, chatID string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM chats WHERE id = ?`, chatID).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("chatExists: %w", err)
	}
	return count > 0, nil
}

func (s *SQLiteChatStore) GetChatByID(ctx context.Context, chatID string) (*Chat, error) {
	chat := &Chat{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, created_by, created_at FROM chats WHERE id = ?`, chatID).
		Scan(&chat.ID, &chat.Name, &chat.CreatedBy, &chat.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("QueryRowContext: %w", err)
	}

	participants, err := s.participants(ctx, chatID)
	if err != nil {
		return nil, err
	}
	chat.Participants = participants
	return chat, nil
}

func (s *SQLiteChatStore) participants(ctx context.Context, chatID string) ([]Participant, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT chat_id, username, role, joined_at FROM chat_participants
		WHERE chat_id = @chat_id ORDER BY joined_at ASC, username ASC`,
		sql.Named("chat_id", chatID))
	if err != nil {
		return nil, fmt.Errorf("QueryContext: %w", err)
	}
	defer rows.Close()

	participants := make([]Participant, 0, 2)
	for rows.Next() {
		var p Participant
		if err := rows.Scan(&p.ChatID, &p.Username, &p.Role, &p.JoinedAt); err != nil {
			return nil, fmt.Errorf("rows.Scan: %w", err)
		}
		participants = append(participants, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows.Err: %w", err)
	}
	return participants, nil
}

func (s *SQLiteChatStore) GetUserChats(ctx context.Context, username string, offset, limit int) ([]ChatSummary, error) {
	if limit <= 0 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}

	query := `
	SELECT c.id, c.name, COALESCE((SELECT MAX(m.id) FROM messages AS m WHERE m.chat_id = c.id), 0) AS last_message_id
	FROM chat_participants AS cp
	INNER JOIN chats AS c ON cp.chat_id = c.id
	WHERE cp.username = @username
	ORDER BY last_message_id DESC, c.name ASC, c.id ASC
	LIMIT @limit OFFSET @offset`

	rows, err := s.db.QueryContext(ctx, query,
		sql.Named("username", username), sql.Named("limit", limit), sql.Named("offset", offset))
	if err != nil {
		return nil, fmt.Errorf("QueryContext: %w", err)
	}

	summaries := make([]ChatSummary, 0)
	for rows.Next() {
		var summary ChatSummary
		if err := rows.Scan(&summary.ID, &summary.Name, &summary.LastMessageID); err != nil {
			rows.Close()
			return nil, fmt.Errorf("rows.Scan: %w", err)
		}
		summaries = append(summaries, summary)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows.Err: %w", err)
	}

	// rows must be closed before issuing the follow up queries
	for i := range summaries {
		participants, err := s.participants(ctx, summaries[i].ID)
		if err != nil {
			return nil, err
		}
		summaries[i].Participants = make([]string, 0, len(participants))
		for _, p := range participants {
			summaries[i].Participants = append(summaries[i].Participants, p.Username)
		}

		unread, err := s.GetUnreadCount(ctx, summaries[i].ID, username)
		if err != nil {
			return nil, err
		}
		summaries[i].UnreadCount = unread
	}
	return summaries, nil
}

func (s *SQLiteChatStore) IsParticipant(ctx context.Context, chatID, username string) (bool, ParticipantRole, error) {
	var role ParticipantRole
	err := s.db.QueryRowContext(ctx,
		`SELECT role FROM chat_participants WHERE chat_id = @chat_id AND username = @username`,
		sql.Named("chat_id", chatID), sql.Named("username", username)).Scan(&role)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, "", nil
		}
		return false, "", fmt.Errorf("scanning role: %w", err)
	}
	return true, role, nil
}

func (s *SQLiteChatStore) SendMessage(ctx context.Context, input MessageCreateInput) (*Message, error) {
	if input.Type == "" {
		input.Type = TextMessage
	}
	switch input.Type {
	case TextMessage, ImageMessage, FileMessage, SystemMessage:
	default:
		return nil, ErrInvalidMessageType
	}
	if err := input.Validate(); err != nil {
		return nil, ErrInvalidMessage
	}

	ok, _, err := s.IsParticipant(ctx, input.ChatID, input.Sender)
	if err != nil {
		return nil, fmt.Errorf("IsParticipant: %w", err)
	}
	if !ok {
		return nil, ErrInvalidChat
	}

	if input.ReplyTo != nil {
		var count int
		err := s.db.QueryRowContext(ctx,
			`SELECT count(*) FROM messages WHERE id = @id AND chat_id = @chat_id`,
			sql.Named("id", *input.ReplyTo), sql.Named("chat_id", input.ChatID)).Scan(&count)
		if err != nil {
			return nil, fmt.Errorf("QueryRowContext(reply): %w", err)
		}
		if count == 0 {
			return nil, ErrInvalidReply
		}
	}

	message := &Message{
		ChatID:    input.ChatID,
		SenderID:  input.Sender,
		Type:      input.Type,
		Content:   input.Content,
		ReplyTo:   input.ReplyTo,
		CreatedAt: s.now(),
	}

	var replyTo sql.NullInt64
	if input.ReplyTo != nil {
		replyTo = sql.NullInt64{Int64: *input.ReplyTo, Valid: true}
	}

	query := `INSERT INTO messages (chat_id, sender, type, content, reply_to, created_at)
		VALUES (@chat_id, @sender, @type, @content, @reply_to, @created_at) RETURNING id`
	err = s.db.QueryRowContext(ctx, query,
		sql.Named("chat_id", message.ChatID), sql.Named("sender", message.SenderID),
		sql.Named("type", message.Type), sql.Named("content", message.Content),
		sql.Named("reply_to", replyTo), sql.Named("created_at", message.CreatedAt)).Scan(&message.ID)
	if err != nil {
		return nil, fmt.Errorf("QueryRowContext(insert message): %w", err)
	}

	// the message is durable from here on, a missing display name must not fail it
	sender, err := s.userStore.GetUserByUsername(ctx, message.SenderID)
	if err != nil {
		slog.Warn(fmt.Sprintf("GetUserByUsername(%s): %v", message.SenderID, err),
			slog.Int64("message", message.ID))
	} else if sender != nil {
		message.SenderName = sender.Name
	}
	return message, nil
}

func (s *SQLiteChatStore) GetChatMessages(ctx context.Context, chatID string, before int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}

	query := `
	SELECT m.id, m.chat_id, m.sender, u.name, m.type, m.content, m.reply_to, m.created_at
	FROM messages AS m
	LEFT JOIN users AS u ON u.username = m.sender
	WHERE m.chat_id = @chat_id AND (@before = 0 OR m.id < @before)
	ORDER BY m.id DESC
	LIMIT @limit`

	rows, err := s.db.QueryContext(ctx, query,
		sql.Named("chat_id", chatID), sql.Named("before", before), sql.Named("limit", limit))
	if err != nil {
		return nil, fmt.Errorf("QueryContext: %w", err)
	}
	defer rows.Close()

	messages := make([]Message, 0)
	for rows.Next() {
		var (
			m          Message
			senderName sql.NullString
			replyTo    sql.NullInt64
		)
		if err := rows.Scan(&m.ID, &m.ChatID, &m.SenderID, &senderName,
			&m.Type, &m.Content, &replyTo, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("rows.Scan: %w", err)
		}
		m.SenderName = senderName.String
		if replyTo.Valid {
			id := replyTo.Int64
			m.ReplyTo = &id
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows.Err: %w", err)
	}

	slices.Reverse(messages)
	return messages, nil
}

func (s *SQLiteChatStore) GetMessageByID(ctx context.Context, messageID int64) (*Message, error) {
	query := `
	SELECT m.id, m.chat_id, m.sender, u.name, m.type, m.content, m.reply_to, m.created_at
	FROM messages AS m
	LEFT JOIN users AS u ON u.username = m.sender
	WHERE m.id = @id`

	var (
		m          Message
		senderName sql.NullString
		replyTo    sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, query, sql.Named("id", messageID)).Scan(&m.ID, &m.ChatID, &m.SenderID,
		&senderName, &m.Type, &m.Content, &replyTo, &m.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("QueryRowContext: %w", err)
	}
	m.SenderName = senderName.String
	if replyTo.Valid {
		id := replyTo.Int64
		m.ReplyTo = &id
	}
	return &m, nil
}

func (s *SQLiteChatStore) MarkMessagesRead(ctx context.Context, chatID, reader string, messageIDs []int64) ([]int64, error) {
	ok, _, err := s.IsParticipant(ctx, chatID, reader)
	if err != nil {
		return nil, fmt.Errorf("IsParticipant: %w", err)
	}
	if !ok {
		return nil, ErrInvalidChat
	}

	ids := slices.Clone(messageIDs)
	slices.Sort(ids)
	ids = slices.Compact(ids)
	if len(ids) == 0 {
		return []int64{}, nil
	}

	values := make([]interface{}, 0, len(ids)+1)
	values = append(values, chatID)
	for _, id := range ids {
		values = append(values, id)
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT id FROM messages WHERE chat_id = ? AND id IN ("+strings.Repeat("?,", len(ids)-1)+"?) ORDER BY id ASC",
		values...)
	if err != nil {
		return nil, fmt.Errorf("QueryContext: %w", err)
	}
	found := make([]int64, 0, len(ids))
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("rows.Scan: %w", err)
		}
		found = append(found, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows.Err: %w", err)
	}
	if len(found) == 0 {
		return found, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("BeginTx: %w", err)
	}
	defer tx.Rollback()

	now := s.now()
	for _, id := range found {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO message_reads (message_id, reader, read_at) VALUES (@message_id, @reader, @read_at)
			ON CONFLICT DO NOTHING`,
			sql.Named("message_id", id), sql.Named("reader", reader), sql.Named("read_at", now))
		if err != nil {
			return nil, fmt.Errorf("ExecContext(insert message_reads): %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("Commit: %w", err)
	}
	return found, nil
}

func (s *SQLiteChatStore) GetReadReceipts(ctx context.Context, messageID int64) ([]ReadReceipt, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT message_id, reader, read_at FROM message_reads
		WHERE message_id = @message_id ORDER BY read_at ASC, reader ASC`,
		sql.Named("message_id", messageID))
	if err != nil {
		return nil, fmt.Errorf("QueryContext: %w", err)
	}
	defer rows.Close()

	receipts := make([]ReadReceipt, 0)
	for rows.Next() {
		var r ReadReceipt
		if err := rows.Scan(&r.MessageID, &r.Reader, &r.ReadAt); err != nil {
			return nil, fmt.Errorf("rows.Scan: %w", err)
		}
		receipts = append(receipts, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows.Err: %w", err)
	}
	return receipts, nil
}

func (s *SQLiteChatStore) GetUnreadCount(ctx context.Context, chatID, username string) (int, error) {
	query := `
	SELECT count(*) FROM messages AS m
	WHERE m.chat_id = @chat_id AND m.sender != @username
	AND NOT EXISTS (SELECT 1 FROM message_reads AS r WHERE r.message_id = m.id AND r.reader = @username)`

	var count int
	err := s.db.QueryRowContext(ctx, query,
		sql.Named("chat_id", chatID), sql.Named("username", username)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("QueryRowContext: %w", err)
	}
	return count, nil
}
