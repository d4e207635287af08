package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"metachat/messaging-service/internal/models"
)

var ErrNotFound = errors.New("repository: not found")

// ConversationStore is the persisted directory of conversations keyed by
// participant pair.
type ConversationStore interface {
	// CreateChat inserts the conversation unless one already exists for the
	// same participant pair, in which case chat is filled from the existing
	// row. created reports whether a new row was written.
	CreateChat(ctx context.Context, chat *models.Conversation) (created bool, err error)
	GetChatByID(ctx context.Context, id string) (*models.Conversation, error)
	GetChatByUsers(ctx context.Context, userID1, userID2 string) (*models.Conversation, error)
	GetUserChats(ctx context.Context, userID string) ([]*models.Conversation, error)
	// UpdateLastMessage moves the last-message pointer forward. It is a no-op
	// when the stored pointer is newer than at.
	UpdateLastMessage(ctx context.Context, chatID, messageID string, at time.Time) (bool, error)
}

// MessageStore is the append-only message log.
type MessageStore interface {
	CreateMessage(ctx context.Context, msg *models.Message) error
	GetMessage(ctx context.Context, id string) (*models.Message, error)
	GetMessagesByIDs(ctx context.Context, ids []string) (map[string]*models.Message, error)
	// GetChatMessages returns up to limit messages in ascending creation order,
	// ending just before beforeMessageID when it is set.
	GetChatMessages(ctx context.Context, chatID string, limit int, beforeMessageID string) ([]*models.Message, error)
	MarkMessagesAsRead(ctx context.Context, chatID, readerID string, at time.Time) (int, error)
}

type ChatRepository interface {
	ConversationStore
	MessageStore
	Ping(ctx context.Context) error
}

// SortedPair orders two user ids so that a pair has one canonical form.
func SortedPair(a, b string) (string, string) {
	if a > b {
		return b, a
	}
	return a, b
}

// PostgresRepository implements ChatRepository on top of database/sql and lib/pq.
type PostgresRepository struct {
	db *sql.DB
}

func NewChatRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{
		db: db,
	}
}

func (r *PostgresRepository) InitializeTables() error {
	query := `
	CREATE TABLE IF NOT EXISTS chats (
		id UUID PRIMARY KEY,
		user_id1 TEXT NOT NULL,
		user_id2 TEXT NOT NULL,
		last_message_id UUID,
		last_message_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE(user_id1, user_id2),
		CHECK (user_id1 < user_id2)
	);

	CREATE TABLE IF NOT EXISTS messages (
		seq BIGSERIAL,
		id UUID PRIMARY KEY,
		chat_id UUID NOT NULL REFERENCES chats(id) ON DELETE CASCADE,
		sender_id TEXT NOT NULL,
		content TEXT NOT NULL DEFAULT '',
		media TEXT NOT NULL DEFAULT '',
		media_type TEXT NOT NULL DEFAULT '',
		read BOOLEAN NOT NULL DEFAULT FALSE,
		read_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT clock_timestamp()
	);

	CREATE INDEX IF NOT EXISTS idx_messages_chat_created ON messages(chat_id, created_at DESC, seq DESC);
	CREATE INDEX IF NOT EXISTS idx_messages_unread ON messages(chat_id) WHERE read = FALSE;
	CREATE INDEX IF NOT EXISTS idx_chats_user1 ON chats(user_id1);
	CREATE INDEX IF NOT EXISTS idx_chats_user2 ON chats(user_id2);
	CREATE INDEX IF NOT EXISTS idx_chats_last_message_at ON chats(last_message_at DESC);
	`

	_, err := r.db.Exec(query)
	return err
}

func (r *PostgresRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

const chatColumns = `id, user_id1, user_id2, last_message_id, last_message_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanChat(row rowScanner, extra ...any) (*models.Conversation, error) {
	var (
		chat          models.Conversation
		user1, user2  string
		lastMessageID sql.NullString
		lastMessageAt sql.NullTime
	)
	dest := append([]any{&chat.ID, &user1, &user2, &lastMessageID, &lastMessageAt, &chat.CreatedAt, &chat.UpdatedAt}, extra...)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	chat.Participants = []string{user1, user2}
	if lastMessageID.Valid {
		chat.LastMessageID = lastMessageID.String
	}
	if lastMessageAt.Valid {
		at := lastMessageAt.Time
		chat.LastMessageAt = &at
	}
	return &chat, nil
}

func (r *PostgresRepository) CreateChat(ctx context.Context, chat *models.Conversation) (bool, error) {
	if len(chat.Participants) != 2 {
		return false, fmt.Errorf("chat must have exactly two participants, got %d", len(chat.Participants))
	}
	user1, user2 := SortedPair(chat.Participants[0], chat.Participants[1])

	// The no-op update makes RETURNING yield the existing row on conflict;
	// xmax is zero only for freshly inserted tuples.
	query := `
	INSERT INTO chats (id, user_id1, user_id2)
	VALUES ($1, $2, $3)
	ON CONFLICT (user_id1, user_id2) DO UPDATE SET user_id1 = EXCLUDED.user_id1
	RETURNING ` + chatColumns + `, (xmax = 0) AS inserted
	`

	var inserted bool
	stored, err := scanChat(r.db.QueryRowContext(ctx, query, chat.ID, user1, user2), &inserted)
	if err != nil {
		return false, err
	}

	*chat = *stored
	return inserted, nil
}

func (r *PostgresRepository) GetChatByID(ctx context.Context, id string) (*models.Conversation, error) {
	query := `SELECT ` + chatColumns + ` FROM chats WHERE id = $1`

	chat, err := scanChat(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		if isInvalidUUID(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	return chat, nil
}

func (r *PostgresRepository) GetChatByUsers(ctx context.Context, userID1, userID2 string) (*models.Conversation, error) {
	user1, user2 := SortedPair(userID1, userID2)
	query := `SELECT ` + chatColumns + ` FROM chats WHERE user_id1 = $1 AND user_id2 = $2`

	chat, err := scanChat(r.db.QueryRowContext(ctx, query, user1, user2))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	return chat, nil
}

func (r *PostgresRepository) GetUserChats(ctx context.Context, userID string) ([]*models.Conversation, error) {
	query := `
	SELECT ` + chatColumns + `
	FROM chats
	WHERE user_id1 = $1 OR user_id2 = $1
	ORDER BY last_message_at DESC NULLS LAST, created_at DESC
	`

	rows, err := r.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chats []*models.Conversation
	for rows.Next() {
		chat, err := scanChat(rows)
		if err != nil {
			return nil, err
		}
		chats = append(chats, chat)
	}

	return chats, rows.Err()
}

func (r *PostgresRepository) UpdateLastMessage(ctx context.Context, chatID, messageID string, at time.Time) (bool, error) {
	query := `
	UPDATE chats
	SET last_message_id = $2, last_message_at = $3, updated_at = NOW()
	WHERE id = $1 AND (last_message_at IS NULL OR last_message_at <= $3)
	`

	result, err := r.db.ExecContext(ctx, query, chatID, messageID, at)
	if err != nil {
		return false, err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}

	return rowsAffected > 0, nil
}

const messageColumns = `id, chat_id, sender_id, content, media, media_type, read, read_at, created_at`

func scanMessage(row rowScanner) (*models.Message, error) {
	var (
		msg       models.Message
		mediaKind string
		readAt    sql.NullTime
	)
	err := row.Scan(
		&msg.ID, &msg.ConversationID, &msg.SenderID, &msg.Content, &msg.Media, &mediaKind, &msg.Read, &readAt, &msg.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	msg.MediaKind = models.MediaKind(mediaKind)
	if readAt.Valid {
		at := readAt.Time
		msg.ReadAt = &at
	}
	return &msg, nil
}

func (r *PostgresRepository) CreateMessage(ctx context.Context, msg *models.Message) error {
	query := `
	INSERT INTO messages (id, chat_id, sender_id, content, media, media_type)
	VALUES ($1, $2, $3, $4, $5, $6)
	RETURNING created_at
	`

	var createdAt time.Time
	err := r.db.QueryRowContext(ctx, query,
		msg.ID, msg.ConversationID, msg.SenderID, msg.Content, msg.Media, string(msg.MediaKind),
	).Scan(&createdAt)
	if err != nil {
		return err
	}

	msg.CreatedAt = createdAt
	msg.Read = false
	msg.ReadAt = nil
	return nil
}

func (r *PostgresRepository) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE id = $1`

	msg, err := scanMessage(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) || isInvalidUUID(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return msg, nil
}

func (r *PostgresRepository) GetMessagesByIDs(ctx context.Context, ids []string) (map[string]*models.Message, error) {
	result := make(map[string]*models.Message, len(ids))
	if len(ids) == 0 {
		return result, nil
	}

	query := `SELECT ` + messageColumns + ` FROM messages WHERE id = ANY($1::uuid[])`

	rows, err := r.db.QueryContext(ctx, query, pq.Array(ids))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		result[msg.ID] = msg
	}

	return result, rows.Err()
}

func (r *PostgresRepository) GetChatMessages(ctx context.Context, chatID string, limit int, beforeMessageID string) ([]*models.Message, error) {
	var query string
	var args []interface{}

	if beforeMessageID != "" {
		query = `
		SELECT ` + messageColumns + `
		FROM messages
		WHERE chat_id = $1 AND (created_at, seq) < (
			SELECT created_at, seq FROM messages WHERE id = $2 AND chat_id = $1
		)
		ORDER BY created_at DESC, seq DESC
		LIMIT $3
		`
		args = []interface{}{chatID, beforeMessageID, limit}
	} else {
		query = `
		SELECT ` + messageColumns + `
		FROM messages
		WHERE chat_id = $1
		ORDER BY created_at DESC, seq DESC
		LIMIT $2
		`
		args = []interface{}{chatID, limit}
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []*models.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}

	return messages, nil
}

func (r *PostgresRepository) MarkMessagesAsRead(ctx context.Context, chatID, readerID string, at time.Time) (int, error) {
	query := `
	UPDATE messages
	SET read = TRUE, read_at = $3
	WHERE chat_id = $1 AND sender_id <> $2 AND read = FALSE
	`

	result, err := r.db.ExecContext(ctx, query, chatID, readerID, at)
	if err != nil {
		return 0, err
	}

	count, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}

	return int(count), nil
}

// isInvalidUUID reports a malformed id passed to a uuid column, which callers
// treat the same as a missing row.
func isInvalidUUID(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "22P02"
	}
	return false
}
