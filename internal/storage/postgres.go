package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/zhouzirui/soundwave/backend/internal/model/chat"
)

const createChatMessages = `
CREATE TABLE IF NOT EXISTS chat_messages (
    seq         BIGSERIAL,
    id          UUID PRIMARY KEY,
    sender_id   TEXT NOT NULL,
    receiver_id TEXT NOT NULL,
    content     TEXT NOT NULL,
    created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_chat_messages_pair ON chat_messages (sender_id, receiver_id, created_at);`

// PostgresStore persists messages with database/sql and lib/pq. The
// database clock assigns created_at.
type PostgresStore struct {
	db *sql.DB
}

// OpenPostgres connects to databaseURL, verifies the connection and creates
// the chat_messages table when missing.
func OpenPostgres(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(20)
	db.SetConnMaxLifetime(5 * time.Minute)

	store, err := initPostgres(ctx, db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func initPostgres(ctx context.Context, db *sql.DB) (*PostgresStore, error) {
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := db.ExecContext(ctx, createChatMessages); err != nil {
		return nil, fmt.Errorf("create chat_messages: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Create(ctx context.Context, senderID, receiverID, content string) (chat.Message, error) {
	message := chat.Message{
		ID:         uuid.NewString(),
		SenderID:   senderID,
		ReceiverID: receiverID,
		Content:    content,
	}

	err := s.db.QueryRowContext(ctx, `
        INSERT INTO chat_messages (id, sender_id, receiver_id, content)
        VALUES ($1, $2, $3, $4)
        RETURNING created_at`,
		message.ID, senderID, receiverID, content,
	).Scan(&message.CreatedAt)
	if err != nil {
		return chat.Message{}, fmt.Errorf("insert chat message: %w", err)
	}

	message.CreatedAt = message.CreatedAt.UTC()
	return message, nil
}

func (s *PostgresStore) Conversation(ctx context.Context, userA, userB string) ([]chat.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT id, sender_id, receiver_id, content, created_at
        FROM chat_messages
        WHERE (sender_id = $1 AND receiver_id = $2) OR (sender_id = $2 AND receiver_id = $1)
        ORDER BY created_at ASC, seq ASC`, userA, userB)
	if err != nil {
		return nil, fmt.Errorf("query conversation: %w", err)
	}
	defer rows.Close()

	messages := make([]chat.Message, 0, 16)
	for rows.Next() {
		var message chat.Message
		if err := rows.Scan(&message.ID, &message.SenderID, &message.ReceiverID, &message.Content, &message.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan chat message: %w", err)
		}
		message.CreatedAt = message.CreatedAt.UTC()
		messages = append(messages, message)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversation: %w", err)
	}
	return messages, nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}
