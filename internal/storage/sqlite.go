package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/zhouzirui/soundwave/backend/internal/model/chat"
)

// messageRecord is the gorm row for a chat message.
type messageRecord struct {
	ID         string    `gorm:"primarykey;size:36"`
	SenderID   string    `gorm:"size:128;not null;index:idx_messages_pair,priority:1"`
	ReceiverID string    `gorm:"size:128;not null;index:idx_messages_pair,priority:2"`
	Content    string    `gorm:"type:text;not null"`
	CreatedAt  time.Time `gorm:"not null;index"`
}

func (messageRecord) TableName() string {
	return "messages"
}

func (r messageRecord) toMessage() chat.Message {
	return chat.Message{
		ID:         r.ID,
		SenderID:   r.SenderID,
		ReceiverID: r.ReceiverID,
		Content:    r.Content,
		CreatedAt:  r.CreatedAt.UTC(),
	}
}

// SQLiteStore persists messages through gorm into a SQLite file.
type SQLiteStore struct {
	db  *gorm.DB
	now func() time.Time
}

// OpenSQLite opens (creating if needed) the database at path and migrates
// the messages table.
func OpenSQLite(path string, debug bool) (*SQLiteStore, error) {
	logLevel := logger.Silent
	if debug {
		logLevel = logger.Info
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logLevel),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := db.AutoMigrate(&messageRecord{}); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &SQLiteStore{db: db, now: time.Now}, nil
}

func (s *SQLiteStore) Create(ctx context.Context, senderID, receiverID, content string) (chat.Message, error) {
	record := messageRecord{
		ID:         uuid.NewString(),
		SenderID:   senderID,
		ReceiverID: receiverID,
		Content:    content,
		CreatedAt:  s.now().UTC(),
	}

	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		return chat.Message{}, fmt.Errorf("failed to create message: %w", err)
	}
	return record.toMessage(), nil
}

func (s *SQLiteStore) Conversation(ctx context.Context, userA, userB string) ([]chat.Message, error) {
	var records []messageRecord
	err := s.db.WithContext(ctx).
		Where("(sender_id = ? AND receiver_id = ?) OR (sender_id = ? AND receiver_id = ?)", userA, userB, userB, userA).
		Order("created_at ASC").
		Order("rowid ASC").
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load conversation: %w", err)
	}

	messages := make([]chat.Message, len(records))
	for i, record := range records {
		messages[i] = record.toMessage()
	}
	return messages, nil
}

func (s *SQLiteStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
