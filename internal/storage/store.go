package storage

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/zhouzirui/soundwave/backend/internal/config"
	"github.com/zhouzirui/soundwave/backend/internal/model/chat"
)

var (
	ErrUnknownDriver = errors.New("unknown storage driver")
	ErrClosed        = errors.New("message store closed")
)

// MessageStore persists direct messages. Create assigns the message id and
// timestamp; Conversation returns both directions between two users in
// ascending creation order.
type MessageStore interface {
	Create(ctx context.Context, senderID, receiverID, content string) (chat.Message, error)
	Conversation(ctx context.Context, userA, userB string) ([]chat.Message, error)
	Close() error
}

// Open returns the store selected by STORAGE_DRIVER.
func Open(ctx context.Context, cfg config.StorageConfig, logger *zap.Logger) (MessageStore, error) {
	switch cfg.Driver {
	case config.DriverMemory, "":
		logger.Info("using in-memory message store")
		return NewMemoryStore(), nil
	case config.DriverSQLite:
		logger.Info("opening sqlite message store", zap.String("path", cfg.SQLitePath))
		return OpenSQLite(cfg.SQLitePath, cfg.Debug)
	case config.DriverPostgres:
		logger.Info("opening postgres message store")
		return OpenPostgres(ctx, cfg.DatabaseURL)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, cfg.Driver)
	}
}
