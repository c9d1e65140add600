package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// KeyPrefix namespaces mirrored presence keys in Redis.
const KeyPrefix = "soundwave:presence:"

// Mirror publishes presence transitions to an external observer. Mirrors
// are best effort: the registry stays the source of truth and callers only
// log mirror errors.
type Mirror interface {
	SetOnline(ctx context.Context, userID string, since time.Time) error
	ClearOnline(ctx context.Context, userID string) error
	ClearAll(ctx context.Context, userIDs []string) error
}

// NopMirror discards every transition.
type NopMirror struct{}

func (NopMirror) SetOnline(context.Context, string, time.Time) error { return nil }
func (NopMirror) ClearOnline(context.Context, string) error { return nil }
func (NopMirror) ClearAll(context.Context, []string) error { return nil }

type mirroredPresence struct {
	UserID string `json:"userId"`
	Since  int64  `json:"since"`
}

// RedisMirror keeps one key per online user so sibling services can count
// online users without talking to this process.
type RedisMirror struct {
	client redis.Cmdable
}

// NewRedisMirror wraps an existing Redis client.
func NewRedisMirror(client redis.Cmdable) *RedisMirror {
	return &RedisMirror{client: client}
}

// Key returns the Redis key that mirrors userID.
func Key(userID string) string {
	return KeyPrefix + userID
}

// SetOnline stores the user's presence record without expiry.
func (m *RedisMirror) SetOnline(ctx context.Context, userID string, since time.Time) error {
	payload, err := json.Marshal(mirroredPresence{UserID: userID, Since: since.Unix()})
	if err != nil {
		return fmt.Errorf("encode presence for %s: %w", userID, err)
	}
	if err := m.client.Set(ctx, Key(userID), payload, 0).Err(); err != nil {
		return fmt.Errorf("mirror online %s: %w", userID, err)
	}
	return nil
}

// ClearOnline deletes the user's presence record.
func (m *RedisMirror) ClearOnline(ctx context.Context, userID string) error {
	if err := m.client.Del(ctx, Key(userID)).Err(); err != nil {
		return fmt.Errorf("mirror offline %s: %w", userID, err)
	}
	return nil
}

// ClearAll deletes the records of every listed user in one round trip.
func (m *RedisMirror) ClearAll(ctx context.Context, userIDs []string) error {
	if len(userIDs) == 0 {
		return nil
	}
	keys := make([]string, len(userIDs))
	for i, userID := range userIDs {
		keys[i] = Key(userID)
	}
	if err := m.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("mirror clear %d users: %w", len(keys), err)
	}
	return nil
}
