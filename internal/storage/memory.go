package storage

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zhouzirui/soundwave/backend/internal/model/chat"
)

// MemoryStore keeps conversations in process memory. Suitable for
// development and tests; everything is lost on restart.
type MemoryStore struct {
	mu            sync.RWMutex
	conversations map[string][]chat.Message
	closed        bool
	now           func() time.Time
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		conversations: make(map[string][]chat.Message),
		now:           time.Now,
	}
}

func (s *MemoryStore) Create(ctx context.Context, senderID, receiverID, content string) (chat.Message, error) {
	if err := ctx.Err(); err != nil {
		return chat.Message{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return chat.Message{}, ErrClosed
	}

	message := chat.Message{
		ID:         uuid.NewString(),
		SenderID:   senderID,
		ReceiverID: receiverID,
		Content:    content,
		CreatedAt:  s.now().UTC(),
	}

	key := conversationKey(senderID, receiverID)
	s.conversations[key] = append(s.conversations[key], message)
	return message, nil
}

func (s *MemoryStore) Conversation(ctx context.Context, userA, userB string) ([]chat.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}

	messages := s.conversations[conversationKey(userA, userB)]
	copied := make([]chat.Message, len(messages))
	copy(copied, messages)
	return copied, nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// conversationKey is symmetric in its arguments.
func conversationKey(userA, userB string) string {
	if userB < userA {
		userA, userB = userB, userA
	}
	return userA + "\x00" + userB
}
