package chat

import "time"

// Message is one direct message between two users. ID and CreatedAt are
// assigned by the store; a persisted message never changes.
type Message struct {
	ID         string    `json:"id"`
	SenderID   string    `json:"senderId"`
	ReceiverID string    `json:"receiverId"`
	Content    string    `json:"content"`
	CreatedAt  time.Time `json:"createdAt"`
}
