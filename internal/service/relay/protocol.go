package relay

import (
	"encoding/json"
	"time"
)

// Frame types exchanged over the realtime channel.
const (
	TypeUserConnected    = "user_connected"
	TypeUserDisconnected = "user_disconnected"
	TypeUsersOnline      = "users_online"
	TypeActivities       = "activities"
	TypeUpdateActivity   = "update_activity"
	TypeActivityUpdated  = "activity_updated"
	TypeSendMessage      = "send_message"
	TypeReceiveMessage   = "receive_message"
	TypeMessageSent      = "message_sent"
	TypeMessageError     = "message_error"
	TypeError            = "error"
)

// Inbound is a frame received from a client.
type Inbound struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
}

type outgoing struct {
	Type      string `json:"type"`
	Data      any    `json:"data,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// Encode serializes a server frame.
func Encode(frameType string, data any, at time.Time) ([]byte, error) {
	return json.Marshal(outgoing{Type: frameType, Data: data, Timestamp: at.Unix()})
}

// AnnounceRequest is the data of the first user_connected frame. Clients may
// also send the user id as a bare JSON string.
type AnnounceRequest struct {
	UserID string `json:"userId"`
}

// ParseAnnounce extracts the announced user id from a user_connected frame.
func ParseAnnounce(data json.RawMessage) (string, error) {
	if len(data) == 0 {
		return "", nil
	}
	var bare string
	if err := json.Unmarshal(data, &bare); err == nil {
		return bare, nil
	}
	var req AnnounceRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return "", err
	}
	return req.UserID, nil
}

// SendMessageRequest is the data of a send_message frame. The sender is the
// connection's user, never a field of the frame.
type SendMessageRequest struct {
	ReceiverID string `json:"receiverId"`
	Content    string `json:"content"`
}

// UpdateActivityRequest is the data of an update_activity frame.
type UpdateActivityRequest struct {
	Activity string `json:"activity"`
}

// ActivityUpdate is broadcast when a user's activity changes.
type ActivityUpdate struct {
	UserID   string `json:"userId"`
	Activity string `json:"activity"`
}

// ErrorBody carries a human readable failure.
type ErrorBody struct {
	Error string `json:"error"`
}
