package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/zhouzirui/soundwave/backend/internal/metrics"
	"github.com/zhouzirui/soundwave/backend/internal/model/chat"
	"github.com/zhouzirui/soundwave/backend/internal/service/presence"
)

const defaultMaxContentLength = 4000

// Persister stores a message and assigns its id and timestamp.
type Persister interface {
	Create(ctx context.Context, senderID, receiverID, content string) (chat.Message, error)
}

// Options tune a Relay. Zero values select defaults.
type Options struct {
	Mirror           presence.Mirror
	MirrorTimeout    time.Duration
	Metrics          *metrics.Metrics
	Logger           *zap.Logger
	MaxContentLength int
}

// Relay moves chat messages from sender to receiver and keeps every
// connected peer informed about who is online.
type Relay struct {
	registry   *presence.Registry
	store      Persister
	mirror     presence.Mirror
	metrics    *metrics.Metrics
	logger     *zap.Logger
	maxContent int
	now        func() time.Time
}

// New wires a relay around an existing registry and message store.
func New(registry *presence.Registry, store Persister, opts Options) *Relay {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	switch opts.Mirror.(type) {
	case nil:
		opts.Mirror = presence.NopMirror{}
	case presence.NopMirror, *presence.AsyncMirror:
	default:
		// 镜像写入是网络 I/O，不能占用 hub 的事件循环。
		opts.Mirror = presence.NewAsyncMirror(opts.Mirror, presence.AsyncMirrorOptions{
			Timeout: opts.MirrorTimeout,
			Logger:  opts.Logger,
		})
	}
	if opts.MaxContentLength <= 0 {
		opts.MaxContentLength = defaultMaxContentLength
	}

	return &Relay{
		registry:   registry,
		store:      store,
		mirror:     opts.Mirror,
		metrics:    opts.Metrics,
		logger:     opts.Logger.Named("relay"),
		maxContent: opts.MaxContentLength,
		now:        time.Now,
	}
}

// SendMessage persists a message and, when the receiver is online, pushes
// it to the receiver's connection. Only validation and persistence failures
// are returned; an offline receiver or a failed push is not an error.
func (r *Relay) SendMessage(ctx context.Context, senderID, receiverID, content string) (chat.Message, error) {
	if err := r.validate(senderID, receiverID, content); err != nil {
		r.metrics.MessageResult(metrics.MessageInvalid)
		return chat.Message{}, err
	}

	message, err := r.store.Create(ctx, senderID, receiverID, content)
	if err != nil {
		r.metrics.MessageResult(metrics.MessageFailed)
		r.logger.Warn("persist message failed",
			zap.String("sender", senderID),
			zap.String("receiver", receiverID),
			zap.Error(err),
		)
		return chat.Message{}, &PersistenceError{Err: err}
	}
	r.metrics.MessageResult(metrics.MessagePersisted)

	r.deliver(message)
	return message, nil
}

func (r *Relay) validate(senderID, receiverID, content string) error {
	switch {
	case strings.TrimSpace(senderID) == "":
		return fmt.Errorf("%w: sender is required", ErrInvalidMessage)
	case strings.TrimSpace(receiverID) == "":
		return fmt.Errorf("%w: receiverId is required", ErrInvalidMessage)
	case strings.TrimSpace(content) == "":
		return fmt.Errorf("%w: content is required", ErrInvalidMessage)
	case utf8.RuneCountInString(content) > r.maxContent:
		return fmt.Errorf("%w: content exceeds %d characters", ErrInvalidMessage, r.maxContent)
	}
	return nil
}

// deliver pushes a stored message to the receiver if they are online.
// Failures are logged and dropped because the message is already durable.
func (r *Relay) deliver(message chat.Message) {
	conn, ok := r.registry.Lookup(message.ReceiverID)
	if !ok {
		r.metrics.DeliveryResult(metrics.DeliveryOffline)
		return
	}

	if err := r.push(conn, TypeReceiveMessage, message); err != nil {
		r.metrics.DeliveryResult(metrics.DeliveryFailed)
		deliveryErr := &DeliveryError{UserID: message.ReceiverID, ConnID: conn.ID(), Err: err}
		r.logger.Debug("live delivery dropped", zap.Error(deliveryErr))
		return
	}
	r.metrics.DeliveryResult(metrics.DeliveryDelivered)
}

// Connect registers conn as userID's live connection. The new connection
// always receives the current snapshot; the other peers are told only when
// the user was previously offline.
func (r *Relay) Connect(ctx context.Context, conn presence.Conn, userID string) {
	becameOnline, previous := r.registry.Register(userID, conn)
	r.metrics.SetOnlineUsers(r.registry.Count())

	log := r.logger.With(zap.String("user", userID), zap.String("conn", conn.ID()))
	if previous != nil {
		log.Info("connection superseded", zap.String("previous", previous.ID()))
	}

	snapshot := r.registry.Snapshot()
	r.reply(conn, TypeUsersOnline, snapshot)
	r.reply(conn, TypeActivities, r.registry.Activities())

	if !becameOnline {
		return
	}
	log.Info("user online", zap.Int("online", len(snapshot)))

	if since, ok := r.registry.OnlineSince(userID); ok {
		if err := r.mirror.SetOnline(ctx, userID, since); err != nil {
			log.Warn("presence mirror update failed", zap.Error(err))
		}
	}

	r.broadcast(TypeUserConnected, userID, userID)
	r.broadcast(TypeUsersOnline, snapshot, userID)
	if activity, ok := r.registry.Activity(userID); ok {
		r.broadcast(TypeActivityUpdated, ActivityUpdate{UserID: userID, Activity: activity}, userID)
	}
}

// Disconnect releases conn. When it was userID's live connection the user
// goes offline and every remaining peer receives the new snapshot. It
// reports whether the user went offline.
func (r *Relay) Disconnect(ctx context.Context, conn presence.Conn, userID string) bool {
	if !r.registry.Release(userID, conn) {
		return false
	}
	r.metrics.SetOnlineUsers(r.registry.Count())

	snapshot := r.registry.Snapshot()
	r.logger.Info("user offline", zap.String("user", userID), zap.String("conn", conn.ID()), zap.Int("online", len(snapshot)))

	if err := r.mirror.ClearOnline(ctx, userID); err != nil {
		r.logger.Warn("presence mirror clear failed", zap.String("user", userID), zap.Error(err))
	}

	r.broadcast(TypeUserDisconnected, userID, "")
	r.broadcast(TypeUsersOnline, snapshot, "")
	return true
}

// UpdateActivity records what an online user is doing and tells everyone.
func (r *Relay) UpdateActivity(userID, activity string) error {
	activity = strings.TrimSpace(activity)
	if activity == "" {
		return fmt.Errorf("%w: activity is required", ErrInvalidMessage)
	}
	if !r.registry.SetActivity(userID, activity) {
		return fmt.Errorf("%w: %s is not online", ErrInvalidMessage, userID)
	}

	r.broadcast(TypeActivityUpdated, ActivityUpdate{UserID: userID, Activity: activity}, "")
	return nil
}

// HandleFrame processes one client frame from conn, which belongs to
// userID. Replies go back on conn only.
func (r *Relay) HandleFrame(ctx context.Context, conn presence.Conn, userID string, payload []byte) {
	var in Inbound
	if err := json.Unmarshal(payload, &in); err != nil {
		r.reply(conn, TypeError, ErrorBody{Error: "invalid frame"})
		return
	}

	switch in.Type {
	case TypeSendMessage:
		var req SendMessageRequest
		if err := json.Unmarshal(in.Data, &req); err != nil {
			r.reply(conn, TypeMessageError, ErrorBody{Error: "invalid send_message payload"})
			return
		}
		message, err := r.SendMessage(ctx, userID, req.ReceiverID, req.Content)
		if err != nil {
			r.reply(conn, TypeMessageError, ErrorBody{Error: clientError(err)})
			return
		}
		r.reply(conn, TypeMessageSent, message)

	case TypeUpdateActivity:
		var req UpdateActivityRequest
		if err := json.Unmarshal(in.Data, &req); err != nil {
			r.reply(conn, TypeError, ErrorBody{Error: "invalid update_activity payload"})
			return
		}
		if err := r.UpdateActivity(userID, req.Activity); err != nil {
			r.reply(conn, TypeError, ErrorBody{Error: clientError(err)})
		}

	case TypeUserConnected:
		r.reply(conn, TypeError, ErrorBody{Error: "already connected"})

	default:
		r.reply(conn, TypeError, ErrorBody{Error: "unsupported message type: " + in.Type})
	}
}

// Shutdown flushes pending mirror writes and clears every mirrored
// presence record.
func (r *Relay) Shutdown(ctx context.Context) {
	online := r.registry.Snapshot()
	if err := r.mirror.ClearAll(ctx, online); err != nil {
		r.logger.Warn("presence mirror shutdown clear failed", zap.Int("users", len(online)), zap.Error(err))
	}
}

// Reply sends one frame to a single connection, ignoring delivery failure.
func (r *Relay) Reply(conn presence.Conn, frameType string, data any) {
	r.reply(conn, frameType, data)
}

func (r *Relay) reply(conn presence.Conn, frameType string, data any) {
	if err := r.push(conn, frameType, data); err != nil {
		r.logger.Debug("reply dropped", zap.String("type", frameType), zap.String("conn", conn.ID()), zap.Error(err))
	}
}

func (r *Relay) push(conn presence.Conn, frameType string, data any) error {
	payload, err := Encode(frameType, data, r.now())
	if err != nil {
		return fmt.Errorf("encode %s: %w", frameType, err)
	}
	return conn.Send(payload)
}

// broadcast sends one frame to every registered connection except the one
// of exceptUser.
func (r *Relay) broadcast(frameType string, data any, exceptUser string) {
	payload, err := Encode(frameType, data, r.now())
	if err != nil {
		r.logger.Error("encode broadcast failed", zap.String("type", frameType), zap.Error(err))
		return
	}

	for _, conn := range r.registry.Connections(exceptUser) {
		if err := conn.Send(payload); err != nil {
			r.logger.Debug("broadcast dropped", zap.String("type", frameType), zap.String("conn", conn.ID()), zap.Error(err))
		}
	}
}

// clientError maps an error to the text shown to the sender. Store details
// stay in the server log.
func clientError(err error) string {
	switch {
	case errors.Is(err, ErrPersistence):
		return "failed to store message"
	case errors.Is(err, ErrInvalidMessage):
		return err.Error()
	default:
		return "internal error"
	}
}
