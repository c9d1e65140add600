package relay

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/zhouzirui/soundwave/backend/internal/service/presence"
)

// EventKind enumerates the transport events the hub understands.
type EventKind int

const (
	EventConnect EventKind = iota + 1
	EventMessage
	EventDisconnect
)

func (k EventKind) String() string {
	switch k {
	case EventConnect:
		return "connect"
	case EventMessage:
		return "message"
	case EventDisconnect:
		return "disconnect"
	default:
		return "unknown"
	}
}

// Event is one transport occurrence on a connection. UserID is the
// connection's announced user; Payload is set for EventMessage only.
type Event struct {
	Kind    EventKind
	Conn    presence.Conn
	UserID  string
	Payload []byte
}

// HubOptions tune a Hub. Zero values select defaults. DrainTimeout bounds
// how long pending frames may still be processed after Run is cancelled.
type HubOptions struct {
	EventBuffer  int
	LaneBuffer   int
	DrainTimeout time.Duration
	Logger       *zap.Logger
}

// lane runs the message events of one connection in arrival order.
type lane struct {
	userID string
	queue  chan Event
}

// Hub is the single owner of the connection lifecycle. The transport submits
// events; Run applies connect and disconnect inline and hands message events
// to a per-connection lane, so a slow store call only holds up the
// connection that issued it.
type Hub struct {
	relay        *Relay
	events       chan Event
	laneBuffer   int
	drainTimeout time.Duration
	logger       *zap.Logger

	lanes map[string]*lane // owned by Run
	wg    sync.WaitGroup

	done chan struct{}
}

// NewHub creates a hub that dispatches into relay.
func NewHub(relay *Relay, opts HubOptions) *Hub {
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = 256
	}
	if opts.LaneBuffer <= 0 {
		opts.LaneBuffer = 32
	}
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	return &Hub{
		relay:        relay,
		events:       make(chan Event, opts.EventBuffer),
		laneBuffer:   opts.LaneBuffer,
		drainTimeout: opts.DrainTimeout,
		logger:       opts.Logger.Named("hub"),
		lanes:        make(map[string]*lane),
		done:         make(chan struct{}),
	}
}

// Submit enqueues an event. It blocks while the event buffer is full and
// fails once the hub has stopped or ctx ends.
func (h *Hub) Submit(ctx context.Context, ev Event) error {
	select {
	case <-h.done:
		return ErrHubStopped
	default:
	}

	select {
	case h.events <- ev:
		return nil
	case <-h.done:
		return ErrHubStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed once Run has returned.
func (h *Hub) Done() <-chan struct{} {
	return h.done
}

// Run processes events until ctx is cancelled. It then lets every lane
// finish its queued frames for up to DrainTimeout and clears the presence
// mirror.
func (h *Hub) Run(ctx context.Context) error {
	defer close(h.done)
	h.logger.Info("hub started")

	// lanes outlive ctx so frames queued before shutdown are still stored.
	laneCtx, cancelLanes := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelLanes()

	for {
		select {
		case <-ctx.Done():
			h.stop(cancelLanes)
			return nil
		case ev := <-h.events:
			h.dispatch(laneCtx, ev)
		}
	}
}

func (h *Hub) dispatch(ctx context.Context, ev Event) {
	if ev.Conn == nil {
		return
	}

	switch ev.Kind {
	case EventConnect:
		h.handleConnect(ctx, ev)
	case EventMessage:
		h.handleMessage(ev)
	case EventDisconnect:
		h.handleDisconnect(ctx, ev)
	default:
		h.logger.Warn("unknown event kind", zap.Int("kind", int(ev.Kind)))
	}
}

func (h *Hub) handleConnect(ctx context.Context, ev Event) {
	if ev.UserID == "" {
		h.relay.Reply(ev.Conn, TypeError, ErrorBody{Error: "userId is required"})
		return
	}

	connID := ev.Conn.ID()
	if _, exists := h.lanes[connID]; exists {
		h.relay.Reply(ev.Conn, TypeError, ErrorBody{Error: "already connected"})
		return
	}

	l := &lane{userID: ev.UserID, queue: make(chan Event, h.laneBuffer)}
	h.lanes[connID] = l
	h.wg.Add(1)
	go h.runLane(ctx, l)

	h.relay.Connect(ctx, ev.Conn, ev.UserID)
}

func (h *Hub) handleMessage(ev Event) {
	l, ok := h.lanes[ev.Conn.ID()]
	if !ok {
		h.relay.Reply(ev.Conn, TypeError, ErrorBody{Error: "announce user_connected first"})
		return
	}

	select {
	case l.queue <- ev:
	default:
		h.logger.Warn("lane full, frame rejected", zap.String("user", l.userID), zap.String("conn", ev.Conn.ID()))
		h.relay.Reply(ev.Conn, TypeMessageError, ErrorBody{Error: "too many pending messages"})
	}
}

func (h *Hub) handleDisconnect(ctx context.Context, ev Event) {
	connID := ev.Conn.ID()
	l, ok := h.lanes[connID]
	if !ok {
		return
	}
	delete(h.lanes, connID)
	close(l.queue)

	h.relay.Disconnect(ctx, ev.Conn, l.userID)
}

func (h *Hub) runLane(ctx context.Context, l *lane) {
	defer h.wg.Done()
	for ev := range l.queue {
		h.relay.HandleFrame(ctx, ev.Conn, l.userID, ev.Payload)
	}
}

func (h *Hub) stop(cancelLanes context.CancelFunc) {
	for connID, l := range h.lanes {
		close(l.queue)
		delete(h.lanes, connID)
	}

	drained := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
	case <-time.After(h.drainTimeout):
		h.logger.Warn("lanes still busy, cancelling pending frames", zap.Duration("waited", h.drainTimeout))
		cancelLanes()
		<-drained
	}

	ctx, cancel := context.WithTimeout(context.Background(), h.drainTimeout)
	defer cancel()
	h.relay.Shutdown(ctx)
	h.logger.Info("hub stopped")
}
