package presence

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrMirrorBacklog is returned when the mirror queue is full and the
	// transition was dropped.
	ErrMirrorBacklog = errors.New("presence mirror backlog full")
	// ErrMirrorClosed is returned after ClearAll has shut the queue down.
	ErrMirrorClosed = errors.New("presence mirror closed")
)

const (
	defaultMirrorBuffer  = 1024
	defaultMirrorTimeout = 2 * time.Second
)

// AsyncMirrorOptions tune an AsyncMirror. Zero values select defaults.
type AsyncMirrorOptions struct {
	Buffer  int
	Timeout time.Duration
	Logger  *zap.Logger
}

type mirrorOp struct {
	userID string
	since  time.Time
	online bool
}

// AsyncMirror queues transitions for another Mirror and applies them on its
// own goroutine, in order, each under Timeout. SetOnline and ClearOnline
// never block the caller.
type AsyncMirror struct {
	next    Mirror
	timeout time.Duration
	logger  *zap.Logger

	mu     sync.Mutex
	closed bool
	ops    chan mirrorOp
	done   chan struct{}
}

// NewAsyncMirror starts the worker that feeds next.
func NewAsyncMirror(next Mirror, opts AsyncMirrorOptions) *AsyncMirror {
	if opts.Buffer <= 0 {
		opts.Buffer = defaultMirrorBuffer
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultMirrorTimeout
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	m := &AsyncMirror{
		next:    next,
		timeout: opts.Timeout,
		logger:  opts.Logger.Named("mirror"),
		ops:     make(chan mirrorOp, opts.Buffer),
		done:    make(chan struct{}),
	}
	go m.run()
	return m
}

// SetOnline queues an online record for userID.
func (m *AsyncMirror) SetOnline(_ context.Context, userID string, since time.Time) error {
	return m.enqueue(mirrorOp{userID: userID, since: since, online: true})
}

// ClearOnline queues the removal of userID's record.
func (m *AsyncMirror) ClearOnline(_ context.Context, userID string) error {
	return m.enqueue(mirrorOp{userID: userID})
}

// ClearAll stops accepting transitions, waits for the queue to drain and
// then clears userIDs on the wrapped mirror. It gives up when ctx ends.
func (m *AsyncMirror) ClearAll(ctx context.Context, userIDs []string) error {
	m.mu.Lock()
	if !m.closed {
		m.closed = true
		close(m.ops)
	}
	m.mu.Unlock()

	select {
	case <-m.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return m.next.ClearAll(ctx, userIDs)
}

func (m *AsyncMirror) enqueue(op mirrorOp) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrMirrorClosed
	}
	select {
	case m.ops <- op:
		return nil
	default:
		return ErrMirrorBacklog
	}
}

func (m *AsyncMirror) run() {
	defer close(m.done)
	for op := range m.ops {
		m.apply(op)
	}
}

func (m *AsyncMirror) apply(op mirrorOp) {
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	var err error
	if op.online {
		err = m.next.SetOnline(ctx, op.userID, op.since)
	} else {
		err = m.next.ClearOnline(ctx, op.userID)
	}
	if err != nil {
		m.logger.Warn("presence mirror write failed",
			zap.String("user", op.userID),
			zap.Bool("online", op.online),
			zap.Error(err),
		)
	}
}
