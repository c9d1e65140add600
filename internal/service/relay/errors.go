package relay

import (
	"errors"
	"fmt"
)

var (
	// ErrPersistence matches every *PersistenceError.
	ErrPersistence    = errors.New("message persistence failed")
	ErrInvalidMessage = errors.New("invalid message")
	ErrHubStopped     = errors.New("relay hub stopped")
)

// PersistenceError reports that the store rejected a message. Nothing was
// sent and nothing was stored.
type PersistenceError struct {
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s: %v", ErrPersistence, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

func (e *PersistenceError) Is(target error) bool { return target == ErrPersistence }

// DeliveryError reports a failed live push. It never leaves the relay.
type DeliveryError struct {
	UserID string
	ConnID string
	Err    error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver to %s (conn %s): %v", e.UserID, e.ConnID, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }
