package domain

import "errors"

var (
	ErrStreamNotFound     = errors.New("stream not found")
	ErrStreamEnded        = errors.New("stream ended")
	ErrNoActiveSession    = errors.New("no active session")
	ErrStaleSession       = errors.New("session replaced during setup")
	ErrSubscriptionClosed = errors.New("subscription closed")
	ErrConnectionNotFound = errors.New("connection not found")
)
