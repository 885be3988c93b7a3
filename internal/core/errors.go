package core

import "errors"

// Error codes for domain errors sent to clients.
const (
	ErrCodeCapacityExceeded       = "capacity_exceeded"
	ErrCodePersistenceUnavailable = "persistence_unavailable"
	ErrCodeMalformedMessage       = "malformed_message"
	ErrCodeJoinTimeout            = "join_timeout"
	ErrCodeAlreadyInRoom          = "already_in_room"
	ErrCodeAlreadyJoined          = "already_joined"
	ErrCodeNotInRoom              = "not_in_room"
	ErrCodeActivityNotFound       = "activity_not_found"
	ErrCodeBadRequest             = "bad_request"
	ErrCodeRateLimited            = "rate_limited"
	ErrCodeUnknownType            = "unknown_type"
)

var (
	ErrCapacityExceeded    = errors.New("capacity exceeded")
	ErrDuplicateConnection = errors.New("connection already registered")
	ErrUnknownConnection   = errors.New("connection not registered")
	ErrAlreadyInRoom       = errors.New("already in another room")
	ErrAlreadyJoined       = errors.New("already joined")
	ErrBadRequest          = errors.New("bad request")

	// ErrConnectionClosed is returned when delivering to a closed connection.
	ErrConnectionClosed = errors.New("connection closed")
	// ErrSlowConsumer is returned when a connection's outbound buffer is full.
	ErrSlowConsumer = errors.New("slow consumer")
)

// CoreError wraps a code and human-readable message.
type CoreError struct {
	Code    string
	Message string
}

func (e *CoreError) Error() string {
	return e.Message
}

func coreError(code, msg string) *CoreError {
	return &CoreError{Code: code, Message: msg}
}
