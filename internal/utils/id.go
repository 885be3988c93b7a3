package utils

import "github.com/google/uuid"

// NewID returns a unique identifier for a connection.
// Version 7 ids sort by creation time, which keeps logs readable.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
