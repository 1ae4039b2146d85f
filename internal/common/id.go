package common

import (
	"github.com/google/uuid"
)

// NewConnectionID generates a unique WebSocket connection ID with the
// "conn_" prefix.
func NewConnectionID() string {
	return "conn_" + uuid.New().String()
}
