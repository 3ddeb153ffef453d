package raft

import "github.com/google/uuid"

// newRequestID returns a short correlation ID attached to every inbound RPC,
// used only for log correlation (never persisted, never part of the wire
// contract in §6.3).
func newRequestID() string {
	return uuid.NewString()
}
