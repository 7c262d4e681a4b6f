package node

import (
	"context"
	"time"
)

// Status is the answer of a node to a status probe.
type Status int

const (
	// StatusAvailable means the key does not exist on the node.
	StatusAvailable Status = iota
	// StatusLocked means the key exists but holds a different token.
	StatusLocked
	// StatusAcquired means the key holds the caller's token.
	StatusAcquired
)

func (s Status) String() string {
	switch s {
	case StatusAcquired:
		return "ACQUIRED"
	case StatusLocked:
		return "LOCKED"
	default:
		return "AVAILABLE"
	}
}

// ParseStatus converts the wire representation returned by a node into a
// Status. Unknown values map to StatusAvailable.
func ParseStatus(s string) Status {
	switch s {
	case "ACQUIRED":
		return StatusAcquired
	case "LOCKED":
		return StatusLocked
	default:
		return StatusAvailable
	}
}

// Node is a single pre-connected key-value store peer.
//
// A false result with a nil error means the node answered but the condition
// did not hold (key already present, or owned by another token). A non-nil
// error means the node could not be reached or failed to answer.
type Node interface {
	// Acquire sets key to token only if key does not exist. A positive ttl
	// attaches an expiry; zero means the key never expires.
	Acquire(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
	// Release deletes key only if it currently holds token.
	Release(ctx context.Context, key, token string) (bool, error)
	// Renew resets the expiry of key to ttl only if it currently holds token.
	Renew(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
	// Status reports whether key holds token, another value, or nothing.
	Status(ctx context.Context, key, token string) (Status, error)
}
