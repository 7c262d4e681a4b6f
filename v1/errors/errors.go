package errors

import "errors"

var (
	ErrTimeout          = errors.New("timeout")
	ErrConnectionClosed = errors.New("connection closed")
)

// Lock errors. Callers match them with errors.Is; the coordinator wraps them
// with the resource name and the reason.
var (
	// ErrConfiguration is returned when a coordinator is built without any
	// usable node.
	ErrConfiguration = errors.New("redlock: no nodes available")
	// ErrLockAcquisition is returned when a lock could not be acquired
	// because a majority of nodes errored or the deadline elapsed.
	ErrLockAcquisition = errors.New("redlock: lock acquisition failed")
	// ErrLockRemoval is returned when not a single node released the lock.
	ErrLockRemoval = errors.New("redlock: lock removal failed")
	// ErrLockRenewal is returned when a lock could not be renewed on a quorum
	// of nodes, or cannot be renewed at all.
	ErrLockRenewal = errors.New("redlock: lock renewal failed")
)
