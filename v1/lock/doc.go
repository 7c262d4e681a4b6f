// Package lock implements the Redlock distributed lock on top of a fixed set
// of independent nodes.
//
// A Coordinator acquires a lock by setting the same key to the same random
// token on every node and only considers the lock held when a quorum of
// nodes (N/2+1) accepted it within the lock TTL. Renewal and release follow
// the same quorum rule; status probing answers from the first node that
// knows about the lock.
//
// Mutual exclusion holds as long as clock drift between nodes stays bounded
// and a restarted node does not resurrect an expired key before its original
// TTL elapsed. The coordinator documents these assumptions, it does not
// enforce them. No background goroutine or timer is started: renewal and
// release are driven by the caller, and an expired LockedResource is only
// discovered when it is next used.
package lock
