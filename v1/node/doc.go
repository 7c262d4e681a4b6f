// Package node defines the atomic operations a key-value store peer must
// support to take part in a Redlock quorum, together with a Redis
// implementation based on Lua scripts, an in-memory implementation and a
// circuit breaker decorator.
//
// Every operation runs as a single indivisible step on the node: ownership is
// established or torn down by comparing the stored value with the caller's
// token inside that step, so no read-then-write race window exists.
package node
