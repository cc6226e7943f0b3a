// ABOUTME: Package documentation for the connection supervisor.
// ABOUTME: Describes the state machine, ownership rules, and revival semantics.

// Package agent supervises the device's connection to the controller.
//
// # State machine
//
// The supervisor moves through:
//
//	Idle → Connecting → Open → Disconnected → Connecting → ...
//
// with a terminal-but-revivable GivenUp state once the consecutive-failure
// count reaches the configured ceiling. The backoff before retry n is
//
//	delay = min(max_delay, base_delay * 2^n)
//
// and the counter resets to zero on every successful open.
//
// # Ownership
//
// The Agent is the only component that creates or replaces the Connection.
// The retry state is owned by the run loop; other goroutines read it only
// through snapshot accessors. On open the Agent wires the heartbeat loop
// and the log aggregator's sender; on close it unwinds both before any
// reconnect is scheduled, so a heartbeat can never fire on a dead
// connection.
//
// # Revival
//
// GivenUp means automatic retries stopped, not that the agent is dead.
// Revive (or a dispatcher-driven ForceReconnect, e.g. after a fresh
// credential) resets the counter and starts a new attempt immediately.
// This separation lets a network-restored signal bring a long-offline
// device back without restarting the process.
package agent
