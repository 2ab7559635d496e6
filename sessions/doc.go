// Package sessions tracks which engine clients are connected, how recently
// each one was heard from, and lets a client resume its previous session
// after a dropped connection instead of being treated as new.
//
// # Identity and reconnection
//
// Every session gets a server-assigned ID and a reconnect token. Tokens live
// in a bounded LRU with an absolute TTL equal to the reconnect window. A
// client presenting a live token together with the client ID it originally
// connected with gets the same session ID back (so subscriptions and
// metadata keyed by it survive) and a freshly rotated token. Once a token
// is evicted or expired the client has to start a new session.
//
// # Liveness
//
// Heartbeat refreshes a session; CleanupStale removes every session whose
// last heartbeat is older than the timeout and returns the removed records
// so the caller can cascade teardown (cancel transfers, drop subscriptions).
//
// # State transitions
//
// UpdateState enforces the transition table in session.go unless the
// manager is built with PermissiveTransitions.
//
// All methods are safe for concurrent use. Lookups return copies.
package sessions
