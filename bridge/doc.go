// Package bridge connects transport connections to the session, protocol,
// state synchronization and asset streaming subsystems.
//
// A transport adapter calls Accept once per connection and feeds every
// inbound frame to Conn.Receive. Outbound frames, replies as well as pushes
// such as state fan-out and asset chunks, go through the Sender the adapter
// supplied. Any failure while handling a frame is answered with a single
// ERROR message correlated to the offending message; the connection stays
// open.
//
// # Session binding
//
// A connection has no session until it sends CONNECT. CONNECT with a
// reconnect token resumes the earlier session (and takes it over from any
// connection still bound to it); without one a new session is created.
// When the transport drops, Conn.Close marks the session disconnected but
// keeps it, so the client can resume within the reconnect window. Sessions
// end on DISCONNECT, on RemoveSession, or when the heartbeat sweep in Run
// finds them stale; each end cancels the session's transfers, drops its
// state subscriptions and is reported once to the lifecycle hook.
//
// # Flow control
//
// Asset chunks are sent one at a time: the ASSET_REQUEST acknowledgement is
// followed by the first chunk and every client ASSET_CHUNK acknowledgement
// releases the next one.
package bridge
