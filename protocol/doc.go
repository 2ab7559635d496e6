// Package protocol defines the bridge wire envelope, encodes and decodes it
// in a compact binary form or as JSON (each with optional integrity
// checksums), and dispatches decoded payloads to typed, schema-validated
// handler methods.
//
// # Binary framing
//
// A binary frame is a 12-byte prefix followed by the checksum bytes (when
// present) and the body:
//
//	offset size field
//	0      4    magic "GVBR"
//	4      1    version (1)
//	5      1    has-checksum flag (0 or 1)
//	6      4    body length, big endian
//	10     2    checksum length, big endian
//
// The body is the CBOR encoding of {header, payload}.
//
// # JSON framing
//
// Without integrity checking a JSON frame is the raw {header, payload}
// object. With it the frame is {data: {header, payload}, checksum} where
// checksum is the digest of the canonical (sorted key, compact) serialization
// of data.
//
// # Dispatch
//
// Router.Receive decodes one frame, validates the payload against the schema
// reflected from its Go type, and calls the matching Handler method. Every
// failure, from framing errors to handler errors, is reported once through
// the router's ErrorHandler together with the decoded message (if any) and
// the session ID (if known), so the caller owns a single ERROR reply path.
package protocol
