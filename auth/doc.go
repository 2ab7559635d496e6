// Package auth verifies the optional bearer token a client presents in its
// CONNECT payload.
//
// The public surface stays small: an Authenticator validates a token string
// and returns a UserInfo (or an error). The bridge moves a session to the
// authenticated state when verification succeeds and answers with an
// UNAUTHORIZED error otherwise.
//
// # Shared-secret tokens
//
// NewHMAC constructs an Authenticator for HS256 JWTs signed with a secret
// shared between the bridge and whatever issues engine credentials. Callers
// configure validation requirements via functional options (expected issuer,
// audience, leeway).
//
// Example:
//
//	authn, err := auth.NewHMAC([]byte(secret),
//	    auth.WithIssuer("matchmaker"),
//	    auth.WithAudience("engine-bridge"),
//	)
//	if err != nil { log.Fatal(err) }
//
//	ui, err := authn.CheckAuthentication(ctx, connect.AuthToken)
//	if errors.Is(err, auth.ErrUnauthorized) { /* reject the CONNECT */ }
//	userID := ui.UserID()
//
// # Errors
//
// ErrUnauthorized signals the token is invalid (signature, expiry, issuer,
// audience, missing subject).
package auth
