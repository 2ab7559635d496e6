package authtest

import (
	"context"

	"github.com/esportsjesus1-create/gameverse-backend-sub008/auth"
)

// NoAuth is a test authenticator that accepts any non-empty token.
// Used for testing and development environments where authentication is not required.
type NoAuth struct {
	UserID string
}

// NewNoAuth creates a new NoAuth authenticator with the specified user ID
// If userID is empty, it defaults to "test-user"
func NewNoAuth(userID string) *NoAuth {
	if userID == "" {
		userID = "test-user"
	}
	return &NoAuth{UserID: userID}
}

// CheckAuthentication authenticates every non-empty token as n.UserID.
func (n *NoAuth) CheckAuthentication(_ context.Context, tok string) (auth.UserInfo, error) {
	if tok == "" {
		return nil, auth.ErrUnauthorized
	}
	return &noAuthUserInfo{userID: n.UserID}, nil
}

// noAuthUserInfo provides user info for the NoAuth authenticator
type noAuthUserInfo struct {
	userID string
}

func (n *noAuthUserInfo) UserID() string {
	return n.userID
}

func (n *noAuthUserInfo) Claims(ref any) error {
	return nil // No claims to unmarshal
}
