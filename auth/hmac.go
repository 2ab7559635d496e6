package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// HMACOption configures NewHMAC.
type HMACOption func(*hmacConfig)

type hmacConfig struct {
	issuer   string
	audience string
	leeway   time.Duration
	now      func() time.Time
}

// WithIssuer requires the iss claim to equal issuer.
func WithIssuer(issuer string) HMACOption {
	return func(c *hmacConfig) { c.issuer = issuer }
}

// WithAudience requires the aud claim to contain audience.
func WithAudience(audience string) HMACOption {
	return func(c *hmacConfig) { c.audience = audience }
}

// WithLeeway tolerates clock skew when validating exp, iat and nbf.
func WithLeeway(d time.Duration) HMACOption {
	return func(c *hmacConfig) { c.leeway = d }
}

// WithClock overrides the time source used for expiry checks.
func WithClock(now func() time.Time) HMACOption {
	return func(c *hmacConfig) { c.now = now }
}

type hmacAuthenticator struct {
	secret []byte
	parser *jwt.Parser
}

// NewHMAC constructs an authenticator for HS256 tokens signed with secret.
// Tokens must carry exp and sub claims.
func NewHMAC(secret []byte, opts ...HMACOption) (Authenticator, error) {
	if len(secret) == 0 {
		return nil, errors.New("secret is required")
	}
	cfg := hmacConfig{leeway: 30 * time.Second}
	for _, opt := range opts {
		opt(&cfg)
	}

	popts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(cfg.leeway),
	}
	if cfg.issuer != "" {
		popts = append(popts, jwt.WithIssuer(cfg.issuer))
	}
	if cfg.audience != "" {
		popts = append(popts, jwt.WithAudience(cfg.audience))
	}
	if cfg.now != nil {
		popts = append(popts, jwt.WithTimeFunc(cfg.now))
	}

	return &hmacAuthenticator{
		secret: append([]byte(nil), secret...),
		parser: jwt.NewParser(popts...),
	}, nil
}

func (a *hmacAuthenticator) CheckAuthentication(ctx context.Context, tok string) (UserInfo, error) {
	if tok == "" {
		return nil, fmt.Errorf("%w: empty token", ErrUnauthorized)
	}
	claims := jwt.MapClaims{}
	_, err := a.parser.ParseWithClaims(tok, claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: token parse/verify failed: %v", ErrUnauthorized, err)
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return nil, fmt.Errorf("%w: missing sub", ErrUnauthorized)
	}
	return &userInfo{sub: sub, claims: claims}, nil
}
