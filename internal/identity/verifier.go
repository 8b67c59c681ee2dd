// Package identity is the boundary to the identity provider: it turns the
// bearer token presented at the WebSocket handshake into a user id. Token
// issuance lives elsewhere.
package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"parley/internal/chat"
)

// ErrInvalidToken is returned for any token that fails verification. It
// matches chat.ErrAuth.
var ErrInvalidToken = fmt.Errorf("%w: invalid token", chat.ErrAuth)

// ErrConfig reports an unusable verifier configuration.
var ErrConfig = errors.New("identity: invalid configuration")

// Identity is the verified caller.
type Identity struct {
	UserID    string
	SessionID string
	ExpiresAt time.Time
}

// Verifier checks a bearer token.
type Verifier interface {
	Verify(ctx context.Context, token string) (Identity, error)
}

// VerifierFunc adapts a function to Verifier.
type VerifierFunc func(ctx context.Context, token string) (Identity, error)

// Verify calls f.
func (f VerifierFunc) Verify(ctx context.Context, token string) (Identity, error) {
	return f(ctx, token)
}

// Mode selects the token format.
type Mode string

const (
	ModePaseto Mode = "paseto"
	ModeJWT    Mode = "jwt"
)

// Config selects and configures a verifier.
type Config struct {
	Mode Mode

	// PASETO v4.public
	PasetoPublicKeyHex string

	// HS256 JWT
	JWTSecret string

	Issuer    string
	ClockSkew time.Duration
	Now       func() time.Time
}

// New builds the verifier named by cfg.Mode.
func New(cfg Config) (Verifier, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(string(cfg.Mode)))) {
	case ModePaseto, "":
		return NewPasetoVerifier(cfg)
	case ModeJWT:
		return NewJWTVerifier(cfg)
	default:
		return nil, fmt.Errorf("%w: unknown auth mode %q", ErrConfig, cfg.Mode)
	}
}

func nowFunc(now func() time.Time) func() time.Time {
	if now != nil {
		return now
	}
	return func() time.Time { return time.Now().UTC() }
}
