package identity

import (
	"context"
	"fmt"
	"strings"
	"time"

	paseto "aidanwoods.dev/go-paseto"
)

// PasetoVerifier verifies PASETO v4.public tokens against an Ed25519 public key.
// The user id is read from the "uid" claim, falling back to "sub".
type PasetoVerifier struct {
	public    paseto.V4AsymmetricPublicKey
	issuer    string
	clockSkew time.Duration
	now       func() time.Time
}

// NewPasetoVerifier builds a verifier from cfg.PasetoPublicKeyHex.
func NewPasetoVerifier(cfg Config) (*PasetoVerifier, error) {
	public, err := paseto.NewV4AsymmetricPublicKeyFromHex(strings.TrimSpace(cfg.PasetoPublicKeyHex))
	if err != nil {
		return nil, fmt.Errorf("%w: paseto public key: %v", ErrConfig, err)
	}
	return &PasetoVerifier{
		public:    public,
		issuer:    strings.TrimSpace(cfg.Issuer),
		clockSkew: cfg.ClockSkew,
		now:       nowFunc(cfg.Now),
	}, nil
}

// Verify parses and validates token.
func (v *PasetoVerifier) Verify(_ context.Context, token string) (Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Identity{}, ErrInvalidToken
	}

	// Validating slightly in the future tolerates "nbf"/"iat" from a fast issuer clock.
	validAt := v.now().Add(v.clockSkew)

	// Fresh parser per call so rules never accumulate.
	p := paseto.NewParserWithoutExpiryCheck()
	if v.issuer != "" {
		p.AddRule(paseto.IssuedBy(v.issuer))
	}
	p.AddRule(paseto.ValidAt(validAt))

	parsed, err := p.ParseV4Public(v.public, token, nil)
	if err != nil {
		return Identity{}, ErrInvalidToken
	}

	exp, err := parsed.GetExpiration()
	if err != nil {
		// Tokens without an expiry are not accepted.
		return Identity{}, ErrInvalidToken
	}

	uid, err := parsed.GetString("uid")
	if err != nil || uid == "" {
		uid, err = parsed.GetSubject()
		if err != nil || uid == "" {
			return Identity{}, ErrInvalidToken
		}
	}
	sid, _ := parsed.GetString("sid")

	return Identity{UserID: uid, SessionID: sid, ExpiresAt: exp}, nil
}
