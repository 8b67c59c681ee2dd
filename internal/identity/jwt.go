package identity

import (
	"context"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// JWTVerifier verifies HS256 JWTs signed with a shared secret. The user id is
// the "sub" claim and "exp" is required.
type JWTVerifier struct {
	secret []byte
	parser *jwt.Parser
}

type jwtClaims struct {
	SessionID string `json:"sid,omitempty"`
	jwt.RegisteredClaims
}

// NewJWTVerifier builds a verifier from cfg.JWTSecret.
func NewJWTVerifier(cfg Config) (*JWTVerifier, error) {
	secret := strings.TrimSpace(cfg.JWTSecret)
	if len(secret) < 16 {
		return nil, fmt.Errorf("%w: jwt secret must be at least 16 bytes", ErrConfig)
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(cfg.ClockSkew),
		jwt.WithTimeFunc(nowFunc(cfg.Now)),
	}
	if iss := strings.TrimSpace(cfg.Issuer); iss != "" {
		opts = append(opts, jwt.WithIssuer(iss))
	}
	return &JWTVerifier{secret: []byte(secret), parser: jwt.NewParser(opts...)}, nil
}

// Verify parses and validates token.
func (v *JWTVerifier) Verify(_ context.Context, token string) (Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Identity{}, ErrInvalidToken
	}

	var claims jwtClaims
	parsed, err := v.parser.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return v.secret, nil
	})
	if err != nil || !parsed.Valid {
		return Identity{}, ErrInvalidToken
	}
	if claims.Subject == "" {
		return Identity{}, ErrInvalidToken
	}

	id := Identity{UserID: claims.Subject, SessionID: claims.SessionID}
	if claims.ExpiresAt != nil {
		id.ExpiresAt = claims.ExpiresAt.Time
	}
	return id, nil
}
