// Package auth resolves the acting principal for audit attribution. Tokens
// are HMAC-signed JWTs carrying the actor identity and type; the verified
// actor travels on the context so every ledger write names who acted.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/northgate-labs/warden/pkg/ledger"
)

var (
	ErrNoActor      = errors.New("auth: no actor in context")
	ErrInvalidToken = errors.New("auth: invalid token")
)

type contextKey string

const actorKey contextKey = "actor"

// WithActor attaches a verified actor to the context.
func WithActor(ctx context.Context, a ledger.Actor) context.Context {
	return context.WithValue(ctx, actorKey, a)
}

// ActorFrom retrieves the actor from the context.
func ActorFrom(ctx context.Context) (ledger.Actor, error) {
	a, ok := ctx.Value(actorKey).(ledger.Actor)
	if !ok {
		return ledger.Actor{}, ErrNoActor
	}
	return a, nil
}

// Claims is the token payload. Subject is the actor ID.
type Claims struct {
	ActorType string   `json:"actor_type"`
	Roles     []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

// Verifier parses and validates actor tokens.
type Verifier struct {
	secret []byte
	issuer string
}

func NewVerifier(secret []byte, issuer string) *Verifier {
	return &Verifier{secret: secret, issuer: issuer}
}

// Verify checks the token signature, expiry, and issuer, and returns the
// actor it names.
func (v *Verifier) Verify(tokenString string) (ledger.Actor, []string, error) {
	var claims Claims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithIssuer(v.issuer), jwt.WithExpirationRequired())
	if err != nil {
		return ledger.Actor{}, nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid || claims.Subject == "" {
		return ledger.Actor{}, nil, ErrInvalidToken
	}

	at := ledger.ActorType(claims.ActorType)
	switch at {
	case ledger.ActorUser, ledger.ActorAgent, ledger.ActorSystem, ledger.ActorService:
	default:
		return ledger.Actor{}, nil, fmt.Errorf("%w: unknown actor type %q", ErrInvalidToken, claims.ActorType)
	}
	return ledger.Actor{ID: claims.Subject, Type: at}, claims.Roles, nil
}

// Issue mints a token for an actor. Used by tooling and tests; production
// deployments usually receive tokens from an external identity provider.
func (v *Verifier) Issue(actor ledger.Actor, roles []string, ttl time.Duration, now time.Time) (string, error) {
	claims := Claims{
		ActorType: string(actor.Type),
		Roles:     roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   actor.ID,
			Issuer:    v.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, nil
}
