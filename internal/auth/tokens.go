// Package auth issues and verifies the HS256 tokens that identify callers and
// prove recent re-authentication before a signature.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/Levelup666/AuditWiz/internal/apperr"
	"github.com/Levelup666/AuditWiz/internal/db/bunx"
)

// Token purposes.
const (
	PurposeAccess = "access"
	PurposeReauth = "reauth"
)

// DefaultReauthMaxAge bounds how old a re-authentication proof may be.
const DefaultReauthMaxAge = 5 * time.Minute

// Claims are the registered claims plus the token purpose.
type Claims struct {
	jwt.RegisteredClaims
	Purpose string `json:"purpose"`
}

// Tokens signs and checks identity and re-authentication tokens with one
// shared secret.
type Tokens struct {
	secret       []byte
	issuer       string
	reauthMaxAge time.Duration
	now          func() time.Time
}

// NewTokens returns a token codec. An empty issuer disables the issuer check.
func NewTokens(secret []byte, issuer string, reauthMaxAge time.Duration) (*Tokens, error) {
	if len(secret) == 0 {
		return nil, errors.New("jwt secret is required")
	}
	if reauthMaxAge <= 0 {
		reauthMaxAge = DefaultReauthMaxAge
	}
	return &Tokens{secret: secret, issuer: issuer, reauthMaxAge: reauthMaxAge, now: time.Now}, nil
}

func (t *Tokens) WithClock(now func() time.Time) *Tokens {
	t.now = now
	return t
}

// Issue signs a token for subject. ttl <= 0 yields one hour.
func (t *Tokens) Issue(subject, purpose string, ttl time.Duration) (string, error) {
	if subject == "" {
		return "", errors.New("token subject is required")
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	now := t.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        bunx.NewUUIDv7(),
			Subject:   subject,
			Issuer:    t.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Purpose: purpose,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

func (t *Tokens) parse(token string) (*Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(t.now),
	}
	if t.issuer != "" {
		opts = append(opts, jwt.WithIssuer(t.issuer))
	}
	claims := &Claims{}
	if _, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) { return t.secret, nil }, opts...); err != nil {
		return nil, err
	}
	return claims, nil
}

// Authenticate validates an access token and returns its subject.
func (t *Tokens) Authenticate(token string) (string, error) {
	claims, err := t.parse(token)
	if err != nil {
		return "", apperr.Wrap(apperr.KindUnauthenticated, err, "invalid access token")
	}
	if claims.Purpose != PurposeAccess && claims.Purpose != "" {
		return "", apperr.New(apperr.KindUnauthenticated, "token is not an access token")
	}
	if claims.Subject == "" {
		return "", apperr.New(apperr.KindUnauthenticated, "token has no subject")
	}
	return claims.Subject, nil
}

// VerifyReauth accepts a reauth token for signerID issued within the max age.
func (t *Tokens) VerifyReauth(_ context.Context, proof, signerID string) error {
	claims, err := t.parse(proof)
	if err != nil {
		return apperr.Wrap(apperr.KindReauthRequired, err, "invalid re-authentication proof")
	}
	if claims.Purpose != PurposeReauth {
		return apperr.New(apperr.KindReauthRequired, "token is not a re-authentication proof")
	}
	if claims.Subject != signerID {
		return apperr.New(apperr.KindReauthRequired, "re-authentication proof belongs to another user")
	}
	if claims.IssuedAt == nil || t.now().Sub(claims.IssuedAt.Time) > t.reauthMaxAge {
		return apperr.New(apperr.KindReauthRequired, "re-authentication proof is older than %s", t.reauthMaxAge)
	}
	return nil
}
