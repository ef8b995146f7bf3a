package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/hackgods/hams-appointments/internal/apperr"
	"github.com/hackgods/hams-appointments/internal/appointment"
)

var (
	ErrTokenMissing = apperr.New(apperr.KindUnauthorized, "missing bearer token")
	ErrTokenExpired = apperr.New(apperr.KindUnauthorized, "token has expired")
	ErrTokenInvalid = apperr.New(apperr.KindUnauthorized, "token is invalid")
)

// Identity is the caller as asserted by an upstream identity provider.
type Identity struct {
	ID    string
	Role  appointment.Role
	Email string
	Name  string
}

func (i Identity) Actor() appointment.Actor {
	return appointment.Actor{ID: i.ID, Role: i.Role}
}

type claims struct {
	jwt.RegisteredClaims
	// ID is accepted for tokens that carry the identity outside sub.
	LegacyID string `json:"id,omitempty"`
	Role     string `json:"role"`
	Email    string `json:"email,omitempty"`
	Name     string `json:"name,omitempty"`
}

// Verifier checks HS256 tokens. Issue exists for the seed and simulate
// tools and for tests; production tokens come from elsewhere.
type Verifier struct {
	secret []byte
	issuer string
	now    func() time.Time
}

func NewVerifier(secret, issuer string) *Verifier {
	return &Verifier{secret: []byte(secret), issuer: issuer, now: time.Now}
}

func (v *Verifier) Issue(id Identity, ttl time.Duration) (string, error) {
	now := v.now()
	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    v.issuer,
			Subject:   id.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			NotBefore: jwt.NewNumericDate(now.Add(-10 * time.Second)),
		},
		Role:  string(id.Role),
		Email: id.Email,
		Name:  id.Name,
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return signed, nil
}

func (v *Verifier) Verify(token string) (Identity, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(v.now),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	parsed, err := jwt.ParseWithClaims(token, &claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.secret, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Identity{}, ErrTokenExpired
		}
		return Identity{}, ErrTokenInvalid
	}

	c, ok := parsed.Claims.(*claims)
	if !ok || !parsed.Valid {
		return Identity{}, ErrTokenInvalid
	}

	id := c.Subject
	if id == "" {
		id = c.LegacyID
	}
	role := appointment.Role(strings.ToLower(c.Role))
	if id == "" || (role != appointment.RolePatient && role != appointment.RoleProvider) {
		return Identity{}, ErrTokenInvalid
	}

	return Identity{ID: id, Role: role, Email: c.Email, Name: c.Name}, nil
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, error) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		return "", ErrTokenMissing
	}
	return strings.TrimSpace(token), nil
}

type identityKey struct{}

func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok
}
